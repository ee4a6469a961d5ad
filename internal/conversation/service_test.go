// ABOUTME: Tests for the optimistic mutation controller and exchange lifecycle
// ABOUTME: Drives sends through a fake transport and checks views, persistence, and failure handling

package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/palladium/internal/chat"
	"github.com/2389/palladium/internal/client"
	"github.com/2389/palladium/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport records calls and serves streams from a test-provided func.
type fakeTransport struct {
	mu        sync.Mutex
	calls     []string
	requests  []client.StreamRequest
	uploaded  [][]string
	uploadErr error
	stream    func(ctx context.Context, req client.StreamRequest) (io.ReadCloser, error)
}

func (f *fakeTransport) Stream(ctx context.Context, req client.StreamRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "stream")
	f.requests = append(f.requests, req)
	stream := f.stream
	f.mu.Unlock()

	if stream == nil {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return stream(ctx, req)
}

func (f *fakeTransport) Upload(ctx context.Context, conversationID string, files []client.File) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "upload")
	f.uploaded = append(f.uploaded, client.Names(files))
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return client.Names(files), nil
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

// replay serves a fixed sequence of records.
func replay(payloads ...string) func(context.Context, client.StreamRequest) (io.ReadCloser, error) {
	return func(context.Context, client.StreamRequest) (io.ReadCloser, error) {
		var b strings.Builder
		for _, p := range payloads {
			b.WriteString("data: " + p + "\n\n")
		}
		return io.NopCloser(strings.NewReader(b.String())), nil
	}
}

// piped serves the read side of a pipe the test writes to.
func piped() (*io.PipeWriter, func(context.Context, client.StreamRequest) (io.ReadCloser, error)) {
	pr, pw := io.Pipe()
	return pw, func(context.Context, client.StreamRequest) (io.ReadCloser, error) {
		return pr, nil
	}
}

type harness struct {
	svc           *Service
	kv            *store.MemoryKV
	conversations *store.Conversations
	broadcaster   *store.Broadcaster
	transport     *fakeTransport
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	kv := store.NewMemoryKV()
	b := store.NewBroadcaster(discardLogger())
	conversations := store.NewConversations(kv, b, discardLogger())
	tr := &fakeTransport{}
	svc := New(conversations, tr, cfg, discardLogger(), WithBroadcaster(b))
	t.Cleanup(func() {
		svc.Close()
		b.Close()
	})
	return &harness{svc: svc, kv: kv, conversations: conversations, broadcaster: b, transport: tr}
}

func waitSettled(t *testing.T, ex *Exchange) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := ex.Wait(ctx)
	require.NoError(t, err, "exchange did not settle")
	assert.Equal(t, StateSettled, res.State)
	assert.Equal(t, StateSettled, ex.State())
	return res
}

func snapshotHas(t *testing.T, svc *Service, id string, want []chat.Message) func() bool {
	return func() bool {
		msgs, err := svc.Snapshot(context.Background(), id)
		if err != nil || len(msgs) != len(want) {
			return false
		}
		for i := range want {
			if !assert.ObjectsAreEqual(want[i], msgs[i]) {
				return false
			}
		}
		return true
	}
}

func TestSend_HelloScenario(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	pw, stream := piped()
	h.transport.stream = stream

	ex, err := h.svc.Send(ctx, SendRequest{ConversationID: "42", Content: "Hi"})
	require.NoError(t, err)

	// durable before the network resolves
	assert.Equal(t, []chat.Message{chat.UserMessage{Content: "Hi"}}, h.conversations.Load(ctx, "42"))

	_, err = io.WriteString(pw, "data: Hel\n\n")
	require.NoError(t, err)
	_, err = io.WriteString(pw, "data: lo!\n\n")
	require.NoError(t, err)

	require.Eventually(t, snapshotHas(t, h.svc, "42", []chat.Message{
		chat.UserMessage{Content: "Hi"},
		chat.AssistantMessage{Content: "Hello!", Streaming: true},
	}), 2*time.Second, 5*time.Millisecond)

	// increments are not persisted one by one
	assert.Equal(t, []chat.Message{chat.UserMessage{Content: "Hi"}}, h.conversations.Load(ctx, "42"))

	require.NoError(t, pw.Close())
	res := waitSettled(t, ex)
	assert.Equal(t, 2, res.Increments)
	assert.False(t, res.Failed)
	assert.NoError(t, res.Err)

	want := []chat.Message{
		chat.UserMessage{Content: "Hi"},
		chat.AssistantMessage{Content: "Hello!"},
	}
	assert.Equal(t, want, h.conversations.Load(ctx, "42"))

	raw, err := h.kv.Get(ctx, store.Key("42"))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"role":"user","content":"Hi"},{"role":"assistant","content":"Hello!"}]`, string(raw))
}

func TestSend_SingleIncrementAnswer(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.transport.stream = replay("42")

	ex, err := h.svc.Send(ctx, SendRequest{ConversationID: "c1", Content: "What is 6*7?"})
	require.NoError(t, err)
	res := waitSettled(t, ex)

	assert.Equal(t, 1, res.Increments)
	assert.Equal(t, []chat.Message{
		chat.UserMessage{Content: "What is 6*7?"},
		chat.AssistantMessage{Content: "42"},
	}, h.conversations.Load(ctx, "c1"))

	assert.Equal(t, []client.StreamRequest{{ConversationID: "c1", Content: "What is 6*7?"}}, h.transport.requests)
}

func TestSend_Validation(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.svc.Send(ctx, SendRequest{Content: "hi"})
	assert.Error(t, err)

	_, err = h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "   "})
	assert.Error(t, err)

	assert.Empty(t, h.conversations.Load(ctx, "c"))
}

func TestSend_ZeroIncrements(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.transport.stream = replay()

	ex, err := h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "anyone?"})
	require.NoError(t, err)
	res := waitSettled(t, ex)

	assert.Zero(t, res.Increments)
	assert.False(t, res.Failed)
	assert.Equal(t, []chat.Message{chat.UserMessage{Content: "anyone?"}}, h.conversations.Load(ctx, "c"))
}

func TestSend_TransportErrorDeliversFallback(t *testing.T) {
	h := newHarness(t, Config{FallbackText: "Something went wrong."})
	ctx := context.Background()
	boom := errors.New("connection refused")
	h.transport.stream = func(context.Context, client.StreamRequest) (io.ReadCloser, error) {
		return nil, boom
	}

	ex, err := h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "hi"})
	require.NoError(t, err, "transport failures never reach the caller of Send")
	res := waitSettled(t, ex)

	assert.True(t, res.Failed)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, []chat.Message{
		chat.UserMessage{Content: "hi"},
		chat.AssistantMessage{Content: "Something went wrong."},
	}, h.conversations.Load(ctx, "c"))
}

func TestSend_NonOKStatusDeliversFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	kv := store.NewMemoryKV()
	conversations := store.NewConversations(kv, nil, discardLogger())
	svc := New(conversations, client.New(srv.URL), Config{}, discardLogger())
	defer svc.Close()
	ctx := context.Background()

	ex, err := svc.Send(ctx, SendRequest{ConversationID: "c", Content: "hi"})
	require.NoError(t, err)
	res := waitSettled(t, ex)

	var statusErr *client.StatusError
	require.ErrorAs(t, res.Err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, []chat.Message{
		chat.UserMessage{Content: "hi"},
		chat.AssistantMessage{Content: DefaultFallbackText},
	}, conversations.Load(ctx, "c"))
}

func TestSend_DecodeErrorAppendsFallbackToOpenMessage(t *testing.T) {
	h := newHarness(t, Config{FallbackText: " [interrupted]"})
	ctx := context.Background()
	reset := errors.New("stream reset")
	h.transport.stream = func(context.Context, client.StreamRequest) (io.ReadCloser, error) {
		r := io.MultiReader(strings.NewReader("data: Partial answer\n\ndata: cut"), errReader{reset})
		return io.NopCloser(r), nil
	}

	ex, err := h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "hi"})
	require.NoError(t, err)
	res := waitSettled(t, ex)

	assert.Equal(t, 1, res.Increments)
	assert.True(t, res.Failed)
	assert.ErrorIs(t, res.Err, reset)
	assert.Equal(t, []chat.Message{
		chat.UserMessage{Content: "hi"},
		chat.AssistantMessage{Content: "Partial answer [interrupted]"},
	}, h.conversations.Load(ctx, "c"))
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

func TestSend_IdleTimeoutDeliversFallback(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 100 * time.Millisecond})
	ctx := context.Background()
	pw, stream := piped()
	defer pw.Close()
	h.transport.stream = stream

	ex, err := h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "hi"})
	require.NoError(t, err)

	_, err = io.WriteString(pw, "data: Thinking")
	require.NoError(t, err)
	_, err = io.WriteString(pw, "...\n\n")
	require.NoError(t, err)

	res := waitSettled(t, ex)
	assert.True(t, res.Failed)
	assert.ErrorIs(t, res.Err, ErrIdleTimeout)
	assert.Equal(t, 1, res.Increments)
	assert.Equal(t, []chat.Message{
		chat.UserMessage{Content: "hi"},
		chat.AssistantMessage{Content: "Thinking..." + DefaultFallbackText},
	}, h.conversations.Load(ctx, "c"))
}

func TestExchange_CancelKeepsPartialReply(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	pw, stream := piped()
	defer pw.Close()
	h.transport.stream = stream

	ex, err := h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "tell me a story"})
	require.NoError(t, err)

	_, err = io.WriteString(pw, "data: Once upon\n\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ex.State() == StateStreaming }, time.Second, 5*time.Millisecond)
	require.Eventually(t, snapshotHas(t, h.svc, "c", []chat.Message{
		chat.UserMessage{Content: "tell me a story"},
		chat.AssistantMessage{Content: "Once upon", Streaming: true},
	}), 2*time.Second, 5*time.Millisecond)

	ex.Cancel()
	res := waitSettled(t, ex)

	assert.True(t, res.Cancelled)
	assert.False(t, res.Failed)
	assert.ErrorIs(t, res.Err, ErrCancelled)
	assert.Equal(t, []chat.Message{
		chat.UserMessage{Content: "tell me a story"},
		chat.AssistantMessage{Content: "Once upon"},
	}, h.conversations.Load(ctx, "c"))

	// cancelling a settled exchange is harmless
	ex.Cancel()
}

func TestSend_InFlightRejected(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	pw, stream := piped()
	h.transport.stream = stream

	first, err := h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "one"})
	require.NoError(t, err)

	_, err = h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "two"})
	assert.ErrorIs(t, err, ErrSendInFlight)
	require.Eventually(t, func() bool { return first.State() == StateStreaming }, time.Second, 5*time.Millisecond)

	// other conversations are independent
	h.transport.mu.Lock()
	h.transport.stream = replay("ok")
	h.transport.mu.Unlock()
	other, err := h.svc.Send(ctx, SendRequest{ConversationID: "other", Content: "hi"})
	require.NoError(t, err)
	waitSettled(t, other)

	_, err = io.WriteString(pw, "data: first\n\n")
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	waitSettled(t, first)

	second, err := h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "two"})
	require.NoError(t, err)
	waitSettled(t, second)

	assert.Equal(t, []chat.Message{
		chat.UserMessage{Content: "one"},
		chat.AssistantMessage{Content: "first"},
		chat.UserMessage{Content: "two"},
		chat.AssistantMessage{Content: "ok"},
	}, h.conversations.Load(ctx, "c"))
}

func TestSend_IdempotencyKey(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.transport.stream = replay("done")

	ex, err := h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "hi", IdempotencyKey: "k1"})
	require.NoError(t, err)
	waitSettled(t, ex)

	_, err = h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "hi", IdempotencyKey: "k1"})
	assert.ErrorIs(t, err, ErrDuplicateSend)
	assert.Len(t, h.conversations.Load(ctx, "c"), 2, "duplicate must not append")
}

func TestSend_RejectedSendReleasesKey(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	pw, stream := piped()
	h.transport.stream = stream

	first, err := h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "one"})
	require.NoError(t, err)

	_, err = h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "two", IdempotencyKey: "k2"})
	require.ErrorIs(t, err, ErrSendInFlight)

	require.NoError(t, pw.Close())
	waitSettled(t, first)

	retry, err := h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "two", IdempotencyKey: "k2"})
	require.NoError(t, err)
	waitSettled(t, retry)
}

func TestSend_AttachmentsUploadedFirst(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.transport.stream = replay("Read it.")

	files := []client.File{{Name: "notes.txt", Content: []byte("x")}, {Name: "data.csv", Content: []byte("y")}}
	ex, err := h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "summarize", Attachments: files})
	require.NoError(t, err)
	waitSettled(t, ex)

	assert.Equal(t, []string{"upload", "stream"}, h.transport.Calls())
	assert.True(t, h.transport.requests[0].WithFiles)
	assert.Equal(t, []chat.Message{
		chat.UserMessage{Content: "summarize", Attachments: []string{"notes.txt", "data.csv"}},
		chat.AssistantMessage{Content: "Read it."},
	}, h.conversations.Load(ctx, "c"))
}

func TestSend_UploadFailureRecordsNoteAndContinues(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.transport.uploadErr = errors.New("413 too large")
	h.transport.stream = replay("No files, but here goes.")

	files := []client.File{{Name: "a.pdf"}, {Name: "b.pdf"}}
	ex, err := h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "look", Attachments: files})
	require.NoError(t, err)
	res := waitSettled(t, ex)

	assert.False(t, res.Failed)
	assert.Equal(t, []chat.Message{
		chat.UserMessage{Content: "look", Attachments: []string{"a.pdf", "b.pdf"}},
		chat.AttachmentFailureNote([]string{"a.pdf", "b.pdf"}),
		chat.AssistantMessage{Content: "No files, but here goes."},
	}, h.conversations.Load(ctx, "c"))
}

func TestSend_ClearsStaleStreamingFlags(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.conversations.Save(ctx, "c", []chat.Message{
		chat.UserMessage{Content: "earlier"},
		chat.AssistantMessage{Content: "interrupted", Streaming: true},
	}))
	h.transport.stream = replay("fresh")

	ex, err := h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "again"})
	require.NoError(t, err)
	waitSettled(t, ex)

	assert.Equal(t, []chat.Message{
		chat.UserMessage{Content: "earlier"},
		chat.AssistantMessage{Content: "interrupted"},
		chat.UserMessage{Content: "again"},
		chat.AssistantMessage{Content: "fresh"},
	}, h.conversations.Load(ctx, "c"))
}

func TestSend_AtMostOneStreamingMessage(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.transport.stream = replay("a", "b", "c", "d", "e")

	changes, _ := h.broadcaster.Subscribe(ctx, "c")

	for _, content := range []string{"one", "two", "three"} {
		ex, err := h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: content})
		require.NoError(t, err)
		waitSettled(t, ex)
	}

	for {
		select {
		case change := <-changes:
			assert.LessOrEqual(t, chat.CountStreaming(change.Messages), 1)
		default:
			assert.Len(t, h.conversations.Load(ctx, "c"), 6)
			assert.Zero(t, chat.CountStreaming(h.conversations.Load(ctx, "c")))
			return
		}
	}
}

func TestSnapshot_HydratesFromStore(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	stored := []chat.Message{chat.UserMessage{Content: "hello"}, chat.AssistantMessage{Content: "hi"}}
	require.NoError(t, h.conversations.Save(ctx, "c", stored))

	msgs, err := h.svc.Snapshot(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, stored, msgs)

	msgs, err = h.svc.Snapshot(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRefresh_PicksUpExternalWrites(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.svc.Snapshot(ctx, "c")
	require.NoError(t, err)

	external := []chat.Message{chat.UserMessage{Content: "from another window"}}
	require.NoError(t, h.conversations.Save(ctx, "c", external))

	msgs, err := h.svc.Snapshot(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, msgs, "snapshot serves the view")

	msgs, err = h.svc.Refresh(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, external, msgs)
}

// gatedStore blocks Read calls until released once armed.
type gatedStore struct {
	*store.Conversations
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Read(ctx context.Context, id string) ([]chat.Message, error) {
	g.mu.Lock()
	armed := g.armed
	g.armed = false
	g.mu.Unlock()

	if armed {
		// read the stale value before the gate opens
		stale, err := g.Conversations.Read(ctx, id)
		close(g.entered)
		<-g.release
		return stale, err
	}
	return g.Conversations.Read(ctx, id)
}

func TestRefresh_DoesNotOverwriteOptimisticAppend(t *testing.T) {
	conversations := store.NewConversations(store.NewMemoryKV(), nil, discardLogger())
	gated := &gatedStore{
		Conversations: conversations,
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	pw, stream := piped()
	defer pw.Close()
	svc := New(gated, &fakeTransport{stream: stream}, Config{}, discardLogger())
	defer svc.Close()
	ctx := context.Background()

	_, err := svc.Snapshot(ctx, "c")
	require.NoError(t, err)

	gated.mu.Lock()
	gated.armed = true
	gated.mu.Unlock()

	type refreshResult struct {
		msgs []chat.Message
		err  error
	}
	done := make(chan refreshResult, 1)
	go func() {
		msgs, err := svc.Refresh(ctx, "c")
		done <- refreshResult{msgs, err}
	}()
	<-gated.entered

	_, err = svc.Send(ctx, SendRequest{ConversationID: "c", Content: "mine"})
	require.NoError(t, err)

	close(gated.release)
	got := <-done
	require.NoError(t, got.err)

	want := []chat.Message{chat.UserMessage{Content: "mine"}}
	assert.Equal(t, want, got.msgs)

	msgs, err := svc.Snapshot(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, want, msgs)
}

func TestClose_SettlesInFlightExchanges(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	pw, stream := piped()
	defer pw.Close()
	h.transport.stream = stream

	ex, err := h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "hi"})
	require.NoError(t, err)

	require.NoError(t, h.svc.Close())

	select {
	case <-ex.Done():
	default:
		t.Fatal("Close returned before the exchange settled")
	}
	res := waitSettled(t, ex)
	assert.True(t, res.Cancelled)
	assert.ErrorIs(t, res.Err, ErrClosed)
	assert.Equal(t, []chat.Message{chat.UserMessage{Content: "hi"}}, h.conversations.Load(ctx, "c"))

	_, err = h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "again"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestExchange_WaitHonorsContext(t *testing.T) {
	h := newHarness(t, Config{})
	pw, stream := piped()
	defer pw.Close()
	h.transport.stream = stream

	ex, err := h.svc.Send(context.Background(), SendRequest{ConversationID: "c", Content: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, ex.ID())
	assert.Equal(t, "c", ex.ConversationID())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ex.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ex.Cancel()
	waitSettled(t, ex)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "settled", StateSettled.String())
	assert.Equal(t, "unknown", State(99).String())
}

// flakyKV fails the next failGets calls to Get.
type flakyKV struct {
	store.KV
	mu       sync.Mutex
	failGets int
}

func (f *flakyKV) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failGets = n
}

func (f *flakyKV) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	fail := f.failGets > 0
	if fail {
		f.failGets--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("database is locked")
	}
	return f.KV.Get(ctx, key)
}

func TestSend_ReadErrorKeepsStoredHistory(t *testing.T) {
	kv := &flakyKV{KV: store.NewMemoryKV()}
	conversations := store.NewConversations(kv, nil, discardLogger())
	svc := New(conversations, &fakeTransport{stream: replay("ok")}, Config{}, discardLogger())
	defer svc.Close()
	ctx := context.Background()

	history := []chat.Message{
		chat.UserMessage{Content: "old q"},
		chat.AssistantMessage{Content: "old a"},
	}
	require.NoError(t, conversations.Save(ctx, "c", history))

	kv.failNext(1)
	_, err := svc.Send(ctx, SendRequest{ConversationID: "c", Content: "new q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, history, conversations.Load(ctx, "c"))

	kv.failNext(1)
	_, err = svc.Snapshot(ctx, "c")
	assert.Error(t, err)

	ex, err := svc.Send(ctx, SendRequest{ConversationID: "c", Content: "new q"})
	require.NoError(t, err)
	waitSettled(t, ex)

	assert.Equal(t, []chat.Message{
		chat.UserMessage{Content: "old q"},
		chat.AssistantMessage{Content: "old a"},
		chat.UserMessage{Content: "new q"},
		chat.AssistantMessage{Content: "ok"},
	}, conversations.Load(ctx, "c"))
}

func TestRefresh_ReadErrorKeepsView(t *testing.T) {
	kv := &flakyKV{KV: store.NewMemoryKV()}
	conversations := store.NewConversations(kv, nil, discardLogger())
	svc := New(conversations, &fakeTransport{}, Config{}, discardLogger())
	defer svc.Close()
	ctx := context.Background()

	want := []chat.Message{chat.UserMessage{Content: "kept"}}
	require.NoError(t, conversations.Save(ctx, "c", want))
	msgs, err := svc.Snapshot(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, want, msgs)

	kv.failNext(1)
	_, err = svc.Refresh(ctx, "c")
	assert.Error(t, err)

	msgs, err = svc.Snapshot(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, want, msgs)
}

func TestForget_DropsViewAndActor(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.transport.stream = replay("hello")

	ex, err := h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "hi"})
	require.NoError(t, err)
	waitSettled(t, ex)
	assert.Equal(t, 1, h.svc.actors.len())

	require.NoError(t, h.svc.Forget(ctx, "c"))
	assert.Zero(t, h.svc.actors.len())
	require.NoError(t, h.conversations.Delete(ctx, "c"))

	msgs, err := h.svc.Snapshot(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, msgs, "a deleted conversation must not come back from the cache")

	ex, err = h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "fresh"})
	require.NoError(t, err)
	waitSettled(t, ex)
	assert.Equal(t, []chat.Message{
		chat.UserMessage{Content: "fresh"},
		chat.AssistantMessage{Content: "hello"},
	}, h.conversations.Load(ctx, "c"))

	assert.NoError(t, h.svc.Forget(ctx, "never-used"))
}

func TestForget_RefusesWhileSending(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	pw, stream := piped()
	defer pw.Close()
	h.transport.stream = stream

	ex, err := h.svc.Send(ctx, SendRequest{ConversationID: "c", Content: "hi"})
	require.NoError(t, err)

	assert.ErrorIs(t, h.svc.Forget(ctx, "c"), ErrSendInFlight)
	assert.Equal(t, 1, h.svc.actors.len())

	ex.Cancel()
	waitSettled(t, ex)
	assert.NoError(t, h.svc.Forget(ctx, "c"))
}
