// ABOUTME: Tests for Manager turn handling, history and upload notes
// ABOUTME: Uses scripted models to drive success and failure paths

package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/palladium/internal/chat"
)

type scriptedModel struct {
	chunks []string
	err    error
	seen   []chat.Message
}

func (m *scriptedModel) Stream(_ context.Context, history []chat.Message, onChunk func(string) error) (string, error) {
	m.seen = history
	full := ""
	for _, c := range m.chunks {
		if err := onChunk(c); err != nil {
			return "", err
		}
		full += c
	}
	return full, m.err
}

func collect(t *testing.T, ch <-chan *Response) []*Response {
	t.Helper()
	var out []*Response
	for resp := range ch {
		out = append(out, resp)
	}
	return out
}

func TestSendMessage_StreamsAndRecords(t *testing.T) {
	model := &scriptedModel{chunks: []string{"Hel", "", "lo!"}}
	mgr := NewManager(model, nil)

	ch, err := mgr.SendMessage(context.Background(), &SendRequest{ConversationID: "c1", Content: "Hi"})
	require.NoError(t, err)

	resps := collect(t, ch)
	require.Len(t, resps, 3)
	assert.Equal(t, EventText, resps[0].Event)
	assert.Equal(t, "Hel", resps[0].Text)
	assert.Equal(t, "lo!", resps[1].Text)
	assert.Equal(t, EventDone, resps[2].Event)
	assert.True(t, resps[2].Done)
	assert.Equal(t, "Hello!", resps[2].Text)

	assert.Equal(t, []chat.Message{
		chat.UserMessage{Content: "Hi"},
		chat.AssistantMessage{Content: "Hello!"},
	}, mgr.History("c1"))
	assert.Empty(t, mgr.History("other"))
}

func TestSendMessage_FileContextFollowsTurn(t *testing.T) {
	model := &scriptedModel{chunks: []string{"ok"}}
	mgr := NewManager(model, nil)

	ch, err := mgr.SendMessage(context.Background(), &SendRequest{
		ConversationID: "c1",
		Content:        "read it",
		FileContext:    "The user has uploaded the following files:\nContent of a.txt:\nA",
	})
	require.NoError(t, err)
	collect(t, ch)

	require.Len(t, model.seen, 2)
	assert.Equal(t, chat.RoleUser, model.seen[0].Role())
	assert.Equal(t, chat.RoleSystem, model.seen[1].Role())
	assert.Contains(t, model.seen[1].Text(), "Content of a.txt")
}

func TestSendMessage_ModelError(t *testing.T) {
	model := &scriptedModel{chunks: []string{"par"}, err: errors.New("rate limited")}
	mgr := NewManager(model, nil)

	ch, err := mgr.SendMessage(context.Background(), &SendRequest{ConversationID: "c1", Content: "Hi"})
	require.NoError(t, err)

	resps := collect(t, ch)
	require.Len(t, resps, 2)
	assert.Equal(t, EventText, resps[0].Event)
	last := resps[1]
	assert.Equal(t, EventError, last.Event)
	assert.Equal(t, "rate limited", last.Error)
	assert.True(t, last.Done)
}

func TestSendMessage_Validation(t *testing.T) {
	mgr := NewManager(&scriptedModel{}, nil)

	_, err := mgr.SendMessage(context.Background(), &SendRequest{Content: "Hi"})
	assert.Error(t, err)
	_, err = mgr.SendMessage(context.Background(), &SendRequest{ConversationID: "c1", Content: "  "})
	assert.Error(t, err)
	assert.Empty(t, mgr.History("c1"))
}

func TestRecordUpload(t *testing.T) {
	mgr := NewManager(&scriptedModel{}, nil)

	mgr.RecordUpload("c1", nil)
	assert.Empty(t, mgr.History("c1"))

	mgr.RecordUpload("c1", []string{"a.txt", "b.png"})
	hist := mgr.History("c1")
	require.Len(t, hist, 1)
	assert.Equal(t, chat.SystemMessage{
		Content: "User uploaded files: a.txt, b.png",
		Files:   []string{"a.txt", "b.png"},
	}, hist[0])
}

func TestHistory_ReturnsCopy(t *testing.T) {
	mgr := NewManager(&scriptedModel{}, nil)
	mgr.RecordUpload("c1", []string{"a"})

	hist := mgr.History("c1")
	hist[0] = chat.UserMessage{Content: "mutated"}
	assert.Equal(t, chat.RoleSystem, mgr.History("c1")[0].Role())
}

func TestSendMessage_FailureWithoutTextAddsNoReply(t *testing.T) {
	model := &scriptedModel{err: errors.New("unavailable")}
	mgr := NewManager(model, nil)

	ch, err := mgr.SendMessage(context.Background(), &SendRequest{ConversationID: "c1", Content: "Hi"})
	require.NoError(t, err)
	resps := collect(t, ch)
	require.Len(t, resps, 1)
	assert.Equal(t, EventError, resps[0].Event)

	assert.Equal(t, []chat.Message{chat.UserMessage{Content: "Hi"}}, mgr.History("c1"))

	model.err = nil
	model.chunks = []string{"ok"}
	ch, err = mgr.SendMessage(context.Background(), &SendRequest{ConversationID: "c1", Content: "again"})
	require.NoError(t, err)
	collect(t, ch)
	assert.Equal(t, []chat.Message{
		chat.UserMessage{Content: "Hi"},
		chat.UserMessage{Content: "again"},
	}, model.seen)
}
