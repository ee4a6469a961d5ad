// ABOUTME: HTTP client for the assistant service: opens record streams for user turns
// ABOUTME: Picks the with-files endpoint for turns carrying attachments and maps error replies

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	streamPath          = "/chat/stream"
	streamWithFilesPath = "/chat/stream-with-files"
	uploadPath          = "/chat/upload"
)

// ErrNoBody is returned when a successful reply carries no body.
var ErrNoBody = errors.New("response has no body")

// StatusError is returned for non-2xx replies.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("assistant returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("assistant returned status %d: %s", e.StatusCode, e.Message)
}

// StreamRequest is the body of a stream call.
type StreamRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`

	// WithFiles routes the turn to the endpoint that reads uploaded files.
	WithFiles bool `json:"-"`

	// IdempotencyKey, when set, is sent as the Idempotency-Key header.
	IdempotencyKey string `json:"-"`
}

// IdempotencyKeyHeader carries StreamRequest.IdempotencyKey.
const IdempotencyKeyHeader = "Idempotency-Key"

// Client calls the assistant service.
type Client struct {
	baseURL        string
	http           *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRequestTimeout bounds uploads and the wait for stream response headers.
// Stream bodies are not bounded by it.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "client")
	return c
}

// BaseURL returns the service address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Stream posts a user turn and returns the reply body. The caller must close
// it. Cancelling ctx aborts the read.
func (c *Client) Stream(ctx context.Context, req StreamRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	path := streamPath
	if req.WithFiles {
		path = streamWithFilesPath
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(IdempotencyKeyHeader, req.IdempotencyKey)
	}

	// Only the wait for headers is bounded; the body may stream for longer.
	var timer *time.Timer
	if c.requestTimeout > 0 {
		timer = time.AfterFunc(c.requestTimeout, cancel)
	}

	resp, err := c.http.Do(httpReq)
	if timer != nil && !timer.Stop() && err == nil {
		// Fired between headers arriving and Stop; the body is already dead.
		resp.Body.Close()
		err = context.DeadlineExceeded
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sending request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		cancel()
		return nil, ErrNoBody
	}

	c.logger.Debug("stream opened",
		"conversation_id", req.ConversationID,
		"path", path,
		"status", resp.StatusCode)

	return &streamBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

// streamBody releases the request context when closed.
type streamBody struct {
	io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

func (b *streamBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.cancel)
	return err
}

// statusError extracts the server's message from an error reply.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &errResp) == nil {
			if errResp.Error != "" {
				return &StatusError{StatusCode: resp.StatusCode, Message: errResp.Error}
			}
			if errResp.Detail != "" {
				return &StatusError{StatusCode: resp.StatusCode, Message: errResp.Detail}
			}
		}
	}

	return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
