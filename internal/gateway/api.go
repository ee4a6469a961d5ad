// ABOUTME: Chat streaming handlers that relay model chunks as data records
// ABOUTME: Includes JSON helpers shared by the gateway's endpoints

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/palladium/internal/agent"
	"github.com/2389/palladium/internal/client"
	"github.com/2389/palladium/internal/sse"
)

// maxRequestBytes bounds chat request bodies.
const maxRequestBytes = 1 << 20

// ChatRequest is the body of the stream endpoints.
type ChatRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	g.serveStream(w, r, false)
}

func (g *Gateway) handleStreamWithFiles(w http.ResponseWriter, r *http.Request) {
	g.serveStream(w, r, true)
}

func (g *Gateway) serveStream(w http.ResponseWriter, r *http.Request, withFiles bool) {
	req, err := parseChatRequest(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Check streaming support before sending (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// A repeated Idempotency-Key is rejected while the first request holds it.
	// The key is released unless the reply completes, so a failed turn can be
	// retried with the same key.
	key := r.Header.Get(client.IdempotencyKeyHeader)
	reqID := uuid.NewString()
	if key != "" {
		if holder, claimed := g.keys.Claim(key, reqID); !claimed {
			g.logger.Info("duplicate request rejected", "key", key, "holder", holder)
			g.sendJSONError(w, http.StatusConflict, "duplicate request")
			return
		}
	}
	completed := false
	defer func() {
		if key != "" && !completed {
			g.keys.Release(key, reqID)
		}
	}()

	sendReq := &agent.SendRequest{
		ConversationID: req.ConversationID,
		Content:        req.Content,
	}
	if withFiles {
		fileContext, err := g.fileContext(req.ConversationID)
		if err != nil {
			g.logger.Error("failed to read uploads", "conversation_id", req.ConversationID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "reading uploaded files failed")
			return
		}
		sendReq.FileContext = fileContext
	}

	respChan, err := g.agents.SendMessage(r.Context(), sendReq)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	first, ok := <-respChan
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "stream ended unexpectedly")
		return
	}
	if first.Event == agent.EventError {
		g.sendJSONError(w, http.StatusBadGateway, first.Error)
		return
	}

	sse.SetHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := g.streamResponses(r.Context(), w, flusher, first, respChan); err != nil {
		g.logger.Warn("stream aborted",
			"conversation_id", req.ConversationID,
			"error", err)
		// Abort the connection so the client sees a broken stream
		// rather than a clean end.
		panic(http.ErrAbortHandler)
	}
	completed = true
}

// frameChunk makes text safe to send as one record. held is the newline
// run carried over from the previous chunk. A record cannot end in a newline
// or contain a blank line, so trailing newlines are held back for the next
// chunk and newline runs collapse to one.
func frameChunk(held, text string) (payload, rest string) {
	text = held + text
	for strings.Contains(text, "\n\n") {
		text = strings.ReplaceAll(text, "\n\n", "\n")
	}
	payload = strings.TrimRight(text, "\n")
	return payload, text[len(payload):]
}

// streamResponses writes text chunks as records until the reply is done.
// It returns an error if the model failed partway through. A newline that
// ends the whole reply is dropped.
func (g *Gateway) streamResponses(ctx context.Context, w io.Writer, flusher http.Flusher, first *agent.Response, respChan <-chan *agent.Response) error {
	var held string
	resp := first
	for {
		switch resp.Event {
		case agent.EventText:
			var payload string
			payload, held = frameChunk(held, resp.Text)
			if payload != "" {
				if err := sse.Encode(w, payload); err != nil {
					return err
				}
				flusher.Flush()
			}
		case agent.EventError:
			return errors.New(resp.Error)
		case agent.EventDone:
			return nil
		}

		var ok bool
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case resp, ok = <-respChan:
			if !ok {
				return nil
			}
		}
	}
}

// parseChatRequest parses and validates a ChatRequest.
func parseChatRequest(r io.Reader) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON body")
	}
	if req.ConversationID == "" {
		return nil, fmt.Errorf("conversation_id is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("content is required")
	}
	return &req, nil
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing JSON response", "error", err)
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
