// Package client talks to the assistant HTTP service.
//
// # Overview
//
// Two calls are exposed. Stream posts a user turn and returns the raw
// record stream for the caller to decode. Upload sends attachments as a
// multipart form ahead of the turn that references them.
//
// # Endpoints
//
//   - POST /chat/stream: JSON {"conversation_id","content"}, text/event-stream reply
//   - POST /chat/stream-with-files: same body, used when the turn has attachments
//   - POST /chat/upload: multipart with conversation_id and one files part per file
//
// # Errors
//
// Non-2xx replies come back as *StatusError carrying the status code and
// the server's message. A 2xx reply without a body is ErrNoBody.
//
// # Usage
//
//	c := client.New("http://localhost:8000", client.WithRequestTimeout(30*time.Second))
//	body, err := c.Stream(ctx, client.StreamRequest{ConversationID: id, Content: "hi"})
//	if err != nil {
//		return err
//	}
//	defer body.Close()
//	for chunk, err := range sse.Increments(body) { ... }
package client
