// Package gateway serves the assistant's HTTP API.
//
// # Endpoints
//
//	POST /chat/stream             reply to a turn as a data-record stream
//	POST /chat/stream-with-files  same, with uploaded file contents as context
//	POST /chat/upload             store files for a conversation
//	GET  /                        status probe
//	GET  /health                  liveness probe
//
// Stream responses are "data: <text>\n\n" records, one per model chunk. A
// model failure before the first chunk is a 502 with a JSON error body; a
// failure after it aborts the connection.
//
// A stream request carrying an Idempotency-Key header is rejected with 409
// while another request holds the same key.
package gateway
