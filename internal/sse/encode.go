// ABOUTME: Writes text increments as data records for streaming responses
// ABOUTME: Payloads are written verbatim; callers must not embed blank lines

package sse

import (
	"fmt"
	"io"
	"net/http"
)

// Encode writes payload as a single data record.
func Encode(w io.Writer, payload string) error {
	if _, err := fmt.Fprintf(w, "%s%s%s", dataPrefix, payload, separator); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return nil
}

// SetHeaders sets the response headers for a record stream.
func SetHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
