// ABOUTME: Decodes "data: <payload>" records separated by blank lines into text increments
// ABOUTME: Buffers partial records across reads and never emits a trailing incomplete record

package sse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"unicode/utf8"
)

// DefaultMaxRecordSize bounds a single record when no option overrides it.
const DefaultMaxRecordSize = 1 << 20

const (
	dataPrefix = "data: "
	separator  = "\n\n"
)

// ErrRecordTooLarge is returned when a record exceeds the configured maximum.
var ErrRecordTooLarge = errors.New("sse record too large")

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxRecordSize sets the largest record the decoder will buffer.
func WithMaxRecordSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxRecord = n
		}
	}
}

// Decoder reads increments from a record stream. It is single pass and not
// safe for concurrent use.
type Decoder struct {
	scanner   *bufio.Scanner
	maxRecord int
	done      bool
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{maxRecord: DefaultMaxRecordSize}
	for _, opt := range opts {
		opt(d)
	}

	d.scanner = bufio.NewScanner(r)
	initial := 4096
	if initial > d.maxRecord {
		initial = d.maxRecord
	}
	// The scanner needs room for the record plus its separator
	d.scanner.Buffer(make([]byte, 0, initial), d.maxRecord+len(separator))
	d.scanner.Split(splitRecords)
	return d
}

// splitRecords yields each record terminated by a blank line. Bytes after the
// last separator are held until more input arrives and dropped at EOF.
func splitRecords(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, []byte(separator)); i >= 0 {
		return i + len(separator), data[:i], nil
	}
	if atEOF {
		if len(data) > 0 {
			// incomplete trailing record
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	return 0, nil, nil
}

// Next returns the next increment. It returns io.EOF once the stream ends.
// Records without the data prefix are skipped.
func (d *Decoder) Next() (string, error) {
	if d.done {
		return "", io.EOF
	}

	for d.scanner.Scan() {
		payload, ok := strings.CutPrefix(d.scanner.Text(), dataPrefix)
		if !ok {
			continue
		}
		if !utf8.ValidString(payload) {
			payload = strings.ToValidUTF8(payload, string(utf8.RuneError))
		}
		return payload, nil
	}

	d.done = true
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return "", fmt.Errorf("%w: limit %d bytes", ErrRecordTooLarge, d.maxRecord)
		}
		return "", fmt.Errorf("reading stream: %w", err)
	}
	return "", io.EOF
}

// All returns the remaining increments as a lazy sequence. A non-nil error is
// the final element; the sequence ends silently at EOF.
func (d *Decoder) All() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			payload, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(payload, nil) {
				return
			}
		}
	}
}

// Increments decodes r as a lazy sequence of increments.
func Increments(r io.Reader, opts ...Option) iter.Seq2[string, error] {
	return NewDecoder(r, opts...).All()
}
