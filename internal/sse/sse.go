// Package sse provides Server-Sent-Events line framing: a scanner over
// event:/data: lines and a flushing writer with the [DONE] sentinel used
// by OpenAI-style streams.
package sse

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Done is the OpenAI-style stream terminator payload.
const Done = "[DONE]"

// Event is one parsed SSE event. Name is empty for bare data: lines.
type Event struct {
	Name string
	Data []byte
}

// IsDone reports whether the event is the [DONE] sentinel.
func (e Event) IsDone() bool {
	return string(e.Data) == Done
}

// Scanner reads SSE events from a byte stream. Comment lines are skipped;
// multiple data: lines in one event are joined with newlines.
type Scanner struct {
	s       *bufio.Scanner
	err     error
	current Event
}

func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	return &Scanner{s: s}
}

// Scan advances to the next complete event. Returns false at stream end or
// on a read error (see Err).
func (sc *Scanner) Scan() bool {
	var (
		name string
		data [][]byte
	)

	for sc.s.Scan() {
		line := sc.s.Text()

		switch {
		case line == "":
			if len(data) > 0 || name != "" {
				sc.current = Event{Name: name, Data: bytes.Join(data, []byte("\n"))}
				return true
			}
		case strings.HasPrefix(line, ":"):
			// SSE comment; used as keep-alive by several vendors.
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, []byte(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")))
		}
	}

	sc.err = sc.s.Err()

	if len(data) > 0 || name != "" {
		sc.current = Event{Name: name, Data: bytes.Join(data, []byte("\n"))}
		return true
	}

	return false
}

// Event returns the event produced by the last successful Scan.
func (sc *Scanner) Event() Event {
	return sc.current
}

func (sc *Scanner) Err() error {
	return sc.err
}

// Writer emits SSE frames and flushes after each one when the underlying
// writer supports it.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteData emits a bare `data:` frame.
func (w *Writer) WriteData(data []byte) error {
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", data); err != nil {
		return err
	}

	w.flush()

	return nil
}

// WriteEvent emits an `event:` + `data:` frame.
func (w *Writer) WriteEvent(name string, data []byte) error {
	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}

	w.flush()

	return nil
}

// WriteDone emits the [DONE] sentinel.
func (w *Writer) WriteDone() error {
	return w.WriteData([]byte(Done))
}

// WriteChunk emits a pre-framed chunk produced by an encoder as-is.
func (w *Writer) WriteChunk(chunk []byte) error {
	if _, err := w.w.Write(chunk); err != nil {
		return err
	}

	w.flush()

	return nil
}

func (w *Writer) flush() {
	if f, ok := w.w.(http.Flusher); ok {
		f.Flush()
	}
}

// FormatEvent renders an `event:` + `data:` frame as bytes.
func FormatEvent(name string, data []byte) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", name, data))
}

// FormatData renders a bare `data:` frame as bytes.
func FormatData(data []byte) []byte {
	return []byte(fmt.Sprintf("data: %s\n\n", data))
}
