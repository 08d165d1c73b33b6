package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// SetHeaders marks a response as a non-buffered, non-cached event stream.
// X-Accel-Buffering disables proxy buffering in nginx-style intermediaries.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Writer emits `data: <payload>\n\n` frames and flushes after each one.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
	mu      sync.Mutex
}

// NewWriter wraps w. If w implements http.Flusher every frame is flushed
// immediately.
func NewWriter(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

// ErrLineBreak is returned for a payload that would span several lines.
var ErrLineBreak = errors.New("sse: payload contains a line break")

// WriteData writes one frame carrying payload verbatim. A payload holding
// CR or LF is rejected, since decoders split lines on either.
func (w *Writer) WriteData(payload []byte) error {
	if bytes.ContainsAny(payload, "\r\n") {
		return ErrLineBreak
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	w.flush()
	return nil
}

// WriteJSON marshals v and writes it as one frame.
func (w *Writer) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal sse frame: %w", err)
	}
	return w.WriteData(data)
}

// WriteError writes the terminal `{"error": msg}` frame.
func (w *Writer) WriteError(msg string) error {
	return w.WriteJSON(ErrorFrame{Error: msg})
}

// WriteDone writes the terminal [DONE] frame.
func (w *Writer) WriteDone() error {
	return w.WriteData([]byte(DoneSentinel))
}

// WriteComment writes a comment line, which decoders ignore. Used as a
// keepalive against idle-timeout proxies.
func (w *Writer) WriteComment(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("write sse comment: %w", err)
	}
	w.flush()
	return nil
}

// Flush pushes buffered bytes, typically the response headers, to the client.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flush()
}

func (w *Writer) flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}

// ErrorFrame is the payload of a terminal error frame.
type ErrorFrame struct {
	Error string `json:"error"`
}
