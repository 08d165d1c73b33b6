// Package sse implements the line-oriented event-stream framing shared by the
// upstream provider, the relay and relay consumers.
//
// Only `data:` lines are meaningful. Every other field (event:, id:, retry:)
// and every comment line is ignored, and the literal payload [DONE] marks the
// end of the stream.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
)

// DoneSentinel is the payload that terminates a stream.
const DoneSentinel = "[DONE]"

const (
	dataField = "data:"

	// readChunkSize is the size of a single Read from the transport.
	readChunkSize = 4096

	// maxLineSize bounds a single buffered line so a peer that never sends
	// a newline cannot grow the buffer without limit.
	maxLineSize = 4 << 20

	// malformedLogLimit truncates logged payloads.
	malformedLogLimit = 200
)

// ErrLineTooLong is returned when a single line exceeds the buffer bound.
var ErrLineTooLong = errors.New("sse: line exceeds maximum size")

// Decoder reassembles complete lines from chunks of arbitrary size.
//
// Lines are split on '\n' at the byte level. Because '\n' never occurs inside
// a multi-byte UTF-8 sequence, a character split across two chunks stays in
// the buffer until the rest of its line arrives and is never decoded early.
type Decoder struct {
	buf  []byte
	done bool
}

// Feed appends chunk to the buffer and returns the data payloads of every
// line completed by it, in order. After the [DONE] sentinel has been seen
// Feed returns nothing and Done reports true.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	if d.done {
		return nil, nil
	}
	d.buf = append(d.buf, chunk...)

	var payloads [][]byte
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]

		payload, ok := dataPayload(line)
		if !ok {
			continue
		}
		if string(payload) == DoneSentinel {
			d.done = true
			d.buf = nil
			return payloads, nil
		}
		payloads = append(payloads, bytes.Clone(payload))
	}

	if len(d.buf) > maxLineSize {
		return payloads, ErrLineTooLong
	}
	return payloads, nil
}

// Done reports whether the [DONE] sentinel has been decoded.
func (d *Decoder) Done() bool {
	return d.done
}

// Pending returns the unterminated trailing bytes. They are discarded at end
// of input, never parsed.
func (d *Decoder) Pending() []byte {
	return d.buf
}

// dataPayload strips the data field name and its single optional space.
func dataPayload(line []byte) ([]byte, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, []byte(dataField)) {
		return nil, false
	}
	payload := line[len(dataField):]
	if len(payload) > 0 && payload[0] == ' ' {
		payload = payload[1:]
	}
	return payload, true
}

// Scanner pulls payloads from r one at a time.
type Scanner struct {
	r       io.Reader
	dec     Decoder
	chunk   []byte
	pending [][]byte
	err     error
}

// NewScanner returns a Scanner reading r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: r, chunk: make([]byte, readChunkSize)}
}

// Next returns the next payload. It returns io.EOF once the stream ended,
// either at [DONE] or at end of input; Done tells the two apart.
func (s *Scanner) Next() ([]byte, error) {
	for {
		if len(s.pending) > 0 {
			p := s.pending[0]
			s.pending = s.pending[1:]
			return p, nil
		}
		if s.err != nil {
			return nil, s.err
		}
		if s.dec.Done() {
			s.err = io.EOF
			continue
		}

		n, readErr := s.r.Read(s.chunk)
		if n > 0 {
			payloads, err := s.dec.Feed(s.chunk[:n])
			s.pending = payloads
			if err != nil {
				s.err = err
				continue
			}
		}
		switch {
		case errors.Is(readErr, io.EOF):
			s.err = io.EOF
		case readErr != nil:
			s.err = fmt.Errorf("sse: read stream: %w", readErr)
		}
	}
}

// Done reports whether the [DONE] sentinel was read.
func (s *Scanner) Done() bool {
	return s.dec.Done()
}

// Payloads reads r until [DONE], end of input or the first read error and
// yields each data payload in arrival order. A read error is yielded once
// as the final element. Stopping the iteration early stops reading.
func Payloads(r io.Reader) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		sc := NewScanner(r)
		for {
			p, err := sc.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

// Events decodes every payload of r as a JSON record of type T.
//
// A payload that is not valid JSON for T is logged and skipped; it never ends
// the iteration. Transport errors end it after being yielded once.
func Events[T any](r io.Reader, logger *slog.Logger) iter.Seq2[*T, error] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(yield func(*T, error) bool) {
		for payload, err := range Payloads(r) {
			if err != nil {
				yield(nil, err)
				return
			}
			rec := new(T)
			if err := json.Unmarshal(payload, rec); err != nil {
				logger.Warn("Skipping malformed SSE payload",
					"error", err,
					"payload", truncate(payload, malformedLogLimit),
				)
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
