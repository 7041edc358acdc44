package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/r3labs/sse/v2"
)

// ErrEventTooLarge is returned when a single frame exceeds the decoder's
// buffer. The stream cannot be resynchronised after it.
var ErrEventTooLarge = errors.New("stream: event exceeds frame limit")

// DefaultMaxFrame bounds one buffered frame when no limit is given.
const DefaultMaxFrame = 64 << 20

// SSEEvent is one dispatched server-sent event.
type SSEEvent struct {
	Name string // "message" when the server sent no event field
	Data string
	ID   string
}

// Decoder reads text/event-stream framing from an HTTP response body.
// Framing is done by the r3labs event reader; Decoder splits the fields.
type Decoder struct {
	body   *tailReader
	frames *sse.EventStreamReader

	peeked []byte
}

// NewDecoder wraps r. maxFrame caps the bytes buffered for one event;
// zero means DefaultMaxFrame.
func NewDecoder(r io.Reader, maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	body := &tailReader{r: r}
	return &Decoder{body: body, frames: sse.NewEventStreamReader(body, maxFrame)}
}

// Next blocks until a complete event is available. It returns io.EOF when the
// stream ends cleanly between events.
func (d *Decoder) Next() (SSEEvent, error) {
	for {
		raw, err := d.frame()
		if err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				return SSEEvent{}, ErrEventTooLarge
			}
			return SSEEvent{}, err
		}
		if ev, ok := parseFrame(raw); ok {
			return ev, nil
		}
	}
}

// frame returns the next complete frame. Once the body has ended without a
// blank line the remaining frames are already buffered, so it looks one
// ahead and drops the unterminated last one.
func (d *Decoder) frame() ([]byte, error) {
	raw, err := d.read()
	if err != nil || !d.body.eof || d.body.terminated() {
		return raw, err
	}
	raw = bytes.Clone(raw)
	next, err := d.frames.ReadEvent()
	if err != nil {
		return nil, err // raw was the unterminated tail
	}
	d.peeked = bytes.Clone(next)
	return raw, nil
}

func (d *Decoder) read() ([]byte, error) {
	if d.peeked != nil {
		raw := d.peeked
		d.peeked = nil
		return raw, nil
	}
	return d.frames.ReadEvent()
}

// parseFrame splits one frame into fields. Frames without data, such as
// keep-alive comments, are not dispatched.
func parseFrame(raw []byte) (SSEEvent, bool) {
	var (
		ev      SSEEvent
		data    strings.Builder
		hasData bool
	)

	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	for _, line := range strings.Split(text, "\n") {
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			ev.ID = value
		case "retry":
			// Reconnection timing is owned by Policy, not the server.
		}
	}

	if !hasData {
		return SSEEvent{}, false
	}
	if ev.Name == "" {
		ev.Name = "message"
	}
	ev.Data = data.String()
	return ev, true
}

// tailReader remembers whether the body has ended and its last few bytes.
type tailReader struct {
	r    io.Reader
	eof  bool
	tail []byte
}

func (t *tailReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.tail = append(t.tail, p[:n]...)
		if len(t.tail) > 4 {
			t.tail = t.tail[len(t.tail)-4:]
		}
	}
	if errors.Is(err, io.EOF) {
		t.eof = true
	}
	return n, err
}

// terminated reports whether the body ended on a blank line.
func (t *tailReader) terminated() bool {
	for _, end := range []string{"\n\n", "\r\r", "\r\n\r\n", "\n\r\n", "\r\n\n"} {
		if bytes.HasSuffix(t.tail, []byte(end)) {
			return true
		}
	}
	return false
}
