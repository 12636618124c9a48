package esl

import (
	"bufio"
	"io"
	"net/url"
	"strconv"
	"strings"

	"voicegate-server/pkg/errors"
)

// Frame is one event-socket message: MIME-style headers, optionally
// followed by Content-Length bytes of body.
type Frame struct {
	Headers map[string]string
	Body    []byte
}

// ContentType returns the frame's Content-Type header.
func (f *Frame) ContentType() string {
	return f.Headers["Content-Type"]
}

// ReplyText returns the Reply-Text header of a command reply.
func (f *Frame) ReplyText() string {
	return f.Headers["Reply-Text"]
}

// OK reports whether a command reply succeeded.
func (f *Frame) OK() bool {
	return strings.HasPrefix(f.ReplyText(), "+OK")
}

// readFrame reads one frame off the socket: header lines to the first
// blank line, then the body when Content-Length says there is one.
func readFrame(r *bufio.Reader) (*Frame, error) {
	frame := &Frame{Headers: make(map[string]string)}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		frame.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	if lengthStr, ok := frame.Headers["Content-Length"]; ok {
		length, err := strconv.Atoi(lengthStr)
		if err != nil || length < 0 {
			return nil, errors.Wrap(errors.ErrInvalidInput, "bad Content-Length",
				map[string]interface{}{"value": lengthStr})
		}
		frame.Body = make([]byte, length)
		if _, err := io.ReadFull(r, frame.Body); err != nil {
			return nil, err
		}
	}

	return frame, nil
}

// Event is one channel event decoded from a text/event-plain frame.
type Event struct {
	Name    string
	UUID    string
	Headers map[string]string
}

// Get returns one event header.
func (e *Event) Get(name string) string {
	return e.Headers[name]
}

// Variable returns a channel variable from the event.
func (e *Event) Variable(name string) string {
	return e.Headers["variable_"+name]
}

// parseEvent decodes the URL-encoded header block of a plain event body.
func parseEvent(body []byte) *Event {
	headers := make(map[string]string)
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			// Some events append a raw body after the blank line; the
			// lifecycle events this gateway cares about do not.
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		headers[strings.TrimSpace(name)] = value
	}

	return &Event{
		Name:    headers["Event-Name"],
		UUID:    headers["Unique-ID"],
		Headers: headers,
	}
}
