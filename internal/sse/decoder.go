package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event is one dispatched text/event-stream message.
type Event struct {
	ID   string
	Name string
	Data string
}

// Decoder splits a text/event-stream body into events.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder wraps r. Lines up to 1MiB are accepted.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 1024*1024)
	return &Decoder{sc: sc}
}

// Next returns the next complete event. It returns io.EOF once the body ends;
// a trailing event without its terminating blank line is discarded.
func (d *Decoder) Next() (Event, error) {
	var (
		ev      Event
		data    strings.Builder
		hasData bool
	)

	for d.sc.Scan() {
		line := strings.TrimSuffix(d.sc.Text(), "\r")

		if line == "" {
			if !hasData {
				ev = Event{}
				continue
			}
			ev.Data = data.String()
			return ev, nil
		}

		if strings.HasPrefix(line, ":") {
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
			if !strings.ContainsRune(value, 0) {
				ev.ID = value
			}
		}
	}

	if err := d.sc.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
