package provider

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Event is one server-sent event.
type Event struct {
	Name string
	Data string
}

// EventReader splits a text/event-stream body into events.
type EventReader struct {
	sc *bufio.Scanner
}

// NewEventReader reads events from r.
func NewEventReader(r io.Reader) *EventReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &EventReader{sc: sc}
}

// Next returns the next event with a data payload, or io.EOF when the body
// ends.
func (r *EventReader) Next() (Event, error) {
	var (
		ev   Event
		data []string
	)
	for r.sc.Scan() {
		line := r.sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			ev = Event{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := r.sc.Err(); err != nil {
		return Event{}, fmt.Errorf("reading stream: %w", err)
	}
	if len(data) > 0 {
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return Event{}, io.EOF
}
