package upstream

import (
	"bufio"
	"io"
	"strings"
)

// event is one dispatched server-sent event.
type event struct {
	Event string
	Data  string
	ID    string
}

// eventReader splits a text/event-stream body into events. Comments and retry
// fields are ignored; an event without data lines is never dispatched.
type eventReader struct {
	r *bufio.Reader
}

func newEventReader(r io.Reader) *eventReader {
	return &eventReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next blocks until a complete event is available. A partial event at the end of
// the stream is dropped and the read error returned.
func (er *eventReader) Next() (event, error) {
	var ev event
	var data []string
	for {
		line, err := er.r.ReadString('\n')
		if err != nil {
			return event{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if data == nil {
				ev = event{}
				continue
			}
			ev.Data = strings.Join(data, "\n")
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Event = value
		case "data":
			data = append(data, value)
		case "id":
			ev.ID = value
		}
	}
}
