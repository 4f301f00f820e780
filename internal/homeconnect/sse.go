package homeconnect

import (
	"bufio"
	"io"
	"strings"
)

// Event is one server-sent event from an appliance stream.
type Event struct {
	Name string
	ID   string
	Data string
}

// StreamScanner splits a text/event-stream body into events. Comment lines
// and unknown fields are skipped. Events without an event field are named
// "message".
type StreamScanner struct {
	reader  *bufio.Reader
	current Event
	err     error
}

func NewStreamScanner(r io.Reader) *StreamScanner {
	return &StreamScanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next reports whether another event was read. After false, Err tells a
// clean end of stream from a read failure.
func (s *StreamScanner) Next() bool {
	if s.err != nil {
		return false
	}
	var (
		ev      Event
		data    []string
		pending bool
	)
	emit := func() {
		ev.Data = strings.Join(data, "\n")
		if ev.Name == "" {
			ev.Name = "message"
		}
		s.current = ev
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			s.err = err
			if pending {
				emit()
				return true
			}
			return false
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if pending {
				emit()
				return true
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "event":
			ev.Name = value
			pending = true
		case "data":
			data = append(data, value)
			pending = true
		case "id":
			ev.ID = value
			pending = true
		}
	}
}

func (s *StreamScanner) Event() Event {
	return s.current
}

func (s *StreamScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
