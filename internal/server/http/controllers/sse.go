package controllers

import (
	"net/http"
	"strconv"

	"github.com/rzbill/chatrelay/internal/event"
	"github.com/rzbill/chatrelay/internal/relay"
)

// sseSink implements relay.Sink for Server-Sent Events.
//
// Headers are written on the first Send, so a connection rejected before
// any event can still answer with a plain 404.
type sseSink struct {
	w       http.ResponseWriter
	started bool
}

func (s *sseSink) start() {
	if s.started {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

// Send writes one event. Stored events carry an id line so browsers can
// resume with Last-Event-ID.
func (s *sseSink) Send(d relay.Delivery) error {
	s.start()
	b, err := event.Encode(d.Event)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(b)+32)
	if d.ID > 0 {
		buf = append(buf, "id: "...)
		buf = strconv.AppendUint(buf, uint64(d.ID), 10)
		buf = append(buf, '\n')
	}
	buf = append(buf, "data: "...)
	buf = append(buf, b...)
	buf = append(buf, "\n\n"...)
	_, err = s.w.Write(buf)
	return err
}

// Flush pushes buffered bytes to the client.
func (s *sseSink) Flush() error {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
