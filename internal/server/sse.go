package server

import (
	"net/http"
	"sync"
)

// sseSink adapts an http.ResponseWriter into a stream.Sink. Delivery
// goroutines and the keepalive ticker write concurrently, so every
// write-and-flush happens under the mutex.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
