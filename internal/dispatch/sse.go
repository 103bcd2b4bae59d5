package dispatch

import (
	"net/http"
	"sync"
)

// SSEWriter frames server-sent events to the client, flushing after every
// write. Started reports whether any byte reached the wire, which is what
// forbids further retries.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu      sync.Mutex
	started bool
}

func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher}
}

// WriteHeaders emits the SSE response headers. Safe to call once, before the
// first event.
func (s *SSEWriter) WriteHeaders() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteData frames one payload as a data event.
func (s *SSEWriter) WriteData(payload []byte) error {
	buf := make([]byte, 0, len(payload)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, payload...)
	buf = append(buf, "\n\n"...)
	return s.WriteRaw(buf)
}

// WriteRaw writes pre-framed bytes and flushes.
func (s *SSEWriter) WriteRaw(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	s.started = true
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// WriteDone emits the OpenAI stream terminator.
func (s *SSEWriter) WriteDone() error {
	return s.WriteRaw([]byte("data: [DONE]\n\n"))
}

// Started reports whether the response body has begun streaming.
func (s *SSEWriter) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
