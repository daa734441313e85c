package event

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultKeepAlive = 15 * time.Second
	keepAliveComment = ": keep-alive %d\n\n"
	completeFrame    = "event: complete\ndata: {}\n\n"
)

// Stream adapts a Bus to Server-Sent Events. Every HTTP client gets
// its own bus subscription for the lifetime of the request.
type Stream struct {
	bus       *Bus
	keepAlive time.Duration
}

// NewStream builds an SSE adapter over bus.
func NewStream(bus *Bus) *Stream {
	return &Stream{bus: bus, keepAlive: defaultKeepAlive}
}

// SetKeepAlive sets the interval for per-client comment frames that
// hold idle connections open (<=0 disables them).
func (s *Stream) SetKeepAlive(d time.Duration) {
	if d <= 0 {
		s.keepAlive = 0
		return
	}
	s.keepAlive = d
}

// ServeHTTP subscribes the caller to the bus and relays events until
// the request ends or the bus closes.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.bus == nil {
		http.Error(w, "event: stream not configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "event: response does not support streaming", http.StatusInternalServerError)
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")

	sub, cancel := s.bus.Subscribe()
	defer cancel()

	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	var ticker *time.Ticker
	if s.keepAlive > 0 {
		ticker = time.NewTicker(s.keepAlive)
		defer ticker.Stop()
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				_, _ = io.WriteString(w, completeFrame)
				flusher.Flush()
				return
			}
			frame, err := encodeFrame(evt)
			if err != nil {
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-tickChan(ticker):
			if _, err := fmt.Fprintf(w, keepAliveComment, time.Now().Unix()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func encodeFrame(evt Event) ([]byte, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("event: marshal SSE payload: %w", err)
	}
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, body)), nil
}

func tickChan(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
