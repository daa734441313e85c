package heartbeat

import (
	"sync"
	"time"
)

// OutputKind distinguishes normal replies from error notices.
type OutputKind string

const (
	// OutputMessage carries user-visible agent text.
	OutputMessage OutputKind = "message"
	// OutputError carries a failure notice.
	OutputError OutputKind = "error"
)

// Output is one entry on the agent's outbound channel.
type Output struct {
	Kind    OutputKind `json:"kind"`
	Payload string     `json:"payload"`
}

// Queue is an unbounded ordered output queue. Producers push without
// blocking; consumers poll with a timeout.
type Queue struct {
	mu     sync.Mutex
	items  []Output
	notify chan struct{}
}

// NewQueue builds an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends one output entry.
func (q *Queue) Push(kind OutputKind, payload string) {
	q.mu.Lock()
	q.items = append(q.items, Output{Kind: kind, Payload: payload})
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Poll removes and returns the oldest entry, waiting up to timeout for
// one to arrive. The second return reports whether an entry was found.
func (q *Queue) Poll(timeout time.Duration) (Output, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			out := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return out, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-deadline.C:
			return Output{}, false
		}
	}
}

// Len reports how many entries are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
