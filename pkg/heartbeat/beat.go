package heartbeat

import (
	"time"

	"github.com/nervestack/pulse/pkg/memory"
)

// Beat is the snapshot recorded after every cycle.
type Beat struct {
	ID           uint64       `json:"beat_id"`
	Timestamp    time.Time    `json:"timestamp"`
	State        State        `json:"state"`
	MemoryUsage  memory.Stats `json:"memory_usage"`
	PendingTasks int          `json:"pending_tasks"`
	Notes        string       `json:"notes"`
}

// beatRing keeps the newest beats, evicting the oldest past capacity.
type beatRing struct {
	buf []Beat
	cap int
}

func newBeatRing(capacity int) *beatRing {
	if capacity < 1 {
		capacity = 1
	}
	return &beatRing{cap: capacity}
}

func (r *beatRing) add(b Beat) {
	if len(r.buf) == r.cap {
		copy(r.buf, r.buf[1:])
		r.buf = r.buf[:r.cap-1]
	}
	r.buf = append(r.buf, b)
}

func (r *beatRing) snapshot() []Beat {
	out := make([]Beat, len(r.buf))
	copy(out, r.buf)
	return out
}

func (r *beatRing) last() (Beat, bool) {
	if len(r.buf) == 0 {
		return Beat{}, false
	}
	return r.buf[len(r.buf)-1], true
}
