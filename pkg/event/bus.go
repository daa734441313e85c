package event

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed indicates the bus no longer accepts events.
var ErrClosed = errors.New("event: bus closed")

var errNilBus = errors.New("event: bus is nil")

const defaultBufferSize = 64

// Bus fans events out to subscribers over buffered channels. Publish
// is non-blocking: when a subscriber's buffer is full the event is
// dropped for that subscriber and counted.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	buffer  int
	dropped uint64
	logger  *zap.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBufferSize sets the per-subscriber buffer length (>=1).
func WithBufferSize(size int) BusOption {
	return func(b *Bus) {
		if size >= 1 {
			b.buffer = size
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger *zap.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus builds an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:   make(map[int]chan Event),
		buffer: defaultBufferSize,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. The channel is closed by cancel or by Close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish normalizes evt and fans it out. Subscribers that cannot keep
// up lose the event.
func (b *Bus) Publish(evt Event) error {
	if b == nil {
		return errNilBus
	}
	normalized := normalize(evt)
	if err := normalized.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, sub := range b.subs {
		select {
		case sub <- normalized:
		default:
			b.dropped++
			b.logger.Debug("event: subscriber buffer full, dropping",
				zap.String("type", string(normalized.Type)),
				zap.String("id", normalized.ID))
		}
	}
	return nil
}

// Close closes every subscriber channel and rejects further events.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
	return nil
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped reports how many events were lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
