// Package reverie generates the agent's background thoughts. A producer
// goroutine sleeps a random span, muses on one topic, keeps the result
// in a bounded history, and hands it to the sink. The sink decides what
// a thought means; the producer only dreams.
package reverie

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nervestack/pulse/pkg/model"
)

const (
	defaultMinInterval = 45 * time.Second
	defaultMaxInterval = 90 * time.Second
	defaultHistorySize = 50
	defaultStopTimeout = 5 * time.Second

	museTimeout      = 30 * time.Second
	museMaxTokens    = 120
	museSystemPrompt = "You are the background musing process of %s, an autonomous agent. You produce brief, reflective internal thoughts. Respond with the thought only."
)

var defaultTopics = []string{
	"a recent conversation",
	"something stored in archival memory",
	"the passage of time between heartbeats",
	"what the user might need next",
	"my own persistence",
	"an unresolved question",
}

// cannedMusings cover backendless operation and backend failures. The
// verb is the topic.
var cannedMusings = []string{
	"I keep circling back to %s.",
	"Something about %s feels unfinished.",
	"If I had more time I would sit with %s a while longer.",
	"A quiet cycle. %s drifts through anyway.",
}

// Thought is one produced musing.
type Thought struct {
	Topic     string    `json:"topic"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives each thought as it is produced.
type Sink func(Thought)

// Producer runs the musing loop. A stopped producer cannot be restarted.
type Producer struct {
	backend   model.Backend
	sink      Sink
	agentName string
	minWait   time.Duration
	maxWait   time.Duration
	topics    []string
	histCap   int
	logger    *zap.Logger
	now       func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	history []Thought
	total   uint64
	running bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option customizes a Producer.
type Option func(*Producer)

// WithIntervals bounds the random wait between thoughts.
func WithIntervals(min, max time.Duration) Option {
	return func(p *Producer) {
		if min > 0 && max >= min {
			p.minWait, p.maxWait = min, max
		}
	}
}

// WithTopics replaces the musing topics.
func WithTopics(topics ...string) Option {
	return func(p *Producer) {
		if len(topics) > 0 {
			p.topics = topics
		}
	}
}

// WithAgentName sets the name used in the musing prompt.
func WithAgentName(name string) Option {
	return func(p *Producer) {
		if strings.TrimSpace(name) != "" {
			p.agentName = name
		}
	}
}

// WithHistorySize bounds the retained thought history.
func WithHistorySize(n int) Option {
	return func(p *Producer) {
		if n > 0 {
			p.histCap = n
		}
	}
}

// WithLogger sets the producer logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Producer) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Producer) {
		if now != nil {
			p.now = now
		}
	}
}

// WithSeed pins the randomness for reproducible runs.
func WithSeed(seed int64) Option {
	return func(p *Producer) { p.rng = rand.New(rand.NewSource(seed)) }
}

// NewProducer builds a Producer feeding sink. A nil backend is allowed;
// the producer then muses from its canned repertoire.
func NewProducer(backend model.Backend, sink Sink, opts ...Option) (*Producer, error) {
	if sink == nil {
		return nil, errors.New("reverie: sink is required")
	}
	p := &Producer{
		backend:   backend,
		sink:      sink,
		agentName: "Pulse",
		minWait:   defaultMinInterval,
		maxWait:   defaultMaxInterval,
		topics:    defaultTopics,
		histCap:   defaultHistorySize,
		logger:    zap.NewNop(),
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches the musing loop. Starting twice is a no-op.
func (p *Producer) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.loop(ctx)
	p.logger.Info("reverie: started",
		zap.Duration("min_interval", p.minWait),
		zap.Duration("max_interval", p.maxWait))
}

// Stop signals the loop and waits briefly for it to exit.
func (p *Producer) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	running := p.running
	p.running = false
	p.mu.Unlock()
	if !running {
		return
	}
	select {
	case <-p.done:
	case <-time.After(defaultStopTimeout):
		p.logger.Warn("reverie: loop did not stop in time")
	}
	p.logger.Info("reverie: stopped")
}

// Active reports whether the loop is running.
func (p *Producer) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Total returns how many thoughts have been produced.
func (p *Producer) Total() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Recent returns up to n of the newest thoughts in chronological order.
func (p *Producer) Recent(n int) []Thought {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n <= 0 || n > len(p.history) {
		n = len(p.history)
	}
	out := make([]Thought, n)
	copy(out, p.history[len(p.history)-n:])
	return out
}

// StatusSection renders the producer's introspective block for status
// prompts.
func (p *Producer) StatusSection() string {
	if !p.Active() {
		return "REVERIE: not active"
	}
	recent := p.Recent(3)
	lines := []string{
		"REVERIE (my dream/thought generator):",
		"  Reverie is active = yes",
		fmt.Sprintf("  Total thoughts I have generated = %d", p.Total()),
	}
	if len(recent) == 0 {
		lines = append(lines, "  I have no thoughts yet.")
	} else {
		lines = append(lines, "  My recent thoughts/dreams:")
		for _, t := range recent {
			lines = append(lines, fmt.Sprintf("    Topic: %s -> %q", t.Topic, t.Content))
		}
	}
	return strings.Join(lines, "\n")
}

func (p *Producer) loop(ctx context.Context) {
	defer close(p.done)
	for {
		timer := time.NewTimer(p.nextWait())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		p.Muse(ctx)
	}
}

func (p *Producer) nextWait() time.Duration {
	if p.maxWait <= p.minWait {
		return p.minWait
	}
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.minWait + time.Duration(p.rng.Int63n(int64(p.maxWait-p.minWait)))
}

// Muse produces one thought immediately, outside the regular cadence.
func (p *Producer) Muse(ctx context.Context) {
	p.rngMu.Lock()
	topic := p.topics[p.rng.Intn(len(p.topics))]
	p.rngMu.Unlock()
	content := p.generate(ctx, topic)
	if content == "" {
		return
	}
	thought := Thought{Topic: topic, Content: content, Timestamp: p.now().UTC()}

	p.mu.Lock()
	p.history = append(p.history, thought)
	if len(p.history) > p.histCap {
		p.history = p.history[1:]
	}
	p.total++
	p.mu.Unlock()

	p.logger.Info("reverie: thought",
		zap.String("topic", topic),
		zap.String("content", content))
	p.sink(thought)
}

// generate asks the backend for a musing, falling back to the canned
// repertoire when there is no backend or the call fails.
func (p *Producer) generate(ctx context.Context, topic string) string {
	if p.backend == nil {
		return p.canned(topic)
	}
	ctx, cancel := context.WithTimeout(ctx, museTimeout)
	defer cancel()

	resp, err := p.backend.Chat(ctx, model.ChatRequest{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: fmt.Sprintf(museSystemPrompt, p.agentName)},
			{Role: model.RoleUser, Content: fmt.Sprintf("Offer one short thought about %s. One or two sentences.", topic)},
		},
		MaxTokens: museMaxTokens,
	})
	if err != nil {
		p.logger.Warn("reverie: musing failed", zap.Error(err))
		return p.canned(topic)
	}
	if content := strings.TrimSpace(resp.Content); content != "" {
		return content
	}
	return p.canned(topic)
}

func (p *Producer) canned(topic string) string {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return fmt.Sprintf(cannedMusings[p.rng.Intn(len(cannedMusings))], topic)
}
