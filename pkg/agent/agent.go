// Package agent composes the pulse runtime: memory, attention, skills,
// the model backend, the heartbeat scheduler, and the optional reverie
// producer, all wired from one Config value.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/nervestack/pulse/pkg/attention"
	"github.com/nervestack/pulse/pkg/config"
	"github.com/nervestack/pulse/pkg/event"
	"github.com/nervestack/pulse/pkg/heartbeat"
	"github.com/nervestack/pulse/pkg/journal"
	"github.com/nervestack/pulse/pkg/memory"
	"github.com/nervestack/pulse/pkg/model"
	"github.com/nervestack/pulse/pkg/reverie"
	"github.com/nervestack/pulse/pkg/skill"
)

// Version is reported on the status and health surfaces.
const Version = "2.0.0"

const (
	defaultUserInfo = "User info not provided yet."
	personaTemplate = "I am %s, an autonomous AI assistant with persistent memory.\nI remember conversations and learn over time. I operate on a heartbeat protocol."

	responsePoll       = 500 * time.Millisecond
	defaultChatTimeout = 30 * time.Second
)

// ErrNoResponse reports that a chat deadline passed without the agent
// producing any message output.
var ErrNoResponse = errors.New("agent: no response before deadline")

// Agent owns one pulse runtime instance. All methods are safe for
// concurrent use once New returns.
type Agent struct {
	cfg       *config.Config
	name      string
	logger    *zap.Logger
	startedAt time.Time

	bus     *event.Bus
	persist memory.Backend
	store   *memory.Store
	skills  *skill.Registry
	budget  *attention.Budgeter
	backend model.Backend
	journal *journal.Journal
	sched   *heartbeat.Scheduler
	reverie *reverie.Producer

	// chatMu serializes Chat conversations so interleaved callers do
	// not steal each other's responses off the output queue.
	chatMu sync.Mutex

	lifeMu  sync.Mutex
	started bool
	stopped bool
}

type options struct {
	logger  *zap.Logger
	backend model.Backend
	bus     *event.Bus
}

// Option customizes agent construction.
type Option func(*options)

// WithLogger sets the root logger; components get named children.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithBackend overrides the configured model backend.
func WithBackend(backend model.Backend) Option {
	return func(o *options) { o.backend = backend }
}

// WithBus injects an event bus instead of creating one. The agent
// still closes it on Stop.
func WithBus(bus *event.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// New builds and wires an agent from cfg. A nil cfg means defaults.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Agent, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ag := &Agent{
		cfg:       cfg,
		name:      displayName(cfg.AgentID),
		logger:    logger,
		startedAt: time.Now().UTC(),
	}

	ag.bus = o.bus
	if ag.bus == nil {
		ag.bus = event.NewBus(event.WithLogger(logger.Named("event")))
	}

	persist, err := newMemoryBackend(cfg.Memory, logger)
	if err != nil {
		return nil, fmt.Errorf("agent: memory backend: %w", err)
	}
	ag.persist = persist

	store, err := memory.NewStore(cfg.AgentID,
		memory.WithBackend(persist),
		memory.WithLogger(logger.Named("memory")),
		memory.WithCoreLimit(cfg.Memory.CoreLimit),
		memory.WithRecallLimit(cfg.Memory.RecallLimit),
		memory.WithSearchLimit(cfg.Memory.SearchLimit))
	if err != nil {
		return nil, err
	}
	ag.store = store
	ag.seedCoreMemory()

	ag.backend = o.backend
	if ag.backend == nil {
		backend, err := model.NewBackend(ctx, model.ModelConfig{
			Provider:  cfg.Model.Provider,
			Model:     cfg.Model.Model,
			APIKey:    cfg.Model.APIKey,
			BaseURL:   cfg.Model.BaseURL,
			MaxTokens: cfg.Model.MaxTokens,
			Timeout:   cfg.Model.Timeout.Std(),
		})
		if err != nil {
			return nil, fmt.Errorf("agent: model backend: %w", err)
		}
		ag.backend = backend
	}

	ag.skills = skill.NewRegistry(skill.WithLogger(logger.Named("skill")))
	ag.budget = attention.NewBudgeter(store,
		attention.WithWindow(cfg.Attention.WindowTokens),
		attention.WithMargin(cfg.Attention.SafetyMargin))

	// Beats survive restarts when the journal opens; without it the
	// agent still runs, it just forgets its pulse history.
	if j, err := journal.Open(filepath.Join(cfg.Memory.Dir, "journal")); err != nil {
		logger.Warn("agent: journal unavailable, beat history will not persist", zap.Error(err))
	} else {
		ag.journal = j
	}

	sched, err := heartbeat.NewScheduler(ag.backend, store, ag.skills, ag.budget,
		heartbeat.WithInterval(cfg.Heartbeat.Interval.Std()),
		heartbeat.WithMaxMissed(cfg.Heartbeat.MaxMissed),
		heartbeat.WithStickyError(cfg.Heartbeat.StickyError),
		heartbeat.WithStopTimeout(cfg.Heartbeat.StopTimeout.Std()),
		heartbeat.WithModelTimeout(cfg.Model.Timeout.Std()),
		heartbeat.WithAgentID(cfg.AgentID),
		heartbeat.WithAgentName(ag.name),
		heartbeat.WithLogger(logger.Named("heartbeat")),
		heartbeat.WithBus(ag.bus),
		heartbeat.WithJournal(ag.journal),
		heartbeat.WithStatusExtra(ag.reverieStatus))
	if err != nil {
		return nil, err
	}
	ag.sched = sched

	for _, sk := range skill.Builtins(store, ag.sendOutput, ag.wake) {
		if err := ag.skills.Register(sk); err != nil {
			return nil, fmt.Errorf("agent: register builtin: %w", err)
		}
	}

	if cfg.Reverie.Enabled {
		prod, err := reverie.NewProducer(ag.backend, ag.onThought,
			reverie.WithIntervals(cfg.Reverie.MinInterval.Std(), cfg.Reverie.MaxInterval.Std()),
			reverie.WithAgentName(ag.name),
			reverie.WithLogger(logger.Named("reverie")))
		if err != nil {
			return nil, err
		}
		ag.reverie = prod
	}

	logger.Info("agent initialized",
		zap.String("agent_id", cfg.AgentID),
		zap.String("provider", cfg.Model.Provider),
		zap.String("model", cfg.Model.Model),
		zap.Bool("reverie", ag.reverie != nil))
	return ag, nil
}

// Start launches the heartbeat and, when enabled, the reverie loop.
func (a *Agent) Start(ctx context.Context) error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if a.started {
		return nil
	}
	if a.stopped {
		return errors.New("agent: already stopped")
	}
	if err := a.sched.Start(ctx); err != nil {
		return err
	}
	if a.reverie != nil {
		a.reverie.Start(ctx)
	}
	a.started = true
	a.logger.Info("agent started", zap.String("agent_id", a.cfg.AgentID))
	return nil
}

// Stop winds the runtime down: reverie first so no thought lands
// mid-shutdown, then the scheduler, then the durable layers.
func (a *Agent) Stop() error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true

	if a.reverie != nil {
		a.reverie.Stop()
	}
	err := a.sched.Stop()
	if a.journal != nil {
		if cerr := a.journal.Close(); cerr != nil {
			a.logger.Warn("agent: journal close failed", zap.Error(cerr))
		}
	}
	if a.persist != nil {
		if cerr := a.persist.Close(); cerr != nil {
			a.logger.Warn("agent: memory backend close failed", zap.Error(cerr))
		}
	}
	if cerr := a.bus.Close(); cerr != nil && !errors.Is(cerr, event.ErrClosed) {
		a.logger.Warn("agent: event bus close failed", zap.Error(cerr))
	}
	a.logger.Info("agent stopped", zap.String("agent_id", a.cfg.AgentID))
	return err
}

// Submit queues a user message for the next heartbeat and wakes the
// scheduler.
func (a *Agent) Submit(message string) error {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return errors.New("agent: input is empty")
	}
	a.sched.Submit(trimmed)
	return nil
}

// Chat submits message and collects the resulting output, polling until
// the agent goes quiet or the deadline passes. Error outputs surface as
// errors.
func (a *Agent) Chat(ctx context.Context, message string) (string, error) {
	a.chatMu.Lock()
	defer a.chatMu.Unlock()

	if err := a.Submit(message); err != nil {
		return "", err
	}

	timeout := defaultChatTimeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < timeout {
			timeout = rem
		}
	}
	deadline := time.Now().Add(timeout)

	var parts []string
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := responsePoll
		if wait > remaining {
			wait = remaining
		}
		out, ok := a.sched.PollOutput(wait)
		if !ok {
			if len(parts) > 0 {
				break
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return "", ctx.Err()
			}
			continue
		}
		if out.Kind == heartbeat.OutputError {
			return "", errors.New(out.Payload)
		}
		parts = append(parts, out.Payload)
	}
	if len(parts) == 0 {
		return "", ErrNoResponse
	}
	return strings.Join(parts, "\n"), nil
}

// PollOutput removes the oldest queued output, waiting up to timeout.
func (a *Agent) PollOutput(timeout time.Duration) (heartbeat.Output, bool) {
	return a.sched.PollOutput(timeout)
}

// TriggerBeat forces a heartbeat cycle.
func (a *Agent) TriggerBeat(reason string) {
	a.sched.TriggerBeat(reason)
}

// InjectThought places a synthetic internal thought on the input path.
func (a *Agent) InjectThought(content string) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return errors.New("agent: thought is empty")
	}
	a.sched.InjectThought(trimmed)
	return nil
}

// MuseNow asks the reverie producer for one immediate thought.
func (a *Agent) MuseNow() error {
	if a.reverie == nil {
		return errors.New("agent: reverie not active")
	}
	go a.reverie.Muse(context.Background())
	return nil
}

// Status is the external snapshot of the whole agent.
type Status struct {
	AgentID            string           `json:"agent_id"`
	Model              string           `json:"model"`
	Version            string           `json:"version"`
	Heartbeat          heartbeat.Status `json:"heartbeat"`
	Reverie            bool             `json:"reverie"`
	ReverieThoughts    uint64           `json:"reverie_thoughts,omitempty"`
	ReverieLastTopic   string           `json:"reverie_last_topic,omitempty"`
	ReverieLastThought string           `json:"reverie_last_thought,omitempty"`
}

// Status assembles the agent status snapshot.
func (a *Agent) Status() Status {
	st := Status{
		AgentID:   a.cfg.AgentID,
		Model:     a.cfg.Model.Model,
		Version:   Version,
		Heartbeat: a.sched.Status(),
		Reverie:   a.reverie != nil,
	}
	if a.reverie != nil {
		st.ReverieThoughts = a.reverie.Total()
		if recent := a.reverie.Recent(1); len(recent) == 1 {
			st.ReverieLastTopic = recent[0].Topic
			st.ReverieLastThought = recent[0].Content
		}
	}
	return st
}

// ModelInfo describes the loaded backend for the info surface.
type ModelInfo struct {
	Version        string    `json:"version"`
	Provider       string    `json:"provider"`
	ModelName      string    `json:"model_name"`
	Tools          bool      `json:"tools"`
	IdleReflection bool      `json:"idle_reflection"`
	PID            int       `json:"pid"`
	StartedAt      time.Time `json:"started_at"`
}

// ModelInfo reports backend identity and capabilities.
func (a *Agent) ModelInfo() ModelInfo {
	caps := a.backend.Capabilities()
	return ModelInfo{
		Version:        Version,
		Provider:       a.cfg.Model.Provider,
		ModelName:      a.cfg.Model.Model,
		Tools:          caps.Tools,
		IdleReflection: caps.IdleReflection,
		PID:            os.Getpid(),
		StartedAt:      a.startedAt,
	}
}

// Bus exposes the lifecycle event feed.
func (a *Agent) Bus() *event.Bus { return a.bus }

// Name is the agent's display name, derived from its identifier.
func (a *Agent) Name() string { return a.name }

// MemoryStats reports memory tier usage.
func (a *Agent) MemoryStats() memory.Stats { return a.store.Stats() }

// CoreMemory renders the always-in-context memory tier.
func (a *Agent) CoreMemory() string { return a.store.ReadCore() }

// Skills lists registered skills sorted by name.
func (a *Agent) Skills() []skill.Skill { return a.skills.List() }

// RegisterSkill adds a custom skill alongside the builtins. Skills
// registered after Start become available on the next beat.
func (a *Agent) RegisterSkill(s skill.Skill) error { return a.skills.Register(s) }

// RecentThoughts returns up to n recent reverie thoughts, oldest first.
func (a *Agent) RecentThoughts(n int) []reverie.Thought {
	if a.reverie == nil {
		return nil
	}
	return a.reverie.Recent(n)
}

func (a *Agent) sendOutput(message string) {
	a.sched.PublishOutput(heartbeat.OutputMessage, message)
}

func (a *Agent) wake(reason string) {
	a.sched.TriggerBeat(reason)
}

func (a *Agent) onThought(t reverie.Thought) {
	a.sched.InjectThought(t.Content)
}

func (a *Agent) reverieStatus() string {
	if a.reverie == nil {
		return "REVERIE: not active"
	}
	return a.reverie.StatusSection()
}

// seedCoreMemory installs the default persona on first run. An agent
// with any persisted core memory keeps it untouched.
func (a *Agent) seedCoreMemory() {
	if a.store.Stats().CoreChars > 0 {
		return
	}
	persona := strings.TrimSpace(a.cfg.Persona)
	if persona == "" {
		persona = fmt.Sprintf(personaTemplate, a.name)
	}
	a.store.WriteCore("persona", persona)
	a.store.WriteCore("user_info", defaultUserInfo)
}

func newMemoryBackend(cfg config.MemoryConfig, logger *zap.Logger) (memory.Backend, error) {
	root := filepath.Join(cfg.Dir, "memory")
	switch cfg.Driver {
	case "file":
		return memory.NewFileBackend(root, logger.Named("memory"))
	case "badger":
		return memory.NewBadgerBackend(root, logger.Named("memory"))
	default:
		return nil, fmt.Errorf("agent: unknown memory driver %q", cfg.Driver)
	}
}

// displayName turns an agent identifier like "pulse_main" into the name
// the agent calls itself in prompts.
func displayName(agentID string) string {
	fields := strings.FieldsFunc(agentID, func(r rune) bool { return r == '_' || r == '-' })
	if len(fields) == 0 {
		return "Pulse"
	}
	runes := []rune(strings.TrimSpace(fields[0]))
	if len(runes) == 0 {
		return "Pulse"
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
