package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nervestack/pulse/pkg/attention"
	"github.com/nervestack/pulse/pkg/event"
	"github.com/nervestack/pulse/pkg/journal"
	"github.com/nervestack/pulse/pkg/memory"
	"github.com/nervestack/pulse/pkg/model"
	"github.com/nervestack/pulse/pkg/skill"
	"github.com/nervestack/pulse/pkg/telemetry"
)

const (
	defaultAgentName    = "Pulse"
	defaultInterval     = 60 * time.Second
	defaultMaxMissed    = 3
	defaultModelTimeout = 120 * time.Second
	defaultStopTimeout  = 5 * time.Second
	defaultHistorySize  = 100

	journalKindBeat = "heartbeat"

	idlePrompt = "Heartbeat tick. Reflect and act if needed."
)

// toolSystemPrompt drives tool-capable backends. Verbs: %s agent name,
// %s timestamp, %d beat count.
const toolSystemPrompt = `You are %s, an autonomous AI agent with persistent memory.
You operate on a heartbeat protocol. Each heartbeat:
1. Process pending user messages
2. Reflect on memory and state
3. Execute skills as needed
4. Decide to continue (request_heartbeat) or wait

Memory systems:
- CORE MEMORY: persona and key user info, always in context
- RECALL BUFFER: recent conversation
- ARCHIVAL MEMORY: long-term searchable storage

Use send_message to respond. Use request_heartbeat for more processing time.

Current: %s | Heartbeat #%d
`

// localSystemPrompt drives local backends, which get no tools and need
// their internal state spelled out. Verbs: %s agent name, %s status
// block, %s timestamp.
const localSystemPrompt = `You are %s, an AI agent. Answer the user helpfully and concisely.

YOU HAVE THESE INTERNAL SYSTEMS:
%s

If the user asks about heartbeats, thoughts, dreams, or your internal state, use the information above to answer accurately.

Current time: %s
`

// input is one queued item awaiting the next cycle.
type input struct {
	content string
	thought bool
}

// stateChange is the payload of state transition events.
type stateChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}

// Status is the synchronous snapshot served to status queries.
type Status struct {
	State          State           `json:"state"`
	BeatCount      uint64          `json:"beat_count"`
	MissedBeats    int             `json:"missed_beats"`
	LastHeartbeat  *time.Time      `json:"last_heartbeat_time,omitempty"`
	Interval       float64         `json:"interval"`
	MemoryStats    memory.Stats    `json:"memory_stats"`
	AttentionStats attention.Stats `json:"attention_stats"`
	SkillNames     []string        `json:"skill_names"`
}

// Scheduler drives the agent's thinking cycles. A stopped scheduler
// cannot be restarted.
type Scheduler struct {
	backend   model.Backend
	store     *memory.Store
	skills    *skill.Registry
	attention *attention.Budgeter

	agentName    string
	agentID      string
	interval     time.Duration
	maxMissed    int
	sticky       bool
	modelTimeout time.Duration
	stopTimeout  time.Duration
	logger       *zap.Logger
	bus          *event.Bus
	journal      *journal.Journal
	statusExtra  func() string
	now          func() time.Time
	outputs      *Queue

	mu          sync.Mutex
	state       State
	beatCount   uint64
	missedBeats int
	lastBeat    *time.Time
	erred       bool
	inputs      []input
	history     *beatRing
	running     bool

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the time between unprompted beats.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithAgentName sets the name the agent calls itself in prompts.
func WithAgentName(name string) Option {
	return func(s *Scheduler) {
		if strings.TrimSpace(name) != "" {
			s.agentName = name
		}
	}
}

// WithAgentID tags published events with an agent identity.
func WithAgentID(id string) Option {
	return func(s *Scheduler) { s.agentID = id }
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBus publishes lifecycle events to bus.
func WithBus(bus *event.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithJournal journals every beat and rehydrates history on construction.
func WithJournal(j *journal.Journal) Option {
	return func(s *Scheduler) { s.journal = j }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxMissed sets how many consecutive cycle failures trip ERROR.
func WithMaxMissed(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxMissed = n
		}
	}
}

// WithStickyError keeps the scheduler in ERROR once entered instead of
// recovering on the next successful beat.
func WithStickyError(sticky bool) Option {
	return func(s *Scheduler) { s.sticky = sticky }
}

// WithModelTimeout bounds each backend call. Zero disables the bound.
func WithModelTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.modelTimeout = d
		}
	}
}

// WithStopTimeout bounds how long Stop waits for the worker to exit.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// WithHistorySize sets the beat history ring capacity.
func WithHistorySize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.history = newBeatRing(n)
		}
	}
}

// WithStatusExtra appends extra lines to the local-model status block.
func WithStatusExtra(fn func() string) Option {
	return func(s *Scheduler) { s.statusExtra = fn }
}

// NewScheduler wires a scheduler over its collaborators.
func NewScheduler(backend model.Backend, store *memory.Store, skills *skill.Registry, budgeter *attention.Budgeter, opts ...Option) (*Scheduler, error) {
	switch {
	case backend == nil:
		return nil, errors.New("heartbeat: backend is required")
	case store == nil:
		return nil, errors.New("heartbeat: memory store is required")
	case skills == nil:
		return nil, errors.New("heartbeat: skill registry is required")
	case budgeter == nil:
		return nil, errors.New("heartbeat: attention budgeter is required")
	}

	s := &Scheduler{
		backend:      backend,
		store:        store,
		skills:       skills,
		attention:    budgeter,
		agentName:    defaultAgentName,
		interval:     defaultInterval,
		maxMissed:    defaultMaxMissed,
		modelTimeout: defaultModelTimeout,
		stopTimeout:  defaultStopTimeout,
		logger:       zap.NewNop(),
		now:          time.Now,
		outputs:      NewQueue(),
		state:        StateInitializing,
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.history == nil {
		s.history = newBeatRing(defaultHistorySize)
	}
	s.rehydrate()
	return s, nil
}

// rehydrate warms the beat history from the journal and resumes the
// beat counter so identifiers stay monotonic across restarts.
func (s *Scheduler) rehydrate() {
	if s.journal == nil {
		return
	}
	records, err := s.journal.Tail(s.history.cap)
	if err != nil {
		s.logger.Warn("heartbeat: journal replay failed, starting with empty history", zap.Error(err))
		return
	}
	loaded := 0
	for _, rec := range records {
		if rec.Kind != journalKindBeat {
			continue
		}
		var beat Beat
		if err := rec.Decode(&beat); err != nil {
			s.logger.Warn("heartbeat: skipping undecodable journal record", zap.Error(err))
			continue
		}
		s.history.add(beat)
		loaded++
	}
	if last, ok := s.history.last(); ok {
		s.beatCount = last.ID
	}
	if loaded > 0 {
		s.logger.Info("heartbeat: history rehydrated",
			zap.Int("beats", loaded),
			zap.Uint64("last_beat", s.beatCount))
	}
}

// Start launches the worker. Starting twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateShutdown {
		s.mu.Unlock()
		return errors.New("heartbeat: scheduler already shut down")
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.setStateLocked(StateIdle)
	s.mu.Unlock()

	go s.loop(ctx)
	s.logger.Info("heartbeat: started", zap.Duration("interval", s.interval))
	return nil
}

// Stop signals the worker and waits up to the stop timeout for it to
// exit. The scheduler reports SHUTDOWN either way.
func (s *Scheduler) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	running := s.running
	prev := s.state
	s.mu.Unlock()

	var err error
	if running {
		select {
		case <-s.done:
		case <-time.After(s.stopTimeout):
			err = fmt.Errorf("heartbeat: worker did not exit within %s", s.stopTimeout)
		}
	}
	s.setState(StateShutdown)
	if prev != StateShutdown {
		s.publishEvent(event.TypeShutdown, nil)
		s.logger.Info("heartbeat: stopped")
	}
	return err
}

// Submit queues one user message and wakes the worker.
func (s *Scheduler) Submit(message string) {
	s.mu.Lock()
	s.inputs = append(s.inputs, input{content: message})
	s.mu.Unlock()
	s.requestWake()
}

// InjectThought queues a background thought. Thoughts ride the same
// input path as user messages but land in recall as system entries and
// do not wake the worker; they surface on the next natural beat.
func (s *Scheduler) InjectThought(content string) {
	s.mu.Lock()
	s.inputs = append(s.inputs, input{content: content, thought: true})
	s.mu.Unlock()
	s.publishEvent(event.TypeThought, map[string]string{"content": content})
	s.logger.Info("heartbeat: thought injected", zap.String("content", content))
}

// TriggerBeat wakes the worker without queuing input.
func (s *Scheduler) TriggerBeat(reason string) {
	s.logger.Info("heartbeat: beat requested", zap.String("reason", reason))
	s.requestWake()
}

// PublishOutput places an entry on the output channel. Exported for
// skills that speak to the user directly.
func (s *Scheduler) PublishOutput(kind OutputKind, payload string) {
	s.outputs.Push(kind, payload)
	s.publishEvent(event.TypeOutput, Output{Kind: kind, Payload: payload})
}

// PollOutput removes the oldest output entry, waiting up to timeout.
func (s *Scheduler) PollOutput(timeout time.Duration) (Output, bool) {
	return s.outputs.Poll(timeout)
}

// State returns the current lifecycle phase.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the retained beat snapshots, oldest first.
func (s *Scheduler) History() []Beat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.snapshot()
}

// Status assembles the external status snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		State:       s.state,
		BeatCount:   s.beatCount,
		MissedBeats: s.missedBeats,
		Interval:    s.interval.Seconds(),
	}
	if s.lastBeat != nil {
		t := *s.lastBeat
		st.LastHeartbeat = &t
	}
	s.mu.Unlock()

	st.MemoryStats = s.store.Stats()
	st.AttentionStats = s.attention.Stats()
	st.SkillNames = s.skills.Names()
	return st
}

func (s *Scheduler) requestWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	s.logger.Info("heartbeat: loop started", zap.Duration("interval", s.interval))
	for {
		triggered := false
		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
			triggered = true
		case <-timer.C:
		}
		select {
		case <-s.stop:
			return
		default:
		}
		s.runBeat(ctx, triggered)
	}
}

// runBeat shields the loop from anything a cycle can throw at it.
func (s *Scheduler) runBeat(ctx context.Context, triggered bool) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("heartbeat: cycle panicked",
				zap.Any("panic", rec),
				zap.Stack("stack"))
			s.recordMiss()
		}
	}()
	s.executeBeat(ctx, triggered)
}

func (s *Scheduler) recordMiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missedBeats++
	if s.missedBeats >= s.maxMissed {
		s.logger.Error("heartbeat: too many missed beats",
			zap.Int("missed", s.missedBeats),
			zap.Int("threshold", s.maxMissed))
		s.erred = true
		s.setStateLocked(StateError)
	}
}

func (s *Scheduler) executeBeat(ctx context.Context, triggered bool) {
	s.mu.Lock()
	s.beatCount++
	beatID := s.beatCount
	now := s.now()
	s.lastBeat = &now
	s.setStateLocked(StateHeartbeat)
	drained := s.inputs
	s.inputs = nil
	s.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "heartbeat.cycle", trace.WithAttributes(
		attribute.Int64("beat.id", int64(beatID)),
		attribute.Bool("beat.triggered", triggered),
	))
	defer telemetry.EndSpan(span, nil)

	s.logger.Info("heartbeat: executing",
		zap.Uint64("beat", beatID),
		zap.Bool("triggered", triggered))

	var userMessages []string
	for _, in := range drained {
		if in.thought {
			s.store.AppendRecall(model.RoleSystem, "[internal thought] "+in.content)
			continue
		}
		s.store.AppendRecall(model.RoleUser, in.content)
		userMessages = append(userMessages, in.content)
	}

	caps := s.backend.Capabilities()
	systemPrompt := s.systemPrompt(caps, beatID)

	focus := ""
	if len(userMessages) > 0 {
		focus = userMessages[len(userMessages)-1]
	}
	messages, _ := s.attention.Assemble(systemPrompt, focus)

	switch {
	case len(userMessages) > 0 && caps.Tools:
		var hint strings.Builder
		hint.WriteString("Process these messages and respond.\n\n[PENDING USER INPUT]")
		for _, m := range userMessages {
			hint.WriteString("\nUser: " + m)
		}
		messages = append(messages, model.Message{Role: model.RoleUser, Content: hint.String()})
	case len(userMessages) > 0:
		// Small local models lose distant system context, so the
		// status rides along with the newest user message.
		augmented := fmt.Sprintf("[Your internal status for reference]\n%s\n\nUser message: %s",
			s.statusBlock(), userMessages[len(userMessages)-1])
		messages = append(messages, model.Message{Role: model.RoleUser, Content: augmented})
	case caps.IdleReflection:
		messages = append(messages, model.Message{Role: model.RoleUser, Content: idlePrompt})
	default:
		// Nothing to do and the backend does not reflect idle.
		s.finishBeat(beatID, 0, triggered)
		return
	}

	s.setState(StateThinking)
	resp, err := s.chat(ctx, messages, caps.Tools)
	if err != nil {
		s.logger.Error("heartbeat: model call failed", zap.Error(err))
		s.PublishOutput(OutputError, err.Error())
	} else {
		s.processResponse(ctx, resp)
	}
	s.finishBeat(beatID, len(userMessages), triggered)
}

func (s *Scheduler) systemPrompt(caps model.Capabilities, beatID uint64) string {
	ts := s.now().Format(time.RFC3339)
	if caps.Tools {
		return fmt.Sprintf(toolSystemPrompt, s.agentName, ts, beatID)
	}
	return fmt.Sprintf(localSystemPrompt, s.agentName, s.statusBlock(), ts)
}

// statusBlock renders the scheduler's introspective state for local
// prompts.
func (s *Scheduler) statusBlock() string {
	s.mu.Lock()
	beatCount := s.beatCount
	state := s.state
	last := "never"
	if s.lastBeat != nil {
		last = s.lastBeat.Format(time.RFC3339)
	}
	s.mu.Unlock()

	lines := []string{
		"HEARTBEAT PROTOCOL (your life pulse):",
		fmt.Sprintf("  My heartbeat count = %d", beatCount),
		fmt.Sprintf("  My heartbeat state = %s", state),
		fmt.Sprintf("  Heartbeat interval = every %g seconds", s.interval.Seconds()),
		fmt.Sprintf("  Last beat at = %s", last),
	}
	if s.statusExtra != nil {
		if extra := s.statusExtra(); extra != "" {
			lines = append(lines, extra)
		}
	}
	return strings.Join(lines, "\n")
}

func (s *Scheduler) chat(ctx context.Context, messages []model.Message, tools bool) (*model.ChatResponse, error) {
	if s.modelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.modelTimeout)
		defer cancel()
	}
	req := model.ChatRequest{Messages: messages}
	if tools {
		req.Tools = s.skills.ToolSchemas()
	}
	return s.backend.Chat(ctx, req)
}

func (s *Scheduler) processResponse(ctx context.Context, resp *model.ChatResponse) {
	if resp == nil {
		return
	}
	s.store.AppendRecall(model.RoleAssistant, resp.Content)

	if len(resp.ToolCalls) > 0 {
		s.setState(StateExecuting)
		for _, call := range resp.ToolCalls {
			s.logger.Info("heartbeat: executing skill", zap.String("skill", call.Name))
			res := s.skills.Execute(ctx, call.Name, call.Arguments)
			payload := res.Output
			if !res.Success {
				s.logger.Warn("heartbeat: skill failed",
					zap.String("skill", call.Name),
					zap.String("error", res.Error))
				payload = res.Error
			}
			raw, err := json.Marshal(map[string]any{"name": call.Name, "result": payload})
			if err != nil {
				raw = []byte(fmt.Sprintf(`{"name":%q}`, call.Name))
			}
			s.store.AppendRecall(model.RoleTool, string(raw))
		}
	}

	if resp.Content != "" && len(resp.ToolCalls) == 0 {
		s.PublishOutput(OutputMessage, resp.Content)
	}
}

// finishBeat records the cycle snapshot and returns the scheduler to
// IDLE, or keeps ERROR visible under the sticky policy.
func (s *Scheduler) finishBeat(beatID uint64, pending int, triggered bool) {
	s.mu.Lock()
	beat := Beat{
		ID:           beatID,
		Timestamp:    s.now(),
		State:        s.state,
		MemoryUsage:  s.store.Stats(),
		PendingTasks: pending,
		Notes:        fmt.Sprintf("triggered=%t", triggered),
	}
	s.history.add(beat)
	s.missedBeats = 0
	if !s.sticky {
		s.erred = false
	}
	if s.erred {
		s.setStateLocked(StateError)
	} else {
		s.setStateLocked(StateIdle)
	}
	s.mu.Unlock()

	if s.journal != nil {
		if err := s.journal.Append(journalKindBeat, beat); err != nil {
			s.logger.Warn("heartbeat: journal append failed", zap.Error(err))
		}
	}
	s.publishEvent(event.TypeHeartbeat, beat)
}

func (s *Scheduler) setState(next State) {
	s.mu.Lock()
	s.setStateLocked(next)
	s.mu.Unlock()
}

func (s *Scheduler) setStateLocked(next State) {
	if s.state == next || s.state == StateShutdown {
		return
	}
	change := stateChange{From: s.state, To: next}
	s.state = next
	s.publishEvent(event.TypeState, change)
}

func (s *Scheduler) publishEvent(typ event.Type, data any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(event.New(typ, s.agentID, data)); err != nil && !errors.Is(err, event.ErrClosed) {
		s.logger.Debug("heartbeat: event publish failed", zap.Error(err))
	}
}
