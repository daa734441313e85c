package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nervestack/pulse/pkg/config"
	"github.com/nervestack/pulse/pkg/event"
	"github.com/nervestack/pulse/pkg/heartbeat"
	"github.com/nervestack/pulse/pkg/model"
	"github.com/nervestack/pulse/pkg/skill"
)

type stubBackend struct {
	mu   sync.Mutex
	caps model.Capabilities
	resp *model.ChatResponse
	err  error
	reqs []model.ChatRequest
}

var _ model.Backend = (*stubBackend)(nil)

func (b *stubBackend) Name() string { return "stub" }

func (b *stubBackend) Capabilities() model.Capabilities {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.caps
}

func (b *stubBackend) Chat(ctx context.Context, req model.ChatRequest) (*model.ChatResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqs = append(b.reqs, req)
	if b.err != nil {
		return nil, b.err
	}
	if b.resp != nil {
		out := *b.resp
		return &out, nil
	}
	return &model.ChatResponse{}, nil
}

func testConfig(t *testing.T, mutate func(*config.Config)) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Memory.Driver = "file"
	cfg.Memory.Dir = t.TempDir()
	cfg.Heartbeat.Interval = config.Duration(time.Hour)
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func newTestAgent(t *testing.T, backend model.Backend, mutate func(*config.Config)) *Agent {
	t.Helper()
	ag, err := New(context.Background(), testConfig(t, mutate), WithBackend(backend))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = ag.Stop() })
	return ag
}

func startAgent(t *testing.T, ag *Agent) {
	t.Helper()
	if err := ag.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestNewSeedsCoreMemory(t *testing.T) {
	ag := newTestAgent(t, &stubBackend{}, nil)

	core := ag.CoreMemory()
	if !strings.Contains(core, "I am Pulse, an autonomous AI assistant") {
		t.Fatalf("core = %q, want seeded persona", core)
	}
	if !strings.Contains(core, "User info not provided yet.") {
		t.Fatalf("core = %q, want seeded user info", core)
	}
}

func TestNewKeepsExistingCoreAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	build := func(persona string) *Agent {
		cfg := config.Default()
		cfg.Memory.Driver = "file"
		cfg.Memory.Dir = dir
		cfg.Heartbeat.Interval = config.Duration(time.Hour)
		cfg.Persona = persona
		ag, err := New(context.Background(), cfg, WithBackend(&stubBackend{}))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return ag
	}

	first := build("I am a custom persona.")
	if !strings.Contains(first.CoreMemory(), "I am a custom persona.") {
		t.Fatalf("core = %q", first.CoreMemory())
	}
	if err := first.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	second := build("I am a different persona.")
	defer second.Stop()
	if !strings.Contains(second.CoreMemory(), "I am a custom persona.") {
		t.Fatalf("core = %q, want the persisted persona, not a re-seed", second.CoreMemory())
	}
}

func TestAgentChat(t *testing.T) {
	backend := &stubBackend{resp: &model.ChatResponse{Content: "hi there"}}
	ag := newTestAgent(t, backend, nil)
	startAgent(t, ag)

	got, err := ag.Chat(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "hi there" {
		t.Fatalf("Chat = %q, want %q", got, "hi there")
	}

	if _, err := ag.Chat(context.Background(), "   "); err == nil {
		t.Fatal("Chat with blank input must fail")
	}
}

func TestAgentChatSurfacesModelErrors(t *testing.T) {
	backend := &stubBackend{err: errors.New("model offline")}
	ag := newTestAgent(t, backend, nil)
	startAgent(t, ag)

	_, err := ag.Chat(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "model offline") {
		t.Fatalf("Chat error = %v, want model offline", err)
	}
}

func TestAgentChatNoResponse(t *testing.T) {
	// Empty content produces no output; Chat must give up at the deadline.
	backend := &stubBackend{resp: &model.ChatResponse{Content: ""}}
	ag := newTestAgent(t, backend, nil)
	startAgent(t, ag)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := ag.Chat(ctx, "hello")
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("Chat error = %v, want ErrNoResponse", err)
	}
}

func TestAgentStatus(t *testing.T) {
	ag := newTestAgent(t, &stubBackend{}, nil)

	st := ag.Status()
	if st.AgentID != "pulse_main" {
		t.Fatalf("agent id = %q", st.AgentID)
	}
	if st.Version != Version {
		t.Fatalf("version = %q, want %q", st.Version, Version)
	}
	if st.Heartbeat.State != heartbeat.StateInitializing {
		t.Fatalf("heartbeat state = %s, want INITIALIZING before start", st.Heartbeat.State)
	}
	if st.Reverie {
		t.Fatal("reverie must be off by default")
	}
	if len(st.Heartbeat.SkillNames) != 7 {
		t.Fatalf("skills = %v, want the 7 builtins", st.Heartbeat.SkillNames)
	}
}

func TestAgentMuseNow(t *testing.T) {
	backend := &stubBackend{resp: &model.ChatResponse{Content: "a quiet musing"}}
	ag := newTestAgent(t, backend, func(cfg *config.Config) {
		cfg.Reverie.Enabled = true
		cfg.Reverie.MinInterval = config.Duration(time.Hour)
		cfg.Reverie.MaxInterval = config.Duration(time.Hour)
	})
	startAgent(t, ag)

	if err := ag.MuseNow(); err != nil {
		t.Fatalf("MuseNow: %v", err)
	}
	waitFor(t, func() bool { return len(ag.RecentThoughts(1)) == 1 }, "thought")

	st := ag.Status()
	if !st.Reverie || st.ReverieThoughts != 1 {
		t.Fatalf("status = %+v, want one reverie thought", st)
	}
	if st.ReverieLastThought != "a quiet musing" {
		t.Fatalf("last thought = %q", st.ReverieLastThought)
	}
}

func TestAgentMuseNowRequiresReverie(t *testing.T) {
	ag := newTestAgent(t, &stubBackend{}, nil)
	if err := ag.MuseNow(); err == nil || !strings.Contains(err.Error(), "reverie not active") {
		t.Fatalf("MuseNow error = %v", err)
	}
}

func TestAgentInjectThought(t *testing.T) {
	ag := newTestAgent(t, &stubBackend{}, nil)
	if err := ag.InjectThought("remember the meeting"); err != nil {
		t.Fatalf("InjectThought: %v", err)
	}
	if err := ag.InjectThought("  "); err == nil {
		t.Fatal("blank thought must fail")
	}
}

func TestAgentPublishesHeartbeatEvents(t *testing.T) {
	backend := &stubBackend{resp: &model.ChatResponse{Content: "hi"}}
	ag := newTestAgent(t, backend, nil)

	sub, cancel := ag.Bus().Subscribe()
	defer cancel()

	startAgent(t, ag)
	ag.TriggerBeat("test")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				t.Fatal("bus closed before a heartbeat event arrived")
			}
			if evt.Type == event.TypeHeartbeat {
				if evt.AgentID != "pulse_main" {
					t.Fatalf("event agent id = %q", evt.AgentID)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for heartbeat event")
		}
	}
}

type echoSkill struct{}

func (echoSkill) Name() string        { return "echo_tag" }
func (echoSkill) Description() string { return "Echo the given tag" }
func (echoSkill) Parameters() map[string]skill.ParamSpec {
	return map[string]skill.ParamSpec{"tag": {Type: "string", Description: "tag to echo"}}
}
func (echoSkill) Execute(_ context.Context, args map[string]any) skill.Result {
	return skill.OK(args["tag"])
}

func TestAgentRegisterSkill(t *testing.T) {
	backend := &stubBackend{
		caps: model.Capabilities{Tools: true, IdleReflection: true},
		resp: &model.ChatResponse{Content: "noted"},
	}
	ag := newTestAgent(t, backend, nil)

	if err := ag.RegisterSkill(echoSkill{}); err != nil {
		t.Fatalf("RegisterSkill: %v", err)
	}
	if err := ag.RegisterSkill(echoSkill{}); err == nil {
		t.Fatal("duplicate registration must fail")
	}

	found := false
	for _, s := range ag.Skills() {
		if s.Name() == "echo_tag" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Skills() = %v, want echo_tag listed", ag.Skills())
	}

	startAgent(t, ag)
	ag.TriggerBeat("test")
	waitFor(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.reqs) > 0
	}, "model call")

	backend.mu.Lock()
	tools := backend.reqs[0].Tools
	backend.mu.Unlock()
	advertised := false
	for _, schema := range tools {
		fn, _ := schema["function"].(map[string]any)
		if fn["name"] == "echo_tag" {
			advertised = true
		}
	}
	if !advertised {
		t.Fatalf("tools = %v, want echo_tag advertised to the model", tools)
	}
}

func TestAgentModelInfo(t *testing.T) {
	ag := newTestAgent(t, &stubBackend{caps: model.Capabilities{Tools: true, IdleReflection: true}}, nil)

	info := ag.ModelInfo()
	if info.Version != Version {
		t.Fatalf("version = %q", info.Version)
	}
	if !info.Tools || !info.IdleReflection {
		t.Fatalf("capabilities = %+v", info)
	}
	if info.PID <= 0 {
		t.Fatalf("pid = %d", info.PID)
	}
	if info.ModelName == "" || info.Provider == "" {
		t.Fatalf("info = %+v, want provider and model populated", info)
	}
}

func TestAgentStopIdempotent(t *testing.T) {
	ag := newTestAgent(t, &stubBackend{}, nil)
	startAgent(t, ag)

	if err := ag.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := ag.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := ag.Start(context.Background()); err == nil {
		t.Fatal("Start after Stop must fail")
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"pulse_main", "Pulse"},
		{"nexuss", "Nexuss"},
		{"agent-7", "Agent"},
		{"", "Pulse"},
		{"_main", "Main"},
	}
	for _, tt := range tests {
		if got := displayName(tt.id); got != tt.want {
			t.Errorf("displayName(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}
