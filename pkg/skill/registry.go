package skill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nervestack/pulse/pkg/telemetry"
)

// Registry holds the skills an agent may dispatch. All methods are safe
// for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]Skill
	logger *zap.Logger
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry builds an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		skills: make(map[string]Skill),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a skill under its name.
func (r *Registry) Register(s Skill) error {
	if s == nil {
		return errors.New("skill is nil")
	}
	name := s.Name()
	if name == "" {
		return errors.New("skill name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.skills[name]; exists {
		return fmt.Errorf("skill %q already registered", name)
	}
	r.skills[name] = s
	r.logger.Debug("skill registered", zap.String("skill", name))
	return nil
}

// Unregister removes a skill and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.skills[name]; !exists {
		return false
	}
	delete(r.skills, name)
	return true
}

// Get returns the named skill.
func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// Names returns the registered skill names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the registered skills sorted by name.
func (r *Registry) List() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	skills := make([]Skill, 0, len(r.skills))
	for _, s := range r.skills {
		skills = append(skills, s)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name() < skills[j].Name() })
	return skills
}

// ToolSchemas renders every registered skill as a function-tool
// definition, sorted by name so the advertised list is stable.
func (r *Registry) ToolSchemas() []map[string]any {
	list := r.List()
	schemas := make([]map[string]any, 0, len(list))
	for _, s := range list {
		schemas = append(schemas, ToolSchema(s))
	}
	return schemas
}

// Execute dispatches one invocation. A missing skill, a handler failure,
// and a handler panic all come back as failure Results; Execute itself
// never fails.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (res Result) {
	s, ok := r.Get(name)
	if !ok {
		return Fail(fmt.Sprintf("skill '%s' not found", name))
	}

	ctx, span := telemetry.StartSpan(ctx, "skill.execute",
		trace.WithAttributes(attribute.String("skill.name", name)))
	start := time.Now()
	defer func() {
		var spanErr error
		if !res.Success && res.Error != "" {
			spanErr = errors.New(res.Error)
		}
		telemetry.EndSpan(span, spanErr)
	}()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("skill panicked",
				zap.String("skill", name),
				zap.Any("panic", rec))
			res = Result{
				Success:       false,
				Error:         fmt.Sprintf("skill '%s' panicked: %v", name, rec),
				ExecutionTime: time.Since(start),
			}
		}
	}()

	res = s.Execute(ctx, args)
	res.ExecutionTime = time.Since(start)
	if !res.Success {
		r.logger.Warn("skill failed",
			zap.String("skill", name),
			zap.String("error", res.Error))
	} else {
		r.logger.Debug("skill executed",
			zap.String("skill", name),
			zap.Duration("elapsed", res.ExecutionTime))
	}
	return res
}
