// Package model defines the language-model backend contract the
// heartbeat runtime depends on, plus a provider registry so backends
// can be selected by name from configuration.
//
// A backend is an opaque synchronous chat capability. Two families
// exist: tool-capable backends accept tool schemas and may return tool
// calls; tool-incapable backends (typically local inference servers)
// must never receive tools and may require normalized message
// sequences, which their adapter is responsible for.
package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Message roles used across the runtime.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn in a conversation.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a request from the model to invoke a named capability.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ChatRequest carries one backend invocation. Tools must be nil for
// backends whose Capabilities report Tools=false; callers are expected
// to consult Capabilities first.
type ChatRequest struct {
	Messages  []Message
	Tools     []map[string]any
	MaxTokens int
}

// ChatResponse is the backend's reply: assistant text, requested tool
// calls, or both.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     TokenUsage
}

// Capabilities describes what a backend supports. The scheduler keys
// its behavior off these flags, never off provider names.
type Capabilities struct {
	// Tools reports whether the backend accepts tool schemas.
	Tools bool
	// IdleReflection reports whether the backend should be invoked on
	// beats that carry no pending input.
	IdleReflection bool
}

// Backend is the synchronous chat contract. Timeouts and cancellation
// ride on ctx.
type Backend interface {
	Name() string
	Capabilities() Capabilities
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ModelConfig parameterizes backend construction.
type ModelConfig struct {
	// Provider selects a registered provider ("openai", "anthropic",
	// "local").
	Provider string
	// Model is the upstream model identifier.
	Model string

	APIKey    string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
	Headers   map[string]string

	// HTTPClient overrides the transport; nil selects a provider
	// default sized from Timeout.
	HTTPClient *http.Client
}

// Provider materializes backends for one upstream family.
type Provider interface {
	Name() string
	NewBackend(ctx context.Context, cfg ModelConfig) (Backend, error)
}

// ErrProviderNotFound reports an unregistered provider name.
var ErrProviderNotFound = errors.New("model: provider not registered")

var (
	providerMu sync.RWMutex
	providers  = map[string]Provider{}
)

// RegisterProvider adds p to the registry. Provider packages call this
// from init; registering a duplicate name panics, mirroring the
// database/sql driver convention.
func RegisterProvider(p Provider) {
	if p == nil {
		panic("model: RegisterProvider called with nil provider")
	}
	name := strings.ToLower(strings.TrimSpace(p.Name()))
	if name == "" {
		panic("model: RegisterProvider called with empty provider name")
	}
	providerMu.Lock()
	defer providerMu.Unlock()
	if _, dup := providers[name]; dup {
		panic(fmt.Sprintf("model: provider %q registered twice", name))
	}
	providers[name] = p
}

// Providers lists registered provider names, sorted.
func Providers() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewBackend builds a backend via the provider named in cfg.Provider.
func NewBackend(ctx context.Context, cfg ModelConfig) (Backend, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		return nil, errors.New("model: provider name is required")
	}
	providerMu.RLock()
	p, ok := providers[name]
	providerMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrProviderNotFound, name, strings.Join(Providers(), ", "))
	}
	return p.NewBackend(ctx, cfg)
}
