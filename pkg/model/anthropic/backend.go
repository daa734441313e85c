// Package anthropic implements the tool-capable model.Backend on top of
// the official Anthropic SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	modelpkg "github.com/nervestack/pulse/pkg/model"
	"github.com/nervestack/pulse/pkg/telemetry"
)

const (
	defaultMaxTokens = 1024
	defaultTimeout   = 60 * time.Second
)

func init() {
	modelpkg.RegisterProvider(Provider{})
}

// Provider materializes Anthropic backends for the model factory.
type Provider struct{}

// Name advertises the provider identifier.
func (Provider) Name() string { return "anthropic" }

// NewBackend builds a Backend configured according to cfg.
func (Provider) NewBackend(ctx context.Context, cfg modelpkg.ModelConfig) (modelpkg.Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return New(cfg)
}

// messagesService is the slice of the SDK client the backend uses.
type messagesService interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
}

// Backend wraps the official SDK client.
type Backend struct {
	msgs      messagesService
	model     string
	maxTokens int
}

var _ modelpkg.Backend = (*Backend)(nil)

// New builds a Backend from cfg.
func New(cfg modelpkg.ModelConfig) (*Backend, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		return nil, errors.New("anthropic model name is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	opts = append(opts, option.WithRequestTimeout(timeout))
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	for k, v := range cfg.Headers {
		if strings.TrimSpace(k) == "" || v == "" {
			continue
		}
		opts = append(opts, option.WithHeader(k, v))
	}

	client := anthropicsdk.NewClient(opts...)
	return &Backend{
		msgs:      &client.Messages,
		model:     modelName,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// Name identifies the backend.
func (b *Backend) Name() string { return "anthropic" }

// Capabilities reports tool support and idle-beat participation.
func (b *Backend) Capabilities() modelpkg.Capabilities {
	return modelpkg.Capabilities{Tools: true, IdleReflection: true}
}

// Chat performs one blocking messages call.
func (b *Backend) Chat(ctx context.Context, req modelpkg.ChatRequest) (_ *modelpkg.ChatResponse, err error) {
	ctx, span := telemetry.StartSpan(ctx, "model.anthropic.chat",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", "anthropic"),
			attribute.String("llm.model", b.model),
			attribute.Int("llm.tools_count", len(req.Tools)),
		)...),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	systemBlocks, messageParams, err := messagesToParams(req.Messages)
	if err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(b.model),
		MaxTokens: int64(maxTokens),
		Messages:  messageParams,
	}
	if len(systemBlocks) > 0 {
		params.System = systemBlocks
	}
	if len(req.Tools) > 0 {
		toolParams, err := toolsToParams(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("convert tools: %w", err)
		}
		params.Tools = toolParams
	}

	message, err := b.msgs.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}
	return responseFromMessage(message), nil
}
