// Package openai implements the tool-capable model.Backend on top of
// the official OpenAI SDK. Any OpenAI-compatible endpoint that speaks
// function tools works through BaseURL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	modelpkg "github.com/nervestack/pulse/pkg/model"
	"github.com/nervestack/pulse/pkg/telemetry"
)

const defaultTimeout = 60 * time.Second

func init() {
	modelpkg.RegisterProvider(Provider{})
}

// Provider materializes OpenAI backends for the model factory.
type Provider struct{}

// Name advertises the provider identifier.
func (Provider) Name() string { return "openai" }

// NewBackend builds a Backend configured according to cfg.
func (Provider) NewBackend(ctx context.Context, cfg modelpkg.ModelConfig) (modelpkg.Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return New(cfg)
}

// Backend wraps the official SDK client.
type Backend struct {
	client    openaisdk.Client
	model     string
	maxTokens int
}

var _ modelpkg.Backend = (*Backend)(nil)

// New builds a Backend from cfg.
func New(cfg modelpkg.ModelConfig) (*Backend, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		return nil, errors.New("openai model name is required")
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

	return &Backend{
		client:    openaisdk.NewClient(opts...),
		model:     modelName,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// Name identifies the backend.
func (b *Backend) Name() string { return "openai" }

// Capabilities reports tool support and idle-beat participation.
func (b *Backend) Capabilities() modelpkg.Capabilities {
	return modelpkg.Capabilities{Tools: true, IdleReflection: true}
}

// Chat performs one blocking chat-completion call.
func (b *Backend) Chat(ctx context.Context, req modelpkg.ChatRequest) (_ *modelpkg.ChatResponse, err error) {
	ctx, span := telemetry.StartSpan(ctx, "model.openai.chat",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", "openai"),
			attribute.String("llm.model", b.model),
			attribute.Int("llm.tools_count", len(req.Tools)),
		)...),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	messageParams, err := messagesToParams(req.Messages)
	if err != nil {
		return nil, err
	}

	params := openaisdk.ChatCompletionNewParams{
		Messages: messageParams,
		Model:    openaisdk.ChatModel(b.model),
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(maxTokens))
	}
	if len(req.Tools) > 0 {
		toolParams, err := toolsToParams(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("convert tools: %w", err)
		}
		params.Tools = toolParams
	}

	completion, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("openai response contains no choices")
	}

	resp, err := responseFromMessage(completion.Choices[0].Message)
	if err != nil {
		return nil, err
	}
	resp.Usage = modelpkg.TokenUsage{
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		TotalTokens:  int(completion.Usage.TotalTokens),
	}
	return resp, nil
}
