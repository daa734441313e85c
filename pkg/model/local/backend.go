// Package local adapts an OpenAI-compatible local inference server
// (llama-server and friends) to the model.Backend contract. These
// servers accept no tool schemas and often enforce strict
// user/assistant alternation with a leading user turn, so the adapter
// normalizes every message sequence before sending it.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	modelpkg "github.com/nervestack/pulse/pkg/model"
	"github.com/nervestack/pulse/pkg/telemetry"
)

const (
	chatCompletionsPath = "/v1/chat/completions"
	defaultBaseURL      = "http://127.0.0.1:8080"
	defaultTimeout      = 120 * time.Second
)

func init() {
	modelpkg.RegisterProvider(Provider{})
}

// Provider materializes local backends for the model factory.
type Provider struct{}

// Name advertises the provider identifier.
func (Provider) Name() string { return "local" }

// NewBackend builds a Backend configured according to cfg.
func (Provider) NewBackend(ctx context.Context, cfg modelpkg.ModelConfig) (modelpkg.Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return New(cfg)
}

// Backend talks to a local chat-completions endpoint.
type Backend struct {
	client    *http.Client
	baseURL   string
	model     string
	maxTokens int
	headers   map[string]string
}

var _ modelpkg.Backend = (*Backend)(nil)

// New builds a Backend from cfg. BaseURL defaults to the conventional
// llama-server address; no API key is required.
func New(cfg modelpkg.ModelConfig) (*Backend, error) {
	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		return nil, errors.New("local model name is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	headers := map[string]string{"Content-Type": "application/json"}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		headers["Authorization"] = "Bearer " + key
	}
	for k, v := range cfg.Headers {
		if strings.TrimSpace(k) == "" || v == "" {
			continue
		}
		headers[k] = v
	}
	return &Backend{
		client:    client,
		baseURL:   baseURL,
		model:     modelName,
		maxTokens: cfg.MaxTokens,
		headers:   headers,
	}, nil
}

// Name identifies the backend.
func (b *Backend) Name() string { return "local" }

// Capabilities reports that this backend accepts no tools and should
// not be invoked on idle beats.
func (b *Backend) Capabilities() modelpkg.Capabilities {
	return modelpkg.Capabilities{}
}

// Chat performs a blocking chat-completion request after normalizing
// the message sequence.
func (b *Backend) Chat(ctx context.Context, req modelpkg.ChatRequest) (_ *modelpkg.ChatResponse, err error) {
	ctx, span := telemetry.StartSpan(ctx, "model.local.chat",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", "local"),
			attribute.String("llm.model", b.model),
		)...))
	defer func() { telemetry.EndSpan(span, err) }()

	if len(req.Tools) > 0 {
		return nil, errors.New("local backend does not accept tools")
	}

	payload := chatRequest{
		Model:    b.model,
		Messages: Normalize(req.Messages),
		Stream:   false,
	}
	if req.MaxTokens > 0 {
		payload.MaxTokens = req.MaxTokens
	} else if b.maxTokens > 0 {
		payload.MaxTokens = b.maxTokens
	}

	resp, err := b.doRequest(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, readAPIError(resp)
	}

	var completion chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("decode local response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("local response contains no choices")
	}

	return &modelpkg.ChatResponse{
		Content: completion.Choices[0].Message.Content,
		Usage: modelpkg.TokenUsage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
			TotalTokens:  completion.Usage.TotalTokens,
		},
	}, nil
}

func (b *Backend) doRequest(ctx context.Context, payload chatRequest) (*http.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("encode local request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+chatCompletionsPath, &buf)
	if err != nil {
		return nil, fmt.Errorf("create local request: %w", err)
	}
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}
	return b.client.Do(req)
}

// ChatMessage is the wire shape of one normalized turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// APIError surfaces HTTP metadata along with API error info.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "local API error (%d", e.StatusCode)
	if e.Type != "" {
		b.WriteString(", ")
		b.WriteString(e.Type)
	}
	b.WriteString(")")
	if e.Code != "" {
		b.WriteString(" code=")
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func readAPIError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("local api status %d: %w", resp.StatusCode, err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	}
	var apiErr errorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return APIError{
			StatusCode: resp.StatusCode,
			Type:       apiErr.Error.Type,
			Code:       apiErr.Error.Code,
			Message:    apiErr.Error.Message,
		}
	}
	return APIError{StatusCode: resp.StatusCode, Message: string(body)}
}
