// Package telemetry wires OpenTelemetry tracing into the rest of the
// runtime. A process installs one Manager (usually from main) via
// SetDefault; library code reaches it through the package-level
// StartSpan/EndSpan helpers, which degrade to the global otel provider
// when no manager is installed.
package telemetry

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/nervestack/pulse"

// Config controls how a Manager is built. When TracerProvider is set
// the manager uses it as-is and never owns its shutdown; otherwise an
// OTLP/HTTP pipeline is built when Endpoint is non-empty, and a no-op
// provider is used when it is empty.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is the OTLP/HTTP collector endpoint, either a bare
	// host:port or a full URL.
	Endpoint string
	Insecure bool

	TracerProvider trace.TracerProvider

	Filter FilterConfig
}

// FilterConfig declares additional regexp patterns whose matches are
// replaced by Mask before text is attached to span attributes.
type FilterConfig struct {
	Mask     string
	Patterns []string
}

// Manager owns the tracer and the masking filter for one process.
type Manager struct {
	provider trace.TracerProvider
	tracer   trace.Tracer
	filter   *maskFilter
	owned    *sdktrace.TracerProvider
}

var defaultManager atomic.Pointer[Manager]

// NewManager builds a Manager from cfg. It does not install it as the
// process default; call SetDefault for that.
func NewManager(cfg Config) (*Manager, error) {
	filter, err := newMaskFilter(cfg.Filter)
	if err != nil {
		return nil, err
	}

	m := &Manager{filter: filter}
	switch {
	case cfg.TracerProvider != nil:
		m.provider = cfg.TracerProvider
	case strings.TrimSpace(cfg.Endpoint) != "":
		tp, err := newOTLPProvider(cfg)
		if err != nil {
			return nil, err
		}
		m.provider = tp
		m.owned = tp
	default:
		m.provider = noop.NewTracerProvider()
	}
	m.tracer = m.provider.Tracer(tracerName)
	return m, nil
}

func newOTLPProvider(cfg Config) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if strings.Contains(endpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create otlp exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(valueOr(cfg.ServiceName, "pulse"))}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentName(cfg.Environment))
	}
	res := resource.NewWithAttributes(semconv.SchemaURL, attrs...)

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// SetDefault installs m as the process-wide manager. Passing nil
// uninstalls the current one.
func SetDefault(m *Manager) {
	defaultManager.Store(m)
}

// Default returns the installed manager, or nil.
func Default() *Manager {
	return defaultManager.Load()
}

// StartSpan opens a span on the manager's tracer.
func (m *Manager) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, opts...)
}

// MaskText applies the manager's masking filter to s.
func (m *Manager) MaskText(s string) string {
	return m.filter.mask(s)
}

// Shutdown flushes and stops the tracer provider when the manager owns
// it. Externally supplied providers are left alone.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.owned == nil {
		return nil
	}
	return m.owned.Shutdown(ctx)
}

// StartSpan opens a span via the default manager, falling back to the
// global otel tracer so call sites stay safe before SetDefault runs.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if m := Default(); m != nil {
		return m.StartSpan(ctx, name, opts...)
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// EndSpan records err (when non-nil) on span and ends it. Safe on a
// nil span.
func EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

var sensitiveKeyFragments = []string{"key", "token", "secret", "password", "authorization"}

// SanitizeAttributes masks attribute values whose keys look sensitive
// and runs the default manager's text filter over string values.
func SanitizeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	m := Default()
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		key := strings.ToLower(string(kv.Key))
		if containsAny(key, sensitiveKeyFragments) {
			out = append(out, attribute.String(string(kv.Key), maskValue))
			continue
		}
		if kv.Value.Type() == attribute.STRING && m != nil {
			out = append(out, attribute.String(string(kv.Key), m.MaskText(kv.Value.AsString())))
			continue
		}
		out = append(out, kv)
	}
	return out
}

func containsAny(s string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}

const maskValue = "***"

type maskFilter struct {
	mask     string
	patterns []*regexp.Regexp
}

func newMaskFilter(cfg FilterConfig) (*maskFilter, error) {
	mask := cfg.Mask
	if mask == "" {
		mask = maskValue
	}
	f := &maskFilter{mask: mask}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("telemetry: compile filter pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

func (f *maskFilter) mask(s string) string {
	if f == nil || s == "" {
		return s
	}
	for _, re := range f.patterns {
		s = re.ReplaceAllString(s, f.mask)
	}
	return s
}
