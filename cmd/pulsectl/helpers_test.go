package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nervestack/pulse/pkg/agent"
	"github.com/nervestack/pulse/pkg/config"
	"github.com/nervestack/pulse/pkg/model"
)

type stubBackend struct {
	mu   sync.Mutex
	caps model.Capabilities
	resp *model.ChatResponse
	err  error
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
	if b.err != nil {
		return nil, b.err
	}
	if b.resp != nil {
		out := *b.resp
		return &out, nil
	}
	return &model.ChatResponse{}, nil
}

// useStubBackend reroutes agentFactory so commands build agents against
// backend with throwaway on-disk state.
func useStubBackend(t *testing.T, backend model.Backend) {
	t.Helper()
	original := agentFactory
	dir := t.TempDir()
	agentFactory = func(ctx context.Context, cfg *config.Config, opts ...agent.Option) (*agent.Agent, error) {
		cfg.Memory.Driver = "file"
		cfg.Memory.Dir = dir
		cfg.Heartbeat.Interval = config.Duration(time.Hour)
		opts = append(opts, agent.WithBackend(backend))
		return agent.New(ctx, cfg, opts...)
	}
	t.Cleanup(func() { agentFactory = original })
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitForAddress(t *testing.T, buf *syncBuffer, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	const marker = "pulsectl serve listening on http://"
	for time.Now().Before(deadline) {
		output := buf.String()
		idx := strings.LastIndex(output, marker)
		if idx >= 0 {
			start := idx + len(marker)
			end := strings.Index(output[start:], "\n")
			if end < 0 {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return strings.TrimSpace(output[start : start+end])
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server address not reported in time")
	return ""
}
