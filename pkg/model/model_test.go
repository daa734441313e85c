package model

import (
	"context"
	"errors"
	"testing"
)

type stubBackend struct {
	name string
	caps Capabilities
}

func (s *stubBackend) Name() string               { return s.name }
func (s *stubBackend) Capabilities() Capabilities { return s.caps }
func (s *stubBackend) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Content: "ok"}, nil
}

type stubProvider struct {
	name    string
	lastCfg ModelConfig
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) NewBackend(ctx context.Context, cfg ModelConfig) (Backend, error) {
	s.lastCfg = cfg
	return &stubBackend{name: s.name, caps: Capabilities{Tools: true}}, nil
}

func TestRegisterProviderAndDispatch(t *testing.T) {
	p := &stubProvider{name: "stub-dispatch"}
	RegisterProvider(p)

	backend, err := NewBackend(context.Background(), ModelConfig{
		Provider: "Stub-Dispatch",
		Model:    "m1",
	})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if backend.Name() != "stub-dispatch" {
		t.Fatalf("backend name = %q", backend.Name())
	}
	if p.lastCfg.Model != "m1" {
		t.Fatalf("config not passed through: %+v", p.lastCfg)
	}
	if !backend.Capabilities().Tools {
		t.Fatal("capabilities lost in dispatch")
	}
}

func TestNewBackendUnknownProvider(t *testing.T) {
	_, err := NewBackend(context.Background(), ModelConfig{Provider: "nope"})
	if !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("expected ErrProviderNotFound, got %v", err)
	}
}

func TestNewBackendRequiresProviderName(t *testing.T) {
	if _, err := NewBackend(context.Background(), ModelConfig{}); err == nil {
		t.Fatal("expected error for empty provider")
	}
}

func TestRegisterProviderPanics(t *testing.T) {
	cases := []struct {
		name string
		p    Provider
	}{
		{"nil provider", nil},
		{"empty name", &stubProvider{name: "  "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic for %s", tc.name)
				}
			}()
			RegisterProvider(tc.p)
		})
	}
}

func TestRegisterProviderPanicsOnDuplicate(t *testing.T) {
	RegisterProvider(&stubProvider{name: "stub-dup"})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterProvider(&stubProvider{name: "stub-dup"})
}

func TestProvidersSorted(t *testing.T) {
	RegisterProvider(&stubProvider{name: "stub-zz"})
	RegisterProvider(&stubProvider{name: "stub-aa"})
	names := Providers()
	var prev string
	for _, name := range names {
		if prev > name {
			t.Fatalf("providers not sorted: %v", names)
		}
		prev = name
	}
}
