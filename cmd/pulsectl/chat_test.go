package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nervestack/pulse/pkg/model"
)

func TestChatCommandConversation(t *testing.T) {
	useStubBackend(t, &stubBackend{resp: &model.ChatResponse{Content: "hi from the loop"}})
	var out bytes.Buffer
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	streams := ioStreams{in: strings.NewReader("hello\nexit\n"), out: &out, err: io.Discard}
	if err := chatCommand(context.Background(), nil, cfgPath, streams); err != nil {
		t.Fatalf("chatCommand error: %v", err)
	}
	output := out.String()
	if !strings.Contains(output, "hi from the loop") {
		t.Fatalf("missing reply: %s", output)
	}
	if !strings.Contains(output, "Goodbye!") {
		t.Fatalf("missing farewell: %s", output)
	}
}

func TestChatCommandInspection(t *testing.T) {
	useStubBackend(t, &stubBackend{})
	var out bytes.Buffer
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	streams := ioStreams{
		in:  strings.NewReader("status\nmemory\ncore\nskills\nthoughts\nexit\n"),
		out: &out,
		err: io.Discard,
	}
	if err := chatCommand(context.Background(), nil, cfgPath, streams); err != nil {
		t.Fatalf("chatCommand error: %v", err)
	}
	output := out.String()
	for _, want := range []string{
		`"beat_count"`,
		"core_chars:",
		"I am Pulse, an autonomous AI assistant",
		"send_message",
		"Reverie not enabled",
	} {
		if !strings.Contains(output, want) {
			t.Fatalf("output missing %q: %s", want, output)
		}
	}
}

func TestChatCommandEOF(t *testing.T) {
	useStubBackend(t, &stubBackend{})
	var out bytes.Buffer
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	streams := ioStreams{in: strings.NewReader(""), out: &out, err: io.Discard}
	if err := chatCommand(context.Background(), nil, cfgPath, streams); err != nil {
		t.Fatalf("chatCommand error: %v", err)
	}
	if !strings.Contains(out.String(), "Goodbye!") {
		t.Fatalf("missing farewell: %s", out.String())
	}
}
