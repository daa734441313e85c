package skill

import (
	"context"
	"fmt"
	"strings"

	"github.com/nervestack/pulse/pkg/memory"
)

// SendFunc publishes one user-visible message on the agent's output
// channel.
type SendFunc func(message string)

// WakeFunc asks the scheduler to run another thinking cycle without
// waiting for the next interval tick.
type WakeFunc func(reason string)

// Builtins returns the standard skill set every agent starts with.
func Builtins(store *memory.Store, send SendFunc, wake WakeFunc) []Skill {
	return []Skill{
		CoreMemoryUpdate{Store: store},
		CoreMemoryRead{Store: store},
		ArchivalWrite{Store: store},
		ArchivalSearch{Store: store},
		RecallRead{Store: store},
		SendMessage{Send: send},
		RequestHeartbeat{Wake: wake},
	}
}

// CoreMemoryUpdate rewrites one labeled core memory block, subject to
// the store's character budget.
type CoreMemoryUpdate struct {
	Store *memory.Store
}

func (CoreMemoryUpdate) Name() string        { return "core_memory_update" }
func (CoreMemoryUpdate) Description() string { return "Update core memory (persona/user info)" }

func (CoreMemoryUpdate) Parameters() map[string]ParamSpec {
	return map[string]ParamSpec{
		"key":     {Type: "string", Description: "Memory key"},
		"content": {Type: "string", Description: "New content"},
	}
}

func (s CoreMemoryUpdate) Execute(_ context.Context, args map[string]any) Result {
	key := stringArg(args, "key")
	if key == "" {
		return Fail("key is required")
	}
	if !s.Store.WriteCore(key, stringArg(args, "content")) {
		return Result{Success: false, Output: "Limit exceeded"}
	}
	return OK(fmt.Sprintf("Core '%s' updated", key))
}

// CoreMemoryRead returns the rendered core memory text.
type CoreMemoryRead struct {
	Store *memory.Store
}

func (CoreMemoryRead) Name() string                     { return "core_memory_read" }
func (CoreMemoryRead) Description() string              { return "Read core memory contents" }
func (CoreMemoryRead) Parameters() map[string]ParamSpec { return map[string]ParamSpec{} }

func (s CoreMemoryRead) Execute(_ context.Context, _ map[string]any) Result {
	return OK(s.Store.ReadCore())
}

// ArchivalWrite stores content in the unbounded archival tier.
type ArchivalWrite struct {
	Store *memory.Store
}

func (ArchivalWrite) Name() string        { return "archival_memory_write" }
func (ArchivalWrite) Description() string { return "Save to long-term archival memory" }

func (ArchivalWrite) Parameters() map[string]ParamSpec {
	return map[string]ParamSpec{
		"content": {Type: "string", Description: "Content to archive"},
		"tags":    {Type: "string", Description: "Comma-separated tags"},
	}
}

func (s ArchivalWrite) Execute(_ context.Context, args map[string]any) Result {
	content := stringArg(args, "content")
	if content == "" {
		return Fail("content is required")
	}
	id := s.Store.Archive(content, splitTags(stringArg(args, "tags")), 0)
	return OK(fmt.Sprintf("Archived: %s", id))
}

// ArchivalSearch runs a ranked keyword search over archival memory and
// formats the top matches for the model.
type ArchivalSearch struct {
	Store *memory.Store
}

func (ArchivalSearch) Name() string        { return "archival_memory_search" }
func (ArchivalSearch) Description() string { return "Search archival memory" }

func (ArchivalSearch) Parameters() map[string]ParamSpec {
	return map[string]ParamSpec{
		"query": {Type: "string", Description: "Search query"},
		"tags":  {Type: "string", Description: "Optional tags filter"},
	}
}

func (s ArchivalSearch) Execute(_ context.Context, args map[string]any) Result {
	results := s.Store.SearchArchival(stringArg(args, "query"), splitTags(stringArg(args, "tags")), 0)
	if len(results) == 0 {
		return OK("No matches found.")
	}
	var out strings.Builder
	fmt.Fprintf(&out, "Found %d results:\n", len(results))
	for i, b := range results {
		if i == searchDisplayLimit {
			break
		}
		fmt.Fprintf(&out, "%d. [%s] %s\n", i+1, b.ID, truncate(b.Content, 150))
	}
	return OK(out.String())
}

// searchDisplayLimit caps how many matches the search skill prints; the
// reported count still reflects the full result set.
const searchDisplayLimit = 10

// RecallRead lists the newest entries of the conversation buffer.
type RecallRead struct {
	Store *memory.Store
}

func (RecallRead) Name() string        { return "recall_buffer_read" }
func (RecallRead) Description() string { return "Read recent conversation history" }

func (RecallRead) Parameters() map[string]ParamSpec {
	return map[string]ParamSpec{
		"limit": {Type: "integer", Description: "Max messages"},
	}
}

func (s RecallRead) Execute(_ context.Context, args map[string]any) Result {
	msgs := s.Store.ReadRecall(intArg(args, "limit", 20))
	if len(msgs) == 0 {
		return OK("Recall empty.")
	}
	var out strings.Builder
	fmt.Fprintf(&out, "Last %d messages:\n", len(msgs))
	for _, m := range msgs {
		fmt.Fprintf(&out, "[%s] %s\n", strings.ToUpper(m.Role), truncate(m.Content, 100))
	}
	return OK(out.String())
}

// SendMessage publishes text to whoever is listening on the agent's
// output channel. It is the only builtin that reaches outside memory.
type SendMessage struct {
	Send SendFunc
}

func (SendMessage) Name() string        { return "send_message" }
func (SendMessage) Description() string { return "Send message to user" }

func (SendMessage) Parameters() map[string]ParamSpec {
	return map[string]ParamSpec{
		"message": {Type: "string", Description: "Message content"},
	}
}

func (s SendMessage) Execute(_ context.Context, args map[string]any) Result {
	message := stringArg(args, "message")
	if message == "" {
		return Fail("message is required")
	}
	s.Send(message)
	return OK("Sent.")
}

// RequestHeartbeat schedules another thinking cycle so the model can
// continue a multi-step task without waiting out the interval.
type RequestHeartbeat struct {
	Wake WakeFunc
}

func (RequestHeartbeat) Name() string        { return "request_heartbeat" }
func (RequestHeartbeat) Description() string { return "Request another thinking cycle" }

func (RequestHeartbeat) Parameters() map[string]ParamSpec {
	return map[string]ParamSpec{
		"reason": {Type: "string", Description: "Reason"},
	}
}

func (s RequestHeartbeat) Execute(_ context.Context, args map[string]any) Result {
	reason := stringArg(args, "reason")
	s.Wake(reason)
	return OK(fmt.Sprintf("Heartbeat scheduled: %s", reason))
}

// splitTags parses a comma-separated tag string, dropping blanks.
func splitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max-3] + "..."
}

var (
	_ Skill = CoreMemoryUpdate{}
	_ Skill = CoreMemoryRead{}
	_ Skill = ArchivalWrite{}
	_ Skill = ArchivalSearch{}
	_ Skill = RecallRead{}
	_ Skill = SendMessage{}
	_ Skill = RequestHeartbeat{}
)
