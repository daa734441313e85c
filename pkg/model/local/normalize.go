package local

import (
	"strings"

	modelpkg "github.com/nervestack/pulse/pkg/model"
)

const (
	toolResultPrefix = "[Tool result] "
	starterTurn      = "(start)"
)

// Normalize rewrites an arbitrary message sequence into the strict
// form local chat servers accept: user and assistant turns only,
// strictly alternating, beginning with a user turn.
//
// System content is folded into the next user turn (trailing system
// content becomes its own user turn), tool results become user turns
// with a marker prefix, and consecutive same-role turns are merged.
func Normalize(messages []modelpkg.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(messages))
	var pendingSystem []string

	push := func(role, content string) {
		if len(out) > 0 && out[len(out)-1].Role == role {
			out[len(out)-1].Content += "\n\n" + content
			return
		}
		out = append(out, ChatMessage{Role: role, Content: content})
	}

	for _, msg := range messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		content := msg.Content

		switch role {
		case modelpkg.RoleSystem:
			if strings.TrimSpace(content) != "" {
				pendingSystem = append(pendingSystem, content)
			}
			continue
		case modelpkg.RoleTool:
			role = modelpkg.RoleUser
			content = toolResultPrefix + content
		case modelpkg.RoleAssistant:
			if content == "" && len(msg.ToolCalls) > 0 {
				content = describeToolCalls(msg.ToolCalls)
			}
		case modelpkg.RoleUser:
		default:
			role = modelpkg.RoleUser
		}

		if role == modelpkg.RoleUser && len(pendingSystem) > 0 {
			content = strings.Join(pendingSystem, "\n\n") + "\n\n" + content
			pendingSystem = nil
		}
		push(role, content)
	}

	if len(pendingSystem) > 0 {
		push(modelpkg.RoleUser, strings.Join(pendingSystem, "\n\n"))
	}

	if len(out) == 0 || out[0].Role != modelpkg.RoleUser {
		out = append([]ChatMessage{{Role: modelpkg.RoleUser, Content: starterTurn}}, out...)
	}

	return mergeAdjacent(out)
}

func mergeAdjacent(messages []ChatMessage) []ChatMessage {
	if len(messages) < 2 {
		return messages
	}
	merged := messages[:1]
	for _, msg := range messages[1:] {
		last := &merged[len(merged)-1]
		if last.Role == msg.Role {
			last.Content += "\n\n" + msg.Content
			continue
		}
		merged = append(merged, msg)
	}
	return merged
}

func describeToolCalls(calls []modelpkg.ToolCall) string {
	names := make([]string, 0, len(calls))
	for _, call := range calls {
		if name := strings.TrimSpace(call.Name); name != "" {
			names = append(names, name)
		}
	}
	return "[Requested tools] " + strings.Join(names, ", ")
}
