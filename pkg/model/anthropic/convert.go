package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	modelpkg "github.com/nervestack/pulse/pkg/model"
)

// placeholderText stands in for empty turns; the API rejects empty content.
const placeholderText = "."

func messagesToParams(messages []modelpkg.Message) ([]anthropicsdk.TextBlockParam, []anthropicsdk.MessageParam, error) {
	var system []anthropicsdk.TextBlockParam
	params := make([]anthropicsdk.MessageParam, 0, len(messages))

	for idx, msg := range messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		switch role {
		case modelpkg.RoleSystem:
			if strings.TrimSpace(msg.Content) != "" {
				system = append(system, anthropicsdk.TextBlockParam{Text: msg.Content})
			}
			continue
		case modelpkg.RoleAssistant:
			blocks, err := assistantBlocks(msg)
			if err != nil {
				return nil, nil, fmt.Errorf("messages[%d]: %w", idx, err)
			}
			params = append(params, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleAssistant,
				Content: blocks,
			})
		case modelpkg.RoleTool:
			block, err := toolResultBlock(msg)
			if err != nil {
				return nil, nil, fmt.Errorf("messages[%d]: %w", idx, err)
			}
			params = append(params, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleUser,
				Content: []anthropicsdk.ContentBlockParamUnion{block},
			})
		default:
			params = append(params, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleUser,
				Content: []anthropicsdk.ContentBlockParamUnion{textBlock(msg.Content)},
			})
		}
	}

	if len(params) == 0 {
		params = append(params, anthropicsdk.MessageParam{
			Role:    anthropicsdk.MessageParamRoleUser,
			Content: []anthropicsdk.ContentBlockParamUnion{textBlock("")},
		})
	}
	return system, params, nil
}

func textBlock(content string) anthropicsdk.ContentBlockParamUnion {
	if content == "" {
		content = placeholderText
	}
	return anthropicsdk.NewTextBlock(content)
}

func assistantBlocks(msg modelpkg.Message) ([]anthropicsdk.ContentBlockParamUnion, error) {
	var blocks []anthropicsdk.ContentBlockParamUnion
	if msg.Content != "" {
		blocks = append(blocks, anthropicsdk.NewTextBlock(msg.Content))
	}
	for idx, call := range msg.ToolCalls {
		name := strings.TrimSpace(call.Name)
		if name == "" {
			return nil, fmt.Errorf("tool_calls[%d]: missing name", idx)
		}
		id := strings.TrimSpace(call.ID)
		if id == "" {
			return nil, fmt.Errorf("tool_calls[%d]: missing id", idx)
		}
		args := call.Arguments
		if args == nil {
			args = map[string]any{}
		}
		blocks = append(blocks, anthropicsdk.NewToolUseBlock(id, args, name))
	}
	if len(blocks) == 0 {
		blocks = append(blocks, textBlock(""))
	}
	return blocks, nil
}

func toolResultBlock(msg modelpkg.Message) (anthropicsdk.ContentBlockParamUnion, error) {
	var callID string
	for _, call := range msg.ToolCalls {
		if id := strings.TrimSpace(call.ID); id != "" {
			callID = id
			break
		}
	}
	if callID == "" {
		return anthropicsdk.ContentBlockParamUnion{}, fmt.Errorf("tool message missing tool_call_id")
	}

	result := anthropicsdk.ToolResultBlockParam{
		ToolUseID: callID,
		Content: []anthropicsdk.ToolResultBlockParamContentUnion{
			{OfText: &anthropicsdk.TextBlockParam{Text: msg.Content}},
		},
	}
	if isToolError(msg.Content) {
		result.IsError = anthropicsdk.Bool(true)
	}
	return anthropicsdk.ContentBlockParamUnion{OfToolResult: &result}, nil
}

// isToolError reports whether a tool result payload carries a non-empty
// error field, so the block can be flagged for the API.
func isToolError(content string) bool {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < 2 || trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return false
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return false
	}
	switch v := payload["error"].(type) {
	case string:
		return strings.TrimSpace(v) != ""
	case bool:
		return v
	case nil:
		return false
	default:
		return true
	}
}

func toolsToParams(tools []map[string]any) ([]anthropicsdk.ToolUnionParam, error) {
	out := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for idx, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok || len(fn) == 0 {
			return nil, fmt.Errorf("tools[%d]: missing function definition", idx)
		}
		name, _ := fn["name"].(string)
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("tools[%d]: missing function name", idx)
		}

		schema, err := inputSchema(fn["parameters"])
		if err != nil {
			return nil, fmt.Errorf("tools[%d] %s: %w", idx, name, err)
		}
		param := anthropicsdk.ToolParam{Name: name, InputSchema: schema}
		if desc, _ := fn["description"].(string); strings.TrimSpace(desc) != "" {
			param.Description = anthropicsdk.String(desc)
		}
		out = append(out, anthropicsdk.ToolUnionParam{OfTool: &param})
	}
	return out, nil
}

func inputSchema(raw any) (anthropicsdk.ToolInputSchemaParam, error) {
	params, _ := raw.(map[string]any)
	if len(params) == 0 {
		return anthropicsdk.ToolInputSchemaParam{Type: "object"}, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, fmt.Errorf("marshal schema: %w", err)
	}
	var schema anthropicsdk.ToolInputSchemaParam
	if err := json.Unmarshal(data, &schema); err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, fmt.Errorf("unmarshal schema: %w", err)
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	return schema, nil
}

func responseFromMessage(msg *anthropicsdk.Message) *modelpkg.ChatResponse {
	resp := &modelpkg.ChatResponse{}

	var textParts []string
	for _, block := range msg.Content {
		switch content := block.AsAny().(type) {
		case anthropicsdk.TextBlock:
			textParts = append(textParts, content.Text)
		case anthropicsdk.ToolUseBlock:
			resp.ToolCalls = append(resp.ToolCalls, modelpkg.ToolCall{
				ID:        content.ID,
				Name:      content.Name,
				Arguments: decodeToolInput(content.Input),
			})
		}
	}
	resp.Content = strings.Join(textParts, "\n")

	resp.Usage = modelpkg.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		CacheTokens:  int(msg.Usage.CacheCreationInputTokens + msg.Usage.CacheReadInputTokens),
	}
	return resp
}

func decodeToolInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return map[string]any{}
	}
	if typed, ok := value.(map[string]any); ok {
		return typed
	}
	return map[string]any{"value": value}
}
