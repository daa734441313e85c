package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"

	modelpkg "github.com/nervestack/pulse/pkg/model"
)

func messagesToParams(messages []modelpkg.Message) ([]openaisdk.ChatCompletionMessageParamUnion, error) {
	params := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for idx, msg := range messages {
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case modelpkg.RoleSystem:
			params = append(params, systemParam(msg.Content))
		case modelpkg.RoleAssistant:
			union, err := assistantParam(msg)
			if err != nil {
				return nil, fmt.Errorf("messages[%d]: %w", idx, err)
			}
			params = append(params, union)
		case modelpkg.RoleTool:
			union, err := toolParam(msg)
			if err != nil {
				return nil, fmt.Errorf("messages[%d]: %w", idx, err)
			}
			params = append(params, union)
		default:
			params = append(params, userParam(msg.Content))
		}
	}
	if len(params) == 0 {
		params = append(params, userParam(""))
	}
	return params, nil
}

func systemParam(content string) openaisdk.ChatCompletionMessageParamUnion {
	msg := openaisdk.ChatCompletionSystemMessageParam{}
	msg.Content.OfString = openaisdk.String(content)
	return openaisdk.ChatCompletionMessageParamUnion{OfSystem: &msg}
}

func userParam(content string) openaisdk.ChatCompletionMessageParamUnion {
	msg := openaisdk.ChatCompletionUserMessageParam{}
	msg.Content.OfString = openaisdk.String(content)
	return openaisdk.ChatCompletionMessageParamUnion{OfUser: &msg}
}

func assistantParam(msg modelpkg.Message) (openaisdk.ChatCompletionMessageParamUnion, error) {
	asst := openaisdk.ChatCompletionAssistantMessageParam{}
	if msg.Content != "" || len(msg.ToolCalls) == 0 {
		asst.Content.OfString = openaisdk.String(msg.Content)
	}
	for idx, call := range msg.ToolCalls {
		name := strings.TrimSpace(call.Name)
		if name == "" {
			return openaisdk.ChatCompletionMessageParamUnion{}, fmt.Errorf("tool_calls[%d]: missing name", idx)
		}
		asst.ToolCalls = append(asst.ToolCalls, openaisdk.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openaisdk.ChatCompletionMessageFunctionToolCallParam{
				ID: call.ID,
				Function: openaisdk.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      name,
					Arguments: encodeArguments(call.Arguments),
				},
			},
		})
	}
	return openaisdk.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
}

func toolParam(msg modelpkg.Message) (openaisdk.ChatCompletionMessageParamUnion, error) {
	var callID string
	for _, call := range msg.ToolCalls {
		if id := strings.TrimSpace(call.ID); id != "" {
			callID = id
			break
		}
	}
	if callID == "" {
		return openaisdk.ChatCompletionMessageParamUnion{}, fmt.Errorf("tool message missing tool_call_id")
	}
	return openaisdk.ToolMessage(msg.Content, callID), nil
}

func toolsToParams(tools []map[string]any) ([]openaisdk.ChatCompletionToolUnionParam, error) {
	out := make([]openaisdk.ChatCompletionToolUnionParam, 0, len(tools))
	for idx, tool := range tools {
		if typ, _ := tool["type"].(string); typ != "" && !strings.EqualFold(typ, "function") {
			return nil, fmt.Errorf("tools[%d]: unsupported type %q", idx, typ)
		}
		fn, ok := tool["function"].(map[string]any)
		if !ok || len(fn) == 0 {
			return nil, fmt.Errorf("tools[%d]: missing function definition", idx)
		}
		name, _ := fn["name"].(string)
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("tools[%d]: missing function name", idx)
		}
		def := openaisdk.FunctionDefinitionParam{Name: name}
		if desc, _ := fn["description"].(string); strings.TrimSpace(desc) != "" {
			def.Description = openaisdk.String(desc)
		}
		if paramsVal, ok := fn["parameters"].(map[string]any); ok && len(paramsVal) > 0 {
			def.Parameters = openaisdk.FunctionParameters(paramsVal)
		}
		out = append(out, openaisdk.ChatCompletionToolUnionParam{
			OfFunction: &openaisdk.ChatCompletionFunctionToolParam{Function: def},
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid tools provided")
	}
	return out, nil
}

func responseFromMessage(msg openaisdk.ChatCompletionMessage) (*modelpkg.ChatResponse, error) {
	content := msg.Content
	if content == "" && strings.TrimSpace(msg.Refusal) != "" {
		content = msg.Refusal
	}
	resp := &modelpkg.ChatResponse{Content: content}

	for idx, call := range msg.ToolCalls {
		tc, err := toolCallFromSDK(call)
		if err != nil {
			return nil, fmt.Errorf("tool_calls[%d]: %w", idx, err)
		}
		resp.ToolCalls = append(resp.ToolCalls, tc)
	}
	// Legacy servers still answer through function_call.
	if len(resp.ToolCalls) == 0 {
		if name := strings.TrimSpace(msg.FunctionCall.Name); name != "" {
			args, err := decodeArguments(msg.FunctionCall.Arguments)
			if err != nil {
				return nil, fmt.Errorf("function_call: %w", err)
			}
			resp.ToolCalls = []modelpkg.ToolCall{{Name: name, Arguments: args}}
		}
	}
	return resp, nil
}

func toolCallFromSDK(call openaisdk.ChatCompletionMessageToolCallUnion) (modelpkg.ToolCall, error) {
	typ := strings.TrimSpace(call.Type)
	if typ == "" {
		typ = "function"
	}
	switch typ {
	case "function":
		fn := call.AsFunction()
		if strings.TrimSpace(fn.Function.Name) == "" {
			return modelpkg.ToolCall{}, fmt.Errorf("missing function name")
		}
		args, err := decodeArguments(fn.Function.Arguments)
		if err != nil {
			return modelpkg.ToolCall{}, fmt.Errorf("decode function arguments: %w", err)
		}
		return modelpkg.ToolCall{ID: fn.ID, Name: fn.Function.Name, Arguments: args}, nil
	case "custom":
		custom := call.AsCustom()
		name := strings.TrimSpace(custom.Custom.Name)
		if name == "" {
			return modelpkg.ToolCall{}, fmt.Errorf("missing custom tool name")
		}
		args := map[string]any{}
		if trimmed := strings.TrimSpace(custom.Custom.Input); trimmed != "" {
			if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
				args["input"] = custom.Custom.Input
			}
		}
		return modelpkg.ToolCall{ID: custom.ID, Name: name, Arguments: args}, nil
	default:
		return modelpkg.ToolCall{}, fmt.Errorf("unsupported tool_call type %q", typ)
	}
}

func encodeArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return args, nil
}
