// Package skill implements the name-keyed capability registry an agent
// advertises to tool-capable model backends. Handler failures of any
// kind are absorbed into Results; they never escape into the caller.
package skill

import (
	"context"
	"sort"
	"time"
)

// ParamSpec describes one declared parameter of a skill.
type ParamSpec struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Result is the outcome of one skill invocation.
type Result struct {
	Success       bool          `json:"success"`
	Output        any           `json:"output,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// OK builds a success Result carrying output.
func OK(output any) Result {
	return Result{Success: true, Output: output}
}

// Fail builds a failure Result carrying an error message.
func Fail(msg string) Result {
	return Result{Success: false, Error: msg}
}

// Skill is one named capability. Execute must tolerate missing or
// mistyped arguments; the model controls what arrives in args.
type Skill interface {
	Name() string
	Description() string
	Parameters() map[string]ParamSpec
	Execute(ctx context.Context, args map[string]any) Result
}

// ToolSchema renders a skill in the function-tool shape model backends
// advertise to the model: every declared parameter is marked required.
func ToolSchema(s Skill) map[string]any {
	params := s.Parameters()
	props := make(map[string]any, len(params))
	required := make([]string, 0, len(params))
	for name, spec := range params {
		props[name] = map[string]any{
			"type":        spec.Type,
			"description": spec.Description,
		}
		required = append(required, name)
	}
	sort.Strings(required)
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        s.Name(),
			"description": s.Description(),
			"parameters": map[string]any{
				"type":       "object",
				"properties": props,
				"required":   required,
			},
		},
	}
}

// stringArg extracts a string argument, tolerating absence and wrong types.
func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// intArg extracts an integer argument; JSON decoding delivers numbers as
// float64, so both are accepted.
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}
