package models

import "encoding/json"

// ToolCall is a structured tool invocation requested by the model (or by a
// programmatic step handler acting as the model).
type ToolCall struct {
	// ID correlates the call with its result message.
	ID string `json:"id"`

	// Name is the tool name; remote tools use a "server/tool" form.
	Name string `json:"name"`

	// Input is the raw JSON input for the tool.
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolOutputPart is one element of a tool's structured output.
type ToolOutputPart struct {
	// Type is "text" or "json".
	Type string `json:"type"`

	Text  string          `json:"text,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// TextOutput wraps a plain string as a single-part tool output.
func TextOutput(text string) []ToolOutputPart {
	return []ToolOutputPart{{Type: "text", Text: text}}
}

// JSONOutput wraps a JSON value as a single-part tool output.
func JSONOutput(value json.RawMessage) []ToolOutputPart {
	return []ToolOutputPart{{Type: "json", Value: value}}
}

// ToolResult is the outcome of one dispatched tool call.
type ToolResult struct {
	ToolCallID string           `json:"tool_call_id"`
	ToolName   string           `json:"tool_name"`
	Output     []ToolOutputPart `json:"output,omitempty"`
	IsError    bool             `json:"is_error,omitempty"`
}

// Text returns the concatenated text parts of the result output.
func (r *ToolResult) Text() string {
	var out string
	for _, p := range r.Output {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}
