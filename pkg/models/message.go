// Package models provides domain types for the Relay agent runtime.
package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// TTL marks a message for removal at a conversation boundary.
type TTL string

const (
	// TTLAgentStep drops the message at the end of the current agent step
	// (and therefore also at the end of the user prompt).
	TTLAgentStep TTL = "agent_step"

	// TTLUserPrompt drops the message when the user prompt completes.
	TTLUserPrompt TTL = "user_prompt"
)

// Well-known message tags used by history filters.
const (
	TagUserPrompt         = "USER_PROMPT"
	TagStepPrompt         = "STEP_PROMPT"
	TagInstructionsPrompt = "INSTRUCTIONS_PROMPT"
	TagSubagentSpawn      = "SUBAGENT_SPAWN"
	TagSystemInstruction  = "SYSTEM_INSTRUCTION"
	TagOmitted            = "omitted"
)

// PartKind identifies the kind of a structured content part.
type PartKind string

const (
	PartText     PartKind = "text"
	PartImage    PartKind = "image"
	PartToolCall PartKind = "tool-call"
)

// ContentPart is one element of a structured message body.
// Exactly one payload field is meaningful for a given Kind.
type ContentPart struct {
	Kind PartKind `json:"kind"`

	// Text for PartText.
	Text string `json:"text,omitempty"`

	// ImageURL for PartImage.
	ImageURL string `json:"image_url,omitempty"`

	// ToolCall for PartToolCall.
	ToolCall *ToolCall `json:"tool_call,omitempty"`
}

// Message is a single entry in an agent's conversation history.
//
// Content is either the plain-text Content string or the ordered Parts
// sequence; when Parts is non-empty it takes precedence. Tool messages carry
// ToolCallID, ToolName and Output in addition to (or instead of) text.
type Message struct {
	ID   string `json:"id,omitempty"`
	Role Role   `json:"role"`

	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`

	// Tags are small string labels used by history filters.
	Tags []string `json:"tags,omitempty"`

	// TimeToLive expires the message at a step or prompt boundary.
	// Empty means the message never expires.
	TimeToLive TTL `json:"time_to_live,omitempty"`

	// KeepDuringTruncation protects the message from token-bounded trimming.
	KeepDuringTruncation bool `json:"keep_during_truncation,omitempty"`

	// CacheControl carries a provider-specific prompt-cache marker. It is
	// cleared during trimming so the transport re-applies caching itself.
	CacheControl string `json:"cache_control,omitempty"`

	// Tool message fields.
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
	Output     []ToolOutputPart `json:"output,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// HasTag reports whether the message carries the given tag.
func (m *Message) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Text returns the concatenated text content of the message, covering both
// the plain Content string and any text parts.
func (m *Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns the tool-call parts of an assistant message, in order.
func (m *Message) ToolCalls() []*ToolCall {
	var calls []*ToolCall
	for i := range m.Parts {
		if m.Parts[i].Kind == PartToolCall && m.Parts[i].ToolCall != nil {
			calls = append(calls, m.Parts[i].ToolCall)
		}
	}
	return calls
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	out := *m
	if len(m.Parts) > 0 {
		out.Parts = make([]ContentPart, len(m.Parts))
		copy(out.Parts, m.Parts)
		for i := range out.Parts {
			if tc := out.Parts[i].ToolCall; tc != nil {
				cp := *tc
				cp.Input = append(json.RawMessage(nil), tc.Input...)
				out.Parts[i].ToolCall = &cp
			}
		}
	}
	if len(m.Tags) > 0 {
		out.Tags = append([]string(nil), m.Tags...)
	}
	if len(m.Output) > 0 {
		out.Output = make([]ToolOutputPart, len(m.Output))
		copy(out.Output, m.Output)
	}
	return &out
}
