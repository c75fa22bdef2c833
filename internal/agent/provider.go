// Package agent implements the Relay runtime core: the tool dispatcher,
// stream processor, step executor, and the agent loop with its programmatic
// step handler and recursive subagent spawning.
package agent

import (
	"context"

	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// ChunkKind identifies one streamed transport chunk.
type ChunkKind string

const (
	ChunkTextDelta      ChunkKind = "text-delta"
	ChunkReasoningDelta ChunkKind = "reasoning-delta"
	ChunkToolCallStart  ChunkKind = "tool-call-start"
	ChunkToolCallDelta  ChunkKind = "tool-call-delta"
	ChunkToolCallEnd    ChunkKind = "tool-call-end"
	ChunkError          ChunkKind = "error"
	ChunkFinish         ChunkKind = "finish"
)

// StreamChunk is one unit of a streaming LLM response. Which fields are set
// depends on Kind.
type StreamChunk struct {
	Kind ChunkKind

	// Text carries text-delta and reasoning-delta payloads.
	Text string

	// Tool call fields. InputDelta accumulates across tool-call-delta
	// chunks for the call identified by ToolCallID.
	ToolCallID string
	ToolName   string
	InputDelta string

	// MessageID is the provider's stable message id, set on finish.
	MessageID string

	// Err is set on error chunks.
	Err error
}

// Cost reports the cost of one LLM operation to the run's cost callback.
type Cost struct {
	Credits      float64
	InputTokens  int
	OutputTokens int
}

// CostFunc receives cost reports as they are known.
type CostFunc func(Cost)

// PromptRequest is one request to the LLM transport.
type PromptRequest struct {
	Model    string
	System   string
	Messages []*models.Message
	Tools    []tools.Definition

	// N requests parallel alternative completions via Prompt; the response
	// is a JSON array of N strings.
	N int

	OnCost CostFunc
}

// Transport is the injected LLM contract.
//
// Implementations must be safe for concurrent use; separate runs may stream
// simultaneously.
type Transport interface {
	// PromptStream sends a request and streams the response. The returned
	// channel is closed when the stream ends.
	PromptStream(ctx context.Context, req *PromptRequest) (<-chan StreamChunk, error)

	// Prompt sends a request and returns the complete response text. For
	// req.N > 1 the text must be a JSON array of N strings.
	Prompt(ctx context.Context, req *PromptRequest) (string, error)

	// CountTokens returns the input token size of the given prompt.
	CountTokens(ctx context.Context, messages []*models.Message, system string) (int, error)
}

// RequestToolCall is the injected tool execution contract: the host runs
// the named tool and returns its structured output.
type RequestToolCall func(ctx context.Context, req *ToolCallRequest) (*ToolCallResponse, error)

// ToolCallRequest asks the host to execute one tool call.
type ToolCallRequest struct {
	UserInputID string
	ToolName    string
	Input       []byte

	// TimeoutSeconds is the per-call timeout requested by the tool input,
	// zero for none.
	TimeoutSeconds int
}

// ToolCallResponse is the host's tool output.
type ToolCallResponse struct {
	Output []models.ToolOutputPart
}
