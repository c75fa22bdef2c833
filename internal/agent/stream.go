package agent

import (
	"context"
	"strings"

	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// streamResult is what one processed LLM stream produced.
type streamResult struct {
	// Text is the concatenated assistant text of the turn, with inline tool
	// call markup removed.
	Text string

	// Calls are the tool calls issued this turn, in stream order, including
	// calls the dispatcher refused.
	Calls []models.ToolCall

	// ToolMessages are the tool messages appended for those calls.
	ToolMessages []*models.Message

	HadToolCallError bool

	// MessageID is the provider's stable id for the assistant message.
	MessageID string
}

// processStream consumes one streaming LLM response: assistant text is
// forwarded to the sink and gathered for history, reasoning deltas are
// forwarded as events, and tool calls (native or inline XML) are dispatched
// in stream order, each call completing before the next starts.
//
// When includeToolCalls is false the assistant/tool message pairs are kept
// out of history; the calls still execute.
func (r *run) processStream(ctx context.Context, stream <-chan StreamChunk, includeToolCalls bool) *streamResult {
	res := &streamResult{}
	parser := tools.NewInlineParser(r.inlineToolNames())

	var turnText strings.Builder
	var pendingText strings.Builder

	type nativeCall struct {
		id    string
		name  string
		input strings.Builder
	}
	var native *nativeCall

	emitText := func(text string) {
		if text == "" {
			return
		}
		turnText.WriteString(text)
		pendingText.WriteString(text)
		if ctx.Err() == nil {
			r.sink.Emit(ctx, models.TextChunk(text))
		}
	}

	runCall := func(call models.ToolCall) {
		if includeToolCalls {
			assistant := &models.Message{Role: models.RoleAssistant}
			if text := pendingText.String(); text != "" {
				assistant.Parts = append(assistant.Parts, models.ContentPart{Kind: models.PartText, Text: text})
			}
			callCopy := call
			assistant.Parts = append(assistant.Parts, models.ContentPart{Kind: models.PartToolCall, ToolCall: &callCopy})
			r.state.History.Append(assistant)
			pendingText.Reset()
		}

		res.Calls = append(res.Calls, call)
		result := r.dispatch(ctx, call, r.streamSource)
		if result == nil {
			return
		}
		toolMsg := &models.Message{
			Role:       models.RoleTool,
			ToolCallID: result.ToolCallID,
			ToolName:   result.ToolName,
			Output:     result.Output,
		}
		if includeToolCalls {
			r.state.History.Append(toolMsg)
		}
		res.ToolMessages = append(res.ToolMessages, toolMsg)
		r.lastToolResult = result.Output
	}

	for chunk := range stream {
		switch chunk.Kind {
		case ChunkTextDelta:
			text, calls := parser.Feed(chunk.Text)
			emitText(text)
			for _, call := range calls {
				runCall(call)
			}

		case ChunkReasoningDelta:
			if ctx.Err() == nil {
				r.sink.Emit(ctx, models.EventChunk(models.Event{
					Kind: models.EventReasoningDelta,
					Text: chunk.Text,
				}))
			}

		case ChunkToolCallStart:
			native = &nativeCall{id: chunk.ToolCallID, name: chunk.ToolName}

		case ChunkToolCallDelta:
			if native != nil {
				native.input.WriteString(chunk.InputDelta)
			}

		case ChunkToolCallEnd:
			if native == nil {
				continue
			}
			input := native.input.String()
			if input == "" {
				input = "{}"
			}
			runCall(models.ToolCall{
				ID:    native.id,
				Name:  native.name,
				Input: []byte(input),
			})
			native = nil

		case ChunkError:
			res.HadToolCallError = true
			message := "stream error"
			if chunk.Err != nil {
				message = chunk.Err.Error()
			}
			r.rt.logger.Error(ctx, "provider stream error", "error", message)
			if ctx.Err() == nil {
				r.sink.Emit(ctx, models.EventChunk(models.Event{
					Kind:    models.EventError,
					Message: message,
				}))
			}

		case ChunkFinish:
			res.MessageID = chunk.MessageID
		}
	}

	text, calls := parser.Flush()
	emitText(text)
	for _, call := range calls {
		runCall(call)
	}

	if trailing := pendingText.String(); trailing != "" {
		r.state.History.Append(&models.Message{
			Role:    models.RoleAssistant,
			Content: trailing,
		})
	}

	res.HadToolCallError = res.HadToolCallError || r.hadToolCallError
	res.Text = turnText.String()
	return res
}

// inlineToolNames lists the tool names the inline XML parser recognizes.
func (r *run) inlineToolNames() []string {
	names := make([]string, 0, len(r.toolDefs))
	for _, d := range r.toolDefs {
		names = append(names, d.Name)
	}
	return names
}
