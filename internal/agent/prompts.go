package agent

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/relay/internal/project"
	"github.com/haasonsaas/relay/internal/template"
	"github.com/haasonsaas/relay/pkg/models"
)

// StepWarningMessage is surfaced when an agent's step budget is exhausted
// before the model ends the turn itself.
const StepWarningMessage = "Maximum steps reached for this agent. The turn was force-terminated."

// outputSchemaRetryMessage asks the agent to produce its required output
// before the run is allowed to end.
const outputSchemaRetryMessage = "Your turn is about to end but no output has been set. Call the set_output tool now with output matching the required schema."

// systemTagged wraps text in the <system> marker used for runtime-injected
// user messages.
func systemTagged(text string) string {
	return "<system>" + text + "</system>"
}

func systemTaggedMessage(text string) *models.Message {
	return &models.Message{
		Role:    models.RoleUser,
		Content: systemTagged(text),
		Tags:    []string{models.TagSystemInstruction},
	}
}

// isCompactCommand reports whether the user prompt invokes conversation
// compaction.
func isCompactCommand(prompt string) bool {
	p := strings.ToLower(strings.TrimSpace(prompt))
	return p == "/compact" || p == "compact"
}

// buildStepPrompt renders the per-turn prompt appended (step-scoped, kept
// during truncation) before each LLM turn.
func buildStepPrompt(tmpl *template.Template, state *State, fileCtx *project.FileContext) string {
	if tmpl.StepPrompt != "" {
		replacer := strings.NewReplacer(
			"{{steps_remaining}}", fmt.Sprint(state.StepsRemaining),
			"{{agent_id}}", state.AgentID,
			"{{file_tree}}", fileCtx.TreeSummary(),
		)
		return replacer.Replace(tmpl.StepPrompt)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You have %d steps remaining in this run.", state.StepsRemaining)
	if len(state.Subgoals) > 0 {
		b.WriteString(" Current subgoals:\n")
		for _, g := range state.Subgoals {
			fmt.Fprintf(&b, "- [%s] %s", g.ID, g.Objective)
			if g.Status != "" {
				fmt.Fprintf(&b, " (%s)", g.Status)
			}
			b.WriteByte('\n')
		}
	}
	if tree := fileCtx.TreeSummary(); tree != "" {
		b.WriteString("\nProject files:\n")
		b.WriteString(tree)
	}
	return b.String()
}

// stepPromptMessage wraps the step prompt as a step-scoped kept message.
func stepPromptMessage(text string) *models.Message {
	return &models.Message{
		Role:                 models.RoleUser,
		Content:              systemTagged(text),
		Tags:                 []string{models.TagStepPrompt},
		TimeToLive:           models.TTLAgentStep,
		KeepDuringTruncation: true,
	}
}

// userPromptMessage builds the initial user message from prompt, params and
// extra content parts.
func userPromptMessage(prompt string, params []byte, content []models.ContentPart) *models.Message {
	msg := &models.Message{
		Role:                 models.RoleUser,
		Tags:                 []string{models.TagUserPrompt},
		KeepDuringTruncation: true,
	}
	body := prompt
	if len(params) > 0 && string(params) != "null" {
		if body != "" {
			body += "\n\n"
		}
		body += "Params: " + string(params)
	}
	if len(content) == 0 {
		msg.Content = body
		return msg
	}
	if body != "" {
		msg.Parts = append(msg.Parts, models.ContentPart{Kind: models.PartText, Text: body})
	}
	msg.Parts = append(msg.Parts, content...)
	return msg
}
