package history

import (
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
)

const (
	// keepRecentTerminalOutputs is how many run_terminal_command results
	// keep their full output during a trim sweep.
	keepRecentTerminalOutputs = 5

	// shortenedTokenFactor reserves headroom below the hard limit so the
	// next few turns fit without immediately re-trimming.
	shortenedTokenFactor = 0.75

	terminalCommandTool = "run_terminal_command"

	placeholderText = "Previous messages omitted to fit the context window."

	simplifiedTerminalPrefix = "[terminal output omitted]"
)

// Estimator estimates the prompt token cost of a single message.
type Estimator interface {
	Message(m *models.Message) int
}

// TrimToTokenBudget brings the history under the token limit:
//
//  1. Walking newest to oldest, run_terminal_command outputs beyond the most
//     recent few are replaced by a one-line summary.
//  2. If system prompt plus history still exceeds maxTokens, contiguous runs
//     of older unprotected messages are dropped until the remainder fits
//     under the shortened budget; each dropped run becomes one placeholder
//     user message tagged "omitted". Messages with KeepDuringTruncation are
//     never dropped.
//  3. When anything was dropped, provider cache-control markers are cleared
//     from every surviving message.
//
// Step 1 runs on every call; apart from that sweep, a history that already
// fits is returned unchanged.
func (s *Store) TrimToTokenBudget(systemTokens, maxTokens int, est Estimator) {
	s.simplifyTerminalOutputs(est)

	historyTokens := 0
	required := 0
	for _, m := range s.msgs {
		t := est.Message(m)
		historyTokens += t
		if m.KeepDuringTruncation {
			required += t
		}
	}
	if systemTokens+historyTokens <= maxTokens {
		return
	}

	budget := int(shortenedTokenFactor * float64(maxTokens-systemTokens-required))
	if budget < 0 {
		budget = 0
	}

	nonKept := historyTokens - required
	drop := make([]bool, len(s.msgs))
	for i := 0; i < len(s.msgs) && nonKept > budget; i++ {
		m := s.msgs[i]
		if m.KeepDuringTruncation {
			continue
		}
		drop[i] = true
		nonKept -= est.Message(m)
	}

	out := make([]*models.Message, 0, len(s.msgs))
	inDropped := false
	for i, m := range s.msgs {
		if drop[i] {
			if !inDropped && !endsWithPlaceholder(out) {
				out = append(out, newPlaceholder())
			}
			inDropped = true
			continue
		}
		inDropped = false
		if isPlaceholder(m) && endsWithPlaceholder(out) {
			continue
		}
		out = append(out, m)
	}

	for _, m := range out {
		m.CacheControl = ""
	}
	s.msgs = out
}

// simplifyTerminalOutputs collapses all but the most recent terminal command
// outputs to a short summary. Already-simplified messages are left alone so
// repeated trims converge.
func (s *Store) simplifyTerminalOutputs(est Estimator) {
	seen := 0
	for i := len(s.msgs) - 1; i >= 0; i-- {
		m := s.msgs[i]
		if m.Role != models.RoleTool || m.ToolName != terminalCommandTool {
			continue
		}
		seen++
		if seen <= keepRecentTerminalOutputs || isSimplifiedTerminal(m) {
			continue
		}
		s.msgs[i] = simplifyTerminal(m)
	}
}

func isSimplifiedTerminal(m *models.Message) bool {
	return len(m.Output) == 1 && strings.HasPrefix(m.Output[0].Text, simplifiedTerminalPrefix)
}

func simplifyTerminal(m *models.Message) *models.Message {
	summary := simplifiedTerminalPrefix
	if text := toolOutputText(m); text != "" {
		first := text
		if idx := strings.IndexByte(first, '\n'); idx >= 0 {
			first = first[:idx]
		}
		if len(first) > 80 {
			first = first[:80]
		}
		summary += " " + first
	}
	out := m.Clone()
	out.Output = models.TextOutput(summary)
	return out
}

func toolOutputText(m *models.Message) string {
	var b strings.Builder
	for _, p := range m.Output {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func newPlaceholder() *models.Message {
	return &models.Message{
		Role:    models.RoleUser,
		Content: placeholderText,
		Tags:    []string{models.TagOmitted},
	}
}

func isPlaceholder(m *models.Message) bool {
	return m.Role == models.RoleUser && m.HasTag(models.TagOmitted)
}

func endsWithPlaceholder(msgs []*models.Message) bool {
	return len(msgs) > 0 && isPlaceholder(msgs[len(msgs)-1])
}
