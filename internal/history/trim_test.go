package history

import (
	"strings"
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

// charEstimator counts one token per character of text content, which makes
// budgets easy to reason about in tests.
type charEstimator struct{}

func (charEstimator) Message(m *models.Message) int {
	n := len(m.Content)
	for _, p := range m.Parts {
		n += len(p.Text)
	}
	for _, p := range m.Output {
		n += len(p.Text)
	}
	return n
}

func TestTrimFixedPointWhenUnderBudget(t *testing.T) {
	s := New(userMsg("aaaa"), userMsg("bbbb"))
	before := s.Messages()

	s.TrimToTokenBudget(10, 1000, charEstimator{})

	after := s.Messages()
	if len(after) != len(before) {
		t.Fatalf("trim changed length: %d -> %d", len(before), len(after))
	}
	for i := range after {
		if after[i] != before[i] {
			t.Errorf("message %d replaced; want identity", i)
		}
	}
}

func TestTrimDropsOldestAndInsertsPlaceholder(t *testing.T) {
	s := New(
		userMsg(strings.Repeat("a", 100)),
		userMsg(strings.Repeat("b", 100)),
		&models.Message{Role: models.RoleUser, Content: strings.Repeat("k", 20), KeepDuringTruncation: true},
		userMsg(strings.Repeat("c", 30)),
	)

	s.TrimToTokenBudget(0, 120, charEstimator{})

	msgs := s.Messages()
	if !isPlaceholder(msgs[0]) {
		t.Fatalf("first message should be the placeholder, got %q", msgs[0].Content)
	}
	for _, m := range msgs {
		if strings.HasPrefix(m.Content, "a") || strings.HasPrefix(m.Content, "b") {
			t.Errorf("old message survived trim: %q", m.Content[:1])
		}
	}

	var keptSeen bool
	for _, m := range msgs {
		if m.KeepDuringTruncation {
			keptSeen = true
		}
	}
	if !keptSeen {
		t.Error("kept message was dropped")
	}
}

func TestTrimNeverDropsKeptMessages(t *testing.T) {
	kept := &models.Message{Role: models.RoleUser, Content: strings.Repeat("k", 500), KeepDuringTruncation: true}
	s := New(userMsg(strings.Repeat("a", 100)), kept, userMsg(strings.Repeat("b", 100)))

	// Budget far below even the kept message's size.
	s.TrimToTokenBudget(0, 50, charEstimator{})

	found := false
	for _, m := range s.Messages() {
		if m == kept {
			found = true
		}
	}
	if !found {
		t.Fatal("kept message was dropped by trim")
	}
}

func TestTrimPlaceholdersNeverCluster(t *testing.T) {
	s := New(
		userMsg(strings.Repeat("a", 200)),
		userMsg(strings.Repeat("b", 200)),
		userMsg(strings.Repeat("c", 200)),
		userMsg("tail"),
	)
	s.TrimToTokenBudget(0, 220, charEstimator{})
	// Trim again with a tighter budget to force a second round of drops.
	s.TrimToTokenBudget(0, 30, charEstimator{})

	msgs := s.Messages()
	for i := 1; i < len(msgs); i++ {
		if isPlaceholder(msgs[i]) && isPlaceholder(msgs[i-1]) {
			t.Fatalf("adjacent placeholders at %d and %d", i-1, i)
		}
	}
}

func TestTrimClearsCacheControl(t *testing.T) {
	tail := userMsg("tail")
	tail.CacheControl = "ephemeral"
	s := New(userMsg(strings.Repeat("a", 500)), tail)

	s.TrimToTokenBudget(0, 100, charEstimator{})

	for _, m := range s.Messages() {
		if m.CacheControl != "" {
			t.Errorf("cache control not cleared on %q", m.Content)
		}
	}
}

func terminalMsg(output string) *models.Message {
	return &models.Message{
		Role:       models.RoleTool,
		ToolCallID: "t-" + output[:1],
		ToolName:   "run_terminal_command",
		Output:     models.TextOutput(output),
	}
}

func TestTrimSimplifiesOldTerminalOutputs(t *testing.T) {
	var msgs []*models.Message
	for _, label := range []string{"one", "two", "three", "four", "five", "six", "seven"} {
		msgs = append(msgs, terminalMsg(label+"\n"+strings.Repeat("x", 200)))
	}
	s := New(msgs...)

	// Generous budget: only the simplification sweep should act.
	s.TrimToTokenBudget(0, 1<<20, charEstimator{})

	got := s.Messages()
	if len(got) != 7 {
		t.Fatalf("len = %d, want 7", len(got))
	}
	for i, m := range got {
		simplified := isSimplifiedTerminal(m)
		if i < 2 && !simplified {
			t.Errorf("old terminal output %d not simplified", i)
		}
		if i >= 2 && simplified {
			t.Errorf("recent terminal output %d was simplified", i)
		}
	}
}
