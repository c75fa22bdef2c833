// Package history owns an agent's conversation history: ordered messages
// with tags, TTL expiration, unfinished-tool-call filtering, and
// token-bounded truncation.
package history

import (
	"fmt"

	"github.com/haasonsaas/relay/pkg/models"
)

// Store holds the ordered message history for one agent. It is not safe for
// concurrent use; each agent loop owns its store.
type Store struct {
	msgs []*models.Message
}

// New creates a store seeded with the given messages.
func New(msgs ...*models.Message) *Store {
	s := &Store{}
	for _, m := range msgs {
		s.Append(m)
	}
	return s
}

// Append adds a message at the tail. Unknown roles are a programmer error.
func (s *Store) Append(m *models.Message) {
	if m == nil {
		return
	}
	switch m.Role {
	case models.RoleSystem, models.RoleUser, models.RoleAssistant, models.RoleTool:
	default:
		panic(fmt.Sprintf("history: invalid message role %q", m.Role))
	}
	s.msgs = append(s.msgs, m)
}

// Messages returns the live message slice. Callers must treat it as
// read-only; mutations go through the store.
func (s *Store) Messages() []*models.Message {
	return s.msgs
}

// Len returns the number of messages.
func (s *Store) Len() int { return len(s.msgs) }

// ReplaceAll swaps the entire history, used by conversation compaction.
func (s *Store) ReplaceAll(msgs []*models.Message) {
	s.msgs = append([]*models.Message(nil), msgs...)
}

// Expire removes messages whose TTL matches or is weaker than the boundary
// being crossed: agent-step-scoped messages expire at both boundaries,
// prompt-scoped messages only when the user prompt completes. Expire is
// idempotent.
func (s *Store) Expire(boundary models.TTL) {
	// Build a fresh slice: Messages() snapshots may still be held by a
	// transport request, so the old backing array must not be rewritten.
	kept := make([]*models.Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		if expiresAt(m.TimeToLive, boundary) {
			continue
		}
		kept = append(kept, m)
	}
	s.msgs = kept
}

func expiresAt(ttl, boundary models.TTL) bool {
	switch ttl {
	case models.TTLAgentStep:
		return true
	case models.TTLUserPrompt:
		return boundary == models.TTLUserPrompt
	default:
		return false
	}
}

// FilterUnfinishedToolCalls returns a copy of msgs with any assistant
// tool-call parts removed when no tool message answers them. Assistant
// messages left with no content are dropped entirely.
//
// Some providers reject histories containing a dangling tool call, so this
// runs on the history handed to a spawned child; the parent's own history is
// never rewritten.
func FilterUnfinishedToolCalls(msgs []*models.Message) []*models.Message {
	answered := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == models.RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}

	out := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != models.RoleAssistant || len(m.Parts) == 0 {
			out = append(out, m)
			continue
		}

		dangling := false
		for _, p := range m.Parts {
			if p.Kind == models.PartToolCall && p.ToolCall != nil && !answered[p.ToolCall.ID] {
				dangling = true
				break
			}
		}
		if !dangling {
			out = append(out, m)
			continue
		}

		filtered := m.Clone()
		parts := filtered.Parts[:0]
		for _, p := range filtered.Parts {
			if p.Kind == models.PartToolCall && p.ToolCall != nil && !answered[p.ToolCall.ID] {
				continue
			}
			parts = append(parts, p)
		}
		filtered.Parts = parts
		if len(filtered.Parts) == 0 && filtered.Content == "" {
			continue
		}
		out = append(out, filtered)
	}
	return out
}
