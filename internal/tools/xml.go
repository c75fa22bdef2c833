package tools

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// maxTagLen bounds how long a '<' run is held back while deciding whether
// it opens a tool tag.
const maxTagLen = 64

// InlineParser incrementally extracts XML-tagged tool calls from streamed
// assistant text. Some models emit calls as
//
//	<tool_name><param>value</param></tool_name>
//
// inside ordinary prose; anything that is not a recognized tool tag passes
// through as text. Feed returns the text safe to surface so far plus any
// calls completed by this delta; Flush drains whatever is still held back.
type InlineParser struct {
	known map[string]bool
	newID func() string

	// buf holds unconsumed input: a possible tag prefix in text mode, or
	// the body of an open tool tag in body mode.
	buf  strings.Builder
	tool string
}

// NewInlineParser creates a parser recognizing the given tool names.
func NewInlineParser(names []string) *InlineParser {
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	return &InlineParser{known: known, newID: uuid.NewString}
}

// Feed consumes one text delta.
func (p *InlineParser) Feed(delta string) (text string, calls []models.ToolCall) {
	p.buf.WriteString(delta)
	return p.drain(false)
}

// Flush ends the stream: held-back partial tags and unterminated tool bodies
// are surfaced as plain text.
func (p *InlineParser) Flush() (text string, calls []models.ToolCall) {
	return p.drain(true)
}

func (p *InlineParser) drain(final bool) (string, []models.ToolCall) {
	var out strings.Builder
	var calls []models.ToolCall

	work := p.buf.String()
	p.buf.Reset()

	for {
		if p.tool != "" {
			closing := "</" + p.tool + ">"
			idx := strings.Index(work, closing)
			if idx < 0 {
				if final {
					// Unterminated call: surface the raw text.
					out.WriteString("<" + p.tool + ">")
					out.WriteString(work)
					p.tool = ""
					work = ""
					break
				}
				p.buf.WriteString(work)
				return out.String(), calls
			}
			calls = append(calls, models.ToolCall{
				ID:    p.newID(),
				Name:  p.tool,
				Input: parseInlineParams(work[:idx]),
			})
			work = work[idx+len(closing):]
			p.tool = ""
			continue
		}

		lt := strings.IndexByte(work, '<')
		if lt < 0 {
			out.WriteString(work)
			work = ""
			break
		}
		out.WriteString(work[:lt])
		work = work[lt:]

		name, rest, decided := scanOpenTag(work)
		if !decided {
			if final || len(work) > maxTagLen {
				out.WriteByte('<')
				work = work[1:]
				continue
			}
			p.buf.WriteString(work)
			return out.String(), calls
		}
		if name == "" || !p.known[name] {
			// Not a tool tag; emit the '<' and rescan after it.
			out.WriteByte('<')
			work = work[1:]
			continue
		}
		p.tool = name
		work = rest
	}

	return out.String(), calls
}

// scanOpenTag tries to read "<name>" at the start of s. decided is false
// when s may still grow into a complete tag.
func scanOpenTag(s string) (name, rest string, decided bool) {
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '>':
			if i == 1 {
				return "", "", true
			}
			return s[1:i], s[i+1:], true
		case isTagNameByte(c):
			if i >= maxTagLen {
				return "", "", true
			}
		default:
			return "", "", true
		}
	}
	return "", "", false
}

func isTagNameByte(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// parseInlineParams converts a tool body's child elements into a JSON
// object. A body with no elements becomes {"prompt": <trimmed body>} when
// non-empty, else an empty object.
func parseInlineParams(body string) json.RawMessage {
	params := map[string]any{}
	rest := body
	for {
		name, value, after, ok := scanElement(rest)
		if !ok {
			break
		}
		if prev, exists := params[name]; exists {
			switch v := prev.(type) {
			case []any:
				params[name] = append(v, value)
			default:
				params[name] = []any{v, value}
			}
		} else {
			params[name] = value
		}
		rest = after
	}

	if len(params) == 0 {
		if trimmed := strings.TrimSpace(body); trimmed != "" {
			params["prompt"] = trimmed
		}
	}
	out, err := json.Marshal(params)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return out
}

// scanElement finds the next "<name>value</name>" pair in s.
func scanElement(s string) (name, value, rest string, ok bool) {
	for {
		lt := strings.IndexByte(s, '<')
		if lt < 0 {
			return "", "", "", false
		}
		s = s[lt:]
		n, body, decided := scanOpenTag(s)
		if !decided || n == "" {
			s = s[1:]
			continue
		}
		closing := "</" + n + ">"
		idx := strings.Index(body, closing)
		if idx < 0 {
			s = s[1:]
			continue
		}
		return n, strings.TrimSpace(body[:idx]), body[idx+len(closing):], true
	}
}
