// Package tokens estimates prompt token usage for context budgeting.
//
// The transport's count-tokens endpoint is authoritative; this package is the
// local fallback used when that call fails, plus the per-message estimator
// the history trimmer runs on.
package tokens

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/haasonsaas/relay/pkg/models"
)

// charsPerToken is the crude ratio used when no encoding is available.
const charsPerToken = 4

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// Counter estimates token counts for a specific model.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// NewCounter creates a counter for the given model. Unknown models fall back
// to the cl100k_base encoding; if even that fails NewCounter returns an
// error. A nil *Counter degrades to a characters/4 estimate.
func NewCounter(model string) (*Counter, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &Counter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}, nil
}

// Text returns the token count for a plain string.
func (c *Counter) Text(s string) int {
	if c == nil || c.encoding == nil {
		return (len(s) + charsPerToken - 1) / charsPerToken
	}
	return len(c.encoding.Encode(s, nil, nil))
}

// Message estimates tokens for one history message, including tool calls and
// tool output. The message is counted in its JSON encoding, so structure
// overhead is included.
func (c *Counter) Message(m *models.Message) int {
	if m == nil {
		return 0
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return c.Text(m.Text())
	}
	return c.Text(string(payload))
}

// Messages sums the estimate over a history slice.
func (c *Counter) Messages(msgs []*models.Message) int {
	total := 0
	for _, m := range msgs {
		total += c.Message(m)
	}
	return total
}

// EstimateJSON is the serialization-based fallback used when the transport's
// count endpoint errors: marshal everything and assume charsPerToken.
func EstimateJSON(values ...any) int {
	total := 0
	for _, v := range values {
		if s, ok := v.(string); ok {
			total += len(s)
			continue
		}
		payload, err := json.Marshal(v)
		if err != nil {
			continue
		}
		total += len(payload)
	}
	return (total + charsPerToken - 1) / charsPerToken
}
