package agent

import (
	"context"

	"github.com/haasonsaas/relay/pkg/models"
)

// ResponseSink receives assistant text deltas and tagged events during a
// run. Implementations must be safe to invoke from within any loop
// iteration, including from recursively spawned children.
type ResponseSink interface {
	Emit(ctx context.Context, chunk *models.ResponseChunk)
}

// ChanSink sends chunks to a channel, dropping when the channel is full or
// the context has ended rather than blocking the loop.
type ChanSink struct {
	ch chan<- *models.ResponseChunk
}

// NewChanSink creates a sink over a (preferably buffered) channel.
func NewChanSink(ch chan<- *models.ResponseChunk) *ChanSink {
	return &ChanSink{ch: ch}
}

// Emit sends the chunk without blocking.
func (s *ChanSink) Emit(ctx context.Context, chunk *models.ResponseChunk) {
	select {
	case s.ch <- chunk:
	case <-ctx.Done():
	default:
	}
}

// CallbackSink wraps a function as a sink.
type CallbackSink struct {
	fn func(ctx context.Context, chunk *models.ResponseChunk)
}

// NewCallbackSink creates a sink calling fn for each chunk.
func NewCallbackSink(fn func(ctx context.Context, chunk *models.ResponseChunk)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Emit calls the wrapped function.
func (s *CallbackSink) Emit(ctx context.Context, chunk *models.ResponseChunk) {
	if s.fn != nil {
		s.fn(ctx, chunk)
	}
}

// MultiSink fans out to several sinks.
type MultiSink struct {
	sinks []ResponseSink
}

// NewMultiSink creates a fan-out sink; nil entries are dropped.
func NewMultiSink(sinks ...ResponseSink) *MultiSink {
	filtered := make([]ResponseSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit forwards to every sink.
func (s *MultiSink) Emit(ctx context.Context, chunk *models.ResponseChunk) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, chunk)
	}
}

// NopSink discards all chunks.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(ctx context.Context, chunk *models.ResponseChunk) {}
