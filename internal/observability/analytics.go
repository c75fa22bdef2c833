package observability

import "context"

// Tracker is the injected analytics contract: named events with arbitrary
// properties. The runtime reports run/step/tool lifecycle events; the host
// decides where they go.
type Tracker interface {
	TrackEvent(ctx context.Context, event string, properties map[string]any)
}

// NopTracker discards all events.
type NopTracker struct{}

// TrackEvent does nothing.
func (NopTracker) TrackEvent(ctx context.Context, event string, properties map[string]any) {}

// LogTracker writes events through the structured logger at debug level.
type LogTracker struct {
	Logger *Logger
}

// TrackEvent logs the event.
func (t LogTracker) TrackEvent(ctx context.Context, event string, properties map[string]any) {
	if t.Logger == nil {
		return
	}
	args := make([]any, 0, len(properties)*2+2)
	args = append(args, "event", event)
	for k, v := range properties {
		args = append(args, k, v)
	}
	t.Logger.Debug(ctx, "analytics event", args...)
}
