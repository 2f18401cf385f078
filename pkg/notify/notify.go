// Package notify fans out agent events to outbound channels. Delivery is
// fire-and-forget from the core's perspective: a failing sink is logged and
// never blocks or aborts the caller.
package notify

import (
	"context"

	"github.com/selfheald/selfheald/pkg/observability"
)

// Sink receives one notification. Implementations wrap outbound channels
// such as TTS, webhooks, or email.
type Sink interface {
	Notify(ctx context.Context, eventType, summary string, details map[string]interface{}) error
}

// Func adapts a function into a Sink.
type Func func(ctx context.Context, eventType, summary string, details map[string]interface{}) error

// Notify implements Sink.
func (f Func) Notify(ctx context.Context, eventType, summary string, details map[string]interface{}) error {
	return f(ctx, eventType, summary, details)
}

// Multi fans one notification out to several sinks, isolating each sink's
// failures and panics from the others.
type Multi struct {
	sinks  []Sink
	logger observability.Logger
}

// NewMulti constructs a fan-out over the given sinks.
func NewMulti(logger observability.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &Multi{sinks: append([]Sink(nil), sinks...), logger: logger}
}

// Notify implements Sink. It always returns nil: per-sink failures are
// logged, not propagated.
func (m *Multi) Notify(ctx context.Context, eventType, summary string, details map[string]interface{}) error {
	for _, sink := range m.sinks {
		m.deliver(ctx, sink, eventType, summary, details)
	}
	return nil
}

func (m *Multi) deliver(ctx context.Context, sink Sink, eventType, summary string, details map[string]interface{}) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Log(ctx, observability.Error("notify", "sink_panic", "notification sink panicked", map[string]interface{}{
				"event_type": eventType,
				"panic":      recovered,
			}))
		}
	}()
	if err := sink.Notify(ctx, eventType, summary, details); err != nil {
		m.logger.Log(ctx, observability.Warn("notify", "sink_error", err.Error(), map[string]interface{}{
			"event_type": eventType,
		}))
	}
}

// AuditSink records every notification as a structured audit event.
type AuditSink struct {
	logger observability.Logger
}

// NewAuditSink constructs an AuditSink over the given logger.
func NewAuditSink(logger observability.Logger) *AuditSink {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &AuditSink{logger: logger}
}

// Notify implements Sink.
func (s *AuditSink) Notify(ctx context.Context, eventType, summary string, details map[string]interface{}) error {
	return s.logger.Log(ctx, observability.Info("notify", eventType, summary, details))
}

var (
	_ Sink = Func(nil)
	_ Sink = (*Multi)(nil)
	_ Sink = (*AuditSink)(nil)
)
