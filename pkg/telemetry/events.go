package telemetry

import (
	"context"
	"sync"

	"github.com/nixmox/orchestrator/pkg/engine"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Subscriber handles one run event.
type Subscriber func(engine.Event)

// Publisher fans run events out to subscribers. It implements
// engine.EventSink. Delivery is synchronous and in subscription order
// so log lines and metric updates stay consistent with the run.
type Publisher struct {
	mu          sync.RWMutex
	subscribers []Subscriber
}

// NewPublisher creates an empty publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Subscribe registers a subscriber for all future events.
func (p *Publisher) Subscribe(s Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, s)
}

// Publish implements engine.EventSink.
func (p *Publisher) Publish(ev engine.Event) {
	p.mu.RLock()
	subs := p.subscribers
	p.mu.RUnlock()

	for _, s := range subs {
		s(ev)
	}
}

// LogSubscriber returns a subscriber that writes events to the logger,
// mapping failure events to error level.
func LogSubscriber(logger zerolog.Logger) Subscriber {
	logger = logger.With().Str("component", "run").Logger()
	return func(ev engine.Event) {
		var entry *zerolog.Event
		switch ev.Type {
		case engine.EventStepFailed, engine.EventServiceFailed:
			entry = logger.Error()
		case engine.EventServiceSkipped:
			entry = logger.Warn()
		case engine.EventStepStarted, engine.EventStepCompleted, engine.EventStepSkipped:
			entry = logger.Debug()
		default:
			entry = logger.Info()
		}

		entry = entry.Str("event", string(ev.Type))
		if ev.RunID != "" {
			entry = entry.Str("run_id", ev.RunID)
		}
		if ev.Service != "" {
			entry = entry.Str("service", ev.Service)
		}
		if ev.Step != "" {
			entry = entry.Str("step", string(ev.Step))
		}
		if ev.Duration > 0 {
			entry = entry.Dur("duration", ev.Duration)
		}
		if ev.Err != nil {
			entry = entry.Err(ev.Err)
		}
		entry.Msg(ev.Message)
	}
}

// MetricsSubscriber returns a subscriber that updates run metrics from
// events.
func MetricsSubscriber(m *Metrics) Subscriber {
	return func(ev engine.Event) {
		switch ev.Type {
		case engine.EventStepCompleted:
			m.ObserveStep(string(ev.Step), "completed", ev.Duration)
		case engine.EventStepFailed:
			m.ObserveStep(string(ev.Step), "failed", ev.Duration)
		case engine.EventStepSkipped:
			m.ObserveStep(string(ev.Step), "skipped", 0)
		case engine.EventServiceHealthy:
			m.SetServiceState(ev.Service, string(engine.StateHealthy))
		case engine.EventServiceFailed:
			m.SetServiceState(ev.Service, string(engine.StateFailed))
		case engine.EventServiceSkipped:
			m.SetServiceState(ev.Service, string(engine.StateSkipped))
		}
	}
}

// TraceSubscriber returns a subscriber that mirrors step lifecycle
// events into spans. Spans are keyed by service and step; a completion
// without a matching start is dropped.
func TraceSubscriber(ctx context.Context, t *Tracer) Subscriber {
	var mu sync.Mutex
	open := make(map[string]trace.Span)

	return func(ev engine.Event) {
		key := ev.Service + "/" + string(ev.Step)
		switch ev.Type {
		case engine.EventStepStarted:
			_, span := t.StartStep(ctx, ev.Service, string(ev.Step))
			mu.Lock()
			open[key] = span
			mu.Unlock()
		case engine.EventStepCompleted, engine.EventStepFailed, engine.EventStepSkipped:
			mu.Lock()
			span, ok := open[key]
			delete(open, key)
			mu.Unlock()
			if !ok {
				return
			}
			if ev.Err != nil {
				t.RecordError(span, ev.Err)
			}
			span.End()
		}
	}
}
