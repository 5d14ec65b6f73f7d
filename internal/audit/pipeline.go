package audit

import (
	"context"
	"log/slog"

	"charter/internal/audit/scrub"
)

// Classifier assigns a category and priority to a raw event.
type Classifier func(RawEvent) Event

// Forwarder decides whether a classified event is worth publishing.
type Forwarder interface {
	ShouldForward(ctx context.Context, ev *Event) bool
}

// Sink publishes a scrubbed event to the external transport.
type Sink interface {
	Route(ctx context.Context, ev *Event) error
}

// PipelineMetrics is the subset of audit metrics the pipeline records.
type PipelineMetrics interface {
	IncClassified(category string)
	IncDropped(reason string)
}

// Pipeline decouples the decision path from the audit path: the decision
// service emits raw events into a buffered inbox and a worker runs
// classify, filter, scrub, route. A transport failure never affects or
// delays a decision already returned to the caller.
type Pipeline struct {
	inbox    chan RawEvent
	classify Classifier
	filter   Forwarder
	sink     Sink
	logger   *slog.Logger
	metrics  PipelineMetrics
}

// NewPipeline creates a pipeline with the given inbox capacity.
func NewPipeline(size int, classify Classifier, filter Forwarder, sink Sink, logger *slog.Logger, m PipelineMetrics) *Pipeline {
	if size <= 0 {
		size = 1024
	}
	return &Pipeline{
		inbox:    make(chan RawEvent, size),
		classify: classify,
		filter:   filter,
		sink:     sink,
		logger:   logger,
		metrics:  m,
	}
}

// Emit queues a raw event for processing. Events carrying violations use the
// blocking path and are never shed under inbox pressure. Routine events
// are dropped with a counter when the inbox is full.
func (p *Pipeline) Emit(ev RawEvent) {
	if len(ev.Violations) > 0 {
		p.inbox <- ev
		return
	}
	select {
	case p.inbox <- ev:
	default:
		p.metrics.IncDropped("inbox_full")
	}
}

// Run processes events until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-p.inbox:
			p.process(ctx, raw)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, raw RawEvent) {
	ev := p.classify(raw)
	p.metrics.IncClassified(string(ev.Category))

	if !p.filter.ShouldForward(ctx, &ev) {
		ev.Dropped = true
		p.metrics.IncDropped("filtered")
		return
	}

	// Scrubbing is mandatory and ordered before transport. On a scrub
	// fault the event is dropped rather than forwarded unscrubbed.
	scrubbed, err := scrub.Scrub(ev.Payload)
	if err != nil {
		p.metrics.IncDropped("scrub_failure")
		p.logger.ErrorContext(ctx, "scrub failed, dropping event",
			"event_id", ev.ID,
			"category", ev.Category,
			"error", err,
		)
		return
	}
	ev.Payload = scrubbed
	ev.Actor = scrub.ScrubString(ev.Actor)

	if err := p.sink.Route(ctx, &ev); err != nil {
		p.logger.ErrorContext(ctx, "audit routing failed",
			"event_id", ev.ID,
			"category", ev.Category,
			"error", err,
		)
	}
}
