package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"opensprint/internal/runner"
)

// Bridge opens one span per task when it's admitted and closes it when
// the task reaches a terminal StatusEvent (closed/blocked), so a trace
// backend shows the whole coding→review→merge lifecycle as a single
// span per task. gitqueue's own spans (see gitqueue.Queue.SetTracer) are
// not parented to it: the runner enqueues git jobs with its own context,
// not SpanContext's.
type Bridge struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]spanEntry
}

type spanEntry struct {
	span trace.Span
	ctx  context.Context
}

// NewBridge constructs a Bridge using Tracer().
func NewBridge() *Bridge {
	return &Bridge{tracer: Tracer(), spans: make(map[string]spanEntry)}
}

// Wrap returns a StatusNotifier that opens/closes spans and forwards
// every event unchanged to inner (which may be nil).
func (b *Bridge) Wrap(inner runner.StatusNotifier) runner.StatusNotifier {
	return &bridgeNotifier{bridge: b, inner: inner}
}

type bridgeNotifier struct {
	bridge *Bridge
	inner  runner.StatusNotifier
}

func (n *bridgeNotifier) NotifyStatus(ev runner.StatusEvent) {
	n.bridge.observe(ev)
	if n.inner != nil {
		n.inner.NotifyStatus(ev)
	}
}

func (b *Bridge) observe(ev runner.StatusEvent) {
	key := ev.ProjectID + "/" + ev.TaskID

	switch {
	case ev.Kind == "execute.status" && ev.Status == "admitted",
		ev.Kind == "task.updated" && ev.Status == "reattached":
		ctx, span := b.tracer.Start(context.Background(), "task",
			trace.WithAttributes(
				attribute.String("project_id", ev.ProjectID),
				attribute.String("task_id", ev.TaskID),
			))
		b.mu.Lock()
		b.spans[key] = spanEntry{span: span, ctx: ctx}
		b.mu.Unlock()

	case ev.Kind == "task.updated" && (ev.Status == "closed" || ev.Status == "blocked"):
		b.mu.Lock()
		entry, ok := b.spans[key]
		delete(b.spans, key)
		b.mu.Unlock()
		if !ok {
			return
		}
		entry.span.SetAttributes(attribute.String("phase", string(ev.Phase)))
		if ev.Status == "blocked" {
			entry.span.SetStatus(codes.Error, ev.Detail)
		} else {
			entry.span.SetStatus(codes.Ok, "")
		}
		entry.span.End()
	}
}

// SpanContext returns the context carrying the in-flight span for
// taskID within projectID, or context.Background() if no span is open
// (the task was never admitted or reattached through this Bridge, or
// has already reached closed/blocked).
func (b *Bridge) SpanContext(projectID, taskID string) context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.spans[projectID+"/"+taskID]; ok {
		return e.ctx
	}
	return context.Background()
}

var _ runner.StatusNotifier = (*bridgeNotifier)(nil)
