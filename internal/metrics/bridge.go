package metrics

import "opensprint/internal/runner"

// Bridge adapts runner.StatusEvent broadcasts into Prometheus counters,
// so every project wired through an Orchestrator gets metrics without
// PhaseExecutor/ProjectRunner importing this package directly.
type Bridge struct {
	m *Metrics
}

// NewBridge constructs a Bridge over m.
func NewBridge(m *Metrics) *Bridge {
	return &Bridge{m: m}
}

// Wrap returns a StatusNotifier that updates b's metrics and then
// forwards the event to inner (which may be nil).
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
	switch ev.Kind {
	case "execute.status":
		switch ev.Status {
		case "admitted":
			b.m.TasksAdmitted.WithLabelValues(ev.ProjectID).Inc()
			b.m.ActiveSlots.WithLabelValues(ev.ProjectID).Inc()
		case "in_progress":
			// No distinct counter; admitted already covers slot occupancy.
		}
	case "task.updated":
		switch ev.Status {
		case "closed":
			b.m.TasksCompleted.WithLabelValues(ev.ProjectID).Inc()
			b.m.ActiveSlots.WithLabelValues(ev.ProjectID).Dec()
		case "blocked":
			b.m.TasksFailed.WithLabelValues(ev.ProjectID, ev.Detail).Inc()
			b.m.TasksBlocked.WithLabelValues(ev.ProjectID, ev.Detail).Inc()
			b.m.ActiveSlots.WithLabelValues(ev.ProjectID).Dec()
		case "requeued":
			b.m.RecoveryActions.WithLabelValues(ev.ProjectID, "requeue").Inc()
		case "reattached":
			b.m.RecoveryActions.WithLabelValues(ev.ProjectID, "reattach").Inc()
		}
	}
}
