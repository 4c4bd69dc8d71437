package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	EventsReduced      *prometheus.CounterVec
	EventsStale        *prometheus.CounterVec
	EventsUnrecognized prometheus.Counter
	TaskOutcomes       *prometheus.CounterVec
	TaskCommands       *prometheus.CounterVec
	ToolApprovals      *prometheus.CounterVec
	ToolAutoApprovals  prometheus.Counter
	ActiveTask         prometheus.Gauge
	ReloadErrors       prometheus.Counter
	WSClients          prometheus.Gauge
	TaskDuration       prometheus.Histogram

	Timings *TimingWindow
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		EventsReduced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_reduced_total",
			Help:      "Engine events applied to orchestrator state, by kind.",
		}, []string{"kind"}),
		EventsStale: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_stale_total",
			Help:      "Engine events dropped because their task is not tracked, by kind.",
		}, []string{"kind"}),
		EventsUnrecognized: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_unrecognized_total",
			Help:      "Engine events with a kind this build does not reduce.",
		}),
		TaskOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Foreground task terminal outcomes.",
		}, []string{"outcome"}),
		TaskCommands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_commands_total",
			Help:      "Commands submitted to the engine by command and result.",
		}, []string{"command", "result"}),
		ToolApprovals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_approvals_total",
			Help:      "Tool call decisions forwarded to the engine.",
		}, []string{"decision"}),
		ToolAutoApprovals: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_auto_approvals_total",
			Help:      "Tool calls approved from remembered authorizations.",
		}),
		ActiveTask: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_task",
			Help:      "1 while a foreground task is running.",
		}),
		ReloadErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reload_errors_total",
			Help:      "Failed message reloads.",
		}),
		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected state stream clients.",
		}),
		TaskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from task start to its terminal event.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		Timings: NewTimingWindow(256),
	}
}

func (m *Metrics) ObserveEvent(kind string, stale, unrecognized bool) {
	if m == nil {
		return
	}
	switch {
	case unrecognized:
		m.EventsUnrecognized.Inc()
	case stale:
		m.EventsStale.WithLabelValues(kind).Inc()
		m.Timings.ObserveIndicator("stale_event")
	default:
		m.EventsReduced.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ObserveCommand(command, result string) {
	if m == nil {
		return
	}
	m.TaskCommands.WithLabelValues(command, result).Inc()
}

func (m *Metrics) ObserveTaskStarted() {
	if m == nil {
		return
	}
	m.ActiveTask.Set(1)
}

func (m *Metrics) ObserveTaskEnded(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveTask.Set(0)
	if outcome != "" {
		m.TaskOutcomes.WithLabelValues(outcome).Inc()
		m.Timings.ObserveIndicator("outcome_" + outcome)
	}
	if d > 0 {
		m.TaskDuration.Observe(d.Seconds())
		m.Timings.Observe("task_total", float64(d.Milliseconds()))
	}
}

// ObserveStage records a per-task latency sample such as time to the first
// streamed chunk.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.Timings.Observe(stage, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveToolDecision(decision string) {
	if m == nil {
		return
	}
	m.ToolApprovals.WithLabelValues(decision).Inc()
}

func (m *Metrics) ObserveAutoApproval() {
	if m == nil {
		return
	}
	m.ToolAutoApprovals.Inc()
}

func (m *Metrics) ObserveReloadError() {
	if m == nil {
		return
	}
	m.ReloadErrors.Inc()
}

func (m *Metrics) WSClientConnected() {
	if m == nil {
		return
	}
	m.WSClients.Inc()
}

func (m *Metrics) WSClientDisconnected() {
	if m == nil {
		return
	}
	m.WSClients.Dec()
}

func (m *Metrics) TimingSnapshot() TimingSnapshot {
	if m == nil {
		return TimingSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.Timings.Snapshot()
}

func MetricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
