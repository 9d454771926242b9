package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the pipeline's prometheus surface
type Metrics struct {
	StageRuns      *prometheus.CounterVec
	FetchTotal     *prometheus.CounterVec
	DeadLetters    *prometheus.CounterVec
	OpenConflicts  prometheus.Gauge
	PendingReview  prometheus.Gauge
	QueueDepth     *prometheus.GaugeVec
	CircuitsOpen   prometheus.Gauge
}

// New registers and returns the pipeline metrics
func New() *Metrics {
	return &Metrics{
		StageRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "regbeacon_stage_runs_total",
			Help: "Total pipeline stage executions by stage and outcome",
		}, []string{"stage", "outcome"}),
		FetchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "regbeacon_fetches_total",
			Help: "Total collector fetches by result",
		}, []string{"result"}),
		DeadLetters: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "regbeacon_dead_letters_total",
			Help: "Total messages dead-lettered by stage",
		}, []string{"stage"}),
		OpenConflicts: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "regbeacon_open_conflicts",
			Help: "Current number of OPEN conflicts",
		}),
		PendingReview: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "regbeacon_pending_review_rules",
			Help: "Current number of rules awaiting human review",
		}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "regbeacon_queue_depth",
			Help: "Pending messages per stage queue",
		}, []string{"stage"}),
		CircuitsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "regbeacon_source_circuits_open",
			Help: "Current number of sources with an open circuit",
		}),
	}
}

// ObserveRun counts one stage execution
func (m *Metrics) ObserveRun(stage, outcome string) {
	m.StageRuns.WithLabelValues(stage, outcome).Inc()
}

// ObserveFetch counts one collector fetch
func (m *Metrics) ObserveFetch(result string) {
	m.FetchTotal.WithLabelValues(result).Inc()
}

// ObserveDeadLetter counts one parked message
func (m *Metrics) ObserveDeadLetter(stage string) {
	m.DeadLetters.WithLabelValues(stage).Inc()
}
