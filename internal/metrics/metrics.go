// Package metrics exports grading and delivery counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pavelanni/autograder/internal/correctmap"
)

const namespace = "autograder"

// Metrics implements problem.Observer.
type Metrics struct {
	grades         *prometheus.CounterVec
	gradeDuration  *prometheus.HistogramVec
	deliveries     *prometheus.CounterVec
	scriptFailures *prometheus.CounterVec
}

// New registers the collectors with reg. Use prometheus.DefaultRegisterer to
// expose them through promhttp.Handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		grades: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grades_total",
			Help:      "Graded answers by response type and correctness",
		}, []string{"type", "correctness"}),
		// Observed once per graded answer.
		gradeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grade_duration_seconds",
			Help:      "Time spent grading one response",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"type"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_deliveries_total",
			Help:      "External grader deliveries by result (applied, stale)",
		}, []string{"result"}),
		scriptFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "script_failures_total",
			Help:      "Grading calls aborted by author script errors",
		}, []string{"type"}),
	}
}

func (m *Metrics) Graded(responseType string, c correctmap.Correctness, d time.Duration) {
	m.grades.WithLabelValues(responseType, string(c)).Inc()
	m.gradeDuration.WithLabelValues(responseType).Observe(d.Seconds())
}

func (m *Metrics) ScriptFailed(responseType string) {
	m.scriptFailures.WithLabelValues(responseType).Inc()
}

func (m *Metrics) Delivered(applied bool) {
	result := "stale"
	if applied {
		result = "applied"
	}
	m.deliveries.WithLabelValues(result).Inc()
}
