package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coralkm_messages_total",
			Help: "Total number of protocol messages handled by type and role",
		},
		[]string{"type", "role"},
	)

	ProblemReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coralkm_problem_reports_total",
			Help: "Total number of problem reports emitted by code",
		},
		[]string{"code"},
	)

	ResplitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coralkm_resplit_duration_seconds",
			Help:    "Time taken to re-split and redistribute shares in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	GuardiansTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coralkm_guardians_total",
			Help: "Total number of guardians currently granted per namespace owner",
		},
	)

	RecoveryCeremoniesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coralkm_recovery_ceremonies_total",
			Help: "Total number of recovery ceremonies by outcome",
		},
		[]string{"outcome"},
	)

	NamespaceSyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coralkm_namespace_sync_total",
			Help: "Total number of namespace sync operations by op (PUT/GET)",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(ProblemReportsTotal)
	prometheus.MustRegister(ResplitDuration)
	prometheus.MustRegister(GuardiansTotal)
	prometheus.MustRegister(RecoveryCeremoniesTotal)
	prometheus.MustRegister(NamespaceSyncTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
