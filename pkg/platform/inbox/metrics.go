package inbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for inbox processing.
type Metrics struct {
	Outcomes  *prometheus.CounterVec
	Redriven  *prometheus.CounterVec
	Purged    prometheus.Counter
	Journaled *prometheus.GaugeVec
}

// NewMetrics registers the inbox metrics. Call once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		Outcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "regtech_inbox_outcomes_total",
			Help: "Total number of inbound events by consumer and final status",
		}, []string{"consumer", "status"}),
		Redriven: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "regtech_inbox_redriven_total",
			Help: "Total number of failed inbound events re-driven by consumer",
		}, []string{"consumer"}),
		Purged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "regtech_inbox_purged_total",
			Help: "Total number of processed inbox messages removed by retention",
		}),
		Journaled: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "regtech_inbox_messages",
			Help: "Inbox messages by consumer and status at last stats refresh",
		}, []string{"consumer", "status"}),
	}
}

func (m *Metrics) incOutcome(consumer string, status Status) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(consumer, string(status)).Inc()
}

func (m *Metrics) incRedriven(consumer string) {
	if m == nil {
		return
	}
	m.Redriven.WithLabelValues(consumer).Inc()
}

func (m *Metrics) addPurged(n int64) {
	if m == nil {
		return
	}
	m.Purged.Add(float64(n))
}

func (m *Metrics) setStats(consumer string, s Stats) {
	if m == nil {
		return
	}
	m.Journaled.WithLabelValues(consumer, string(StatusReceived)).Set(float64(s.Received))
	m.Journaled.WithLabelValues(consumer, string(StatusProcessing)).Set(float64(s.Processing))
	m.Journaled.WithLabelValues(consumer, string(StatusCompleted)).Set(float64(s.Completed))
	m.Journaled.WithLabelValues(consumer, string(StatusSkipped)).Set(float64(s.Skipped))
	m.Journaled.WithLabelValues(consumer, string(StatusFailed)).Set(float64(s.Failed))
	m.Journaled.WithLabelValues(consumer, string(StatusDeadLetter)).Set(float64(s.DeadLetter))
}
