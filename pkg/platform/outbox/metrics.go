package outbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the outbox recorder and publisher.
type Metrics struct {
	Appended      prometheus.Counter
	Suppressed    prometheus.Counter
	Published     prometheus.Counter
	Failed        prometheus.Counter
	DeadLettered  prometheus.Counter
	Pending       prometheus.Gauge
	DeadLetter    prometheus.Gauge
	BatchDuration prometheus.Histogram
}

// NewMetrics registers the outbox metrics. Call once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		Appended: promauto.NewCounter(prometheus.CounterOpts{
			Name: "regtech_outbox_appended_total",
			Help: "Total number of records appended to the outbox",
		}),
		Suppressed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "regtech_outbox_suppressed_total",
			Help: "Total number of appends skipped because the caller was inside an outbox publish pass",
		}),
		Published: promauto.NewCounter(prometheus.CounterOpts{
			Name: "regtech_outbox_published_total",
			Help: "Total number of outbox records published",
		}),
		Failed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "regtech_outbox_publish_failures_total",
			Help: "Total number of failed publish attempts",
		}),
		DeadLettered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "regtech_outbox_dead_lettered_total",
			Help: "Total number of outbox records moved to dead letter",
		}),
		Pending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "regtech_outbox_pending",
			Help: "Outbox records awaiting publication at last poll",
		}),
		DeadLetter: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "regtech_outbox_dead_letter",
			Help: "Outbox records in dead letter at last poll",
		}),
		BatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "regtech_outbox_batch_duration_seconds",
			Help:    "Duration of one claim-publish-commit pass",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) incAppended(n int) {
	if m == nil {
		return
	}
	m.Appended.Add(float64(n))
}

func (m *Metrics) incSuppressed(n int) {
	if m == nil {
		return
	}
	m.Suppressed.Add(float64(n))
}

func (m *Metrics) observeResult(res Result, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Published.Add(float64(res.Published))
	m.Failed.Add(float64(res.Failed))
	m.DeadLettered.Add(float64(res.DeadLettered))
	m.BatchDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) setStats(stats Stats) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(stats.Pending))
	m.DeadLetter.Set(float64(stats.DeadLetter))
}
