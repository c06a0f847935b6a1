package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for in-process event dispatch.
type Metrics struct {
	Delivered       *prometheus.CounterVec
	HandlerFailures *prometheus.CounterVec
	Unrouted        prometheus.Counter
}

// NewMetrics registers the bus metrics. Call once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		Delivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "regtech_eventbus_deliveries_total",
			Help: "Total number of successful handler deliveries by event type",
		}, []string{"event_type"}),
		HandlerFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "regtech_eventbus_handler_failures_total",
			Help: "Total number of failed handler deliveries by event type and handler",
		}, []string{"event_type", "handler"}),
		Unrouted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "regtech_eventbus_unrouted_total",
			Help: "Total number of events published with no subscribed handler",
		}),
	}
}

func (m *Metrics) incDelivered(eventType string) {
	if m == nil {
		return
	}
	m.Delivered.WithLabelValues(eventType).Inc()
}

func (m *Metrics) incHandlerFailure(eventType, handler string) {
	if m == nil {
		return
	}
	m.HandlerFailures.WithLabelValues(eventType, handler).Inc()
}

func (m *Metrics) incUnrouted() {
	if m == nil {
		return
	}
	m.Unrouted.Inc()
}
