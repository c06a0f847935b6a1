package metrics

import (
	"regtech/pkg/platform/eventbus"
	"regtech/pkg/platform/inbox"
	"regtech/pkg/platform/outbox"
)

// Metrics groups the Prometheus metrics of every messaging component.
type Metrics struct {
	Bus    *eventbus.Metrics
	Outbox *outbox.Metrics
	Inbox  *inbox.Metrics
}

// New creates and registers all Prometheus metrics. Call once per process.
func New() *Metrics {
	return &Metrics{
		Bus:    eventbus.NewMetrics(),
		Outbox: outbox.NewMetrics(),
		Inbox:  inbox.NewMetrics(),
	}
}
