package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
	dropped *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the registry tracking ledger events delivered to
// subscribers.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bucketchain",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of committed ledger events by module.",
			}, []string{"module"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bucketchain",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Events not delivered to a slow subscriber.",
			}, []string{"subscriber"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.dropped)
	})
	return eventRegistry
}

// RecordEmitted counts an event under the module prefix of its type.
func (m *eventMetrics) RecordEmitted(eventType string) {
	if m == nil {
		return
	}
	module, _, _ := strings.Cut(strings.TrimSpace(eventType), ".")
	if module == "" {
		module = "unknown"
	}
	m.emitted.WithLabelValues(module).Inc()
}

func (m *eventMetrics) RecordDropped(subscriber string) {
	if m == nil {
		return
	}
	if subscriber == "" {
		subscriber = "unknown"
	}
	m.dropped.WithLabelValues(subscriber).Inc()
}
