package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the oracle's Prometheus collectors.
type Metrics struct {
	eventsObserved   prometheus.Counter
	updatesConfirmed prometheus.Counter
	updatesFailed    prometheus.Counter
	eventsSkipped    prometheus.Counter
	heartbeats       prometheus.Counter
	errors           prometheus.Counter
	cursor           prometheus.Gauge
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			eventsObserved: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "order_oracle_events_observed_total",
				Help: "Total number of OrderAccepted events observed",
			}),
			updatesConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "order_oracle_updates_confirmed_total",
				Help: "Total number of update transactions confirmed",
			}),
			updatesFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "order_oracle_updates_failed_total",
				Help: "Total number of update transactions that failed or reverted",
			}),
			eventsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "order_oracle_events_skipped_total",
				Help: "Total number of events skipped because their payload was malformed",
			}),
			heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "order_oracle_heartbeats_total",
				Help: "Total number of liveness heartbeats emitted",
			}),
			errors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "order_oracle_errors_total",
				Help: "Total number of errors encountered",
			}),
			cursor: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "order_oracle_cursor_block",
				Help: "Last fully processed block",
			}),
		}
		prometheus.MustRegister(
			metrics.eventsObserved,
			metrics.updatesConfirmed,
			metrics.updatesFailed,
			metrics.eventsSkipped,
			metrics.heartbeats,
			metrics.errors,
			metrics.cursor,
		)
	})
	return metrics
}

// EventsObserved adds n to the observed events counter.
func (m *Metrics) EventsObserved(n int) {
	if m != nil {
		m.eventsObserved.Add(float64(n))
	}
}

// UpdateConfirmed increments the confirmed updates counter.
func (m *Metrics) UpdateConfirmed() {
	if m != nil {
		m.updatesConfirmed.Inc()
	}
}

// UpdateFailed increments the failed updates counter.
func (m *Metrics) UpdateFailed() {
	if m != nil {
		m.updatesFailed.Inc()
	}
}

// EventSkipped increments the skipped events counter.
func (m *Metrics) EventSkipped() {
	if m != nil {
		m.eventsSkipped.Inc()
	}
}

// Heartbeat increments the heartbeat counter.
func (m *Metrics) Heartbeat() {
	if m != nil {
		m.heartbeats.Inc()
	}
}

// Errors increments the errors counter.
func (m *Metrics) Errors() {
	if m != nil {
		m.errors.Inc()
	}
}

// Cursor records the last processed block.
func (m *Metrics) Cursor(height uint64) {
	if m != nil {
		m.cursor.Set(float64(height))
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
