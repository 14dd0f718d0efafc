package transmitter

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Enqueued     *prometheus.CounterVec
	Sent         prometheus.Counter
	Dropped      *prometheus.CounterVec
	SendFailures prometheus.Counter
	QueueDepth   prometheus.Gauge
}

// NewMetrics registers the transmitter collectors with reg. Collectors that
// are already registered are reused, so several clients can share one
// registry. A nil reg leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Enqueued: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inspectlink_records_enqueued_total",
				Help: "Number of log records enqueued for the inspector",
			},
			[]string{"kind"},
		)),
		Sent: register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "inspectlink_records_sent_total",
				Help: "Number of log records delivered to the inspector",
			},
		)),
		Dropped: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inspectlink_records_dropped_total",
				Help: "Number of log records discarded before delivery",
			},
			[]string{"reason"},
		)),
		SendFailures: register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "inspectlink_send_failures_total",
				Help: "Number of failed record sends",
			},
		)),
		QueueDepth: register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "inspectlink_queue_depth",
				Help: "Number of records waiting in the current session queue",
			},
		)),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}

	return c
}
