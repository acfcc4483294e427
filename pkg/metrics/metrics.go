// Package metrics defines the prometheus collectors of the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fieldgate"

// Metrics bundles the collectors shared by the engine and the sink.
type Metrics struct {
	BuildInfo *prometheus.GaugeVec

	ReadingsRead   *prometheus.CounterVec
	ReadErrors     *prometheus.CounterVec
	BatchesFlushed prometheus.Counter
	FlushErrors    prometheus.Counter
	FlushDuration  prometheus.Histogram
	DroppedRecords prometheus.Counter

	SessionsStarted prometheus.Counter
	SessionsStopped *prometheus.CounterVec
}

// New registers the gateway collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		BuildInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		}, []string{"version", "commit", "date"}),

		ReadingsRead: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_read_total",
			Help:      "Readings produced by device workers",
		}, []string{"task", "device"}),
		ReadErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_errors_total",
			Help:      "Failed read cycles per device",
		}, []string{"task", "device"}),
		BatchesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_flushed_total",
			Help:      "Batches written to the sink",
		}),
		FlushErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_errors_total",
			Help:      "Failed sink writes",
		}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Sink write latency",
			Buckets:   prometheus.DefBuckets,
		}),
		DroppedRecords: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_records_total",
			Help:      "Readings dropped on batch buffer overflow",
		}),

		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Acquisition sessions started",
		}),
		SessionsStopped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_stopped_total",
			Help:      "Acquisition sessions stopped, by terminal status",
		}, []string{"status"}),
	}
}
