// Package metrics exposes the Prometheus collectors for the sync sink.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_sink_records_consumed_total",
		Help: "Records accepted and uploaded per stream",
	}, []string{"namespace", "stream"})

	StateForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_sink_state_messages_forwarded_total",
		Help: "State messages forwarded to the output collector",
	})

	UnexpectedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_sink_unexpected_messages_total",
		Help: "Messages of an unrecognized type, logged and discarded",
	})

	TargetCloseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_sink_target_close_errors_total",
		Help: "Errors raised while closing per-stream upload targets",
	})

	FinalizationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_sink_finalization_duration_seconds",
		Help:    "Duration of the close and finalization sequence",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	})

	RecordsFinalized = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_sink_records_finalized",
		Help: "Total records handed to the last type-and-dedupe invocation",
	})
)
