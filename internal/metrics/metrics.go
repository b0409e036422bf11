// Package metrics defines the Prometheus instrumentation for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agenthub_lmtp_sessions_total",
			Help: "Total number of LMTP sessions accepted",
		},
	)

	EnvelopesQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agenthub_envelopes_queued_total",
			Help: "Total number of envelopes persisted to the queue",
		},
	)

	ProcessingErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agenthub_processing_errors_total",
			Help: "Total number of message transactions answered with 451",
		},
	)

	EnvelopesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_worker_envelopes_processed_total",
			Help: "Total number of envelopes handled by the queue worker",
		},
		[]string{"intent"},
	)

	RepliesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agenthub_replies_sent_total",
			Help: "Total number of reply envelopes handed to the sender",
		},
		[]string{"backend", "status"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agenthub_queue_depth",
			Help: "Number of envelope files currently waiting in the queue directory",
		},
	)
)
