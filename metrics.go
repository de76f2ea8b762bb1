package appservice

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Delivery metrics, labelled by application service ID. Registered on the
// default registry so they surface through the embedding server's existing
// /metrics handler.
var (
	queuedPayloads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "appservice_queued_payloads",
			Help: "Payloads buffered for a service, not yet part of a sent transaction.",
		},
		[]string{"service", "kind"},
	)
	transactionsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appservice_transactions_sent_total",
			Help: "Transaction push attempts by outcome.",
		},
		[]string{"service", "outcome"},
	)
	transactionSendSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "appservice_transaction_send_seconds",
			Help:    "Wall time of transaction push attempts.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)
	backoffSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "appservice_backoff_seconds",
			Help: "Current retry delay for a service, zero while the service is healthy.",
		},
		[]string{"service"},
	)
	workerStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "appservice_worker_state",
			Help: "Delivery loop state per service: 0 idle, 1 sending, 2 backing off.",
		},
		[]string{"service"},
	)
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"

	kindEvent     = "event"
	kindEphemeral = "ephemeral"
	kindToDevice  = "to_device"
)

func init() {
	prometheus.MustRegister(
		queuedPayloads,
		transactionsSent,
		transactionSendSeconds,
		backoffSeconds,
		workerStates,
	)
}
