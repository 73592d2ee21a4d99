// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Messaging metrics
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_sent_total",
			Help: "Messages accepted through the send path",
		},
	)

	PayloadUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_payload_units_total",
			Help: "Batch units processed by the reconciler",
		},
		[]string{"kind"}, // "messages", "statuses", "unrecognized"
	)

	PayloadRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_payload_records_total",
			Help: "Batch records processed by the reconciler",
		},
		[]string{"result"}, // "inserted", "duplicate", "updated", "unmatched", "failed"
	)

	// Realtime metrics
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_ws_connections",
			Help: "Live websocket connections",
		},
	)

	Subscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_ws_subscriptions",
			Help: "Live connection/conversation subscriptions",
		},
	)

	PushesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_push_total",
			Help: "Push events handed to subscribed connections",
		},
		[]string{"result"}, // "queued", "dropped"
	)
)
