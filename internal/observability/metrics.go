package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Client side.
	ConnectionState   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_realtime", Name: "connection_up", Help: "1 while the duplex connection is open"})
	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_realtime", Name: "reconnect_attempts_total", Help: "Reconnect attempts scheduled after unintentional closes"})
	ReconnectExhaust  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_realtime", Name: "reconnect_exhausted_total", Help: "Times the reconnect budget ran out"})
	OutboundQueued    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_realtime", Name: "outbound_queue_depth", Help: "Envelopes waiting for a connection"})
	EnvelopesSent     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_realtime", Name: "envelopes_sent_total", Help: "Envelopes written to the transport"},
		[]string{"type"},
	)
	EnvelopesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_realtime", Name: "envelopes_dispatched_total", Help: "Inbound envelopes routed to handlers"},
		[]string{"type"},
	)
	EnvelopesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_realtime", Name: "envelopes_dropped_total", Help: "Inbound envelopes with no handler or unknown type"},
		[]string{"reason"},
	)
	HandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_realtime", Name: "handler_failures_total", Help: "Handler errors and recovered panics"},
		[]string{"type", "kind"},
	)
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_realtime", Name: "ride_transitions_total", Help: "Applied ride session transitions"},
		[]string{"to"},
	)

	// Relay side.
	RelayConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "ride_relay", Name: "connections", Help: "Open client connections"},
		[]string{"role"},
	)
	AcceptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_relay", Name: "accept_claims_total", Help: "Accept race claims by outcome"},
		[]string{"outcome"},
	)
	RidesRequested = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_relay", Name: "rides_requested_total", Help: "Ride and courier requests received"},
		[]string{"kind"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_relay", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_relay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
