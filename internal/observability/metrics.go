package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "care_sync", Name: "calls_total", Help: "Correlated calls by event and outcome"},
		[]string{"event", "outcome"},
	)
	CallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "care_sync",
			Name:      "call_latency_seconds",
			Help:      "Time from emit to resolution of a correlated call",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	Connected       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "care_sync", Name: "transport_connected", Help: "1 while the session socket is open"})
	Reconnects      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "care_sync", Name: "transport_reconnects_total", Help: "Successful dials after the first"})
	DialFailures    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "care_sync", Name: "transport_dial_failures_total", Help: "Failed dial attempts"})
	EventsReceived  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "care_sync", Name: "events_received_total", Help: "Inbound events by name"}, []string{"event"})
	HandlerPanics   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "care_sync", Name: "handler_panics_total", Help: "Recovered panics in event handlers"})
	InvalidPayloads = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "care_sync", Name: "invalid_payloads_total", Help: "Inbound payloads rejected at the boundary"}, []string{"event"})

	MergesTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "care_sync", Name: "store_merges_total", Help: "Records merged into the reconciliation store"}, []string{"source"})
	Conflicts       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "care_sync", Name: "store_conflicts_corrected_total", Help: "Status reports overridden by timeline evidence"})
	PersistErrors   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "care_sync", Name: "store_persist_errors_total", Help: "Failed writes to the persistence backend"})
	EntriesExpired  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "care_sync", Name: "store_entries_expired_total", Help: "Entries dropped by the expiry sweep"})
	LocationEmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "care_sync", Name: "location_samples_emitted_total", Help: "Provider samples sent"})
	LocationDropped = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "care_sync", Name: "location_samples_dropped_total", Help: "Samples not sent or not applied"}, []string{"reason"})

	RelayClients = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "care_sync", Name: "relay_clients", Help: "Sockets attached to the relay"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "care_sync", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "care_sync",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
