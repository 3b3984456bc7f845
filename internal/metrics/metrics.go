// Package metrics declares the Prometheus collectors shared across the bot.
// Collectors register on the default registry; the admin HTTP server exposes
// them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "imeibot"

var (
	// LookupsTotal counts provider lookups by business outcome or failure
	// kind (found, not_found, timeout, rate_limited, auth_failure,
	// unreachable, malformed_response).
	LookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lookups_total",
		Help:      "Provider lookups by outcome.",
	}, []string{"outcome"})

	// LookupDuration observes end-to-end provider lookup latency.
	LookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lookup_duration_seconds",
		Help:      "Provider lookup latency.",
		Buckets:   prometheus.DefBuckets,
	})

	// DebitsTotal counts successful balance debits.
	DebitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "debits_total",
		Help:      "Successful balance debits.",
	})

	// RefundsTotal counts compensating refunds after failed lookups.
	RefundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refunds_total",
		Help:      "Refunds issued after failed lookups.",
	})

	// CommandsTotal counts handled bot commands by name.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Handled bot commands.",
	}, []string{"command"})

	// PingsTotal counts keep-alive pings by result.
	PingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "keepalive_pings_total",
		Help:      "Keep-alive pings by result.",
	}, []string{"result"})

	// BroadcastsTotal counts broadcast messages by delivery result.
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_messages_total",
		Help:      "Broadcast deliveries by result.",
	}, []string{"result"})
)
