package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	handshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bacula_auth_handshakes_total",
			Help: "Completed authentication handshakes, by role and outcome",
		},
		[]string{"role", "outcome"},
	)

	handshakeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bacula_auth_handshake_duration_seconds",
			Help:    "Authentication handshake duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"role"},
	)

	throttledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bacula_auth_throttled_total",
			Help: "Connections refused because the host failed too often",
		},
	)
)
