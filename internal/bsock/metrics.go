package bsock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bacula_socket_sent_bytes_total",
			Help: "Bytes written to session sockets, including framing",
		},
	)

	bytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bacula_socket_received_bytes_total",
			Help: "Bytes read from session sockets, including framing",
		},
	)

	deadlineTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bacula_socket_deadline_timeouts_total",
			Help: "Socket operations interrupted by the watchdog",
		},
	)
)
