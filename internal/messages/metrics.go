package messages

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bacula_messages_dispatched_total",
			Help: "Messages dispatched, by type",
		},
		[]string{"type"},
	)

	dispatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bacula_message_dispatch_failures_total",
			Help: "Deliveries that failed, by destination kind",
		},
		[]string{"kind"},
	)

	mailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bacula_mail_commands_total",
			Help: "Mail and operator commands run, by outcome",
		},
		[]string{"outcome"},
	)
)
