package watchdog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	timersFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bacula_watchdog_timers_fired_total",
			Help: "Watchdog timer callbacks executed, by timer kind",
		},
		[]string{"kind"},
	)

	callbackPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bacula_watchdog_callback_panics_total",
			Help: "Watchdog timer callbacks that panicked",
		},
	)

	activeTimers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bacula_watchdog_active_timers",
			Help: "Timers currently in the active queue",
		},
	)
)

func kindLabel(oneShot bool) string {
	if oneShot {
		return "one_shot"
	}
	return "recurring"
}
