package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bacula_sessions_active",
			Help: "Accepted connections currently open, including those still authenticating",
		},
	)

	consoleCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bacula_console_commands_total",
			Help: "Console commands received, by verb",
		},
		[]string{"verb"},
	)

	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bacula_jobs_finished_total",
			Help: "Jobs run through RunJob, by final status",
		},
		[]string{"status"},
	)

	jobSlotsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bacula_job_slots_in_use",
			Help: "Concurrent job slots held by running jobs",
		},
	)
)
