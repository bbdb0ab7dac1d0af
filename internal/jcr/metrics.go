package jcr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bacula_jobs_registered",
			Help: "Jobs currently linked in the registry",
		},
	)

	jobsDestroyed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bacula_jobs_destroyed_total",
			Help: "Jobs destroyed after their last release, by final status",
		},
		[]string{"status"},
	)

	invariantViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bacula_job_invariant_violations_total",
			Help: "Release calls that found the use count already at zero",
		},
	)
)
