// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_submitted_total",
		Help: "Total number of jobs submitted, by job type",
	}, []string{"job_type"})
	JobsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_consumed_total",
		Help: "Total number of jobs picked up by a dispatcher worker",
	})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of jobs that reached the done state, by job type",
	}, []string{"job_type"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of jobs that reached the error state, by job type",
	}, []string{"job_type"})
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_retried_total",
		Help: "Total number of job retries",
	})
	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_cancelled_total",
		Help: "Total number of jobs cancelled before completion",
	})
	JobsDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_dead_letter_total",
		Help: "Total number of jobs moved to the dead letter queue",
	})
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of job processing durations, by job type",
		Buckets: prometheus.DefBuckets,
	}, []string{"job_type"})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Current length of Redis queues",
	}, []string{"queue"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, by provider",
	}, []string{"provider"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a provider's circuit breaker transitioned to Open",
	}, []string{"provider"})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_recovered_total",
		Help: "Total number of jobs recovered by the reaper from processing lists",
	})
	OrphanDebitsReconciled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orphan_debits_reconciled_total",
		Help: "Total number of ledger debits refunded by the startup reconciliation sweep",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active dispatcher worker goroutines",
	})
	CreditsDebited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credits_debited_total",
		Help: "Total credits debited from accounts",
	})
	CreditsRefunded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credits_refunded_total",
		Help: "Total credits refunded to accounts after job failure",
	})
)

func init() {
	prometheus.MustRegister(
		JobsSubmitted, JobsConsumed, JobsCompleted, JobsFailed, JobsRetried, JobsCancelled,
		JobsDeadLetter, JobProcessingDuration, QueueLength, CircuitBreakerState, CircuitBreakerTrips,
		ReaperRecovered, OrphanDebitsReconciled, WorkerActive, CreditsDebited, CreditsRefunded,
	)
}
