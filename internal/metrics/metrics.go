// Package metrics defines the process's Prometheus collectors, registered
// once at package init and incremented from the engines that own each
// event, mirroring the teacher's work/worker.go metrics.NewRegisteredCounter
// idiom but built directly on github.com/prometheus/client_golang rather
// than go-ethereum's metrics registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPCFailovers counts Pool.Execute failing over from the active
	// provider to a backup (spec §4.1).
	RPCFailovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "financial_core_rpc_failovers_total",
		Help: "Number of times the RPC provider pool failed over to a backup endpoint.",
	})

	// LockWaits and LockTimeouts track contention on named locks (spec §4.3).
	LockWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "financial_core_lock_waits_total",
		Help: "Number of lock acquisitions that found the lock already held.",
	}, []string{"key_prefix"})

	LockTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "financial_core_lock_timeouts_total",
		Help: "Number of lock acquisitions that gave up after the blocking timeout.",
	}, []string{"key_prefix"})

	// ROIAccrualsProcessed counts successful per-deposit ROI accrual runs
	// (spec §4.5.3).
	ROIAccrualsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "financial_core_roi_accruals_processed_total",
		Help: "Number of deposits credited with an ROI accrual.",
	})

	// PlexTransitions counts PLEX payment requirement status transitions,
	// labeled by the destination status (spec §4.6).
	PlexTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "financial_core_plex_transitions_total",
		Help: "PLEX payment requirement status transitions, by destination status.",
	}, []string{"status"})

	// ReferralEarningsCreated counts reward fan-out credits (spec §4.7.3).
	ReferralEarningsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "financial_core_referral_earnings_created_total",
		Help: "Referral earnings created by FanOut, by source event type.",
	}, []string{"source_type"})

	// WithdrawalValidationOutcomes counts Validate results, labeled by
	// outcome code ("ok" on success, the failing check's core.Code
	// otherwise) (spec §4.8).
	WithdrawalValidationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "financial_core_withdrawal_validation_outcomes_total",
		Help: "Withdrawal validation outcomes, by result code.",
	}, []string{"code"})

	// SchedulerJobDuration times each scheduler job run, labeled by job name
	// (spec §4.9).
	SchedulerJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "financial_core_scheduler_job_duration_seconds",
		Help: "Scheduler job run duration in seconds, by job name.",
	}, []string{"job"})
)
