// Package scheduler implements C9: periodic jobs, each guarded by its own
// named lock with at-most-one-active-run semantics and idempotent side
// effects (spec §4.9).
package scheduler

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/plexfi/financial-core/internal/chain"
	"github.com/plexfi/financial-core/internal/config"
	"github.com/plexfi/financial-core/internal/core"
	"github.com/plexfi/financial-core/internal/deposit"
	"github.com/plexfi/financial-core/internal/logger"
	"github.com/plexfi/financial-core/internal/lock"
	"github.com/plexfi/financial-core/internal/metrics"
	"github.com/plexfi/financial-core/internal/money"
	"github.com/plexfi/financial-core/internal/notify"
	"github.com/plexfi/financial-core/internal/plex"
	"github.com/plexfi/financial-core/internal/store"
)

// Lock keys and lease TTLs for the periodic jobs (spec §4.9).
const (
	depositMonitorLockKey = "deposit_monitoring"
	depositMonitorLockTTL = 300 * time.Second

	reconcileLockKey = "financial_reconciliation"
	reconcileLockTTL = 300 * time.Second

	accrualLockKey = "roi_accrual"
	accrualLockTTL = 300 * time.Second

	depositScanTolerance = "0.01" // 1% amount-match tolerance, spec §4.4.2
	depositBatchSize     = 200
	depositFailAfter     = 24 * time.Hour
	accrualBatchSize     = 500
)

// DepositMonitor implements the deposit monitor job of spec §4.9.
type DepositMonitor struct {
	store   store.Store
	gateway *chain.Gateway
	locker  lock.Locker
	deposit *deposit.Engine
	sink    notify.Sink
	cfg     *config.Config
	log     *logger.Logger
}

// NewDepositMonitor constructs a DepositMonitor.
func NewDepositMonitor(st store.Store, gw *chain.Gateway, locker lock.Locker, dep *deposit.Engine, sink notify.Sink, cfg *config.Config) *DepositMonitor {
	return &DepositMonitor{
		store: st, gateway: gw, locker: locker, deposit: dep,
		sink: notify.Safe{Inner: sink}, cfg: cfg, log: logger.New("scheduler.deposit_monitor"),
	}
}

// Run executes one tick of the deposit monitor under its named lock. A
// contended lock is not an error: it means another instance is already
// running this tick (spec §4.9: "missed ticks do not queue").
func (m *DepositMonitor) Run(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.SchedulerJobDuration.WithLabelValues("deposit_monitor").Observe(time.Since(start).Seconds())
	}()
	err := lock.WithLock(ctx, m.locker, lock.Options{
		Key: depositMonitorLockKey, Timeout: depositMonitorLockTTL, Blocking: false,
	}, m.runLocked)
	if core.IsKind(err, core.KindLockUnavail) {
		return nil
	}
	return err
}

func (m *DepositMonitor) runLocked(ctx context.Context) error {
	if err := m.processNetworkRecovery(ctx); err != nil {
		m.log.Sugar().Warnw("process pending_network_recovery failed", "error", err)
	}
	if err := m.processStalePending(ctx); err != nil {
		m.log.Sugar().Warnw("process stale pending deposits failed", "error", err)
	}
	if err := m.processPendingWithTx(ctx); err != nil {
		m.log.Sugar().Warnw("process pending-with-tx deposits failed", "error", err)
	}
	return nil
}

// processNetworkRecovery implements spec §4.9 step 2: if the chain is out
// of maintenance, search history for a match; otherwise convert back to
// plain pending once maintenance is confirmed over.
func (m *DepositMonitor) processNetworkRecovery(ctx context.Context) error {
	if m.cfg.BlockchainMaintenanceMode {
		return nil // still in maintenance, nothing to recover yet
	}
	deposits, err := m.store.ListDepositsByStatus(ctx, store.DepositPendingNetworkRecovery, time.Time{}, depositBatchSize)
	if err != nil {
		return core.Wrap(core.KindInternal, "", "list pending_network_recovery deposits", err)
	}
	for _, d := range deposits {
		found, err := m.searchAndConfirm(ctx, d)
		if err != nil {
			m.log.Sugar().Warnw("network-recovery search failed", "deposit_id", d.ID, "error", err)
			continue
		}
		if !found {
			d.Status = store.DepositPending
			_ = m.store.SaveDeposit(ctx, d)
		}
	}
	return nil
}

// processStalePending implements spec §4.9 step 3: deposits pending more
// than 24h with no tx_hash are given one last history search, then marked
// failed if still unmatched.
func (m *DepositMonitor) processStalePending(ctx context.Context) error {
	cutoff := time.Now().Add(-depositFailAfter)
	deposits, err := m.store.ListDepositsByStatus(ctx, store.DepositPending, cutoff, depositBatchSize)
	if err != nil {
		return core.Wrap(core.KindInternal, "", "list stale pending deposits", err)
	}
	for _, d := range deposits {
		if d.TxHash != nil {
			continue
		}
		found, err := m.searchAndConfirm(ctx, d)
		if err != nil {
			m.log.Sugar().Warnw("stale-pending search failed", "deposit_id", d.ID, "error", err)
			continue
		}
		if found {
			continue
		}
		d.Status = store.DepositFailed
		if err := m.store.SaveDeposit(ctx, d); err != nil {
			m.log.Sugar().Warnw("mark deposit failed failed", "deposit_id", d.ID, "error", err)
			continue
		}
		if u, err := m.store.GetUser(ctx, d.UserID); err == nil {
			_ = m.sink.NotifyUser(ctx, u.ExternalID, "your deposit could not be confirmed in time and has been marked as failed", true)
		}
	}
	return nil
}

// processPendingWithTx implements spec §4.9 step 4: deposits already
// carrying a tx_hash are confirmed once they reach confirmation depth.
func (m *DepositMonitor) processPendingWithTx(ctx context.Context) error {
	deposits, err := m.store.ListDepositsByStatus(ctx, store.DepositPending, time.Time{}, depositBatchSize)
	if err != nil {
		return core.Wrap(core.KindInternal, "", "list pending deposits with tx", err)
	}
	for _, d := range deposits {
		if d.TxHash == nil {
			continue
		}
		blockNumber, confirmations, found, err := m.gateway.TransactionConfirmations(ctx, *d.TxHash)
		if err != nil {
			m.log.Sugar().Warnw("confirmation query failed", "deposit_id", d.ID, "error", err)
			continue
		}
		if !found || confirmations < m.cfg.ConfirmationBlocks {
			continue
		}
		if err := m.deposit.ConfirmDeposit(ctx, d.ID, blockNumber); err != nil {
			m.log.Sugar().Warnw("confirm_deposit failed", "deposit_id", d.ID, "error", err)
		}
	}
	return nil
}

// searchAndConfirm runs the chain history search for d's user/amount and
// confirms the deposit on a match. Returns found=false (no error) if no
// matching transfer exists in the scan window.
func (m *DepositMonitor) searchAndConfirm(ctx context.Context, d *store.Deposit) (bool, error) {
	u, err := m.store.GetUser(ctx, d.UserID)
	if err != nil {
		return false, err
	}
	amount, err := money.New(d.Amount)
	if err != nil {
		return false, core.Wrap(core.KindInternal, "", "invalid deposit amount", err)
	}
	tolerance, err := money.New(depositScanTolerance)
	if err != nil {
		return false, core.Wrap(core.KindInternal, "", "invalid deposit scan tolerance", err)
	}
	match, err := m.gateway.SearchForDeposit(ctx, common.HexToAddress(u.WalletAddress), amount, 0, 0, true, tolerance)
	if err != nil {
		return false, err
	}
	if match == nil {
		return false, nil
	}

	if match.Confirmations < m.cfg.ConfirmationBlocks {
		d.TxHash = &match.TxHash
		bn := match.BlockNumber
		d.BlockNumber = &bn
		_ = m.store.SaveDeposit(ctx, d)
		return true, nil
	}

	if err := m.deposit.ConfirmDeposit(ctx, d.ID, match.BlockNumber); err != nil {
		return false, err
	}
	return true, nil
}

// PlexMonitor implements the PLEX monitor job of spec §4.9, delegating the
// actual sweep logic to the plex engine (spec §4.6.3).
type PlexMonitor struct {
	plex *plex.Engine
	log  *logger.Logger
}

// NewPlexMonitor constructs a PlexMonitor.
func NewPlexMonitor(p *plex.Engine) *PlexMonitor {
	return &PlexMonitor{plex: p, log: logger.New("scheduler.plex_monitor")}
}

// Run executes one PLEX monitoring sweep.
func (m *PlexMonitor) Run(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.SchedulerJobDuration.WithLabelValues("plex_monitor").Observe(time.Since(start).Seconds())
	}()
	result, err := m.plex.RunSweep(ctx)
	if core.IsKind(err, core.KindLockUnavail) {
		return nil
	}
	if err != nil {
		return err
	}
	m.log.Sugar().Infow("plex sweep complete",
		"activation_reminders", result.ActivationReminders,
		"warnings_sent", result.WarningsSent,
		"blocked", result.Blocked,
		"payments_verified", result.PaymentsVerified)
	return nil
}

// AccrualJob drives the deposit engine's ROI accrual sweep (spec §4.5.3)
// under its own named lock, the time-driven leg of "Scheduler → Deposit
// Engine ... with side-effects into Store" alongside the deposit/PLEX
// monitors.
type AccrualJob struct {
	store   store.Store
	locker  lock.Locker
	deposit *deposit.Engine
	policy  deposit.AccrualPolicy
	log     *logger.Logger
}

// NewAccrualJob constructs an AccrualJob using the default
// percent-of-amount accrual policy.
func NewAccrualJob(st store.Store, locker lock.Locker, dep *deposit.Engine) *AccrualJob {
	return &AccrualJob{
		store: st, locker: locker, deposit: dep,
		policy: deposit.NewPercentOfAmountPolicy(st), log: logger.New("scheduler.accrual"),
	}
}

// Run executes one ROI accrual sweep under its named lock. A contended
// lock is not an error (spec §4.9: "missed ticks do not queue").
func (j *AccrualJob) Run(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.SchedulerJobDuration.WithLabelValues("roi_accrual").Observe(time.Since(start).Seconds())
	}()
	err := lock.WithLock(ctx, j.locker, lock.Options{
		Key: accrualLockKey, Timeout: accrualLockTTL, Blocking: false,
	}, j.runLocked)
	if core.IsKind(err, core.KindLockUnavail) {
		return nil
	}
	return err
}

func (j *AccrualJob) runLocked(ctx context.Context) error {
	processed, err := j.deposit.AccruePending(ctx, j.policy, accrualBatchSize)
	if err != nil {
		return err
	}
	j.log.Sugar().Infow("roi accrual sweep complete", "processed", processed)
	return nil
}

// reconcileMismatchThreshold is the tolerated drift (spec FULL supplement)
// between the store's aggregate confirmed-deposit ledger and the system
// wallet's on-chain USDT balance before an admin notification fires.
var reconcileMismatchThreshold = money.MustNew("1")

// ReconcileJob implements the admin financial reconciliation sweep
// supplemented from app/services/admin_event_monitor.py /
// app/services/monitoring/financial.go: compares the store's aggregate
// confirmed-deposit total against the system wallet's on-chain USDT
// balance and alerts admins on a mismatch beyond threshold.
type ReconcileJob struct {
	store        store.Store
	gateway      *chain.Gateway
	locker       lock.Locker
	systemWallet common.Address
	sink         notify.Sink
	log          *logger.Logger
}

// NewReconcileJob constructs a ReconcileJob.
func NewReconcileJob(st store.Store, gw *chain.Gateway, locker lock.Locker, systemWallet common.Address, sink notify.Sink) *ReconcileJob {
	return &ReconcileJob{
		store: st, gateway: gw, locker: locker, systemWallet: systemWallet,
		sink: notify.Safe{Inner: sink}, log: logger.New("scheduler.reconcile"),
	}
}

// Run executes one reconciliation pass under its named lock.
func (j *ReconcileJob) Run(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.SchedulerJobDuration.WithLabelValues("reconcile").Observe(time.Since(start).Seconds())
	}()
	err := lock.WithLock(ctx, j.locker, lock.Options{
		Key: reconcileLockKey, Timeout: reconcileLockTTL, Blocking: false,
	}, j.runLocked)
	if core.IsKind(err, core.KindLockUnavail) {
		return nil
	}
	return err
}

func (j *ReconcileJob) runLocked(ctx context.Context) error {
	ledgerTotal, err := j.confirmedDepositTotal(ctx)
	if err != nil {
		return err
	}
	onChain, err := j.gateway.GetUSDTBalance(ctx, j.systemWallet)
	if err != nil {
		return err
	}

	diff := ledgerTotal.Sub(onChain)
	if diff.IsNegative() {
		diff = onChain.Sub(ledgerTotal)
	}
	if diff.Cmp(reconcileMismatchThreshold) <= 0 {
		return nil
	}

	j.log.Sugar().Warnw("ledger/on-chain mismatch detected", "ledger_total", ledgerTotal.String(), "on_chain", onChain.String())
	_ = j.sink.NotifyAdmins(ctx, "reconciliation", notify.PriorityCritical,
		"deposit ledger mismatch",
		"ledger_total="+ledgerTotal.String()+" on_chain="+onChain.String())
	return nil
}

func (j *ReconcileJob) confirmedDepositTotal(ctx context.Context) (money.Amount, error) {
	deposits, err := j.store.ListDepositsByStatus(ctx, store.DepositConfirmed, time.Time{}, 0)
	if err != nil {
		return money.Zero, core.Wrap(core.KindInternal, "", "list confirmed deposits for reconciliation", err)
	}
	total := money.Zero
	for _, d := range deposits {
		amount, err := money.New(d.Amount)
		if err != nil {
			continue
		}
		total = total.Add(amount)
	}
	return total, nil
}
