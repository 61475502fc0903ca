// Package plex implements C6: the PLEX daily-payment requirement state
// machine, deadline management, the monitoring sweep, and the wallet
// minimum check (spec §4.6).
package plex

import (
	"context"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/plexfi/financial-core/internal/chain"
	"github.com/plexfi/financial-core/internal/config"
	"github.com/plexfi/financial-core/internal/core"
	"github.com/plexfi/financial-core/internal/lock"
	"github.com/plexfi/financial-core/internal/logger"
	"github.com/plexfi/financial-core/internal/metrics"
	"github.com/plexfi/financial-core/internal/money"
	"github.com/plexfi/financial-core/internal/notify"
	"github.com/plexfi/financial-core/internal/settings"
	"github.com/plexfi/financial-core/internal/store"
)

// Deadline offsets from spec §4.6.1: 24h to pay, 1h grace before warning,
// 49h total before block (anchored at created_at+24h, +25h, +49h).
const (
	payWindow    = 24 * time.Hour
	warningGrace = 1 * time.Hour
	blockWindow  = 25 * time.Hour
)

// monitoringLockKey and monitoringLockTTL implement the sweep's exclusion
// guard (spec §4.6.3).
const (
	monitoringLockKey = "plex_monitoring"
	monitoringLockTTL = 300 * time.Second
)

// sweepBatchSize bounds how many rows a single sweep step processes, so
// one tick cannot run unbounded.
const sweepBatchSize = 500

// verifyLookbackBlocks is the lookback window used for verify_plex_payment
// during the sweep's verification loop.
const verifyLookbackBlocks = 50_000

// Engine implements the PLEX requirement lifecycle.
type Engine struct {
	store    store.Store
	gateway  *chain.Gateway
	locker   lock.Locker
	settings *settings.Source
	sink     notify.Sink
	cfg      *config.Config
	log      *logger.Logger
}

// New constructs a plex Engine.
func New(st store.Store, gw *chain.Gateway, locker lock.Locker, src *settings.Source, sink notify.Sink, cfg *config.Config) *Engine {
	return &Engine{
		store: st, gateway: gw, locker: locker, settings: src,
		sink: notify.Safe{Inner: sink}, cfg: cfg, log: logger.New("plex"),
	}
}

// deadlines computes (next_payment_due, warning_due, block_due) anchored at
// t, i.e. t+24h, t+25h, t+49h (spec §4.6.1).
func deadlines(t time.Time) (next, warning, block time.Time) {
	return t.Add(payWindow), t.Add(payWindow + warningGrace), t.Add(payWindow + blockWindow)
}

// reanchoredDeadlines computes deadlines anchored at project start plus the
// same (24h, 25h, 49h) offsets used at creation.
func reanchoredDeadlines(projectStart time.Time) (next, warning, block time.Time) {
	return deadlines(projectStart)
}

// reanchorIfStale implements spec §4.6.1's re-anchoring rule: if the stored
// next_payment_due predates project_start_at, deadlines are reset to
// project_start_at + (24h, 25h, 49h) and historical warnings cleared once.
func (e *Engine) reanchorIfStale(req *store.PlexPaymentRequirement, projectStartAt time.Time) bool {
	if req.NextPaymentDue.After(projectStartAt) || req.NextPaymentDue.Equal(projectStartAt) {
		return false
	}
	req.NextPaymentDue, req.WarningDue, req.BlockDue = reanchoredDeadlines(projectStartAt)
	req.WarningSentAt = nil
	req.WarningCount = 0
	return true
}

// MarkPaid implements the active -> paid transition of spec §4.6.2: on a
// confirmed matching PLEX transfer, advance deadlines by 24h, increment
// days_paid, accumulate total_paid_plex, and activate work on first
// payment.
func (e *Engine) MarkPaid(ctx context.Context, requirementID uint64, paidAmount money.Amount, txHash string) error {
	now := time.Now()
	return e.store.Transaction(ctx, func(tx store.Store) error {
		req, err := tx.GetPlexRequirementForUpdate(ctx, requirementID)
		if err != nil {
			return err
		}

		req.Status = store.PlexPaid
		req.NextPaymentDue = req.NextPaymentDue.Add(24 * time.Hour)
		req.WarningDue = req.WarningDue.Add(24 * time.Hour)
		req.BlockDue = req.BlockDue.Add(24 * time.Hour)
		req.DaysPaid++
		req.LastPaymentAt = &now
		req.LastPaymentTxHash = &txHash
		req.WarningSentAt = nil
		req.WarningCount = 0

		total, err := money.New(req.TotalPaidPlex)
		if err != nil {
			total = money.Zero
		}
		req.TotalPaidPlex = total.Add(paidAmount).String()

		if !req.IsWorkActive {
			req.IsWorkActive = true
			req.FirstPaymentAt = &now
		}

		if err := tx.SavePlexRequirement(ctx, req); err != nil {
			return core.Wrap(core.KindInternal, "", "save plex requirement after payment", err)
		}
		metrics.PlexTransitions.WithLabelValues(string(store.PlexPaid)).Inc()
		return tx.CreateTransaction(ctx, &store.Transaction{
			UserID: req.UserID, Type: store.TxPlexPayment, Amount: paidAmount.String(), Status: store.TxStatusConfirmed, TxHash: &txHash,
		})
	})
}

// advanceCycleIfDue implements the paid -> active transition (spec §4.6.2):
// once now >= next_payment_due, the next cycle begins.
func (e *Engine) advanceCycleIfDue(req *store.PlexPaymentRequirement, now time.Time) bool {
	if req.Status == store.PlexPaid && !now.Before(req.NextPaymentDue) {
		req.Status = store.PlexActive
		metrics.PlexTransitions.WithLabelValues(string(store.PlexActive)).Inc()
		return true
	}
	return false
}

// ResetBlocked implements blocked -> active via explicit admin reset (spec
// §4.6.2): advances deadlines to now + (24h, 25h, 49h).
func (e *Engine) ResetBlocked(ctx context.Context, requirementID uint64) error {
	return e.store.Transaction(ctx, func(tx store.Store) error {
		req, err := tx.GetPlexRequirementForUpdate(ctx, requirementID)
		if err != nil {
			return err
		}
		if req.Status != store.PlexBlocked {
			return core.New(core.KindConflict, "", "requirement is not blocked")
		}
		now := time.Now()
		req.Status = store.PlexActive
		req.NextPaymentDue, req.WarningDue, req.BlockDue = deadlines(now)
		req.WarningSentAt = nil
		req.WarningCount = 0
		if err := tx.SavePlexRequirement(ctx, req); err != nil {
			return core.Wrap(core.KindInternal, "", "save reset plex requirement", err)
		}
		dep, err := tx.GetDepositForUpdate(ctx, req.DepositID)
		if err == nil && dep.Status == store.DepositBlockedPlex {
			dep.Status = store.DepositConfirmed
			_ = tx.SaveDeposit(ctx, dep)
		}
		return nil
	})
}

// IsWalletSufficient implements the wallet-minimum check of spec §4.6.4.
func (e *Engine) IsWalletSufficient(ctx context.Context, wallet common.Address) (bool, money.Amount, error) {
	minimum, err := money.New(e.cfg.MinimumPlexBalance)
	if err != nil {
		return false, money.Zero, core.Wrap(core.KindInternal, "", "invalid MINIMUM_PLEX_BALANCE config", err)
	}
	bal, err := e.gateway.GetPLEXBalance(ctx, wallet)
	if err != nil {
		return false, money.Zero, err
	}
	return bal.GreaterThanOrEqual(minimum), bal, nil
}

// AvailablePlex implements "available for payments" = max(0, total - minimum_reserve).
func AvailablePlex(total, minimum money.Amount) money.Amount {
	if total.LessThan(minimum) {
		return money.Zero
	}
	return total.Sub(minimum)
}

// SweepResult summarizes one monitoring sweep for logging/metrics.
type SweepResult struct {
	ActivationReminders int
	WarningsSent        int
	Blocked             int
	PaymentsVerified    int
}

// RunSweep implements spec §4.6.3's monitoring sweep: must be called at
// most once concurrently process-wide, enforced via the plex_monitoring
// lock.
func (e *Engine) RunSweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	err := lock.WithLock(ctx, e.locker, lock.Options{
		Key: monitoringLockKey, Timeout: monitoringLockTTL, Blocking: false,
	}, func(ctx context.Context) error {
		var err error
		result, err = e.sweepLocked(ctx)
		return err
	})
	return result, err
}

func (e *Engine) sweepLocked(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := time.Now()
	snap := e.settings.Get(ctx)

	// Paid requirements whose next cycle has begun return to active first,
	// so the warning, block and verification steps below see them as active.
	cycleDue, err := e.store.ListPlexRequirementsDue(ctx, "next_payment_due", now, sweepBatchSize)
	if err != nil {
		return result, core.Wrap(core.KindInternal, "", "list cycle-due plex requirements", err)
	}
	for _, req := range cycleDue {
		if e.advanceCycleIfDue(req, now) {
			_ = e.store.SavePlexRequirement(ctx, req)
		}
	}

	// Step 2: activation reminders for not-yet-active requirements.
	inactive, err := e.store.ListInactivePlexRequirements(ctx, sweepBatchSize)
	if err != nil {
		return result, core.Wrap(core.KindInternal, "", "list inactive plex requirements", err)
	}
	for _, req := range inactive {
		e.notifyActivationReminder(ctx, req)
		result.ActivationReminders++
	}

	// Step 3: warning batch.
	warningDue, err := e.store.ListPlexRequirementsDue(ctx, "warning_due", now, sweepBatchSize)
	if err != nil {
		return result, core.Wrap(core.KindInternal, "", "list warning-due plex requirements", err)
	}
	for _, req := range warningDue {
		if req.Status != store.PlexActive || req.WarningSentAt != nil {
			continue
		}
		if err := e.markWarningSent(ctx, req.ID); err != nil {
			e.log.Sugar().Warnw("mark_warning_sent failed", "requirement_id", req.ID, "error", err)
			continue
		}
		e.notifyWarning(ctx, req)
		result.WarningsSent++
	}

	// Step 4: block batch.
	blockDue, err := e.store.ListPlexRequirementsDue(ctx, "block_due", now, sweepBatchSize)
	if err != nil {
		return result, core.Wrap(core.KindInternal, "", "list block-due plex requirements", err)
	}
	for _, req := range blockDue {
		if req.Status == store.PlexBlocked {
			continue
		}
		if err := e.blockRequirement(ctx, req.ID); err != nil {
			e.log.Sugar().Warnw("block plex requirement failed", "requirement_id", req.ID, "error", err)
			continue
		}
		result.Blocked++
	}

	// Step 5: verification loop over active requirements.
	active, err := e.store.ListActivePlexRequirements(ctx, sweepBatchSize)
	if err != nil {
		return result, core.Wrap(core.KindInternal, "", "list active plex requirements", err)
	}
	for _, req := range active {
		if e.reanchorIfStale(req, snap.ProjectStartAt) {
			_ = e.store.SavePlexRequirement(ctx, req)
		}
		if e.advanceCycleIfDue(req, now) {
			_ = e.store.SavePlexRequirement(ctx, req)
		}
		if e.verifyAndMarkPaid(ctx, req) {
			result.PaymentsVerified++
		}
	}

	return result, nil
}

func (e *Engine) verifyAndMarkPaid(ctx context.Context, req *store.PlexPaymentRequirement) bool {
	u, err := e.store.GetUser(ctx, req.UserID)
	if err != nil {
		return false
	}
	daily, err := money.New(req.DailyPlexRequired)
	if err != nil {
		return false
	}
	match, err := e.gateway.VerifyPlexPayment(ctx, common.HexToAddress(u.WalletAddress), daily, verifyLookbackBlocks)
	if err != nil {
		e.log.Sugar().Warnw("verify_plex_payment failed", "requirement_id", req.ID, "error", err)
		return false
	}
	if match == nil {
		return false
	}
	if req.LastPaymentTxHash != nil && *req.LastPaymentTxHash == match.TxHash {
		return false // already credited this transfer
	}
	if err := e.MarkPaid(ctx, req.ID, match.Amount, match.TxHash); err != nil {
		e.log.Sugar().Warnw("mark_paid failed", "requirement_id", req.ID, "error", err)
		return false
	}
	_ = e.sink.NotifyUser(ctx, u.ExternalID, "PLEX daily payment received, thank you", false)
	return true
}

func (e *Engine) markWarningSent(ctx context.Context, requirementID uint64) error {
	return e.store.Transaction(ctx, func(tx store.Store) error {
		req, err := tx.GetPlexRequirementForUpdate(ctx, requirementID)
		if err != nil {
			return err
		}
		now := time.Now()
		req.Status = store.PlexWarning
		req.WarningSentAt = &now
		req.WarningCount++
		metrics.PlexTransitions.WithLabelValues(string(store.PlexWarning)).Inc()
		return tx.SavePlexRequirement(ctx, req)
	})
}

func (e *Engine) blockRequirement(ctx context.Context, requirementID uint64) error {
	return e.store.Transaction(ctx, func(tx store.Store) error {
		req, err := tx.GetPlexRequirementForUpdate(ctx, requirementID)
		if err != nil {
			return err
		}
		req.Status = store.PlexBlocked
		if err := tx.SavePlexRequirement(ctx, req); err != nil {
			return core.Wrap(core.KindInternal, "", "save blocked plex requirement", err)
		}
		metrics.PlexTransitions.WithLabelValues(string(store.PlexBlocked)).Inc()
		dep, err := tx.GetDepositForUpdate(ctx, req.DepositID)
		if err != nil {
			return err
		}
		dep.Status = store.DepositBlockedPlex
		if err := tx.SaveDeposit(ctx, dep); err != nil {
			return core.Wrap(core.KindInternal, "", "block deposit", err)
		}
		u, err := tx.GetUser(ctx, req.UserID)
		if err == nil {
			e.notifyUserBlocked(ctx, u)
		}
		return nil
	})
}

func (e *Engine) notifyActivationReminder(ctx context.Context, req *store.PlexPaymentRequirement) {
	u, err := e.store.GetUser(ctx, req.UserID)
	if err != nil {
		return
	}
	_ = e.sink.NotifyUser(ctx, u.ExternalID, "reminder: send your daily PLEX payment to activate earnings on deposit #"+strconv.FormatUint(req.DepositID, 10), false)
}

func (e *Engine) notifyWarning(ctx context.Context, req *store.PlexPaymentRequirement) {
	u, err := e.store.GetUser(ctx, req.UserID)
	if err != nil {
		return
	}
	_ = e.sink.NotifyUser(ctx, u.ExternalID, "your PLEX payment is overdue, pay now to avoid being blocked", true)
}

func (e *Engine) notifyUserBlocked(ctx context.Context, u *store.User) {
	_ = e.sink.NotifyUser(ctx, u.ExternalID, "your deposit has been blocked for missed PLEX payment", true)
}

// Backfill implements the PLEX requirement backfill supplemented from
// scripts/init_plex_requirements.py: creates missing PlexPaymentRequirement
// rows for confirmed deposits that predate the PLEX engine, anchoring
// deadlines to project_start_at (spec §4.6.1).
func (e *Engine) Backfill(ctx context.Context, userID uint64) (int, error) {
	snap := e.settings.Get(ctx)
	deposits, err := e.store.ListDepositsByUser(ctx, userID)
	if err != nil {
		return 0, core.Wrap(core.KindInternal, "", "list deposits for backfill", err)
	}

	created := 0
	for _, d := range deposits {
		if d.Status != store.DepositConfirmed {
			continue
		}
		if _, err := e.store.GetPlexRequirementByDeposit(ctx, d.ID); err == nil {
			continue // already has a requirement
		}
		amount, err := money.New(d.Amount)
		if err != nil {
			continue
		}
		daily := amount.Mul(plexDailyMultiplier)
		next, warning, block := reanchoredDeadlines(snap.ProjectStartAt)
		req := &store.PlexPaymentRequirement{
			DepositID: d.ID, UserID: d.UserID, DailyPlexRequired: daily.String(),
			NextPaymentDue: next, WarningDue: warning, BlockDue: block,
			Status: store.PlexActive,
		}
		if err := e.store.CreatePlexRequirement(ctx, req); err != nil {
			e.log.Sugar().Warnw("backfill create requirement failed", "deposit_id", d.ID, "error", err)
			continue
		}
		created++
	}
	return created, nil
}

var plexDailyMultiplier = money.MustNew("10")
