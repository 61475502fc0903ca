// Package deposit implements C5: deposit creation, monitor-driven
// confirmation, ROI accrual, consolidation, and audit (spec §4.5).
package deposit

import (
	"context"
	"fmt"
	"time"

	"github.com/plexfi/financial-core/internal/chain"
	"github.com/plexfi/financial-core/internal/config"
	"github.com/plexfi/financial-core/internal/core"
	"github.com/plexfi/financial-core/internal/lock"
	"github.com/plexfi/financial-core/internal/logger"
	"github.com/plexfi/financial-core/internal/metrics"
	"github.com/plexfi/financial-core/internal/money"
	"github.com/plexfi/financial-core/internal/notify"
	"github.com/plexfi/financial-core/internal/referral"
	"github.com/plexfi/financial-core/internal/settings"
	"github.com/plexfi/financial-core/internal/store"
)

// createDepositLockTimeout and createDepositLockLease implement the "5s
// wait, 30s lease" guard named in spec §4.5.1.
const (
	createDepositLockTimeout = 5 * time.Second
	createDepositLockLease   = 30 * time.Second
)

// plexDailyMultiplier is the "daily = amount × 10" factor from spec §4.5.2.
var plexDailyMultiplier = money.MustNew("10")

// Engine implements deposit creation, confirmation, and ROI accrual.
type Engine struct {
	store    store.Store
	gateway  *chain.Gateway
	locker   lock.Locker
	settings *settings.Source
	referral *referral.Engine
	sink     notify.Sink
	cfg      *config.Config
	log      *logger.Logger
}

// New constructs a deposit Engine.
func New(st store.Store, gw *chain.Gateway, locker lock.Locker, src *settings.Source, ref *referral.Engine, sink notify.Sink, cfg *config.Config) *Engine {
	return &Engine{
		store: st, gateway: gw, locker: locker, settings: src, referral: ref,
		sink: notify.Safe{Inner: sink}, cfg: cfg, log: logger.New("deposit"),
	}
}

// CreateDepositInput is the create_deposit entry's argument set.
type CreateDepositInput struct {
	UserID uint64
	Level  int
	Amount money.Amount
	TxHash string // optional, may be empty
}

// CreateDeposit implements spec §4.5.1: six ordered validation checks
// under the per-user create_deposit lock, then a pending deposit row.
func (e *Engine) CreateDeposit(ctx context.Context, in CreateDepositInput) (*store.Deposit, error) {
	l, err := e.locker.Acquire(ctx, lock.Options{
		Key:     fmt.Sprintf("user:%d:create_deposit", in.UserID),
		Timeout: createDepositLockLease,
		Blocking: true, BlockingTimeout: createDepositLockTimeout,
	})
	if err != nil {
		return nil, core.Wrap(core.KindLockUnavail, "", "create_deposit lock unavailable", err)
	}
	defer l.Release(ctx)

	snap := e.settings.Get(ctx)

	// 1. Emergency-stop flag (config or settings row).
	if e.cfg.EmergencyStopDeposits || snap.EmergencyStopDeposits {
		return nil, core.Validation(core.CodeEmergencyStop, "deposits are currently suspended")
	}
	// 2. 1 <= level <= 5.
	if in.Level < 1 || in.Level > 5 {
		return nil, core.Validation(core.CodeInvalidLevel, "level must be between 1 and 5")
	}
	// 3. amount > 0.
	if !in.Amount.IsPositive() {
		return nil, core.Validation(core.CodeInvalidAmount, "amount must be positive")
	}
	// 4. amount >= MIN_DEPOSIT (dust protection).
	minDeposit, err := money.New(e.cfg.MinimumDeposit)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "", "invalid MINIMUM_DEPOSIT_AMOUNT config", err)
	}
	if in.Amount.LessThan(minDeposit) {
		return nil, core.Validation(core.CodeBelowMinimum, "amount is below the minimum deposit")
	}
	// 5. Level version exists and is_active.
	lv, err := e.store.GetDepositLevelVersion(ctx, in.Level)
	if err != nil {
		return nil, core.Validation(core.CodeLevelUnavailable, "no active level version for this level")
	}
	// 6. amount >= level_version.amount.
	levelAmount, err := money.New(lv.Amount)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "", "invalid level version amount", err)
	}
	if in.Amount.LessThan(levelAmount) {
		return nil, core.Validation(core.CodeAmountTooLow, "amount is below this level's minimum")
	}

	roiCapPercent, err := money.New(lv.ROICapPercent)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "", "invalid level version roi_cap_percent", err)
	}

	status := store.DepositPending
	if e.cfg.BlockchainMaintenanceMode {
		status = store.DepositPendingNetworkRecovery
	}

	d := &store.Deposit{
		UserID:           in.UserID,
		Level:            in.Level,
		Amount:           in.Amount.String(),
		DepositType:      "usdt",
		DepositVersionID: lv.ID,
		Status:           status,
		ROICapAmount:     in.Amount.MulPercent(roiCapPercent).String(),
	}
	if in.TxHash != "" {
		d.TxHash = &in.TxHash
	}

	if err := e.store.CreateDeposit(ctx, d); err != nil {
		return nil, core.Wrap(core.KindInternal, "", "create deposit row", err)
	}
	return d, nil
}

// ConfirmDeposit implements spec §4.5.2, called by the deposit monitor
// once a matching on-chain transfer has reached confirmation depth.
func (e *Engine) ConfirmDeposit(ctx context.Context, depositID uint64, blockNumber uint64) error {
	now := time.Now()
	period := time.Duration(e.cfg.RewardAccrualPeriodHours) * time.Hour
	if period <= 0 {
		period = 6 * time.Hour
	}

	var confirmed *store.Deposit
	err := e.store.Transaction(ctx, func(tx store.Store) error {
		d, err := tx.GetDepositForUpdate(ctx, depositID)
		if err != nil {
			return err
		}
		d.Status = store.DepositConfirmed
		d.BlockNumber = &blockNumber
		d.ConfirmedAt = &now
		next := now.Add(period)
		d.NextAccrualAt = &next
		if err := tx.SaveDeposit(ctx, d); err != nil {
			return core.Wrap(core.KindInternal, "", "save confirmed deposit", err)
		}

		amount, err := money.New(d.Amount)
		if err != nil {
			return core.Wrap(core.KindInternal, "", "invalid deposit amount", err)
		}
		daily := amount.Mul(plexDailyMultiplier)
		req := &store.PlexPaymentRequirement{
			DepositID:         d.ID,
			UserID:            d.UserID,
			DailyPlexRequired: daily.String(),
			NextPaymentDue:    now.Add(24 * time.Hour),
			WarningDue:        now.Add(25 * time.Hour),
			BlockDue:          now.Add(49 * time.Hour),
			Status:            store.PlexActive,
		}
		if err := tx.CreatePlexRequirement(ctx, req); err != nil {
			return core.Wrap(core.KindInternal, "", "create plex requirement", err)
		}
		confirmed = d
		return nil
	})
	if err != nil {
		return err
	}

	// Referral reward processing must not fail the confirmation (spec §4.5.2).
	if e.referral != nil {
		amount, convErr := money.New(confirmed.Amount)
		if convErr == nil {
			fanErr := e.referral.FanOut(ctx, referral.SourceEvent{
				SourceUserID: confirmed.UserID,
				Amount:       amount,
				Type:         store.SourceDeposit,
				EventID:      fmt.Sprintf("deposit:%d", confirmed.ID),
			})
			if fanErr != nil {
				e.log.Sugar().Warnw("referral fan-out failed on deposit confirmation", "deposit_id", confirmed.ID, "error", fanErr)
			}
		}
	}

	if u, err := e.store.GetUser(ctx, confirmed.UserID); err == nil {
		_ = e.sink.NotifyUser(ctx, u.ExternalID, fmt.Sprintf("deposit #%d confirmed", confirmed.ID), false)
	}
	return nil
}

// AccrualPolicy computes the raw accrual amount for a deposit before cap
// clipping (spec §4.5.3: "policy: external; specification treats it as an
// input"). PercentOfAmountPolicy is the default implementation, with its
// rate looked up from GlobalSettings.roi_settings, keyed by deposit level.
type AccrualPolicy interface {
	Accrual(ctx context.Context, d *store.Deposit) (money.Amount, error)
}

// PercentOfAmountPolicy computes accrual = deposit.amount * rate / 100,
// where rate is looked up by level from GlobalSettings.roi_settings.
type PercentOfAmountPolicy struct {
	store store.Store
}

// NewPercentOfAmountPolicy constructs the default accrual policy.
func NewPercentOfAmountPolicy(st store.Store) *PercentOfAmountPolicy {
	return &PercentOfAmountPolicy{store: st}
}

func (p *PercentOfAmountPolicy) Accrual(ctx context.Context, d *store.Deposit) (money.Amount, error) {
	g, err := p.store.GetGlobalSettings(ctx)
	if err != nil {
		return money.Zero, err
	}
	rates := store.UnmarshalStringMap(g.ROISettingsJSON)
	rateStr, ok := rates[fmt.Sprintf("level_%d", d.Level)]
	if !ok {
		rateStr = "0"
	}
	rate, err := money.New(rateStr)
	if err != nil {
		return money.Zero, core.Wrap(core.KindInternal, "", "invalid roi rate setting", err)
	}
	amount, err := money.New(d.Amount)
	if err != nil {
		return money.Zero, core.Wrap(core.KindInternal, "", "invalid deposit amount", err)
	}
	return amount.MulPercent(rate), nil
}

// AccruePending implements spec §4.5.3 over every deposit due for accrual.
// Each deposit is locked for the duration of its own update (SELECT...FOR
// UPDATE); accruals across different deposits proceed independently.
func (e *Engine) AccruePending(ctx context.Context, policy AccrualPolicy, limit int) (int, error) {
	now := time.Now()
	due, err := e.store.ListAccrualDueDeposits(ctx, now, limit)
	if err != nil {
		return 0, core.Wrap(core.KindInternal, "", "list accrual-due deposits", err)
	}

	period := time.Duration(e.cfg.RewardAccrualPeriodHours) * time.Hour
	if period <= 0 {
		period = 6 * time.Hour
	}

	processed := 0
	for _, d := range due {
		if err := e.accrueOne(ctx, d.ID, policy, period, now); err != nil {
			e.log.Sugar().Warnw("roi accrual failed", "deposit_id", d.ID, "error", err)
			continue
		}
		metrics.ROIAccrualsProcessed.Inc()
		processed++
	}
	return processed, nil
}

func (e *Engine) accrueOne(ctx context.Context, depositID uint64, policy AccrualPolicy, period time.Duration, now time.Time) error {
	var creditedDelta money.Amount
	var sourceUserID uint64
	var depositRowID uint64

	err := e.store.Transaction(ctx, func(tx store.Store) error {
		d, err := tx.GetDepositForUpdate(ctx, depositID)
		if err != nil {
			return err
		}
		if d.Status != store.DepositConfirmed || d.IsROICompleted {
			return nil
		}

		accrual, err := policy.Accrual(ctx, d)
		if err != nil {
			return err
		}

		paid, err := money.New(d.ROIPaidAmount)
		if err != nil {
			return core.Wrap(core.KindInternal, "", "invalid roi_paid_amount", err)
		}
		cap, err := money.New(d.ROICapAmount)
		if err != nil {
			return core.Wrap(core.KindInternal, "", "invalid roi_cap_amount", err)
		}

		newPaid := money.Min(paid.Add(accrual), cap)
		delta := newPaid.Sub(paid)

		d.ROIPaidAmount = newPaid.String()
		if newPaid.Equal(cap) {
			d.IsROICompleted = true
			d.CompletedAt = &now
		} else {
			next := now.Add(period)
			d.NextAccrualAt = &next
		}
		if err := tx.SaveDeposit(ctx, d); err != nil {
			return core.Wrap(core.KindInternal, "", "save accrued deposit", err)
		}

		if err := tx.CreateTransaction(ctx, &store.Transaction{
			UserID: d.UserID, Type: store.TxROI, Amount: delta.String(), Status: store.TxStatusConfirmed,
		}); err != nil {
			return core.Wrap(core.KindInternal, "", "create roi transaction", err)
		}

		creditedDelta = delta
		sourceUserID = d.UserID
		depositRowID = d.ID
		return nil
	})
	if err != nil {
		return err
	}

	if creditedDelta.IsPositive() {
		u, err := e.store.GetUserForUpdate(ctx, sourceUserID)
		if err == nil {
			bal, _ := money.New(u.Balance)
			u.Balance = bal.Add(creditedDelta).String()
			_ = e.store.SaveUser(ctx, u)
		}

		if e.referral != nil {
			if ferr := e.referral.FanOut(ctx, referral.SourceEvent{
				SourceUserID: sourceUserID,
				Amount:       creditedDelta,
				Type:         store.SourceROI,
				EventID:      fmt.Sprintf("roi:%d:%s", depositRowID, now.Format(time.RFC3339)),
			}); ferr != nil {
				e.log.Sugar().Warnw("referral fan-out failed on roi accrual", "deposit_id", depositRowID, "error", ferr)
			}
		}
	}
	return nil
}

// Consolidate implements the one-shot consolidation routine supplemented
// from scripts/consolidate_existing_deposits.py: it sets IsConsolidated and
// ConsolidatedAt on each of a user's confirmed, unconsolidated deposits, then
// sets User.DepositsConsolidated so a second call is a no-op. It creates no
// merged deposit row, leaves each deposit's Status unchanged, and does not
// record the merged tx hashes in ConsolidatedTxHashesJSON.
func (e *Engine) Consolidate(ctx context.Context, userID uint64) error {
	u, err := e.store.GetUserForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	if u.DepositsConsolidated {
		return nil // already run for this user, idempotent no-op
	}

	deposits, err := e.store.ListDepositsByUser(ctx, userID)
	if err != nil {
		return core.Wrap(core.KindInternal, "", "list deposits for consolidation", err)
	}

	var hashes []string
	now := time.Now()
	for _, d := range deposits {
		if d.Status != store.DepositConfirmed || d.IsConsolidated {
			continue
		}
		d.IsConsolidated = true
		d.ConsolidatedAt = &now
		if d.TxHash != nil {
			hashes = append(hashes, *d.TxHash)
		}
		if err := e.store.SaveDeposit(ctx, d); err != nil {
			return core.Wrap(core.KindInternal, "", "save consolidated deposit", err)
		}
	}

	u.DepositsConsolidated = true
	if err := e.store.SaveUser(ctx, u); err != nil {
		return core.Wrap(core.KindInternal, "", "mark user consolidated", err)
	}
	e.log.Sugar().Infow("deposit consolidation complete", "user_id", userID, "tx_count", len(hashes))
	return nil
}

// AuditViolation is one testable-property failure found by Audit.
type AuditViolation struct {
	DepositID uint64
	Rule      string
	Detail    string
}

// Audit implements the read-only diagnostic supplemented from
// scripts/audit_deposits.py: over one user's deposits it reports unparseable
// ROI amounts, a negative or over-cap roi_paid_amount, is_roi_completed
// without roi_paid_amount equal to the cap, and consolidated status without
// IsConsolidated, without mutating anything. It does not check completed_at.
func (e *Engine) Audit(ctx context.Context, userID uint64) ([]AuditViolation, error) {
	deposits, err := e.store.ListDepositsByUser(ctx, userID)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "", "list deposits for audit", err)
	}

	var violations []AuditViolation
	for _, d := range deposits {
		paid, err1 := money.New(d.ROIPaidAmount)
		cap, err2 := money.New(d.ROICapAmount)
		if err1 != nil || err2 != nil {
			violations = append(violations, AuditViolation{DepositID: d.ID, Rule: "parseable_amounts", Detail: "unparseable roi amount"})
			continue
		}
		if paid.IsNegative() {
			violations = append(violations, AuditViolation{DepositID: d.ID, Rule: "roi_paid_nonnegative", Detail: "roi_paid_amount < 0"})
		}
		if paid.Cmp(cap) > 0 {
			violations = append(violations, AuditViolation{DepositID: d.ID, Rule: "roi_cap_invariant", Detail: "roi_paid_amount > roi_cap_amount"})
		}
		if d.IsROICompleted && !paid.Equal(cap) {
			violations = append(violations, AuditViolation{DepositID: d.ID, Rule: "completion_consistency", Detail: "is_roi_completed but roi_paid_amount != roi_cap_amount"})
		}
		if d.Status == store.DepositConsolidated && !d.IsConsolidated {
			violations = append(violations, AuditViolation{DepositID: d.ID, Rule: "consolidation_consistency", Detail: "status consolidated but is_consolidated false"})
		}
	}
	return violations, nil
}
