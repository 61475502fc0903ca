// Package withdrawal implements C8: the layered withdrawal gate (spec
// §4.8) and the auto-approval eligibility query.
package withdrawal

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/plexfi/financial-core/internal/chain"
	"github.com/plexfi/financial-core/internal/config"
	"github.com/plexfi/financial-core/internal/core"
	"github.com/plexfi/financial-core/internal/metrics"
	"github.com/plexfi/financial-core/internal/money"
	"github.com/plexfi/financial-core/internal/settings"
	"github.com/plexfi/financial-core/internal/store"
)

// autoApprovalMultiplier is the "x5 lifetime payout cap" of spec §4.8.
var autoApprovalMultiplier = money.MustNew("5")

// Validator implements the nine ordered checks of spec §4.8 plus the
// separate auto-approval eligibility query.
type Validator struct {
	store   store.Store
	gateway *chain.Gateway
	settings *settings.Source
	cfg     *config.Config
}

// New constructs a Validator.
func New(st store.Store, gw *chain.Gateway, src *settings.Source, cfg *config.Config) *Validator {
	return &Validator{store: st, gateway: gw, settings: src, cfg: cfg}
}

// Request is the withdrawal validation entry's argument set.
type Request struct {
	UserID           uint64
	Amount           money.Amount
	AvailableBalance money.Amount
}

// Validate implements the ordered gate of spec §4.8: checks run in order,
// the first failure terminates with its specific error code.
func (v *Validator) Validate(ctx context.Context, req Request) (err error) {
	defer func() {
		code := "ok"
		if ce, ok := err.(*core.Error); ok {
			code = ce.Code
		} else if err != nil {
			code = "internal_error"
		}
		metrics.WithdrawalValidationOutcomes.WithLabelValues(code).Inc()
	}()

	snap := v.settings.Get(ctx)

	// 1. Emergency stop (config or settings).
	if v.cfg.EmergencyStopWithdrawals || snap.EmergencyStopWithdrawals {
		return core.Validation(core.CodeEmergencyStop, "withdrawals are currently suspended")
	}

	// 2. amount >= min_withdrawal_amount.
	minWithdrawal, err := money.New(v.cfg.MinWithdrawalAmount)
	if err != nil {
		return core.Wrap(core.KindInternal, "", "invalid MIN_WITHDRAWAL_AMOUNT config", err)
	}
	if req.Amount.LessThan(minWithdrawal) {
		return core.Validation(core.CodeMinAmount, "amount is below the minimum withdrawal")
	}

	u, err := v.store.GetUser(ctx, req.UserID)
	if err != nil {
		return err
	}

	// 3. not banned, not withdrawal_blocked.
	if u.IsBanned || u.WithdrawalBlocked {
		return core.Validation(core.CodeUserBanned, "account is restricted from withdrawals")
	}

	// 4. finpass recovery not in progress.
	if u.FinpassLockedUntil != nil && time.Now().Before(*u.FinpassLockedUntil) {
		return core.Validation(core.CodeFinpassRecovery, "financial password recovery is in progress")
	}

	// 5. fraud-detection clean.
	if u.Suspicious {
		return core.Validation(core.CodeFraudDetection, "account is flagged for review")
	}

	// 6. available_balance >= amount.
	if req.AvailableBalance.LessThan(req.Amount) {
		return core.Validation(core.CodeInsufficientBalance, "insufficient available balance")
	}

	// 7. No PLEX debt: no unpaid required days for any active deposit,
	// counted from max(project_start_at, deposit.created_at).
	hasDebt, err := v.hasPlexDebt(ctx, req.UserID, snap.ProjectStartAt)
	if err != nil {
		return err
	}
	if hasDebt {
		return core.Validation(core.CodePlexPaymentRequired, "an active deposit has an overdue PLEX payment")
	}

	// 8. On-chain PLEX balance >= minimum.
	minPlex, err := money.New(v.cfg.MinimumPlexBalance)
	if err != nil {
		return core.Wrap(core.KindInternal, "", "invalid MINIMUM_PLEX_BALANCE config", err)
	}
	plexBal, err := v.gateway.GetPLEXBalance(ctx, common.HexToAddress(u.WalletAddress))
	if err != nil {
		return err
	}
	if plexBal.LessThan(minPlex) {
		return core.Validation(core.CodeInsufficientPlexWallet, "PLEX wallet balance is below the required minimum")
	}

	// 9. Daily platform limit (if enabled).
	if snap.IsDailyLimitEnabled && snap.HasDailyWithdrawalLimit {
		todayTotal, err := v.todayWithdrawalTotal(ctx)
		if err != nil {
			return err
		}
		if todayTotal.Add(req.Amount).Cmp(snap.DailyWithdrawalLimit) > 0 {
			return core.Validation(core.CodeDailyLimit, "daily platform withdrawal limit reached")
		}
	}

	return nil
}

// hasPlexDebt reports whether any of the user's active (confirmed,
// non-blocked) deposits has a requirement past its next_payment_due
// counted from max(project_start_at, deposit.created_at).
func (v *Validator) hasPlexDebt(ctx context.Context, userID uint64, projectStartAt time.Time) (bool, error) {
	deposits, err := v.store.ListDepositsByUser(ctx, userID)
	if err != nil {
		return false, core.Wrap(core.KindInternal, "", "list deposits for plex debt check", err)
	}
	now := time.Now()
	for _, d := range deposits {
		if d.Status != store.DepositConfirmed {
			continue
		}
		anchor := d.CreatedAt
		if projectStartAt.After(anchor) {
			anchor = projectStartAt
		}
		if now.Before(anchor) {
			continue
		}
		req, err := v.store.GetPlexRequirementByDeposit(ctx, d.ID)
		if err != nil {
			continue
		}
		if req.Status == store.PlexBlocked || req.Status == store.PlexWarning {
			return true, nil
		}
		if now.After(req.NextPaymentDue) && req.Status != store.PlexPaid {
			return true, nil
		}
	}
	return false, nil
}

// todayWithdrawalTotal sums confirmed withdrawal transactions created
// since midnight UTC, as a platform-wide aggregate (spec §4.8 check 9).
func (v *Validator) todayWithdrawalTotal(ctx context.Context) (money.Amount, error) {
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	sum, err := v.store.SumTransactionAmount(ctx, store.TxWithdrawal, store.TxStatusConfirmed, midnight)
	if err != nil {
		return money.Zero, core.Wrap(core.KindInternal, "", "sum today's withdrawal transactions", err)
	}
	total, err := money.New(sum)
	if err != nil {
		return money.Zero, core.Wrap(core.KindInternal, "", "invalid withdrawal total", err)
	}
	return total, nil
}

// AutoApprovalEligibility is the result of the separate eligibility query
// of spec §4.8 (used after Validate succeeds).
type AutoApprovalEligibility struct {
	Eligible bool
	Reason   string // set when not eligible, for manual-review routing
}

// CheckAutoApproval implements the auto-approval eligibility query: failing
// any of its checks falls back to manual review, never to rejection — the
// caller must not treat a false Eligible as a validation failure.
func (v *Validator) CheckAutoApproval(ctx context.Context, req Request) (AutoApprovalEligibility, error) {
	snap := v.settings.Get(ctx)
	if !snap.AutoWithdrawalEnabled {
		return AutoApprovalEligibility{Eligible: false, Reason: "auto withdrawal disabled"}, nil
	}

	u, err := v.store.GetUser(ctx, req.UserID)
	if err != nil {
		return AutoApprovalEligibility{}, err
	}

	totalDeposited, err := money.New(u.TotalDepositedUSDT)
	if err != nil {
		totalDeposited = money.Zero
	}
	totalWithdrawn, err := money.New(u.TotalWithdrawnUSDT)
	if err != nil {
		totalWithdrawn = money.Zero
	}
	lifetimeCap := totalDeposited.Mul(autoApprovalMultiplier)
	if totalWithdrawn.Add(req.Amount).Cmp(lifetimeCap) > 0 {
		return AutoApprovalEligibility{Eligible: false, Reason: "x5 lifetime payout cap exceeded"}, nil
	}

	if snap.IsDailyLimitEnabled && snap.HasDailyWithdrawalLimit {
		todayTotal, err := v.todayWithdrawalTotal(ctx)
		if err != nil {
			return AutoApprovalEligibility{}, err
		}
		if todayTotal.Add(req.Amount).Cmp(snap.DailyWithdrawalLimit) > 0 {
			return AutoApprovalEligibility{Eligible: false, Reason: "daily withdrawal limit would be exceeded"}, nil
		}
	}

	return AutoApprovalEligibility{Eligible: true}, nil
}
