// Package referral implements C7: a fixed-depth-3 referral chain walk,
// reward fan-out to up to three ancestors, and idempotent crediting
// (spec §4.7).
package referral

import (
	"context"
	"fmt"

	"github.com/plexfi/financial-core/internal/core"
	"github.com/plexfi/financial-core/internal/logger"
	"github.com/plexfi/financial-core/internal/metrics"
	"github.com/plexfi/financial-core/internal/money"
	"github.com/plexfi/financial-core/internal/notify"
	"github.com/plexfi/financial-core/internal/store"
)

// Depth is the fixed referral-reward depth (spec §4.7: "fixed at 3").
const Depth = 3

// DefaultRates is the flat 5%-per-level default (spec §4.7: "flat 5% at
// each level on both deposit amount and ROI amount (configurable map
// level→rate)").
var DefaultRates = map[int]money.Amount{
	1: money.MustNew("5"),
	2: money.MustNew("5"),
	3: money.MustNew("5"),
}

// minROINotifyAmount suppresses ROI notifications below this threshold
// (spec §4.7.3: "filter-small-amount policy").
var minROINotifyAmount = money.MustNew("0.01")

// Engine implements the referral chain lookup, edge creation, and reward
// fan-out.
type Engine struct {
	store  store.Store
	sink   notify.Sink
	rates  map[int]money.Amount
	log    *logger.Logger
}

// New constructs an Engine with the given per-level reward rates
// (expressed as percentages, e.g. "5" means 5%). Pass nil to use
// DefaultRates.
func New(st store.Store, sink notify.Sink, rates map[int]money.Amount) *Engine {
	if rates == nil {
		rates = DefaultRates
	}
	return &Engine{store: st, sink: notify.Safe{Inner: sink}, rates: rates, log: logger.New("referral")}
}

// Ancestor is one hop in a user's referrer chain.
type Ancestor struct {
	UserID uint64
	Level  int
}

// ChainOf walks userID's referrer chain up to Depth hops, returning
// ancestors in level order (spec §4.7.1). Cycle detection treats the
// presence of the traversal's starting user anywhere in the chain as a
// cycle and stops there.
func (e *Engine) ChainOf(ctx context.Context, userID uint64) ([]Ancestor, error) {
	var out []Ancestor
	visited := map[uint64]bool{userID: true}

	current := userID
	for level := 1; level <= Depth; level++ {
		u, err := e.store.GetUser(ctx, current)
		if err != nil {
			break
		}
		if u.ReferrerID == nil {
			break
		}
		next := *u.ReferrerID
		if visited[next] {
			e.log.Sugar().Warnw("referral cycle detected, truncating chain", "user_id", userID, "repeat", next)
			break
		}
		visited[next] = true
		out = append(out, Ancestor{UserID: next, Level: level})
		current = next
	}
	return out, nil
}

// CreateEdges implements spec §4.7.2: on registration of newUserID with
// direct referrer directReferrerID, reject self-referral and cycles, then
// create one Referral edge per level 1..3 that does not already exist.
func (e *Engine) CreateEdges(ctx context.Context, newUserID, directReferrerID uint64) error {
	if newUserID == directReferrerID {
		return core.Validation(core.CodeInvalidLevel, "self-referral is not allowed")
	}

	upline, err := e.ChainOf(ctx, directReferrerID)
	if err != nil {
		return err
	}
	ancestors := []Ancestor{{UserID: directReferrerID, Level: 1}}
	for _, a := range upline {
		if a.Level >= Depth {
			break
		}
		ancestors = append(ancestors, Ancestor{UserID: a.UserID, Level: a.Level + 1})
	}

	for _, a := range ancestors {
		if a.UserID == newUserID {
			return core.Validation(core.CodeInvalidLevel, "referral chain would create a cycle")
		}
	}

	for _, a := range ancestors {
		existing, err := e.store.GetReferralEdge(ctx, a.UserID, newUserID, a.Level)
		if err == nil && existing != nil {
			continue
		}
		edge := &store.Referral{ReferrerID: a.UserID, ReferralID: newUserID, Level: a.Level}
		if err := e.store.CreateReferral(ctx, edge); err != nil {
			return core.Wrap(core.KindInternal, "", "create referral edge", err)
		}
	}
	return nil
}

// SourceEvent identifies the event a reward fan-out is for, used as the
// (referral_id, source_event_id) idempotency key (spec §4.7.3).
type SourceEvent struct {
	SourceUserID uint64
	Amount       money.Amount
	Type         store.ReferralSourceType
	EventID      string // e.g. "deposit:123" or "roi:456:2026-07-30T00:00:00Z"
}

// FanOut implements spec §4.7.3: walk the source user's chain up to depth
// 3, crediting each ancestor reward = amount*rate[level] on their edge,
// idempotently with respect to (edge, EventID).
func (e *Engine) FanOut(ctx context.Context, ev SourceEvent) error {
	if ev.EventID == "" {
		return core.New(core.KindInternal, "", "referral fan-out requires a source event id")
	}
	chain, err := e.ChainOf(ctx, ev.SourceUserID)
	if err != nil {
		return err
	}

	for _, a := range chain {
		rate, ok := e.rates[a.Level]
		if !ok {
			continue
		}
		reward := ev.Amount.MulPercent(rate)
		if reward.IsZero() || reward.IsNegative() {
			continue
		}

		edge, err := e.store.GetReferralEdge(ctx, a.UserID, ev.SourceUserID, a.Level)
		if err != nil {
			// No edge at this level for this source user: nothing to credit.
			continue
		}

		if existing, err := e.store.FindReferralEarning(ctx, edge.ID, ev.EventID); err == nil && existing != nil {
			continue // already credited for this source event (idempotent replay)
		}

		earning := &store.ReferralEarning{
			ReferralID:    edge.ID,
			Amount:        reward.String(),
			SourceType:    ev.Type,
			SourceUserID:  ev.SourceUserID,
			SourceEventID: ev.EventID,
			Paid:          false,
		}
		if err := e.store.CreateReferralEarning(ctx, earning); err != nil {
			e.log.Sugar().Warnw("referral earning create failed", "referral_id", edge.ID, "event", ev.EventID, "error", err)
			continue
		}
		metrics.ReferralEarningsCreated.WithLabelValues(string(ev.Type)).Inc()

		totalEarned, err := money.New(edge.TotalEarned)
		if err != nil {
			totalEarned = money.Zero
		}
		edge.TotalEarned = totalEarned.Add(reward).String()
		if err := e.store.SaveReferral(ctx, edge); err != nil {
			e.log.Sugar().Warnw("referral total_earned update failed", "referral_id", edge.ID, "error", err)
		}

		e.creditAncestorBalance(ctx, a.UserID, reward)
		e.notifyAncestor(ctx, a.UserID, reward, ev.Type)
	}
	return nil
}

func (e *Engine) creditAncestorBalance(ctx context.Context, ancestorID uint64, reward money.Amount) {
	u, err := e.store.GetUserForUpdate(ctx, ancestorID)
	if err != nil {
		return
	}
	balance, _ := money.New(u.Balance)
	pending, _ := money.New(u.PendingEarnings)
	totalEarned, _ := money.New(u.TotalEarned)
	u.Balance = balance.Add(reward).String()
	u.PendingEarnings = pending.Add(reward).String()
	u.TotalEarned = totalEarned.Add(reward).String()
	if err := e.store.SaveUser(ctx, u); err != nil {
		e.log.Sugar().Warnw("ancestor balance credit failed", "user_id", ancestorID, "error", err)
	}
}

func (e *Engine) notifyAncestor(ctx context.Context, ancestorID uint64, reward money.Amount, sourceType store.ReferralSourceType) {
	if sourceType == store.SourceROI && reward.LessThan(minROINotifyAmount) {
		return // filter-small-amount policy, spec §4.7.3
	}
	u, err := e.store.GetUser(ctx, ancestorID)
	if err != nil {
		return
	}
	_ = e.sink.NotifyUser(ctx, u.ExternalID, fmt.Sprintf("referral reward credited: %s", reward.String()), false)
}

// MarkEarningAsPaid implements the single transition to paid=true (spec
// §4.7.3); re-paying an already-paid earning is rejected as a Conflict.
func (e *Engine) MarkEarningAsPaid(ctx context.Context, earningID uint64, txHash string) error {
	earning, err := e.store.GetReferralEarning(ctx, earningID)
	if err != nil {
		return err
	}
	if earning.Paid {
		return core.New(core.KindConflict, "", "referral earning already paid")
	}
	earning.Paid = true
	earning.TxHash = &txHash
	return e.store.SaveReferralEarning(ctx, earning)
}

// Leaderboard ranks users by total_earned across their referral edges
// (supplemented from bot/handlers/referral/leaderboard.py — a read-only
// query, no new invariants).
func (e *Engine) Leaderboard(ctx context.Context, limit int) ([]*store.User, error) {
	return e.store.TopReferrersByEarned(ctx, limit)
}
