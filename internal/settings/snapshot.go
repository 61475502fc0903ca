// Package settings implements the "global mutable settings" design note of
// spec §9: components read a consistent, versioned snapshot reloaded on a
// timer, rather than fields of a shared mutable object.
package settings

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/plexfi/financial-core/internal/logger"
	"github.com/plexfi/financial-core/internal/money"
	"github.com/plexfi/financial-core/internal/store"
)

// Snapshot is a point-in-time, immutable read of GlobalSettings.
type Snapshot struct {
	MaxOpenDepositLevel      int
	MinWithdrawalAmount      money.Amount
	AutoWithdrawalEnabled    bool
	IsDailyLimitEnabled      bool
	DailyWithdrawalLimit     money.Amount
	HasDailyWithdrawalLimit  bool
	EmergencyStopWithdrawals bool
	EmergencyStopDeposits    bool
	ActiveRPCProvider        string
	IsAutoSwitchEnabled      bool
	ProjectStartAt           time.Time
	ROISettings              map[string]string
	RewardAccrualPeriod      time.Duration
}

// Source reloads the snapshot from the store. It refreshes at most once
// per refresh interval (defaultRefreshInterval), matching C1's refresh_settings() cadence (spec
// §4.1: "at most once per 30s").
type Source struct {
	store           store.Store
	refreshInterval time.Duration
	log             *logger.Logger

	current   atomic.Value // *Snapshot
	lastFetch atomic.Value // time.Time
}

const defaultRefreshInterval = 30 * time.Second

// NewSource constructs a Source and performs a first synchronous load so
// callers never observe a nil snapshot.
func NewSource(ctx context.Context, st store.Store) (*Source, error) {
	s := &Source{store: st, refreshInterval: defaultRefreshInterval, log: logger.New("settings")}
	if err := s.reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the most recently loaded snapshot, refreshing it first if
// the refresh interval has elapsed. A refresh failure is logged and the
// stale snapshot is returned rather than propagated, since a settings
// read must never fail an in-flight operation.
func (s *Source) Get(ctx context.Context) *Snapshot {
	if last, ok := s.lastFetch.Load().(time.Time); !ok || time.Since(last) >= s.refreshInterval {
		if err := s.reload(ctx); err != nil {
			s.log.Sugar().Warnw("settings refresh failed, using stale snapshot", "error", err)
		}
	}
	return s.current.Load().(*Snapshot)
}

func (s *Source) reload(ctx context.Context) error {
	row, err := s.store.GetGlobalSettings(ctx)
	if err != nil {
		return err
	}
	snap := &Snapshot{
		MaxOpenDepositLevel:      row.MaxOpenDepositLevel,
		AutoWithdrawalEnabled:    row.AutoWithdrawalEnabled,
		IsDailyLimitEnabled:      row.IsDailyLimitEnabled,
		EmergencyStopWithdrawals: row.EmergencyStopWithdrawals,
		EmergencyStopDeposits:    row.EmergencyStopDeposits,
		ActiveRPCProvider:        row.ActiveRPCProvider,
		IsAutoSwitchEnabled:      row.IsAutoSwitchEnabled,
		ProjectStartAt:           row.ProjectStartAt,
		ROISettings:              store.UnmarshalStringMap(row.ROISettingsJSON),
	}
	if amt, err := money.New(nonEmpty(row.MinWithdrawalAmount, "0")); err == nil {
		snap.MinWithdrawalAmount = amt
	}
	if row.DailyWithdrawalLimit != nil {
		if amt, err := money.New(*row.DailyWithdrawalLimit); err == nil {
			snap.DailyWithdrawalLimit = amt
			snap.HasDailyWithdrawalLimit = true
		}
	}
	hours := 6
	if raw, ok := snap.ROISettings["REWARD_ACCRUAL_PERIOD_HOURS"]; ok {
		if parsed, err := time.ParseDuration(raw + "h"); err == nil {
			snap.RewardAccrualPeriod = parsed
		} else {
			snap.RewardAccrualPeriod = time.Duration(hours) * time.Hour
		}
	} else {
		snap.RewardAccrualPeriod = time.Duration(hours) * time.Hour
	}

	s.current.Store(snap)
	s.lastFetch.Store(time.Now())
	return nil
}

func nonEmpty(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
