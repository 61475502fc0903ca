package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexfi/financial-core/internal/config"
	"github.com/plexfi/financial-core/internal/core"
	"github.com/plexfi/financial-core/internal/deposit"
	"github.com/plexfi/financial-core/internal/lock"
	"github.com/plexfi/financial-core/internal/logger"
	"github.com/plexfi/financial-core/internal/notify"
	"github.com/plexfi/financial-core/internal/referral"
	"github.com/plexfi/financial-core/internal/settings"
	"github.com/plexfi/financial-core/internal/store"
	"github.com/plexfi/financial-core/internal/store/storetest"
)

func testLog() *logger.Logger { return logger.New("scheduler_test") }

// fakeLocker is a single-process in-memory Locker, for testing the
// at-most-one-active-run contract without a Redis instance.
type fakeLocker struct{ held map[string]bool }

func newFakeLocker() *fakeLocker { return &fakeLocker{held: map[string]bool{}} }

func (f *fakeLocker) Acquire(ctx context.Context, opts lock.Options) (lock.Lock, error) {
	if f.held[opts.Key] {
		return nil, core.New(core.KindLockUnavail, "", "held")
	}
	f.held[opts.Key] = true
	return &fakeLock{f: f, key: opts.Key}, nil
}

type fakeLock struct {
	f   *fakeLocker
	key string
}

func (l *fakeLock) Key() string                      { return l.key }
func (l *fakeLock) Release(ctx context.Context) error { delete(l.f.held, l.key); return nil }

func TestDepositMonitorSkipsWhileLockHeld(t *testing.T) {
	f := newFakeLocker()
	f.held[depositMonitorLockKey] = true

	m := &DepositMonitor{
		store: storetest.New(), locker: f, sink: notify.Safe{Inner: notify.Noop{}},
		cfg: &config.Config{}, log: testLog(),
	}
	err := m.Run(context.Background())
	assert.NoError(t, err, "a contended lock must be a benign no-op, not an error")
}

func TestProcessNetworkRecoveryNoopDuringMaintenance(t *testing.T) {
	s := storetest.New()
	require.NoError(t, s.CreateDeposit(context.Background(), &store.Deposit{UserID: 1, Amount: "100", Status: store.DepositPendingNetworkRecovery}))

	m := &DepositMonitor{
		store: s, cfg: &config.Config{BlockchainMaintenanceMode: true}, log: testLog(),
	}
	require.NoError(t, m.processNetworkRecovery(context.Background()))

	d, err := s.GetDeposit(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, store.DepositPendingNetworkRecovery, d.Status, "status must not change while still in maintenance")
}

func TestReconcileConfirmedDepositTotal(t *testing.T) {
	s := storetest.New()
	require.NoError(t, s.CreateDeposit(context.Background(), &store.Deposit{UserID: 1, Amount: "100", Status: store.DepositConfirmed}))
	require.NoError(t, s.CreateDeposit(context.Background(), &store.Deposit{UserID: 2, Amount: "50", Status: store.DepositConfirmed}))
	require.NoError(t, s.CreateDeposit(context.Background(), &store.Deposit{UserID: 3, Amount: "999", Status: store.DepositPending}))

	j := &ReconcileJob{store: s, log: testLog()}
	total, err := j.confirmedDepositTotal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "150.00000000", total.String())
}

func TestReconcileJobSkipsWhileLockHeld(t *testing.T) {
	f := newFakeLocker()
	f.held[reconcileLockKey] = true
	j := &ReconcileJob{locker: f, sink: notify.Safe{Inner: notify.Noop{}}, log: testLog()}
	err := j.Run(context.Background())
	assert.NoError(t, err)
}

func TestAccrualJobSkipsWhileLockHeld(t *testing.T) {
	f := newFakeLocker()
	f.held[accrualLockKey] = true

	s := storetest.New()
	src, err := settings.NewSource(context.Background(), s)
	require.NoError(t, err)
	dep := deposit.New(s, nil, f, src, referral.New(s, notify.Noop{}, nil), notify.Noop{}, &config.Config{})

	j := NewAccrualJob(s, f, dep)
	err = j.Run(context.Background())
	assert.NoError(t, err, "a contended lock must be a benign no-op, not an error")
}

func TestAccrualJobRunsSweepAndReleasesLock(t *testing.T) {
	s := storetest.New()
	s.AddDepositLevelVersion(&store.DepositLevelVersion{
		Level: 1, Amount: "100", ROICapPercent: "200", IsActive: true, VersionNumber: 1,
	})
	due := time.Now().Add(-time.Hour)
	require.NoError(t, s.CreateDeposit(context.Background(), &store.Deposit{
		UserID: 1, Level: 1, Amount: "100", Status: store.DepositConfirmed,
		ROICapAmount: "200", NextAccrualAt: &due,
	}))

	src, err := settings.NewSource(context.Background(), s)
	require.NoError(t, err)
	f := newFakeLocker()
	dep := deposit.New(s, nil, f, src, referral.New(s, notify.Noop{}, nil), notify.Noop{}, &config.Config{RewardAccrualPeriodHours: 6})

	j := NewAccrualJob(s, f, dep)
	require.NoError(t, j.Run(context.Background()))
	assert.False(t, f.held[accrualLockKey], "lock must be released after the sweep completes")
}

