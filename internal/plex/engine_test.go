package plex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexfi/financial-core/internal/config"
	"github.com/plexfi/financial-core/internal/logger"
	"github.com/plexfi/financial-core/internal/money"
	"github.com/plexfi/financial-core/internal/notify"
	"github.com/plexfi/financial-core/internal/settings"
	"github.com/plexfi/financial-core/internal/store"
	"github.com/plexfi/financial-core/internal/store/storetest"
)

func testEngine(f *storetest.Fake) *Engine {
	cfg := &config.Config{MinimumPlexBalance: "5000"}
	return &Engine{store: f, sink: notify.Safe{Inner: notify.Noop{}}, cfg: cfg, log: logger.New("plex_test")}
}

func testEngineWithSettings(t *testing.T, f *storetest.Fake) *Engine {
	src, err := settings.NewSource(context.Background(), f)
	require.NoError(t, err)
	e := testEngine(f)
	e.settings = src
	return e
}

func TestDeadlinesOffsets(t *testing.T) {
	anchor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, warning, block := deadlines(anchor)
	assert.Equal(t, anchor.Add(24*time.Hour), next)
	assert.Equal(t, anchor.Add(25*time.Hour), warning)
	assert.Equal(t, anchor.Add(49*time.Hour), block)
}

func TestReanchorIfStaleOnlyWhenDuePredatesProjectStart(t *testing.T) {
	e := testEngine(storetest.New())
	projectStart := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	stale := &store.PlexPaymentRequirement{NextPaymentDue: projectStart.Add(-time.Hour), WarningCount: 3}
	assert.True(t, e.reanchorIfStale(stale, projectStart))
	assert.Equal(t, projectStart.Add(24*time.Hour), stale.NextPaymentDue)
	assert.Equal(t, 0, stale.WarningCount)

	fresh := &store.PlexPaymentRequirement{NextPaymentDue: projectStart.Add(time.Hour)}
	assert.False(t, e.reanchorIfStale(fresh, projectStart))
}

func TestAdvanceCycleIfDue(t *testing.T) {
	e := testEngine(storetest.New())
	now := time.Now()

	notYetDue := &store.PlexPaymentRequirement{Status: store.PlexPaid, NextPaymentDue: now.Add(time.Hour)}
	assert.False(t, e.advanceCycleIfDue(notYetDue, now))
	assert.Equal(t, store.PlexPaid, notYetDue.Status)

	due := &store.PlexPaymentRequirement{Status: store.PlexPaid, NextPaymentDue: now.Add(-time.Minute)}
	assert.True(t, e.advanceCycleIfDue(due, now))
	assert.Equal(t, store.PlexActive, due.Status)
}

func TestMarkPaidAdvancesDeadlinesAndActivatesWork(t *testing.T) {
	f := storetest.New()
	now := time.Now()
	require.NoError(t, f.CreatePlexRequirement(context.Background(), &store.PlexPaymentRequirement{
		DepositID: 1, UserID: 1, DailyPlexRequired: "100",
		NextPaymentDue: now, WarningDue: now.Add(time.Hour), BlockDue: now.Add(25 * time.Hour),
		Status: store.PlexActive, TotalPaidPlex: "0",
	}))

	e := testEngine(f)
	require.NoError(t, e.MarkPaid(context.Background(), 1, money.MustNew("100"), "0xhash1"))

	req, err := f.GetPlexRequirementForUpdate(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, store.PlexPaid, req.Status)
	assert.Equal(t, 1, req.DaysPaid)
	assert.True(t, req.IsWorkActive)
	assert.NotNil(t, req.FirstPaymentAt)
	assert.Equal(t, "100.00000000", req.TotalPaidPlex)
	assert.Equal(t, now.Add(24*time.Hour), req.NextPaymentDue)
}

func TestResetBlockedRequiresBlockedStatus(t *testing.T) {
	f := storetest.New()
	require.NoError(t, f.CreatePlexRequirement(context.Background(), &store.PlexPaymentRequirement{
		DepositID: 1, UserID: 1, Status: store.PlexActive,
	}))
	e := testEngine(f)
	err := e.ResetBlocked(context.Background(), 1)
	assert.Error(t, err)
}

func TestResetBlockedReactivatesDepositAndRequirement(t *testing.T) {
	f := storetest.New()
	require.NoError(t, f.CreateDeposit(context.Background(), &store.Deposit{UserID: 1, Status: store.DepositBlockedPlex, Amount: "100"}))
	require.NoError(t, f.CreatePlexRequirement(context.Background(), &store.PlexPaymentRequirement{
		DepositID: 1, UserID: 1, Status: store.PlexBlocked,
	}))
	e := testEngine(f)
	require.NoError(t, e.ResetBlocked(context.Background(), 1))

	req, err := f.GetPlexRequirementForUpdate(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, store.PlexActive, req.Status)

	dep, err := f.GetDeposit(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, store.DepositConfirmed, dep.Status)
}

func TestAvailablePlex(t *testing.T) {
	assert.Equal(t, money.MustNew("500"), AvailablePlex(money.MustNew("1000"), money.MustNew("500")))
	assert.Equal(t, money.Zero, AvailablePlex(money.MustNew("100"), money.MustNew("500")))
}

func TestBackfillCreatesMissingRequirements(t *testing.T) {
	f := storetest.New()
	projectStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	f.Settings.ProjectStartAt = projectStart

	require.NoError(t, f.CreateDeposit(context.Background(), &store.Deposit{UserID: 1, Status: store.DepositConfirmed, Amount: "50"}))
	require.NoError(t, f.CreateDeposit(context.Background(), &store.Deposit{UserID: 1, Status: store.DepositPending, Amount: "50"}))

	e := testEngineWithSettings(t, f)
	created, err := e.Backfill(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	req, err := f.GetPlexRequirementByDeposit(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "500.00000000", req.DailyPlexRequired)
	assert.Equal(t, projectStart.Add(24*time.Hour), req.NextPaymentDue)

	// Re-running must not create a duplicate.
	created, err = e.Backfill(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}
