package referral

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexfi/financial-core/internal/money"
	"github.com/plexfi/financial-core/internal/notify"
	"github.com/plexfi/financial-core/internal/store"
	"github.com/plexfi/financial-core/internal/store/storetest"
)

type recordingSink struct {
	userMessages []string
}

func (r *recordingSink) NotifyUser(ctx context.Context, externalID int64, message string, critical bool) error {
	r.userMessages = append(r.userMessages, message)
	return nil
}

func (r *recordingSink) NotifyAdmins(ctx context.Context, category string, priority notify.Priority, title, details string) error {
	return nil
}

func refUser(id uint64, referrer *uint64) *store.User {
	return &store.User{ID: id, ExternalID: int64(id), WalletAddress: "0xwallet", ReferrerID: referrer}
}

func ptr(v uint64) *uint64 { return &v }

func TestChainOfWalksThreeLevels(t *testing.T) {
	f := storetest.New()
	f.AddUser(refUser(1, nil))
	f.AddUser(refUser(2, ptr(1)))
	f.AddUser(refUser(3, ptr(2)))
	f.AddUser(refUser(4, ptr(3)))
	f.AddUser(refUser(5, ptr(4))) // depth 4, should be excluded

	e := New(f, notify.Noop{}, nil)
	chain, err := e.ChainOf(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, Ancestor{UserID: 4, Level: 1}, chain[0])
	assert.Equal(t, Ancestor{UserID: 3, Level: 2}, chain[1])
	assert.Equal(t, Ancestor{UserID: 2, Level: 3}, chain[2])
}

func TestChainOfStopsOnCycle(t *testing.T) {
	f := storetest.New()
	f.AddUser(refUser(1, ptr(2)))
	f.AddUser(refUser(2, ptr(1)))

	e := New(f, notify.Noop{}, nil)
	chain, err := e.ChainOf(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []Ancestor{{UserID: 2, Level: 1}}, chain)
}

func TestCreateEdgesRejectsSelfReferral(t *testing.T) {
	f := storetest.New()
	f.AddUser(refUser(1, nil))
	e := New(f, notify.Noop{}, nil)
	err := e.CreateEdges(context.Background(), 1, 1)
	assert.Error(t, err)
}

func TestCreateEdgesRejectsCycle(t *testing.T) {
	f := storetest.New()
	f.AddUser(refUser(1, nil))
	f.AddUser(refUser(2, ptr(1)))
	e := New(f, notify.Noop{}, nil)

	// 1 refers 2 already upstream of 1; registering 1 under 2 would cycle.
	err := e.CreateEdges(context.Background(), 1, 2)
	assert.Error(t, err)
}

func TestCreateEdgesCreatesOneEdgePerLevel(t *testing.T) {
	f := storetest.New()
	f.AddUser(refUser(1, nil))
	f.AddUser(refUser(2, ptr(1)))
	f.AddUser(refUser(3, ptr(2)))
	e := New(f, notify.Noop{}, nil)

	require.NoError(t, e.CreateEdges(context.Background(), 4, 3))
	assert.Len(t, f.Referrals, 3)

	edge1, err := f.GetReferralEdge(context.Background(), 3, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, edge1.Level)

	edge3, err := f.GetReferralEdge(context.Background(), 1, 4, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, edge3.Level)
}

func TestFanOutCreditsAncestorsAndIsIdempotent(t *testing.T) {
	f := storetest.New()
	f.AddUser(refUser(1, nil))
	f.AddUser(refUser(2, ptr(1)))
	require.NoError(t, New(f, notify.Noop{}, nil).CreateEdges(context.Background(), 2, 1))

	sink := &recordingSink{}
	e := New(f, sink, nil)
	ev := SourceEvent{SourceUserID: 2, Amount: money.MustNew("100"), Type: store.SourceDeposit, EventID: "deposit:1"}

	require.NoError(t, e.FanOut(context.Background(), ev))
	u1, err := f.GetUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "5.00000000", u1.Balance) // 5% of 100

	// Re-running the same event must not double-credit.
	require.NoError(t, e.FanOut(context.Background(), ev))
	u1Again, err := f.GetUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, u1.Balance, u1Again.Balance)
}

func TestFanOutRequiresEventID(t *testing.T) {
	f := storetest.New()
	e := New(f, notify.Noop{}, nil)
	err := e.FanOut(context.Background(), SourceEvent{SourceUserID: 1, Amount: money.MustNew("10")})
	assert.Error(t, err)
}

func TestFanOutSuppressesSmallROINotifications(t *testing.T) {
	f := storetest.New()
	f.AddUser(refUser(1, nil))
	f.AddUser(refUser(2, ptr(1)))
	require.NoError(t, New(f, notify.Noop{}, nil).CreateEdges(context.Background(), 2, 1))

	sink := &recordingSink{}
	e := New(f, sink, nil)
	// 5% of 0.01 = 0.0005, below the 0.01 ROI notify threshold.
	err := e.FanOut(context.Background(), SourceEvent{
		SourceUserID: 2, Amount: money.MustNew("0.01"), Type: store.SourceROI, EventID: "roi:1:t1",
	})
	require.NoError(t, err)
	assert.Empty(t, sink.userMessages)
}

func TestMarkEarningAsPaidRejectsDoublePay(t *testing.T) {
	f := storetest.New()
	require.NoError(t, f.CreateReferralEarning(context.Background(), &store.ReferralEarning{ReferralID: 1, Amount: "5", SourceEventID: "x"}))
	e := New(f, notify.Noop{}, nil)

	require.NoError(t, e.MarkEarningAsPaid(context.Background(), 1, "0xhash"))
	err := e.MarkEarningAsPaid(context.Background(), 1, "0xhash2")
	assert.Error(t, err)
}
