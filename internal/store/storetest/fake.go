// Package storetest provides an in-memory store.Store for engine unit
// tests, in place of a MySQL instance. It implements exactly the Store
// interface's contract (including SELECT...FOR UPDATE's "exists" semantics,
// not its locking semantics, since tests run single-goroutine) so engine
// tests exercise real validation and transition logic rather than mocks.
package storetest

import (
	"context"
	"sort"
	"time"

	"github.com/plexfi/financial-core/internal/core"
	"github.com/plexfi/financial-core/internal/money"
	"github.com/plexfi/financial-core/internal/store"
)

// Fake is an in-memory store.Store. Zero value is not usable; use New.
type Fake struct {
	Users               map[uint64]*store.User
	DepositLevelVersions map[int]*store.DepositLevelVersion
	Deposits            map[uint64]*store.Deposit
	PlexRequirements    map[uint64]*store.PlexPaymentRequirement
	Referrals           map[uint64]*store.Referral
	ReferralEarnings    map[uint64]*store.ReferralEarning
	Transactions        []*store.Transaction
	Settings            *store.GlobalSettings

	nextUserID       uint64
	nextDepositID    uint64
	nextPlexID       uint64
	nextReferralID   uint64
	nextEarningID    uint64
	nextTxID         uint64
}

// New constructs an empty Fake with a default, permissive GlobalSettings row.
func New() *Fake {
	return &Fake{
		Users:                map[uint64]*store.User{},
		DepositLevelVersions: map[int]*store.DepositLevelVersion{},
		Deposits:             map[uint64]*store.Deposit{},
		PlexRequirements:     map[uint64]*store.PlexPaymentRequirement{},
		Referrals:            map[uint64]*store.Referral{},
		ReferralEarnings:     map[uint64]*store.ReferralEarning{},
		Settings: &store.GlobalSettings{
			ID:                    1,
			MaxOpenDepositLevel:   5,
			AutoWithdrawalEnabled: true,
			ProjectStartAt:        time.Unix(0, 0).UTC(),
			ROISettingsJSON:       "{}",
		},
	}
}

// AddUser inserts u, assigning an ID if it has none, and returns the ID.
func (f *Fake) AddUser(u *store.User) uint64 {
	if u.ID == 0 {
		f.nextUserID++
		u.ID = f.nextUserID
	} else if u.ID > f.nextUserID {
		f.nextUserID = u.ID
	}
	f.Users[u.ID] = u
	return u.ID
}

// AddDepositLevelVersion inserts a level version keyed by level.
func (f *Fake) AddDepositLevelVersion(v *store.DepositLevelVersion) {
	f.DepositLevelVersions[v.Level] = v
}

func (f *Fake) Transaction(ctx context.Context, fn func(tx store.Store) error) error {
	// The fake has no rollback journal: tests that need atomicity guarantees
	// assert on the error return, not on post-rollback state.
	return fn(f)
}

func (f *Fake) GetUser(ctx context.Context, id uint64) (*store.User, error) {
	u, ok := f.Users[id]
	if !ok {
		return nil, core.New(core.KindInternal, "", "user not found")
	}
	cp := *u
	return &cp, nil
}

func (f *Fake) GetUserForUpdate(ctx context.Context, id uint64) (*store.User, error) {
	return f.GetUser(ctx, id)
}

func (f *Fake) GetUserByExternalID(ctx context.Context, externalID int64) (*store.User, error) {
	for _, u := range f.Users {
		if u.ExternalID == externalID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, core.New(core.KindInternal, "", "user not found")
}

func (f *Fake) GetUserByWallet(ctx context.Context, wallet string) (*store.User, error) {
	for _, u := range f.Users {
		if u.WalletAddress == wallet {
			cp := *u
			return &cp, nil
		}
	}
	return nil, core.New(core.KindInternal, "", "user not found")
}

func (f *Fake) SaveUser(ctx context.Context, u *store.User) error {
	cp := *u
	f.Users[u.ID] = &cp
	return nil
}

func (f *Fake) GetDepositLevelVersion(ctx context.Context, level int) (*store.DepositLevelVersion, error) {
	v, ok := f.DepositLevelVersions[level]
	if !ok || !v.IsActive {
		return nil, core.New(core.KindInternal, "", "level version not found")
	}
	cp := *v
	return &cp, nil
}

func (f *Fake) CreateDeposit(ctx context.Context, d *store.Deposit) error {
	f.nextDepositID++
	d.ID = f.nextDepositID
	d.CreatedAt = time.Now()
	cp := *d
	f.Deposits[d.ID] = &cp
	return nil
}

func (f *Fake) GetDeposit(ctx context.Context, id uint64) (*store.Deposit, error) {
	d, ok := f.Deposits[id]
	if !ok {
		return nil, core.New(core.KindInternal, "", "deposit not found")
	}
	cp := *d
	return &cp, nil
}

func (f *Fake) GetDepositForUpdate(ctx context.Context, id uint64) (*store.Deposit, error) {
	return f.GetDeposit(ctx, id)
}

func (f *Fake) GetDepositByTxHash(ctx context.Context, txHash string) (*store.Deposit, error) {
	for _, d := range f.Deposits {
		if d.TxHash != nil && *d.TxHash == txHash {
			cp := *d
			return &cp, nil
		}
	}
	return nil, core.New(core.KindInternal, "", "deposit not found")
}

func (f *Fake) SaveDeposit(ctx context.Context, d *store.Deposit) error {
	cp := *d
	f.Deposits[d.ID] = &cp
	return nil
}

func (f *Fake) ListDepositsByStatus(ctx context.Context, status store.DepositStatus, olderThan time.Time, limit int) ([]*store.Deposit, error) {
	var out []*store.Deposit
	for _, d := range f.sortedDeposits() {
		if d.Status != status {
			continue
		}
		if !olderThan.IsZero() && d.CreatedAt.After(olderThan) {
			continue
		}
		cp := *d
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) ListAccrualDueDeposits(ctx context.Context, now time.Time, limit int) ([]*store.Deposit, error) {
	var out []*store.Deposit
	for _, d := range f.sortedDeposits() {
		if d.Status != store.DepositConfirmed || d.IsROICompleted {
			continue
		}
		if d.NextAccrualAt == nil || d.NextAccrualAt.After(now) {
			continue
		}
		cp := *d
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) ListDepositsByUser(ctx context.Context, userID uint64) ([]*store.Deposit, error) {
	var out []*store.Deposit
	for _, d := range f.sortedDeposits() {
		if d.UserID == userID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) sortedDeposits() []*store.Deposit {
	out := make([]*store.Deposit, 0, len(f.Deposits))
	for _, d := range f.Deposits {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Fake) CreatePlexRequirement(ctx context.Context, p *store.PlexPaymentRequirement) error {
	f.nextPlexID++
	p.ID = f.nextPlexID
	p.CreatedAt = time.Now()
	cp := *p
	f.PlexRequirements[p.ID] = &cp
	return nil
}

func (f *Fake) GetPlexRequirementByDeposit(ctx context.Context, depositID uint64) (*store.PlexPaymentRequirement, error) {
	for _, p := range f.PlexRequirements {
		if p.DepositID == depositID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, core.New(core.KindInternal, "", "plex requirement not found")
}

func (f *Fake) GetPlexRequirementForUpdate(ctx context.Context, id uint64) (*store.PlexPaymentRequirement, error) {
	p, ok := f.PlexRequirements[id]
	if !ok {
		return nil, core.New(core.KindInternal, "", "plex requirement not found")
	}
	cp := *p
	return &cp, nil
}

func (f *Fake) SavePlexRequirement(ctx context.Context, p *store.PlexPaymentRequirement) error {
	cp := *p
	f.PlexRequirements[p.ID] = &cp
	return nil
}

func (f *Fake) sortedPlexRequirements() []*store.PlexPaymentRequirement {
	out := make([]*store.PlexPaymentRequirement, 0, len(f.PlexRequirements))
	for _, p := range f.PlexRequirements {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Fake) ListPlexRequirementsDue(ctx context.Context, field string, before time.Time, limit int) ([]*store.PlexPaymentRequirement, error) {
	var out []*store.PlexPaymentRequirement
	for _, p := range f.sortedPlexRequirements() {
		var due time.Time
		switch field {
		case "next_payment_due":
			due = p.NextPaymentDue
		case "warning_due":
			due = p.WarningDue
		case "block_due":
			due = p.BlockDue
		default:
			continue
		}
		if due.After(before) {
			continue
		}
		cp := *p
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) ListInactivePlexRequirements(ctx context.Context, limit int) ([]*store.PlexPaymentRequirement, error) {
	var out []*store.PlexPaymentRequirement
	for _, p := range f.sortedPlexRequirements() {
		if p.IsWorkActive || p.Status == store.PlexBlocked {
			continue
		}
		cp := *p
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) ListActivePlexRequirements(ctx context.Context, limit int) ([]*store.PlexPaymentRequirement, error) {
	var out []*store.PlexPaymentRequirement
	for _, p := range f.sortedPlexRequirements() {
		if p.Status != store.PlexActive && p.Status != store.PlexWarning {
			continue
		}
		cp := *p
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) GetReferralEdge(ctx context.Context, referrerID, referralID uint64, level int) (*store.Referral, error) {
	for _, r := range f.Referrals {
		if r.ReferrerID == referrerID && r.ReferralID == referralID && r.Level == level {
			cp := *r
			return &cp, nil
		}
	}
	return nil, core.New(core.KindInternal, "", "referral edge not found")
}

func (f *Fake) GetReferralEdgeByChild(ctx context.Context, referralID uint64, level int) (*store.Referral, error) {
	for _, r := range f.Referrals {
		if r.ReferralID == referralID && r.Level == level {
			cp := *r
			return &cp, nil
		}
	}
	return nil, core.New(core.KindInternal, "", "referral edge not found")
}

func (f *Fake) CreateReferral(ctx context.Context, r *store.Referral) error {
	f.nextReferralID++
	r.ID = f.nextReferralID
	r.CreatedAt = time.Now()
	cp := *r
	f.Referrals[r.ID] = &cp
	return nil
}

func (f *Fake) SaveReferral(ctx context.Context, r *store.Referral) error {
	cp := *r
	f.Referrals[r.ID] = &cp
	return nil
}

func (f *Fake) TopReferrersByEarned(ctx context.Context, limit int) ([]*store.User, error) {
	out := make([]*store.User, 0, len(f.Users))
	for _, u := range f.Users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalEarned > out[j].TotalEarned })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) CreateReferralEarning(ctx context.Context, e *store.ReferralEarning) error {
	f.nextEarningID++
	e.ID = f.nextEarningID
	e.CreatedAt = time.Now()
	cp := *e
	f.ReferralEarnings[e.ID] = &cp
	return nil
}

func (f *Fake) FindReferralEarning(ctx context.Context, referralID uint64, sourceEventID string) (*store.ReferralEarning, error) {
	for _, e := range f.ReferralEarnings {
		if e.ReferralID == referralID && e.SourceEventID == sourceEventID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, core.New(core.KindInternal, "", "referral earning not found")
}

func (f *Fake) GetReferralEarning(ctx context.Context, id uint64) (*store.ReferralEarning, error) {
	e, ok := f.ReferralEarnings[id]
	if !ok {
		return nil, core.New(core.KindInternal, "", "referral earning not found")
	}
	cp := *e
	return &cp, nil
}

func (f *Fake) SaveReferralEarning(ctx context.Context, e *store.ReferralEarning) error {
	cp := *e
	f.ReferralEarnings[e.ID] = &cp
	return nil
}

func (f *Fake) CreateTransaction(ctx context.Context, t *store.Transaction) error {
	f.nextTxID++
	t.ID = f.nextTxID
	t.CreatedAt = time.Now()
	cp := *t
	f.Transactions = append(f.Transactions, &cp)
	return nil
}

func (f *Fake) SumTransactionAmount(ctx context.Context, typ store.TransactionType, status store.TransactionStatus, since time.Time) (string, error) {
	total := money.Zero
	for _, tx := range f.Transactions {
		if tx.Type != typ || tx.Status != status || tx.CreatedAt.Before(since) {
			continue
		}
		amount, err := money.New(tx.Amount)
		if err != nil {
			continue
		}
		total = total.Add(amount)
	}
	return total.String(), nil
}

func (f *Fake) GetGlobalSettings(ctx context.Context) (*store.GlobalSettings, error) {
	cp := *f.Settings
	return &cp, nil
}
