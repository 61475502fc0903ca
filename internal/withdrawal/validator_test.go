package withdrawal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexfi/financial-core/internal/config"
	"github.com/plexfi/financial-core/internal/core"
	"github.com/plexfi/financial-core/internal/money"
	"github.com/plexfi/financial-core/internal/settings"
	"github.com/plexfi/financial-core/internal/store"
	"github.com/plexfi/financial-core/internal/store/storetest"
)

func testValidator(t *testing.T, f *storetest.Fake, cfg *config.Config) *Validator {
	src, err := settings.NewSource(context.Background(), f)
	require.NoError(t, err)
	if cfg == nil {
		cfg = &config.Config{MinWithdrawalAmount: "10", MinimumPlexBalance: "5000"}
	}
	return &Validator{store: f, settings: src, cfg: cfg}
}

func baseUser() *store.User {
	return &store.User{ID: 1, ExternalID: 1, WalletAddress: "0xwallet", Balance: "1000"}
}

func TestValidateRejectsBelowMinAmount(t *testing.T) {
	f := storetest.New()
	f.AddUser(baseUser())
	v := testValidator(t, f, nil)

	err := v.Validate(context.Background(), Request{UserID: 1, Amount: money.MustNew("5"), AvailableBalance: money.MustNew("1000")})
	require.Error(t, err)
	assert.Equal(t, core.CodeMinAmount, err.(*core.Error).Code)
}

func TestValidateRejectsBannedUser(t *testing.T) {
	f := storetest.New()
	u := baseUser()
	u.IsBanned = true
	f.AddUser(u)
	v := testValidator(t, f, nil)

	err := v.Validate(context.Background(), Request{UserID: 1, Amount: money.MustNew("100"), AvailableBalance: money.MustNew("1000")})
	require.Error(t, err)
	assert.Equal(t, core.CodeUserBanned, err.(*core.Error).Code)
}

func TestValidateRejectsDuringFinpassRecovery(t *testing.T) {
	f := storetest.New()
	u := baseUser()
	future := time.Now().Add(time.Hour)
	u.FinpassLockedUntil = &future
	f.AddUser(u)
	v := testValidator(t, f, nil)

	err := v.Validate(context.Background(), Request{UserID: 1, Amount: money.MustNew("100"), AvailableBalance: money.MustNew("1000")})
	require.Error(t, err)
	assert.Equal(t, core.CodeFinpassRecovery, err.(*core.Error).Code)
}

func TestValidateRejectsSuspiciousAccount(t *testing.T) {
	f := storetest.New()
	u := baseUser()
	u.Suspicious = true
	f.AddUser(u)
	v := testValidator(t, f, nil)

	err := v.Validate(context.Background(), Request{UserID: 1, Amount: money.MustNew("100"), AvailableBalance: money.MustNew("1000")})
	require.Error(t, err)
	assert.Equal(t, core.CodeFraudDetection, err.(*core.Error).Code)
}

func TestValidateRejectsInsufficientBalance(t *testing.T) {
	f := storetest.New()
	f.AddUser(baseUser())
	v := testValidator(t, f, nil)

	err := v.Validate(context.Background(), Request{UserID: 1, Amount: money.MustNew("2000"), AvailableBalance: money.MustNew("1000")})
	require.Error(t, err)
	assert.Equal(t, core.CodeInsufficientBalance, err.(*core.Error).Code)
}

func TestValidateRejectsEmergencyStop(t *testing.T) {
	f := storetest.New()
	f.AddUser(baseUser())
	cfg := &config.Config{MinWithdrawalAmount: "10", EmergencyStopWithdrawals: true}
	v := testValidator(t, f, cfg)

	err := v.Validate(context.Background(), Request{UserID: 1, Amount: money.MustNew("100"), AvailableBalance: money.MustNew("1000")})
	require.Error(t, err)
	assert.Equal(t, core.CodeEmergencyStop, err.(*core.Error).Code)
}

func TestValidateRejectsPlexDebtBeforeTouchingGateway(t *testing.T) {
	f := storetest.New()
	f.AddUser(baseUser())
	require.NoError(t, f.CreateDeposit(context.Background(), &store.Deposit{UserID: 1, Status: store.DepositConfirmed, Amount: "100"}))
	dep, err := f.GetDeposit(context.Background(), 1)
	require.NoError(t, err)
	dep.CreatedAt = time.Now().Add(-72 * time.Hour)
	require.NoError(t, f.SaveDeposit(context.Background(), dep))
	require.NoError(t, f.CreatePlexRequirement(context.Background(), &store.PlexPaymentRequirement{
		DepositID: 1, UserID: 1, Status: store.PlexBlocked,
	}))

	v := testValidator(t, f, nil)
	err = v.Validate(context.Background(), Request{UserID: 1, Amount: money.MustNew("100"), AvailableBalance: money.MustNew("1000")})
	require.Error(t, err)
	assert.Equal(t, core.CodePlexPaymentRequired, err.(*core.Error).Code)
}

func TestHasPlexDebtIgnoresUnconfirmedDeposits(t *testing.T) {
	f := storetest.New()
	require.NoError(t, f.CreateDeposit(context.Background(), &store.Deposit{UserID: 1, Status: store.DepositPending, Amount: "100"}))
	v := testValidator(t, f, nil)

	debt, err := v.hasPlexDebt(context.Background(), 1, time.Unix(0, 0).UTC())
	require.NoError(t, err)
	assert.False(t, debt)
}

func dailyLimitSettings(f *storetest.Fake, limit string) {
	f.Settings.IsDailyLimitEnabled = true
	f.Settings.DailyWithdrawalLimit = &limit
}

func TestValidateRejectsWhenDailyPlatformLimitReached(t *testing.T) {
	f := storetest.New()
	f.AddUser(baseUser())
	dailyLimitSettings(f, "150")
	require.NoError(t, f.CreateTransaction(context.Background(), &store.Transaction{
		UserID: 99, Type: store.TxWithdrawal, Status: store.TxStatusConfirmed, Amount: "100",
	}))
	v := testValidator(t, f, nil)

	err := v.Validate(context.Background(), Request{UserID: 1, Amount: money.MustNew("100"), AvailableBalance: money.MustNew("1000")})
	require.Error(t, err)
	assert.Equal(t, core.CodeDailyLimit, err.(*core.Error).Code)
}

func TestValidateAllowsWithinDailyPlatformLimit(t *testing.T) {
	f := storetest.New()
	f.AddUser(baseUser())
	dailyLimitSettings(f, "150")
	require.NoError(t, f.CreateTransaction(context.Background(), &store.Transaction{
		UserID: 99, Type: store.TxWithdrawal, Status: store.TxStatusConfirmed, Amount: "40",
	}))
	v := testValidator(t, f, nil)

	err := v.Validate(context.Background(), Request{UserID: 1, Amount: money.MustNew("100"), AvailableBalance: money.MustNew("1000")})
	assert.NoError(t, err)
}

func TestTodayWithdrawalTotalIgnoresOtherTypesAndYesterday(t *testing.T) {
	f := storetest.New()
	v := testValidator(t, f, nil)

	require.NoError(t, f.CreateTransaction(context.Background(), &store.Transaction{
		UserID: 1, Type: store.TxDeposit, Status: store.TxStatusConfirmed, Amount: "500",
	}))
	require.NoError(t, f.CreateTransaction(context.Background(), &store.Transaction{
		UserID: 1, Type: store.TxWithdrawal, Status: store.TxStatusPending, Amount: "500",
	}))
	// Inserted directly (not via CreateTransaction, which always stamps "now")
	// to simulate a withdrawal confirmed the previous day.
	f.Transactions = append(f.Transactions, &store.Transaction{
		UserID: 1, Type: store.TxWithdrawal, Status: store.TxStatusConfirmed, Amount: "500",
		CreatedAt: time.Now().Add(-48 * time.Hour),
	})

	total, err := v.todayWithdrawalTotal(context.Background())
	require.NoError(t, err)
	assert.True(t, total.IsZero(), "deposits, non-confirmed, and prior-day withdrawals must not count")
}

func TestCheckAutoApprovalDisabled(t *testing.T) {
	f := storetest.New()
	f.Settings.AutoWithdrawalEnabled = false
	f.AddUser(baseUser())
	v := testValidator(t, f, nil)

	elig, err := v.CheckAutoApproval(context.Background(), Request{UserID: 1, Amount: money.MustNew("10")})
	require.NoError(t, err)
	assert.False(t, elig.Eligible)
	assert.Equal(t, "auto withdrawal disabled", elig.Reason)
}

func TestCheckAutoApprovalRejectsOverLifetimeCap(t *testing.T) {
	f := storetest.New()
	u := baseUser()
	u.TotalDepositedUSDT = "100"
	u.TotalWithdrawnUSDT = "400"
	f.AddUser(u)
	v := testValidator(t, f, nil)

	// lifetime cap = 100*5 = 500; withdrawn 400 + requesting 200 > 500.
	elig, err := v.CheckAutoApproval(context.Background(), Request{UserID: 1, Amount: money.MustNew("200")})
	require.NoError(t, err)
	assert.False(t, elig.Eligible)
	assert.Equal(t, "x5 lifetime payout cap exceeded", elig.Reason)
}

func TestCheckAutoApprovalEligibleWithinCap(t *testing.T) {
	f := storetest.New()
	u := baseUser()
	u.TotalDepositedUSDT = "100"
	u.TotalWithdrawnUSDT = "100"
	f.AddUser(u)
	v := testValidator(t, f, nil)

	elig, err := v.CheckAutoApproval(context.Background(), Request{UserID: 1, Amount: money.MustNew("50")})
	require.NoError(t, err)
	assert.True(t, elig.Eligible)
}

func TestCheckAutoApprovalNeverReturnsErrorForIneligibility(t *testing.T) {
	f := storetest.New()
	u := baseUser()
	u.TotalDepositedUSDT = "1"
	u.TotalWithdrawnUSDT = "1000"
	f.AddUser(u)
	v := testValidator(t, f, nil)

	elig, err := v.CheckAutoApproval(context.Background(), Request{UserID: 1, Amount: money.MustNew("1")})
	require.NoError(t, err, "ineligibility must degrade to Eligible=false, never an error")
	assert.False(t, elig.Eligible)
}
