// Package store models the persistent entities of spec §3 as gorm structs
// and exposes them behind a narrow Store interface, in the shape of the
// teacher's storage/database.DBManager: engines depend on the interface,
// never on *gorm.DB directly, so the transactional boundary (spec §4,
// "single transactional boundary" for cross-entity writes) is owned by one
// package.
package store

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// DepositStatus enumerates spec §3's Deposit.Status values.
type DepositStatus string

const (
	DepositPending                DepositStatus = "pending"
	DepositPendingNetworkRecovery DepositStatus = "pending_network_recovery"
	DepositConfirmed              DepositStatus = "confirmed"
	DepositFailed                 DepositStatus = "failed"
	DepositConsolidated           DepositStatus = "consolidated"
	DepositBlockedPlex            DepositStatus = "blocked_plex"
)

// PlexStatus enumerates spec §3/§4.6's PlexPaymentRequirement.Status values.
type PlexStatus string

const (
	PlexActive  PlexStatus = "active"
	PlexWarning PlexStatus = "warning"
	PlexBlocked PlexStatus = "blocked"
	PlexPaid    PlexStatus = "paid"
)

// ReferralSourceType enumerates ReferralEarning.source_type.
type ReferralSourceType string

const (
	SourceDeposit ReferralSourceType = "deposit"
	SourceROI     ReferralSourceType = "roi"
)

// TransactionType enumerates Transaction.type.
type TransactionType string

const (
	TxDeposit     TransactionType = "deposit"
	TxWithdrawal  TransactionType = "withdrawal"
	TxROI         TransactionType = "roi"
	TxReferral    TransactionType = "referral"
	TxBonus       TransactionType = "bonus"
	TxPlexPayment TransactionType = "plex_payment"
)

// TransactionStatus enumerates Transaction.status.
type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusConfirmed TransactionStatus = "confirmed"
	TxStatusFailed    TransactionStatus = "failed"
)

// User is spec §3's User entity. Balances are stored as strings (gorm
// column type decimal(24,8)) and marshalled through money.Amount at the
// repository boundary — gorm has no native arbitrary-precision type.
type User struct {
	ID             uint64 `gorm:"primary_key"`
	ExternalID     int64  `gorm:"unique_index;not null"`
	Username       *string
	WalletAddress  string `gorm:"unique_index;size:42;not null"`
	FinPasswordHash string `gorm:"size:100"`
	FinpassAttempts int
	FinpassLockedUntil *time.Time

	Balance          string `gorm:"type:decimal(24,8);not null;default:'0'"`
	TotalEarned      string `gorm:"type:decimal(24,8);not null;default:'0'"`
	PendingEarnings  string `gorm:"type:decimal(24,8);not null;default:'0'"`
	BonusBalance     string `gorm:"type:decimal(24,8);not null;default:'0'"`
	BonusROIEarned   string `gorm:"type:decimal(24,8);not null;default:'0'"`

	IsBanned         bool
	WithdrawalBlocked bool
	EarningsBlocked  bool
	Suspicious       bool

	ReferrerID   *uint64
	ReferralCode string `gorm:"unique_index;size:32"`

	TotalDepositedUSDT  string `gorm:"type:decimal(24,8);not null;default:'0'"`
	DepositTxCount      int
	DepositsConsolidated bool
	LastPlexCheckAt     *time.Time

	TotalWithdrawnUSDT string `gorm:"type:decimal(24,8);not null;default:'0'"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (User) TableName() string { return "users" }

// SetFinPassword hashes plain with bcrypt and stores it as the user's
// financial password (spec §3 User: "fin_password_hash (salted bcrypt)").
// It resets the failed-attempt counter; callers must save the user.
func (u *User) SetFinPassword(plain string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.FinPasswordHash = string(hash)
	u.FinpassAttempts = 0
	return nil
}

// VerifyFinPassword reports whether plain matches the stored hash. An
// empty FinPasswordHash (no password set) never matches.
func (u *User) VerifyFinPassword(plain string) bool {
	if u.FinPasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.FinPasswordHash), []byte(plain)) == nil
}

// DepositLevelVersion is spec §3's versioned level/corridor table.
type DepositLevelVersion struct {
	ID             uint64 `gorm:"primary_key"`
	Level          int    `gorm:"not null"`
	Amount         string `gorm:"type:decimal(24,8);not null"`
	ROICapPercent  string `gorm:"type:decimal(8,2);not null"`
	IsActive       bool
	VersionNumber  int
	CreatedAt      time.Time
}

func (DepositLevelVersion) TableName() string { return "deposit_level_versions" }

// Deposit is spec §3's Deposit entity.
type Deposit struct {
	ID        uint64 `gorm:"primary_key"`
	UserID    uint64 `gorm:"index;not null"`
	Level     int    `gorm:"not null"`
	Amount    string `gorm:"type:decimal(24,8);not null"`
	DepositType string `gorm:"size:16;not null"`
	DepositVersionID uint64

	Status        DepositStatus `gorm:"size:32;index;not null"`
	TxHash        *string       `gorm:"unique_index;size:80"`
	BlockNumber   *uint64
	WalletAddress *string `gorm:"size:42"`

	ROICapAmount   string `gorm:"type:decimal(24,8);not null;default:'0'"`
	ROIPaidAmount  string `gorm:"type:decimal(24,8);not null;default:'0'"`
	IsROICompleted bool
	CompletedAt    *time.Time
	NextAccrualAt  *time.Time

	IsConsolidated         bool
	ConsolidatedAt         *time.Time
	ConsolidatedTxHashesJSON string `gorm:"type:text"` // JSON list-of-strings round-trip, spec §6

	PlexDailyRequired string `gorm:"type:decimal(24,8);not null;default:'0'"`
	PlexCycleStart    *time.Time

	CreatedAt   time.Time
	ConfirmedAt *time.Time
	UpdatedAt   time.Time
}

func (Deposit) TableName() string { return "deposits" }

// PlexPaymentRequirement is spec §3/§4.6's 1:1 companion to Deposit.
type PlexPaymentRequirement struct {
	ID               uint64 `gorm:"primary_key"`
	DepositID        uint64 `gorm:"unique_index;not null"`
	UserID           uint64 `gorm:"index;not null"`
	DailyPlexRequired string `gorm:"type:decimal(24,8);not null"`

	NextPaymentDue time.Time `gorm:"index;not null"`
	WarningDue     time.Time `gorm:"index;not null"`
	BlockDue       time.Time `gorm:"index;not null"`

	Status PlexStatus `gorm:"size:16;index;not null"`

	LastPaymentAt       *time.Time
	LastPaymentTxHash   *string `gorm:"size:80"`
	TotalPaidPlex       string  `gorm:"type:decimal(24,8);not null;default:'0'"`
	DaysPaid            int
	WarningSentAt       *time.Time
	WarningCount        int

	IsWorkActive   bool
	FirstPaymentAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PlexPaymentRequirement) TableName() string { return "plex_payment_requirements" }

// Referral is an edge in the referral DAG, spec §3.
type Referral struct {
	ID          uint64 `gorm:"primary_key"`
	ReferrerID  uint64 `gorm:"index:idx_referral_pair;not null"`
	ReferralID  uint64 `gorm:"index:idx_referral_pair;not null"`
	Level       int    `gorm:"not null"`
	TotalEarned string `gorm:"type:decimal(24,8);not null;default:'0'"`
	CreatedAt   time.Time
}

func (Referral) TableName() string { return "referrals" }

// ReferralEarning is spec §3's per-event reward row.
type ReferralEarning struct {
	ID           uint64 `gorm:"primary_key"`
	ReferralID   uint64 `gorm:"index;not null"`
	Amount       string `gorm:"type:decimal(24,8);not null"`
	SourceType   ReferralSourceType `gorm:"size:16;not null"`
	SourceUserID uint64
	SourceEventID string `gorm:"size:80;index"` // used for the (referral_id, source_event_id) idempotency guard, spec §4.7.3
	Paid         bool
	TxHash       *string `gorm:"size:80"`
	CreatedAt    time.Time
}

func (ReferralEarning) TableName() string { return "referral_earnings" }

// Transaction is spec §3's ledger row.
type Transaction struct {
	ID        uint64            `gorm:"primary_key"`
	UserID    uint64            `gorm:"index;not null"`
	Type      TransactionType   `gorm:"size:16;not null"`
	Amount    string            `gorm:"type:decimal(24,8);not null"`
	Status    TransactionStatus `gorm:"size:16;not null"`
	TxHash    *string           `gorm:"size:80"`
	CreatedAt time.Time
}

func (Transaction) TableName() string { return "transactions" }

// GlobalSettings is spec §3's single-row configuration table.
type GlobalSettings struct {
	ID                      uint64 `gorm:"primary_key"`
	MaxOpenDepositLevel     int
	MinWithdrawalAmount     string `gorm:"type:decimal(24,8)"`
	AutoWithdrawalEnabled   bool
	IsDailyLimitEnabled     bool
	DailyWithdrawalLimit    *string `gorm:"type:decimal(24,8)"`
	EmergencyStopWithdrawals bool
	EmergencyStopDeposits   bool
	ActiveRPCProvider       string `gorm:"size:64"`
	IsAutoSwitchEnabled     bool
	ProjectStartAt          time.Time
	ROISettingsJSON         string `gorm:"type:text"` // JSON map[string]string round-trip, spec §6
	UpdatedAt               time.Time
}

func (GlobalSettings) TableName() string { return "global_settings" }
