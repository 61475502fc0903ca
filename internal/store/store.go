package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jinzhu/gorm"
	_ "github.com/go-sql-driver/mysql"

	"github.com/plexfi/financial-core/internal/core"
	"github.com/plexfi/financial-core/internal/logger"
)

// Store is the narrow persistence port every engine depends on, in the
// shape of the teacher's storage/database.DBManager interface: callers
// never see *gorm.DB, only named operations and a transactional boundary.
type Store interface {
	// Transaction runs fn inside a single DB transaction (spec §4: "cross-
	// entity writes... performed within a single transactional boundary").
	// fn receives a Store scoped to that transaction; any error rolls back.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	GetUser(ctx context.Context, id uint64) (*User, error)
	GetUserForUpdate(ctx context.Context, id uint64) (*User, error)
	GetUserByExternalID(ctx context.Context, externalID int64) (*User, error)
	GetUserByWallet(ctx context.Context, wallet string) (*User, error)
	SaveUser(ctx context.Context, u *User) error

	GetDepositLevelVersion(ctx context.Context, level int) (*DepositLevelVersion, error)

	CreateDeposit(ctx context.Context, d *Deposit) error
	GetDeposit(ctx context.Context, id uint64) (*Deposit, error)
	GetDepositForUpdate(ctx context.Context, id uint64) (*Deposit, error)
	GetDepositByTxHash(ctx context.Context, txHash string) (*Deposit, error)
	SaveDeposit(ctx context.Context, d *Deposit) error
	ListDepositsByStatus(ctx context.Context, status DepositStatus, olderThan time.Time, limit int) ([]*Deposit, error)
	ListAccrualDueDeposits(ctx context.Context, now time.Time, limit int) ([]*Deposit, error)
	ListDepositsByUser(ctx context.Context, userID uint64) ([]*Deposit, error)

	CreatePlexRequirement(ctx context.Context, p *PlexPaymentRequirement) error
	GetPlexRequirementByDeposit(ctx context.Context, depositID uint64) (*PlexPaymentRequirement, error)
	GetPlexRequirementForUpdate(ctx context.Context, id uint64) (*PlexPaymentRequirement, error)
	SavePlexRequirement(ctx context.Context, p *PlexPaymentRequirement) error
	ListPlexRequirementsDue(ctx context.Context, field string, before time.Time, limit int) ([]*PlexPaymentRequirement, error)
	ListInactivePlexRequirements(ctx context.Context, limit int) ([]*PlexPaymentRequirement, error)
	ListActivePlexRequirements(ctx context.Context, limit int) ([]*PlexPaymentRequirement, error)

	GetReferralEdge(ctx context.Context, referrerID, referralID uint64, level int) (*Referral, error)
	GetReferralEdgeByChild(ctx context.Context, referralID uint64, level int) (*Referral, error)
	CreateReferral(ctx context.Context, r *Referral) error
	SaveReferral(ctx context.Context, r *Referral) error
	TopReferrersByEarned(ctx context.Context, limit int) ([]*User, error)

	CreateReferralEarning(ctx context.Context, e *ReferralEarning) error
	FindReferralEarning(ctx context.Context, referralID uint64, sourceEventID string) (*ReferralEarning, error)
	GetReferralEarning(ctx context.Context, id uint64) (*ReferralEarning, error)
	SaveReferralEarning(ctx context.Context, e *ReferralEarning) error

	CreateTransaction(ctx context.Context, t *Transaction) error
	SumTransactionAmount(ctx context.Context, typ TransactionType, status TransactionStatus, since time.Time) (string, error)

	GetGlobalSettings(ctx context.Context) (*GlobalSettings, error)
}

// gormStore is the concrete implementation.
type gormStore struct {
	db  *gorm.DB
	log *logger.Logger
}

// Open connects to MySQL via go-sql-driver/mysql behind jinzhu/gorm, the
// teacher's direct ORM dependency.
func Open(dsn string) (Store, error) {
	db, err := gorm.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.LogMode(false)
	return &gormStore{db: db, log: logger.New("store")}, nil
}

// AutoMigrate creates/updates the schema for every entity in spec §3. Real
// deployments would prefer versioned migrations; this mirrors the teacher's
// own pragmatic posture of trusting the ORM's schema sync for a narrow,
// internally-consumed service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{}, &DepositLevelVersion{}, &Deposit{}, &PlexPaymentRequirement{},
		&Referral{}, &ReferralEarning{}, &Transaction{}, &GlobalSettings{},
	).Error
}

func (s *gormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	txDB := s.db.Begin()
	if txDB.Error != nil {
		return core.Wrap(core.KindInternal, "", "begin transaction", txDB.Error)
	}
	scoped := &gormStore{db: txDB, log: s.log}
	if err := fn(scoped); err != nil {
		txDB.Rollback()
		return err
	}
	if err := txDB.Commit().Error; err != nil {
		return core.Wrap(core.KindInternal, "", "commit transaction", err)
	}
	return nil
}

// GormDB exposes the underlying connection for schema migration at process
// startup; no engine code should depend on this, only cmd/financial-core.
func (s *gormStore) GormDB() *gorm.DB { return s.db }

func forUpdate(db *gorm.DB) *gorm.DB {
	return db.Set("gorm:query_option", "FOR UPDATE")
}

func (s *gormStore) GetUser(ctx context.Context, id uint64) (*User, error) {
	var u User
	if err := s.db.First(&u, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &u, nil
}

func (s *gormStore) GetUserForUpdate(ctx context.Context, id uint64) (*User, error) {
	var u User
	if err := forUpdate(s.db).First(&u, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &u, nil
}

func (s *gormStore) GetUserByExternalID(ctx context.Context, externalID int64) (*User, error) {
	var u User
	if err := s.db.Where("external_id = ?", externalID).First(&u).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &u, nil
}

func (s *gormStore) GetUserByWallet(ctx context.Context, wallet string) (*User, error) {
	var u User
	if err := s.db.Where("wallet_address = ?", wallet).First(&u).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &u, nil
}

func (s *gormStore) SaveUser(ctx context.Context, u *User) error {
	return s.db.Save(u).Error
}

func (s *gormStore) GetDepositLevelVersion(ctx context.Context, level int) (*DepositLevelVersion, error) {
	var v DepositLevelVersion
	err := s.db.Where("level = ? AND is_active = ?", level, true).
		Order("version_number desc").First(&v).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &v, nil
}

func (s *gormStore) CreateDeposit(ctx context.Context, d *Deposit) error {
	return s.db.Create(d).Error
}

func (s *gormStore) GetDeposit(ctx context.Context, id uint64) (*Deposit, error) {
	var d Deposit
	if err := s.db.First(&d, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &d, nil
}

func (s *gormStore) GetDepositForUpdate(ctx context.Context, id uint64) (*Deposit, error) {
	var d Deposit
	if err := forUpdate(s.db).First(&d, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &d, nil
}

func (s *gormStore) GetDepositByTxHash(ctx context.Context, txHash string) (*Deposit, error) {
	var d Deposit
	if err := s.db.Where("tx_hash = ?", txHash).First(&d).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &d, nil
}

func (s *gormStore) SaveDeposit(ctx context.Context, d *Deposit) error {
	return s.db.Save(d).Error
}

func (s *gormStore) ListDepositsByStatus(ctx context.Context, status DepositStatus, olderThan time.Time, limit int) ([]*Deposit, error) {
	var out []*Deposit
	q := s.db.Where("status = ?", status)
	if !olderThan.IsZero() {
		q = q.Where("created_at <= ?", olderThan)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *gormStore) ListAccrualDueDeposits(ctx context.Context, now time.Time, limit int) ([]*Deposit, error) {
	var out []*Deposit
	q := s.db.Where("status = ? AND is_roi_completed = ? AND next_accrual_at <= ?", DepositConfirmed, false, now)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *gormStore) ListDepositsByUser(ctx context.Context, userID uint64) ([]*Deposit, error) {
	var out []*Deposit
	if err := s.db.Where("user_id = ?", userID).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *gormStore) CreatePlexRequirement(ctx context.Context, p *PlexPaymentRequirement) error {
	return s.db.Create(p).Error
}

func (s *gormStore) GetPlexRequirementByDeposit(ctx context.Context, depositID uint64) (*PlexPaymentRequirement, error) {
	var p PlexPaymentRequirement
	if err := s.db.Where("deposit_id = ?", depositID).First(&p).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &p, nil
}

func (s *gormStore) GetPlexRequirementForUpdate(ctx context.Context, id uint64) (*PlexPaymentRequirement, error) {
	var p PlexPaymentRequirement
	if err := forUpdate(s.db).First(&p, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &p, nil
}

func (s *gormStore) SavePlexRequirement(ctx context.Context, p *PlexPaymentRequirement) error {
	return s.db.Save(p).Error
}

func (s *gormStore) ListPlexRequirementsDue(ctx context.Context, field string, before time.Time, limit int) ([]*PlexPaymentRequirement, error) {
	allowed := map[string]bool{"warning_due": true, "block_due": true, "next_payment_due": true}
	if !allowed[field] {
		return nil, fmt.Errorf("store: invalid due field %q", field)
	}
	var out []*PlexPaymentRequirement
	q := s.db.Where(fmt.Sprintf("%s <= ?", field), before)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *gormStore) ListInactivePlexRequirements(ctx context.Context, limit int) ([]*PlexPaymentRequirement, error) {
	var out []*PlexPaymentRequirement
	q := s.db.Where("is_work_active = ?", false).Where("status != ?", PlexBlocked)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *gormStore) ListActivePlexRequirements(ctx context.Context, limit int) ([]*PlexPaymentRequirement, error) {
	var out []*PlexPaymentRequirement
	q := s.db.Where("status IN (?)", []PlexStatus{PlexActive, PlexWarning})
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *gormStore) GetReferralEdge(ctx context.Context, referrerID, referralID uint64, level int) (*Referral, error) {
	var r Referral
	err := s.db.Where("referrer_id = ? AND referral_id = ? AND level = ?", referrerID, referralID, level).First(&r).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &r, nil
}

func (s *gormStore) GetReferralEdgeByChild(ctx context.Context, referralID uint64, level int) (*Referral, error) {
	var r Referral
	err := s.db.Where("referral_id = ? AND level = ?", referralID, level).First(&r).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &r, nil
}

func (s *gormStore) CreateReferral(ctx context.Context, r *Referral) error {
	return s.db.Create(r).Error
}

func (s *gormStore) SaveReferral(ctx context.Context, r *Referral) error {
	return s.db.Save(r).Error
}

func (s *gormStore) TopReferrersByEarned(ctx context.Context, limit int) ([]*User, error) {
	var out []*User
	q := s.db.Order("total_earned desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *gormStore) CreateReferralEarning(ctx context.Context, e *ReferralEarning) error {
	return s.db.Create(e).Error
}

func (s *gormStore) FindReferralEarning(ctx context.Context, referralID uint64, sourceEventID string) (*ReferralEarning, error) {
	var e ReferralEarning
	err := s.db.Where("referral_id = ? AND source_event_id = ?", referralID, sourceEventID).First(&e).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &e, nil
}

func (s *gormStore) GetReferralEarning(ctx context.Context, id uint64) (*ReferralEarning, error) {
	var e ReferralEarning
	if err := s.db.First(&e, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &e, nil
}

func (s *gormStore) SaveReferralEarning(ctx context.Context, e *ReferralEarning) error {
	return s.db.Save(e).Error
}

func (s *gormStore) CreateTransaction(ctx context.Context, t *Transaction) error {
	return s.db.Create(t).Error
}

// SumTransactionAmount returns the platform-wide total of transactions of
// typ/status created at or after since, used for the daily withdrawal
// limit (spec §4.8 check 9). Returns "0" when nothing matches.
func (s *gormStore) SumTransactionAmount(ctx context.Context, typ TransactionType, status TransactionStatus, since time.Time) (string, error) {
	var sum string
	row := s.db.Model(&Transaction{}).
		Where("type = ? AND status = ? AND created_at >= ?", typ, status, since).
		Select("COALESCE(SUM(amount), 0)").Row()
	if err := row.Scan(&sum); err != nil {
		return "0", err
	}
	return sum, nil
}

func (s *gormStore) GetGlobalSettings(ctx context.Context) (*GlobalSettings, error) {
	var g GlobalSettings
	if err := s.db.First(&g).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &g, nil
}

func wrapNotFound(err error) error {
	if gorm.IsRecordNotFoundError(err) {
		return core.Wrap(core.KindInternal, "", "record not found", err)
	}
	return core.Wrap(core.KindInternal, "", "store error", err)
}

// MarshalStringList / UnmarshalStringList round-trip Deposit.consolidated_tx_hashes
// as a JSON list-of-strings (spec §6: "no format guarantees... except round-trip").
func MarshalStringList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func UnmarshalStringList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// MarshalStringMap / UnmarshalStringMap round-trip GlobalSettings.roi_settings
// as a JSON map[string]string.
func MarshalStringMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func UnmarshalStringMap(raw string) map[string]string {
	out := map[string]string{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
