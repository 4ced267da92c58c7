// Package journal archives dispatch receipts in a SQL database so operators
// can audit message history after the fact.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/holiman/uint256"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"nhbchain/core"
	"nhbchain/core/types"
)

// ErrNotFound is returned when no receipt matches the requested id.
var ErrNotFound = errors.New("journal: receipt not found")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultListLimit = 100
	maxListLimit     = 1000
)

// RawJSON is a JSON document stored as text.
type RawJSON string

func (r RawJSON) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte("null"), nil
	}
	return []byte(r), nil
}

func (r *RawJSON) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = ""
		return nil
	}
	*r = RawJSON(append([]byte(nil), data...))
	return nil
}

// Entry is one archived receipt.
type Entry struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Op        string    `gorm:"size:32;index" json:"op"`
	QueryID   uint64    `json:"queryId"`
	Code      uint32    `gorm:"index" json:"code"`
	Error     string    `gorm:"type:text" json:"error,omitempty"`
	Sender    string    `gorm:"size:96;index" json:"sender"`
	Value     string    `gorm:"size:80" json:"value"`
	DealID    *uint32   `gorm:"index" json:"dealId,omitempty"`
	UfKey     *uint32   `json:"key,omitempty"`
	Ops       int       `json:"ops"`
	Transfers RawJSON   `gorm:"type:text" json:"transfers,omitempty"`
	Events    RawJSON   `gorm:"type:text" json:"events,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

func (Entry) TableName() string { return "escrow_receipts" }

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Op       string
	Sender   string
	DealID   *uint32
	Rejected *bool
	Limit    int
}

// Store persists receipts through gorm.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to driver (sqlite or postgres) and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("journal: dsn required")
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return New(db)
}

// New wraps an open gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("journal: nil database")
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record archives receipt together with the sender and value that produced
// it.
func (s *Store) Record(ctx context.Context, sender types.Address, value *uint256.Int, receipt *core.Receipt) error {
	if receipt == nil {
		return errors.New("journal: nil receipt")
	}
	entry := Entry{
		ID:        receipt.ID,
		Op:        receipt.Op,
		QueryID:   receipt.QueryID,
		Code:      receipt.Code,
		Error:     receipt.Error,
		Sender:    sender.String(),
		Value:     "0",
		DealID:    receipt.DealID,
		UfKey:     receipt.Key,
		Ops:       receipt.Ops,
		CreatedAt: s.now().UTC(),
	}
	if value != nil {
		entry.Value = value.Dec()
	}
	if len(receipt.Transfers) > 0 {
		raw, err := json.Marshal(receipt.Transfers)
		if err != nil {
			return err
		}
		entry.Transfers = RawJSON(raw)
	}
	if len(receipt.Events) > 0 {
		raw, err := json.Marshal(receipt.Events)
		if err != nil {
			return err
		}
		entry.Events = RawJSON(raw)
	}
	return s.db.WithContext(ctx).Create(&entry).Error
}

// Get loads one receipt by id.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns matching receipts, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	q := s.db.WithContext(ctx).Model(&Entry{})
	if f.Op != "" {
		q = q.Where("op = ?", f.Op)
	}
	if f.Sender != "" {
		q = q.Where("sender = ?", f.Sender)
	}
	if f.DealID != nil {
		q = q.Where("deal_id = ?", *f.DealID)
	}
	if f.Rejected != nil {
		if *f.Rejected {
			q = q.Where("code <> ?", 0)
		} else {
			q = q.Where("code = ?", 0)
		}
	}
	var out []Entry
	if err := q.Order("created_at DESC").Order("id").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
