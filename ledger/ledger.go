package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound is returned when no ledger entry matches.
var ErrNotFound = errors.New("ledger: not found")

// ErrDuplicate is returned when (txHash, logIndex) already exists. Duplicate
// ingestion is a no-op for callers, never a failure.
var ErrDuplicate = errors.New("ledger: duplicate event")

// Record is one immutable on-chain fact ingested exactly once. Result holds
// the serialized outcome of applying the event so replays return the
// identical answer without re-mutating the settlement store.
type Record struct {
	ID               uint64 `gorm:"primaryKey;autoIncrement"`
	TxHash           string `gorm:"size:66;not null;uniqueIndex:idx_ledger_dedup,priority:1"`
	LogIndex         uint   `gorm:"not null;uniqueIndex:idx_ledger_dedup,priority:2"`
	BlockNumber      uint64 `gorm:"index"`
	TxIndex          uint
	EventName        string `gorm:"size:64;index"`
	ChainProjectID   uint64 `gorm:"index"`
	ChainMilestoneID *uint64
	Description      string `gorm:"size:256"`
	Amount           string `gorm:"size:80"`
	Attributes       string `gorm:"type:text"`
	Result           string `gorm:"type:text"`
	ObservedAt       time.Time
}

// TableName keeps the append-only table clearly named.
func (Record) TableName() string { return "event_ledger" }

// BlockCursor tracks the last processed block per on-chain project so the
// poller resumes after restarts instead of rescanning from genesis.
type BlockCursor struct {
	ChainProjectID uint64 `gorm:"primaryKey"`
	LastBlock      uint64
	UpdatedAt      time.Time
}

// Ledger is the durable, append-only event store.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// New wraps an opened gorm handle.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithTx scopes the ledger to a caller-managed transaction handle.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, now: l.now}
}

// AutoMigrate performs the ledger schema migrations.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Record{}, &BlockCursor{})
}

// Find returns the record for the dedup key, if previously ingested.
func (l *Ledger) Find(ctx context.Context, txHash string, logIndex uint) (*Record, error) {
	var rec Record
	err := l.db.WithContext(ctx).
		Where("tx_hash = ? AND log_index = ?", normalizeHash(txHash), logIndex).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, txHash, logIndex)
		}
		return nil, err
	}
	return &rec, nil
}

// Append inserts a record. The (txHash, logIndex) uniqueness constraint is
// the backstop for races between the request path and the poller.
func (l *Ledger) Append(ctx context.Context, rec *Record) error {
	rec.TxHash = normalizeHash(rec.TxHash)
	if rec.ObservedAt.IsZero() {
		rec.ObservedAt = l.now()
	}
	err := l.db.WithContext(ctx).Create(rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(strings.ToUpper(err.Error()), "UNIQUE") {
			return fmt.Errorf("%w: %s/%d", ErrDuplicate, rec.TxHash, rec.LogIndex)
		}
		return err
	}
	return nil
}

// ProjectHistory replays every recorded event for an on-chain project in
// chain order (blockNumber, txIndex, logIndex).
func (l *Ledger) ProjectHistory(ctx context.Context, chainProjectID uint64) ([]Record, error) {
	var records []Record
	err := l.db.WithContext(ctx).
		Where("chain_project_id = ?", chainProjectID).
		Order("block_number ASC, tx_index ASC, log_index ASC").
		Find(&records).Error
	return records, err
}

// Cursor returns the last processed block for a project, zero when unseen.
func (l *Ledger) Cursor(ctx context.Context, chainProjectID uint64) (uint64, error) {
	var cursor BlockCursor
	err := l.db.WithContext(ctx).First(&cursor, "chain_project_id = ?", chainProjectID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return cursor.LastBlock, nil
}

// SetCursor stores the last processed block for a project.
func (l *Ledger) SetCursor(ctx context.Context, chainProjectID, block uint64) error {
	cursor := BlockCursor{ChainProjectID: chainProjectID, LastBlock: block, UpdatedAt: l.now()}
	return l.db.WithContext(ctx).Save(&cursor).Error
}

func normalizeHash(h string) string {
	trimmed := strings.TrimSpace(h)
	if trimmed == "" {
		return trimmed
	}
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		trimmed = "0x" + trimmed
	}
	return strings.ToLower(trimmed)
}
