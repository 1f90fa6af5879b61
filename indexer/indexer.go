// Package indexer records committed ledger events in a SQL database so they
// can be queried by type, bucket, provider or height.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bucketchain/core/events"
	"bucketchain/core/types"
	"bucketchain/observability"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// EventRecord is one indexed event. Bucket and Provider are lifted out of the
// attributes when present.
type EventRecord struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	Height     uint64            `gorm:"index" json:"height"`
	Type       string            `gorm:"size:64;index" json:"type"`
	Bucket     uint64            `gorm:"index" json:"bucket,omitempty"`
	Provider   string            `gorm:"size:64;index" json:"provider,omitempty"`
	Attributes string            `gorm:"type:text" json:"-"`
	Attrs      map[string]string `gorm:"-" json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	Type       string `json:"type,omitempty"`
	Bucket     uint64 `json:"bucket,omitempty"`
	Provider   string `json:"provider,omitempty"`
	FromHeight uint64 `json:"fromHeight,omitempty"`
	ToHeight   uint64 `json:"toHeight,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// Indexer writes events to SQL. It implements events.Emitter so it can be
// attached to the ledger directly.
type Indexer struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to dsn and migrates the schema. postgres:// and postgresql://
// URLs select PostgreSQL; anything else is a SQLite DSN.
func Open(dsn string) (*Indexer, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("indexer: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("indexer: open: %w", err)
	}
	return New(db)
}

// New wraps an open database handle.
func New(db *gorm.DB) (*Indexer, error) {
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	return &Indexer{db: db, logger: slog.Default()}, nil
}

func (i *Indexer) SetLogger(logger *slog.Logger) {
	if logger != nil {
		i.logger = logger
	}
}

// Emit records evt. Write failures are logged and counted as drops; the
// ledger never waits on the index.
func (i *Indexer) Emit(evt events.Event) {
	typed, ok := evt.(events.Typed)
	if !ok || typed.Event() == nil {
		return
	}
	if err := i.Record(context.Background(), typed.Event()); err != nil {
		observability.Events().RecordDropped("indexer")
		i.logger.Warn("index event failed",
			slog.String("type", typed.Event().Type),
			slog.Any("error", err))
	}
}

// Record stores a single event.
func (i *Indexer) Record(ctx context.Context, evt *types.Event) error {
	if evt == nil {
		return nil
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	rec := EventRecord{
		ID:         id,
		Type:       evt.Type,
		Provider:   evt.Attr("provider"),
		Attributes: string(attrs),
		CreatedAt:  time.Now().UTC(),
	}
	if raw := evt.Attr("height"); raw != "" {
		if rec.Height, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return fmt.Errorf("indexer: bad height %q: %w", raw, err)
		}
	}
	if raw := evt.Attr("bucket"); raw != "" {
		if rec.Bucket, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return fmt.Errorf("indexer: bad bucket %q: %w", raw, err)
		}
	}
	return i.db.WithContext(ctx).Create(&rec).Error
}

// Query returns events matching f in commit order. Record assigns
// time-ordered ids, so id order within a height is emission order.
func (i *Indexer) Query(ctx context.Context, f Filter) ([]EventRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	q := i.db.WithContext(ctx).Model(&EventRecord{})
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Bucket != 0 {
		q = q.Where("bucket = ?", f.Bucket)
	}
	if f.Provider != "" {
		q = q.Where("provider = ?", strings.ToLower(f.Provider))
	}
	if f.FromHeight != 0 {
		q = q.Where("height >= ?", f.FromHeight)
	}
	if f.ToHeight != 0 {
		q = q.Where("height <= ?", f.ToHeight)
	}
	var out []EventRecord
	if err := q.Order("height asc").Order("id asc").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	for idx := range out {
		if err := json.Unmarshal([]byte(out[idx].Attributes), &out[idx].Attrs); err != nil {
			return nil, fmt.Errorf("indexer: decode attributes: %w", err)
		}
	}
	return out, nil
}

func (i *Indexer) Close() error {
	sqlDB, err := i.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
