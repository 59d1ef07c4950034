// Package datastore persists bearing history in SQLite.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/teslashibe/go-sentinel/internal/doa"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("datastore closed")

// BearingRecord is one persisted bearing
type BearingRecord struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	RunID          string    `gorm:"size:36;index" json:"run_id"`
	StationID      string    `gorm:"size:64;index" json:"station_id"`
	Angle          float64   `json:"angle"`
	RawAngle       float64   `json:"raw_angle"`
	MaxEnergy      float64   `json:"max_energy"`
	TotalEnergy    float64   `json:"total_energy"`
	Confidence     float64   `json:"confidence"`
	Active         bool      `json:"active"`
	FrameTimestamp int64     `json:"frame_timestamp"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
}

// Config configures the store
type Config struct {
	Path        string // ":memory:" for an in-process database
	StationID   string
	MinInterval time.Duration // minimum spacing between saved bearings
	Retention   time.Duration
}

// Store writes throttled bearing history. Each process run gets its own
// run ID so restarts can be told apart.
type Store struct {
	db     *gorm.DB
	cfg    Config
	runID  string
	logger *slog.Logger

	mu       sync.Mutex
	lastSave time.Time
	closed   bool
}

// Open opens or creates the database and migrates the schema
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		return nil, errors.New("datastore path is empty")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create datastore dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	if cfg.Path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get underlying DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&BearingRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		runID:  uuid.NewString(),
		logger: logger.With("component", "datastore"),
	}
	s.logger.Info("datastore opened", "path", cfg.Path, "run_id", s.runID)
	return s, nil
}

// RunID returns the identifier stamped on rows written by this process
func (s *Store) RunID() string { return s.runID }

// Save persists a tracker result unless one was saved less than
// MinInterval earlier. It reports whether a row was written.
func (s *Store) Save(ctx context.Context, r doa.Result) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}
	at := r.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	if !s.lastSave.IsZero() && at.Sub(s.lastSave) < s.cfg.MinInterval {
		return false, nil
	}

	rec := BearingRecord{
		RunID:          s.runID,
		StationID:      s.cfg.StationID,
		Angle:          r.Angle,
		RawAngle:       r.RawAngle,
		MaxEnergy:      r.MaxEnergy,
		TotalEnergy:    r.TotalEnergy,
		Confidence:     r.Confidence,
		Active:         r.Active,
		FrameTimestamp: r.FrameTimestamp,
		CreatedAt:      at,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return false, fmt.Errorf("save bearing: %w", err)
	}
	s.lastSave = at
	return true, nil
}

// Recent returns up to limit records, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]BearingRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []BearingRecord
	err := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query bearings: %w", err)
	}
	return out, nil
}

// Count returns the number of stored records
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&BearingRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count bearings: %w", err)
	}
	return n, nil
}

// Prune deletes records created before cutoff
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&BearingRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune bearings: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RunPruner removes records older than Retention every interval until ctx
// is done. A zero Retention disables pruning.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) {
	if s.cfg.Retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Prune(ctx, time.Now().Add(-s.cfg.Retention))
			if err != nil {
				s.logger.Warn("prune failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("pruned bearing history", "rows", n)
			}
		}
	}
}

// Close closes the database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get underlying DB: %w", err)
	}
	return sqlDB.Close()
}
