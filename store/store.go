package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Store holds the current configuration snapshot. Readers call Current()
// lock-free; Reload() serializes against itself and swaps the pointer only
// after a complete snapshot has been built.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger

	cur      atomic.Pointer[Snapshot]
	reloadMu sync.Mutex
}

// New creates a Store with an empty initial snapshot. Call Reload to load
// configuration from the database.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	s := &Store{
		db:     db,
		logger: logger.With(zap.String("component", "config_store")),
	}
	empty, _ := buildSnapshot(0, nil, nil)
	s.cur.Store(empty)
	return s
}

// AutoMigrate ensures the configuration tables exist. Production deployments
// use the SQL migrations; this keeps tests and dev setups self-contained.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&ProviderRow{}, &MasterKeyRow{}, &ConfigVersionRow{}); err != nil {
		return fmt.Errorf("auto migrate config tables: %w", err)
	}
	return nil
}

// Current returns the active snapshot. Never nil, never torn.
func (s *Store) Current() *Snapshot {
	return s.cur.Load()
}

// Version returns the active snapshot's version.
func (s *Store) Version() int64 {
	return s.cur.Load().Version
}

// Reload fetches all enabled providers and credentials plus the version row,
// builds a new snapshot, and installs it. On any failure the previous
// snapshot stays in place and the error is returned.
func (s *Store) Reload(ctx context.Context) (*Snapshot, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	db := s.db.WithContext(ctx)

	var provRows []ProviderRow
	if err := db.Where("is_enabled = ?", true).Order("id").Find(&provRows).Error; err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}

	var keyRows []MasterKeyRow
	if err := db.Where("is_enabled = ?", true).Order("id").Find(&keyRows).Error; err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	version := int64(0)
	var verRow ConfigVersionRow
	err := db.First(&verRow, 1).Error
	switch {
	case err == nil:
		version = verRow.Version
	case err == gorm.ErrRecordNotFound:
		// No version row yet: treat as version 0 (fresh database).
	default:
		return nil, fmt.Errorf("load config version: %w", err)
	}

	snap, err := buildSnapshot(version, provRows, keyRows)
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}

	s.cur.Store(snap)
	s.logger.Info("configuration reloaded",
		zap.Int64("version", snap.Version),
		zap.Int("providers", len(snap.Providers)),
		zap.Int("credentials", len(snap.Credentials)),
	)
	return snap, nil
}

// BumpVersion increments the config_version row inside the given
// transaction handle, creating it when absent. Used by the admin API after
// every mutation.
func BumpVersion(db *gorm.DB) error {
	var row ConfigVersionRow
	err := db.First(&row, 1).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		row = ConfigVersionRow{ID: 1, Version: 1}
		return db.Create(&row).Error
	case err != nil:
		return err
	}
	return db.Model(&ConfigVersionRow{}).Where("id = ?", 1).
		Update("version", gorm.Expr("version + 1")).Error
}
