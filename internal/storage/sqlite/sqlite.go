// Package sqlite is the default journal backend: a single database file
// under the workspace, opened through the pure-Go glebarez/sqlite driver.
// It reuses the PostgreSQL backend's models and repository; GORM's dialect
// covers the SQL differences.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/storage"
	pgstore "github.com/jkaninda/kazi/internal/storage/postgres"
)

// defaultJournalMode lets readers (kazi history) run beside a writer.
const defaultJournalMode = "wal"

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string
	JournalMode string
}

// Store implements storage.Store backed by one SQLite file.
type Store struct {
	*pgstore.JournalRepository
	db   *gorm.DB
	path string
}

// Open creates the database file, and its directory, when missing.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	mode := cfg.JournalMode
	if mode == "" {
		mode = defaultJournalMode
	}

	db, err := gorm.Open(sqlite.Open(dsn(cfg.Path, mode)), pgstore.GormConfig(logger))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", cfg.Path, err)
	}

	logger.Debug("sqlite journal opened", slog.String("path", cfg.Path), slog.String("journal_mode", mode))
	return &Store{
		JournalRepository: pgstore.NewJournalRepository(db),
		db:                db,
		path:              cfg.Path,
	}, nil
}

func dsn(path, journalMode string) string {
	return fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path, journalMode)
}

// Migrate creates or updates the journal tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(pgstore.Models()...)
}

// Driver returns "sqlite".
func (s *Store) Driver() string {
	return storage.DriverSQLite
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

var _ storage.Store = (*Store)(nil)
