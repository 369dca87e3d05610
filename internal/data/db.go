// Package data is the SQLite persistence backend for Confidant. It stores
// opaque state documents by key using modernc.org/sqlite, so no CGO is needed.
package data

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/normanking/confidant/internal/logging"
)

// DBFileName is the database file created inside the data directory.
const DBFileName = "confidant.db"

//go:embed migrations/001_documents.sql
var documentsSchema string

// migration is one schema step. Version is written to PRAGMA user_version
// once Schema has been applied, so each step runs at most once per file.
type migration struct {
	Version int
	Name    string
	Schema  string
}

var migrations = []migration{
	{Version: 1, Name: "documents", Schema: documentsSchema},
}

// Connection settings applied to the single pooled connection.
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// Store is the document database.
type Store struct {
	db  *sql.DB
	log *logging.Logger
}

// Open opens (creating if needed) the database under dataDir and brings its
// schema up to date. dataDir must be on a local filesystem.
func Open(ctx context.Context, dataDir string) (*Store, error) {
	if err := prepareDir(dataDir); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, DBFileName))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: the pragmas are per connection and SQLite has one writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, log: logging.Global().WithComponent("data")}
	if err := s.setup(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) setup(ctx context.Context) error {
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return s.migrate(ctx)
}

// SchemaVersion reports the last applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func (s *Store) migrate(ctx context.Context) error {
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Schema); err != nil {
				return err
			}
			// PRAGMA does not take bind parameters.
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		s.log.Debug("applied migration %d (%s)", m.Version, m.Name)
	}
	return nil
}

// Health runs a trivial query so a broken file or driver fails at startup
// instead of on the first save.
func (s *Store) Health(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health: %w", err)
	}
	if one != 1 {
		return fmt.Errorf("database health: SELECT 1 returned %d", one)
	}
	return nil
}

// Close checkpoints the WAL into the main file and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn("WAL checkpoint failed: %v", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// WithTx runs fn in a transaction, committing only if fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Mount points where SQLite locking is unreliable.
var networkPrefixes = []string{"//", `\\`, "/mnt/", "/net/", "/Volumes/"}

// prepareDir creates dataDir and checks that it is local and writable.
func prepareDir(dataDir string) error {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}
	for _, prefix := range networkPrefixes {
		if strings.HasPrefix(abs, prefix) {
			return fmt.Errorf("data directory %s looks like a network mount; SQLite needs a local disk", abs)
		}
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	f, err := os.CreateTemp(dataDir, ".write-check-*")
	if err != nil {
		return fmt.Errorf("data directory not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}
