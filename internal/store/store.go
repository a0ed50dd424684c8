// Package store persists the latest value for each key in a SQLite database.
// It backs the example fault provider used by the subjectmap CLI: a fault for
// key k reads the snapshot stored under k.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/subjectmap/internal/fault"
	"github.com/zjrosen/subjectmap/internal/log"
)

// ErrNotFound is returned when no snapshot exists for a key.
var ErrNotFound = errors.New("snapshot not found")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Snapshot is the stored value of one key.
type Snapshot struct {
	Key       string
	Value     string
	Revision  string
	UpdatedAt time.Time
}

// Store is a snapshot table in a SQLite database file.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	log.Debug(log.CatStore, "Opening database", "path", path)
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		log.ErrorErr(log.CatStore, "Failed to open database", err, "path", path)
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		log.ErrorErr(log.CatStore, "Failed to ping database", err, "path", path)
		return nil, fmt.Errorf("opening store: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info(log.CatStore, "Connected to database", "path", path)
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores value under key, replacing any previous snapshot.
func (s *Store) Put(ctx context.Context, key, value string) (Snapshot, error) {
	snap := Snapshot{
		Key:       key,
		Value:     value,
		Revision:  uuid.NewString(),
		UpdatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (key, value, revision, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			revision = excluded.revision,
			updated_at = excluded.updated_at`,
		snap.Key, snap.Value, snap.Revision, snap.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("putting %q: %w", key, err)
	}
	log.Debug(log.CatStore, "Stored snapshot", "key", key, "revision", snap.Revision)
	return snap, nil
}

// Get returns the snapshot for key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (Snapshot, error) {
	var (
		snap      Snapshot
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, revision, updated_at FROM snapshots WHERE key = ?`, key,
	).Scan(&snap.Key, &snap.Value, &snap.Revision, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("getting %q: %w", key, err)
	}
	snap.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return snap, nil
}

// Delete removes the snapshot for key. Returns ErrNotFound if there was none.
func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("deleting %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting %q: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return nil
}

// Keys returns every stored key in ascending order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM snapshots ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	return keys, nil
}

// Provider returns a fault handler that resolves a key to its stored value.
func (s *Store) Provider() fault.Func[string, string] {
	return func(ctx context.Context, key string) (string, error) {
		snap, err := s.Get(ctx, key)
		if err != nil {
			return "", err
		}
		return snap.Value, nil
	}
}

// migrate applies every embedded up migration newer than the recorded
// schema version, one transaction per file.
func (s *Store) migrate(ctx context.Context) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	defer func() { _ = src.Close() }()

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var current uint
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	version, err := src.First()
	for ; err == nil; version, err = src.Next(version) {
		if version <= current {
			continue
		}
		if err := s.apply(ctx, src, version); err != nil {
			return err
		}
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading migrations: %w", err)
	}
	return nil
}

type upReader interface {
	ReadUp(version uint) (io.ReadCloser, string, error)
}

func (s *Store) apply(ctx context.Context, src upReader, version uint) error {
	r, name, err := src.ReadUp(version)
	if err != nil {
		return fmt.Errorf("reading migration %d: %w", version, err)
	}
	body, err := io.ReadAll(r)
	_ = r.Close()
	if err != nil {
		return fmt.Errorf("reading migration %d: %w", version, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("applying migration %d: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("applying migration %d (%s): %w", version, name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		version, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", version, err)
	}
	log.Info(log.CatStore, "Applied migration", "version", version, "name", name)
	return nil
}
