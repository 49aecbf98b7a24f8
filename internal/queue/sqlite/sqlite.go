// Package sqlite provides the on-device queue.Store backed by a SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bissquit/fieldsync/internal/queue"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultBusyTimeout = 5 * time.Second

// Config holds SQLite store configuration.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Store implements queue.Store on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at cfg.Path and applies pending
// migrations before returning. Pass ":memory:" for a throwaway database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = defaultBusyTimeout
	}

	dsn := cfg.Path
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// One connection avoids "database is locked" and keeps :memory: alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migrate driver: %w", err)
	}

	// m is not closed: closing it would close db.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (uint, error) {
	var version uint
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1`).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, queue.Wrap("version", "", err)
	}
	return version, nil
}

const columns = `id, kind, client_id, index_key, payload, target, created_at, sync_status, retry_count, last_error`

// AddItem inserts rec and returns its generated id.
func (s *Store) AddItem(ctx context.Context, c queue.Collection, rec *queue.Record) (int64, error) {
	table, err := c.Table()
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (kind, client_id, index_key, payload, target, created_at, sync_status, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, table)
	res, err := s.db.ExecContext(ctx, query,
		rec.Kind,
		rec.ClientID,
		rec.Key,
		payloadOf(rec),
		rec.Target,
		toMillis(rec.CreatedAt),
		rec.SyncStatus,
		rec.RetryCount,
		rec.LastError,
	)
	if err != nil {
		return 0, queue.Wrap("add", c, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, queue.Wrap("add", c, err)
	}
	return id, nil
}

// GetItem returns the record with id.
func (s *Store) GetItem(ctx context.Context, c queue.Collection, id int64) (*queue.Record, error) {
	table, err := c.Table()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, columns, table)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrNotFound
		}
		return nil, queue.Wrap("get", c, err)
	}
	return rec, nil
}

// GetAllItems returns every record in id order.
func (s *Store) GetAllItems(ctx context.Context, c queue.Collection) ([]queue.Record, error) {
	table, err := c.Table()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id`, columns, table)
	return s.query(ctx, "list", c, query)
}

// GetItemsByIndex returns records whose index equals value, in id order.
func (s *Store) GetItemsByIndex(ctx context.Context, c queue.Collection, index queue.Index, value any) ([]queue.Record, error) {
	table, col, err := tableAndColumn(c, index)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ? ORDER BY id`, columns, table, col)
	return s.query(ctx, "query", c, query, bindValue(value))
}

// CountByIndex counts records whose index equals value.
func (s *Store) CountByIndex(ctx context.Context, c queue.Collection, index queue.Index, value any) (int, error) {
	table, col, err := tableAndColumn(c, index)
	if err != nil {
		return 0, err
	}

	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = ?`, table, col)
	if err := s.db.QueryRowContext(ctx, query, bindValue(value)).Scan(&n); err != nil {
		return 0, queue.Wrap("count", c, err)
	}
	return n, nil
}

// UpdateItem writes rec under rec.ID, inserting it when missing.
func (s *Store) UpdateItem(ctx context.Context, c queue.Collection, rec *queue.Record) error {
	table, err := c.Table()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			client_id = excluded.client_id,
			index_key = excluded.index_key,
			payload = excluded.payload,
			target = excluded.target,
			created_at = excluded.created_at,
			sync_status = excluded.sync_status,
			retry_count = excluded.retry_count,
			last_error = excluded.last_error
	`, table, columns)
	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Kind,
		rec.ClientID,
		rec.Key,
		payloadOf(rec),
		rec.Target,
		toMillis(rec.CreatedAt),
		rec.SyncStatus,
		rec.RetryCount,
		rec.LastError,
	)
	if err != nil {
		return queue.Wrap("update", c, err)
	}
	return nil
}

// DeleteItem removes the record with id. Missing ids are ignored.
func (s *Store) DeleteItem(ctx context.Context, c queue.Collection, id int64) error {
	table, err := c.Table()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return queue.Wrap("delete", c, err)
	}
	return nil
}

// ClearStore removes every record of c.
func (s *Store) ClearStore(ctx context.Context, c queue.Collection) error {
	table, err := c.Table()
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
		return queue.Wrap("clear", c, err)
	}
	return nil
}

// GetCount returns the number of records in c.
func (s *Store) GetCount(ctx context.Context, c queue.Collection) (int, error) {
	table, err := c.Table()
	if err != nil {
		return 0, err
	}

	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, queue.Wrap("count", c, err)
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, op string, c queue.Collection, query string, args ...any) ([]queue.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queue.Wrap(op, c, err)
	}
	defer func() { _ = rows.Close() }()

	recs := make([]queue.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, queue.Wrap(op, c, err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, queue.Wrap(op, c, err)
	}
	return recs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*queue.Record, error) {
	var (
		rec       queue.Record
		createdAt int64
	)
	err := row.Scan(
		&rec.ID,
		&rec.Kind,
		&rec.ClientID,
		&rec.Key,
		&rec.Payload,
		&rec.Target,
		&createdAt,
		&rec.SyncStatus,
		&rec.RetryCount,
		&rec.LastError,
	)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &rec, nil
}

func tableAndColumn(c queue.Collection, index queue.Index) (string, string, error) {
	table, err := c.Table()
	if err != nil {
		return "", "", err
	}
	col, err := c.Column(index)
	if err != nil {
		return "", "", err
	}
	return table, col, nil
}

func bindValue(value any) any {
	v := queue.NormalizeValue(value)
	if t, ok := v.(time.Time); ok {
		return toMillis(t)
	}
	return v
}

func payloadOf(rec *queue.Record) []byte {
	if rec.Payload == nil {
		return []byte{}
	}
	return rec.Payload
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}
