// Package postgres provides a queue.Store on PostgreSQL for relay
// deployments that share one queue between several field devices.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/fieldsync/internal/queue"
	pkgpostgres "github.com/bissquit/fieldsync/internal/pkg/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations to databaseURL.
func Migrate(databaseURL string) error {
	return pkgpostgres.MigrateUp(databaseURL, migrationsFS, "migrations")
}

// Store implements queue.Store using PostgreSQL.
type Store struct {
	db *pgxpool.Pool
}

// New creates a store on an existing pool. The schema must be migrated.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Open connects, migrates and returns a ready store.
func Open(ctx context.Context, cfg pkgpostgres.Config) (*Store, error) {
	if err := Migrate(cfg.URL); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	pool, err := pkgpostgres.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(pool), nil
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.db
}

// Close closes the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (uint, error) {
	var version int64
	err := s.db.QueryRow(ctx, `SELECT version FROM schema_migrations LIMIT 1`).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, queue.Wrap("version", "", err)
	}
	return uint(version), nil
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, table)
	var id int64
	err = s.db.QueryRow(ctx, query,
		rec.Kind,
		rec.ClientID,
		rec.Key,
		payloadOf(rec),
		rec.Target,
		createdAt(rec),
		rec.SyncStatus,
		rec.RetryCount,
		rec.LastError,
	).Scan(&id)
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

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, columns, table)
	rec, err := scanRecord(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 ORDER BY id`, columns, table, col)
	return s.query(ctx, "query", c, query, queue.NormalizeValue(value))
}

// CountByIndex counts records whose index equals value.
func (s *Store) CountByIndex(ctx context.Context, c queue.Collection, index queue.Index, value any) (int, error) {
	table, col, err := tableAndColumn(c, index)
	if err != nil {
		return 0, err
	}

	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = $1`, table, col)
	if err := s.db.QueryRow(ctx, query, queue.NormalizeValue(value)).Scan(&n); err != nil {
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

	upsert := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			client_id = EXCLUDED.client_id,
			index_key = EXCLUDED.index_key,
			payload = EXCLUDED.payload,
			target = EXCLUDED.target,
			created_at = EXCLUDED.created_at,
			sync_status = EXCLUDED.sync_status,
			retry_count = EXCLUDED.retry_count,
			last_error = EXCLUDED.last_error
		RETURNING (xmax = 0) AS inserted
	`, table, columns)

	// An explicit id bypasses the identity sequence, so move the
	// sequence past it when the row was inserted.
	bump := fmt.Sprintf(`
		SELECT setval(pg_get_serial_sequence('%[1]s', 'id'),
			GREATEST($1, nextval(pg_get_serial_sequence('%[1]s', 'id'))))
	`, table)

	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var inserted bool
		err := tx.QueryRow(ctx, upsert,
			rec.ID,
			rec.Kind,
			rec.ClientID,
			rec.Key,
			payloadOf(rec),
			rec.Target,
			createdAt(rec),
			rec.SyncStatus,
			rec.RetryCount,
			rec.LastError,
		).Scan(&inserted)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		_, err = tx.Exec(ctx, bump, rec.ID)
		return err
	})
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

	if _, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id); err != nil {
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

	if _, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
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
	if err := s.db.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, queue.Wrap("count", c, err)
	}
	return n, nil
}

func (s *Store) query(ctx context.Context, op string, c queue.Collection, query string, args ...any) ([]queue.Record, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, queue.Wrap(op, c, err)
	}
	defer rows.Close()

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

func scanRecord(row pgx.Row) (*queue.Record, error) {
	var rec queue.Record
	err := row.Scan(
		&rec.ID,
		&rec.Kind,
		&rec.ClientID,
		&rec.Key,
		&rec.Payload,
		&rec.Target,
		&rec.CreatedAt,
		&rec.SyncStatus,
		&rec.RetryCount,
		&rec.LastError,
	)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
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

func payloadOf(rec *queue.Record) []byte {
	if rec.Payload == nil {
		return []byte{}
	}
	return rec.Payload
}

func createdAt(rec *queue.Record) time.Time {
	if rec.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return rec.CreatedAt
}
