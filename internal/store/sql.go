package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"longterm/internal/codec"
	"longterm/internal/domain"
)

// Dialect captures what differs between the SQL backends.
type Dialect struct {
	Name   string
	Schema []string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
}

var SQLite = Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS deferred_entries (
  id TEXT PRIMARY KEY,
  due_at INTEGER NOT NULL,
  payload BLOB NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
		`CREATE INDEX IF NOT EXISTS idx_deferred_entries_due ON deferred_entries(due_at, id)`,
	},
	Placeholder: func(int) string { return "?" },
}

var Postgres = Dialect{
	Name: "postgres",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS deferred_entries (
  id TEXT PRIMARY KEY,
  due_at BIGINT NOT NULL,
  payload BYTEA NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_deferred_entries_due ON deferred_entries(due_at, id)`,
	},
	Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
}

// EnsureSchema creates the entries table and its due index if missing.
func EnsureSchema(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, stmt := range d.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", d.Name, err)
		}
	}
	return nil
}

// sqlStore keeps value and due time in one row, so Set and Delete are atomic
// without extra work.
type sqlStore struct {
	db *sql.DB
	d  Dialect

	qUpsert, qGet, qDelete, qOlder string
}

// NewSQL wraps db, which must already carry the schema. The store takes
// ownership and closes db on Close.
func NewSQL(db *sql.DB, d Dialect) Store {
	p := d.Placeholder
	s := &sqlStore{db: db, d: d}
	s.qUpsert = fmt.Sprintf(`
INSERT INTO deferred_entries (id, due_at, payload) VALUES (%s, %s, %s)
ON CONFLICT(id) DO UPDATE SET due_at = excluded.due_at, payload = excluded.payload`, p(1), p(2), p(3))
	s.qGet = fmt.Sprintf(`SELECT payload FROM deferred_entries WHERE id = %s`, p(1))
	s.qDelete = fmt.Sprintf(`DELETE FROM deferred_entries WHERE id = %s`, p(1))
	s.qOlder = fmt.Sprintf(`SELECT id, due_at FROM deferred_entries WHERE due_at <= %s ORDER BY due_at, id`, p(1))
	return s
}

func openSQLite(ctx context.Context, url string, opts Options) (Store, error) {
	_, path, _ := strings.Cut(url, "://")
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", domain.ErrInvalidArgument)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	if opts.BusyTimeout > 0 {
		dsn += fmt.Sprintf("&_pragma=busy_timeout(%d)", opts.BusyTimeout.Milliseconds())
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(ctx, db, SQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewSQL(db, SQLite), nil
}

func openPostgres(ctx context.Context, url string, opts Options) (Store, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, err
	}
	if opts.MaxConnections > 0 {
		db.SetMaxOpenConns(opts.MaxConnections)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if err := EnsureSchema(ctx, db, Postgres); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewSQL(db, Postgres), nil
}

func (s *sqlStore) Set(ctx context.Context, dueAt time.Time, id string, p codec.Payload) error {
	if err := checkSet(dueAt, id); err != nil {
		return err
	}
	data, err := codec.Encode(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.qUpsert, id, domain.Quantize(dueAt), data)
	return err
}

func (s *sqlStore) Get(ctx context.Context, id string) (codec.Payload, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.qGet, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return codec.Payload{}, notFound(id)
	}
	if err != nil {
		return codec.Payload{}, err
	}
	return codec.Decode(data)
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.qDelete, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

func (s *sqlStore) GetOlderThan(ctx context.Context, before time.Time) (iter.Seq2[domain.Entry, error], error) {
	rows, err := s.db.QueryContext(ctx, s.qOlder, domain.Quantize(before))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	// Drain before yielding: with a single SQLite connection, deletes issued
	// while iterating would wait on these rows.
	var snap []indexed
	for rows.Next() {
		var m indexed
		if err := rows.Scan(&m.id, &m.due); err != nil {
			return nil, err
		}
		snap = append(snap, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lazyEntries(ctx, snap, s.Get), nil
}

func (s *sqlStore) Close() error { return s.db.Close() }
