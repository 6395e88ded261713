package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/bpftraced/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per connection
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS scripts(
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			username TEXT NOT NULL,
			running BOOLEAN NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`)
	return err
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Save(ctx context.Context, rec store.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scripts(id, code, username, running, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code=excluded.code,
			username=excluded.username,
			running=excluded.running,
			updated_at=excluded.updated_at;`,
		rec.ID, rec.Code, rec.Username, rec.Running, rec.CreatedAt.UTC(), time.Now().UTC())
	return err
}

func (s *DB) SetRunning(ctx context.Context, id string, running bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scripts SET running=?, updated_at=? WHERE id=?;`,
		running, time.Now().UTC(), id)
	return affected(res, err, id)
}

func (s *DB) Get(ctx context.Context, id string) (store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, username, running, created_at, updated_at FROM scripts WHERE id=?;`, id)
	if err != nil {
		return store.Record{}, err
	}
	defer func() { _ = rows.Close() }()
	recs, err := scanRecords(rows)
	if err != nil {
		return store.Record{}, err
	}
	if len(recs) == 0 {
		return store.Record{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return recs[0], nil
}

func (s *DB) List(ctx context.Context) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, username, running, created_at, updated_at FROM scripts ORDER BY created_at, id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (s *DB) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scripts WHERE id=?;`, id)
	return affected(res, err, id)
}

func affected(res sql.Result, err error, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]store.Record, error) {
	out := make([]store.Record, 0)
	for rows.Next() {
		var r store.Record
		if err := rows.Scan(&r.ID, &r.Code, &r.Username, &r.Running, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
