package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/bpftraced/internal/store"
)

type DB struct {
	db *sql.DB
}

var _ store.Store = (*DB)(nil)

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scripts(
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			username TEXT NOT NULL,
			running BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scripts_created ON scripts(created_at);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Save(ctx context.Context, rec store.Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO scripts(id, code, username, running, created_at, updated_at)
		VALUES($1, $2, $3, $4, $5, $6)
		ON CONFLICT(id) DO UPDATE SET
			code=EXCLUDED.code,
			username=EXCLUDED.username,
			running=EXCLUDED.running,
			updated_at=EXCLUDED.updated_at;`,
		rec.ID, rec.Code, rec.Username, rec.Running, rec.CreatedAt.UTC(), time.Now().UTC())
	return err
}

func (p *DB) SetRunning(ctx context.Context, id string, running bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE scripts SET running=$1, updated_at=$2 WHERE id=$3;`,
		running, time.Now().UTC(), id)
	return affected(res, err, id)
}

func (p *DB) Get(ctx context.Context, id string) (store.Record, error) {
	var r store.Record
	err := p.db.QueryRowContext(ctx, `
		SELECT id, code, username, running, created_at, updated_at FROM scripts WHERE id=$1;`, id).
		Scan(&r.ID, &r.Code, &r.Username, &r.Running, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return store.Record{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return r, err
}

func (p *DB) List(ctx context.Context) ([]store.Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, code, username, running, created_at, updated_at FROM scripts ORDER BY created_at, id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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

func (p *DB) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM scripts WHERE id=$1;`, id)
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
