package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/bpftraced/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per connection
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS script_history(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			event TEXT NOT NULL,
			script_id TEXT NOT NULL,
			name TEXT NOT NULL,
			username TEXT NOT NULL,
			pid INTEGER NOT NULL,
			status TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_script_history_script ON script_history(script_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO script_history(occurred_at, event, script_id, name, username, pid, status, exit_code, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), e.ScriptID, e.Name, e.Username, e.PID, e.Status, e.ExitCode,
		nullString(e.Error))
	return err
}

// Events returns the events of scriptID in order of occurrence, newest last.
// limit <= 0 returns all of them.
func (s *Sink) Events(ctx context.Context, scriptID string, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, event, script_id, name, username, pid, status, exit_code, error
		FROM script_history WHERE script_id = ? ORDER BY rowid DESC LIMIT ?;`, scriptID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Event
	for rows.Next() {
		var (
			e       history.Event
			typ     string
			errText sql.NullString
		)
		if err := rows.Scan(&e.OccurredAt, &typ, &e.ScriptID, &e.Name, &e.Username, &e.PID, &e.Status,
			&e.ExitCode, &errText); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.Error = errText.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
