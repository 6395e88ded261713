package clickhouse

import (
	"context"
	"fmt"
	"slices"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/bpftraced/internal/history"
)

// Options selects the server and table for Sink.
type Options struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(o Options) (*Sink, error) {
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = "script_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: o.Table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			event String,
			occurred_at DateTime64(6),
			script_id String,
			name String,
			username String,
			pid Int32,
			status String,
			exit_code Int32,
			error Nullable(String)
		) ENGINE = MergeTree()
		ORDER BY (script_id, occurred_at)`, s.table))
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (event, occurred_at, script_id, name, username, pid, status, exit_code, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	var errText *string
	if e.Error != "" {
		errText = &e.Error
	}
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		e.ScriptID,
		e.Name,
		e.Username,
		int32(e.PID),
		e.Status,
		int32(e.ExitCode),
		errText,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

// Events returns the events of scriptID, newest last. limit <= 0 returns all of them.
func (s *Sink) Events(ctx context.Context, scriptID string, limit int) ([]history.Event, error) {
	q := fmt.Sprintf(`SELECT event, occurred_at, script_id, name, username, pid, status, exit_code, error
		FROM %s WHERE script_id = ? ORDER BY occurred_at DESC`, s.table)
	args := []any{scriptID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Event
	for rows.Next() {
		var (
			e        history.Event
			typ      string
			pid      int32
			exitCode int32
			errText  *string
		)
		if err := rows.Scan(&typ, &e.OccurredAt, &e.ScriptID, &e.Name, &e.Username, &pid, &e.Status,
			&exitCode, &errText); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.PID = int(pid)
		e.ExitCode = int(exitCode)
		if errText != nil {
			e.Error = *errText
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}
