package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("store: record not found")

// Record is a persistent script as it survives a daemon restart.
// Running is the desired state: whether the script should be started on restore.
// Timestamps are stored in UTC.
type Record struct {
	ID        string
	Code      string
	Username  string
	Running   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store keeps persistent scripts keyed by script id.
type Store interface {
	EnsureSchema(ctx context.Context) error
	// Save inserts or replaces the record with the same id.
	Save(ctx context.Context, rec Record) error
	// SetRunning updates only the desired state.
	SetRunning(ctx context.Context, id string, running bool) error
	Get(ctx context.Context, id string) (Record, error)
	// List returns every record ordered by creation time.
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
