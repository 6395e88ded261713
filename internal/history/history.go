package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventCreated EventType = "created"
	EventStarted EventType = "started"
	EventStopped EventType = "stopped"
	EventError   EventType = "error"
	EventDeleted EventType = "deleted"
	EventExpired EventType = "expired"
)

// Event is one script lifecycle event exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	ScriptID   string    `json:"script_id"`
	Name       string    `json:"name"`
	Username   string    `json:"username"`
	PID        int       `json:"pid"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can return stored events.
type Reader interface {
	Events(ctx context.Context, scriptID string, limit int) ([]Event, error)
}

// Recorder fans events out to every sink. A failing sink is logged and does not
// affect the others.
type Recorder struct {
	mu      sync.RWMutex
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sinks: sinks, timeout: 5 * time.Second, logger: logger}
}

func (r *Recorder) Add(s Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Record delivers e synchronously to all sinks. A nil Recorder drops events.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()
	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		if err := s.Send(sctx, e); err != nil {
			r.logger.Warn("history sink failed", "event", e.Type, "script", e.ScriptID, "error", err)
		}
		cancel()
	}
}

// Events reads from the first sink that supports it.
func (r *Recorder) Events(ctx context.Context, scriptID string, limit int) ([]Event, error) {
	if r == nil {
		return nil, ErrNoReader
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sinks {
		if rd, ok := s.(Reader); ok {
			return rd.Events(ctx, scriptID, limit)
		}
	}
	return nil, ErrNoReader
}

// Close closes every sink that can be closed.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	r.sinks = nil
	return errors.Join(errs...)
}

var ErrNoReader = errors.New("no readable history sink configured")
