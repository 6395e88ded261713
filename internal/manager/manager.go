// Package manager owns the in-flight bpftrace scripts: it registers them, drives each
// one's process through the status machine and removes idle ones.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/bpftraced/internal/bpftrace"
	"github.com/loykin/bpftraced/internal/config"
	"github.com/loykin/bpftraced/internal/history"
	"github.com/loykin/bpftraced/internal/metrics"
	"github.com/loykin/bpftraced/internal/script"
	"github.com/loykin/bpftraced/internal/store"
)

// Manager creates, starts, stops and deletes scripts.
type Manager struct {
	cfg       config.PMDAConfig
	env       []string
	runtime   bpftrace.RuntimeInfo
	registry  *Registry
	spawn     SpawnFunc
	history   *history.Recorder
	store     store.Store
	stderrLog func(id string) (io.WriteCloser, error)
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.RWMutex
	sups map[string]*supervisor
}

type Option func(*Manager)

// WithRuntime sets the detected bpftrace runtime. Without it the latest version is assumed.
func WithRuntime(r bpftrace.RuntimeInfo) Option { return func(m *Manager) { m.runtime = r } }

// WithSpawner replaces process.Spawn.
func WithSpawner(fn SpawnFunc) Option { return func(m *Manager) { m.spawn = fn } }

// WithHistory sends lifecycle events to rec.
func WithHistory(rec *history.Recorder) Option { return func(m *Manager) { m.history = rec } }

// WithStore persists persistent scripts to s. The schema must already exist.
func WithStore(s store.Store) Option { return func(m *Manager) { m.store = s } }

// WithStderrLog opens a per-script sink for bpftrace stderr, see logger.Config.ScriptStderr.
func WithStderrLog(fn func(id string) (io.WriteCloser, error)) Option {
	return func(m *Manager) { m.stderrLog = fn }
}

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func New(cfg config.PMDAConfig, opts ...Option) (*Manager, error) {
	env, err := cfg.ChildEnv()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:     cfg,
		env:     env,
		runtime: bpftrace.DefaultRuntime(),
		spawn:   spawnProcess,
		logger:  slog.Default(),
		now:     time.Now,
		sups:    make(map[string]*supervisor),
	}
	for _, o := range opts {
		o(m)
	}
	m.registry = NewRegistry(m.now)
	return m, nil
}

// Runtime returns the bpftrace runtime scripts are checked against.
func (m *Manager) Runtime() bpftrace.RuntimeInfo { return m.runtime }

// Create parses code, resolves its variables and registers a stopped script owned by
// username. The script is not started.
func (m *Manager) Create(ctx context.Context, code, username string, persistent bool) (script.Snapshot, error) {
	md, err := bpftrace.ParseMetadata(code)
	if err != nil {
		return script.Snapshot{}, fmt.Errorf("%w: %v", script.ErrInvalidDeclaration, err)
	}
	vars, err := script.Resolve(bpftrace.DeclareVariables(code))
	if err != nil {
		return script.Snapshot{}, err
	}
	sc := m.registry.Create(code, username, persistent)
	if err := sc.Configure(md, vars); err != nil {
		_, _ = m.registry.Delete(sc.ID)
		return script.Snapshot{}, err
	}
	m.mu.Lock()
	m.sups[sc.ID] = newSupervisor(m, sc)
	m.mu.Unlock()

	if persistent && m.store != nil {
		rec := store.Record{ID: sc.ID, Code: code, Username: username, CreatedAt: sc.CreatedAt}
		if err := m.store.Save(ctx, rec); err != nil {
			m.logger.Warn("cannot persist script", "script", sc.ID, "error", err)
		}
	}
	metrics.IncCreated()
	m.record(history.EventCreated, sc)
	m.logger.Info("script created", "script", sc.ID, "name", md.Name, "user", username, "persistent", persistent)
	return sc.Snapshot(), nil
}

func (m *Manager) supervisor(id string) (*supervisor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", script.ErrNotFound, id)
	}
	return s, nil
}

// Start starts the script's bpftrace process. It returns once the process is spawned;
// the script becomes Started when bpftrace reports its probes attached.
func (m *Manager) Start(ctx context.Context, id string) error {
	s, err := m.supervisor(id)
	if err != nil {
		return err
	}
	err = s.Start()
	if errors.Is(err, script.ErrPermissionDenied) {
		return err
	}
	m.setRunning(ctx, s.sc, true)
	return err
}

// Stop stops the script's process, see supervisor.Stop.
func (m *Manager) Stop(ctx context.Context, id string) error {
	s, err := m.supervisor(id)
	if err != nil {
		return err
	}
	if err := s.Stop(); err != nil {
		return err
	}
	m.setRunning(ctx, s.sc, false)
	return nil
}

func (m *Manager) setRunning(ctx context.Context, sc *script.Script, running bool) {
	if !sc.Persistent || m.store == nil {
		return
	}
	if err := m.store.SetRunning(ctx, sc.ID, running); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("cannot update stored script", "script", sc.ID, "error", err)
	}
}

// Get returns a snapshot of the script and refreshes its last access time.
func (m *Manager) Get(id string) (script.Snapshot, error) {
	m.registry.Touch(id)
	sc, err := m.registry.Get(id)
	if err != nil {
		return script.Snapshot{}, err
	}
	return sc.Snapshot(), nil
}

// Delete stops the script's process and removes it.
func (m *Manager) Delete(ctx context.Context, id string) (script.Snapshot, error) {
	sc, err := m.registry.Get(id)
	if err != nil {
		return script.Snapshot{}, err
	}
	return m.remove(ctx, sc, history.EventDeleted)
}

func (m *Manager) remove(ctx context.Context, sc *script.Script, event history.EventType) (script.Snapshot, error) {
	m.mu.RLock()
	s := m.sups[sc.ID]
	m.mu.RUnlock()
	if s != nil {
		if err := s.terminate(); err != nil {
			m.logger.Warn("stop before delete failed", "script", sc.ID, "error", err)
		}
	}
	if _, err := m.registry.Delete(sc.ID); err != nil {
		return script.Snapshot{}, err
	}
	m.mu.Lock()
	delete(m.sups, sc.ID)
	m.mu.Unlock()

	if sc.Persistent && m.store != nil {
		if err := m.store.Delete(ctx, sc.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("cannot delete stored script", "script", sc.ID, "error", err)
		}
	}
	metrics.IncDeleted(string(event))
	metrics.Forget(sc.ID)
	m.record(event, sc)
	m.logger.Info("script removed", "script", sc.ID, "reason", event)
	return sc.Snapshot(), nil
}

// List returns snapshots of every script, oldest first. It does not count as access.
func (m *Manager) List() []script.Snapshot {
	scripts := m.registry.List()
	out := make([]script.Snapshot, 0, len(scripts))
	for _, sc := range scripts {
		out = append(out, sc.Snapshot())
	}
	return out
}

// Snapshots implements metrics.Snapshotter.
func (m *Manager) Snapshots() []script.Snapshot { return m.List() }

// PIDs maps script id to the pid of its live bpftrace process.
func (m *Manager) PIDs() map[string]int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int32, len(m.sups))
	for id, s := range m.sups {
		if pid := s.pid(); pid > 0 {
			out[id] = int32(pid)
		}
	}
	return out
}

// History returns the recorded lifecycle events of a script, newest last.
func (m *Manager) History(ctx context.Context, id string, limit int) ([]history.Event, error) {
	return m.history.Events(ctx, id, limit)
}

// Restore loads persistent scripts from the store and starts those that were running.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	recs, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list stored scripts: %w", err)
	}
	var errs []error
	for _, rec := range recs {
		md, err := bpftrace.ParseMetadata(rec.Code)
		if err != nil {
			errs = append(errs, fmt.Errorf("script %s: %w", rec.ID, err))
			continue
		}
		vars, err := script.Resolve(bpftrace.DeclareVariables(rec.Code))
		if err != nil {
			errs = append(errs, fmt.Errorf("script %s: %w", rec.ID, err))
			continue
		}
		sc := script.Restore(rec.ID, rec.Code, rec.Username, true, rec.CreatedAt)
		if err := sc.Configure(md, vars); err != nil {
			errs = append(errs, fmt.Errorf("script %s: %w", rec.ID, err))
			continue
		}
		sc.Touch(m.now())
		if err := m.registry.Restore(sc); err != nil {
			errs = append(errs, err)
			continue
		}
		s := newSupervisor(m, sc)
		m.mu.Lock()
		m.sups[sc.ID] = s
		m.mu.Unlock()
		m.logger.Info("script restored", "script", sc.ID, "running", rec.Running)
		if rec.Running {
			if err := s.Start(); err != nil {
				errs = append(errs, fmt.Errorf("start %s: %w", rec.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops every running script. Stored scripts keep their running flag so they
// are started again by the next Restore.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	sups := make([]*supervisor, 0, len(m.sups))
	for _, s := range m.sups {
		sups = append(sups, s)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(sups))
	for _, s := range sups {
		wg.Add(1)
		go func(s *supervisor) {
			defer wg.Done()
			if err := s.terminate(); err != nil {
				errCh <- fmt.Errorf("script %s: %w", s.sc.ID, err)
			}
		}(s)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// record emits a lifecycle event with the current state of sc.
func (m *Manager) record(t history.EventType, sc *script.Script) {
	if m.history == nil {
		return
	}
	st := sc.State()
	m.history.Record(context.Background(), history.Event{
		Type:       t,
		OccurredAt: m.now().UTC(),
		ScriptID:   sc.ID,
		Name:       sc.DisplayName(),
		Username:   sc.Username,
		PID:        st.PID,
		Status:     st.Status.String(),
		ExitCode:   st.ExitCode,
		Error:      st.Error,
	})
}
