package manager

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/bpftraced/internal/collector"
	"github.com/loykin/bpftraced/internal/history"
	"github.com/loykin/bpftraced/internal/metrics"
	"github.com/loykin/bpftraced/internal/process"
	"github.com/loykin/bpftraced/internal/ratelimit"
	"github.com/loykin/bpftraced/internal/script"
)

// Process is the handle of one running bpftrace process.
type Process interface {
	PID() int
	Stdout() io.Reader
	Signal(sig process.Signal) error
	Wait() process.Exit
}

// SpawnFunc starts a process for spec.
type SpawnFunc func(spec process.Spec) (Process, error)

func spawnProcess(spec process.Spec) (Process, error) {
	p, err := process.Spawn(spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// run is one spawn of a script. exited is closed once the exit has been applied to the
// script state.
type run struct {
	id      uint64
	proc    Process
	spawned time.Time
	killed  atomic.Bool
	exited  chan struct{}
	stderr  io.Closer
}

// supervisor drives the status machine of one script. Start and Stop are serialized by
// mu; process events (attach, exit, start timeout) arrive on per-run goroutines and are
// applied with run-guarded transitions, so events of an old run never touch a new one.
type supervisor struct {
	m      *Manager
	sc     *script.Script
	logger *slog.Logger

	mu  sync.Mutex
	cur *run
}

func newSupervisor(m *Manager, sc *script.Script) *supervisor {
	return &supervisor{m: m, sc: sc, logger: m.logger.With("script", sc.ID)}
}

// move applies the first matching edge from -> to for run and records it.
func (s *supervisor) move(runID uint64, from []script.Status, to script.Status, mutate func(*script.State)) bool {
	for _, f := range from {
		ok, err := s.sc.TransitionFrom(runID, []script.Status{f}, to, mutate)
		if err != nil {
			s.logger.Warn("ignoring status change", "from", f, "to", to, "error", err)
			return false
		}
		if ok {
			s.moved(f, to)
			return true
		}
	}
	return false
}

func (s *supervisor) moved(from, to script.Status) {
	metrics.RecordStateTransition(s.sc.ID, from.String(), to.String())
	s.logger.Debug("status changed", "from", from, "to", to)
}

// Start spawns bpftrace for the script. A user outside the allow list gets
// ErrPermissionDenied and the status stays as it is. Runtime and spawn failures move the
// script to Error and are returned as well.
func (s *supervisor) Start() error {
	if !s.m.cfg.IsAllowed(s.sc.Username) {
		return fmt.Errorf("%w: user %q may not run bpftrace scripts", script.ErrPermissionDenied, s.sc.Username)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.sc.Status()
	switch from {
	case script.StatusStarted:
		return nil
	case script.StatusStarting, script.StatusStopping:
		return fmt.Errorf("%w: script is %s", script.ErrTransitionInProgress, from)
	}
	runID, err := s.sc.Transition(script.StatusStarting, nil)
	if err != nil {
		return err
	}
	s.moved(from, script.StatusStarting)

	if err := s.m.runtime.Check(); err != nil {
		s.fail(runID, err)
		return err
	}

	md := s.sc.Metadata()
	spec := process.Spec{
		Binary:   s.m.cfg.Path,
		Code:     s.sc.Code,
		Includes: md.Include,
		Env:      s.m.env,
	}
	var stderr io.WriteCloser
	if s.m.stderrLog != nil {
		w, err := s.m.stderrLog(s.sc.ID)
		if err != nil {
			s.logger.Warn("cannot open stderr log", "error", err)
		} else if w != nil {
			stderr = w
			spec.Stderr = w
		}
	}

	p, err := s.m.spawn(spec)
	if err != nil {
		if stderr != nil {
			_ = stderr.Close()
		}
		err = fmt.Errorf("%w: %v", script.ErrSpawnFailure, err)
		s.fail(runID, err)
		return err
	}

	r := &run{id: runID, proc: p, spawned: s.m.now(), exited: make(chan struct{})}
	if stderr != nil {
		r.stderr = stderr
	}
	s.cur = r
	metrics.IncStart(s.sc.ID)
	s.logger.Info("bpftrace spawned", "pid", p.PID(), "ident", s.sc.Ident())

	go s.collect(r)
	go s.watchStart(r)
	return nil
}

func (s *supervisor) fail(runID uint64, err error) {
	if s.move(runID, []script.Status{script.StatusStarting}, script.StatusError, func(st *script.State) {
		st.Error = err.Error()
	}) {
		s.logger.Error("script failed to start", "error", err)
		s.m.record(history.EventError, s.sc)
	}
}

// collect feeds the process output into the script state until stdout closes, then
// applies the exit.
func (s *supervisor) collect(r *run) {
	c := collector.New(s.sc, r.id, ratelimit.New(s.m.cfg.MaxThroughput),
		collector.WithLogger(s.logger),
		collector.WithAttachHandler(func(int) { s.attached(r) }),
	)
	if err := c.Run(r.proc.Stdout()); err != nil {
		s.logger.Warn("reading bpftrace output failed", "error", err)
	}
	s.exit(r, r.proc.Wait())
}

func (s *supervisor) attached(r *run) {
	pid := r.proc.PID()
	if !s.move(r.id, []script.Status{script.StatusStarting}, script.StatusStarted, func(st *script.State) {
		st.PID = pid
	}) {
		return
	}
	metrics.ObserveAttachDuration(s.m.now().Sub(r.spawned).Seconds())
	s.logger.Info("probes attached", "pid", pid)
	s.m.record(history.EventStarted, s.sc)
}

func (s *supervisor) exit(r *run, e process.Exit) {
	defer close(r.exited)
	if r.stderr != nil {
		_ = r.stderr.Close()
	}
	metrics.IncStop(s.sc.ID)

	done := func(st *script.State) {
		st.PID = -1
		st.ExitCode = e.Code
	}
	failed := func(msg string) func(*script.State) {
		return func(st *script.State) {
			done(st)
			st.Error = msg
		}
	}

	if s.move(r.id, []script.Status{script.StatusStarting}, script.StatusError,
		failed("bpftrace exited before attaching probes: "+e.Message())) {
		s.logger.Error("bpftrace exited during start", "exit", e.Message())
		s.m.record(history.EventError, s.sc)
		return
	}
	running := []script.Status{script.StatusStarted, script.StatusStopping}
	if e.Success() || r.killed.Load() {
		if s.move(r.id, running, script.StatusStopped, done) {
			s.logger.Info("bpftrace stopped", "exit", e.Message())
			s.m.record(history.EventStopped, s.sc)
		}
		return
	}
	if s.move(r.id, running, script.StatusError, failed(e.Message())) {
		s.logger.Error("bpftrace exited", "exit", e.Message())
		s.m.record(history.EventError, s.sc)
	}
}

// watchStart fails the run when no attached_probes record arrives in time.
func (s *supervisor) watchStart(r *run) {
	timeout := s.m.cfg.StartTimeout
	if timeout <= 0 {
		return
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-r.exited:
		return
	case <-t.C:
	}
	if !s.move(r.id, []script.Status{script.StatusStarting}, script.StatusError, func(st *script.State) {
		st.Error = fmt.Sprintf("no probes attached within %s", timeout)
	}) {
		return
	}
	s.logger.Error("start timed out, killing bpftrace", "timeout", timeout)
	s.m.record(history.EventError, s.sc)
	r.killed.Store(true)
	metrics.IncForcedKill(s.sc.ID)
	if err := r.proc.Signal(process.Forced); err != nil {
		s.logger.Warn("kill failed", "error", err)
	}
}

// Stop asks bpftrace to exit with SIGINT and escalates to a single SIGKILL when it is
// still running after the stop timeout. Stopping a script that is not running is a no-op;
// stopping one that is still starting is rejected.
func (s *supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop()
}

func (s *supervisor) stop() error {
	r := s.cur
	switch st := s.sc.Status(); st {
	case script.StatusStarting:
		return fmt.Errorf("%w: script is %s", script.ErrTransitionInProgress, st)
	case script.StatusStarted:
	default:
		return nil
	}
	if r == nil || !s.move(r.id, []script.Status{script.StatusStarted}, script.StatusStopping, nil) {
		return nil
	}
	s.logger.Info("stopping bpftrace", "pid", r.proc.PID())
	if err := r.proc.Signal(process.Graceful); err != nil {
		s.logger.Warn("interrupt failed", "error", err)
	}

	timeout := s.m.cfg.StopTimeout
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-r.exited:
		return nil
	case <-t.C:
	}

	r.killed.Store(true)
	metrics.IncForcedKill(s.sc.ID)
	s.logger.Warn("bpftrace ignored interrupt, killing", "timeout", timeout)
	if err := r.proc.Signal(process.Forced); err != nil {
		err = fmt.Errorf("failed to kill bpftrace: %w", err)
		if s.move(r.id, []script.Status{script.StatusStopping}, script.StatusError, func(st *script.State) {
			st.Error = err.Error()
		}) {
			s.m.record(history.EventError, s.sc)
		}
		return err
	}
	t.Reset(timeout)
	select {
	case <-r.exited:
	case <-t.C:
		s.logger.Error("bpftrace still running after kill", "pid", r.proc.PID())
	}
	return nil
}

// terminate ends the process whatever the status: a script that is still starting is
// failed and killed, anything else goes through stop. It returns once the run has exited
// or the stop timeout has passed.
func (s *supervisor) terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.cur
	if r == nil {
		return nil
	}
	if s.move(r.id, []script.Status{script.StatusStarting}, script.StatusError, func(st *script.State) {
		st.Error = "terminated during start"
	}) {
		r.killed.Store(true)
		metrics.IncForcedKill(s.sc.ID)
		_ = r.proc.Signal(process.Forced)
		s.m.record(history.EventError, s.sc)
		select {
		case <-r.exited:
		case <-time.After(s.m.cfg.StopTimeout):
		}
		return nil
	}
	return s.stop()
}

// pid returns the process id while a process may be alive.
func (s *supervisor) pid() int {
	st := s.sc.State()
	if st.Status.Running() && st.PID > 0 {
		return st.PID
	}
	return 0
}
