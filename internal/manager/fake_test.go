package manager

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/bpftraced/internal/config"
	"github.com/loykin/bpftraced/internal/process"
	"github.com/loykin/bpftraced/internal/script"
)

// fakeProc is a scripted bpftrace process. Output is written with emit; the process
// ends with exitWith.
type fakeProc struct {
	pid      int
	r        *io.PipeReader
	w        *io.PipeWriter
	exitCh   chan process.Exit
	once     sync.Once
	onSignal func(p *fakeProc, sig process.Signal)

	mu      sync.Mutex
	signals []process.Signal
}

func newFakeProc(pid int) *fakeProc {
	r, w := io.Pipe()
	return &fakeProc{pid: pid, r: r, w: w, exitCh: make(chan process.Exit, 1)}
}

func (p *fakeProc) PID() int           { return p.pid }
func (p *fakeProc) Stdout() io.Reader  { return p.r }
func (p *fakeProc) Wait() process.Exit { return <-p.exitCh }

func (p *fakeProc) Signal(sig process.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if p.onSignal != nil {
		p.onSignal(p, sig)
	}
	return nil
}

func (p *fakeProc) Signals() []process.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]process.Signal(nil), p.signals...)
}

func (p *fakeProc) emit(t *testing.T, line string) {
	t.Helper()
	_, err := p.w.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (p *fakeProc) exitWith(e process.Exit) {
	p.once.Do(func() {
		_ = p.w.Close()
		p.exitCh <- e
	})
}

// exitOn makes the process exit with e when it receives sig.
func exitOn(sig process.Signal, e process.Exit) func(*fakeProc, process.Signal) {
	return func(p *fakeProc, got process.Signal) {
		if got == sig {
			go p.exitWith(e)
		}
	}
}

// fakeSpawner hands out fakeProcs and remembers them.
type fakeSpawner struct {
	mu      sync.Mutex
	procs   []*fakeProc
	specs   []process.Spec
	nextPID atomic.Int32
	err     error
	prepare func(p *fakeProc)
}

func (f *fakeSpawner) Spawn(spec process.Spec) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if f.err != nil {
		return nil, f.err
	}
	p := newFakeProc(1000 + int(f.nextPID.Add(1)))
	if f.prepare != nil {
		f.prepare(p)
	}
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeSpawner) last(t *testing.T) *fakeProc {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.procs, "nothing spawned")
	return f.procs[len(f.procs)-1]
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

var errNoSuchFile = errors.New("exec: \"bpftrace\": executable file not found in $PATH")

func testConfig() config.PMDAConfig {
	cfg := config.Default().BPFtrace
	cfg.StopTimeout = 100 * time.Millisecond
	cfg.StartTimeout = 0
	return cfg
}

func newTestManager(t *testing.T, cfg config.PMDAConfig, sp *fakeSpawner, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithSpawner(sp.Spawn)}, opts...)
	m, err := New(cfg, opts...)
	require.NoError(t, err)
	return m
}

func waitStatus(t *testing.T, m *Manager, id string, want script.Status) script.Snapshot {
	t.Helper()
	var snap script.Snapshot
	require.Eventually(t, func() bool {
		s, err := m.Get(id)
		if err != nil {
			return false
		}
		snap = s
		return s.State.Status == want
	}, 3*time.Second, 5*time.Millisecond, "script %s never reached %s", id, want)
	return snap
}

const attachLine = `{"type": "attached_probes", "data": {"probes": 1}}`
