// Package process spawns and signals bpftrace processes.
package process

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Signal selects how a process is asked to terminate.
type Signal int

const (
	// Graceful asks bpftrace to print its maps and exit (SIGINT).
	Graceful Signal = iota
	// Forced terminates the process group immediately (SIGKILL).
	Forced
)

func (s Signal) String() string {
	if s == Forced {
		return "forced"
	}
	return "graceful"
}

// Process is one running bpftrace child. Exactly one goroutine should call Wait.
type Process struct {
	pid    int
	stdout io.ReadCloser
	tail   *TailBuffer
	cmd    interface{ Wait() error }
	exit   func(error) Exit

	once   sync.Once
	done   chan struct{}
	result Exit
}

// Spawn starts bpftrace with the program on stdin and returns once the process exists.
// The returned error wraps the exec failure; the caller maps it to its own error kind.
func Spawn(spec Spec) (*Process, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	cmd := spec.BuildCommand()
	cmd.Stdin = strings.NewReader(spec.Code)
	tail := NewTailBuffer(spec.TailSize)
	if spec.Stderr != nil {
		cmd.Stderr = io.MultiWriter(tail, spec.Stderr)
	} else {
		cmd.Stderr = tail
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Binary, err)
	}
	p := &Process{
		pid:    cmd.Process.Pid,
		stdout: stdout,
		tail:   tail,
		cmd:    cmd,
		done:   make(chan struct{}),
	}
	p.exit = func(err error) Exit { return exitFrom(cmd, err, tail.String()) }
	return p, nil
}

func (p *Process) PID() int { return p.pid }

// Stdout is the JSON record stream. It must be fully read before Wait is called.
func (p *Process) Stdout() io.Reader { return p.stdout }

// StderrTail returns the most recent stderr output.
func (p *Process) StderrTail() string { return p.tail.String() }

// Signal delivers sig to the process group. Signalling an exited process is a no-op.
func (p *Process) Signal(sig Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return signalGroup(p.pid, sig)
}

// Wait blocks until the process exits and reports how. Later calls return the
// same result.
func (p *Process) Wait() Exit {
	p.once.Do(func() {
		err := p.cmd.Wait()
		p.result = p.exit(err)
		close(p.done)
	})
	<-p.done
	return p.result
}

// Done is closed once Wait has observed the exit.
func (p *Process) Done() <-chan struct{} { return p.done }
