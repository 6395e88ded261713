package process

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// Exit describes how a bpftrace process ended.
type Exit struct {
	Code     int       `json:"code"`   // -1 when killed by a signal
	Signal   string    `json:"signal"` // signal name when Signaled
	Signaled bool      `json:"signaled"`
	Err      error     `json:"-"` // wait error other than a non-zero exit
	Stderr   string    `json:"stderr,omitempty"`
	At       time.Time `json:"at"`
}

// Success reports a clean zero exit.
func (e Exit) Success() bool { return e.Err == nil && !e.Signaled && e.Code == 0 }

// Message is a one-line description for error reporting, preferring stderr output.
func (e Exit) Message() string {
	var reason string
	switch {
	case e.Err != nil:
		reason = e.Err.Error()
	case e.Signaled:
		reason = "killed by signal " + e.Signal
	default:
		reason = fmt.Sprintf("exit status %d", e.Code)
	}
	if e.Stderr != "" {
		return reason + ": " + e.Stderr
	}
	return reason
}

func exitFrom(cmd *exec.Cmd, waitErr error, stderr string) Exit {
	ex := Exit{Stderr: stderr, At: time.Now()}
	var ee *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &ee) {
		ex.Err = waitErr
		ex.Code = -1
		return ex
	}
	ps := cmd.ProcessState
	if ps == nil {
		ex.Code = -1
		return ex
	}
	ex.Code = ps.ExitCode()
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		ex.Signaled = true
		ex.Signal = ws.Signal().String()
	}
	return ex
}
