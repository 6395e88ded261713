//go:build unix

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

func unixSignal(sig Signal) unix.Signal {
	if sig == Forced {
		return unix.SIGKILL
	}
	return unix.SIGINT
}

// signalGroup sends sig to the process group led by pid. A group that is already
// gone is not an error.
func signalGroup(pid int, sig Signal) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, unixSignal(sig))
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
