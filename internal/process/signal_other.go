//go:build !unix

package process

import "os"

// signalGroup falls back to killing the single process; bpftrace itself only
// runs on Linux.
func signalGroup(pid int, _ Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
