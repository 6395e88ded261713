//go:build unix

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the child in its own process group so signals reach
// any helpers bpftrace forks.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
