package process

import (
	"errors"
	"io"
	"os/exec"
)

// DefaultTailBytes is how much stderr is kept in memory for error reporting.
const DefaultTailBytes = 4096

// Spec describes one bpftrace invocation.
type Spec struct {
	Binary   string    // bpftrace executable, resolved through PATH when not absolute
	Code     string    // program text, written to the child's stdin
	Includes []string  // passed as --include <file>
	Env      []string  // optional extra env appended to the daemon's environment
	Stderr   io.Writer // optional sink for stderr besides the in-memory tail
	TailSize int       // stderr tail size, DefaultTailBytes when zero
}

// Args returns the command line arguments passed to bpftrace. The program is read
// from stdin so code never appears in the process table.
func (s Spec) Args() []string {
	args := []string{"-f", "json"}
	for _, inc := range s.Includes {
		args = append(args, "--include", inc)
	}
	return append(args, "/dev/stdin")
}

func (s Spec) Validate() error {
	if s.Binary == "" {
		return errors.New("bpftrace binary is required")
	}
	return nil
}

// BuildCommand constructs the *exec.Cmd for the spec. Standard streams are wired by Spawn.
func (s Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- binary comes from daemon configuration
	cmd := exec.Command(s.Binary, s.Args()...)
	if len(s.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.Env...)
	}
	configureSysProcAttr(cmd)
	return cmd
}
