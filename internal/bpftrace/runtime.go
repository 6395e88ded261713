package bpftrace

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	version "github.com/hashicorp/go-version"

	"github.com/loykin/bpftraced/internal/script"
)

// MinVersion is the oldest bpftrace with JSON output support.
const MinVersion = "0.9.2"

var versionPattern = regexp.MustCompile(`v?(\d+\.\d+(?:\.\d+)?)`)

// RuntimeInfo describes the bpftrace binary found at startup.
type RuntimeInfo struct {
	Version    *version.Version
	VersionStr string
	Kernel     KernelInfo
}

// DefaultRuntime assumes the latest bpftrace; used when detection is disabled.
func DefaultRuntime() RuntimeInfo {
	return RuntimeInfo{Version: version.Must(version.NewVersion("999.999.999"))}
}

// ParseRuntime extracts the version from `bpftrace --version` output,
// e.g. "bpftrace v0.19.1" or "bpftrace v0.9.4-142-g7b4b6c8".
func ParseRuntime(out string) (RuntimeInfo, error) {
	out = strings.TrimSpace(out)
	m := versionPattern.FindStringSubmatch(out)
	if m == nil {
		return RuntimeInfo{}, fmt.Errorf("%w: cannot find version in %q", script.ErrRuntimeIncompatible, out)
	}
	v, err := version.NewVersion(m[1])
	if err != nil {
		return RuntimeInfo{}, fmt.Errorf("%w: %v", script.ErrRuntimeIncompatible, err)
	}
	return RuntimeInfo{Version: v, VersionStr: out}, nil
}

// DetectRuntime runs `<path> --version` and probes kernel BPF support.
func DetectRuntime(ctx context.Context, path string) (RuntimeInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return RuntimeInfo{}, fmt.Errorf("%w: %s --version: %v", script.ErrRuntimeIncompatible, path, err)
	}
	info, err := ParseRuntime(string(out))
	if err != nil {
		return RuntimeInfo{}, err
	}
	info.Kernel = ProbeKernel()
	return info, nil
}

// Check reports whether scripts can be started with this runtime.
func (r RuntimeInfo) Check() error {
	if r.Version == nil {
		return fmt.Errorf("%w: bpftrace version unknown", script.ErrRuntimeIncompatible)
	}
	minV := version.Must(version.NewVersion(MinVersion))
	if r.Version.LessThan(minV) {
		return fmt.Errorf("%w: bpftrace %s is older than %s", script.ErrRuntimeIncompatible, r.Version, MinVersion)
	}
	if r.Kernel.Probed && !r.Kernel.Kprobes {
		return fmt.Errorf("%w: kernel does not support kprobe programs: %s", script.ErrRuntimeIncompatible, r.Kernel.Reason)
	}
	return nil
}

// AtLeast reports whether the runtime is at least v; used to gate optional flags.
func (r RuntimeInfo) AtLeast(v string) bool {
	want, err := version.NewVersion(v)
	if err != nil || r.Version == nil {
		return false
	}
	return r.Version.GreaterThanOrEqual(want)
}

func (r RuntimeInfo) String() string {
	if r.Version == nil {
		return "unknown"
	}
	return r.Version.String()
}
