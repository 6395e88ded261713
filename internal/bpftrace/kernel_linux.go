//go:build linux

package bpftrace

import (
	"errors"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/features"
)

// ProbeKernel asks the kernel whether it can load kprobe programs, which every
// bpftrace script relies on. Errors other than "not supported" (typically EPERM when
// running unprivileged) leave the result unprobed so bpftrace itself can report them.
func ProbeKernel() KernelInfo {
	err := features.HaveProgramType(ebpf.Kprobe)
	switch {
	case err == nil:
		return KernelInfo{Probed: true, Kprobes: true}
	case errors.Is(err, ebpf.ErrNotSupported):
		return KernelInfo{Probed: true, Kprobes: false, Reason: err.Error()}
	default:
		return KernelInfo{Reason: err.Error()}
	}
}
