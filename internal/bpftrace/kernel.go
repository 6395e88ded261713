package bpftrace

// KernelInfo is the result of probing the running kernel for BPF support.
// Probed is false on platforms where no probe is possible.
type KernelInfo struct {
	Probed  bool
	Kprobes bool
	Reason  string
}
