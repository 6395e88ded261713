//go:build !linux

package bpftrace

func ProbeKernel() KernelInfo { return KernelInfo{} }
