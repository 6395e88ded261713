package script

import "errors"

var (
	ErrNotFound             = errors.New("script not found")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrSpawnFailure         = errors.New("failed to spawn bpftrace")
	ErrRuntimeIncompatible  = errors.New("bpftrace runtime incompatible")
	ErrUnknownVariable      = errors.New("unknown variable")
	ErrInvalidDeclaration   = errors.New("invalid variable declaration")
	ErrThrottled            = errors.New("throughput limit exceeded")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrTransitionInProgress = errors.New("status transition in progress")
	ErrVariablesFrozen      = errors.New("variables are immutable once the script has started")
)
