package client

import "time"

// CreateRequest creates a script. Start defaults to true on the server.
type CreateRequest struct {
	Code       string `json:"code"`
	Username   string `json:"username"`
	Persistent bool   `json:"persistent,omitempty"`
	Start      *bool  `json:"start,omitempty"`
}

// Script is the exported form of a script.
type Script struct {
	ID             string              `json:"script_id"`
	Username       string              `json:"username"`
	Persistent     bool                `json:"persistent"`
	CreatedAt      time.Time           `json:"created_at"`
	LastAccessedAt time.Time           `json:"last_accessed_at"`
	Code           string              `json:"code"`
	Metadata       Metadata            `json:"metadata"`
	Variables      map[string]Variable `json:"variables"`
	State          State               `json:"state"`
}

type Metadata struct {
	Name             string   `json:"name"`
	Include          []string `json:"include"`
	TableRetainLines int      `json:"table_retain_lines"`
}

type Variable struct {
	Single     bool   `json:"single"`
	Semantics  int    `json:"semantics"`
	DataType   int    `json:"datatype"`
	MetricType string `json:"metrictype"`
}

// State is the live state of a script. Data values keep their JSON shape: a number or
// string, a map of instances, a list of histogram buckets or stack entries, or lines.
type State struct {
	Status   string         `json:"status"`
	PID      int            `json:"pid"`
	ExitCode int            `json:"exit_code"`
	Error    string         `json:"error"`
	Probes   int            `json:"probes"`
	Data     map[string]any `json:"data"`
	Stats    Stats          `json:"stats"`
}

type Stats struct {
	Records          uint64 `json:"records"`
	AcceptedBytes    uint64 `json:"accepted_bytes"`
	ThrottledRecords uint64 `json:"throttled_records"`
	ThrottledBytes   uint64 `json:"throttled_bytes"`
	ParseErrors      uint64 `json:"parse_errors"`
	UnknownVariables uint64 `json:"unknown_variables"`
	LostEvents       uint64 `json:"lost_events"`
}

// ScriptList is one page of scripts.
type ScriptList struct {
	Scripts []Script `json:"scripts"`
	Total   int      `json:"total"`
	Offset  int      `json:"offset"`
	Limit   int      `json:"limit"`
}

// Event is a recorded lifecycle event.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	ScriptID   string    `json:"script_id"`
	Name       string    `json:"name"`
	Username   string    `json:"username"`
	PID        int       `json:"pid"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
}

// Runtime describes the daemon's bpftrace.
type Runtime struct {
	Version       string `json:"version"`
	VersionString string `json:"version_string"`
	Compatible    bool   `json:"compatible"`
	Reason        string `json:"reason"`
	KernelProbed  bool   `json:"kernel_probed"`
	Kprobes       bool   `json:"kprobes"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
