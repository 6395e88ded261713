package script

import (
	"fmt"
	"strings"
)

// Status is the run status of a script's bpftrace process.
type Status int32

const (
	StatusStopped Status = iota
	StatusStarting
	StatusStarted
	StatusStopping
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusStarted:
		return "started"
	case StatusStopping:
		return "stopping"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus converts the textual form produced by Status.String back into a Status.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stopped":
		return StatusStopped, nil
	case "starting":
		return StatusStarting, nil
	case "started":
		return StatusStarted, nil
	case "stopping":
		return StatusStopping, nil
	case "error":
		return StatusError, nil
	}
	return StatusStopped, fmt.Errorf("unknown status %q", s)
}

// Running reports whether a process handle may exist in this status.
func (s Status) Running() bool {
	return s == StatusStarting || s == StatusStarted || s == StatusStopping
}

// transitions lists every legal edge of the status machine.
var transitions = map[Status][]Status{
	StatusStopped:  {StatusStarting},
	StatusStarting: {StatusStarted, StatusError},
	StatusStarted:  {StatusStopping, StatusStopped, StatusError},
	StatusStopping: {StatusStopped, StatusError},
	StatusError:    {StatusStarting},
}

// CanTransition reports whether from -> to is an edge of the status machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MetricType classifies a declared variable and selects how its records are decoded.
type MetricType int

const (
	MetricControl MetricType = iota + 1
	MetricHistogram
	MetricStacks
	MetricOutput
)

func (m MetricType) String() string {
	switch m {
	case MetricControl:
		return "control"
	case MetricHistogram:
		return "histogram"
	case MetricStacks:
		return "stacks"
	case MetricOutput:
		return "output"
	default:
		return "unknown"
	}
}

func (m MetricType) Valid() bool { return m >= MetricControl && m <= MetricOutput }

func (m MetricType) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid metric type %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *MetricType) UnmarshalText(b []byte) error {
	v, err := ParseMetricType(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func ParseMetricType(s string) (MetricType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "control":
		return MetricControl, nil
	case "histogram":
		return MetricHistogram, nil
	case "stacks":
		return MetricStacks, nil
	case "output":
		return MetricOutput, nil
	}
	return 0, fmt.Errorf("%w: unknown metric type %q", ErrInvalidDeclaration, s)
}

// Semantics and DataType are opaque codes handed through to the metric agent.
// The constants carry the PCP values.
type Semantics int

const (
	SemCounter  Semantics = 1
	SemInstant  Semantics = 3
	SemDiscrete Semantics = 4
)

type DataType int

const (
	TypeI32    DataType = 0
	TypeU32    DataType = 1
	TypeI64    DataType = 2
	TypeU64    DataType = 3
	TypeFloat  DataType = 4
	TypeDouble DataType = 5
	TypeString DataType = 6
)

func (d DataType) Numeric() bool { return d >= TypeI32 && d <= TypeDouble }

// VariableDefinition describes one declared output variable of a script.
type VariableDefinition struct {
	Single     bool       `json:"single"`
	Semantics  Semantics  `json:"semantics"`
	DataType   DataType   `json:"datatype"`
	MetricType MetricType `json:"metrictype"`
}

// Metadata holds declarative properties parsed from the script header.
type Metadata struct {
	Name             string   `json:"name"`
	Include          []string `json:"include"`
	TableRetainLines int      `json:"table_retain_lines"`
}

// DefaultTableRetainLines caps Output variables when the script does not set a limit.
const DefaultTableRetainLines = 100

// RetainLines returns the effective cap for Output variables.
func (m Metadata) RetainLines() int {
	if m.TableRetainLines > 0 {
		return m.TableRetainLines
	}
	return DefaultTableRetainLines
}
