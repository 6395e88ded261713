// Package bpftrace knows the bpftrace side of the contract: the JSON records printed by
// `bpftrace -f json`, the metadata header convention, variable discovery and runtime
// version detection.
package bpftrace

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Record types printed by `bpftrace -f json`.
const (
	TypeAttachedProbes = "attached_probes"
	TypeMap            = "map"
	TypeHist           = "hist"
	TypeStats          = "stats"
	TypePrintf         = "printf"
	TypeTime           = "time"
	TypeLostEvents     = "lost_events"
)

// OutputVariable receives printf and time output.
const OutputVariable = "output"

// AnonymousVariable is the name given to the unnamed map "@".
const AnonymousVariable = "root"

// Record is one line of bpftrace JSON output.
type Record struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type AttachedProbes struct {
	Probes int `json:"probes"`
}

type LostEvents struct {
	Events uint64 `json:"events"`
}

// VarData maps "@name" to the raw value of that variable.
type VarData = map[string]json.RawMessage

// HistBucket is one bucket of a hist()/lhist() variable. Both bounds are inclusive.
// The underflow bucket has no min and the overflow bucket has no max.
type HistBucket struct {
	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
	Count uint64   `json:"count"`
}

type Hist = []HistBucket

// Stats is the value of a stats()/avg() style variable.
type Stats struct {
	Count   float64 `json:"count"`
	Average float64 `json:"average"`
	Total   float64 `json:"total"`
}

// ParseRecord decodes one output line.
func ParseRecord(line []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return Record{}, fmt.Errorf("cannot parse JSON record: %w", err)
	}
	if r.Type == "" {
		return Record{}, fmt.Errorf("record without type")
	}
	return r, nil
}

// VarName strips the "@" sigil bpftrace puts in front of map names.
func VarName(raw string) string {
	if raw == "@" {
		return AnonymousVariable
	}
	return strings.TrimPrefix(raw, "@")
}
