package script

import (
	"fmt"
	"maps"
	"slices"
)

// Value is the decoded content of one variable. The concrete type is selected by the
// variable's MetricType: ControlValue, HistogramValue, StacksValue or OutputValue.
type Value interface {
	Category() MetricType
	Clone() Value
}

// Scalar is a single bpftrace map value; bpftrace emits either numbers or strings.
type Scalar struct {
	Number float64 `json:"number"`
	Text   string  `json:"text,omitempty"`
	IsText bool    `json:"is_text,omitempty"`
}

func NumberScalar(v float64) Scalar { return Scalar{Number: v} }
func TextScalar(v string) Scalar    { return Scalar{Text: v, IsText: true} }

// Plain returns the scalar as a float64 or string.
func (s Scalar) Plain() any {
	if s.IsText {
		return s.Text
	}
	return s.Number
}

// ControlValue holds the latest scalar. Instances is set instead of Value when the
// variable is keyed.
type ControlValue struct {
	Value     Scalar            `json:"value"`
	Instances map[string]Scalar `json:"instances,omitempty"`
}

func (ControlValue) Category() MetricType { return MetricControl }

func (v ControlValue) Clone() Value {
	v.Instances = maps.Clone(v.Instances)
	return v
}

// Bucket is one histogram bucket covering [Min, Max], both inclusive. A nil Min marks
// the underflow bucket and a nil Max the overflow bucket.
type Bucket struct {
	Label string   `json:"label"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
	Count uint64   `json:"count"`
}

// BucketLabel renders the bucket bounds the way bpftrace prints them:
// "(..., 0)", "[1]", "[2, 4)" and "[64, ...)".
func BucketLabel(min, max *float64) string {
	switch {
	case min == nil && max == nil:
		return "(..., ...)"
	case min == nil:
		return fmt.Sprintf("(..., %g)", *max+1)
	case max == nil:
		return fmt.Sprintf("[%g, ...)", *min)
	case *min == *max:
		return fmt.Sprintf("[%g]", *min)
	}
	return fmt.Sprintf("[%g, %g)", *min, *max+1)
}

// HistogramValue is the latest histogram snapshot. Each record replaces it wholesale.
type HistogramValue struct {
	Buckets   []Bucket            `json:"buckets,omitempty"`
	Instances map[string][]Bucket `json:"instances,omitempty"`
}

func (HistogramValue) Category() MetricType { return MetricHistogram }

func (v HistogramValue) Clone() Value {
	v.Buckets = slices.Clone(v.Buckets)
	if v.Instances != nil {
		inst := make(map[string][]Bucket, len(v.Instances))
		for k, b := range v.Instances {
			inst[k] = slices.Clone(b)
		}
		v.Instances = inst
	}
	return v
}

// Counts maps bucket label to count for a single histogram.
func (v HistogramValue) Counts() map[string]uint64 {
	out := make(map[string]uint64, len(v.Buckets))
	for _, b := range v.Buckets {
		out[b.Label] = b.Count
	}
	return out
}

type StackEntry struct {
	Instance string   `json:"instance,omitempty"`
	Frames   []string `json:"frames"`
	Count    uint64   `json:"count"`
}

type StacksValue struct {
	Entries []StackEntry `json:"entries"`
}

func (StacksValue) Category() MetricType { return MetricStacks }

func (v StacksValue) Clone() Value {
	entries := make([]StackEntry, len(v.Entries))
	for i, e := range v.Entries {
		e.Frames = slices.Clone(e.Frames)
		entries[i] = e
	}
	v.Entries = entries
	return v
}

// OutputValue holds retained output lines in arrival order.
type OutputValue struct {
	Lines []string `json:"lines"`
}

func (OutputValue) Category() MetricType { return MetricOutput }

func (v OutputValue) Clone() Value {
	v.Lines = slices.Clone(v.Lines)
	return v
}

// Append adds line and evicts the oldest lines beyond limit.
func (v OutputValue) Append(limit int, lines ...string) OutputValue {
	out := append(slices.Clone(v.Lines), lines...)
	if limit > 0 && len(out) > limit {
		out = slices.Clone(out[len(out)-limit:])
	}
	return OutputValue{Lines: out}
}
