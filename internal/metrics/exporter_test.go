package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/bpftraced/internal/script"
)

type staticSnapshots []script.Snapshot

func (s staticSnapshots) Snapshots() []script.Snapshot { return s }

func bound(v float64) *float64 { return &v }

func sampleSnapshot() script.Snapshot {
	return script.Snapshot{
		ID:        "sabc",
		CreatedAt: time.Unix(0, 0),
		Metadata:  script.Metadata{Name: "vfs"},
		Variables: map[string]script.VariableDefinition{
			"reads":  {Single: true, Semantics: script.SemCounter, DataType: script.TypeU64, MetricType: script.MetricControl},
			"comm":   {Single: false, Semantics: script.SemDiscrete, DataType: script.TypeString, MetricType: script.MetricControl},
			"usecs":  {Single: true, Semantics: script.SemInstant, DataType: script.TypeU64, MetricType: script.MetricHistogram},
			"stacks": {Single: false, Semantics: script.SemCounter, DataType: script.TypeU64, MetricType: script.MetricStacks},
			"output": {Single: true, Semantics: script.SemDiscrete, DataType: script.TypeString, MetricType: script.MetricOutput},
		},
		State: script.State{
			Status: script.StatusStarted,
			PID:    42,
			Probes: 3,
			Data: map[string]script.Value{
				"reads": script.ControlValue{Value: script.NumberScalar(7)},
				"comm":  script.ControlValue{Instances: map[string]script.Scalar{"1": script.TextScalar("bash")}},
				"usecs": script.HistogramValue{Buckets: []script.Bucket{
					{Max: bound(-1), Count: 1},
					{Min: bound(0), Max: bound(0), Count: 2},
					{Min: bound(1), Max: bound(1), Count: 3},
					{Min: bound(2), Max: bound(3), Count: 4},
					{Min: bound(4), Count: 5},
				}},
				"stacks": script.StacksValue{Entries: []script.StackEntry{{Frames: []string{"a", "b"}, Count: 5}}},
				"output": script.OutputValue{Lines: []string{"x", "y"}},
			},
		},
	}
}

func TestScriptExporterCollect(t *testing.T) {
	exp := NewScriptExporter(staticSnapshots{sampleSnapshot()})
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, exp.Register(reg))

	expected := `
# HELP bpftraced_probes Number of attached probes.
# TYPE bpftraced_probes gauge
bpftraced_probes{name="vfs",script="sabc"} 3
# HELP bpftraced_variable_total bpftrace counter variable.
# TYPE bpftraced_variable_total counter
bpftraced_variable_total{instance="",name="vfs",script="sabc",variable="reads"} 7
# HELP bpftraced_variable_info bpftrace string variable.
# TYPE bpftraced_variable_info gauge
bpftraced_variable_info{instance="1",name="vfs",script="sabc",value="bash",variable="comm"} 1
# HELP bpftraced_stack_count bpftrace stack sample count.
# TYPE bpftraced_stack_count gauge
bpftraced_stack_count{instance="",name="vfs",script="sabc",stack="a;b",variable="stacks"} 5
# HELP bpftraced_output_lines Retained output lines.
# TYPE bpftraced_output_lines gauge
bpftraced_output_lines{name="vfs",script="sabc",variable="output"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"bpftraced_probes", "bpftraced_variable_total", "bpftraced_variable_info",
		"bpftraced_stack_count", "bpftraced_output_lines"))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != "bpftraced_histogram" {
			continue
		}
		h := mf.GetMetric()[0].GetHistogram()
		assert.Equal(t, uint64(15), h.GetSampleCount())
		got := map[float64]uint64{}
		for _, b := range h.GetBucket() {
			got[b.GetUpperBound()] = b.GetCumulativeCount()
		}
		assert.Equal(t, map[float64]uint64{-1: 1, 0: 3, 1: 6, 3: 10}, got)
		return
	}
	t.Fatal("histogram not exported")
}

func TestScriptExporterUsesIDWithoutName(t *testing.T) {
	snap := sampleSnapshot()
	snap.Metadata.Name = ""
	snap.State.Data = nil
	exp := NewScriptExporter(staticSnapshots{snap})
	assert.Equal(t, 3, testutil.CollectAndCount(exp))

	expected := `
# HELP bpftraced_status Script status (1 for the current status).
# TYPE bpftraced_status gauge
bpftraced_status{name="sabc",script="sabc",status="started"} 1
`
	require.NoError(t, testutil.CollectAndCompare(exp, strings.NewReader(expected), "bpftraced_status"))
}

func TestScriptExporterStacksSharingInstance(t *testing.T) {
	snap := sampleSnapshot()
	snap.State.Data = map[string]script.Value{
		"stacks": script.StacksValue{Entries: []script.StackEntry{
			{Instance: "bash", Frames: []string{"schedule", "do_idle"}, Count: 3},
			{Instance: "bash", Frames: []string{"vfs_read"}, Count: 2},
			{Instance: "bash", Frames: []string{"vfs_read"}, Count: 1},
		}},
	}
	exp := NewScriptExporter(staticSnapshots{snap})
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, exp.Register(reg))

	expected := `
# HELP bpftraced_stack_count bpftrace stack sample count.
# TYPE bpftraced_stack_count gauge
bpftraced_stack_count{instance="bash",name="vfs",script="sabc",stack="schedule;do_idle",variable="stacks"} 3
bpftraced_stack_count{instance="bash",name="vfs",script="sabc",stack="vfs_read",variable="stacks"} 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "bpftraced_stack_count"))
}
