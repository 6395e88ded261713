package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/bpftraced/internal/script"
)

// Snapshotter lists the scripts whose data should be exported.
type Snapshotter interface {
	Snapshots() []script.Snapshot
}

// ScriptExporter exposes the decoded data of every script as const metrics, labelled by
// script id, display name and variable. It reads snapshots at scrape time and holds no
// state of its own.
type ScriptExporter struct {
	src Snapshotter

	probesDesc    *prometheus.Desc
	statusDesc    *prometheus.Desc
	gaugeDesc     *prometheus.Desc
	counterDesc   *prometheus.Desc
	textDesc      *prometheus.Desc
	histDesc      *prometheus.Desc
	stackDesc     *prometheus.Desc
	outputDesc    *prometheus.Desc
	throttledDesc *prometheus.Desc
}

func NewScriptExporter(src Snapshotter) *ScriptExporter {
	base := []string{"script", "name"}
	varLabels := []string{"script", "name", "variable", "instance"}
	fq := func(n string) string { return prometheus.BuildFQName(namespace, "", n) }
	return &ScriptExporter{
		src:           src,
		probesDesc:    prometheus.NewDesc(fq("probes"), "Number of attached probes.", base, nil),
		statusDesc:    prometheus.NewDesc(fq("status"), "Script status (1 for the current status).", append(base, "status"), nil),
		gaugeDesc:     prometheus.NewDesc(fq("variable"), "bpftrace control variable.", varLabels, nil),
		counterDesc:   prometheus.NewDesc(fq("variable_total"), "bpftrace counter variable.", varLabels, nil),
		textDesc:      prometheus.NewDesc(fq("variable_info"), "bpftrace string variable.", append(varLabels, "value"), nil),
		histDesc:      prometheus.NewDesc(fq("histogram"), "bpftrace histogram variable.", varLabels, nil),
		stackDesc:     prometheus.NewDesc(fq("stack_count"), "bpftrace stack sample count.", append(varLabels, "stack"), nil),
		outputDesc:    prometheus.NewDesc(fq("output_lines"), "Retained output lines.", append(base, "variable"), nil),
		throttledDesc: prometheus.NewDesc(fq("throttled_records"), "Records dropped by the rate limiter in the current run.", base, nil),
	}
}

// Register adds the exporter to r.
func (e *ScriptExporter) Register(r prometheus.Registerer) error {
	return register(r, e)
}

func (e *ScriptExporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{e.probesDesc, e.statusDesc, e.gaugeDesc, e.counterDesc,
		e.textDesc, e.histDesc, e.stackDesc, e.outputDesc, e.throttledDesc} {
		ch <- d
	}
}

func (e *ScriptExporter) Collect(ch chan<- prometheus.Metric) {
	for _, s := range e.src.Snapshots() {
		e.collectScript(ch, s)
	}
}

func (e *ScriptExporter) collectScript(ch chan<- prometheus.Metric, s script.Snapshot) {
	name := s.Metadata.Name
	if name == "" {
		name = s.ID
	}
	st := s.State
	ch <- prometheus.MustNewConstMetric(e.probesDesc, prometheus.GaugeValue, float64(st.Probes), s.ID, name)
	ch <- prometheus.MustNewConstMetric(e.statusDesc, prometheus.GaugeValue, 1, s.ID, name, st.Status.String())
	ch <- prometheus.MustNewConstMetric(e.throttledDesc, prometheus.GaugeValue, float64(st.Stats.ThrottledRecs), s.ID, name)

	for varName, v := range st.Data {
		def := s.Variables[varName]
		switch x := v.(type) {
		case script.ControlValue:
			desc, vt := e.gaugeDesc, prometheus.GaugeValue
			if def.Semantics == script.SemCounter {
				desc, vt = e.counterDesc, prometheus.CounterValue
			}
			if x.Instances == nil {
				e.scalar(ch, desc, vt, x.Value, s.ID, name, varName, "")
				continue
			}
			for inst, sc := range x.Instances {
				e.scalar(ch, desc, vt, sc, s.ID, name, varName, inst)
			}
		case script.HistogramValue:
			if x.Instances == nil {
				e.histogram(ch, x.Buckets, s.ID, name, varName, "")
				continue
			}
			for inst, b := range x.Instances {
				e.histogram(ch, b, s.ID, name, varName, inst)
			}
		case script.StacksValue:
			e.stacks(ch, x.Entries, s.ID, name, varName)
		case script.OutputValue:
			ch <- prometheus.MustNewConstMetric(e.outputDesc, prometheus.GaugeValue, float64(len(x.Lines)),
				s.ID, name, varName)
		}
	}
}

func (e *ScriptExporter) scalar(ch chan<- prometheus.Metric, desc *prometheus.Desc, vt prometheus.ValueType,
	sc script.Scalar, labels ...string) {
	if sc.IsText {
		ch <- prometheus.MustNewConstMetric(e.textDesc, prometheus.GaugeValue, 1, append(labels, sc.Text)...)
		return
	}
	ch <- prometheus.MustNewConstMetric(desc, vt, sc.Number, labels...)
}

// stacks emits one series per instance and stack. Entries whose frames print the same
// after trimming are summed so no two series share a label set.
func (e *ScriptExporter) stacks(ch chan<- prometheus.Metric, entries []script.StackEntry, id, name, varName string) {
	type key struct{ inst, stack string }
	counts := make(map[key]uint64, len(entries))
	for _, entry := range entries {
		k := key{inst: entry.Instance, stack: strings.Join(entry.Frames, ";")}
		if k.inst == k.stack {
			k.inst = ""
		}
		counts[k] += entry.Count
	}
	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(e.stackDesc, prometheus.GaugeValue, float64(n),
			id, name, varName, k.inst, k.stack)
	}
}

// histogram converts bpftrace buckets into cumulative Prometheus buckets. bpftrace bucket
// maxima are inclusive, so they are the "le" bounds as they are. The overflow bucket (no
// max) only contributes to the total count.
func (e *ScriptExporter) histogram(ch chan<- prometheus.Metric, bs []script.Bucket, labels ...string) {
	buckets := make(map[float64]uint64, len(bs))
	var count uint64
	for _, b := range bs {
		count += b.Count
		if b.Max != nil {
			buckets[*b.Max] = count
		}
	}
	ch <- prometheus.MustNewConstHistogram(e.histDesc, count, -1, buckets, labels...)
}
