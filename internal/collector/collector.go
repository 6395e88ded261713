// Package collector turns the JSON output stream of a bpftrace process into decoded
// script state.
package collector

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/loykin/bpftraced/internal/bpftrace"
	"github.com/loykin/bpftraced/internal/metrics"
	"github.com/loykin/bpftraced/internal/ratelimit"
	"github.com/loykin/bpftraced/internal/script"
)

// Collector decodes the records of one run of a script. Records are applied only while
// that run is current; a restart silently detaches an old collector.
type Collector struct {
	sc       *script.Script
	run      uint64
	bucket   *ratelimit.Bucket
	logger   *slog.Logger
	onAttach func(probes int)
	retain   int
}

type Option func(*Collector)

func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// WithAttachHandler registers fn to be called for every attached_probes record.
func WithAttachHandler(fn func(probes int)) Option {
	return func(c *Collector) { c.onAttach = fn }
}

func New(sc *script.Script, run uint64, bucket *ratelimit.Bucket, opts ...Option) *Collector {
	c := &Collector{
		sc:     sc,
		run:    run,
		bucket: bucket,
		logger: slog.Default(),
		retain: sc.Metadata().RetainLines(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.bucket == nil {
		c.bucket = ratelimit.New(0)
	}
	return c
}

// Run reads records from r until it is closed. Per-record errors are counted and
// skipped; only a read error other than EOF is returned.
func (c *Collector) Run(r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if herr := c.HandleLine(line); herr != nil {
				c.logger.Debug("record dropped", "script", c.sc.ID, "error", herr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}

// HandleLine processes one output line. The returned error describes why the record
// was dropped; it never means the stream must stop.
func (c *Collector) HandleLine(line []byte) error {
	line = bytes.TrimSpace(line)
	rec, err := bpftrace.ParseRecord(line)
	if err != nil {
		c.parseError(err)
		return err
	}

	switch rec.Type {
	case bpftrace.TypeAttachedProbes:
		var ap bpftrace.AttachedProbes
		if err := json.Unmarshal(rec.Data, &ap); err != nil {
			c.parseError(err)
			return err
		}
		c.sc.Update(c.run, func(st *script.State) { st.Probes = ap.Probes })
		if c.onAttach != nil {
			c.onAttach(ap.Probes)
		}
		return nil
	case bpftrace.TypeLostEvents:
		var le bpftrace.LostEvents
		if err := json.Unmarshal(rec.Data, &le); err != nil {
			c.parseError(err)
			return err
		}
		c.sc.Update(c.run, func(st *script.State) { st.Stats.LostEvents += le.Events })
		metrics.AddLostEvents(c.sc.ID, le.Events)
		return nil
	}

	n := len(line)
	if !c.bucket.TryConsume(n) {
		c.sc.Update(c.run, func(st *script.State) {
			st.Stats.ThrottledRecs++
			st.Stats.ThrottledBytes += uint64(n)
		})
		metrics.IncThrottled(c.sc.ID, n)
		return fmt.Errorf("%w: %d bytes", script.ErrThrottled, n)
	}
	c.sc.Update(c.run, func(st *script.State) {
		st.Stats.Records++
		st.Stats.AcceptedBytes += uint64(n)
	})
	metrics.ObserveRecord(c.sc.ID, rec.Type, n)

	switch rec.Type {
	case bpftrace.TypeMap, bpftrace.TypeHist, bpftrace.TypeStats:
		return c.handleVars(rec)
	case bpftrace.TypePrintf, bpftrace.TypeTime:
		return c.handleText(rec)
	default:
		c.logger.Debug("ignoring record", "script", c.sc.ID, "type", rec.Type)
		return nil
	}
}

func (c *Collector) handleVars(rec bpftrace.Record) error {
	var vars bpftrace.VarData
	if err := json.Unmarshal(rec.Data, &vars); err != nil {
		c.parseError(err)
		return err
	}
	var errs []error
	for raw, data := range vars {
		name := bpftrace.VarName(raw)
		def, ok := c.sc.Variable(name)
		if !ok {
			c.unknownVariable(name)
			errs = append(errs, fmt.Errorf("%w: %s", script.ErrUnknownVariable, raw))
			continue
		}
		v, err := decode(rec.Type, def, data)
		if err != nil {
			err = fmt.Errorf("variable %s: %w", name, err)
			c.parseError(err)
			errs = append(errs, err)
			continue
		}
		c.sc.Update(c.run, func(st *script.State) { st.Data[name] = v })
	}
	return errors.Join(errs...)
}

func (c *Collector) handleText(rec bpftrace.Record) error {
	def, ok := c.sc.Variable(bpftrace.OutputVariable)
	if !ok || def.MetricType != script.MetricOutput {
		c.unknownVariable(bpftrace.OutputVariable)
		return fmt.Errorf("%w: %s", script.ErrUnknownVariable, bpftrace.OutputVariable)
	}
	var text string
	if err := json.Unmarshal(rec.Data, &text); err != nil {
		c.parseError(err)
		return err
	}
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	c.sc.Update(c.run, func(st *script.State) {
		prev, _ := st.Data[bpftrace.OutputVariable].(script.OutputValue)
		st.Data[bpftrace.OutputVariable] = prev.Append(c.retain, lines...)
	})
	return nil
}

func (c *Collector) parseError(err error) {
	c.sc.Update(c.run, func(st *script.State) {
		st.Stats.ParseErrors++
		st.Stats.LastParseError = err.Error()
	})
	metrics.IncDecodeError(c.sc.ID, "parse")
}

func (c *Collector) unknownVariable(name string) {
	c.sc.Update(c.run, func(st *script.State) { st.Stats.UnknownVars++ })
	metrics.IncDecodeError(c.sc.ID, "unknown_variable")
}

// decode converts the raw JSON of one variable according to its definition.
func decode(recType string, def script.VariableDefinition, data json.RawMessage) (script.Value, error) {
	switch def.MetricType {
	case script.MetricControl:
		if recType == bpftrace.TypeStats {
			return decodeStats(data)
		}
		if recType != bpftrace.TypeMap {
			return nil, fmt.Errorf("control variable in %s record", recType)
		}
		return decodeControl(def, data)
	case script.MetricHistogram:
		if recType != bpftrace.TypeHist {
			return nil, fmt.Errorf("histogram variable in %s record", recType)
		}
		return decodeHistogram(def, data)
	case script.MetricStacks:
		if recType != bpftrace.TypeMap {
			return nil, fmt.Errorf("stacks variable in %s record", recType)
		}
		return decodeStacks(def, data)
	case script.MetricOutput:
		return nil, fmt.Errorf("output variable in %s record", recType)
	}
	return nil, fmt.Errorf("unknown metric type %d", int(def.MetricType))
}

func decodeScalar(data json.RawMessage) (script.Scalar, error) {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		return script.NumberScalar(num), nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return script.TextScalar(text), nil
	}
	return script.Scalar{}, fmt.Errorf("cannot decode %s as a scalar", truncate(data))
}

func decodeControl(def script.VariableDefinition, data json.RawMessage) (script.Value, error) {
	if def.Single {
		s, err := decodeScalar(data)
		if err != nil {
			return nil, err
		}
		return script.ControlValue{Value: s}, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("expected instances for keyed variable: %w", err)
	}
	inst := make(map[string]script.Scalar, len(m))
	for k, raw := range m {
		s, err := decodeScalar(raw)
		if err != nil {
			return nil, err
		}
		inst[k] = s
	}
	return script.ControlValue{Instances: inst}, nil
}

// decodeStats flattens stats() values into count/average/total instances. Keyed and
// unkeyed maps are told apart by shape since both are declared with instances.
func decodeStats(data json.RawMessage) (script.Value, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	inst := map[string]script.Scalar{}
	flatten := func(prefix string, st bpftrace.Stats) {
		inst[prefix+"count"] = script.NumberScalar(st.Count)
		inst[prefix+"average"] = script.NumberScalar(st.Average)
		inst[prefix+"total"] = script.NumberScalar(st.Total)
	}
	if raw, ok := probe["count"]; ok && !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
		var st bpftrace.Stats
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, err
		}
		flatten("", st)
		return script.ControlValue{Instances: inst}, nil
	}
	for k, raw := range probe {
		var st bpftrace.Stats
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("stats instance %s: %w", k, err)
		}
		flatten(k+"/", st)
	}
	return script.ControlValue{Instances: inst}, nil
}

func toBuckets(h bpftrace.Hist) []script.Bucket {
	out := make([]script.Bucket, 0, len(h))
	for _, b := range h {
		out = append(out, script.Bucket{
			Label: script.BucketLabel(b.Min, b.Max),
			Min:   b.Min,
			Max:   b.Max,
			Count: b.Count,
		})
	}
	return out
}

func decodeHistogram(def script.VariableDefinition, data json.RawMessage) (script.Value, error) {
	if def.Single {
		var h bpftrace.Hist
		if err := json.Unmarshal(data, &h); err != nil {
			return nil, err
		}
		return script.HistogramValue{Buckets: toBuckets(h)}, nil
	}
	var m map[string]bpftrace.Hist
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	inst := make(map[string][]script.Bucket, len(m))
	for k, h := range m {
		inst[k] = toBuckets(h)
	}
	return script.HistogramValue{Instances: inst}, nil
}

// decodeStacks reads a map keyed by printed stacks. A key may carry a leading
// non-frame component ("bash,\n  frame\n  frame\n") which becomes the instance.
func decodeStacks(def script.VariableDefinition, data json.RawMessage) (script.Value, error) {
	var m map[string]uint64
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	entries := make([]script.StackEntry, 0, len(m))
	for key, count := range m {
		parts := strings.Split(key, "\n")
		instance := ""
		if head := strings.TrimSpace(parts[0]); !def.Single && len(parts) > 1 && strings.HasSuffix(head, ",") {
			instance = strings.TrimSuffix(head, ",")
			parts = parts[1:]
		}
		frames := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				frames = append(frames, p)
			}
		}
		if instance == "" && !def.Single {
			instance = strings.Join(frames, ";")
		}
		entries = append(entries, script.StackEntry{Instance: instance, Frames: frames, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Instance < entries[j].Instance
	})
	return script.StacksValue{Entries: entries}, nil
}

func truncate(b []byte) string {
	if len(b) > 64 {
		return string(b[:64]) + "..."
	}
	return string(b)
}
