package script

import (
	"time"
)

// Export converts a snapshot into plain maps, slices and scalars. Timestamps are
// rendered as RFC 3339 (ISO-8601) strings; no other conversion happens here, so the
// result can be handed to any encoder.
func Export(s Snapshot) map[string]any {
	vars := make(map[string]any, len(s.Variables))
	for name, v := range s.Variables {
		vars[name] = map[string]any{
			"single":     v.Single,
			"semantics":  int(v.Semantics),
			"datatype":   int(v.DataType),
			"metrictype": v.MetricType.String(),
		}
	}
	return map[string]any{
		"script_id":        s.ID,
		"username":         s.Username,
		"persistent":       s.Persistent,
		"created_at":       formatTime(s.CreatedAt),
		"last_accessed_at": formatTime(s.LastAccessedAt),
		"code":             s.Code,
		"metadata": map[string]any{
			"name":               s.Metadata.Name,
			"include":            append([]string{}, s.Metadata.Include...),
			"table_retain_lines": s.Metadata.TableRetainLines,
		},
		"variables": vars,
		"state":     ExportState(s.State),
	}
}

// ExportState converts a state into plain structural form.
func ExportState(st State) map[string]any {
	data := make(map[string]any, len(st.Data))
	for name, v := range st.Data {
		data[name] = ExportValue(v)
	}
	return map[string]any{
		"status":    st.Status.String(),
		"pid":       st.PID,
		"exit_code": st.ExitCode,
		"error":     st.Error,
		"probes":    st.Probes,
		"data":      data,
		"stats": map[string]any{
			"records":           st.Stats.Records,
			"accepted_bytes":    st.Stats.AcceptedBytes,
			"throttled_records": st.Stats.ThrottledRecs,
			"throttled_bytes":   st.Stats.ThrottledBytes,
			"parse_errors":      st.Stats.ParseErrors,
			"unknown_variables": st.Stats.UnknownVars,
			"lost_events":       st.Stats.LostEvents,
		},
	}
}

// ExportValue converts one decoded value. Control scalars become a number or string
// (or a map of them), histograms a list of buckets, stacks a list of entries and output
// a list of lines.
func ExportValue(v Value) any {
	switch x := v.(type) {
	case ControlValue:
		if x.Instances == nil {
			return x.Value.Plain()
		}
		m := make(map[string]any, len(x.Instances))
		for k, s := range x.Instances {
			m[k] = s.Plain()
		}
		return m
	case HistogramValue:
		if x.Instances == nil {
			return exportBuckets(x.Buckets)
		}
		m := make(map[string]any, len(x.Instances))
		for k, b := range x.Instances {
			m[k] = exportBuckets(b)
		}
		return m
	case StacksValue:
		out := make([]any, 0, len(x.Entries))
		for _, e := range x.Entries {
			entry := map[string]any{
				"frames": append([]string{}, e.Frames...),
				"count":  e.Count,
			}
			if e.Instance != "" {
				entry["instance"] = e.Instance
			}
			out = append(out, entry)
		}
		return out
	case OutputValue:
		return append([]string{}, x.Lines...)
	}
	return nil
}

func exportBuckets(bs []Bucket) []any {
	out := make([]any, 0, len(bs))
	for _, b := range bs {
		m := map[string]any{
			"label": b.Label,
			"count": b.Count,
		}
		if b.Min != nil {
			m["min"] = *b.Min
		}
		if b.Max != nil {
			m["max"] = *b.Max
		}
		out = append(out, m)
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}
