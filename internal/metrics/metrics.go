package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bpftraced"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	scriptsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "script",
			Name:      "created_total",
			Help:      "Number of scripts registered.",
		},
	)
	scriptsDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "script",
			Name:      "deleted_total",
			Help:      "Number of scripts removed, by reason (deleted, expired).",
		}, []string{"reason"},
	)
	scriptStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "script",
			Name:      "starts_total",
			Help:      "Number of bpftrace process spawns.",
		}, []string{"script"},
	)
	scriptStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "script",
			Name:      "stops_total",
			Help:      "Number of stop requests that signalled a process.",
		}, []string{"script"},
	)
	forcedKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "script",
			Name:      "forced_kills_total",
			Help:      "Number of SIGKILL escalations after the stop timeout.",
		}, []string{"script"},
	)
	attachDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "script",
			Name:      "attach_duration_seconds",
			Help:      "Time from spawn to the attached_probes record.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "script",
			Name:      "state_transitions_total",
			Help:      "Number of status transitions.",
		}, []string{"script", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "script",
			Name:      "current_state",
			Help:      "Current status of scripts (1 = active state, 0 = inactive).",
		}, []string{"script", "state"},
	)

	records = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "records_total",
			Help:      "Accepted bpftrace output records by type.",
		}, []string{"script", "type"},
	)
	recordBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "bytes_total",
			Help:      "Accepted bpftrace output bytes.",
		}, []string{"script"},
	)
	throttledRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "throttled_records_total",
			Help:      "Records dropped by the per-script rate limiter.",
		}, []string{"script"},
	)
	throttledBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "throttled_bytes_total",
			Help:      "Bytes dropped by the per-script rate limiter.",
		}, []string{"script"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "decode_errors_total",
			Help:      "Records that could not be applied, by kind (parse, unknown_variable).",
		}, []string{"script", "kind"},
	)
	lostEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "lost_events_total",
			Help:      "Events reported lost by bpftrace.",
		}, []string{"script"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		scriptsCreated, scriptsDeleted, scriptStarts, scriptStops, forcedKills, attachDuration,
		stateTransitions, currentStates,
		records, recordBytes, throttledRecords, throttledBytes, decodeErrors, lostEvents,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := register(r, c); err != nil {
			return err
		}
	}
	regOK.Store(true)
	return nil
}

func register(r prometheus.Registerer, c prometheus.Collector) error {
	if err := r.Register(c); err != nil {
		// already registered with the default registry
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncCreated() {
	if regOK.Load() {
		scriptsCreated.Inc()
	}
}

func IncDeleted(reason string) {
	if regOK.Load() {
		scriptsDeleted.WithLabelValues(reason).Inc()
	}
}

func IncStart(id string) {
	if regOK.Load() {
		scriptStarts.WithLabelValues(id).Inc()
	}
}

func IncStop(id string) {
	if regOK.Load() {
		scriptStops.WithLabelValues(id).Inc()
	}
}

func IncForcedKill(id string) {
	if regOK.Load() {
		forcedKills.WithLabelValues(id).Inc()
	}
}

func ObserveAttachDuration(seconds float64) {
	if regOK.Load() {
		attachDuration.Observe(seconds)
	}
}

// RecordStateTransition counts from -> to and flips the current_state gauges.
func RecordStateTransition(id, from, to string) {
	if !regOK.Load() {
		return
	}
	stateTransitions.WithLabelValues(id, from, to).Inc()
	if from != "" {
		currentStates.WithLabelValues(id, from).Set(0)
	}
	currentStates.WithLabelValues(id, to).Set(1)
}

func ObserveRecord(id, typ string, bytes int) {
	if regOK.Load() {
		records.WithLabelValues(id, typ).Inc()
		recordBytes.WithLabelValues(id).Add(float64(bytes))
	}
}

func IncThrottled(id string, bytes int) {
	if regOK.Load() {
		throttledRecords.WithLabelValues(id).Inc()
		throttledBytes.WithLabelValues(id).Add(float64(bytes))
	}
}

func IncDecodeError(id, kind string) {
	if regOK.Load() {
		decodeErrors.WithLabelValues(id, kind).Inc()
	}
}

func AddLostEvents(id string, n uint64) {
	if regOK.Load() {
		lostEvents.WithLabelValues(id).Add(float64(n))
	}
}

// Forget drops every series labelled with the script id so deleted scripts do not
// linger in scrapes.
func Forget(id string) {
	if !regOK.Load() {
		return
	}
	l := prometheus.Labels{"script": id}
	for _, v := range []*prometheus.CounterVec{scriptStarts, scriptStops, forcedKills, stateTransitions,
		records, recordBytes, throttledRecords, throttledBytes, decodeErrors, lostEvents} {
		v.DeletePartialMatch(l)
	}
	currentStates.DeletePartialMatch(l)
}
