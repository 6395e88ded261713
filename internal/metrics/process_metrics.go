package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory usage of one bpftrace process.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ProcessMetricsConfig holds configuration for process metrics collection
type ProcessMetricsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ProcessMetricsCollector samples the bpftrace process of every running script.
type ProcessMetricsCollector struct {
	enabled  bool
	interval time.Duration

	mu     sync.RWMutex
	latest map[string]ProcessMetrics // script id -> last sample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewProcessMetricsCollector(config ProcessMetricsConfig) *ProcessMetricsCollector {
	interval := config.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      name,
			Help:      help,
		}, []string{"script"})
	}
	return &ProcessMetricsCollector{
		enabled:    config.Enabled,
		interval:   interval,
		latest:     make(map[string]ProcessMetrics),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the bpftrace process."),
		memoryRSS:  gauge("memory_rss_bytes", "Resident memory of the bpftrace process."),
		numThreads: gauge("num_threads", "Number of threads of the bpftrace process."),
		numFDs:     gauge("num_fds", "Number of open file descriptors of the bpftrace process (Unix only)."),
	}
}

// RegisterMetrics registers the process metrics with the provided registerer
func (c *ProcessMetricsCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	cs := []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.numFDs)
	}
	for _, col := range cs {
		if err := register(r, col); err != nil {
			return err
		}
	}
	return nil
}

// Start samples the pids returned by getPIDs (script id -> pid) every interval.
func (c *ProcessMetricsCollector) Start(ctx context.Context, getPIDs func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(getPIDs())
			}
		}
	}()
}

func (c *ProcessMetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every pid and forgets scripts that are gone.
func (c *ProcessMetricsCollector) Collect(pids map[string]int32) {
	now := time.Now()
	samples := make(map[string]ProcessMetrics, len(pids))
	for id, pid := range pids {
		if pid <= 0 {
			continue
		}
		m, err := sample(pid, now)
		if err != nil {
			slog.Debug("failed to sample bpftrace process", "script", id, "pid", pid, "error", err)
			continue
		}
		samples[id] = m
		c.cpuPercent.WithLabelValues(id).Set(m.CPUPercent)
		c.memoryRSS.WithLabelValues(id).Set(float64(m.MemoryRSS))
		c.numThreads.WithLabelValues(id).Set(float64(m.NumThreads))
		if runtime.GOOS != "windows" && m.NumFDs > 0 {
			c.numFDs.WithLabelValues(id).Set(float64(m.NumFDs))
		}
	}

	c.mu.Lock()
	for id := range c.latest {
		if _, ok := samples[id]; !ok {
			c.cpuPercent.DeleteLabelValues(id)
			c.memoryRSS.DeleteLabelValues(id)
			c.numThreads.DeleteLabelValues(id)
			c.numFDs.DeleteLabelValues(id)
		}
	}
	c.latest = samples
	c.mu.Unlock()
}

func sample(pid int32, ts time.Time) (ProcessMetrics, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	m := ProcessMetrics{PID: pid, MemoryRSS: mem.RSS, MemoryVMS: mem.VMS, Timestamp: ts}
	if cpu, err := proc.CPUPercent(); err == nil {
		m.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		m.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			m.NumFDs = n
		}
	}
	return m, nil
}

// Get returns the last sample of a script.
func (c *ProcessMetricsCollector) Get(id string) (ProcessMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.latest[id]
	return m, ok
}

func (c *ProcessMetricsCollector) IsEnabled() bool { return c.enabled }
