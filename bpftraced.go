// Package bpftraced runs bpftrace scripts on behalf of a metrics agent and serves their
// live data over HTTP. Daemon is the embeddable entry point; the packages under internal/
// hold the implementation.
package bpftraced

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/bpftraced/internal/bpftrace"
	"github.com/loykin/bpftraced/internal/config"
	"github.com/loykin/bpftraced/internal/history"
	historyfactory "github.com/loykin/bpftraced/internal/history/factory"
	"github.com/loykin/bpftraced/internal/logger"
	"github.com/loykin/bpftraced/internal/manager"
	"github.com/loykin/bpftraced/internal/metrics"
	"github.com/loykin/bpftraced/internal/script"
	"github.com/loykin/bpftraced/internal/server"
	"github.com/loykin/bpftraced/internal/store"
	storefactory "github.com/loykin/bpftraced/internal/store/factory"
	itls "github.com/loykin/bpftraced/internal/tls"
)

// Re-export core types for external consumers.

type Config = config.Config

type Snapshot = script.Snapshot

type Status = script.Status

type Event = history.Event

const (
	StatusStopped  = script.StatusStopped
	StatusStarting = script.StatusStarting
	StatusStarted  = script.StatusStarted
	StatusStopping = script.StatusStopping
	StatusError    = script.StatusError
)

var (
	ErrNotFound            = script.ErrNotFound
	ErrPermissionDenied    = script.ErrPermissionDenied
	ErrSpawnFailure        = script.ErrSpawnFailure
	ErrRuntimeIncompatible = script.ErrRuntimeIncompatible
	ErrInvalidDeclaration  = script.ErrInvalidDeclaration
)

// LoadConfig reads a TOML file; an empty path yields the defaults plus environment overrides.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

func DefaultConfig() Config { return config.Default() }

// Export converts a snapshot into plain maps with RFC 3339 timestamps.
func Export(s Snapshot) map[string]any { return script.Export(s) }

// Daemon owns the script manager and everything wired around it: history sinks, the
// persistent-script store, Prometheus collectors and the HTTP API.
type Daemon struct {
	cfg       Config
	logger    *slog.Logger
	logCloser io.Closer
	mgr       *manager.Manager
	history   *history.Recorder
	store     store.Store
	procs     *metrics.ProcessMetricsCollector
	gatherer  prometheus.Gatherer
}

type options struct {
	logger   *slog.Logger
	registry *prometheus.Registry
}

type Option func(*options)

// WithLogger replaces the logger built from the [log] section.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithRegistry registers collectors with reg instead of the default registry.
func WithRegistry(reg *prometheus.Registry) Option { return func(o *options) { o.registry = reg } }

// Open builds a daemon from cfg and restores persistent scripts. Scripts marked running
// in the store are started again.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Daemon, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	d := &Daemon{cfg: cfg, logger: o.logger, logCloser: io.NopCloser(nil)}
	if d.logger == nil {
		l, closer, err := logger.New(cfg.Log)
		if err != nil {
			return nil, err
		}
		d.logger, d.logCloser = l, closer
	}

	mgrOpts := []manager.Option{
		manager.WithLogger(d.logger),
		manager.WithStderrLog(cfg.Log.ScriptStderr),
	}
	if !cfg.BPFtrace.SkipVersionCheck {
		rt, err := bpftrace.DetectRuntime(ctx, cfg.BPFtrace.Path)
		if err != nil {
			// scripts fail with ErrRuntimeIncompatible until the daemon is restarted
			d.logger.Warn("bpftrace runtime check failed", "path", cfg.BPFtrace.Path, "error", err)
		} else {
			d.logger.Info("bpftrace detected", "version", rt.String(), "kernel_probed", rt.Kernel.Probed)
		}
		mgrOpts = append(mgrOpts, manager.WithRuntime(rt))
	}

	if cfg.History.Enabled {
		sinks, err := historyfactory.NewSinksFromDSNs(cfg.History.DSNs)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("open history sinks: %w", err)
		}
		d.history = history.NewRecorder(d.logger, sinks...)
		mgrOpts = append(mgrOpts, manager.WithHistory(d.history))
	}
	if cfg.Store.DSN != "" {
		st, err := storefactory.NewFromDSN(cfg.Store.DSN)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("open store: %w", err)
		}
		d.store = st
		if err := st.EnsureSchema(ctx); err != nil {
			d.close()
			return nil, fmt.Errorf("store schema: %w", err)
		}
		mgrOpts = append(mgrOpts, manager.WithStore(st))
	}

	mgr, err := manager.New(cfg.BPFtrace, mgrOpts...)
	if err != nil {
		d.close()
		return nil, err
	}
	d.mgr = mgr

	if cfg.Metrics.Enabled {
		var reg prometheus.Registerer = prometheus.DefaultRegisterer
		d.gatherer = prometheus.DefaultGatherer
		if o.registry != nil {
			reg, d.gatherer = o.registry, o.registry
		}
		if err := metrics.Register(reg); err != nil {
			d.close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if err := metrics.NewScriptExporter(mgr).Register(reg); err != nil {
			d.close()
			return nil, fmt.Errorf("register script exporter: %w", err)
		}
		d.procs = metrics.NewProcessMetricsCollector(cfg.Metrics.Process)
		if err := d.procs.RegisterMetrics(reg); err != nil {
			d.close()
			return nil, fmt.Errorf("register process metrics: %w", err)
		}
	}

	if err := mgr.Restore(ctx); err != nil {
		d.logger.Warn("some persistent scripts were not restored", "error", err)
	}
	return d, nil
}

func (d *Daemon) Create(ctx context.Context, code, username string, persistent bool) (Snapshot, error) {
	return d.mgr.Create(ctx, code, username, persistent)
}

func (d *Daemon) Start(ctx context.Context, id string) error { return d.mgr.Start(ctx, id) }
func (d *Daemon) Stop(ctx context.Context, id string) error  { return d.mgr.Stop(ctx, id) }

// Get returns the script and counts as access for idle expiry.
func (d *Daemon) Get(id string) (Snapshot, error) { return d.mgr.Get(id) }

func (d *Daemon) Delete(ctx context.Context, id string) (Snapshot, error) {
	return d.mgr.Delete(ctx, id)
}

func (d *Daemon) List() []Snapshot { return d.mgr.List() }

func (d *Daemon) History(ctx context.Context, id string, limit int) ([]Event, error) {
	return d.mgr.History(ctx, id, limit)
}

// Handler returns the HTTP API mounted under base, plus the metrics endpoint when
// metrics are enabled.
func (d *Daemon) Handler(base string) http.Handler {
	opts := []server.RouterOption{server.WithLogger(d.logger)}
	if d.gatherer != nil {
		opts = append(opts,
			server.WithMetrics(d.cfg.Metrics.Path, metrics.HandlerFor(d.gatherer)),
			server.WithProcessMetrics(d.procs),
		)
	}
	return server.NewRouter(d.mgr, base, opts...).Handler()
}

// Run starts the reaper and process sampling, serves the API on [server].listen and
// blocks until ctx is done. All scripts are stopped before it returns.
func (d *Daemon) Run(ctx context.Context) error {
	tlsCfg, err := itls.Setup(d.cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("TLS setup: %w", err)
	}
	ln, err := net.Listen("tcp", d.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Server.Listen, err)
	}
	return d.serve(ctx, ln, tlsCfg != nil, server.NewServer(d.cfg.Server.Listen, d.Handler(d.cfg.Server.BasePath), tlsCfg))
}

func (d *Daemon) serve(ctx context.Context, ln net.Listener, secure bool, srv *http.Server) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go d.mgr.RunReaper(runCtx)
	if d.procs != nil {
		d.procs.Start(runCtx, d.mgr.PIDs)
		defer d.procs.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if secure {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()
	d.logger.Info("serving API", "addr", ln.Addr().String(), "base_path", d.cfg.Server.BasePath, "tls", secure)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 2*d.cfg.BPFtrace.StopTimeout+5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("HTTP shutdown", "error", err)
	}
	if err := d.mgr.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("stopping scripts", "error", err)
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

// Close stops every script and releases the store, history sinks and log file.
func (d *Daemon) Close(ctx context.Context) error {
	var errs []error
	if d.mgr != nil {
		errs = append(errs, d.mgr.Shutdown(ctx))
	}
	errs = append(errs, d.close())
	return errors.Join(errs...)
}

func (d *Daemon) close() error {
	var errs []error
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	errs = append(errs, d.history.Close(), d.logCloser.Close())
	return errors.Join(errs...)
}
