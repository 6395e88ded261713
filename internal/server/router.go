package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/bpftraced/internal/history"
	"github.com/loykin/bpftraced/internal/manager"
	"github.com/loykin/bpftraced/internal/metrics"
	"github.com/loykin/bpftraced/internal/script"
)

// Router provides embeddable HTTP handlers for managing bpftrace scripts.
// Endpoints:
//   POST   {basePath}/scripts               body: {code, username, persistent, start}
//   GET    {basePath}/scripts               query: offset, limit
//   GET    {basePath}/scripts/:id           counts as access for idle expiry
//   POST   {basePath}/scripts/:id/start
//   POST   {basePath}/scripts/:id/stop
//   DELETE {basePath}/scripts/:id
//   GET    {basePath}/scripts/:id/history   query: limit
//   GET    {basePath}/scripts/:id/process   with WithProcessMetrics
//   GET    {basePath}/runtime
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr         *manager.Manager
	basePath    string
	metricsPath string
	metrics     http.Handler
	procs       *metrics.ProcessMetricsCollector
	logger      *slog.Logger
}

type RouterOption func(*Router)

// WithMetrics serves h on path, outside basePath.
func WithMetrics(path string, h http.Handler) RouterOption {
	return func(r *Router) {
		r.metricsPath = path
		r.metrics = h
	}
}

// WithProcessMetrics exposes the last CPU/memory sample of each script's bpftrace.
func WithProcessMetrics(c *metrics.ProcessMetricsCollector) RouterOption {
	return func(r *Router) { r.procs = c }
}

func WithLogger(l *slog.Logger) RouterOption { return func(r *Router) { r.logger = l } }

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/scripts, /api/runtime.
func NewRouter(mgr *manager.Manager, basePath string, opts ...RouterOption) *Router {
	r := &Router{mgr: mgr, basePath: sanitizeBase(basePath), logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil && r.metricsPath != "" {
		g.GET(r.metricsPath, gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.POST("/scripts", r.handleCreate)
	group.GET("/scripts", r.handleList)
	group.GET("/runtime", r.handleRuntime)

	one := group.Group("/scripts/:id", r.requireID)
	one.GET("", r.handleGet)
	one.DELETE("", r.handleDelete)
	one.POST("/start", r.handleStart)
	one.POST("/stop", r.handleStop)
	one.GET("/history", r.handleHistory)
	if r.procs != nil {
		one.GET("/process", r.handleProcess)
	}
	return g
}

// NewServer returns an HTTP server for handler. tlsCfg may be nil.
func NewServer(addr string, handler http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// stop can take stop_timeout twice over before the reply is written
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type createReq struct {
	Code       string `json:"code" binding:"required"`
	Username   string `json:"username" binding:"required"`
	Persistent bool   `json:"persistent"`
	Start      *bool  `json:"start"`
}

type listResp struct {
	Scripts []map[string]any `json:"scripts"`
	Total   int              `json:"total"`
	Offset  int              `json:"offset"`
	Limit   int              `json:"limit"`
}

type runtimeResp struct {
	Version       string `json:"version"`
	VersionString string `json:"version_string,omitempty"`
	Compatible    bool   `json:"compatible"`
	Reason        string `json:"reason,omitempty"`
	KernelProbed  bool   `json:"kernel_probed"`
	Kprobes       bool   `json:"kprobes"`
}

func (r *Router) requireID(c *gin.Context) {
	if !script.IsSafeName(c.Param("id")) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid script id"})
		c.Abort()
		return
	}
	c.Next()
}

// handleCreate creates a script and, unless start is false, starts it. A user who may not
// run scripts gets 403 and nothing is kept. Start failures after spawn leave the script
// in error; it is still returned with 201 so the caller can read the reason.
func (r *Router) handleCreate(c *gin.Context) {
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	ctx := c.Request.Context()
	snap, err := r.mgr.Create(ctx, req.Code, req.Username, req.Persistent)
	if err != nil {
		r.fail(c, err)
		return
	}
	if req.Start == nil || *req.Start {
		err := r.mgr.Start(ctx, snap.ID)
		if errors.Is(err, script.ErrPermissionDenied) {
			if _, derr := r.mgr.Delete(context.WithoutCancel(ctx), snap.ID); derr != nil {
				r.logger.Warn("cannot remove rejected script", "script", snap.ID, "error", derr)
			}
			r.fail(c, err)
			return
		}
		if err != nil {
			r.logger.Warn("script did not start", "script", snap.ID, "error", err)
		}
		if s, gerr := r.mgr.Get(snap.ID); gerr == nil {
			snap = s
		}
	}
	writeJSON(c, http.StatusCreated, script.Export(snap))
}

func (r *Router) handleList(c *gin.Context) {
	p, err := parsePaginationParams(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	all := r.mgr.List()
	resp := listResp{Scripts: []map[string]any{}, Total: len(all), Offset: p.Offset, Limit: p.Limit}
	for i := p.Offset; i < len(all) && i < p.Offset+p.Limit; i++ {
		resp.Scripts = append(resp.Scripts, script.Export(all[i]))
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleGet(c *gin.Context) {
	snap, err := r.mgr.Get(c.Param("id"))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, script.Export(snap))
}

func (r *Router) handleStart(c *gin.Context) {
	id := c.Param("id")
	if err := r.mgr.Start(c.Request.Context(), id); err != nil {
		r.fail(c, err)
		return
	}
	r.handleGet(c)
}

func (r *Router) handleStop(c *gin.Context) {
	id := c.Param("id")
	if err := r.mgr.Stop(c.Request.Context(), id); err != nil {
		r.fail(c, err)
		return
	}
	r.handleGet(c)
}

func (r *Router) handleDelete(c *gin.Context) {
	if _, err := r.mgr.Delete(c.Request.Context(), c.Param("id")); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleHistory(c *gin.Context) {
	limit, err := parseLimit(c, 50)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	events, err := r.mgr.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		r.fail(c, err)
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) handleProcess(c *gin.Context) {
	id := c.Param("id")
	if _, err := r.mgr.Get(id); err != nil {
		r.fail(c, err)
		return
	}
	m, ok := r.procs.Get(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no process sample for " + id})
		return
	}
	writeJSON(c, http.StatusOK, m)
}

func (r *Router) handleRuntime(c *gin.Context) {
	rt := r.mgr.Runtime()
	resp := runtimeResp{
		Version:       rt.String(),
		VersionString: rt.VersionStr,
		Compatible:    true,
		KernelProbed:  rt.Kernel.Probed,
		Kprobes:       rt.Kernel.Kprobes,
	}
	if err := rt.Check(); err != nil {
		resp.Compatible = false
		resp.Reason = err.Error()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		r.logger.Error("request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}

// statusFor maps manager errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, script.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, script.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, script.ErrInvalidDeclaration), errors.Is(err, script.ErrUnknownVariable):
		return http.StatusBadRequest
	case errors.Is(err, script.ErrTransitionInProgress), errors.Is(err, script.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, history.ErrNoReader):
		return http.StatusNotImplemented
	case errors.Is(err, script.ErrRuntimeIncompatible):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
