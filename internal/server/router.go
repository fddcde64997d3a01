package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/stackr/internal/health"
	"github.com/loykin/stackr/internal/history"
	"github.com/loykin/stackr/internal/logtail"
	"github.com/loykin/stackr/internal/metrics"
	"github.com/loykin/stackr/internal/orchestrator"
	"github.com/loykin/stackr/internal/portinspect"
	"github.com/loykin/stackr/internal/service"
	"github.com/loykin/stackr/internal/versions"
	"github.com/loykin/stackr/internal/vhost"
)

const (
	actionTimeout   = 60 * time.Second
	defaultLogLines = 200
	defaultHistory  = 50
)

// Router provides embeddable HTTP handlers for controlling the stack.
// Endpoints, relative to basePath:
//
//	GET    /status
//	POST   /services/:name/{start,stop,restart,reload}
//	POST   /start-all, /stop-all
//	GET    /health
//	GET    /ports, /ports/free?start=&max=, /ports/:port
//	DELETE /ports/:port
//	GET    /sites
//	POST   /sites          body: {"hostname": "..."}
//	POST   /sites/rescan
//	POST   /versions/:service body: {"version": "..."}
//	GET    /logs/:source?n=
//	GET    /history?service=&limit=
//
// /metrics is served at the root when metrics are registered.
type Router struct {
	stack    *orchestrator.Orchestrator
	basePath string
	log      *slog.Logger
}

// NewRouter constructs a Router. basePath may be empty or start with '/'.
func NewRouter(stack *orchestrator.Orchestrator, basePath string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{stack: stack, basePath: sanitizeBase(basePath), log: log}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if metrics.Enabled() {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/services/:name/:action", r.handleServiceAction)
	group.POST("/start-all", r.handleStartAll)
	group.POST("/stop-all", r.handleStopAll)
	group.GET("/health", r.handleHealth)
	group.GET("/ports", r.handlePorts)
	group.GET("/ports/free", r.handleFreePort)
	group.GET("/ports/:port", r.handlePort)
	group.DELETE("/ports/:port", r.handleKillPort)
	group.GET("/sites", r.handleSites)
	group.POST("/sites", r.handleAddSite)
	group.POST("/sites/rescan", r.handleRescan)
	group.POST("/versions/:service", r.handleSwitchVersion)
	group.GET("/logs/:source", r.handleLogs)
	group.GET("/history", r.handleHistory)
	return g
}

// NewServer listens on addr and serves the router in the background.
// A bind failure is returned immediately.
func NewServer(addr, basePath string, stack *orchestrator.Orchestrator, log *slog.Logger) (*http.Server, error) {
	r := NewRouter(stack, basePath, log)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      actionTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("api server stopped", "error", err)
		}
	}()
	return server, nil
}

// --- Responses ---

type errorResp struct {
	Error    string                    `json:"error"`
	Conflict *portinspect.PortConflict `json:"conflict,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type healthResp struct {
	Healthy bool            `json:"healthy"`
	Checks  []health.Result `json:"checks"`
}

type portResp struct {
	Port      int                       `json:"port"`
	Available bool                      `json:"available"`
	Conflict  *portinspect.PortConflict `json:"conflict,omitempty"`
}

type freePortResp struct {
	Port  int  `json:"port"`
	Found bool `json:"found"`
}

type killResp struct {
	Port   int  `json:"port"`
	Killed bool `json:"killed"`
}

type siteReq struct {
	Hostname string `json:"hostname"`
}

type versionReq struct {
	Version string `json:"version"`
}

type logsResp struct {
	Source  string          `json:"source"`
	Entries []logtail.Entry `json:"entries"`
}

type historyResp struct {
	Events []history.Event `json:"events"`
}

// --- Handlers ---

// actionContext detaches the operation from the client connection: a
// dropped request must not abort a half-finished start.
func actionContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.Request.Context()), actionTimeout)
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.stack.Status())
}

func (r *Router) handleServiceAction(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	ctl, err := r.stack.Controller(name)
	if err != nil {
		r.writeError(c, err)
		return
	}
	ctx, cancel := actionContext(c)
	defer cancel()

	switch c.Param("action") {
	case "start":
		err = ctl.Start(ctx)
	case "stop":
		ctl.Stop(ctx)
	case "restart":
		err = ctl.Restart(ctx)
	case "reload":
		err = ctl.Reload(ctx)
	default:
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown action " + c.Param("action")})
		return
	}
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ctl.Snapshot())
}

func (r *Router) handleStartAll(c *gin.Context) {
	ctx, cancel := actionContext(c)
	defer cancel()
	if err := r.stack.StartAll(ctx); err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.stack.Status())
}

func (r *Router) handleStopAll(c *gin.Context) {
	ctx, cancel := actionContext(c)
	defer cancel()
	r.stack.StopAll(ctx)
	writeJSON(c, http.StatusOK, r.stack.Status())
}

func (r *Router) handleHealth(c *gin.Context) {
	results, err := r.stack.RunHealthChecks(c.Request.Context())
	if err != nil {
		r.writeError(c, err)
		return
	}
	resp := healthResp{Healthy: true, Checks: results}
	for _, res := range results {
		if !res.IsHealthy {
			resp.Healthy = false
			break
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handlePorts(c *gin.Context) {
	bindings, err := r.stack.Ports().ActiveBindings(c.Request.Context())
	if err != nil {
		r.writeError(c, err)
		return
	}
	if bindings == nil {
		bindings = []portinspect.PortBinding{}
	}
	writeJSON(c, http.StatusOK, bindings)
}

func (r *Router) handleFreePort(c *gin.Context) {
	start, err := queryInt(c, "start", 8080)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	max, err := queryInt(c, "max", start+100)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if start < 1 || max < start {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "require 1 <= start <= max"})
		return
	}
	port, ok, err := r.stack.Ports().FindFreePort(c.Request.Context(), start, max)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, freePortResp{Port: port, Found: ok})
}

func (r *Router) handlePort(c *gin.Context) {
	port, ok := parsePort(c.Param("port"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid port"})
		return
	}
	conflict, err := r.stack.Ports().FindConflict(c.Request.Context(), port)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, portResp{Port: port, Available: conflict == nil, Conflict: conflict})
}

func (r *Router) handleKillPort(c *gin.Context) {
	port, ok := parsePort(c.Param("port"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid port"})
		return
	}
	killed, err := r.stack.Ports().KillOwner(c.Request.Context(), port)
	if err != nil {
		r.writeError(c, err)
		return
	}
	if !killed {
		writeJSON(c, http.StatusConflict, errorResp{Error: "refusing to kill a system-critical process"})
		return
	}
	writeJSON(c, http.StatusOK, killResp{Port: port, Killed: true})
}

func (r *Router) handleSites(c *gin.Context) {
	sites := r.stack.Sites()
	if sites == nil {
		sites = []vhost.Site{}
	}
	writeJSON(c, http.StatusOK, sites)
}

func (r *Router) handleAddSite(c *gin.Context) {
	var req siteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Hostname == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "hostname required"})
		return
	}
	ctx, cancel := actionContext(c)
	defer cancel()
	if err := r.stack.AddSite(ctx, req.Hostname); err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRescan(c *gin.Context) {
	ctx, cancel := actionContext(c)
	defer cancel()
	if err := r.stack.Rescan(ctx); err != nil {
		r.writeError(c, err)
		return
	}
	r.handleSites(c)
}

func (r *Router) handleSwitchVersion(c *gin.Context) {
	svc := c.Param("service")
	if !isSafeName(svc) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	var req versionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(req.Version) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid version"})
		return
	}
	ctx, cancel := actionContext(c)
	defer cancel()
	if err := r.stack.SwitchRuntimeVersion(ctx, svc, req.Version); err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.stack.Status())
}

func (r *Router) handleLogs(c *gin.Context) {
	source := c.Param("source")
	n, err := queryInt(c, "n", defaultLogLines)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	entries, err := r.stack.Logs(source, n)
	if err != nil {
		r.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []logtail.Entry{}
	}
	writeJSON(c, http.StatusOK, logsResp{Source: source, Entries: entries})
}

func (r *Router) handleHistory(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultHistory)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	evs, ok, err := r.stack.History(c.Request.Context(), c.Query("service"), limit)
	if err != nil {
		r.writeError(c, err)
		return
	}
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "history is not enabled"})
		return
	}
	if evs == nil {
		evs = []history.Event{}
	}
	writeJSON(c, http.StatusOK, historyResp{Events: evs})
}

// writeError maps domain errors onto HTTP status codes.
func (r *Router) writeError(c *gin.Context, err error) {
	var (
		conflict *service.PortConflictError
		startErr *service.StartError
	)
	code := http.StatusInternalServerError
	resp := errorResp{Error: err.Error()}
	// StartError is matched before the sentinels it may wrap.
	switch {
	case errors.As(err, &conflict):
		code = http.StatusConflict
		resp.Conflict = conflict.Owner
	case errors.As(err, &startErr):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrUnknownService),
		errors.Is(err, orchestrator.ErrUnknownSource),
		errors.Is(err, versions.ErrVersionNotFound):
		code = http.StatusNotFound
	case errors.Is(err, service.ErrNotRunning):
		code = http.StatusConflict
	case errors.Is(err, vhost.ErrInvalidHostname):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		r.log.Warn("api request failed", "path", c.FullPath(), "error", err)
	}
	writeJSON(c, code, resp)
}

func parsePort(s string) (int, bool) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return 0, false
	}
	return p, true
}
