// Package stackr embeds the local web stack supervisor: Apache httpd with
// PHP and MariaDB, their generated configuration, per-folder virtual hosts
// and the control API.
package stackr

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/stackr/internal/config"
	"github.com/loykin/stackr/internal/health"
	"github.com/loykin/stackr/internal/history"
	"github.com/loykin/stackr/internal/metrics"
	"github.com/loykin/stackr/internal/orchestrator"
	"github.com/loykin/stackr/internal/server"
	"github.com/loykin/stackr/internal/service"
	"github.com/loykin/stackr/internal/vhost"
)

// Re-export core types for external consumers.

type Options = orchestrator.Options

type Settings = config.Settings

type ServiceStatus = service.Snapshot

type Site = vhost.Site

type HealthResult = health.Result

type HistoryEvent = history.Event

type HistorySink = history.Sink

const (
	ServiceApache  = config.ServiceApache
	ServicePHP     = config.ServicePHP
	ServiceMariaDB = config.ServiceMariaDB
)

var ErrUnknownService = orchestrator.ErrUnknownService

// Stack is a thin facade over the orchestrator.
type Stack struct{ inner *orchestrator.Orchestrator }

func New(opts Options) *Stack { return &Stack{inner: orchestrator.New(opts)} }

func DefaultSettings() *Settings { return config.Default() }

func (s *Stack) Initialize(ctx context.Context) error { return s.inner.Initialize(ctx) }
func (s *Stack) StartAll(ctx context.Context) error   { return s.inner.StartAll(ctx) }
func (s *Stack) StopAll(ctx context.Context)          { s.inner.StopAll(ctx) }
func (s *Stack) Shutdown(ctx context.Context) error   { return s.inner.Shutdown(ctx) }
func (s *Stack) Status() []ServiceStatus              { return s.inner.Status() }
func (s *Stack) Sites() []Site                        { return s.inner.Sites() }

func (s *Stack) Start(ctx context.Context, svc string) error {
	c, err := s.inner.Controller(svc)
	if err != nil {
		return err
	}
	return c.Start(ctx)
}

func (s *Stack) Stop(ctx context.Context, svc string) error {
	c, err := s.inner.Controller(svc)
	if err != nil {
		return err
	}
	c.Stop(ctx)
	return nil
}

func (s *Stack) SwitchRuntimeVersion(ctx context.Context, svc, version string) error {
	return s.inner.SwitchRuntimeVersion(ctx, svc, version)
}

func (s *Stack) Health(ctx context.Context) ([]HealthResult, error) {
	return s.inner.RunHealthChecks(ctx)
}

func (s *Stack) History(ctx context.Context, svc string, limit int) ([]HistoryEvent, bool, error) {
	return s.inner.History(ctx, svc, limit)
}

// Handler returns the control API for mounting in another server.
func (s *Stack) Handler(basePath string, log *slog.Logger) http.Handler {
	return server.NewRouter(s.inner, basePath, log).Handler()
}

// NewHTTPServer starts an HTTP server exposing the control API.
func NewHTTPServer(addr, basePath string, s *Stack, log *slog.Logger) (*http.Server, error) {
	return server.NewServer(addr, basePath, s.inner, log)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
