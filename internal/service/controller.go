// Package service drives a single managed service through its lifecycle:
// port check, config generation, validation, spawn, readiness polling,
// graceful stop and crash diagnosis.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/stackr/internal/config"
	"github.com/loykin/stackr/internal/metrics"
	"github.com/loykin/stackr/internal/portinspect"
	"github.com/loykin/stackr/internal/process"
	"github.com/loykin/stackr/internal/versions"
)

const (
	defaultInterval = 200 * time.Millisecond
	defaultStopWait = 3 * time.Second
)

// SettingsSource provides the current settings.
type SettingsSource interface {
	Load() (*config.Settings, error)
}

// PortChecker is the part of portinspect.Inspector a controller needs.
type PortChecker interface {
	IsAvailable(ctx context.Context, port int) (bool, error)
	FindConflict(ctx context.Context, port int) (*portinspect.PortConflict, error)
}

type Options struct {
	Profile  Profile
	Settings SettingsSource
	Runner   process.Runner
	Ports    PortChecker
	Logger   *slog.Logger
	Interval time.Duration // readiness poll interval, default 200ms
	StopWait time.Duration // graceful stop window, default 3s
}

// Controller owns one service process. Operations are serialized; reads
// through Status and Snapshot never block on a running operation.
type Controller struct {
	profile  Profile
	settings SettingsSource
	runner   process.Runner
	ports    PortChecker
	log      *slog.Logger
	interval time.Duration
	stopWait time.Duration

	opMu     sync.Mutex
	notifyMu sync.Mutex

	mu        sync.RWMutex
	status    Status
	pid       int
	port      int
	startedAt time.Time
	lastErr   string
	listeners []Listener
}

func NewController(opts Options) *Controller {
	c := &Controller{
		profile:  opts.Profile,
		settings: opts.Settings,
		runner:   opts.Runner,
		ports:    opts.Ports,
		log:      opts.Logger,
		interval: opts.Interval,
		stopWait: opts.StopWait,
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("service", opts.Profile.Name())
	if c.interval <= 0 {
		c.interval = defaultInterval
	}
	if c.stopWait <= 0 {
		c.stopWait = defaultStopWait
	}
	return c
}

func (c *Controller) Name() string  { return c.profile.Name() }
func (c *Controller) Title() string { return c.profile.Title() }

func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Service:   c.profile.Name(),
		Title:     c.profile.Title(),
		Status:    c.status,
		PID:       c.pid,
		Port:      c.port,
		StartedAt: c.startedAt,
		LastError: c.lastErr,
	}
}

// Subscribe registers l for all future transitions.
func (c *Controller) Subscribe(l Listener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// setStatus changes state and notifies listeners. notifyMu keeps delivery
// in transition order; listeners may call Status and Snapshot.
func (c *Controller) setStatus(to Status, msg string) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	from := c.status
	c.status = to
	switch to {
	case Error:
		c.lastErr = msg
	case Running:
		c.lastErr = ""
	}
	pid := c.pid
	ls := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	if from == to {
		return
	}
	name := c.profile.Name()
	metrics.RecordStateTransition(name, from.String(), to.String())
	metrics.SetCurrentState(name, to.String(), StatusNames())
	c.log.Debug("status changed", "from", from, "to", to)

	ev := Event{Service: name, From: from, To: to, PID: pid, Message: msg, OccurredAt: time.Now().UTC()}
	for _, l := range ls {
		c.deliver(l, ev)
	}
}

func (c *Controller) deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("status listener panicked", "panic", r)
		}
	}()
	l(ev)
}

func (c *Controller) setProcess(pid int, started time.Time) {
	c.mu.Lock()
	c.pid = pid
	c.startedAt = started
	c.mu.Unlock()
}

// Start launches the service and waits until its port is bound. Starting
// a running service is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.startLocked(ctx)
}

func (c *Controller) startLocked(ctx context.Context) (err error) {
	if c.Status() == Running {
		return nil
	}
	c.setStatus(Starting, "")
	began := time.Now()

	defer func() {
		if r := recover(); r != nil {
			c.setStatus(Error, fmt.Sprint(r))
			panic(r)
		}
	}()

	if err = c.start(ctx); err != nil {
		c.setStatus(Error, err.Error())
		metrics.IncStartFailure(c.profile.Name())
		c.log.Warn("start failed", "error", err)
		return err
	}
	metrics.IncStart(c.profile.Name())
	metrics.ObserveStartDuration(c.profile.Name(), time.Since(began).Seconds())
	return nil
}

func (c *Controller) start(ctx context.Context) error {
	p := c.profile
	st, err := c.settings.Load()
	if err != nil {
		return err
	}
	port := p.Port(st)
	c.mu.Lock()
	c.port = port
	c.mu.Unlock()

	free, err := c.ports.IsAvailable(ctx, port)
	if err != nil {
		return fmt.Errorf("check port %d: %w", port, err)
	}
	if !free {
		pe := &PortConflictError{Port: port}
		if conflict, err := c.ports.FindConflict(ctx, port); err == nil && conflict != nil {
			pe.PID = conflict.PID
			pe.Owner = conflict
		}
		return pe
	}

	bin, err := p.BinaryPath()
	if err != nil {
		if errors.Is(err, versions.ErrVersionNotFound) {
			return &StartError{
				Service: p.Title(),
				Message: fmt.Sprintf("No %s version installed. Install a version first.", p.Title()),
				Err:     err,
			}
		}
		return err
	}
	if _, err := os.Stat(bin); err != nil {
		return &StartError{Service: p.Title(), Message: fmt.Sprintf("%s not found at: %s", filepath.Base(bin), bin), Err: err}
	}

	if err := p.Prepare(ctx, bin); err != nil {
		c.log.Warn("prepare failed", "error", err)
	}
	if err := p.WriteConfig(st); err != nil {
		return &StartError{Service: p.Title(), Message: fmt.Sprintf("generate config: %v", err), Err: err}
	}
	cfg := p.ConfigPath()
	if err := p.Validate(ctx, bin, cfg); err != nil {
		return &StartError{Service: p.Title(), Message: fmt.Sprintf("configuration error: %v", err), Err: err}
	}

	pid, err := c.runner.Spawn(ctx, p.Command(bin, cfg))
	if err != nil {
		return &StartError{Service: p.Title(), Message: err.Error(), Err: err}
	}
	c.setProcess(pid, time.Now())
	c.log.Info("spawned", "pid", pid, "port", port)
	return c.awaitReady(ctx, pid, port)
}

// awaitReady polls until port is bound by the spawned process.
func (c *Controller) awaitReady(ctx context.Context, pid, port int) error {
	r := c.profile.Readiness()
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for i := 0; i < r.Attempts; i++ {
		select {
		case <-ctx.Done():
			c.abandon(pid)
			return ctx.Err()
		case <-t.C:
		}
		if r.ExitFirst && !c.runner.IsRunning(pid) {
			return c.exited()
		}
		if c.bound(ctx, port) {
			c.setStatus(Running, "")
			c.log.Info("running", "pid", pid, "port", port)
			return nil
		}
		if !r.ExitFirst && !c.runner.IsRunning(pid) {
			return c.exited()
		}
	}
	c.abandon(pid)
	return &StartError{Service: c.profile.Title(), Message: fmt.Sprintf("started but never bound port %d", port)}
}

func (c *Controller) bound(ctx context.Context, port int) bool {
	free, err := c.ports.IsAvailable(ctx, port)
	if err != nil {
		c.log.Debug("readiness port check failed", "error", err)
		return false
	}
	return !free
}

func (c *Controller) abandon(pid int) {
	if err := c.runner.Kill(pid, true); err != nil {
		c.log.Warn("kill after failed start", "pid", pid, "error", err)
	}
	c.setProcess(0, time.Time{})
}

func (c *Controller) exited() error {
	c.setProcess(0, time.Time{})
	msg := "process exited immediately after start"
	if d := c.profile.Diagnose(); d != "" {
		msg = "process exited immediately: " + d
	}
	return &StartError{Service: c.profile.Title(), Message: msg}
}

// Stop shuts the service down: graceful stop command, a bounded wait, then
// a forced tree kill. It always ends in Stopped.
func (c *Controller) Stop(ctx context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopLocked(ctx)
}

func (c *Controller) stopLocked(ctx context.Context) {
	c.mu.RLock()
	status, pid := c.status, c.pid
	c.mu.RUnlock()
	if status != Running || pid == 0 {
		c.setStatus(Stopped, "")
		return
	}
	c.setStatus(Stopping, "")
	defer func() {
		c.setProcess(0, time.Time{})
		c.setStatus(Stopped, "")
		metrics.IncStop(c.profile.Name())
	}()

	c.gracefulStop(ctx)
	c.waitExit(ctx, pid)
	if c.runner.IsRunning(pid) {
		if err := c.runner.Kill(pid, true); err != nil {
			c.log.Warn("force kill failed", "pid", pid, "error", err)
		}
	}
}

func (c *Controller) gracefulStop(ctx context.Context) {
	st, err := c.settings.Load()
	if err != nil {
		c.log.Debug("stop: settings unavailable", "error", err)
		return
	}
	bin, err := c.profile.BinaryPath()
	if err != nil {
		return
	}
	path, args, ok := c.profile.StopCommand(st, bin, c.profile.ConfigPath())
	if !ok {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, c.stopWait)
	defer cancel()
	res, err := c.runner.RunCommand(cctx, path, args, filepath.Dir(path))
	if err != nil || res.ExitCode != 0 {
		c.log.Debug("graceful stop command failed", "exit", res.ExitCode, "error", err, "output", lastLines(res.Combined(), 3))
	}
}

func (c *Controller) waitExit(ctx context.Context, pid int) {
	deadline := time.Now().Add(c.stopWait)
	for time.Now().Before(deadline) {
		if !c.runner.IsRunning(pid) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.interval):
		}
	}
}

func (c *Controller) Restart(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopLocked(ctx)
	return c.startLocked(ctx)
}

// Reload regenerates the configuration and applies it to the running
// process, or restarts when the service has no in-place reload.
func (c *Controller) Reload(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.Status() != Running {
		return ErrNotRunning
	}
	p := c.profile
	args, ok := p.ReloadArgs(p.ConfigPath())
	if !ok {
		c.stopLocked(ctx)
		return c.startLocked(ctx)
	}
	st, err := c.settings.Load()
	if err != nil {
		return err
	}
	if err := p.WriteConfig(st); err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	bin, err := p.BinaryPath()
	if err != nil {
		return err
	}
	res, err := c.runner.RunCommand(ctx, bin, args, filepath.Dir(bin))
	if err != nil {
		return fmt.Errorf("reload %s: %w", p.Name(), err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("reload %s: exit code %d: %s", p.Name(), res.ExitCode, lastLines(res.Combined(), 3))
	}
	c.log.Info("reloaded")
	return nil
}

// ValidateConfig reports whether the current configuration is accepted.
func (c *Controller) ValidateConfig(ctx context.Context) bool {
	bin, err := c.profile.BinaryPath()
	if err != nil {
		return false
	}
	return c.profile.Validate(ctx, bin, c.profile.ConfigPath()) == nil
}

// DetectRunning adopts a process that already listens on the service port
// when its executable name is one the profile expects.
func (c *Controller) DetectRunning(ctx context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.Status() == Running {
		return
	}
	st, err := c.settings.Load()
	if err != nil {
		return
	}
	port := c.profile.Port(st)
	c.mu.Lock()
	c.port = port
	c.mu.Unlock()

	conflict, err := c.ports.FindConflict(ctx, port)
	if err != nil || conflict == nil || conflict.PID <= 0 {
		return
	}
	if !matchesProcess(conflict.Name, c.profile.ProcessNames()) {
		c.log.Debug("port owned by foreign process", "port", port, "owner", conflict.Name)
		return
	}
	c.setProcess(conflict.PID, process.StartTime(conflict.PID))
	c.setStatus(Running, "")
	c.log.Info("adopted running process", "pid", conflict.PID, "port", port)
}

// SyncStatus notices a tracked process that exited on its own.
func (c *Controller) SyncStatus() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.RLock()
	status, pid := c.status, c.pid
	c.mu.RUnlock()
	if status != Running || pid == 0 || c.runner.IsRunning(pid) {
		return
	}
	c.setProcess(0, time.Time{})
	msg := "process exited unexpectedly"
	if d := c.profile.Diagnose(); d != "" {
		msg += ": " + d
	}
	c.setStatus(Error, msg)
}

// MarkNotInstalled records that no version of the service is installed.
func (c *Controller) MarkNotInstalled() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if s := c.Status(); s == Stopped || s == Error || s == NotInstalled {
		c.setStatus(NotInstalled, "")
	}
}

func matchesProcess(name string, want []string) bool {
	n := strings.ToLower(filepath.Base(name))
	n = strings.TrimSuffix(n, ".exe")
	for _, w := range want {
		if n == strings.ToLower(w) {
			return true
		}
	}
	return false
}
