// Package health runs the stack diagnostics battery.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/stackr/internal/confgen"
	"github.com/loykin/stackr/internal/config"
	"github.com/loykin/stackr/internal/metrics"
)

const dialTimeout = 2 * time.Second

// Result is the immutable outcome of one check.
type Result struct {
	CheckName string    `json:"check_name"`
	IsHealthy bool      `json:"is_healthy"`
	Message   string    `json:"message"`
	CheckedAt time.Time `json:"checked_at"`
}

func result(name string, ok bool, msg string) Result {
	return Result{CheckName: name, IsHealthy: ok, Message: msg, CheckedAt: time.Now().UTC()}
}

type SettingsSource interface {
	Load() (*config.Settings, error)
}

// Versions resolves installed runtimes; *versions.Registry satisfies it.
type Versions interface {
	Active(service string) (string, error)
	InstallDir(service string) (string, error)
	BinaryPath(service string) (string, error)
}

// ConfigValidator is satisfied by *service.Controller.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context) bool
}

type Options struct {
	Settings SettingsSource
	Versions Versions
	Web      ConfigValidator
	Database ConfigValidator
	Logger   *slog.Logger
}

type Checker struct {
	opts Options
	log  *slog.Logger
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewChecker(opts Options) *Checker {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	d := &net.Dialer{Timeout: dialTimeout}
	return &Checker{opts: opts, log: log, dial: d.DialContext}
}

// RunAll runs every check concurrently. Results keep the battery order.
func (c *Checker) RunAll(ctx context.Context) ([]Result, error) {
	st, err := c.opts.Settings.Load()
	if err != nil {
		return nil, err
	}
	battery := []func(context.Context) Result{
		func(ctx context.Context) Result { return c.port(ctx, "web-port", st.Ports.Web) },
		func(context.Context) Result { return c.binary("web-binary", config.ServiceApache, "Apache") },
		func(context.Context) Result { return c.binary("php-binary", config.ServicePHP, "PHP") },
		func(ctx context.Context) Result {
			return c.validate(ctx, "web-config", c.opts.Web, "Configuration has errors")
		},
		func(ctx context.Context) Result { return c.port(ctx, "database-port", st.Ports.Database) },
		func(context.Context) Result { return c.binary("database-binary", config.ServiceMariaDB, "MariaDB") },
		func(ctx context.Context) Result {
			return c.validate(ctx, "database-config", c.opts.Database, "Configuration missing or invalid")
		},
		func(context.Context) Result { return c.phpCompat() },
	}
	names := []string{"web-port", "web-binary", "php-binary", "web-config", "database-port", "database-binary", "database-config", "php-compat"}

	out := make([]Result, len(battery))
	g, gctx := errgroup.WithContext(ctx)
	for i, check := range battery {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					out[i] = result(names[i], false, fmt.Sprintf("check failed: %v", r))
				}
			}()
			out[i] = check(gctx)
			return nil
		})
	}
	_ = g.Wait()
	for _, r := range out {
		if !r.IsHealthy {
			metrics.IncHealthFailure(r.CheckName)
			c.log.Debug("health check failed", "check", r.CheckName, "message", r.Message)
		}
	}
	return out, nil
}

// CheckPort reports whether something accepts TCP connections on
// 127.0.0.1:port.
func (c *Checker) CheckPort(ctx context.Context, port int) Result {
	return c.port(ctx, "port-"+strconv.Itoa(port), port)
}

func (c *Checker) port(ctx context.Context, name string, port int) Result {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := c.dial(dctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return result(name, false, fmt.Sprintf("Port %d is not responding", port))
	}
	_ = conn.Close()
	return result(name, true, fmt.Sprintf("Port %d is listening", port))
}

func (c *Checker) binary(name, service, title string) Result {
	path, err := c.opts.Versions.BinaryPath(service)
	if err != nil {
		return result(name, false, fmt.Sprintf("No active %s version configured", title))
	}
	if _, err := os.Stat(path); err != nil {
		return result(name, false, "Not found at "+path)
	}
	return result(name, true, "Found at "+path)
}

func (c *Checker) validate(ctx context.Context, name string, v ConfigValidator, bad string) Result {
	if v == nil || !v.ValidateConfig(ctx) {
		return result(name, false, bad)
	}
	return result(name, true, "Configuration is valid")
}

// CheckConfig reports whether a configuration file exists.
func (c *Checker) CheckConfig(path string) Result {
	name := "config-" + filepath.Base(path)
	if _, err := os.Stat(path); err != nil {
		return result(name, false, "Configuration file not found")
	}
	return result(name, true, "Configuration file exists")
}

// phpCompat checks that the active PHP ships the Apache module httpd loads.
func (c *Checker) phpCompat() Result {
	const name = "php-compat"
	phpVer, err := c.opts.Versions.Active(config.ServicePHP)
	if err != nil {
		return result(name, false, "No active PHP version configured")
	}
	apacheVer, err := c.opts.Versions.Active(config.ServiceApache)
	if err != nil {
		return result(name, false, "No active Apache version configured")
	}
	phpDir, err := c.opts.Versions.InstallDir(config.ServicePHP)
	if err != nil {
		return result(name, false, err.Error())
	}
	module := confgen.PHPModuleFile(phpDir, phpVer)
	if _, err := os.Stat(module); err != nil {
		return result(name, false, fmt.Sprintf("PHP %s has no Apache module for httpd %s (missing %s)", phpVer, apacheVer, filepath.Base(module)))
	}
	return result(name, true, fmt.Sprintf("PHP %s module is compatible with httpd %s", phpVer, apacheVer))
}
