package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/loykin/stackr/internal/confgen"
	"github.com/loykin/stackr/internal/config"
	"github.com/loykin/stackr/internal/env"
	"github.com/loykin/stackr/internal/process"
	"github.com/loykin/stackr/internal/versions"
)

// windowsRuntimeLibs must sit next to httpd.exe so the PHP module loads
// against the runtime PHP was built with.
var windowsRuntimeLibs = []string{
	"vcruntime140.dll",
	"vcruntime140_1.dll",
	"msvcp140.dll",
	"msvcp140_1.dll",
	"msvcp140_2.dll",
}

// Apache runs httpd with the generated httpd.conf.
type Apache struct {
	Layout   config.Layout
	Versions *versions.Registry
	Config   *confgen.Generator
	Runner   process.Runner
}

func (a *Apache) Name() string                 { return config.ServiceApache }
func (a *Apache) Title() string                { return "Apache" }
func (a *Apache) Port(st *config.Settings) int { return st.Ports.Web }
func (a *Apache) ProcessNames() []string       { return []string{"httpd"} }
func (a *Apache) Readiness() Readiness         { return Readiness{Attempts: 15, ExitFirst: true} }
func (a *Apache) ConfigPath() string           { return a.Layout.ApacheConf() }

func (a *Apache) BinaryPath() (string, error) {
	return a.Versions.BinaryPath(config.ServiceApache)
}

func (a *Apache) phpDir() string {
	dir, err := a.Versions.InstallDir(config.ServicePHP)
	if err != nil {
		return ""
	}
	return dir
}

// Prepare copies the PHP runtime libraries into the httpd bin directory.
// It must run before validation, since httpd -t loads the PHP module.
func (a *Apache) Prepare(_ context.Context, bin string) error {
	phpDir := a.phpDir()
	if phpDir == "" {
		return nil
	}
	return CopyRuntimeLibs(phpDir, filepath.Dir(bin))
}

func (a *Apache) WriteConfig(st *config.Settings) error {
	_, err := a.Config.WriteApache(st)
	return err
}

// Validate runs httpd -t. Some builds print "Syntax OK" with a non-zero
// exit status, so either is accepted.
func (a *Apache) Validate(ctx context.Context, bin, cfg string) error {
	res, err := a.Runner.RunCommand(ctx, bin, []string{"-t", "-f", cfg}, filepath.Dir(bin))
	if err != nil {
		return err
	}
	out := res.Combined()
	if res.ExitCode == 0 || strings.Contains(strings.ToLower(out), "syntax ok") {
		return nil
	}
	if detail := lastLines(out, 3); detail != "" {
		return errors.New(detail)
	}
	return fmt.Errorf("httpd -t exited with code %d", res.ExitCode)
}

// Command launches httpd with the PHP directory first on PATH so PHP
// extensions can resolve their own dependencies.
func (a *Apache) Command(bin, cfg string) process.SpawnSpec {
	e := env.New().FromOS()
	e.PrependPath(a.phpDir())
	return process.SpawnSpec{
		Name:    "httpd",
		Path:    bin,
		Args:    []string{"-f", cfg},
		WorkDir: filepath.Dir(bin),
		Env:     e.Merge(),
	}
}

func (a *Apache) StopCommand(_ *config.Settings, bin, cfg string) (string, []string, bool) {
	return bin, []string{"-f", cfg, "-k", "stop"}, true
}

func (a *Apache) ReloadArgs(cfg string) ([]string, bool) {
	return []string{"-f", cfg, "-k", "graceful"}, true
}

func (a *Apache) ErrorLog() string {
	return filepath.Join(a.Layout.ServiceLogDir(config.ServiceApache), "error.log")
}

func (a *Apache) Diagnose() string {
	return DiagnoseApache(tailLines(a.ErrorLog()))
}

// DiagnoseApache picks the most useful line from the tail of an httpd
// error log. A runtime mismatch in the last 10 lines wins, then an
// emerg/crit entry or AH00020 in the last 5, then the last line.
func DiagnoseApache(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	for i := len(lines) - 1; i >= 0 && i >= len(lines)-10; i-- {
		if strings.Contains(strings.ToUpper(lines[i]), "VCRUNTIME") {
			return "PHP runtime library is incompatible with httpd: install the latest Visual C++ Redistributable required by PHP"
		}
	}
	for i := len(lines) - 1; i >= 0 && i >= len(lines)-5; i-- {
		l := lines[i]
		if strings.Contains(l, ":emerg]") || strings.Contains(l, ":crit]") || strings.Contains(l, "AH00020") {
			return l
		}
	}
	return lines[len(lines)-1]
}

// CopyRuntimeLibs copies runtime libraries from the PHP directory into
// dst when they are missing there. Errors on individual files are
// collected; a locked target is expected while httpd runs.
func CopyRuntimeLibs(phpDir, dst string) error {
	var names []string
	if runtime.GOOS == "windows" {
		names = windowsRuntimeLibs
	} else {
		matches, _ := filepath.Glob(filepath.Join(phpDir, "*.so"))
		for _, m := range matches {
			names = append(names, filepath.Base(m))
		}
	}
	var errs []error
	for _, n := range names {
		src := filepath.Join(phpDir, n)
		target := filepath.Join(dst, n)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if _, err := os.Stat(target); err == nil {
			continue
		}
		if err := copyFile(src, target); err != nil {
			errs = append(errs, fmt.Errorf("copy %s: %w", n, err))
		}
	}
	return errors.Join(errs...)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm()) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
