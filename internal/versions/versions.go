// Package versions resolves installed and active runtime versions. A version
// is installed when bin/<service>/<version> exists; the active version comes
// from settings.
package versions

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/loykin/stackr/internal/config"
)

var ErrVersionNotFound = errors.New("version not found")

// SettingsSource provides the current settings.
type SettingsSource interface {
	Load() (*config.Settings, error)
}

type Registry struct {
	layout   config.Layout
	settings SettingsSource
}

func NewRegistry(layout config.Layout, settings SettingsSource) *Registry {
	return &Registry{layout: layout, settings: settings}
}

// Installed lists installed versions of service, newest first.
func (r *Registry) Installed(service string) ([]string, error) {
	entries, err := os.ReadDir(r.layout.BinDir(service))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Slice(out, func(i, j int) bool { return Compare(out[i], out[j]) > 0 })
	return out, nil
}

func (r *Registry) IsInstalled(service, version string) bool {
	if version == "" {
		return false
	}
	fi, err := os.Stat(r.layout.InstallDir(service, version))
	return err == nil && fi.IsDir()
}

// Active returns the configured version of service. It fails with
// ErrVersionNotFound when none is configured or the configured one is gone.
func (r *Registry) Active(service string) (string, error) {
	st, err := r.settings.Load()
	if err != nil {
		return "", err
	}
	v := st.ActiveVersion(service)
	if v == "" {
		return "", fmt.Errorf("%w: no active %s version", ErrVersionNotFound, service)
	}
	if !r.IsInstalled(service, v) {
		return "", fmt.Errorf("%w: %s %s is not installed", ErrVersionNotFound, service, v)
	}
	return v, nil
}

// InstallDir returns the directory of the active version of service.
func (r *Registry) InstallDir(service string) (string, error) {
	v, err := r.Active(service)
	if err != nil {
		return "", err
	}
	return r.layout.InstallDir(service, v), nil
}

// BinaryPath returns the main executable of the active version. The path is
// returned even if the file is missing so callers can report it.
func (r *Registry) BinaryPath(service string) (string, error) {
	dir, err := r.InstallDir(service)
	if err != nil {
		return "", err
	}
	switch service {
	case config.ServiceApache:
		return filepath.Join(dir, "bin", Exe("httpd")), nil
	case config.ServicePHP:
		return firstExisting(filepath.Join(dir, Exe("php")), filepath.Join(dir, "bin", Exe("php"))), nil
	case config.ServiceMariaDB:
		return firstExisting(filepath.Join(dir, "bin", Exe("mariadbd")), filepath.Join(dir, "bin", Exe("mysqld"))), nil
	}
	return "", fmt.Errorf("unsupported service %q", service)
}

// ToolPath returns the first existing helper binary among names in the
// active version's bin directory, or the first candidate if none exists.
func (r *Registry) ToolPath(service string, names ...string) (string, error) {
	dir, err := r.InstallDir(service)
	if err != nil {
		return "", err
	}
	paths := make([]string, 0, len(names))
	for _, n := range names {
		paths = append(paths, filepath.Join(dir, "bin", Exe(n)))
	}
	return firstExisting(paths...), nil
}

// Exe appends .exe on Windows.
func Exe(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}

// Compare orders dotted versions component-wise, numerically when both
// components are numbers (2.4.10 > 2.4.9).
func Compare(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xn, xerr := strconv.Atoi(x)
		yn, yerr := strconv.Atoi(y)
		switch {
		case xerr == nil && yerr == nil:
			if xn != yn {
				if xn < yn {
					return -1
				}
				return 1
			}
		default:
			if c := strings.Compare(x, y); c != 0 {
				return c
			}
		}
	}
	return 0
}

// Major returns the leading numeric component of v, or -1.
func Major(v string) int {
	head, _, _ := strings.Cut(v, ".")
	n, err := strconv.Atoi(head)
	if err != nil {
		return -1
	}
	return n
}
