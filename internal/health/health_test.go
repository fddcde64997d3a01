package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/loykin/stackr/internal/config"
	"github.com/loykin/stackr/internal/versions"
)

type staticSettings struct{ st *config.Settings }

func (s staticSettings) Load() (*config.Settings, error) { return s.st.Clone(), nil }

type fakeVersions struct {
	dir    string
	active map[string]string
}

func (f fakeVersions) Active(service string) (string, error) {
	v, ok := f.active[service]
	if !ok {
		return "", versions.ErrVersionNotFound
	}
	return v, nil
}

func (f fakeVersions) InstallDir(service string) (string, error) {
	v, err := f.Active(service)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.dir, service, v), nil
}

func (f fakeVersions) BinaryPath(service string) (string, error) {
	d, err := f.InstallDir(service)
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "bin", service), nil
}

type validator bool

func (v validator) ValidateConfig(context.Context) bool { return bool(v) }

func listen(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestRunAll_OrderAndOutcomes(t *testing.T) {
	dir := t.TempDir()
	fv := fakeVersions{dir: dir, active: map[string]string{
		config.ServiceApache: "2.4.62",
		config.ServicePHP:    "8.3.10",
	}}
	apacheBin, _ := fv.BinaryPath(config.ServiceApache)
	if err := os.MkdirAll(filepath.Dir(apacheBin), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(apacheBin, nil, 0o755); err != nil {
		t.Fatal(err)
	}
	phpDir, _ := fv.InstallDir(config.ServicePHP)
	module := "libphp.so"
	if runtime.GOOS == "windows" {
		module = "php8apache2_4.dll"
	}
	if err := os.MkdirAll(phpDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(phpDir, module), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	st := config.Default()
	st.Ports.Web = listen(t)
	st.Ports.Database = closedPort(t)
	c := NewChecker(Options{
		Settings: staticSettings{st: st},
		Versions: fv,
		Web:      validator(true),
		Database: validator(false),
	})

	res, err := c.RunAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []struct {
		name    string
		healthy bool
	}{
		{"web-port", true},
		{"web-binary", true},
		{"php-binary", false},
		{"web-config", true},
		{"database-port", false},
		{"database-binary", false},
		{"database-config", false},
		{"php-compat", true},
	}
	if len(res) != len(want) {
		t.Fatalf("got %d results", len(res))
	}
	for i, w := range want {
		r := res[i]
		if r.CheckName != w.name || r.IsHealthy != w.healthy {
			t.Fatalf("result %d = %+v, want %s healthy=%v", i, r, w.name, w.healthy)
		}
		if r.CheckedAt.IsZero() || r.CheckedAt.Location().String() != "UTC" {
			t.Fatalf("CheckedAt must be UTC: %v", r.CheckedAt)
		}
	}
	if !strings.Contains(res[5].Message, "No active MariaDB version") {
		t.Fatalf("database-binary message = %q", res[5].Message)
	}
	if !strings.Contains(res[2].Message, "Not found at") {
		t.Fatalf("php-binary message = %q", res[2].Message)
	}
}

func TestPHPCompat_MissingModule(t *testing.T) {
	fv := fakeVersions{dir: t.TempDir(), active: map[string]string{
		config.ServiceApache: "2.4.62",
		config.ServicePHP:    "7.4.33",
	}}
	c := NewChecker(Options{Settings: staticSettings{st: config.Default()}, Versions: fv})
	r := c.phpCompat()
	if r.IsHealthy || !strings.Contains(r.Message, "7.4.33") {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestCheckPortAndConfig(t *testing.T) {
	c := NewChecker(Options{})
	port := listen(t)
	if r := c.CheckPort(context.Background(), port); !r.IsHealthy || r.Message != fmt.Sprintf("Port %d is listening", port) {
		t.Fatalf("unexpected %+v", r)
	}
	if r := c.CheckPort(context.Background(), closedPort(t)); r.IsHealthy {
		t.Fatalf("closed port reported healthy")
	}
	p := filepath.Join(t.TempDir(), "httpd.conf")
	if r := c.CheckConfig(p); r.IsHealthy {
		t.Fatalf("missing config reported healthy")
	}
	if err := os.WriteFile(p, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if r := c.CheckConfig(p); !r.IsHealthy || r.CheckName != "config-httpd.conf" {
		t.Fatalf("unexpected %+v", r)
	}
}
