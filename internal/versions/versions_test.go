package versions

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/loykin/stackr/internal/config"
)

type staticSettings struct{ st *config.Settings }

func (s staticSettings) Load() (*config.Settings, error) { return s.st.Clone(), nil }

func mkdirs(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if err := os.MkdirAll(p, 0o755); err != nil {
			t.Fatal(err)
		}
	}
}

func touch(t *testing.T, p string) {
	t.Helper()
	mkdirs(t, filepath.Dir(p))
	if err := os.WriteFile(p, nil, 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestInstalled_SortedNewestFirst(t *testing.T) {
	l := config.Layout{Base: t.TempDir()}
	mkdirs(t,
		l.InstallDir(config.ServiceApache, "2.4.9"),
		l.InstallDir(config.ServiceApache, "2.4.62"),
		l.InstallDir(config.ServiceApache, "2.4.10"),
		filepath.Join(l.BinDir(config.ServiceApache), ".partial"),
	)
	r := NewRegistry(l, staticSettings{config.Default()})
	got, err := r.Installed(config.ServiceApache)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"2.4.62", "2.4.10", "2.4.9"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	none, err := r.Installed(config.ServiceMariaDB)
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no mariadb versions, got %v %v", none, err)
	}
}

func TestActive_NotConfigured(t *testing.T) {
	l := config.Layout{Base: t.TempDir()}
	r := NewRegistry(l, staticSettings{config.Default()})
	_, err := r.BinaryPath(config.ServiceApache)
	if !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
}

func TestActive_ConfiguredButMissing(t *testing.T) {
	l := config.Layout{Base: t.TempDir()}
	st := config.Default()
	st.Versions.MariaDB = "11.4.2"
	r := NewRegistry(l, staticSettings{st})
	if _, err := r.Active(config.ServiceMariaDB); !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
}

func TestBinaryPath(t *testing.T) {
	l := config.Layout{Base: t.TempDir()}
	st := config.Default()
	st.Versions.Apache = "2.4.62"
	st.Versions.MariaDB = "11.4.2"
	st.Versions.PHP = "8.3.10"
	mkdirs(t,
		l.InstallDir(config.ServiceApache, "2.4.62"),
		l.InstallDir(config.ServicePHP, "8.3.10"),
	)
	touch(t, filepath.Join(l.InstallDir(config.ServiceMariaDB, "11.4.2"), "bin", Exe("mysqld")))
	r := NewRegistry(l, staticSettings{st})

	p, err := r.BinaryPath(config.ServiceApache)
	if err != nil || p != filepath.Join(l.InstallDir(config.ServiceApache, "2.4.62"), "bin", Exe("httpd")) {
		t.Fatalf("apache path %q err %v", p, err)
	}
	p, err = r.BinaryPath(config.ServiceMariaDB)
	if err != nil || filepath.Base(p) != Exe("mysqld") {
		t.Fatalf("mariadb should fall back to mysqld, got %q err %v", p, err)
	}
	touch(t, filepath.Join(l.InstallDir(config.ServiceMariaDB, "11.4.2"), "bin", Exe("mariadbd")))
	p, _ = r.BinaryPath(config.ServiceMariaDB)
	if filepath.Base(p) != Exe("mariadbd") {
		t.Fatalf("mariadbd preferred when present, got %q", p)
	}
	p, _ = r.BinaryPath(config.ServicePHP)
	if p != filepath.Join(l.InstallDir(config.ServicePHP, "8.3.10"), Exe("php")) {
		t.Fatalf("php path %q", p)
	}
}

func TestCompareAndMajor(t *testing.T) {
	if Compare("2.4.10", "2.4.9") <= 0 || Compare("8.3", "8.3.0") >= 0 || Compare("1.0", "1.0") != 0 {
		t.Fatalf("unexpected ordering")
	}
	if Major("8.3.10") != 8 || Major("x") != -1 {
		t.Fatalf("unexpected Major")
	}
}
