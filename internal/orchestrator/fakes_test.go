package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/loykin/stackr/internal/config"
	"github.com/loykin/stackr/internal/history"
	"github.com/loykin/stackr/internal/portinspect"
	"github.com/loykin/stackr/internal/process"
	"github.com/loykin/stackr/internal/versions"
)

// fakeOS is a process table plus a listener table. Spawned httpd binds
// the web port and mariadb binds the database port.
type fakeOS struct {
	mu      sync.Mutex
	nextPID int
	alive   map[int]bool
	names   map[int]string
	bound   map[int]int // port -> pid
	ports   map[string]int
	spawned []process.SpawnSpec
}

func newFakeOS(st *config.Settings) *fakeOS {
	return &fakeOS{
		nextPID: 5000,
		alive:   map[int]bool{},
		names:   map[int]string{},
		bound:   map[int]int{},
		ports:   map[string]int{"httpd": st.Ports.Web, "mariadb": st.Ports.Database},
	}
}

func (f *fakeOS) listen(port, pid int, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = true
	f.names[pid] = name
	f.bound[port] = pid
}

func (f *fakeOS) die(pid int) {
	f.alive[pid] = false
	for port, p := range f.bound {
		if p == pid {
			delete(f.bound, port)
		}
	}
}

func (f *fakeOS) Spawn(_ context.Context, spec process.SpawnSpec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	pid := f.nextPID
	f.alive[pid] = true
	f.spawned = append(f.spawned, spec)
	name := spec.Name
	if name == "mariadb" {
		name = "mariadbd"
	}
	f.names[pid] = name
	if port, ok := f.ports[spec.Name]; ok {
		f.bound[port] = pid
	}
	return pid, nil
}

func (f *fakeOS) IsRunning(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeOS) Kill(pid int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.die(pid)
	return nil
}

// RunCommand treats "-k stop" and "shutdown" as graceful stops of the
// matching server; every other command succeeds silently.
func (f *fakeOS) RunCommand(_ context.Context, path string, args []string, _ string) (process.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var target string
	switch {
	case slices.Contains(args, "stop"):
		target = "httpd"
	case slices.Contains(args, "shutdown"):
		target = "mariadbd"
	default:
		return process.Result{}, nil
	}
	for pid, name := range f.names {
		if name == target && f.alive[pid] {
			f.die(pid)
		}
	}
	return process.Result{}, nil
}

func (f *fakeOS) Listeners(context.Context) ([]portinspect.Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []portinspect.Listener
	for port, pid := range f.bound {
		out = append(out, portinspect.Listener{Port: port, LocalAddress: "127.0.0.1", PID: pid})
	}
	return out, nil
}

func (f *fakeOS) lookup(_ context.Context, pid int) (process.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.names[pid]
	if !ok {
		return process.Info{PID: pid}, errors.New("no such process")
	}
	return process.Info{PID: pid, Name: name}, nil
}

func (f *fakeOS) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Recent(_ context.Context, svc string, limit int) ([]history.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if svc == "" || m.events[i].Service == svc {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

func (m *memSink) snapshot() []history.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]history.Event(nil), m.events...)
}

type stack struct {
	o     *Orchestrator
	fos   *fakeOS
	base  string
	store *config.Store
	sink  *memSink
}

func newStack(t *testing.T, mutate func(*config.Settings)) *stack {
	t.Helper()
	base := t.TempDir()
	layout := config.Layout{Base: base}
	store := config.NewStore(layout.SettingsFile())
	st := config.Default()
	st.Aux.CABundleURL = ""
	st.Scan.Interval = ""
	if mutate != nil {
		mutate(st)
	}
	if err := store.Save(st); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	fos := newFakeOS(st)
	sink := &memSink{}
	o := New(Options{
		Base:         base,
		Store:        store,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Runner:       fos,
		Listeners:    fos,
		Lookup:       fos.lookup,
		History:      sink,
		PollInterval: 5 * time.Millisecond,
		StopWait:     50 * time.Millisecond,
		Debounce:     20 * time.Millisecond,
	})
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return &stack{o: o, fos: fos, base: base, store: store, sink: sink}
}

// install creates bin/<svc>/<version> with the files the registry resolves.
func (s *stack) install(t *testing.T, svc, version string) {
	t.Helper()
	dir := config.Layout{Base: s.base}.InstallDir(svc, version)
	var files []string
	switch svc {
	case config.ServiceApache:
		files = []string{filepath.Join("bin", versions.Exe("httpd"))}
	case config.ServiceMariaDB:
		files = []string{filepath.Join("bin", versions.Exe("mariadbd")), filepath.Join("bin", versions.Exe("mariadb-install-db"))}
	case config.ServicePHP:
		files = []string{versions.Exe("php")}
	}
	for _, f := range files {
		p := filepath.Join(dir, f)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte("bin"), 0o755); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func (s *stack) activate(t *testing.T, svc, version string) {
	t.Helper()
	s.install(t, svc, version)
	if _, err := s.store.Update(func(st *config.Settings) error { return st.SetActiveVersion(svc, version) }); err != nil {
		t.Fatalf("activate: %v", err)
	}
}
