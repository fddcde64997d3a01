package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loykin/stackr/internal/config"
	"github.com/loykin/stackr/internal/portinspect"
	"github.com/loykin/stackr/internal/process"
)

type staticSettings struct{ st *config.Settings }

func (s staticSettings) Load() (*config.Settings, error) { return s.st.Clone(), nil }

// world is a fake OS: process table plus listener table.
type world struct {
	mu       sync.Mutex
	nextPID  int
	alive    map[int]bool
	bound    map[int]int // port -> pid
	names    map[int]string
	spawned  []process.SpawnSpec
	commands [][]string
	killed   []int

	spawnErr  error
	onSpawn   func(w *world, pid int)
	onCommand func(w *world, path string, args []string) process.Result
}

func newWorld() *world {
	return &world{nextPID: 1000, alive: map[int]bool{}, bound: map[int]int{}, names: map[int]string{}}
}

// bind and die are called from hooks with w.mu held.
func (w *world) bind(port, pid int) { w.bound[port] = pid }

func (w *world) die(pid int) {
	w.alive[pid] = false
	for port, p := range w.bound {
		if p == pid {
			delete(w.bound, port)
		}
	}
}

func (w *world) Spawn(_ context.Context, spec process.SpawnSpec) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.spawnErr != nil {
		return 0, w.spawnErr
	}
	w.nextPID++
	pid := w.nextPID
	w.alive[pid] = true
	w.spawned = append(w.spawned, spec)
	if w.onSpawn != nil {
		w.onSpawn(w, pid)
	}
	return pid, nil
}

func (w *world) IsRunning(pid int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive[pid]
}

func (w *world) Kill(pid int, _ bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.killed = append(w.killed, pid)
	w.die(pid)
	return nil
}

func (w *world) RunCommand(_ context.Context, path string, args []string, _ string) (process.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.commands = append(w.commands, append([]string{path}, args...))
	if w.onCommand != nil {
		return w.onCommand(w, path, args), nil
	}
	return process.Result{}, nil
}

func (w *world) IsAvailable(_ context.Context, port int) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, taken := w.bound[port]
	return !taken, nil
}

func (w *world) FindConflict(_ context.Context, port int) (*portinspect.PortConflict, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	pid, ok := w.bound[port]
	if !ok {
		return nil, nil
	}
	name := w.names[pid]
	if name == "" {
		name = "Unknown"
	}
	return &portinspect.PortConflict{Port: port, PID: pid, Name: name}, nil
}

func (w *world) counts() (spawned, commands, killed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.spawned), len(w.commands), len(w.killed)
}

type fakeProfile struct {
	bin         string
	cfg         string
	readiness   Readiness
	binErr      error
	validateErr error
	writeErr    error
	diagnosis   string
	reload      bool
	panicOn     string
}

func (p *fakeProfile) Name() string                 { return "fake" }
func (p *fakeProfile) Title() string                { return "Fake" }
func (p *fakeProfile) Port(st *config.Settings) int { return st.Ports.Web }
func (p *fakeProfile) ProcessNames() []string       { return []string{"fakesvc"} }
func (p *fakeProfile) Readiness() Readiness         { return p.readiness }
func (p *fakeProfile) ConfigPath() string           { return p.cfg }
func (p *fakeProfile) BinaryPath() (string, error)  { return p.bin, p.binErr }
func (p *fakeProfile) Prepare(context.Context, string) error {
	if p.panicOn == "prepare" {
		panic("prepare exploded")
	}
	return errors.New("prepare is best-effort")
}
func (p *fakeProfile) WriteConfig(*config.Settings) error { return p.writeErr }
func (p *fakeProfile) Validate(context.Context, string, string) error {
	return p.validateErr
}
func (p *fakeProfile) Command(bin, cfg string) process.SpawnSpec {
	return process.SpawnSpec{Name: "fake", Path: bin, Args: []string{"-f", cfg}}
}
func (p *fakeProfile) StopCommand(_ *config.Settings, bin, cfg string) (string, []string, bool) {
	return bin, []string{"-f", cfg, "-k", "stop"}, true
}
func (p *fakeProfile) ReloadArgs(cfg string) ([]string, bool) {
	if !p.reload {
		return nil, false
	}
	return []string{"-f", cfg, "-k", "graceful"}, true
}
func (p *fakeProfile) Diagnose() string { return p.diagnosis }

func newFakeProfile(t *testing.T) *fakeProfile {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "fakesvc")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return &fakeProfile{
		bin:       bin,
		cfg:       filepath.Join(dir, "fake.conf"),
		readiness: Readiness{Attempts: 5, ExitFirst: true},
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) transitions() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.To)
	}
	return out
}

const testPort = 18080

func newTestController(t *testing.T, p Profile, w *world) (*Controller, *recorder) {
	t.Helper()
	st := config.Default()
	st.Ports.Web = testPort
	c := NewController(Options{
		Profile:  p,
		Settings: staticSettings{st: st},
		Runner:   w,
		Ports:    w,
		Interval: 5 * time.Millisecond,
		StopWait: 50 * time.Millisecond,
	})
	rec := &recorder{}
	c.Subscribe(rec.listen)
	return c, rec
}

func bindOnSpawn(w *world, pid int) { w.bind(testPort, pid) }
