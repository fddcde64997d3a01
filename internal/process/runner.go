package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/stackr/internal/logger"
)

const reapTimeout = 2 * time.Second

// Runner spawns, queries and terminates OS processes.
type Runner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (int, error)
	IsRunning(pid int) bool
	Kill(pid int, tree bool) error
	RunCommand(ctx context.Context, path string, args []string, workDir string) (Result, error)
}

// SpawnSpec describes a long-running child process.
type SpawnSpec struct {
	Name     string // used for log file names
	Path     string
	Args     []string
	WorkDir  string
	Env      []string // full environment; nil inherits the parent's
	Detached bool     // new session instead of a new process group
}

// Result is the outcome of a synchronous command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

type child struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// OSRunner is the Runner backed by os/exec.
type OSRunner struct {
	Log logger.Config

	mu       sync.Mutex
	children map[int]*child
}

func NewOSRunner(log logger.Config) *OSRunner {
	return &OSRunner{Log: log, children: make(map[int]*child)}
}

// Spawn starts the process and returns its pid. The child is reaped in the
// background so IsRunning reflects an early exit promptly; once reaped it is
// no longer tracked and its pid is probed like any other.
func (r *OSRunner) Spawn(ctx context.Context, spec SpawnSpec) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, err := os.Stat(spec.Path); err != nil {
		return 0, fmt.Errorf("binary not found at %s: %w", spec.Path, err)
	}
	// #nosec G204
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.WorkDir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd, spec.Detached)

	var closers []io.Closer
	if r.Log.Enabled() {
		if r.Log.Dir != "" {
			_ = os.MkdirAll(r.Log.Dir, 0o750)
		}
		name := spec.Name
		if name == "" {
			name = "process"
		}
		outW, errW, _ := r.Log.Writers(name)
		if outW != nil {
			cmd.Stdout = outW
			closers = append(closers, outW)
		}
		if errW != nil {
			cmd.Stderr = errW
			closers = append(closers, errW)
		}
	}
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	if err := cmd.Start(); err != nil {
		closeAll()
		return 0, fmt.Errorf("start %s: %w", spec.Path, err)
	}
	c := &child{cmd: cmd, done: make(chan struct{})}
	pid := cmd.Process.Pid

	r.mu.Lock()
	if r.children == nil {
		r.children = make(map[int]*child)
	}
	r.children[pid] = c
	r.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		closeAll()
		close(c.done)
		r.forget(pid, c)
	}()
	return pid, nil
}

func (r *OSRunner) tracked(pid int) *child {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.children[pid]
}

// forget drops c unless pid has since been taken by a newer child.
func (r *OSRunner) forget(pid int, c *child) {
	r.mu.Lock()
	if r.children[pid] == c {
		delete(r.children, pid)
	}
	r.mu.Unlock()
}

// IsRunning reports whether pid is alive. Children spawned by this runner are
// answered from their wait state; other pids are probed.
func (r *OSRunner) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	if c := r.tracked(pid); c != nil {
		select {
		case <-c.done:
			return false
		default:
			return true
		}
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return processExists(pid)
}

// Kill forcibly terminates pid, and its descendants when tree is set.
// Killing a process that is already gone is not an error.
func (r *OSRunner) Kill(pid int, tree bool) error {
	if pid <= 0 {
		return nil
	}
	var err error
	if tree {
		err = killTree(pid)
	} else {
		err = killPID(pid)
	}
	if c := r.tracked(pid); c != nil {
		select {
		case <-c.done:
			r.forget(pid, c)
			return nil
		case <-time.After(reapTimeout):
			return fmt.Errorf("process %d did not exit after kill: %w", pid, err)
		}
	}
	if err != nil && !processExists(pid) {
		return nil
	}
	return err
}

// RunCommand runs a command to completion. Both output streams are drained
// concurrently by os/exec before Wait returns. A non-zero exit is reported
// through Result.ExitCode, not as an error.
func (r *OSRunner) RunCommand(ctx context.Context, path string, args []string, workDir string) (Result, error) {
	// #nosec G204
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	hideWindow(cmd)

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, fmt.Errorf("run %s: %w", path, err)
	}
	return res, nil
}

// isZombieLinux reports whether /proc/<pid>/status shows state Z.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
