package service

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"github.com/loykin/stackr/internal/config"
	"github.com/loykin/stackr/internal/process"
)

// Readiness controls the post-spawn poll. With ExitFirst the process is
// checked for an early exit before the port on every attempt.
type Readiness struct {
	Attempts  int
	ExitFirst bool
}

// Profile supplies the service-specific parts of the lifecycle.
type Profile interface {
	Name() string
	Title() string
	Port(st *config.Settings) int
	// ProcessNames are executable names accepted when adopting a running
	// process, without extension.
	ProcessNames() []string
	Readiness() Readiness

	BinaryPath() (string, error)
	ConfigPath() string

	Prepare(ctx context.Context, bin string) error
	WriteConfig(st *config.Settings) error
	Validate(ctx context.Context, bin, cfg string) error
	Command(bin, cfg string) process.SpawnSpec
	StopCommand(st *config.Settings, bin, cfg string) (path string, args []string, ok bool)
	// ReloadArgs returns the in-place reload arguments. ok is false when the
	// service must be restarted instead.
	ReloadArgs(cfg string) (args []string, ok bool)
	// Diagnose explains the most recent crash from the service log.
	Diagnose() string
}

const tailBytes = 64 << 10

// tailLines returns the non-empty, trimmed lines of the last part of path.
func tailLines(path string) []string {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()
	if fi, err := f.Stat(); err == nil && fi.Size() > tailBytes {
		if _, err := f.Seek(-tailBytes, io.SeekEnd); err != nil {
			return nil
		}
	}
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), tailBytes)
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// lastLines joins up to n trailing non-empty lines of s.
func lastLines(s string, n int) string {
	var keep []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			keep = append(keep, l)
		}
	}
	if len(keep) > n {
		keep = keep[len(keep)-n:]
	}
	return strings.Join(keep, "\n")
}
