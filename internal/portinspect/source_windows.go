//go:build windows

package portinspect

import (
	"github.com/loykin/stackr/internal/logger"
	"github.com/loykin/stackr/internal/process"
)

// DefaultSource parses netstat, which reports owning pids without elevation.
func DefaultSource() ListenerSource {
	return NetstatSource{Runner: process.NewOSRunner(logger.Config{})}
}
