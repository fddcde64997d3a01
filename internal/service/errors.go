package service

import (
	"errors"
	"fmt"

	"github.com/loykin/stackr/internal/portinspect"
)

var ErrNotRunning = errors.New("service is not running")

// PortConflictError is returned by Start when the service port is taken.
type PortConflictError struct {
	Port  int
	PID   int
	Owner *portinspect.PortConflict
}

func (e *PortConflictError) Error() string {
	if e.Owner != nil && e.Owner.Name != "" {
		return fmt.Sprintf("port %d is already in use by %s (PID %d)", e.Port, e.Owner.Name, e.PID)
	}
	if e.PID > 0 {
		return fmt.Sprintf("port %d is already in use by PID %d", e.Port, e.PID)
	}
	return fmt.Sprintf("port %d is already in use", e.Port)
}

// StartError carries a user-facing reason a service failed to start.
type StartError struct {
	Service string
	Message string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("%s: %s", e.Service, e.Message)
}

func (e *StartError) Unwrap() error { return e.Err }
