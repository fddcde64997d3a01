package service

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a managed service.
type Status int

const (
	Stopped Status = iota
	Starting
	Running
	Stopping
	Error
	NotInstalled
)

var statusNames = [...]string{"stopped", "starting", "running", "stopping", "error", "not_installed"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for i, n := range statusNames {
		if n == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// StatusNames lists every status label, in declaration order.
func StatusNames() []string { return statusNames[:] }

// Event is published on every status transition.
type Event struct {
	Service    string    `json:"service"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	PID        int       `json:"pid,omitempty"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Listener receives events synchronously, in transition order.
type Listener func(Event)

// Snapshot is a read-only view of a controller.
type Snapshot struct {
	Service   string    `json:"service"`
	Title     string    `json:"title"`
	Status    Status    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}
