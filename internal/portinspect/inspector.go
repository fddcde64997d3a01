// Package portinspect answers which process owns a TCP port by reading the
// OS listener table, and frees ports by terminating their owners.
package portinspect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/loykin/stackr/internal/process"
)

const maxPort = 65535

// Listener is one row of the OS listener table.
type Listener struct {
	Port         int
	LocalAddress string
	PID          int
}

// ListenerSource enumerates listening TCP sockets.
type ListenerSource interface {
	Listeners(ctx context.Context) ([]Listener, error)
}

// PortConflict describes the process holding a port we need.
type PortConflict struct {
	Port             int    `json:"port"`
	PID              int    `json:"pid"`
	Name             string `json:"name"`
	Path             string `json:"path,omitempty"`
	IsSystemCritical bool   `json:"is_system_critical"`
}

// PortBinding is a snapshot row of the listener table.
type PortBinding struct {
	Port         int    `json:"port"`
	LocalAddress string `json:"local_address"`
	PID          int    `json:"pid"`
	ProcessName  string `json:"process_name,omitempty"`
}

// Killer terminates processes. process.Runner satisfies it.
type Killer interface {
	Kill(pid int, tree bool) error
}

// LookupFunc resolves process details for a pid.
type LookupFunc func(ctx context.Context, pid int) (process.Info, error)

var ErrUnknownOwner = errors.New("port owner could not be identified")

type Inspector struct {
	source ListenerSource
	killer Killer
	lookup LookupFunc
	log    *slog.Logger
}

// New returns an Inspector over source. A nil source selects the platform
// default; a nil lookup uses process.Lookup.
func New(source ListenerSource, killer Killer, lookup LookupFunc, log *slog.Logger) *Inspector {
	if source == nil {
		source = DefaultSource()
	}
	if lookup == nil {
		lookup = process.Lookup
	}
	if log == nil {
		log = slog.Default()
	}
	return &Inspector{source: source, killer: killer, lookup: lookup, log: log}
}

// IsAvailable reports whether no listener currently owns port.
func (i *Inspector) IsAvailable(ctx context.Context, port int) (bool, error) {
	ls, err := i.source.Listeners(ctx)
	if err != nil {
		return false, fmt.Errorf("query listeners: %w", err)
	}
	for _, l := range ls {
		if l.Port == port {
			return false, nil
		}
	}
	return true, nil
}

// FindConflict returns the owner of port, or nil when the port is free.
func (i *Inspector) FindConflict(ctx context.Context, port int) (*PortConflict, error) {
	ls, err := i.source.Listeners(ctx)
	if err != nil {
		return nil, fmt.Errorf("query listeners: %w", err)
	}
	for _, l := range ls {
		if l.Port != port {
			continue
		}
		c := &PortConflict{Port: port, PID: l.PID, Name: "Unknown"}
		if l.PID > 0 {
			if info, err := i.lookup(ctx, l.PID); err == nil {
				if info.Name != "" {
					c.Name = info.Name
				}
				c.Path = info.Path
				c.IsSystemCritical = process.IsCritical(info.Name)
			}
		}
		return c, nil
	}
	return nil, nil
}

// ActiveBindings returns every listening port, sorted by port then pid.
func (i *Inspector) ActiveBindings(ctx context.Context) ([]PortBinding, error) {
	ls, err := i.source.Listeners(ctx)
	if err != nil {
		return nil, fmt.Errorf("query listeners: %w", err)
	}
	type key struct {
		port int
		addr string
		pid  int
	}
	seen := make(map[key]struct{}, len(ls))
	names := make(map[int]string)
	out := make([]PortBinding, 0, len(ls))
	for _, l := range ls {
		k := key{l.Port, l.LocalAddress, l.PID}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		name, ok := names[l.PID]
		if !ok && l.PID > 0 {
			if info, err := i.lookup(ctx, l.PID); err == nil {
				name = info.Name
			}
			names[l.PID] = name
		}
		out = append(out, PortBinding{Port: l.Port, LocalAddress: l.LocalAddress, PID: l.PID, ProcessName: name})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Port != out[b].Port {
			return out[a].Port < out[b].Port
		}
		return out[a].PID < out[b].PID
	})
	return out, nil
}

// FindFreePort scans [start, min(max, 65535)] and returns the first port
// with no listener. ok is false when the whole range is occupied.
func (i *Inspector) FindFreePort(ctx context.Context, start, max int) (port int, ok bool, err error) {
	ls, err := i.source.Listeners(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("query listeners: %w", err)
	}
	used := make(map[int]struct{}, len(ls))
	for _, l := range ls {
		used[l.Port] = struct{}{}
	}
	if max > maxPort {
		max = maxPort
	}
	if start < 1 {
		start = 1
	}
	for p := start; p <= max; p++ {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		if _, busy := used[p]; !busy {
			return p, true, nil
		}
	}
	return 0, false, nil
}

// KillOwner frees port. It returns false without killing anything when the
// owner is OS-critical, and true when the port had no owner or the owner was
// terminated.
func (i *Inspector) KillOwner(ctx context.Context, port int) (bool, error) {
	c, err := i.FindConflict(ctx, port)
	if err != nil {
		return false, err
	}
	if c == nil {
		return true, nil
	}
	if c.IsSystemCritical {
		i.log.Warn("refusing to kill system process", "port", port, "pid", c.PID, "name", c.Name)
		return false, nil
	}
	if c.PID <= 0 {
		return false, ErrUnknownOwner
	}
	if i.killer == nil {
		return false, errors.New("no killer configured")
	}
	if err := i.killer.Kill(c.PID, true); err != nil {
		return false, fmt.Errorf("kill pid %d on port %d: %w", c.PID, port, err)
	}
	i.log.Info("killed port owner", "port", port, "pid", c.PID, "name", c.Name)
	return true, nil
}
