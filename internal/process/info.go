package process

import (
	"context"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Info identifies a running process.
type Info struct {
	PID       int       `json:"pid"`
	Name      string    `json:"name"`
	Path      string    `json:"path,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Lookup resolves name, executable path and start time for pid.
// Fields that cannot be read are left empty.
func Lookup(ctx context.Context, pid int) (Info, error) {
	info := Info{PID: pid}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return info, err
	}
	if name, err := p.NameWithContext(ctx); err == nil {
		info.Name = name
	}
	if exe, err := p.ExeWithContext(ctx); err == nil {
		info.Path = exe
	}
	info.StartedAt = StartTime(pid)
	return info, nil
}

// StartTime returns when pid started, or the zero time if unknown.
func StartTime(pid int) time.Time {
	if secs := startUnix(pid); secs > 0 {
		return time.Unix(secs, 0)
	}
	return time.Time{}
}
