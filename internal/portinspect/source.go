package portinspect

import (
	"context"
	"errors"
	"strconv"
	"strings"

	gnet "github.com/shirou/gopsutil/v4/net"

	"github.com/loykin/stackr/internal/process"
)

// ConnTableSource reads the kernel connection table through gopsutil.
type ConnTableSource struct{}

func (ConnTableSource) Listeners(ctx context.Context) ([]Listener, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	out := make([]Listener, 0, 32)
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		out = append(out, Listener{
			Port:         int(c.Laddr.Port),
			LocalAddress: c.Laddr.IP,
			PID:          int(c.Pid),
		})
	}
	return out, nil
}

// NetstatSource runs `netstat -ano -p TCP` and parses its LISTENING rows.
type NetstatSource struct {
	Runner process.Runner
}

func (s NetstatSource) Listeners(ctx context.Context) ([]Listener, error) {
	if s.Runner == nil {
		return nil, errors.New("netstat source has no runner")
	}
	res, err := s.Runner.RunCommand(ctx, "netstat", []string{"-ano", "-p", "TCP"}, "")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, errors.New("netstat exited with code " + strconv.Itoa(res.ExitCode))
	}
	return ParseNetstat(res.Stdout), nil
}

// ParseNetstat extracts listeners from `netstat -ano` output. Rows must
// contain LISTENING and at least five fields; the local address is field 1
// with the port after its last colon, and the pid is the last field.
func ParseNetstat(out string) []Listener {
	var ls []Listener
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.Contains(line, "LISTENING") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 5 {
			continue
		}
		local := parts[1]
		idx := strings.LastIndex(local, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(local[idx+1:])
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil {
			continue
		}
		ls = append(ls, Listener{Port: port, LocalAddress: local[:idx], PID: pid})
	}
	return ls
}
