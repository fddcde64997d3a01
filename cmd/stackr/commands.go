package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/loykin/stackr/pkg/client"
)

// all selects every service in start and stop.
const all = "all"

type command struct {
	flags *GlobalFlags
	out   io.Writer
}

// client resolves the API address and verifies the server answers.
func (c *command) client(ctx context.Context) (*client.Client, error) {
	url := c.flags.APIUrl
	if url == "" {
		base, err := resolveBase(c.flags.Base)
		if err != nil {
			return nil, err
		}
		st, err := readSettings(base)
		if err != nil {
			return nil, fmt.Errorf("read settings: %w", err)
		}
		url = apiURL(st)
	}
	api := client.New(client.Config{BaseURL: url, Timeout: c.flags.APITimeout})
	if !api.IsReachable(ctx) {
		return nil, fmt.Errorf("stackr server not reachable at %s - start it first with 'stackr serve'", url)
	}
	return api, nil
}

func (c *command) Status(ctx context.Context) error {
	api, err := c.client(ctx)
	if err != nil {
		return err
	}
	st, err := api.Status(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c *command) Start(ctx context.Context, service string) error {
	api, err := c.client(ctx)
	if err != nil {
		return err
	}
	if service == "" || service == all {
		st, err := api.StartAll(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, st)
		return nil
	}
	st, err := api.Start(ctx, service)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c *command) Stop(ctx context.Context, service string) error {
	api, err := c.client(ctx)
	if err != nil {
		return err
	}
	if service == "" || service == all {
		st, err := api.StopAll(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, st)
		return nil
	}
	st, err := api.Stop(ctx, service)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c *command) Restart(ctx context.Context, service string) error {
	api, err := c.client(ctx)
	if err != nil {
		return err
	}
	st, err := api.Restart(ctx, service)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c *command) Reload(ctx context.Context, service string) error {
	api, err := c.client(ctx)
	if err != nil {
		return err
	}
	st, err := api.Reload(ctx, service)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

// Health prints every check and fails when any of them failed.
func (c *command) Health(ctx context.Context) error {
	api, err := c.client(ctx)
	if err != nil {
		return err
	}
	rep, err := api.Health(ctx)
	if err != nil {
		return err
	}
	for _, chk := range rep.Checks {
		mark := "ok  "
		if !chk.IsHealthy {
			mark = "FAIL"
		}
		_, _ = fmt.Fprintf(c.out, "[%s] %-16s %s\n", mark, chk.CheckName, chk.Message)
	}
	if !rep.Healthy {
		return fmt.Errorf("one or more health checks failed")
	}
	return nil
}

// Ports lists listeners, or describes one port when given.
func (c *command) Ports(ctx context.Context, port string) error {
	api, err := c.client(ctx)
	if err != nil {
		return err
	}
	if port != "" {
		p, err := parsePortArg(port)
		if err != nil {
			return err
		}
		info, err := api.PortInfo(ctx, p)
		if err != nil {
			return err
		}
		printJSON(c.out, info)
		return nil
	}
	bindings, err := api.Ports(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, bindings)
	return nil
}

func (c *command) FreePort(ctx context.Context, f FreePortFlags) error {
	api, err := c.client(ctx)
	if err != nil {
		return err
	}
	port, found, err := api.FreePort(ctx, f.Start, f.Max)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no free port in %d-%d", f.Start, f.Max)
	}
	_, _ = fmt.Fprintln(c.out, port)
	return nil
}

func (c *command) KillPort(ctx context.Context, port string) error {
	p, err := parsePortArg(port)
	if err != nil {
		return err
	}
	api, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := api.KillPort(ctx, p); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "freed port %d\n", p)
	return nil
}

func (c *command) Sites(ctx context.Context) error {
	api, err := c.client(ctx)
	if err != nil {
		return err
	}
	sites, err := api.Sites(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, sites)
	return nil
}

func (c *command) Scan(ctx context.Context) error {
	api, err := c.client(ctx)
	if err != nil {
		return err
	}
	sites, err := api.Rescan(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, sites)
	return nil
}

func (c *command) AddSite(ctx context.Context, hostname string) error {
	api, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := api.AddSite(ctx, hostname); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "site %s provisioned\n", hostname)
	return nil
}

func (c *command) SwitchVersion(ctx context.Context, service, version string) error {
	api, err := c.client(ctx)
	if err != nil {
		return err
	}
	st, err := api.SwitchVersion(ctx, service, version)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c *command) Logs(ctx context.Context, f LogsFlags) error {
	api, err := c.client(ctx)
	if err != nil {
		return err
	}
	entries, err := api.Logs(ctx, f.Source, f.Lines)
	if err != nil {
		return err
	}
	for _, e := range entries {
		_, _ = fmt.Fprintln(c.out, e.Line)
	}
	return nil
}

func (c *command) History(ctx context.Context, f HistoryFlags) error {
	api, err := c.client(ctx)
	if err != nil {
		return err
	}
	evs, err := api.History(ctx, f.Service, f.Limit)
	if err != nil {
		return err
	}
	printJSON(c.out, evs)
	return nil
}

func parsePortArg(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return p, nil
}
