package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/stackr/internal/config"
	"github.com/loykin/stackr/internal/service"
	"github.com/loykin/stackr/internal/versions"
)

// StartAll starts every controller concurrently. A service with no
// installed version is skipped and marked NotInstalled.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	cs := o.Controllers()
	errs := make([]error, len(cs))
	var g errgroup.Group
	for i, c := range cs {
		g.Go(func() error {
			if !o.installed(c.Name()) {
				c.MarkNotInstalled()
				o.log.Info("no installed version, skipping", "service", c.Name())
				return nil
			}
			errs[i] = c.Start(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// StopAll stops every controller concurrently.
func (o *Orchestrator) StopAll(ctx context.Context) {
	var g errgroup.Group
	for _, c := range o.Controllers() {
		g.Go(func() error {
			c.Stop(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

// SwitchRuntimeVersion activates version for svc, regenerates the configs
// that depend on it and restarts the dependent server only when it is
// running. Switching PHP rewrites php.ini and httpd.conf, since httpd loads
// the PHP module.
func (o *Orchestrator) SwitchRuntimeVersion(ctx context.Context, svc, version string) error {
	var (
		regen     []string
		dependent *service.Controller
	)
	switch svc {
	case config.ServicePHP:
		regen, dependent = []string{config.ServicePHP, config.ServiceApache}, o.web
	case config.ServiceApache:
		regen, dependent = []string{config.ServiceApache}, o.web
	case config.ServiceMariaDB:
		regen, dependent = []string{config.ServiceMariaDB}, o.db
	default:
		return fmt.Errorf("%w: %s", ErrUnknownService, svc)
	}
	if !o.versions.IsInstalled(svc, version) {
		return fmt.Errorf("%w: %s %s is not installed", versions.ErrVersionNotFound, svc, version)
	}

	st, err := o.store.Update(func(s *config.Settings) error {
		return s.SetActiveVersion(svc, version)
	})
	if err != nil {
		return fmt.Errorf("persist version: %w", err)
	}
	o.log.Info("runtime version switched", "service", svc, "version", version)

	for _, name := range regen {
		if name != svc {
			if _, err := o.versions.Active(name); err != nil {
				continue
			}
		}
		if err := o.writeConfig(name, st); err != nil {
			return fmt.Errorf("regenerate %s config: %w", name, err)
		}
	}

	if dependent.Status() != service.Running {
		return nil
	}
	o.log.Info("restarting to apply version switch", "service", dependent.Name())
	return dependent.Restart(ctx)
}

func (o *Orchestrator) writeConfig(svc string, st *config.Settings) error {
	var err error
	switch svc {
	case config.ServiceApache:
		_, err = o.confgen.WriteApache(st)
	case config.ServicePHP:
		_, err = o.confgen.WritePHP(st)
	case config.ServiceMariaDB:
		_, err = o.confgen.WriteMariaDB(st)
	}
	return err
}

// Shutdown cancels background work, stops the database, then the web
// server, then the watchers and scheduler. It waits for detached tasks
// until ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.initMu.Lock()
	cancel := o.bgCancel
	o.bgCancel = nil
	o.initMu.Unlock()
	if cancel != nil {
		cancel()
	}

	o.db.Stop(ctx)
	o.web.Stop(ctx)

	o.vhosts.StopWatching()
	for _, w := range o.tails {
		w.Stop()
	}
	o.sched.Stop()

	done := make(chan struct{})
	go func() {
		o.bgWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.log.Warn("background tasks still running at shutdown")
	}

	if err := o.recorder.Swap(nil).Close(); err != nil {
		return fmt.Errorf("close history: %w", err)
	}
	return nil
}
