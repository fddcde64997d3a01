package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/stackr/internal/confgen"
	"github.com/loykin/stackr/internal/config"
	"github.com/loykin/stackr/internal/history"
	"github.com/loykin/stackr/internal/history/factory"
	"github.com/loykin/stackr/internal/metrics"
	"github.com/loykin/stackr/internal/schedule"
	"github.com/loykin/stackr/internal/service"
)

const (
	maxCABundleSize = 8 << 20
	pemMarker       = "-----BEGIN CERTIFICATE-----"
)

const indexHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>stackr</title></head>
<body>
<h1>It works!</h1>
<p>Create a folder in the web root and it will be served as <code>folder.test</code>.</p>
</body>
</html>
`

// Initialize prepares the stack. It is idempotent: a second call returns
// immediately. Only a settings or directory failure is fatal; everything
// else degrades to a logged warning.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.initMu.Lock()
	defer o.initMu.Unlock()
	if o.initialized {
		return nil
	}

	st, err := o.store.Load()
	if err != nil {
		return err
	}
	for _, dir := range o.layout.Skeleton(st) {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := ensureIndex(o.layout.WebRoot(st)); err != nil {
		o.log.Warn("write landing page", "error", err)
	}
	if st.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			o.log.Warn("register metrics", "error", err)
		}
	}
	o.openHistory(st)

	o.SyncAllConfigs(st)
	if err := o.vhosts.EnsureDefaultHost(); err != nil {
		o.log.Warn("default virtual host", "error", err)
	}

	var g errgroup.Group
	for _, c := range o.Controllers() {
		g.Go(func() error {
			c.DetectRunning(ctx)
			if c.Status() != service.Running && !o.installed(c.Name()) {
				c.MarkNotInstalled()
			}
			return nil
		})
	}
	_ = g.Wait()

	bg, cancel := context.WithCancel(context.Background())
	o.bgCancel = cancel

	var tg errgroup.Group
	for _, w := range o.tails {
		tg.Go(func() error {
			if err := w.Start(bg); err != nil {
				o.log.Warn("log tail unavailable", "source", w.Source, "error", err)
			}
			return nil
		})
	}
	_ = tg.Wait()

	if err := o.vhosts.StartWatching(bg); err != nil {
		o.log.Warn("virtual host watcher unavailable", "error", err)
	}

	o.addJobs(st)
	if err := o.sched.Start(bg); err != nil {
		o.log.Warn("scheduler", "error", err)
	}

	if url := st.Aux.CABundleURL; url != "" {
		timeout := st.Aux.CABundleDeadline()
		o.detach("ca-bundle", func() {
			if err := o.fetchCABundle(url, timeout); err != nil {
				o.log.Warn("CA bundle download failed", "url", url, "error", err)
			}
		})
	}
	o.autoStart(bg, st)

	o.initialized = true
	o.log.Info("stack initialized", "base", o.layout.Base)
	return nil
}

// SyncAllConfigs regenerates httpd.conf, php.ini and my.ini. Each file is
// independent: a service without an active version is skipped and a
// failure is only logged.
func (o *Orchestrator) SyncAllConfigs(st *config.Settings) {
	writers := []struct {
		service string
		write   func(*config.Settings) (string, error)
	}{
		{config.ServiceApache, o.confgen.WriteApache},
		{config.ServicePHP, o.confgen.WritePHP},
		{config.ServiceMariaDB, o.confgen.WriteMariaDB},
	}
	for _, w := range writers {
		if _, err := o.versions.Active(w.service); err != nil {
			o.log.Debug("config sync skipped", "service", w.service, "reason", err)
			continue
		}
		path, err := w.write(st)
		if err != nil {
			o.log.Warn("config sync failed", "service", w.service, "error", err)
			continue
		}
		o.log.Debug("config synced", "service", w.service, "path", path)
	}
}

func (o *Orchestrator) installed(svc string) bool {
	vs, err := o.versions.Installed(svc)
	return err == nil && len(vs) > 0
}

func ensureIndex(webRoot string) error {
	path := filepath.Join(webRoot, "index.html")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if _, err := os.Stat(filepath.Join(webRoot, "index.php")); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte(indexHTML), 0o644)
}

func (o *Orchestrator) openHistory(st *config.Settings) {
	sink := o.historySink
	if sink == nil && st.History.Enabled {
		dsn := st.History.DSN
		if dsn == "" {
			dsn = o.layout.HistoryDB()
		}
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			o.log.Warn("history sink unavailable", "error", err)
			return
		}
		sink = s
	}
	if sink != nil {
		o.recorder.Store(history.NewRecorder(sink, history.DefaultTimeout, o.log.With("component", "history")))
	}
}

func (o *Orchestrator) addJobs(st *config.Settings) {
	if st.Scan.Interval != "" {
		err := o.sched.Add(&schedule.Job{
			Name:     "vhost-rescan",
			Schedule: st.Scan.Interval,
			Run:      o.vhosts.ScanAndApply,
		})
		if err != nil {
			o.log.Warn("periodic rescan disabled", "error", err)
		}
	}
	err := o.sched.Add(&schedule.Job{
		Name:     "status-sync",
		Schedule: statusSyncPeriod,
		Run: func(context.Context) error {
			for _, c := range o.Controllers() {
				c.SyncStatus()
			}
			return nil
		},
	})
	if err != nil {
		o.log.Warn("status sync disabled", "error", err)
	}
}

func (o *Orchestrator) autoStart(ctx context.Context, st *config.Settings) {
	targets := map[*service.Controller]bool{
		o.web: st.Web.AutoStart,
		o.db:  st.Database.AutoStart,
	}
	for c, on := range targets {
		if !on || c.Status() == service.Running || !o.installed(c.Name()) {
			continue
		}
		o.detach("autostart-"+c.Name(), func() {
			if err := c.Start(ctx); err != nil {
				o.log.Warn("auto start failed", "service", c.Name(), "error", err)
			}
		})
	}
}

// detach runs fn in the background. Shutdown waits for it; nothing else
// does. A panic is logged and swallowed.
func (o *Orchestrator) detach(name string, fn func()) {
	o.bgWG.Add(1)
	go func() {
		defer o.bgWG.Done()
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("background task panicked", "task", name, "panic", r)
			}
		}()
		fn()
	}()
}

// fetchCABundle downloads the CA bundle used by PHP's curl and openssl
// once. It is bounded by its own timeout, not by any caller.
func (o *Orchestrator) fetchCABundle(url string, timeout time.Duration) error {
	dst := o.layout.CABundle()
	if fi, err := os.Stat(dst); err == nil && fi.Size() > 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCABundleSize))
	if err != nil {
		return err
	}
	if !bytes.Contains(data, []byte(pemMarker)) {
		return fmt.Errorf("response is not a PEM bundle")
	}
	if _, err := confgen.WriteFile(dst, string(data)); err != nil {
		return err
	}
	o.log.Info("CA bundle installed", "path", dst)

	// php.ini only references the bundle once it exists
	st, err := o.store.Load()
	if err != nil {
		return nil
	}
	if _, err := o.versions.Active(config.ServicePHP); err == nil {
		if _, err := o.confgen.WritePHP(st); err != nil {
			o.log.Warn("php.ini refresh after CA bundle", "error", err)
		}
	}
	return nil
}
