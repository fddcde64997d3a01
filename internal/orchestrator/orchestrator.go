// Package orchestrator composes the stack: it owns the service
// controllers, the virtual-host provisioner, log tails, health checks and
// the periodic jobs, and sequences them at startup and shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/stackr/internal/certs"
	"github.com/loykin/stackr/internal/confgen"
	"github.com/loykin/stackr/internal/config"
	"github.com/loykin/stackr/internal/health"
	"github.com/loykin/stackr/internal/history"
	"github.com/loykin/stackr/internal/logger"
	"github.com/loykin/stackr/internal/logtail"
	"github.com/loykin/stackr/internal/portinspect"
	"github.com/loykin/stackr/internal/process"
	"github.com/loykin/stackr/internal/schedule"
	"github.com/loykin/stackr/internal/service"
	"github.com/loykin/stackr/internal/versions"
	"github.com/loykin/stackr/internal/vhost"
)

// Log sources served by Logs.
const (
	LogApacheError   = "apache-error"
	LogApacheAccess  = "apache-access"
	LogMariaDBError  = "mariadb-error"
	LogApplication   = "stackr"
	statusSyncPeriod = "@every 5s"
)

var (
	ErrUnknownService = errors.New("unknown service")
	ErrUnknownSource  = errors.New("unknown log source")
)

type Options struct {
	Base      string
	Store     *config.Store // defaults to <base>/config/stackr.toml
	Logger    *slog.Logger
	Runner    process.Runner             // defaults to an OSRunner logging under <base>/logs
	Listeners portinspect.ListenerSource // nil selects the platform listener table
	Lookup    portinspect.LookupFunc
	History   history.Sink // overrides the sink selected by settings
	HTTP      *http.Client // used for auxiliary downloads

	// Tuning, mostly for tests. Zero keeps the component defaults.
	PollInterval time.Duration
	StopWait     time.Duration
	Debounce     time.Duration
}

type Orchestrator struct {
	layout   config.Layout
	store    *config.Store
	log      *slog.Logger
	runner   process.Runner
	ports    *portinspect.Inspector
	versions *versions.Registry
	confgen  *confgen.Generator
	certs    *certs.Issuer
	http     *http.Client

	web *service.Controller
	db  *service.Controller

	vhosts *vhost.Provisioner
	health *health.Checker
	sched  *schedule.Scheduler
	tails  map[string]*logtail.Watcher

	historySink history.Sink
	recorder    atomic.Pointer[history.Recorder]

	initMu      sync.Mutex
	initialized bool
	bgCancel    context.CancelFunc
	bgWG        sync.WaitGroup
}

func New(opts Options) *Orchestrator {
	layout := config.Layout{Base: opts.Base}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	store := opts.Store
	if store == nil {
		store = config.NewStore(layout.SettingsFile())
	}
	runner := opts.Runner
	if runner == nil {
		runner = process.NewOSRunner(logger.Config{Dir: layout.LogsDir()})
	}
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	o := &Orchestrator{
		layout:      layout,
		store:       store,
		log:         log,
		runner:      runner,
		ports:       portinspect.New(opts.Listeners, runner, opts.Lookup, log.With("component", "ports")),
		certs:       certs.NewIssuer(layout.SSLDir()),
		http:        httpClient,
		historySink: opts.History,
	}
	o.versions = versions.NewRegistry(layout, store)
	o.confgen = confgen.NewGenerator(layout, o.versions)

	ctl := func(p service.Profile) *service.Controller {
		return service.NewController(service.Options{
			Profile:  p,
			Settings: store,
			Runner:   runner,
			Ports:    o.ports,
			Logger:   log,
			Interval: opts.PollInterval,
			StopWait: opts.StopWait,
		})
	}
	o.web = ctl(&service.Apache{Layout: layout, Versions: o.versions, Config: o.confgen, Runner: runner})
	o.db = ctl(&service.MariaDB{Layout: layout, Versions: o.versions, Config: o.confgen, Runner: runner})
	for _, c := range o.Controllers() {
		c.Subscribe(o.recordEvent)
	}

	o.vhosts = vhost.New(vhost.Options{
		Layout:   layout,
		Settings: store,
		Certs:    o.certs,
		Logger:   log.With("component", "vhost"),
		Debounce: opts.Debounce,
	})
	o.health = health.NewChecker(health.Options{
		Settings: store,
		Versions: o.versions,
		Web:      o.web,
		Database: o.db,
		Logger:   log.With("component", "health"),
	})
	o.sched = schedule.NewScheduler(log.With("component", "schedule"))

	tailLog := log.With("component", "logtail")
	o.tails = map[string]*logtail.Watcher{
		LogApacheError:  logtail.New(LogApacheError, filepath.Join(layout.ServiceLogDir(config.ServiceApache), "error.log"), tailLog),
		LogApacheAccess: logtail.New(LogApacheAccess, filepath.Join(layout.ServiceLogDir(config.ServiceApache), "access.log"), tailLog),
		LogMariaDBError: logtail.New(LogMariaDBError, filepath.Join(layout.ServiceLogDir(config.ServiceMariaDB), "error.log"), tailLog),
		LogApplication:  logtail.New(LogApplication, layout.AppLog(), tailLog),
	}
	return o
}

func (o *Orchestrator) Layout() config.Layout         { return o.layout }
func (o *Orchestrator) Store() *config.Store          { return o.store }
func (o *Orchestrator) Versions() *versions.Registry  { return o.versions }
func (o *Orchestrator) Ports() *portinspect.Inspector { return o.ports }
func (o *Orchestrator) VHosts() *vhost.Provisioner    { return o.vhosts }

// Controllers returns the web server and database controllers, in that order.
func (o *Orchestrator) Controllers() []*service.Controller {
	return []*service.Controller{o.web, o.db}
}

// Controller looks a controller up by service name.
func (o *Orchestrator) Controller(name string) (*service.Controller, error) {
	for _, c := range o.Controllers() {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
}

// Status snapshots every controller.
func (o *Orchestrator) Status() []service.Snapshot {
	cs := o.Controllers()
	out := make([]service.Snapshot, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Snapshot())
	}
	return out
}

func (o *Orchestrator) RunHealthChecks(ctx context.Context) ([]health.Result, error) {
	return o.health.RunAll(ctx)
}

func (o *Orchestrator) Sites() []vhost.Site { return o.vhosts.Sites() }

func (o *Orchestrator) Rescan(ctx context.Context) error { return o.vhosts.ScanAndApply(ctx) }

// AddSite provisions a virtual host for hostname on demand.
func (o *Orchestrator) AddSite(ctx context.Context, hostname string) error {
	return o.vhosts.EnsureVHostForHostname(ctx, hostname)
}

// Logs returns up to n recent entries of a tailed log.
func (o *Orchestrator) Logs(source string, n int) ([]logtail.Entry, error) {
	w, ok := o.tails[source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	return w.Entries(n), nil
}

// LogSources lists the sources accepted by Logs.
func (o *Orchestrator) LogSources() []string {
	return []string{LogApacheError, LogApacheAccess, LogMariaDBError, LogApplication}
}

// History returns recent lifecycle events. ok is false when history is
// disabled or the sink cannot be read back.
func (o *Orchestrator) History(ctx context.Context, svc string, limit int) (evs []history.Event, ok bool, err error) {
	return o.recorder.Load().Recent(ctx, svc, limit)
}

// recordEvent runs under the controller's notification lock, so it must
// not take initMu.
func (o *Orchestrator) recordEvent(ev service.Event) {
	rec := o.recorder.Load()
	if rec == nil {
		return
	}
	rec.Record(history.Event{
		Service:    ev.Service,
		From:       ev.From.String(),
		To:         ev.To.String(),
		PID:        ev.PID,
		Message:    ev.Message,
		OccurredAt: ev.OccurredAt,
	})
}
