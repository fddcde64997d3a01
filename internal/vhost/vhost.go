// Package vhost provisions Apache virtual hosts from the subdirectories of
// the web root: every valid directory name becomes <name><tld>.
package vhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/stackr/internal/confgen"
	"github.com/loykin/stackr/internal/config"
	"github.com/loykin/stackr/internal/metrics"
)

const (
	autoPrefix      = "auto."
	manualPrefix    = "manual."
	defaultPrefix   = "000-default."
	confSuffix      = ".conf"
	sslSuffix       = "-ssl"
	defaultDebounce = 500 * time.Millisecond
)

var ErrInvalidHostname = errors.New("invalid hostname")

var validHostname = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)*$`)

// ValidHostname reports whether name can be used as a hostname label set.
func ValidHostname(name string) bool { return validHostname.MatchString(name) }

// Site is one auto-provisioned virtual host.
type Site struct {
	SiteName     string `json:"site_name"`
	Hostname     string `json:"hostname"`
	DocumentRoot string `json:"document_root"`
}

type EventKind int

const (
	SiteAdded EventKind = iota
	SiteRemoved
)

func (k EventKind) String() string {
	if k == SiteAdded {
		return "site_added"
	}
	return "site_removed"
}

type Event struct {
	Kind EventKind
	Site Site
}

type SettingsSource interface {
	Load() (*config.Settings, error)
}

// CertIssuer provides per-hostname certificates in the SSL directory.
type CertIssuer interface {
	Exists(host string) bool
	Ensure(host string, aliases ...string) (bool, error)
}

type Options struct {
	Layout   config.Layout
	Settings SettingsSource
	Certs    CertIssuer // optional; without it only existing certificates are used
	Logger   *slog.Logger
	Debounce time.Duration
}

type Provisioner struct {
	layout   config.Layout
	settings SettingsSource
	certs    CertIssuer
	log      *slog.Logger
	debounce time.Duration

	applying atomic.Bool

	mu        sync.RWMutex
	sites     []Site
	listeners []func(Event)

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

func New(opts Options) *Provisioner {
	p := &Provisioner{
		layout:   opts.Layout,
		settings: opts.Settings,
		certs:    opts.Certs,
		log:      opts.Logger,
		debounce: opts.Debounce,
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.debounce <= 0 {
		p.debounce = defaultDebounce
	}
	return p
}

// Subscribe registers fn for SiteAdded and SiteRemoved events.
func (p *Provisioner) Subscribe(fn func(Event)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// Sites returns the sites found by the last scan.
func (p *Provisioner) Sites() []Site {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Site(nil), p.sites...)
}

// ScanAndApply reconciles the sites-enabled directory with the web root.
// A scan requested while another is running is dropped.
func (p *Provisioner) ScanAndApply(ctx context.Context) error {
	if !p.applying.CompareAndSwap(false, true) {
		p.log.Debug("vhost scan already running")
		return nil
	}
	defer p.applying.Store(false)

	st, err := p.settings.Load()
	if err != nil {
		return err
	}
	sitesDir := p.layout.SitesEnabledDir()
	if !st.Web.AutoVirtualHosts {
		p.removeFragments(sitesDir, func(string, bool) bool { return true })
		p.replaceSites(nil)
		return nil
	}

	webRoot := p.layout.WebRoot(st)
	for _, d := range []string{webRoot, sitesDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return err
		}
	}
	names, err := scanSiteDirs(webRoot)
	if err != nil {
		return fmt.Errorf("scan %s: %w", webRoot, err)
	}

	wanted := make(map[string]bool, len(names)) // hostname -> ssl fragment generated
	sites := make([]Site, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		site := Site{SiteName: name, Hostname: name + st.Web.TLD, DocumentRoot: filepath.Join(webRoot, name)}
		ssl, err := p.writeSite(st, site)
		if err != nil {
			return err
		}
		wanted[site.Hostname] = ssl
		sites = append(sites, site)
	}

	p.removeFragments(sitesDir, func(host string, ssl bool) bool {
		gotSSL, ok := wanted[host]
		return !ok || (ssl && !gotSSL)
	})
	p.replaceSites(sites)
	metrics.IncVHostScan(len(sites))
	return nil
}

func (p *Provisioner) writeSite(st *config.Settings, site Site) (ssl bool, err error) {
	sitesDir := p.layout.SitesEnabledDir()
	conf, err := confgen.RenderVHost(confgen.VHost{
		Hostname:     site.Hostname,
		DocumentRoot: confgen.Slash(site.DocumentRoot),
		Port:         st.Ports.Web,
	})
	if err != nil {
		return false, err
	}
	if _, err := confgen.WriteFile(filepath.Join(sitesDir, autoPrefix+site.Hostname+confSuffix), conf); err != nil {
		return false, err
	}
	if !st.Web.SSLEnabled || !p.hasCert(site.Hostname) {
		return false, nil
	}
	certPath := filepath.Join(p.layout.SSLDir(), site.Hostname+".crt")
	keyPath := filepath.Join(p.layout.SSLDir(), site.Hostname+".key")
	sslConf, err := confgen.RenderVHost(confgen.VHost{
		Hostname:     site.Hostname,
		DocumentRoot: confgen.Slash(site.DocumentRoot),
		Port:         st.Ports.WebSSL,
		SSL:          true,
		CertFile:     confgen.Slash(certPath),
		KeyFile:      confgen.Slash(keyPath),
	})
	if err != nil {
		return false, err
	}
	if _, err := confgen.WriteFile(filepath.Join(sitesDir, autoPrefix+site.Hostname+sslSuffix+confSuffix), sslConf); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Provisioner) hasCert(host string) bool {
	if p.certs != nil {
		return p.certs.Exists(host)
	}
	_, err := os.Stat(filepath.Join(p.layout.SSLDir(), host+".crt"))
	return err == nil
}

// removeFragments deletes auto.*.conf files for which drop returns true.
func (p *Provisioner) removeFragments(dir string, drop func(host string, ssl bool) bool) {
	matches, _ := filepath.Glob(filepath.Join(dir, autoPrefix+"*"+confSuffix))
	for _, m := range matches {
		host, ssl := parseFragment(filepath.Base(m))
		if !drop(host, ssl) {
			continue
		}
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			p.log.Warn("remove stale vhost", "file", m, "error", err)
		}
	}
}

// parseFragment turns auto.<host>[-ssl].conf into its hostname.
func parseFragment(file string) (host string, ssl bool) {
	host = strings.TrimSuffix(strings.TrimPrefix(file, autoPrefix), confSuffix)
	if strings.HasSuffix(host, sslSuffix) {
		return strings.TrimSuffix(host, sslSuffix), true
	}
	return host, false
}

func (p *Provisioner) replaceSites(sites []Site) {
	p.mu.Lock()
	prev := p.sites
	p.sites = sites
	ls := slices.Clone(p.listeners)
	p.mu.Unlock()

	var events []Event
	before := make(map[string]bool, len(prev))
	for _, s := range prev {
		before[s.SiteName] = true
	}
	now := make(map[string]bool, len(sites))
	for _, s := range sites {
		now[s.SiteName] = true
		if !before[s.SiteName] {
			events = append(events, Event{Kind: SiteAdded, Site: s})
		}
	}
	for _, s := range prev {
		if !now[s.SiteName] {
			events = append(events, Event{Kind: SiteRemoved, Site: s})
		}
	}
	for _, ev := range events {
		p.log.Info("virtual host "+strings.TrimPrefix(ev.Kind.String(), "site_"), "host", ev.Site.Hostname)
		for _, l := range ls {
			l(ev)
		}
	}
}

// scanSiteDirs lists subdirectories of root usable as site names.
func scanSiteDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		n := e.Name()
		if !e.IsDir() || strings.HasPrefix(n, ".") || !ValidHostname(n) {
			continue
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// EnsureVHostForHostname creates the site directory for host. With
// automatic hosts on this triggers a rescan; otherwise a manual fragment
// is written.
func (p *Provisioner) EnsureVHostForHostname(ctx context.Context, host string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil
	}
	if !ValidHostname(host) {
		return fmt.Errorf("%w %q: only letters, digits, hyphens and dots are allowed", ErrInvalidHostname, host)
	}
	st, err := p.settings.Load()
	if err != nil {
		return err
	}
	webRoot := p.layout.WebRoot(st)
	siteDir := filepath.Join(webRoot, SiteName(host, st.Web.TLD))
	if err := os.MkdirAll(siteDir, 0o750); err != nil {
		return err
	}
	if st.Web.SSLEnabled && p.certs != nil {
		if _, err := p.certs.Ensure(host); err != nil {
			p.log.Warn("issue certificate", "host", host, "error", err)
		}
	}
	if st.Web.AutoVirtualHosts {
		return p.ScanAndApply(ctx)
	}

	sitesDir := p.layout.SitesEnabledDir()
	if err := os.MkdirAll(sitesDir, 0o750); err != nil {
		return err
	}
	conf, err := confgen.RenderVHost(confgen.VHost{
		Hostname:     host,
		DocumentRoot: confgen.Slash(siteDir),
		Port:         st.Ports.Web,
	})
	if err != nil {
		return err
	}
	_, err = confgen.WriteFile(filepath.Join(sitesDir, manualPrefix+host+confSuffix), conf)
	return err
}

// SiteName derives the web-root directory for host: the host without tld,
// or its first label when it has another suffix.
func SiteName(host, tld string) string {
	var name string
	if tld != "" && len(host) > len(tld) && strings.EqualFold(host[len(host)-len(tld):], tld) {
		name = host[:len(host)-len(tld)]
	} else {
		name, _, _ = strings.Cut(host, ".")
	}
	if name == "" {
		name = strings.ReplaceAll(host, ".", "_")
	}
	return name
}

// EnsureDefaultHost writes the catch-all virtual host for the web root.
// The 000- prefix keeps it first in load order.
func (p *Provisioner) EnsureDefaultHost() error {
	st, err := p.settings.Load()
	if err != nil {
		return err
	}
	host := st.Web.DefaultHostname
	if host == "" {
		return nil
	}
	webRoot := p.layout.WebRoot(st)
	sitesDir := p.layout.SitesEnabledDir()
	for _, d := range []string{webRoot, sitesDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return err
		}
	}
	conf, err := confgen.RenderVHost(confgen.VHost{
		Hostname:     host,
		DocumentRoot: confgen.Slash(webRoot),
		Port:         st.Ports.Web,
		ExtraAliases: []string{"localhost"},
	})
	if err != nil {
		return err
	}
	if _, err := confgen.WriteFile(filepath.Join(sitesDir, defaultPrefix+host+confSuffix), conf); err != nil {
		return err
	}
	old := filepath.Join(sitesDir, "default."+host+confSuffix)
	if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
		p.log.Debug("remove legacy default vhost", "file", old, "error", err)
	}
	return nil
}
