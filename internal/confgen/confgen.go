// Package confgen renders configuration files for the managed services.
package confgen

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/loykin/stackr/internal/config"
	"github.com/loykin/stackr/internal/versions"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// DefaultPHPExtensions are enabled when the matching library is present in
// the extension directory.
var DefaultPHPExtensions = []string{
	"curl", "mbstring", "openssl", "pdo_mysql", "mysqli", "gd",
	"zip", "fileinfo", "intl", "sodium", "exif",
}

// Apache holds the values substituted into httpd.conf.
type Apache struct {
	ServerRoot      string
	DocumentRoot    string
	Port            int
	SSLPort         int
	SSLEnabled      bool
	PHPModule       string
	PHPIniDir       string
	SitesEnabledDir string
	AliasDir        string
	LogDir          string
	PidFile         string
	Windows         bool
}

type MariaDB struct {
	Port                 int
	BaseDir              string
	DataDir              string
	ErrorLog             string
	PidFile              string
	Socket               string
	InnodbBufferPoolSize string
	MaxConnections       int
	MaxAllowedPacket     string
}

type PHP struct {
	config.PHPSettings
	TempDir      string
	ExtensionDir string
	Extensions   []string
	CABundle     string
}

// VHost is one virtual-host fragment.
type VHost struct {
	Hostname     string
	DocumentRoot string
	Port         int
	ExtraAliases []string
	SSL          bool
	CertFile     string
	KeyFile      string
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

func RenderApache(a Apache) (string, error)   { return render("httpd.conf.tmpl", a) }
func RenderMariaDB(m MariaDB) (string, error) { return render("my.ini.tmpl", m) }
func RenderPHP(p PHP) (string, error)         { return render("php.ini.tmpl", p) }
func RenderVHost(v VHost) (string, error)     { return render("vhost.conf.tmpl", v) }

// Slash converts a path to forward slashes, which httpd and mysqld accept on
// every platform.
func Slash(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// WriteFile writes data to path unless the file already holds exactly data.
// It reports whether the file changed.
func WriteFile(path string, data string) (bool, error) {
	if cur, err := os.ReadFile(path); err == nil && string(cur) == data {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return false, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0o644); err != nil {
		return false, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return false, err
	}
	return true, nil
}

// PHPModuleFile returns the Apache module shipped with a PHP install.
func PHPModuleFile(phpDir, phpVersion string) string {
	major := versions.Major(phpVersion)
	if major < 0 {
		major = 8
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(phpDir, fmt.Sprintf("php%dapache2_4.dll", major))
	}
	if major >= 8 {
		return filepath.Join(phpDir, "libphp.so")
	}
	return filepath.Join(phpDir, fmt.Sprintf("libphp%d.so", major))
}

// Generator writes service configuration files from settings.
type Generator struct {
	layout   config.Layout
	versions *versions.Registry
}

func NewGenerator(layout config.Layout, reg *versions.Registry) *Generator {
	return &Generator{layout: layout, versions: reg}
}

// WriteApache renders httpd.conf for the active Apache version. The PHP
// module is included only when a PHP version is active.
func (g *Generator) WriteApache(st *config.Settings) (string, error) {
	root, err := g.versions.InstallDir(config.ServiceApache)
	if err != nil {
		return "", err
	}
	a := Apache{
		ServerRoot:      Slash(root),
		DocumentRoot:    Slash(g.layout.WebRoot(st)),
		Port:            st.Ports.Web,
		SSLPort:         st.Ports.WebSSL,
		SSLEnabled:      st.Web.SSLEnabled,
		SitesEnabledDir: Slash(g.layout.SitesEnabledDir()),
		AliasDir:        Slash(g.layout.AliasDir()),
		LogDir:          Slash(g.layout.ServiceLogDir(config.ServiceApache)),
		PidFile:         Slash(filepath.Join(g.layout.TempDir(), "httpd.pid")),
		Windows:         runtime.GOOS == "windows",
	}
	if phpDir, err := g.versions.InstallDir(config.ServicePHP); err == nil {
		a.PHPModule = Slash(PHPModuleFile(phpDir, st.Versions.PHP))
		a.PHPIniDir = Slash(g.layout.ConfigDir(config.ServicePHP))
	}
	out, err := RenderApache(a)
	if err != nil {
		return "", err
	}
	path := g.layout.ApacheConf()
	if _, err := WriteFile(path, out); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

func (g *Generator) WriteMariaDB(st *config.Settings) (string, error) {
	base, err := g.versions.InstallDir(config.ServiceMariaDB)
	if err != nil {
		return "", err
	}
	m := MariaDB{
		Port:                 st.Ports.Database,
		BaseDir:              Slash(base),
		DataDir:              Slash(g.layout.DataDir()),
		ErrorLog:             Slash(filepath.Join(g.layout.ServiceLogDir(config.ServiceMariaDB), "error.log")),
		PidFile:              Slash(filepath.Join(g.layout.TempDir(), "mariadb.pid")),
		Socket:               Slash(filepath.Join(g.layout.TempDir(), "mysql.sock")),
		InnodbBufferPoolSize: st.Database.InnodbBufferPoolSize,
		MaxConnections:       st.Database.MaxConnections,
		MaxAllowedPacket:     st.Database.MaxAllowedPacket,
	}
	out, err := RenderMariaDB(m)
	if err != nil {
		return "", err
	}
	path := g.layout.MariaDBConf()
	if _, err := WriteFile(path, out); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

func (g *Generator) WritePHP(st *config.Settings) (string, error) {
	phpDir, err := g.versions.InstallDir(config.ServicePHP)
	if err != nil {
		return "", err
	}
	p := PHP{
		PHPSettings: st.PHP,
		TempDir:     Slash(g.layout.TempDir()),
	}
	extDir := filepath.Join(phpDir, "ext")
	if fi, err := os.Stat(extDir); err == nil && fi.IsDir() {
		p.ExtensionDir = Slash(extDir)
		p.Extensions = availableExtensions(extDir, DefaultPHPExtensions)
	}
	if _, err := os.Stat(g.layout.CABundle()); err == nil {
		p.CABundle = Slash(g.layout.CABundle())
	}
	out, err := RenderPHP(p)
	if err != nil {
		return "", err
	}
	path := g.layout.PHPIni()
	if _, err := WriteFile(path, out); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// availableExtensions keeps the names whose library exists in extDir,
// as php_<name>.dll or <name>.so.
func availableExtensions(extDir string, names []string) []string {
	var out []string
	for _, n := range names {
		for _, f := range []string{"php_" + n + ".dll", n + ".so"} {
			if _, err := os.Stat(filepath.Join(extDir, f)); err == nil {
				out = append(out, n)
				break
			}
		}
	}
	return out
}
