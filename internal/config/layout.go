package config

import "path/filepath"

// Layout resolves the on-disk directory skeleton under Base.
type Layout struct {
	Base string
}

func (l Layout) path(parts ...string) string {
	return filepath.Join(append([]string{l.Base}, parts...)...)
}

func (l Layout) SettingsFile() string         { return l.path("config", "stackr.toml") }
func (l Layout) BinDir(service string) string { return l.path("bin", service) }
func (l Layout) InstallDir(service, version string) string {
	return l.path("bin", service, version)
}
func (l Layout) ConfigDir(service string) string { return l.path("config", service) }
func (l Layout) AliasDir() string                { return l.path("config", "apache", "alias") }
func (l Layout) SitesEnabledDir() string         { return l.path("config", "apache", "sites-enabled") }
func (l Layout) SSLDir() string                  { return l.path("config", "ssl") }
func (l Layout) CABundle() string                { return l.path("config", "ssl", "cacert.pem") }
func (l Layout) AppsDir() string                 { return l.path("apps") }
func (l Layout) TempDir() string                 { return l.path("temp") }
func (l Layout) LogsDir() string                 { return l.path("logs") }
func (l Layout) ServiceLogDir(service string) string {
	return l.path("logs", service)
}
func (l Layout) AppLog() string     { return l.path("logs", "stackr.log") }
func (l Layout) DataDir() string    { return l.path("data", ServiceMariaDB) }
func (l Layout) HistoryDB() string  { return l.path("data", "history.db") }
func (l Layout) ApacheConf() string { return l.path("config", "apache", "httpd.conf") }
func (l Layout) MariaDBConf() string {
	return l.path("config", "mariadb", "my.ini")
}
func (l Layout) PHPIni() string { return l.path("config", "php", "php.ini") }

// WebRoot resolves the document root; relative roots are under Base.
func (l Layout) WebRoot(s *Settings) string {
	root := s.Web.DocumentRoot
	if root == "" {
		root = "www"
	}
	if filepath.IsAbs(root) {
		return root
	}
	return l.path(root)
}

// Skeleton lists every directory Initialize must create.
func (l Layout) Skeleton(s *Settings) []string {
	return []string{
		l.BinDir(ServiceApache),
		l.BinDir(ServicePHP),
		l.BinDir(ServiceMariaDB),
		l.ConfigDir(ServiceApache),
		l.ConfigDir(ServicePHP),
		l.ConfigDir(ServiceMariaDB),
		l.AliasDir(),
		l.SitesEnabledDir(),
		l.SSLDir(),
		l.WebRoot(s),
		l.AppsDir(),
		l.ServiceLogDir(ServiceApache),
		l.ServiceLogDir(ServiceMariaDB),
		l.TempDir(),
		l.path("data"),
	}
}
