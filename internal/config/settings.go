package config

import (
	"fmt"
	"strings"
	"time"
)

// Service names used for versions, directories and API paths.
const (
	ServiceApache  = "apache"
	ServicePHP     = "php"
	ServiceMariaDB = "mariadb"
)

// Settings is the persisted stack configuration.
type Settings struct {
	Ports    PortSettings     `toml:"ports" mapstructure:"ports"`
	Versions VersionSettings  `toml:"versions" mapstructure:"versions"`
	Web      WebSettings      `toml:"web" mapstructure:"web"`
	Database DatabaseSettings `toml:"database" mapstructure:"database"`
	PHP      PHPSettings      `toml:"php" mapstructure:"php"`
	Server   ServerSettings   `toml:"server" mapstructure:"server"`
	Log      LogSettings      `toml:"log" mapstructure:"log"`
	History  HistorySettings  `toml:"history" mapstructure:"history"`
	Metrics  MetricsSettings  `toml:"metrics" mapstructure:"metrics"`
	Scan     ScanSettings     `toml:"scan" mapstructure:"scan"`
	Aux      AuxSettings      `toml:"aux" mapstructure:"aux"`
}

type PortSettings struct {
	Web      int `toml:"web" mapstructure:"web"`
	WebSSL   int `toml:"web_ssl" mapstructure:"web_ssl"`
	Database int `toml:"database" mapstructure:"database"`
}

type VersionSettings struct {
	Apache  string `toml:"apache" mapstructure:"apache"`
	PHP     string `toml:"php" mapstructure:"php"`
	MariaDB string `toml:"mariadb" mapstructure:"mariadb"`
}

type WebSettings struct {
	DocumentRoot     string `toml:"document_root" mapstructure:"document_root"`
	AutoVirtualHosts bool   `toml:"auto_virtual_hosts" mapstructure:"auto_virtual_hosts"`
	TLD              string `toml:"tld" mapstructure:"tld"`
	SSLEnabled       bool   `toml:"ssl_enabled" mapstructure:"ssl_enabled"`
	DefaultHostname  string `toml:"default_hostname" mapstructure:"default_hostname"`
	AutoStart        bool   `toml:"auto_start" mapstructure:"auto_start"`
}

type DatabaseSettings struct {
	InnodbBufferPoolSize string `toml:"innodb_buffer_pool_size" mapstructure:"innodb_buffer_pool_size"`
	MaxConnections       int    `toml:"max_connections" mapstructure:"max_connections"`
	MaxAllowedPacket     string `toml:"max_allowed_packet" mapstructure:"max_allowed_packet"`
	AutoStart            bool   `toml:"auto_start" mapstructure:"auto_start"`
}

type PHPSettings struct {
	MemoryLimit       string `toml:"memory_limit" mapstructure:"memory_limit"`
	UploadMaxFilesize string `toml:"upload_max_filesize" mapstructure:"upload_max_filesize"`
	PostMaxSize       string `toml:"post_max_size" mapstructure:"post_max_size"`
	MaxExecutionTime  int    `toml:"max_execution_time" mapstructure:"max_execution_time"`
	MaxInputTime      int    `toml:"max_input_time" mapstructure:"max_input_time"`
	MaxFileUploads    int    `toml:"max_file_uploads" mapstructure:"max_file_uploads"`
	MaxInputVars      int    `toml:"max_input_vars" mapstructure:"max_input_vars"`
	DisplayErrors     bool   `toml:"display_errors" mapstructure:"display_errors"`
	ErrorReporting    string `toml:"error_reporting" mapstructure:"error_reporting"`
	DateTimezone      string `toml:"date_timezone" mapstructure:"date_timezone"`
}

type ServerSettings struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type LogSettings struct {
	Level      string `toml:"level" mapstructure:"level"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// HistorySettings selects a lifecycle event sink by DSN,
// e.g. sqlite:///path.db, postgres://..., clickhouse://...
type HistorySettings struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

type MetricsSettings struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

// ScanSettings controls the periodic full virtual-host rescan.
// Interval uses the "@every <duration>" form; empty disables it.
type ScanSettings struct {
	Interval string `toml:"interval" mapstructure:"interval"`
}

// AuxSettings configures detached auxiliary downloads. An empty URL
// disables the download.
type AuxSettings struct {
	CABundleURL     string `toml:"ca_bundle_url" mapstructure:"ca_bundle_url"`
	CABundleTimeout string `toml:"ca_bundle_timeout" mapstructure:"ca_bundle_timeout"`
}

// CABundleDeadline parses CABundleTimeout, falling back to two minutes.
func (a AuxSettings) CABundleDeadline() time.Duration {
	if d, err := time.ParseDuration(a.CABundleTimeout); err == nil && d > 0 {
		return d
	}
	return 2 * time.Minute
}

// Default returns the settings used when no file exists yet.
func Default() *Settings {
	return &Settings{
		Ports: PortSettings{Web: 8080, WebSSL: 8443, Database: 3306},
		Web: WebSettings{
			DocumentRoot:     "www",
			AutoVirtualHosts: true,
			TLD:              ".test",
			DefaultHostname:  "stackr.test",
		},
		Database: DatabaseSettings{
			InnodbBufferPoolSize: "128M",
			MaxConnections:       151,
			MaxAllowedPacket:     "16M",
		},
		PHP: PHPSettings{
			MemoryLimit:       "256M",
			UploadMaxFilesize: "128M",
			PostMaxSize:       "128M",
			MaxExecutionTime:  300,
			MaxInputTime:      300,
			MaxFileUploads:    20,
			MaxInputVars:      1000,
			DisplayErrors:     true,
			ErrorReporting:    "E_ALL",
			DateTimezone:      "UTC",
		},
		Server: ServerSettings{Listen: "127.0.0.1:7780", BasePath: "/api"},
		Log:    LogSettings{Level: "info"},
		Scan:   ScanSettings{Interval: "@every 5m"},
		Aux: AuxSettings{
			CABundleURL:     "https://curl.se/ca/cacert.pem",
			CABundleTimeout: "2m",
		},
	}
}

// ActiveVersion returns the configured version for service.
func (s *Settings) ActiveVersion(service string) string {
	switch service {
	case ServiceApache:
		return s.Versions.Apache
	case ServicePHP:
		return s.Versions.PHP
	case ServiceMariaDB:
		return s.Versions.MariaDB
	}
	return ""
}

// SetActiveVersion records version as active for service.
func (s *Settings) SetActiveVersion(service, version string) error {
	switch service {
	case ServiceApache:
		s.Versions.Apache = version
	case ServicePHP:
		s.Versions.PHP = version
	case ServiceMariaDB:
		s.Versions.MariaDB = version
	default:
		return fmt.Errorf("unknown service %q", service)
	}
	return nil
}

// Clone returns a deep copy. Settings holds only value fields.
func (s *Settings) Clone() *Settings {
	c := *s
	return &c
}

// Normalize fills derived fields, such as a missing leading dot on the TLD.
func (s *Settings) Normalize() {
	s.Web.TLD = strings.TrimSpace(s.Web.TLD)
	if s.Web.TLD != "" && !strings.HasPrefix(s.Web.TLD, ".") {
		s.Web.TLD = "." + s.Web.TLD
	}
	if s.Web.DocumentRoot == "" {
		s.Web.DocumentRoot = "www"
	}
}

// Validate checks invariants that would make the stack unusable.
func (s *Settings) Validate() error {
	ports := map[string]int{
		"ports.web":      s.Ports.Web,
		"ports.web_ssl":  s.Ports.WebSSL,
		"ports.database": s.Ports.Database,
	}
	for k, p := range ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("%s out of range: %d", k, p)
		}
	}
	if s.Ports.Web == s.Ports.Database || s.Ports.Web == s.Ports.WebSSL || s.Ports.WebSSL == s.Ports.Database {
		return fmt.Errorf("ports must be distinct: web=%d web_ssl=%d database=%d", s.Ports.Web, s.Ports.WebSSL, s.Ports.Database)
	}
	if s.Web.TLD == "" {
		return fmt.Errorf("web.tld must not be empty")
	}
	return nil
}
