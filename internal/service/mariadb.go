package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/stackr/internal/confgen"
	"github.com/loykin/stackr/internal/config"
	"github.com/loykin/stackr/internal/process"
	"github.com/loykin/stackr/internal/versions"
)

// MariaDB runs mariadbd (or mysqld) with the generated my.ini.
type MariaDB struct {
	Layout   config.Layout
	Versions *versions.Registry
	Config   *confgen.Generator
	Runner   process.Runner
}

func (m *MariaDB) Name() string                 { return config.ServiceMariaDB }
func (m *MariaDB) Title() string                { return "MariaDB" }
func (m *MariaDB) Port(st *config.Settings) int { return st.Ports.Database }
func (m *MariaDB) ProcessNames() []string       { return []string{"mysqld", "mariadbd"} }
func (m *MariaDB) Readiness() Readiness         { return Readiness{Attempts: 25} }
func (m *MariaDB) ConfigPath() string           { return m.Layout.MariaDBConf() }

func (m *MariaDB) BinaryPath() (string, error) {
	return m.Versions.BinaryPath(config.ServiceMariaDB)
}

// Prepare initializes an empty data directory and removes a my.ini left
// there by the bootstrap, which would shadow --defaults-file.
func (m *MariaDB) Prepare(ctx context.Context, _ string) error {
	dataDir := m.Layout.DataDir()
	var err error
	if dirEmpty(dataDir) {
		err = m.initDataDir(ctx, dataDir)
	}
	stray := filepath.Join(dataDir, "my.ini")
	if _, statErr := os.Stat(stray); statErr == nil {
		_ = os.Remove(stray)
	}
	return err
}

func (m *MariaDB) initDataDir(ctx context.Context, dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return err
	}
	tool, err := m.Versions.ToolPath(config.ServiceMariaDB, "mariadb-install-db", "mysql_install_db")
	if err != nil {
		return err
	}
	res, err := m.Runner.RunCommand(ctx, tool, []string{"--datadir=" + dataDir}, filepath.Dir(tool))
	if err != nil {
		return fmt.Errorf("initialize data directory: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("initialize data directory: exit code %d: %s", res.ExitCode, lastLines(res.Combined(), 3))
	}
	return nil
}

func dirEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err != nil || len(entries) == 0
}

func (m *MariaDB) WriteConfig(st *config.Settings) error {
	_, err := m.Config.WriteMariaDB(st)
	return err
}

// Validate only checks that the binary and its config exist; mariadbd has
// no side-effect free syntax check.
func (m *MariaDB) Validate(_ context.Context, bin, cfg string) error {
	if _, err := os.Stat(bin); err != nil {
		return fmt.Errorf("binary not found at %s", bin)
	}
	if _, err := os.Stat(cfg); err != nil {
		return fmt.Errorf("config not found at %s", cfg)
	}
	return nil
}

func (m *MariaDB) Command(bin, cfg string) process.SpawnSpec {
	return process.SpawnSpec{
		Name:    "mariadb",
		Path:    bin,
		Args:    []string{"--defaults-file=" + cfg},
		WorkDir: filepath.Dir(bin),
	}
}

// StopCommand asks the server to shut down through the admin client.
func (m *MariaDB) StopCommand(st *config.Settings, _, _ string) (string, []string, bool) {
	tool, err := m.Versions.ToolPath(config.ServiceMariaDB, "mysqladmin", "mariadb-admin")
	if err != nil {
		return "", nil, false
	}
	if _, err := os.Stat(tool); err != nil {
		return "", nil, false
	}
	return tool, []string{"--port=" + strconv.Itoa(st.Ports.Database), "shutdown"}, true
}

// ReloadArgs: MariaDB has no graceful reload, Reload restarts.
func (m *MariaDB) ReloadArgs(string) ([]string, bool) { return nil, false }

func (m *MariaDB) ErrorLog() string {
	return filepath.Join(m.Layout.ServiceLogDir(config.ServiceMariaDB), "error.log")
}

func (m *MariaDB) Diagnose() string {
	return DiagnoseMariaDB(tailLines(m.ErrorLog()))
}

// DiagnoseMariaDB returns the last [ERROR] line of a server log.
func DiagnoseMariaDB(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.Contains(strings.ToUpper(lines[i]), "[ERROR]") {
			return lines[i]
		}
	}
	return ""
}

