package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/stackr/internal/config"
)

// BaseEnv names the environment variable consulted when --base is unset.
const BaseEnv = "STACKR_BASE"

func resolveBase(flag string) (string, error) {
	base := flag
	if base == "" {
		base = os.Getenv(BaseEnv)
	}
	if base == "" {
		base = "."
	}
	return filepath.Abs(base)
}

// readSettings loads the settings file without creating it.
func readSettings(base string) (*config.Settings, error) {
	store := config.NewStore(config.Layout{Base: base}.SettingsFile())
	if _, err := os.Stat(store.Path()); errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return store.Load()
}

// apiURL builds the control API address from [server].
func apiURL(st *config.Settings) string {
	host, port, err := net.SplitHostPort(st.Server.Listen)
	if err != nil {
		host, port = "127.0.0.1", "7780"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	bp := strings.TrimRight(st.Server.BasePath, "/")
	if bp != "" && !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return "http://" + net.JoinHostPort(host, port) + bp
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
