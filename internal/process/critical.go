package process

import (
	"path/filepath"
	"strings"
)

// criticalNames are processes that must never be terminated to free a port.
var criticalNames = map[string]struct{}{
	// windows
	"svchost":  {},
	"lsass":    {},
	"csrss":    {},
	"wininit":  {},
	"services": {},
	"smss":     {},
	"winlogon": {},
	"dwm":      {},
	"explorer": {},
	"system":   {},
	"taskmgr":  {},
	// unix
	"init":        {},
	"systemd":     {},
	"launchd":     {},
	"kernel_task": {},
	"sshd":        {},
}

// IsCritical reports whether name (with or without directory or .exe suffix)
// belongs to the OS-critical deny-list. Matching is case-insensitive.
func IsCritical(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return false
	}
	n = filepath.Base(strings.ReplaceAll(n, `\`, "/"))
	n = strings.TrimSuffix(n, ".exe")
	_, ok := criticalNames[n]
	return ok
}
