package server

import (
	"strconv"
	"strings"
	"testing"
)

func FuzzIsSafeName(f *testing.F) {
	f.Add("apache")
	f.Add("8.3.11")
	f.Add("")
	f.Add("..")
	f.Add("../etc/passwd")
	f.Add("name\\with\\backslash")
	f.Add("unicode한글name")
	f.Add("name\x00null")

	f.Fuzz(func(t *testing.T, name string) {
		ok := isSafeName(name)
		if name == "" && ok {
			t.Error("empty name should not be safe")
		}
		if strings.Contains(name, "..") && ok {
			t.Errorf("name with .. should not be safe: %q", name)
		}
		if strings.ContainsAny(name, "/\\") && ok {
			t.Errorf("name with path separators should not be safe: %q", name)
		}
		if len(name) > 64 && ok {
			t.Errorf("overlong name should not be safe: %d bytes", len(name))
		}
	})
}

func FuzzSanitizeBase(f *testing.F) {
	f.Add("")
	f.Add("/")
	f.Add("/api")
	f.Add("api/")
	f.Add("  /api/v1/  ")
	f.Add("//multiple//slashes//")

	f.Fuzz(func(t *testing.T, basePath string) {
		got := sanitizeBase(basePath)
		if got != "" {
			if !strings.HasPrefix(got, "/") {
				t.Errorf("sanitized base should start with /: %q -> %q", basePath, got)
			}
			if strings.HasSuffix(got, "/") {
				t.Errorf("sanitized base should not end with /: %q -> %q", basePath, got)
			}
		}
		if trimmed := strings.TrimSpace(basePath); (trimmed == "" || trimmed == "/") && got != "" {
			t.Errorf("empty or root base should result in empty: %q -> %q", basePath, got)
		}
	})
}

func FuzzParsePort(f *testing.F) {
	f.Add("80")
	f.Add("0")
	f.Add("65536")
	f.Add("-1")
	f.Add("3306x")

	f.Fuzz(func(t *testing.T, s string) {
		p, ok := parsePort(s)
		if !ok {
			return
		}
		if p < 1 || p > 65535 {
			t.Errorf("parsePort(%q) accepted %d", s, p)
		}
		if n, err := strconv.Atoi(s); err != nil || n != p {
			t.Errorf("parsePort(%q)=%d disagrees with Atoi", s, p)
		}
	})
}
