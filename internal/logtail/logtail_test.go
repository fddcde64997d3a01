package logtail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func appendTo(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(s); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"[Mon Jan 01] [core:emerg] [pid 1] AH00020": "error",
		"[php:error] PHP Fatal error: boom":          "error",
		"2024-01-01 0 [ERROR] Aborting":              "error",
		"[ssl:warn] AH01909: certificate":            "warn",
		"2024-01-01 0 [Warning] IP address":          "warn",
		"[mpm_event:notice] resuming":                "notice",
		"2024-01-01 0 [Note] ready":                  "notice",
		`127.0.0.1 - - "GET / HTTP/1.1" 200`:         "info",
	}
	for line, want := range cases {
		if got := ParseLevel(line); got != want {
			t.Fatalf("ParseLevel(%q) = %q, want %q", line, got, want)
		}
	}
}

func TestReadNew_TailsFromEndAndHandlesPartialLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "error.log")
	appendTo(t, path, "old line before start\n")

	w := New("apache-error", path, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	appendTo(t, path, "[core:error] first\n[core:notice] sec")
	w.ReadNew()
	got := w.Entries(0)
	if len(got) != 1 || got[0].Line != "[core:error] first" || got[0].Level != "error" || got[0].Source != "apache-error" {
		t.Fatalf("entries = %+v", got)
	}
	appendTo(t, path, "ond\n")
	w.ReadNew()
	got = w.Entries(0)
	if len(got) != 2 || got[1].Line != "[core:notice] second" {
		t.Fatalf("partial line not joined: %+v", got)
	}
}

func TestReadNew_Truncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "error.log")
	w := New("x", path, nil)
	appendTo(t, path, "one\ntwo\n")
	w.ReadNew()
	if err := os.WriteFile(path, []byte("three\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.ReadNew()
	got := w.Entries(0)
	if len(got) != 3 || got[2].Line != "three" {
		t.Fatalf("entries after truncation = %+v", got)
	}
}

func TestBufferIsBounded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	w := New("x", path, nil)
	var b strings.Builder
	for i := 0; i < MaxEntries+1; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	appendTo(t, path, b.String())
	w.ReadNew()
	got := w.Entries(0)
	if len(got) != TrimTo {
		t.Fatalf("len = %d, want %d", len(got), TrimTo)
	}
	if last := got[len(got)-1].Line; last != fmt.Sprintf("line %d", MaxEntries) {
		t.Fatalf("last = %q", last)
	}
	if tail := w.Entries(3); len(tail) != 3 || tail[2].Line != got[len(got)-1].Line {
		t.Fatalf("Entries(3) = %+v", tail)
	}
}

func TestWatcherDeliversAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "error.log")
	w := New("mariadb-error", path, nil)
	var seen atomic.Int32
	w.Subscribe(func(e Entry) {
		if e.Level == "error" {
			seen.Add(1)
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	appendTo(t, path, "2024-01-01 0 [ERROR] InnoDB: cannot lock\n")
	deadline := time.Now().Add(5 * time.Second)
	for seen.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if seen.Load() != 1 {
		t.Fatalf("subscriber not notified")
	}
}
