// Package logtail follows service log files and keeps a bounded buffer of
// recent lines for the API.
package logtail

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	MaxEntries      = 10000
	TrimTo          = 5000
	defaultDebounce = 150 * time.Millisecond
	defaultPoll     = 3 * time.Second
	maxReadChunk    = 1 << 20
)

// Entry is one log line.
type Entry struct {
	Source    string    `json:"source"`
	Line      string    `json:"line"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// ParseLevel classifies a line as error, warn, notice or info from the
// markers httpd ([module:level]) and mariadbd ([ERROR], [Warning]) write.
func ParseLevel(line string) string {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, ":emerg]"), strings.Contains(l, ":alert]"), strings.Contains(l, ":crit]"),
		strings.Contains(l, ":error]"), strings.Contains(l, "[error]"), strings.Contains(l, "php fatal error"):
		return "error"
	case strings.Contains(l, ":warn]"), strings.Contains(l, "[warning]"), strings.Contains(l, "[warn]"):
		return "warn"
	case strings.Contains(l, ":notice]"), strings.Contains(l, "[note]"), strings.Contains(l, "[notice]"):
		return "notice"
	}
	return "info"
}

// Watcher tails one file from its end. It never fails once started:
// missing files, truncation and rotation are absorbed.
type Watcher struct {
	Source string
	Path   string

	log      *slog.Logger
	debounce time.Duration
	poll     time.Duration

	mu        sync.RWMutex
	entries   []Entry
	listeners []func(Entry)

	readMu  sync.Mutex
	offset  int64
	partial []byte

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(source, path string, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		Source:   source,
		Path:     path,
		log:      log.With("source", source),
		debounce: defaultDebounce,
		poll:     defaultPoll,
	}
}

// Subscribe registers fn for every new entry.
func (w *Watcher) Subscribe(fn func(Entry)) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Entries returns up to n most recent entries, oldest first. n <= 0
// returns all buffered entries.
func (w *Watcher) Entries(n int) []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	src := w.entries
	if n > 0 && len(src) > n {
		src = src[len(src)-n:]
	}
	return append([]Entry(nil), src...)
}

// Start positions at the end of the file and follows it until ctx is done
// or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if w.cancel != nil {
		return errors.New("watcher already started")
	}
	if fi, err := os.Stat(w.Path); err == nil {
		w.offset = fi.Size()
	}
	dir := filepath.Dir(w.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return err
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx, fw)
	return nil
}

func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer func() { _ = fw.Close() }()
	name := filepath.Base(w.Path)
	poll := time.NewTicker(w.poll)
	defer poll.Stop()
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.reset()
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Debug("log watcher error", "error", err)
		case <-timer.C:
			w.ReadNew()
		case <-poll.C:
			w.ReadNew()
		}
	}
}

func (w *Watcher) reset() {
	w.readMu.Lock()
	w.offset = 0
	w.partial = nil
	w.readMu.Unlock()
}

// ReadNew reads lines appended since the last read. A file smaller than
// the last offset is treated as truncated and read from the start.
func (w *Watcher) ReadNew() {
	w.readMu.Lock()
	defer w.readMu.Unlock()

	f, err := os.Open(w.Path) // #nosec G304
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return
	}
	if fi.Size() < w.offset {
		w.offset = 0
		w.partial = nil
	}
	if fi.Size() == w.offset {
		return
	}
	if _, err := f.Seek(w.offset, io.SeekStart); err != nil {
		return
	}
	buf, err := io.ReadAll(io.LimitReader(f, maxReadChunk))
	if err != nil {
		w.log.Debug("read log", "error", err)
		return
	}
	w.offset += int64(len(buf))

	data := append(w.partial, buf...)
	last := bytes.LastIndexByte(data, '\n')
	if last < 0 {
		w.partial = data
		return
	}
	w.partial = append([]byte(nil), data[last+1:]...)

	now := time.Now().UTC()
	var fresh []Entry
	for _, raw := range bytes.Split(data[:last], []byte{'\n'}) {
		line := strings.TrimRight(string(raw), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fresh = append(fresh, Entry{Source: w.Source, Line: line, Level: ParseLevel(line), Timestamp: now})
	}
	w.append(fresh)
}

func (w *Watcher) append(fresh []Entry) {
	if len(fresh) == 0 {
		return
	}
	w.mu.Lock()
	w.entries = append(w.entries, fresh...)
	if len(w.entries) > MaxEntries {
		w.entries = append([]Entry(nil), w.entries[len(w.entries)-TrimTo:]...)
	}
	ls := slices.Clone(w.listeners)
	w.mu.Unlock()
	for _, e := range fresh {
		for _, l := range ls {
			l(e)
		}
	}
}
