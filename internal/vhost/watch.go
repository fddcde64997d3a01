package vhost

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatching scans once and then rescans whenever a directory is
// created, removed or renamed directly under the web root. Bursts of
// events are coalesced by the debounce window.
func (p *Provisioner) StartWatching(ctx context.Context) error {
	st, err := p.settings.Load()
	if err != nil {
		return err
	}
	root := p.layout.WebRoot(st)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return err
	}
	if err := p.ScanAndApply(ctx); err != nil {
		p.log.Warn("initial vhost scan failed", "error", err)
	}

	p.watchMu.Lock()
	defer p.watchMu.Unlock()
	if p.watcher != nil {
		return errors.New("already watching")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(root); err != nil {
		_ = w.Close()
		return err
	}
	p.watcher = w
	p.done = make(chan struct{})
	p.wg.Add(1)
	go p.watchLoop(ctx, w, p.done)
	p.log.Info("watching web root", "dir", root)
	return nil
}

// StopWatching stops the watch loop and waits for a pending scan.
func (p *Provisioner) StopWatching() {
	p.watchMu.Lock()
	w, done := p.watcher, p.done
	p.watcher, p.done = nil, nil
	p.watchMu.Unlock()
	if w == nil {
		return
	}
	close(done)
	_ = w.Close()
	p.wg.Wait()
}

func (p *Provisioner) watchLoop(ctx context.Context, w *fsnotify.Watcher, done <-chan struct{}) {
	defer p.wg.Done()
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(p.debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			p.log.Warn("web root watcher error", "error", err)
		case <-timer.C:
			if err := p.ScanAndApply(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn("vhost rescan failed", "error", err)
			}
		}
	}
}
