// Package watcher reindexes addons roots when their sources change.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/DeusData/odoo-graph/internal/discover"
)

const (
	baseInterval = 1 * time.Second
	maxInterval  = 60 * time.Second
)

// IndexFunc is the callback signature for triggering a re-index.
type IndexFunc func(ctx context.Context) error

// Watcher follows addons roots through filesystem notifications. Bursts of
// events are coalesced: indexFn runs once the tree has been quiet for the
// debounce interval. A failed run is retried with a growing delay.
type Watcher struct {
	roots    []string
	indexFn  IndexFunc
	debounce time.Duration
	fsw      *fsnotify.Watcher
	dirs     map[string]bool
	ready    chan struct{}
}

// New creates a Watcher over roots. debounce 0 means one second.
func New(roots []string, indexFn IndexFunc, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = baseInterval
	}
	return &Watcher{
		roots:    roots,
		indexFn:  indexFn,
		debounce: debounce,
		dirs:     make(map[string]bool),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once every root is being watched.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run blocks until ctx is cancelled. It never runs indexFn for the initial
// state of the tree; callers index before watching.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	w.fsw = fsw

	for _, root := range w.roots {
		if err := w.addTree(root); err != nil {
			return err
		}
	}
	slog.Info("watcher.start", "roots", len(w.roots), "dirs", len(w.dirs), "debounce", w.debounce)
	close(w.ready)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	retry := w.debounce
	pending := 0

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.handle(ev) {
				continue
			}
			pending++
			retry = w.debounce
			timer.Reset(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watcher.err", "err", err)

		case <-timer.C:
			slog.Info("watcher.changed", "events", pending)
			if err := w.indexFn(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				retry = min(retry*2, maxInterval)
				slog.Warn("watcher.index", "err", err, "retry_in", retry)
				// Keep pending so the next attempt covers these events.
				timer.Reset(retry)
				continue
			}
			pending = 0
			retry = w.debounce
		}
	}
}

// handle reacts to one event and reports whether it should trigger an index.
func (w *Watcher) handle(ev fsnotify.Event) bool {
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if discover.Ignored(filepath.Base(ev.Name)) {
				return false
			}
			if err := w.addTree(ev.Name); err != nil {
				slog.Warn("watcher.add", "path", ev.Name, "err", err)
			}
			return true
		}
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if w.dirs[ev.Name] {
			w.dropTree(ev.Name)
			return true
		}
	}
	if ev.Op == fsnotify.Chmod {
		return false
	}
	return Relevant(ev.Name)
}

// Relevant reports whether a change to path can affect the graph: Python
// sources, manifests and XML data files. Events only arrive from watched
// directories, so ignored trees are already filtered out.
func Relevant(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".py", ".xml":
		return true
	}
	return false
}

// addTree watches dir and every directory below it that discovery would
// descend into.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			if errors.Is(err, fs.ErrPermission) {
				slog.Warn("watcher.skip", "path", path, "err", err)
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && discover.Ignored(d.Name()) {
			return fs.SkipDir
		}
		if w.dirs[path] {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return err
		}
		w.dirs[path] = true
		return nil
	})
}

// dropTree forgets dir and its subdirectories. The kernel drops the
// watches itself once the directories are gone.
func (w *Watcher) dropTree(dir string) {
	prefix := dir + string(filepath.Separator)
	for d := range w.dirs {
		if d == dir || strings.HasPrefix(d, prefix) {
			_ = w.fsw.Remove(d)
			delete(w.dirs, d)
		}
	}
}
