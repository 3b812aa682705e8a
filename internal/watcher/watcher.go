// Package watcher monitors project working trees and publishes file-count
// updates so clients can show workspace activity while an agent edits.
package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"agentdeck/internal/protocol"
)

const (
	debounceInterval = 500 * time.Millisecond
)

// excludedDirs are directories excluded from counting and watching.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// Broadcaster fans events out to subscribed clients.
type Broadcaster interface {
	Broadcast(ev *protocol.Event)
}

// Watcher monitors project working directories for file changes.
type Watcher struct {
	mu       sync.Mutex
	watchers map[string]*projectWatcher // projectID → watcher
	hub      Broadcaster
	log      *zap.Logger
}

type projectWatcher struct {
	projectID string
	dir       string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu        sync.Mutex
	lastCount int
}

// New creates a Watcher publishing to the given hub.
func New(hub Broadcaster, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		watchers: make(map[string]*projectWatcher),
		hub:      hub,
		log:      log,
	}
}

// Watch starts watching a project's working tree. Watching an already
// watched project replaces the previous directory.
func (w *Watcher) Watch(projectID, dir string) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	pw := &projectWatcher{
		projectID: projectID,
		dir:       dir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		lastCount: -1, // Force initial update.
	}

	if err := addDirsRecursive(fsW, dir); err != nil {
		fsW.Close()
		return err
	}

	w.mu.Lock()
	if old, ok := w.watchers[projectID]; ok {
		close(old.cancel)
		old.fsWatcher.Close()
	}
	w.watchers[projectID] = pw
	w.mu.Unlock()

	go w.watchLoop(pw)
	go w.recount(pw)
	return nil
}

// Unwatch stops watching a project's tree. Idempotent.
func (w *Watcher) Unwatch(projectID string) {
	w.mu.Lock()
	pw, ok := w.watchers[projectID]
	if ok {
		delete(w.watchers, projectID)
	}
	w.mu.Unlock()

	if ok {
		close(pw.cancel)
		pw.fsWatcher.Close()
	}
}

// Close stops every watch.
func (w *Watcher) Close() {
	w.mu.Lock()
	all := w.watchers
	w.watchers = make(map[string]*projectWatcher)
	w.mu.Unlock()

	for _, pw := range all {
		close(pw.cancel)
		pw.fsWatcher.Close()
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(pw *projectWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-pw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-pw.fsWatcher.Events:
			if !ok {
				return
			}

			// If a new directory is created, watch it too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					base := filepath.Base(event.Name)
					if !excludedDirs[base] && !isHidden(base) {
						pw.fsWatcher.Add(event.Name)
					}
				}
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				w.recount(pw)
			})

		case err, ok := <-pw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error",
				zap.String("projectId", pw.projectID), zap.Error(err))
		}
	}
}

// recount recalculates the file count and publishes it if changed.
func (w *Watcher) recount(pw *projectWatcher) {
	count := CountFiles(pw.dir)

	pw.mu.Lock()
	changed := count != pw.lastCount
	pw.lastCount = count
	pw.mu.Unlock()

	if !changed || w.hub == nil {
		return
	}
	ev, err := protocol.NewEvent(pw.projectID, protocol.KindWorkspaceFiles,
		protocol.WorkspaceFilesPayload{FileCount: count})
	if err != nil {
		return
	}
	w.hub.Broadcast(ev)
}

// CountFiles counts all non-excluded files under dir.
func CountFiles(dir string) int {
	count := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}

		name := d.Name()

		if d.IsDir() {
			if excludedDirs[name] {
				return filepath.SkipDir
			}
			if isHidden(name) && path != dir {
				return filepath.SkipDir
			}
			return nil
		}

		if isHidden(name) {
			return nil
		}

		count++
		return nil
	})
	return count
}

// addDirsRecursive adds dir and every non-excluded subdirectory to the
// fsnotify watcher.
func addDirsRecursive(fsW *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if excludedDirs[name] {
			return filepath.SkipDir
		}
		if isHidden(name) && path != dir {
			return filepath.SkipDir
		}
		return fsW.Add(path)
	})
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
