// Package workspace observes the working directory for image output: it
// snapshots image modification times before a query, diffs afterwards to
// find what the assistant produced, and extracts image paths mentioned in
// response text.
package workspace

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".svg":  true,
}

// Directories that never contain assistant-produced screenshots but dominate
// walk time in JS projects.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".next":        true,
	"dist":         true,
	"build":        true,
	"vendor":       true,
}

// IsImagePath reports whether a path has an image extension.
func IsImagePath(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// Observer keeps a live path → mtime index of image files under the working
// directory, maintained by an fsnotify watcher so snapshots stay cheap on
// large trees. When the watcher is unavailable the observer falls back to a
// bounded filesystem walk per snapshot.
type Observer struct {
	workDir   string
	fsWatcher *fsnotify.Watcher

	mu    sync.RWMutex
	index map[string]time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewObserver creates an observer for workDir and starts the watcher.
func NewObserver(workDir string) *Observer {
	o := &Observer{
		workDir:  workDir,
		stopChan: make(chan struct{}),
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️ fsnotify unavailable, image snapshots will walk the tree: %v", err)
		return o
	}

	o.fsWatcher = fsWatcher
	o.index = make(map[string]time.Time)
	o.seedIndex()

	o.wg.Add(1)
	go o.watchLoop()

	return o
}

// Stop shuts down the watcher.
func (o *Observer) Stop() {
	close(o.stopChan)
	if o.fsWatcher != nil {
		o.fsWatcher.Close()
	}
	o.wg.Wait()
}

// seedIndex walks the tree once, indexing image files and registering
// directory watches.
func (o *Observer) seedIndex() {
	filepath.WalkDir(o.workDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			if err := o.fsWatcher.Add(path); err != nil {
				log.Printf("⚠️ Failed to watch %s: %v", path, err)
			}
			return nil
		}
		if IsImagePath(path) {
			if info, err := d.Info(); err == nil {
				o.index[path] = info.ModTime()
			}
		}
		return nil
	})
}

// watchLoop keeps the index and directory watches in sync with filesystem
// events.
func (o *Observer) watchLoop() {
	defer o.wg.Done()

	for {
		select {
		case <-o.stopChan:
			return

		case event, ok := <-o.fsWatcher.Events:
			if !ok {
				return
			}
			o.handleEvent(event)

		case err, ok := <-o.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️ Image watcher error: %v", err)
		}
	}
}

func (o *Observer) handleEvent(event fsnotify.Event) {
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if event.Op&fsnotify.Create != 0 && !skipDirs[filepath.Base(event.Name)] {
				o.fsWatcher.Add(event.Name)
			}
			return
		}
		if IsImagePath(event.Name) {
			o.mu.Lock()
			o.index[event.Name] = info.ModTime()
			o.mu.Unlock()
		}

	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		o.mu.Lock()
		delete(o.index, event.Name)
		o.mu.Unlock()
	}
}

// SnapshotImages returns a path → mtime map of image files under the working
// directory. The call is bounded by ctx (the caller applies a 2 s budget);
// on timeout or error an empty map is returned rather than failing the query.
func (o *Observer) SnapshotImages(ctx context.Context) map[string]time.Time {
	if o.index != nil {
		o.mu.RLock()
		defer o.mu.RUnlock()

		snapshot := make(map[string]time.Time, len(o.index))
		for path, mtime := range o.index {
			snapshot[path] = mtime
		}
		return snapshot
	}

	return walkImages(ctx, o.workDir)
}

// walkImages is the watcher-less fallback: a filesystem walk that abandons
// the partial result when ctx expires.
func walkImages(ctx context.Context, workDir string) map[string]time.Time {
	snapshot := make(map[string]time.Time)

	err := filepath.WalkDir(workDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if IsImagePath(path) {
			if info, err := d.Info(); err == nil {
				snapshot[path] = info.ModTime()
			}
		}
		return nil
	})
	if err != nil {
		return map[string]time.Time{}
	}
	return snapshot
}

// DiffImages returns paths present in after that are new or modified relative
// to before, sorted for deterministic ordering.
func DiffImages(before, after map[string]time.Time) []string {
	var changed []string
	for path, mtime := range after {
		if prev, ok := before[path]; !ok || mtime.After(prev) {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}
