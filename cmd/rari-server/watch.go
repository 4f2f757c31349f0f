package main

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rari-build/rari/infrastructure/logging"
	"github.com/rari-build/rari/internal/rsc/reload"
)

// debounceWindow is the interval over which repeated fsnotify events for
// the same artefact collapse into a single reload (editors frequently emit
// write+chmod+rename for one save).
const debounceWindow = 75 * time.Millisecond

// watcher drives the Reload Coordinator (C9) from filesystem change events.
// The coordinator itself has no filesystem knowledge; this type is the
// "external collaborator" spec §1 names, given a concrete driver.
type watcher struct {
	coordinator *reload.Coordinator
	logger      *logging.Logger
	distDir     string

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func newWatcher(coordinator *reload.Coordinator, logger *logging.Logger, distDir string) *watcher {
	return &watcher{
		coordinator: coordinator,
		logger:      logger,
		distDir:     distDir,
		pending:     make(map[string]*time.Timer),
	}
}

// run watches distDir/server for .js writes until ctx is cancelled. Reload
// failures are logged, never propagated: spec §7 is explicit that reload
// failures stay off the request path and leave the previous module live.
func (w *watcher) run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	root := filepath.Join(w.distDir, "server")
	if err := addRecursive(fw, root); err != nil {
		w.logger.Warn(ctx, "file watcher failed to watch dist/server; hot reload disabled", map[string]interface{}{"error": err.Error()})
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, fw, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "file watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (w *watcher) handleEvent(ctx context.Context, fw *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = fw.Add(event.Name)
			return
		}
	}

	if !strings.HasSuffix(event.Name, ".js") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	relPath, err := filepath.Rel(filepath.Join(w.distDir, "server"), event.Name)
	if err != nil {
		return
	}
	relPath = filepath.ToSlash(relPath)

	w.debounce(relPath, func() {
		id, err := w.coordinator.Reload(ctx, relPath)
		if err != nil {
			w.logger.Warn(ctx, "reload failed; previous module remains live", map[string]interface{}{"path": relPath, "error": err.Error()})
			return
		}
		w.logger.Info(ctx, "reloaded component", map[string]interface{}{"component_id": id})
	})
}

func (w *watcher) debounce(key string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[key]; ok {
		t.Stop()
	}
	w.pending[key] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.pending, key)
		w.mu.Unlock()
		fn()
	})
}

func addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
}
