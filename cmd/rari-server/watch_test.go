package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rari-build/rari/infrastructure/logging"
	"github.com/rari-build/rari/internal/rsc/engine"
	"github.com/rari-build/rari/internal/rsc/reload"
	"github.com/rari-build/rari/internal/rsc/registry"
)

func newTestWatcher(t *testing.T, distDir string) *watcher {
	t.Helper()
	eng, err := engine.New(0, nil)
	require.NoError(t, err)
	coordinator := reload.NewCoordinator(registry.New(), eng, distDir)
	logger := logging.New("test", "error", "text")
	return newWatcher(coordinator, logger, distDir)
}

func TestAddRecursive_WatchesNestedDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "server", "nested"), 0o755))

	fw, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	defer fw.Close()

	require.NoError(t, addRecursive(fw, filepath.Join(dir, "server")))
	assert.Contains(t, fw.WatchList(), filepath.Join(dir, "server"))
	assert.Contains(t, fw.WatchList(), filepath.Join(dir, "server", "nested"))
}

func TestHandleEvent_IgnoresNonJSFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "server"), 0o755))
	w := newTestWatcher(t, dir)

	event := fsnotify.Event{Name: filepath.Join(dir, "server", "notes.txt"), Op: fsnotify.Write}
	w.handleEvent(context.Background(), nil, event)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Empty(t, w.pending)
}

func TestHandleEvent_IgnoresNonWriteCreateOps(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "server"), 0o755))
	w := newTestWatcher(t, dir)

	event := fsnotify.Event{Name: filepath.Join(dir, "server", "widget.js"), Op: fsnotify.Chmod}
	w.handleEvent(context.Background(), nil, event)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Empty(t, w.pending)
}

func TestHandleEvent_SchedulesDebouncedReloadForJSWrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "server"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server", "widget.js"),
		[]byte(`export default function Widget() { return ["$", "div", null, {}]; }`), 0o644))
	w := newTestWatcher(t, dir)

	event := fsnotify.Event{Name: filepath.Join(dir, "server", "widget.js"), Op: fsnotify.Write}
	w.handleEvent(context.Background(), nil, event)

	w.mu.Lock()
	_, scheduled := w.pending["widget.js"]
	w.mu.Unlock()
	assert.True(t, scheduled)
}

func TestDebounce_CollapsesRepeatedCallsIntoOne(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir)

	calls := 0
	for i := 0; i < 5; i++ {
		w.debounce("key", func() { calls++ })
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(debounceWindow + 50*time.Millisecond)
	assert.Equal(t, 1, calls)
}
