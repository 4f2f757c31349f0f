package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rari-build/rari/infrastructure/logging"
	"github.com/rari-build/rari/internal/rsc/engine"
	"github.com/rari-build/rari/internal/rsc/registry"
)

func TestLoadServerManifest_MissingFileReturnsEmpty(t *testing.T) {
	m, err := loadServerManifest(filepath.Join(t.TempDir(), "server-manifest.json"))
	require.NoError(t, err)
	assert.Empty(t, m.Components)
}

func TestLoadServerManifest_ParsesComponents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server-manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"components":{"app/page":{"bundlePath":"server/app/page.js"}}}`), 0o644))

	m, err := loadServerManifest(path)
	require.NoError(t, err)
	require.Contains(t, m.Components, "app/page")
	assert.Equal(t, "server/app/page.js", m.Components["app/page"].BundlePath)
}

func TestLoadServerManifest_MalformedJSONErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server-manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))

	_, err := loadServerManifest(path)
	require.Error(t, err)
}

func TestLoadInitialComponents_RegistersAndMarksInitiallyLoaded(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "server", "app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server", "app", "widget.js"),
		[]byte(`export default function Widget() { return ["$", "div", null, {}]; }`), 0o644))

	eng, err := engine.New(0, nil)
	require.NoError(t, err)
	reg := registry.New()
	logger := logging.New("test", "error", "text")

	manifest := &serverManifest{Components: map[string]manifestEntry{
		"app/widget": {BundlePath: "server/app/widget.js"},
	}}
	loadInitialComponents(context.Background(), eng, reg, manifest, dir, logger)

	comp, ok := reg.Get("app/widget")
	require.True(t, ok)
	assert.Equal(t, registry.StateInitiallyLoaded, comp.LoadState)
}

func TestLoadInitialComponents_MissingArtefactMarksNothing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "server"), 0o755))

	eng, err := engine.New(0, nil)
	require.NoError(t, err)
	reg := registry.New()
	logger := logging.New("test", "error", "text")

	manifest := &serverManifest{Components: map[string]manifestEntry{
		"app/missing": {BundlePath: "server/app/missing.js"},
	}}
	loadInitialComponents(context.Background(), eng, reg, manifest, dir, logger)

	_, ok := reg.Get("app/missing")
	assert.False(t, ok)
}
