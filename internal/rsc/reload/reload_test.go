package reload

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rari-build/rari/internal/rsc/engine"
	"github.com/rari-build/rari/internal/rsc/registry"
)

func newTestCoordinator(t *testing.T) (*Coordinator, string) {
	t.Helper()
	eng, err := engine.New(0, nil)
	require.NoError(t, err)
	reg := registry.New()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dist", "server", "app"), 0o755))
	return NewCoordinator(reg, eng, root), root
}

func writeArtifact(t *testing.T, root, relID, content string) {
	t.Helper()
	path := filepath.Join(root, "dist", "server", relID+".js")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestReload_NonESMArtifactBindsGlobal(t *testing.T) {
	c, root := newTestCoordinator(t)
	writeArtifact(t, root, "app/widget", `globalThis["app/widget"] = function(props) { return ["$", "div", null, {}]; };`)

	id, err := c.Reload(context.Background(), "app/widget.js")
	require.NoError(t, err)
	assert.Equal(t, "app/widget", id)

	comp, ok := c.registry.Get("app/widget")
	require.True(t, ok)
	assert.Equal(t, registry.StateLoaded, comp.LoadState)
}

func TestReload_ESMArtifactBindsDefaultExport(t *testing.T) {
	c, root := newTestCoordinator(t)
	writeArtifact(t, root, "app/page", `export default function Page(props) { return ["$", "p", null, {}]; }`)

	id, err := c.Reload(context.Background(), "app/page.tsx")
	require.NoError(t, err)
	assert.Equal(t, "app/page", id)

	comp, ok := c.registry.Get("app/page")
	require.True(t, ok)
	assert.Equal(t, registry.StateLoaded, comp.LoadState)
}

func TestReload_MissingArtifactIsNotFound(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.Reload(context.Background(), "app/missing.ts")
	require.Error(t, err)
}

func TestReload_RejectsPathTraversal(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.Reload(context.Background(), "../../etc/passwd")
	require.Error(t, err)
}

func TestReload_RejectsEmptyPath(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.Reload(context.Background(), "")
	require.Error(t, err)
}

func TestReload_StaleDistAbortsWithoutMutatingRegistry(t *testing.T) {
	c, root := newTestCoordinator(t)
	source := `globalThis["app/widget"] = function() { return ["$", "div", null, {}]; };`
	writeArtifact(t, root, "app/widget", source)

	_, err := c.Reload(context.Background(), "app/widget.js")
	require.NoError(t, err)

	before, ok := c.registry.Get("app/widget")
	require.True(t, ok)

	_, err = c.Reload(context.Background(), "app/widget.js")
	require.Error(t, err)

	after, ok := c.registry.Get("app/widget")
	require.True(t, ok)
	assert.Equal(t, before.TransformedSource, after.TransformedSource)
	assert.Equal(t, before.LoadState, after.LoadState)
}

func TestReload_PreservesInitiallyLoadedState(t *testing.T) {
	c, root := newTestCoordinator(t)
	writeArtifact(t, root, "app/widget", `globalThis["app/widget"] = function() { return 1; };`)

	_, err := c.Reload(context.Background(), "app/widget.js")
	require.NoError(t, err)
	require.NoError(t, c.registry.MarkInitiallyLoaded("app/widget"))

	writeArtifact(t, root, "app/widget", `globalThis["app/widget"] = function() { return 2; };`)
	_, err = c.Reload(context.Background(), "app/widget.js")
	require.NoError(t, err)

	comp, ok := c.registry.Get("app/widget")
	require.True(t, ok)
	assert.Equal(t, registry.StateInitiallyLoaded, comp.LoadState)
}

func TestClearAll_RemovesEveryComponent(t *testing.T) {
	c, root := newTestCoordinator(t)
	writeArtifact(t, root, "app/a", `globalThis["app/a"] = function() { return 1; };`)
	writeArtifact(t, root, "app/b", `globalThis["app/b"] = function() { return 2; };`)

	_, err := c.Reload(context.Background(), "app/a.js")
	require.NoError(t, err)
	_, err = c.Reload(context.Background(), "app/b.js")
	require.NoError(t, err)

	c.ClearAll()
	assert.Equal(t, 0, c.registry.Count())
}

func TestDeriveComponentID_NormalisesBackslashesAndStripsExtension(t *testing.T) {
	assert.Equal(t, "app/nested/page", deriveComponentID("app/nested/page.tsx"))
}

func TestValidatePath_RejectsTraversal(t *testing.T) {
	_, err := validatePath("/project", "../secret.ts")
	assert.Error(t, err)
}

func TestValidatePath_AcceptsRelativePath(t *testing.T) {
	rel, err := validatePath("/project", "app/page.tsx")
	require.NoError(t, err)
	assert.Equal(t, "app/page.tsx", rel)
}
