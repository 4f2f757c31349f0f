// Package reload implements the Reload Coordinator (C9): given a changed
// file path it validates, re-reads, classifies, and re-registers the
// corresponding component's build artefact inside the engine, verifying the
// new binding actually took before touching the registry, and otherwise
// leaving the previously-loaded version live.
package reload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	rarierrors "github.com/rari-build/rari/infrastructure/errors"
	"github.com/rari-build/rari/internal/rsc/engine"
	"github.com/rari-build/rari/internal/rsc/registry"
	"github.com/rari-build/rari/internal/rsc/transform"
)

const (
	headSnapshotLen = 500
	staleRetryDelay = 100 * time.Millisecond
)

var sourceExtensions = []string{".tsx", ".ts", ".jsx", ".js"}

// Coordinator ties the registry and engine together for hot reload.
type Coordinator struct {
	registry    *registry.Registry
	engine      *engine.Engine
	projectRoot string
}

// NewCoordinator constructs a coordinator rooted at projectRoot (the
// directory dist/server/... is resolved relative to).
func NewCoordinator(reg *registry.Registry, eng *engine.Engine, projectRoot string) *Coordinator {
	return &Coordinator{registry: reg, engine: eng, projectRoot: projectRoot}
}

// ClearAll drops every registered component and its staged engine module
// state. Used on full dev-server restarts / watcher resyncs.
func (c *Coordinator) ClearAll() {
	for _, id := range c.registry.List() {
		c.engine.ClearModuleLoaderCaches(id)
		c.registry.Remove(id)
	}
}

// Reload implements spec §4.9's algorithm for one changed file and returns
// the derived component id on success. Any failure leaves the registry and
// engine observably identical to their state before the attempt.
func (c *Coordinator) Reload(ctx context.Context, filePath string) (string, error) {
	relPath, err := validatePath(c.projectRoot, filePath)
	if err != nil {
		return "", err
	}

	componentID := deriveComponentID(relPath)
	distPath := c.artifactPath(componentID)

	source, err := readArtifact(distPath)
	if err != nil {
		return "", err
	}

	prev, hadPrev := c.registry.Get(componentID)
	if hadPrev && headOf(source) == headOf(prev.TransformedSource) {
		time.Sleep(staleRetryDelay)
		source, err = readArtifact(distPath)
		if err != nil {
			return "", err
		}
		if headOf(source) == headOf(prev.TransformedSource) {
			return "", rarierrors.IoError("dist not yet updated", nil).WithDetail("component_id", componentID)
		}
	}

	var (
		finalSource string
		deps        []string
	)

	if isESM(source) {
		finalSource, deps, err = c.reloadESM(ctx, componentID, source)
	} else {
		finalSource, deps, err = c.reloadNonESM(ctx, componentID, source)
	}
	if err != nil {
		return "", err
	}

	if err := c.verify(ctx, componentID); err != nil {
		return "", err
	}

	c.registry.Register(componentID, finalSource, finalSource, deps)
	if hadPrev && prev.LoadState == registry.StateInitiallyLoaded {
		_ = c.registry.MarkInitiallyLoaded(componentID)
	} else {
		_ = c.registry.MarkLoaded(componentID)
	}

	return componentID, nil
}

func (c *Coordinator) reloadESM(ctx context.Context, id, source string) (string, []string, error) {
	c.engine.ClearModuleLoaderCaches(id)

	specifier := fmt.Sprintf("file:///rari_hmr/server/%s.js?v=%d", id, time.Now().UnixMilli())
	c.engine.AddModuleToLoaderOnly(specifier, source)
	if err := c.engine.EvaluateModule(ctx, specifier); err != nil {
		return "", nil, err
	}

	ns, err := c.engine.GetModuleNamespace(ctx, specifier)
	if err != nil {
		return "", nil, err
	}

	names := make([]string, 0, len(ns))
	for name := range ns {
		names = append(names, name)
	}

	script := buildESMRegistrationScript(id, specifier, names)
	if _, err := c.engine.ExecuteScript(ctx, "reload:"+id, script); err != nil {
		return "", nil, err
	}

	return source, transform.ExtractDependencies(source), nil
}

// reloadNonESM wraps a raw (non-module) build artefact with C1's
// self-registering wrapper and loads that wrapper the same way reloadESM
// loads an already-ESM artefact: the wrapper itself still carries a
// trailing `export const`/`export function` tail (it doubles as a
// re-importable ES module elsewhere), so it has to go through the
// downgrade-and-evaluate module path rather than a raw script execution,
// which would choke on that `export` syntax. The wrapper's own IIFE only
// binds globalThis[componentKey] when it is not already set, so the
// previous binding has to be cleared before evaluation can rebind it. To
// keep that rebind observably atomic (spec §4.9), the previous value is
// squirrelled away first and restored if evaluation fails, rather than
// being deleted outright.
func (c *Coordinator) reloadNonESM(ctx context.Context, id, source string) (string, []string, error) {
	mod, err := transform.Transform(source, id, transform.Options{})
	if err != nil {
		return "", nil, err
	}

	backupKey := "__rari_reload_backup__"
	stashScript := fmt.Sprintf(`globalThis[%q] = globalThis[%q]; delete globalThis[%q];`, backupKey, id, id)
	if _, err := c.engine.ExecuteScript(ctx, "reload:"+id+":stash", stashScript); err != nil {
		return "", nil, err
	}

	c.engine.ClearModuleLoaderCaches(id)
	specifier := fmt.Sprintf("file:///rari_hmr/server/%s.js?v=%d", id, time.Now().UnixMilli())
	c.engine.AddModuleToLoaderOnly(specifier, mod.Code)
	if err := c.engine.EvaluateModule(ctx, specifier); err != nil {
		restoreScript := fmt.Sprintf(`globalThis[%q] = globalThis[%q]; delete globalThis[%q];`, id, backupKey, backupKey)
		if _, restoreErr := c.engine.ExecuteScript(ctx, "reload:"+id+":restore", restoreScript); restoreErr != nil {
			return "", nil, fmt.Errorf("%w (restore after failed reload also failed: %v)", err, restoreErr)
		}
		return "", nil, err
	}

	discardScript := fmt.Sprintf(`delete globalThis[%q];`, backupKey)
	if _, err := c.engine.ExecuteScript(ctx, "reload:"+id+":discard-backup", discardScript); err != nil {
		return "", nil, err
	}

	return mod.Code, mod.Dependencies, nil
}

func (c *Coordinator) verify(ctx context.Context, id string) error {
	out, err := c.engine.ExecuteScript(ctx, "reload:"+id+":verify", fmt.Sprintf("typeof globalThis[%q] !== 'undefined'", id))
	if err != nil {
		return err
	}
	ok, _ := out.(bool)
	if !ok {
		return rarierrors.State(fmt.Sprintf("reload of %s did not bind a value", id))
	}
	return nil
}

// buildESMRegistrationScript binds the new default (or first function
// export) to globalThis[id], copies named function exports to globals, and
// records the HMR bookkeeping fields spec §4.9 names.
func buildESMRegistrationScript(id, specifier string, exportNames []string) string {
	var namesJS strings.Builder
	namesJS.WriteString("[")
	for i, n := range exportNames {
		if i > 0 {
			namesJS.WriteString(",")
		}
		fmt.Fprintf(&namesJS, "%q", n)
	}
	namesJS.WriteString("]")

	return fmt.Sprintf(`(function() {
  globalThis["~rsc"] = globalThis["~rsc"] || {};
  globalThis["~rsc"].modules = globalThis["~rsc"].modules || {};
  delete globalThis[%q];
  delete globalThis["~rsc"].modules[%q];

  var exportNames = %s;
  var mainExport = null;

  if (typeof globalThis.__rari_module_default__ !== 'undefined') {
    mainExport = globalThis.__rari_module_default__;
  } else {
    for (var i = 0; i < exportNames.length; i++) {
      var v;
      try { v = eval(exportNames[i]); } catch (e) { continue; }
      if (typeof v === 'function') { mainExport = v; break; }
    }
  }

  if (mainExport !== null) {
    globalThis[%q] = mainExport;
  }

  for (var j = 0; j < exportNames.length; j++) {
    var name = exportNames[j];
    var val;
    try { val = eval(name); } catch (e) { continue; }
    if (typeof val === 'function') {
      globalThis[name] = val;
    }
  }

  globalThis["~rsc"].modules[%q] = {
    __hmr_timestamp: Date.now(),
    __hmr_specifier: %q,
  };
})();
`, id, id, namesJS.String(), id, id, specifier)
}

func readArtifact(distPath string) (string, error) {
	content, err := os.ReadFile(distPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", rarierrors.NotFound(fmt.Sprintf("build artefact not found: %s", distPath))
		}
		return "", rarierrors.IoError("failed to read build artefact", err)
	}
	return string(content), nil
}

func headOf(s string) string {
	if len(s) <= headSnapshotLen {
		return s
	}
	return s[:headSnapshotLen]
}

// isESM reports whether source contains a top-level `export ` pattern.
func isESM(source string) bool {
	return strings.Contains(source, "export ")
}

// validatePath rejects empty paths, traversal escaping the project root,
// and absolute paths outside the project root, returning the root-relative
// path with backslashes normalised to forward slashes.
func validatePath(projectRoot, filePath string) (string, error) {
	if strings.TrimSpace(filePath) == "" {
		return "", rarierrors.Validation("file path must not be empty")
	}

	normalized := strings.ReplaceAll(filePath, "\\", "/")

	if filepath.IsAbs(normalized) {
		absRoot, err := filepath.Abs(projectRoot)
		if err != nil {
			return "", rarierrors.IoError("failed to resolve project root", err)
		}
		rel, err := filepath.Rel(absRoot, normalized)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", rarierrors.Validation(fmt.Sprintf("path %q is outside the project root", filePath))
		}
		normalized = strings.ReplaceAll(rel, "\\", "/")
	}

	cleaned := filepath.ToSlash(filepath.Clean(normalized))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", rarierrors.Validation(fmt.Sprintf("path %q escapes the project root", filePath))
	}

	return strings.TrimPrefix(cleaned, "/"), nil
}

// deriveComponentID strips the project-relative path down to its source
// extension-free form, which doubles as the component's registration key.
func deriveComponentID(relPath string) string {
	ext := filepath.Ext(relPath)
	for _, known := range sourceExtensions {
		if ext == known {
			relPath = strings.TrimSuffix(relPath, ext)
			break
		}
	}
	return strings.TrimPrefix(relPath, "/")
}

func (c *Coordinator) artifactPath(componentID string) string {
	return filepath.Join(c.projectRoot, "dist", "server", componentID+".js")
}
