package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	rarierrors "github.com/rari-build/rari/infrastructure/errors"
	"github.com/rari-build/rari/infrastructure/logging"
	"github.com/rari-build/rari/internal/config"
	"github.com/rari-build/rari/internal/rsc/engine"
	"github.com/rari-build/rari/internal/rsc/registry"
	"github.com/rari-build/rari/internal/rsc/transform"
)

// manifestEntry is one value of server-manifest.json's "components" map
// (spec §6's on-disk layout).
type manifestEntry struct {
	BundlePath      string `json:"bundlePath"`
	ModuleSpecifier string `json:"moduleSpecifier,omitempty"`
}

// serverManifest is the optional dist/server-manifest.json shape; its
// absence means no components are pre-loaded at startup.
type serverManifest struct {
	Components map[string]manifestEntry `json:"components"`
}

// loadServerManifest reads and parses dist/server-manifest.json. A missing
// file is not an error (spec §6: "absent ⇒ no pre-loaded components").
func loadServerManifest(path string) (*serverManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &serverManifest{Components: map[string]manifestEntry{}}, nil
		}
		return nil, rarierrors.IoError("failed to read server manifest", err)
	}
	var m serverManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, rarierrors.Validation(fmt.Sprintf("malformed server manifest: %v", err))
	}
	if m.Components == nil {
		m.Components = map[string]manifestEntry{}
	}
	return &m, nil
}

// loadInitialComponents stages every manifest-listed component's build
// artefact into the engine and registers it, continuing past individual
// failures (a broken component at startup should not take the whole
// process down — it is simply unavailable until a reload fixes it).
//
// Every artefact goes through the same module-staging pipeline the reload
// coordinator uses (AddModuleToLoaderOnly + EvaluateModule), never a raw
// ExecuteScript: C1's self-registering wrapper always ends in a trailing
// `export const`/`export function` tail, which is a syntax error under
// goja's script-mode compiler.
func loadInitialComponents(ctx context.Context, eng *engine.Engine, reg *registry.Registry, manifest *serverManifest, distDir string, logger *logging.Logger) {
	for id, entry := range manifest.Components {
		bundlePath := entry.BundlePath
		if bundlePath == "" {
			bundlePath = filepath.Join(distDir, "server", id+".js")
		} else if !filepath.IsAbs(bundlePath) {
			bundlePath = filepath.Join(distDir, bundlePath)
		}

		source, err := os.ReadFile(bundlePath)
		if err != nil {
			logger.Error(ctx, "failed to read component artefact at startup", err, map[string]interface{}{"component_id": id, "path": bundlePath})
			continue
		}

		specifier := entry.ModuleSpecifier
		if specifier == "" {
			specifier = fmt.Sprintf("file:///rari/server/%s.js", id)
		}

		eng.AddModuleToLoaderOnly(specifier, string(source))
		if err := eng.EvaluateModule(ctx, specifier); err != nil {
			logger.Error(ctx, "failed to evaluate component artefact at startup", err, map[string]interface{}{"component_id": id})
			reg.Register(id, string(source), string(source), transform.ExtractDependencies(string(source)))
			_ = reg.MarkFailed(id)
			continue
		}

		reg.Register(id, string(source), string(source), transform.ExtractDependencies(string(source)))
		_ = reg.MarkInitiallyLoaded(id)
		logger.Info(ctx, "registered component", map[string]interface{}{"component_id": id})
	}
}

// bootstrapComponents loads dist/server-manifest.json (if present) and
// stages every listed component into the engine before the HTTP listener
// starts accepting requests.
func bootstrapComponents(ctx context.Context, cfg *config.Config, eng *engine.Engine, reg *registry.Registry, projectRoot string, logger *logging.Logger) {
	manifestPath := filepath.Join(projectRoot, cfg.Paths.DistDir, "server-manifest.json")
	manifest, err := loadServerManifest(manifestPath)
	if err != nil {
		logger.Error(ctx, "failed to load server manifest", err, nil)
		return
	}
	loadInitialComponents(ctx, eng, reg, manifest, filepath.Join(projectRoot, cfg.Paths.DistDir), logger)
}
