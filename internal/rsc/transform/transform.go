// Package transform implements the Source Transformer (C1): it parses
// TS/JSX source, applies the automatic JSX runtime transform, strips the
// "use server" directive, and emits a self-registering module wrapper
// along with the extracted import graph.
package transform

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/evanw/esbuild/pkg/api"

	rarierrors "github.com/rari-build/rari/infrastructure/errors"
)

// maxSourceBytes bounds both input and output size (spec §4.1).
const maxSourceBytes = 50 * 1024 * 1024

const (
	sentinelJSX    = "// Self-registering Production Component:"
	sentinelNonJSX = "// Self-registering Non-JSX Module:"
)

// TransformedModule is the result of a successful transform (spec §4.1 contract).
type TransformedModule struct {
	Code              string
	Dependencies      []string
	DefaultExportName string
	NamedExports      []string
}

// Options controls optional, flagged-off-by-default behaviour.
//
// LegacyRewrites enables the regex-based post-codegen string substitutions
// (template-literal expansion, logical-and-to-ternary conversion) that the
// source material historically applied to work around engine peculiarities.
// Per spec §9's open question these are treated as a fallback, opt-in path.
type Options struct {
	LegacyRewrites bool
}

var (
	importRegex        = regexp.MustCompile(`(?:import|from)\s*(['"])(.*?)(['"])`)
	exportDefaultRe    = regexp.MustCompile(`export\s+default\s+([^;]+);?`)
	exportNamedRe      = regexp.MustCompile(`export\s+((?:async\s+)?function\s+\w+[^;]*|const\s+\w+[^;]*|let\s+\w+[^;]*|var\s+\w+[^;]*|class\s+\w+[^;]*)`)
	importStmtRe       = regexp.MustCompile(`(import\s+(?:[\w\s{},*]+\s+from\s+)?['"].*?['"];?)`)
	jsxRuntimeImportRe = regexp.MustCompile(`import\s*\{([^}]*)\}\s*from\s*['"]react/jsx-(?:dev-)?runtime['"];?`)
	logicalAndStrRe    = regexp.MustCompile(`(\w+(?:\.\w+)*)\s*&&\s*["']([^"']*)['"]\s*`)
	logicalOrRe        = regexp.MustCompile(`([a-zA-Z_$][a-zA-Z0-9_$]*(?:\.[a-zA-Z_$][a-zA-Z0-9_$]*)*)\s*\|\|\s*([a-zA-Z_$][a-zA-Z0-9_$]*(?:\.[a-zA-Z_$][a-zA-Z0-9_$]*)*)`)
)

// ExtractDependencies returns the import specifiers that qualify as
// dependencies: not rooted at "react", and relative or path-like.
func ExtractDependencies(code string) []string {
	var deps []string
	for _, m := range importRegex.FindAllStringSubmatch(code, -1) {
		if len(m) < 3 {
			continue
		}
		spec := m[2]
		if strings.HasPrefix(spec, "react") {
			continue
		}
		if strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") || strings.Contains(spec, "/") {
			deps = append(deps, spec)
		}
	}
	return deps
}

// HashComponentID returns the stable hex-encoded 64-bit hash used for the
// engine-side registration key (spec §4.1, §9's frozen xxHash choice).
func HashComponentID(componentID string) string {
	return fmt.Sprintf("%x", xxhash.Sum64String(componentID))
}

// Transform implements the C1 contract: transform(source, component_id).
func Transform(source, componentID string, opts Options) (*TransformedModule, error) {
	if len(source) > maxSourceBytes {
		return nil, rarierrors.JsExecution(componentID,
			fmt.Sprintf("JSX input too large to process safely: %d bytes (max: %d bytes)", len(source), maxSourceBytes))
	}

	if strings.Contains(source, sentinelJSX) || strings.Contains(source, sentinelNonJSX) ||
		(strings.Contains(source, "globalThis[\"~serverFunctions\"]") && strings.Contains(source, "globalThis[\"~rari\"].manualRegister")) {
		return &TransformedModule{Code: source, Dependencies: ExtractDependencies(source)}, nil
	}

	isJSX := strings.Contains(source, "<") && strings.Contains(source, ">")

	preprocessed := strings.NewReplacer(
		`'use server'`, `// 'use server'`,
		`"use server"`, `// "use server"`,
	).Replace(source)

	loader := api.LoaderTS
	if isJSX {
		loader = api.LoaderTSX
	}

	result := api.Transform(preprocessed, api.TransformOptions{
		Loader:          loader,
		Format:          api.FormatESModule,
		JSX:             api.JSXAutomatic,
		JSXImportSource: "react",
		Sourcefile:      componentID,
	})

	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return nil, rarierrors.JsExecution(componentID, strings.Join(msgs, "\n"))
	}

	code := string(result.Code)
	if len(code) > maxSourceBytes {
		return nil, rarierrors.JsExecution(componentID,
			fmt.Sprintf("Transformed JavaScript too large: %d bytes (max: %d bytes)", len(code), maxSourceBytes))
	}

	if opts.LegacyRewrites {
		code = applyLegacyRewrites(code)
	}

	deps := ExtractDependencies(code)

	imports := importStmtRe.FindAllString(code, -1)
	// Import statements are recorded for observability (Dependencies) but
	// never executed: the engine has no ES-module resolver, so
	// cross-component references are left to resolve lazily through the
	// registry proxy (spec §9's design note on cyclic module graphs).
	var keptImports []string
	for _, imp := range imports {
		if strings.Contains(imp, `from 'react'`) || strings.Contains(imp, `from "react"`) {
			continue
		}
		// The automatic JSX runtime import (esbuild's JSXAutomatic output)
		// is the one import the wrapper must actually keep live: it's the
		// only thing standing between transformed JSX and a ReferenceError
		// on jsx/jsxs/Fragment, so it's rewritten into bindings against the
		// engine's installed jsx-runtime shim instead of being commented out.
		if m := jsxRuntimeImportRe.FindStringSubmatch(imp); m != nil {
			keptImports = append(keptImports, rewriteJSXRuntimeBindings(m[1]))
			continue
		}
		keptImports = append(keptImports, "// "+imp)
	}
	codeWithoutImports := strings.TrimSpace(importStmtRe.ReplaceAllString(code, ""))

	defaultExpr := "null"
	if m := exportDefaultRe.FindStringSubmatch(codeWithoutImports); m != nil {
		defaultExpr = strings.TrimSpace(m[1])
		if (strings.HasPrefix(defaultExpr, "function") || strings.HasPrefix(defaultExpr, "async function")) && strings.Contains(defaultExpr, "(") {
			fields := strings.FieldsFunc(defaultExpr, func(r rune) bool { return r == ' ' || r == '(' })
			if strings.HasPrefix(defaultExpr, "async function") {
				if len(fields) > 2 && fields[2] != "" {
					defaultExpr = fields[2]
				}
			} else if len(fields) > 1 && fields[1] != "" {
				defaultExpr = fields[1]
			}
		}
	}

	var namedExports []string
	for _, m := range exportNamedRe.FindAllStringSubmatch(codeWithoutImports, -1) {
		exportStr := m[1]
		var name string
		switch {
		case strings.HasPrefix(exportStr, "function "):
			name = firstWord(exportStr, 1)
		case strings.HasPrefix(exportStr, "const "), strings.HasPrefix(exportStr, "let "), strings.HasPrefix(exportStr, "var "), strings.HasPrefix(exportStr, "class "):
			name = firstWord(exportStr, 1)
		}
		if name != "" {
			namedExports = append(namedExports, name)
		}
	}

	componentHash := HashComponentID(componentID)
	registrationKey := "Component_" + componentHash

	mainExportExpr := defaultExpr
	if mainExportExpr == "null" {
		if len(namedExports) == 1 {
			mainExportExpr = namedExports[0]
		}
	}

	exportExprForDirectImport := defaultExpr
	if exportExprForDirectImport == "null" {
		switch {
		case len(namedExports) == 1:
			exportExprForDirectImport = namedExports[0]
		case len(namedExports) > 1:
			exportExprForDirectImport = "{ " + strings.Join(namedExports, ", ") + " }"
		default:
			exportExprForDirectImport = "function() { return null; }"
		}
	}

	moduleCode := buildWrapper(wrapperParams{
		componentID:      componentID,
		registrationKey:  registrationKey,
		imports:          strings.Join(keptImports, "\n"),
		body:             codeWithoutImports,
		mainExportExpr:   mainExportOrFallback(mainExportExpr),
		directImportExpr: exportExprForDirectImport,
	})

	if len(moduleCode) > maxSourceBytes {
		return nil, rarierrors.JsExecution(componentID,
			fmt.Sprintf("Final JavaScript too large after wrapping: %d bytes (max: %d bytes)", len(moduleCode), maxSourceBytes))
	}

	var defaultExportName string
	if defaultExpr != "null" {
		defaultExportName = defaultExpr
	}

	return &TransformedModule{
		Code:              moduleCode,
		Dependencies:      deps,
		DefaultExportName: defaultExportName,
		NamedExports:      namedExports,
	}, nil
}

// rewriteJSXRuntimeBindings turns `jsx, jsxs as _jsxs, Fragment` into const
// bindings against globalThis["~rari"].jsxRuntime, preserving `as` aliases.
func rewriteJSXRuntimeBindings(specifierList string) string {
	var lines []string
	for _, part := range strings.Split(specifierList, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, local := part, part
		if idx := strings.Index(part, " as "); idx >= 0 {
			name = strings.TrimSpace(part[:idx])
			local = strings.TrimSpace(part[idx+len(" as "):])
		}
		lines = append(lines, fmt.Sprintf(`const %s = globalThis["~rari"].jsxRuntime.%s;`, local, name))
	}
	return strings.Join(lines, "\n")
}

func mainExportOrFallback(expr string) string {
	if expr == "" {
		return "null"
	}
	return expr
}

func firstWord(s string, idx int) string {
	fields := strings.Fields(s)
	if idx >= len(fields) {
		return ""
	}
	return strings.TrimFunc(fields[idx], func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '$')
	})
}

// applyLegacyRewrites performs the fragile post-codegen string substitutions
// the source material historically relied on. Opt-in only; see spec §9.
func applyLegacyRewrites(code string) string {
	code = strings.ReplaceAll(code, " && React.createElement", " ? React.createElement : null")
	code = logicalAndStrRe.ReplaceAllString(code, `$1 ? '$2' : null`)
	code = logicalOrRe.ReplaceAllString(code, "$1 ? $1 : $2")
	return code
}

type wrapperParams struct {
	componentID      string
	registrationKey  string
	imports          string
	body             string
	mainExportExpr   string
	directImportExpr string
}

// buildWrapper emits the self-registering module wrapper spec §4.1 describes:
// bind globalThis[componentKey]/[registrationKey], populate
// globalThis["~serverFunctions"].all, and register a manual-reregister
// callback under globalThis["~rari"].manualRegister.
func buildWrapper(p wrapperParams) string {
	return fmt.Sprintf(`%s
"use module";
%s

%s

(function() {
    const componentKey = %q;
    const registrationKey = %q;
    let mainExport = null;

    globalThis["~rari"] = globalThis["~rari"] || {};
    globalThis["~rari"].manualRegister = globalThis["~rari"].manualRegister || {};
    globalThis["~serverFunctions"] = globalThis["~serverFunctions"] || { all: {} };
    globalThis["~serverFunctions"].all = globalThis["~serverFunctions"].all || {};

    if (typeof %s !== 'undefined') {
        mainExport = %s;
    }

    if (mainExport !== null) {
        if (!globalThis[componentKey]) {
            globalThis[componentKey] = mainExport;
        }
        if (!globalThis[registrationKey]) {
            globalThis[registrationKey] = mainExport;
        }

        if (typeof mainExport === 'object') {
            for (const exportName in mainExport) {
                if (typeof mainExport[exportName] === 'function') {
                    globalThis["~serverFunctions"].all[exportName] = mainExport[exportName];
                }
            }
        } else if (typeof mainExport === 'function') {
            const fnName = mainExport.name || ('fn_' + componentKey);
            globalThis["~serverFunctions"].all[fnName] = mainExport;
        }
    }

    globalThis["~rari"].manualRegister[componentKey] = () => {
        if (mainExport !== null) {
            globalThis[componentKey] = mainExport;
            globalThis[registrationKey] = mainExport;
            return true;
        }
        return false;
    };
})();

export const __rari_main_export = %s;
export function __rari_register() { return true; }

export const __registry_proxy = new Proxy({}, {
  get: function(target, prop) {
    if (globalThis["~serverFunctions"] && globalThis["~serverFunctions"].all && typeof globalThis["~serverFunctions"].all[prop] === 'function') {
      return globalThis["~serverFunctions"].all[prop];
    }
    if (typeof globalThis[prop] === 'function') {
      return globalThis[prop];
    }
    return undefined;
  }
});
`, sentinelJSX, fmt.Sprintf("// Transformed ES Module for: %s", p.componentID), p.imports+"\n"+p.body,
		p.componentID, p.registrationKey, p.mainExportExpr, p.mainExportExpr, p.directImportExpr)
}
