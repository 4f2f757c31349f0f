// Package engine implements the JS Engine Host (C2): one persistent goja
// runtime per process, serialised through a mutex, pre-loaded with a small
// fetch-style bridge surface and a console that forwards to the host log.
//
// The runtime is constructed once and shared across every render rather
// than created fresh per call, since the registry's globalThis bindings
// must survive across calls; a mutex guards concurrent access instead of
// relying on per-call isolation.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	rarierrors "github.com/rari-build/rari/infrastructure/errors"
	"github.com/rari-build/rari/infrastructure/logging"
)

// DefaultScriptTimeout matches spec §4.2's default per-call execution limit.
const DefaultScriptTimeout = 3000 * time.Millisecond

// moduleRecord tracks a staged/evaluated ES-module-shaped source, keyed by
// specifier. Import resolution is not performed by this loader: per spec §9
// the import graph is for observability only and cross-module references
// resolve lazily through the registry proxy, so each module body is run as
// an independent script whose "export" statements are downgraded to plain
// bindings before evaluation.
type moduleRecord struct {
	specifier string
	source    string
	evaluated bool
	exports   []string
	namespace map[string]interface{}
}

// Engine is the single-instance JS host. All calls are serialised through mu.
type Engine struct {
	mu            sync.Mutex
	vm            *goja.Runtime
	logger        *logging.Logger
	scriptTimeout time.Duration
	modules       map[string]*moduleRecord
	needsReset    bool
}

// New constructs the engine, runs the bridge bootstrap, and snapshots the
// process environment into globalThis.process.env.
func New(scriptTimeout time.Duration, logger *logging.Logger) (*Engine, error) {
	if scriptTimeout <= 0 {
		scriptTimeout = DefaultScriptTimeout
	}
	e := &Engine{
		vm:            goja.New(),
		logger:        logger,
		scriptTimeout: scriptTimeout,
		modules:       make(map[string]*moduleRecord),
	}
	if err := e.bootstrap(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) bootstrap() error {
	console := e.vm.NewObject()
	logFn := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			msg := strings.Join(parts, " ")
			if e.logger != nil {
				switch level {
				case "error":
					e.logger.Error(context.Background(), msg, nil, nil)
				case "warn":
					e.logger.Warn(context.Background(), msg, nil)
				default:
					e.logger.Debug(context.Background(), msg, nil)
				}
			}
			return goja.Undefined()
		}
	}
	_ = console.Set("log", logFn("log"))
	_ = console.Set("info", logFn("log"))
	_ = console.Set("warn", logFn("warn"))
	_ = console.Set("error", logFn("error"))
	if err := e.vm.Set("console", console); err != nil {
		return rarierrors.JsRuntime("failed to install console bridge", err)
	}

	if _, err := e.vm.RunString(bridgeBootstrapScript); err != nil {
		return rarierrors.JsRuntime("failed to install bridge surface", err)
	}

	envObj := e.vm.NewObject()
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			_ = envObj.Set(parts[0], parts[1])
		}
	}
	process := e.vm.NewObject()
	_ = process.Set("env", envObj)
	if err := e.vm.Set("process", process); err != nil {
		return rarierrors.JsRuntime("failed to install process.env snapshot", err)
	}
	if _, err := e.vm.RunString(`Object.freeze(process.env); Object.freeze(process);`); err != nil {
		return rarierrors.JsRuntime("failed to freeze process.env", err)
	}

	if _, err := e.vm.RunString(`globalThis["~rsc"] = globalThis["~rsc"] || { modules: {}, componentData: {} };
globalThis["~serverFunctions"] = globalThis["~serverFunctions"] || { all: {} };
globalThis["~rari"] = globalThis["~rari"] || { manualRegister: {} };`); err != nil {
		return rarierrors.JsRuntime("failed to install namespaced globals", err)
	}

	if _, err := e.vm.RunString(jsxRuntimeBootstrapScript); err != nil {
		return rarierrors.JsRuntime("failed to install jsx runtime shim", err)
	}

	return nil
}

// bridgeBootstrapScript installs the fetch-style shims spec §4.2 names.
const bridgeBootstrapScript = `
(function() {
  function Headers(init) {
    this._map = {};
    if (init) {
      for (var k in init) {
        if (Object.prototype.hasOwnProperty.call(init, k)) {
          this._map[k.toLowerCase()] = String(init[k]);
        }
      }
    }
  }
  Headers.prototype.get = function(name) { return this._map[name.toLowerCase()] ?? null; };
  Headers.prototype.set = function(name, value) { this._map[name.toLowerCase()] = String(value); };
  Headers.prototype.has = function(name) { return name.toLowerCase() in this._map; };
  Headers.prototype.forEach = function(cb) {
    for (var k in this._map) { cb(this._map[k], k); }
  };
  globalThis.Headers = Headers;

  function Request(url, init) {
    init = init || {};
    this.url = url;
    this.method = init.method || 'GET';
    this.headers = init.headers instanceof Headers ? init.headers : new Headers(init.headers);
    this.body = init.body ?? null;
  }
  globalThis.Request = Request;

  function Response(body, init) {
    init = init || {};
    this.body = body;
    this.status = init.status ?? 200;
    this.statusText = init.statusText ?? '';
    this.headers = init.headers instanceof Headers ? init.headers : new Headers(init.headers);
    this.ok = this.status >= 200 && this.status < 300;
  }
  Response.prototype.json = function() { return Promise.resolve(JSON.parse(this.body)); };
  Response.prototype.text = function() { return Promise.resolve(String(this.body)); };
  globalThis.Response = Response;

  if (typeof globalThis.URL === 'undefined') {
    function URL(href, base) {
      var full = href;
      this.href = full;
      var m = /^([a-z]+:)\/\/([^\/]+)(\/[^?#]*)?(\?[^#]*)?(#.*)?$/i.exec(full) || [];
      this.protocol = m[1] || '';
      this.host = m[2] || '';
      this.pathname = m[3] || '/';
      this.search = m[4] || '';
      this.hash = m[5] || '';
    }
    globalThis.URL = URL;
  }

  if (typeof globalThis.TextEncoder === 'undefined') {
    function TextEncoder() {}
    TextEncoder.prototype.encode = function(str) {
      var bytes = [];
      for (var i = 0; i < str.length; i++) {
        bytes.push(str.charCodeAt(i) & 0xff);
      }
      return new Uint8Array(bytes);
    };
    globalThis.TextEncoder = TextEncoder;
  }
  if (typeof globalThis.TextDecoder === 'undefined') {
    function TextDecoder() {}
    TextDecoder.prototype.decode = function(bytes) {
      var s = '';
      for (var i = 0; i < bytes.length; i++) {
        s += String.fromCharCode(bytes[i]);
      }
      return s;
    };
    globalThis.TextDecoder = TextDecoder;
  }
})();
`

// jsxRuntimeBootstrapScript installs a react/jsx-runtime-shaped factory so
// transformed JSX (`jsx(type, props, key)`) produces the 4-tuple element the
// renderer's in-engine serialiser expects (spec §4.5's element encoding)
// without a real React dependency inside the engine.
const jsxRuntimeBootstrapScript = `
(function() {
  function jsx(type, props, key) {
    return ["$", type, key === undefined ? null : key, props || {}];
  }
  globalThis["~rari"].jsxRuntime = {
    jsx: jsx,
    jsxs: jsx,
    jsxDEV: function(type, props, key) { return jsx(type, props, key); },
    Fragment: "react.fragment",
  };
})();
`

// ExecuteScript runs source synchronously, returning the last expression
// value converted to a Go value by goja's Export (nil for undefined/null).
// Matches spec §4.2's execute_script.
func (e *Engine) ExecuteScript(ctx context.Context, name, source string) (interface{}, error) {
	val, err := e.run(ctx, func() (goja.Value, error) {
		prg, err := goja.Compile(name, source, false)
		if err != nil {
			return nil, rarierrors.JsExecution(name, err.Error())
		}
		return e.vm.RunProgram(prg)
	})
	if err != nil {
		return nil, err
	}
	return exportValue(val), nil
}

// ExecuteFunction calls a globalThis-bound function by name with JSON args.
func (e *Engine) ExecuteFunction(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	val, err := e.run(ctx, func() (goja.Value, error) {
		fnVal := e.vm.Get(name)
		fn, ok := goja.AssertFunction(fnVal)
		if !ok {
			return nil, rarierrors.NotFound(fmt.Sprintf("%s is not a function", name))
		}
		gojaArgs := make([]goja.Value, len(args))
		for i, a := range args {
			gojaArgs[i] = e.vm.ToValue(a)
		}
		return fn(goja.Undefined(), gojaArgs...)
	})
	if err != nil {
		return nil, err
	}
	return exportValue(val), nil
}

// AddModuleToLoaderOnly stages a module without evaluating it.
func (e *Engine) AddModuleToLoaderOnly(specifier, source string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modules[specifier] = &moduleRecord{specifier: specifier, source: source}
}

// LoadESModule registers (if not already staged) and returns the module id,
// which is the specifier itself in this loader.
func (e *Engine) LoadESModule(specifier, source string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.modules[specifier]; !ok {
		e.modules[specifier] = &moduleRecord{specifier: specifier, source: source}
	}
	return specifier
}

// EvaluateModule runs a staged module's body. Export statements are
// downgraded to plain bindings (`export const x` -> `const x`, `export
// default expr` -> `globalThis.__rari_module_default__ = expr`) so the
// bare goja runtime, which has no native ESM support, can execute them as
// a script; downstream lookups reconstruct the namespace from those names.
func (e *Engine) EvaluateModule(ctx context.Context, moduleID string) error {
	e.mu.Lock()
	rec, ok := e.modules[moduleID]
	e.mu.Unlock()
	if !ok {
		return rarierrors.NotFound(fmt.Sprintf("module %q not staged", moduleID))
	}

	body, exportNames := downgradeExports(rec.source)
	_, err := e.run(ctx, func() (goja.Value, error) {
		prg, cerr := goja.Compile(moduleID, body, false)
		if cerr != nil {
			return nil, rarierrors.JsExecution(moduleID, cerr.Error())
		}
		return e.vm.RunProgram(prg)
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	rec.evaluated = true
	rec.exports = exportNames
	return nil
}

// GetModuleNamespace reads the current values of every exported binding a
// module declared, by name, from the global scope.
func (e *Engine) GetModuleNamespace(ctx context.Context, moduleID string) (map[string]interface{}, error) {
	e.mu.Lock()
	rec, ok := e.modules[moduleID]
	e.mu.Unlock()
	if !ok || !rec.evaluated {
		return nil, rarierrors.NotFound(fmt.Sprintf("module %q not evaluated", moduleID))
	}

	ns := make(map[string]interface{}, len(rec.exports))
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range rec.exports {
		ns[name] = exportValue(e.vm.Get(name))
	}
	return ns, nil
}

// ClearModuleLoaderCaches drops every staged module whose specifier
// contains componentID, matching spec §4.3's reload-time cache clearing.
func (e *Engine) ClearModuleLoaderCaches(componentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for spec := range e.modules {
		if strings.Contains(spec, componentID) {
			delete(e.modules, spec)
		}
	}
}

// NeedsReset reports whether the engine hit a heap-exhaustion condition and
// must be recreated before serving the next request (spec §7).
func (e *Engine) NeedsReset() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.needsReset
}

// run serialises access to the shared runtime, enforces the per-call
// timeout via goja's interrupt mechanism, and maps panics/interrupts to
// the tagged error kinds spec §4.2 names.
func (e *Engine) run(ctx context.Context, fn func() (goja.Value, error)) (val goja.Value, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	timeout := e.scriptTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until > 0 && until < timeout {
			timeout = until
		}
	}

	timer := time.AfterFunc(timeout, func() {
		e.vm.Interrupt("timeout")
	})
	defer timer.Stop()

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			if strings.Contains(strings.ToLower(msg), "stack") || strings.Contains(strings.ToLower(msg), "memory") {
				e.needsReset = true
				err = rarierrors.HeapExhausted(fmt.Errorf("%v", r))
				return
			}
			err = rarierrors.JsRuntime("script panicked", fmt.Errorf("%v", r))
		}
	}()

	val, err = fn()
	if err != nil {
		if _, ok := err.(*goja.InterruptedError); ok {
			return nil, rarierrors.Timeout(fmt.Sprintf("script execution exceeded %s", timeout))
		}
		if rarierrors.IsRariError(err) {
			return nil, err
		}
		return nil, rarierrors.JsRuntime("script execution failed", err)
	}
	return val, nil
}

func exportValue(v goja.Value) interface{} {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// downgradeExports rewrites top-level export statements into plain
// bindings and returns the list of exported names discovered. An export
// that follows "; " on the same line is first moved onto its own line, since
// only statements that start a line are rewritten.
func downgradeExports(source string) (string, []string) {
	source = strings.ReplaceAll(source, "; export ", ";\nexport ")
	lines := strings.Split(source, "\n")
	var names []string
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "export default "):
			rest := strings.TrimPrefix(trimmed, "export default ")
			lines[i] = "globalThis.__rari_module_default__ = " + rest
			names = append(names, "__rari_module_default__")
		case strings.HasPrefix(trimmed, "export const "), strings.HasPrefix(trimmed, "export let "), strings.HasPrefix(trimmed, "export var "):
			rewritten := strings.TrimPrefix(trimmed, "export ")
			lines[i] = rewritten
			if name := firstIdentifier(rewritten); name != "" {
				names = append(names, name)
			}
		case strings.HasPrefix(trimmed, "export async function "):
			rewritten := "async function " + strings.TrimPrefix(trimmed, "export async function ")
			lines[i] = rewritten
			if name := firstIdentifier(strings.TrimPrefix(rewritten, "async ")); name != "" {
				names = append(names, name)
			}
		case strings.HasPrefix(trimmed, "export function "):
			rewritten := strings.TrimPrefix(trimmed, "export ")
			lines[i] = rewritten
			if name := firstIdentifier(rewritten); name != "" {
				names = append(names, name)
			}
		}
	}
	return strings.Join(lines, "\n"), names
}

func firstIdentifier(decl string) string {
	decl = strings.TrimPrefix(decl, "const ")
	decl = strings.TrimPrefix(decl, "let ")
	decl = strings.TrimPrefix(decl, "var ")
	decl = strings.TrimPrefix(decl, "function ")
	decl = strings.TrimPrefix(decl, "async function ")
	var b strings.Builder
	for _, r := range decl {
		if r == '=' || r == '(' || r == ' ' || r == ';' {
			break
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MarshalJSONValue is a small helper for callers composing render scripts
// that need to embed a JSON-encoded Go value as a JS literal.
func MarshalJSONValue(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", rarierrors.Serialization(err.Error())
	}
	return string(b), nil
}
