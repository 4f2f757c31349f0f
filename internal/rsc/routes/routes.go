// Package routes implements the API Route Table (C8): manifest-driven
// pattern matching against `[p]`/`[...p]`/`[[...p]]` dynamic segments, the
// build-artefact path resolution for a matched route's handler module, and
// the HTTP dispatch glue that composes and executes the handler's script
// inside the JS engine.
package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	rarierrors "github.com/rari-build/rari/infrastructure/errors"
	"github.com/rari-build/rari/internal/rsc/engine"
)

// RouteSegmentType tags one path segment's kind in the manifest.
type RouteSegmentType string

const (
	SegmentStatic           RouteSegmentType = "static"
	SegmentDynamic          RouteSegmentType = "dynamic"
	SegmentCatchAll         RouteSegmentType = "catch-all"
	SegmentOptionalCatchAll RouteSegmentType = "optional-catch-all"
)

// RouteSegment is one decomposed path segment from the manifest.
type RouteSegment struct {
	Type  RouteSegmentType `json:"type"`
	Value string           `json:"value"`
	Param string           `json:"param,omitempty"`
}

// RouteEntry is one manifest entry (spec §4.8's ApiRouteEntry).
type RouteEntry struct {
	Path      string         `json:"path"`
	FilePath  string         `json:"filePath"`
	Segments  []RouteSegment `json:"segments"`
	Params    []string       `json:"params"`
	IsDynamic bool           `json:"isDynamic"`
	Methods   []string       `json:"methods"`
}

// Manifest is the top-level `{ apiRoutes: [...] }` document.
type Manifest struct {
	APIRoutes []RouteEntry `json:"apiRoutes"`
}

// LoadManifestFromFile reads and parses a manifest file.
func LoadManifestFromFile(manifestPath string) (Manifest, error) {
	content, err := os.ReadFile(manifestPath)
	if err != nil {
		return Manifest{}, rarierrors.IoError("failed to read API route manifest", err)
	}
	var m Manifest
	if err := json.Unmarshal(content, &m); err != nil {
		return Manifest{}, rarierrors.Validation(fmt.Sprintf("failed to parse API route manifest: %v", err))
	}
	return m, nil
}

// Match is a successfully matched route, its bound params, and the request
// method it was matched for.
type Match struct {
	Route  RouteEntry
	Params map[string]string
	Method string
}

type compiledHandler struct {
	moduleID     string
	code         string
	methods      []string
	lastModified time.Time
}

// Table is the route manifest plus its handler compile cache.
type Table struct {
	manifest      Manifest
	isDevelopment bool

	mu           sync.Mutex
	handlerCache map[string]*compiledHandler
}

// NewTable constructs a route table over an already-loaded manifest.
func NewTable(manifest Manifest, isDevelopment bool) *Table {
	return &Table{
		manifest:      manifest,
		isDevelopment: isDevelopment,
		handlerCache:  make(map[string]*compiledHandler),
	}
}

// ClearCache drops every cached compiled handler.
func (t *Table) ClearCache() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlerCache = make(map[string]*compiledHandler)
}

// InvalidateHandler drops the cached handler for one file.
func (t *Table) InvalidateHandler(filePath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlerCache, filePath)
}

// GetSupportedMethods returns the declared methods of whichever route
// pattern-matches path, if any.
func (t *Table) GetSupportedMethods(requestPath string) ([]string, bool) {
	normalized := NormalizePath(requestPath)
	for _, route := range t.manifest.APIRoutes {
		if _, ok := matchRoutePattern(route, normalized); ok {
			return route.Methods, true
		}
	}
	return nil, false
}

// MatchRoute finds the manifest entry whose pattern matches path, enforcing
// that method is one of its declared methods.
func (t *Table) MatchRoute(requestPath, method string) (*Match, error) {
	normalized := NormalizePath(requestPath)
	for _, route := range t.manifest.APIRoutes {
		params, ok := matchRoutePattern(route, normalized)
		if !ok {
			continue
		}
		if !containsMethodFold(route.Methods, method) {
			return nil, rarierrors.BadRequest(
				fmt.Sprintf("method %s not allowed for route %s. supported methods: %s", method, route.Path, strings.Join(route.Methods, ", ")),
			).WithDetail("error_type", "method_not_allowed").WithDetail("allowed_methods", strings.Join(route.Methods, ","))
		}
		return &Match{Route: route, Params: params, Method: method}, nil
	}
	return nil, rarierrors.NotFound(fmt.Sprintf("no API route found for path: %s", requestPath))
}

func containsMethodFold(methods []string, method string) bool {
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// matchRoutePattern is spec §4.8's left-to-right segment matcher.
//
// Resolved discrepancy: a zero-length `[[...p]]` match binds p = "" here.
// The literal source material leaves p unbound in that case, but spec.md
// §8 states explicitly that `/blog/[[...rest]]` matching path `/blog`
// binds `rest = ""`, and invariant P6 requires every declared parameter to
// be bound — spec.md is authoritative over the source material where the
// two disagree.
func matchRoutePattern(route RouteEntry, requestPath string) (map[string]string, bool) {
	routeSegments := splitSegments(route.Path)
	pathSegments := splitSegments(requestPath)

	params := make(map[string]string)
	routeIdx, pathIdx := 0, 0

	for routeIdx < len(routeSegments) {
		seg := routeSegments[routeIdx]

		if strings.HasPrefix(seg, "[[...") && strings.HasSuffix(seg, "]]") {
			name := seg[5 : len(seg)-2]
			remaining := ""
			if pathIdx < len(pathSegments) {
				remaining = strings.Join(pathSegments[pathIdx:], "/")
			}
			params[name] = remaining
			return params, true
		}

		if strings.HasPrefix(seg, "[...") && strings.HasSuffix(seg, "]") {
			name := seg[4 : len(seg)-1]
			if pathIdx >= len(pathSegments) {
				return nil, false
			}
			params[name] = strings.Join(pathSegments[pathIdx:], "/")
			return params, true
		}

		if strings.HasPrefix(seg, "[") && strings.HasSuffix(seg, "]") {
			if pathIdx >= len(pathSegments) {
				return nil, false
			}
			name := seg[1 : len(seg)-1]
			params[name] = pathSegments[pathIdx]
			pathIdx++
			routeIdx++
			continue
		}

		if pathIdx >= len(pathSegments) || seg != pathSegments[pathIdx] {
			return nil, false
		}
		pathIdx++
		routeIdx++
	}

	if pathIdx == len(pathSegments) {
		return params, true
	}
	return nil, false
}

func splitSegments(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// NormalizePath strips query/fragment and ensures a leading slash.
func NormalizePath(requestPath string) string {
	p := strings.TrimSpace(requestPath)
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if i := strings.IndexByte(p, '#'); i >= 0 {
		p = p[:i]
	}
	if p == "" || !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// encodeBracketSegments rewrites Next.js-style bracket segments into the
// underscored placeholders: `[p]` -> `_p_`, `[...p]` -> `____p_`,
// `[[...p]]` -> `_____p__` (two trailing underscores, confirmed against
// api_routes.rs's bracket encoder, not three — this is the on-disk dist
// artefact name the bundler actually emits). Shared by FileToModuleKey and
// ResolveDistPath, which differ only in the surrounding prefix/extension
// handling, not in this encoding (the source material duplicates this
// routine verbatim in both call sites; this port keeps it as one helper).
func encodeBracketSegments(s string) string {
	var b strings.Builder
	runes := []rune(s)
	i := 0
	for i < len(runes) {
		ch := runes[i]
		if ch != '[' {
			b.WriteRune(ch)
			i++
			continue
		}

		switch {
		case hasAt(runes, i+1, "[...") :
			b.WriteString("_____")
			i += 1 + len("[...")
			for i < len(runes) {
				if runes[i] == ']' && i+1 < len(runes) && runes[i+1] == ']' {
					b.WriteString("__")
					i += 2
					break
				}
				b.WriteRune(runes[i])
				i++
			}
		case hasAt(runes, i+1, "..."):
			b.WriteString("____")
			i += 1 + len("...")
			for i < len(runes) {
				if runes[i] == ']' {
					b.WriteByte('_')
					i++
					break
				}
				b.WriteRune(runes[i])
				i++
			}
		default:
			b.WriteByte('_')
			i++
			for i < len(runes) {
				if runes[i] == ']' {
					b.WriteByte('_')
					i++
					break
				}
				b.WriteRune(runes[i])
				i++
			}
		}
	}
	return b.String()
}

func hasAt(runes []rune, idx int, prefix string) bool {
	p := []rune(prefix)
	if idx+len(p) > len(runes) {
		return false
	}
	for i, r := range p {
		if runes[idx+i] != r {
			return false
		}
	}
	return true
}

// FileToModuleKey derives the globalThis registration key a loaded API
// route module is bound under: "app/" + file_path with its source
// extension stripped, then bracket-encoded.
func FileToModuleKey(filePath string) string {
	key := "app/" + filePath
	for _, ext := range []string{".tsx", ".jsx", ".ts", ".js"} {
		if strings.HasSuffix(key, ext) {
			key = strings.TrimSuffix(key, ext)
			break
		}
	}
	return encodeBracketSegments(key)
}

// ResolveDistPath maps a route's file_path to its on-disk build artefact
// under dist/server/app/, bracket-encoding the raw (still-extensioned)
// path before replacing the extension with .js.
func ResolveDistPath(filePath string) string {
	encoded := encodeBracketSegments(filePath)
	ext := filepath.Ext(encoded)
	base := strings.TrimSuffix(encoded, ext)
	return filepath.Join("dist", "server", "app", base+".js")
}

func detectHTTPMethods(code string) []string {
	methods := []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}
	var detected []string
	for _, m := range methods {
		pattern := fmt.Sprintf(`export\s+(?:async\s+)?function\s+%s\s*\(|export\s+const\s+%s\s*[=:]`, m, m)
		if regexp.MustCompile(pattern).MatchString(code) {
			detected = append(detected, m)
		}
	}
	return detected
}

// LoadHandler reads (or returns the cached copy of) the compiled handler
// module for route, re-checking the on-disk mtime in development mode.
func (t *Table) LoadHandler(route RouteEntry) (*compiledHandler, error) {
	t.mu.Lock()
	cached, ok := t.handlerCache[route.FilePath]
	t.mu.Unlock()

	distPath := ResolveDistPath(route.FilePath)

	if ok {
		if !t.isDevelopment {
			return cached, nil
		}
		if info, err := os.Stat(distPath); err == nil {
			if !info.ModTime().After(cached.lastModified) {
				return cached, nil
			}
		}
	}

	info, err := os.Stat(distPath)
	if err != nil {
		return nil, rarierrors.NotFound(fmt.Sprintf("handler file not found: %s", distPath))
	}

	code, err := os.ReadFile(distPath)
	if err != nil {
		return nil, rarierrors.IoError("failed to read handler file", err)
	}

	moduleID := strings.ReplaceAll(
		strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(
			strings.TrimPrefix(route.FilePath, "api/"), ".ts"), ".tsx"), ".js"), ".jsx"),
		"/", "_",
	)

	compiled := &compiledHandler{
		moduleID:     moduleID,
		code:         string(code),
		methods:      detectHTTPMethods(string(code)),
		lastModified: info.ModTime(),
	}

	t.mu.Lock()
	t.handlerCache[route.FilePath] = compiled
	t.mu.Unlock()

	return compiled, nil
}

// HandlerRequest is the inbound HTTP request shape handed to the script.
type HandlerRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Params  map[string]string `json:"params"`
}

// HandlerResponse is what create_response() translates a JS handler result
// shape into.
type HandlerResponse struct {
	Status     int
	StatusText string
	Headers    map[string]string
	Body       string
}

// ExecuteHandler composes and runs the handler-execution script described
// by spec §4.8's "Dispatch" note, then decodes its JS result shape.
//
// Runs in the same kickoff-then-fetch pattern as the RSC renderer: the
// engine's single runtime never awaits a top-level async IIFE directly, so
// the handler's result is stashed onto a uniquely-named global and read
// back with a second ExecuteScript call.
func ExecuteHandler(ctx context.Context, eng *engine.Engine, handler *compiledHandler, filePath string, req HandlerRequest) (*HandlerResponse, error) {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, rarierrors.Serialization(err.Error())
	}
	moduleKey := FileToModuleKey(filePath)
	resultVar := fmt.Sprintf("__rari_api_%d_%d__", time.Now().UnixNano(), atomic.AddUint64(&handlerCallCounter, 1))

	kickoff := buildHandlerScript(resultVar, handler.code, string(reqJSON), moduleKey, req.Method)
	if _, err := eng.ExecuteScript(ctx, "api_route_"+handler.moduleID, kickoff); err != nil {
		return nil, rarierrors.JsExecution(handler.moduleID, err.Error())
	}

	raw, err := eng.ExecuteScript(ctx, "api_route_"+handler.moduleID+":fetch", fmt.Sprintf("globalThis[%q]", resultVar))
	if err != nil {
		return nil, rarierrors.JsExecution(handler.moduleID, err.Error())
	}

	text, ok := raw.(string)
	if !ok {
		return nil, rarierrors.Serialization(fmt.Sprintf("handler %s produced no result", handler.moduleID))
	}

	var obj struct {
		Status     int               `json:"status"`
		StatusText string            `json:"statusText"`
		Headers    map[string]string `json:"headers"`
		Body       string            `json:"body"`
	}
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, rarierrors.Serialization(fmt.Sprintf("handler %s result was not valid JSON: %v", handler.moduleID, err))
	}

	resp := &HandlerResponse{
		Status:     obj.Status,
		StatusText: obj.StatusText,
		Headers:    obj.Headers,
		Body:       obj.Body,
	}
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	return resp, nil
}

var handlerCallCounter uint64

func buildHandlerScript(resultVar, handlerCode, requestJSON, moduleKey, method string) string {
	return fmt.Sprintf(`(async function() {
  %s

  function finish(result) {
    globalThis[%q] = JSON.stringify(result);
  }

  try {
    const requestData = %s;
    const url = new URL(requestData.url, 'http://localhost');
    if (requestData.params) {
      for (const key in requestData.params) {
        url.searchParams.set(key, requestData.params[key]);
      }
    }
    const headers = new Headers(requestData.headers || {});
    const request = new Request(url.toString(), {
      method: requestData.method,
      headers: headers,
      body: requestData.body || undefined,
    });
    const context = { params: requestData.params || {} };

    const moduleKey = %q;
    const moduleExports = globalThis[moduleKey];

    let handler;
    if (typeof moduleExports === 'function') {
      handler = moduleExports;
    } else if (moduleExports && typeof moduleExports === 'object') {
      handler = moduleExports[%q];
    }

    if (typeof handler !== 'function') {
      finish({
        status: 404,
        statusText: 'Not Found',
        headers: { 'content-type': 'application/json' },
        body: JSON.stringify({ error: 'Not Found', message: 'handler ' + %q + ' is not a function in module ' + moduleKey }),
      });
      return;
    }

    const result = await handler(request, context);

    if (result instanceof Response) {
      const body = await result.text();
      const outHeaders = {};
      result.headers.forEach(function(value, key) { outHeaders[key] = value; });
      finish({ status: result.status, statusText: result.statusText, headers: outHeaders, body: body });
      return;
    }
    finish({ status: 200, headers: { 'content-type': 'application/json' }, body: JSON.stringify(result) });
  } catch (error) {
    finish({
      status: 500,
      statusText: 'Internal Server Error',
      headers: { 'content-type': 'application/json' },
      body: JSON.stringify({ error: 'Internal Server Error', message: error && error.message ? error.message : String(error) }),
    });
  }
})();
`, handlerCode, resultVar, requestJSON, moduleKey, method, method)
}

// RegisterRoutes wires the API route table into a gorilla/mux router: a
// single catch-all under /api/ that defers matching to the manifest so the
// dynamic-segment rules above (not mux's own pattern syntax) decide.
func RegisterRoutes(router *mux.Router, table *Table, eng *engine.Engine) {
	router.PathPrefix("/api/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		match, err := table.MatchRoute(r.URL.Path, r.Method)
		if err != nil {
			writeRouteError(w, err)
			return
		}

		handler, err := table.LoadHandler(match.Route)
		if err != nil {
			writeRouteError(w, err)
			return
		}

		body, _ := readBody(r)
		headerMap := make(map[string]string, len(r.Header))
		for k := range r.Header {
			headerMap[k] = r.Header.Get(k)
		}

		resp, err := ExecuteHandler(r.Context(), eng, handler, match.Route.FilePath, HandlerRequest{
			Method:  r.Method,
			URL:     r.URL.String(),
			Headers: headerMap,
			Body:    body,
			Params:  match.Params,
		})
		if err != nil {
			writeRouteError(w, err)
			return
		}

		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		if resp.Status == 0 {
			resp.Status = http.StatusOK
		}
		w.WriteHeader(resp.Status)
		_, _ = w.Write([]byte(resp.Body))
	})
}

func readBody(r *http.Request) (string, error) {
	if r.Body == nil {
		return "", nil
	}
	buf := make([]byte, 0, 1024)
	tmp := make([]byte, 1024)
	for {
		n, err := r.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			break
		}
	}
	return string(buf), nil
}

func writeRouteError(w http.ResponseWriter, err error) {
	status := rarierrors.GetHTTPStatus(err)
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	projection := rarierrors.Project(err, false)
	msg, _ := json.Marshal(projection)
	_, _ = w.Write(msg)
}
