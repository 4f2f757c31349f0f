package main

import (
	"encoding/json"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	rcache "github.com/rari-build/rari/infrastructure/cache"
	rarierrors "github.com/rari-build/rari/infrastructure/errors"
	"github.com/rari-build/rari/infrastructure/logging"
	slmetrics "github.com/rari-build/rari/infrastructure/metrics"
	"github.com/rari-build/rari/infrastructure/middleware"
	"github.com/rari-build/rari/internal/config"
	"github.com/rari-build/rari/internal/rsc/engine"
	"github.com/rari-build/rari/internal/rsc/htmlstream"
	"github.com/rari-build/rari/internal/rsc/registry"
	"github.com/rari-build/rari/internal/rsc/render"
	"github.com/rari-build/rari/internal/rsc/transform"
	"github.com/rari-build/rari/internal/rsc/wireformat"
)

// server bundles the wiring every RSC endpoint handler needs: the engine,
// registry, cache, config, logger, and (since spec §4.10 distinguishes
// dev/prod error projections) the running mode.
type server struct {
	cfg     *config.Config
	engine  *engine.Engine
	reg     *registry.Registry
	cache   *rcache.ResponseCache
	logger  *logging.Logger
	metrics *slmetrics.Metrics
	started time.Time
}

func newServer(cfg *config.Config, eng *engine.Engine, reg *registry.Registry, respCache *rcache.ResponseCache, logger *logging.Logger, m *slmetrics.Metrics) *server {
	return &server{cfg: cfg, engine: eng, reg: reg, cache: respCache, logger: logger, metrics: m, started: time.Now()}
}

// renderRequest is the body shape for /api/rsc/render and /api/rsc/stream.
type renderRequest struct {
	ComponentID string          `json:"component_id"`
	Props       json.RawMessage `json:"props,omitempty"`
}

// renderResponse is spec §6's /api/rsc/render body shape.
type renderResponse struct {
	Success      bool   `json:"success"`
	Data         string `json:"data,omitempty"`
	Error        string `json:"error,omitempty"`
	ComponentID  string `json:"component_id"`
	RenderTimeMS int64  `json:"render_time_ms"`
}

func (s *server) propsJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// handleRender implements POST /api/rsc/render.
func (s *server) handleRender(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	start := time.Now()
	result, err := render.ToRSC(r.Context(), s.engine, req.ComponentID, s.propsJSON(req.Props))
	elapsed := time.Since(start)
	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordRender("rari", req.ComponentID, status, elapsed)
	}

	if err != nil {
		s.writeJSON(w, rarierrors.GetHTTPStatus(err), renderResponse{
			Success:      false,
			Error:        rarierrors.SafeMessage(err, s.cfg.IsDevelopment()),
			ComponentID:  req.ComponentID,
			RenderTimeMS: elapsed.Milliseconds(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, renderResponse{
		Success:      true,
		Data:         result.RSC,
		ComponentID:  req.ComponentID,
		RenderTimeMS: elapsed.Milliseconds(),
	})
}

// handleStream implements POST /api/rsc/stream: a chunked text/x-component
// body carrying the raw RSC row text. The render is already complete by
// the time this handler runs (C4 resolves async output before returning),
// so "streaming" here means the transport framing, not incremental render.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	result, err := render.ToRSC(r.Context(), s.engine, req.ComponentID, s.propsJSON(req.Props))
	if err != nil {
		s.writeErrorBody(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/x-component")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)
	if flusher, ok := w.(http.Flusher); ok {
		_, _ = w.Write([]byte(result.RSC))
		flusher.Flush()
		return
	}
	_, _ = w.Write([]byte(result.RSC))
}

type registerRequest struct {
	ComponentID   string `json:"component_id"`
	ComponentCode string `json:"component_code"`
}

// handleRegister implements POST /api/rsc/register: it runs the source
// through C1, stages the wrapper via the module pipeline (not a raw
// ExecuteScript — the wrapper's trailing export statements require it),
// and records the component in C3.
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ComponentID) == "" || strings.TrimSpace(req.ComponentCode) == "" {
		s.writeErrorBody(w, rarierrors.Validation("component_id and component_code are required"))
		return
	}

	mod, err := transform.Transform(req.ComponentCode, req.ComponentID, transform.Options{})
	if err != nil {
		s.reg.Register(req.ComponentID, req.ComponentCode, "", nil)
		_ = s.reg.MarkFailed(req.ComponentID)
		s.writeErrorBody(w, err)
		return
	}

	specifier := "file:///rari/register/" + req.ComponentID + ".js?v=" + strconv.FormatInt(time.Now().UnixNano(), 10)
	s.engine.AddModuleToLoaderOnly(specifier, mod.Code)
	if err := s.engine.EvaluateModule(r.Context(), specifier); err != nil {
		s.reg.Register(req.ComponentID, req.ComponentCode, mod.Code, mod.Dependencies)
		_ = s.reg.MarkFailed(req.ComponentID)
		s.writeErrorBody(w, err)
		return
	}

	s.reg.Register(req.ComponentID, req.ComponentCode, mod.Code, mod.Dependencies)
	_ = s.reg.MarkLoaded(req.ComponentID)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "component_id": req.ComponentID})
}

type registerClientRequest struct {
	ComponentID string `json:"component_id"`
	FilePath    string `json:"file_path"`
	ExportName  string `json:"export_name"`
}

// handleRegisterClient implements POST /api/rsc/register-client.
func (s *server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	var req registerClientRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ComponentID) == "" || strings.TrimSpace(req.FilePath) == "" {
		s.writeErrorBody(w, rarierrors.Validation("component_id and file_path are required"))
		return
	}
	s.reg.RegisterClient(req.ComponentID, req.FilePath, req.ExportName)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "component_id": req.ComponentID})
}

// handleHealth implements GET /api/rsc/health.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleStatus implements GET /api/rsc/status.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                "ok",
		"mode":                  string(s.cfg.Mode),
		"uptime_seconds":        int64(time.Since(s.started).Seconds()),
		"request_count":         requestCounter.Load(),
		"components_registered": s.reg.Count(),
		"memory_usage": map[string]interface{}{
			"alloc_bytes":       mem.Alloc,
			"total_alloc_bytes": mem.TotalAlloc,
			"sys_bytes":         mem.Sys,
		},
	})
}

// handleRenderByID implements GET /rsc/render/:component_id. Per spec §6
// it returns RSC wire bytes; when the client's Accept header prefers
// text/html, the raw rows are converted through C6 into a complete HTML
// document (and the result is served through C7) instead, following the
// data-flow diagram's "C6 converts rows to HTML (or C7 serves a cached
// byte body)" branch — spec §6 does not separately enumerate this page
// route, so the two representations share the one GET path.
func (s *server) handleRenderByID(w http.ResponseWriter, r *http.Request) {
	componentID := mux.Vars(r)["component_id"]
	if componentID == "" {
		s.writeErrorBody(w, rarierrors.Validation("component_id is required"))
		return
	}

	propsJSON := "{}"
	if raw := r.URL.Query().Get("props"); raw != "" {
		if decoded, err := url.QueryUnescape(raw); err == nil {
			propsJSON = decoded
		}
	}

	wantsHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	cacheKey := rcache.GenerateCacheKey("/rsc/render/"+componentID, map[string]string{"props": propsJSON, "html": strconv.FormatBool(wantsHTML)})
	if cached, ok := s.cache.Get(cacheKey); ok {
		for k, v := range cached.Headers {
			w.Header().Set(k, v)
		}
		w.Header().Set("ETag", cached.Metadata.ETag)
		if s.metrics != nil {
			s.metrics.RecordCacheHit("rari")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(cached.Body)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordCacheMiss("rari")
	}

	result, err := render.ToRSC(r.Context(), s.engine, componentID, propsJSON)
	if err != nil {
		s.writeErrorBody(w, err)
		return
	}

	if !wantsHTML {
		s.respondAndCache(w, cacheKey, "/rsc/render/"+componentID, []byte(result.RSC), map[string]string{"Content-Type": "text/x-component"})
		return
	}

	html, err := renderDocument(result)
	if err != nil {
		s.writeErrorBody(w, err)
		return
	}
	s.respondAndCache(w, cacheKey, "/rsc/render/"+componentID, []byte(html), map[string]string{"Content-Type": "text/html; charset=utf-8"})
}

// renderDocument converts a completed render's rows into a single HTML
// document by replaying two chunk events: the shell (rendered from the root
// row) and then the closing payload. No boundary update is sent, so a
// Suspense boundary in the document shows only its fallback; its children
// are not rendered into the HTML (they remain in the embedded RSC payload).
func renderDocument(result *render.Result) (string, error) {
	rows, err := wireformat.Parse(result.RSC)
	if err != nil {
		return "", err
	}
	rowMap := make(map[uint32]wireformat.RscElement, len(rows))
	for _, row := range rows {
		rowMap[row.RowID] = row.Payload
	}

	rootID, ok := parseRootRef(result.RootRef)
	if !ok && len(rows) > 0 {
		rootID = rows[len(rows)-1].RowID
		ok = true
	}

	conv := htmlstream.New("", "")
	var doc strings.Builder
	if ok {
		shell, err := conv.Convert(htmlstream.Chunk{RowID: rootID, Type: htmlstream.ChunkInitialShell}, rowMap)
		if err != nil {
			return "", err
		}
		doc.WriteString(shell)
	}

	payload, _ := json.Marshal(map[string]interface{}{"rsc": result.RSC})
	closingData, _ := json.Marshal(map[string]json.RawMessage{"payload": payload})
	closing, err := conv.Convert(htmlstream.Chunk{Type: htmlstream.ChunkStreamComplete, Data: closingData}, rowMap)
	if err != nil {
		return "", err
	}
	doc.WriteString(closing)
	return doc.String(), nil
}

func parseRootRef(ref string) (uint32, bool) {
	rest, ok := strings.CutPrefix(ref, "$L")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func (s *server) respondAndCache(w http.ResponseWriter, cacheKey, route string, body []byte, headers map[string]string) {
	etag := rcache.GenerateETag(body)
	headers["ETag"] = etag
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)

	policy := rcache.DefaultRoutePolicy()
	s.cache.Set(cacheKey, rcache.CachedResponse{
		Body:    body,
		Headers: headers,
		Metadata: rcache.Metadata{
			CachedAt: time.Now(),
			TTL:      policy.TTL,
			ETag:     etag,
			Tags:     []string{route},
		},
	})
}

func (s *server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *server) writeErrorBody(w http.ResponseWriter, err error) {
	status := rarierrors.GetHTTPStatus(err)
	projection := rarierrors.Project(err, s.cfg.IsDevelopment())
	s.writeJSON(w, status, projection)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := middleware.ValidateJSON(r.Body, maxRequestBodyBytes, v); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(rarierrors.Project(rarierrors.Validation("invalid JSON body"), false))
		return false
	}
	return true
}

const maxRequestBodyBytes = 8 << 20

// requestCounter backs /api/rsc/status's request_count field.
var requestCounter atomic.Int64

func requestCounterMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCounter.Add(1)
		next.ServeHTTP(w, r)
	})
}
