package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rcache "github.com/rari-build/rari/infrastructure/cache"
	"github.com/rari-build/rari/internal/config"
	"github.com/rari-build/rari/internal/rsc/engine"
	"github.com/rari-build/rari/internal/rsc/registry"
)

func newTestServer(t *testing.T) *server {
	t.Helper()
	eng, err := engine.New(0, nil)
	require.NoError(t, err)
	cfg := config.New()
	return newServer(cfg, eng, registry.New(), rcache.NewResponseCache(rcache.DefaultConfig()), nil, nil)
}

func bindComponent(t *testing.T, eng *engine.Engine, id, body string) {
	t.Helper()
	script := `globalThis[` + jsonString(id) + `] = ` + body + `;`
	_, err := eng.ExecuteScript(context.Background(), "test:bind", script)
	require.NoError(t, err)
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestHandleHealth_ReturnsHealthy(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/rsc/health", nil)
	rec := httptest.NewRecorder()

	s.handleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestHandleRender_Success(t *testing.T) {
	s := newTestServer(t)
	bindComponent(t, s.engine, "app/widget", `function(props) { return ["$", "div", null, {}]; }`)

	body, _ := json.Marshal(renderRequest{ComponentID: "app/widget"})
	req := httptest.NewRequest(http.MethodPost, "/api/rsc/render", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.handleRender(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp renderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "app/widget", resp.ComponentID)
	assert.NotEmpty(t, resp.Data)
}

func TestHandleRender_UnregisteredComponentReturnsError(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(renderRequest{ComponentID: "app/missing"})
	req := httptest.NewRequest(http.MethodPost, "/api/rsc/render", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.handleRender(rec, req)

	var resp renderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestHandleRegisterClient_RegistersComponent(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(registerClientRequest{ComponentID: "app/button", FilePath: "app/button.tsx", ExportName: "default"})
	req := httptest.NewRequest(http.MethodPost, "/api/rsc/register-client", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.handleRegisterClient(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, s.reg.IsRegistered("app/button"))
}

func TestHandleRegister_StagesComponentThroughEngine(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(registerRequest{
		ComponentID:   "app/greeting",
		ComponentCode: `export default function Greeting(props) { return ["$", "span", null, {}]; }`,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/rsc/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.handleRegister(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	comp, ok := s.reg.Get("app/greeting")
	require.True(t, ok)
	assert.Equal(t, registry.StateLoaded, comp.LoadState)
}

func TestHandleRenderByID_ReturnsWireBytes(t *testing.T) {
	s := newTestServer(t)
	bindComponent(t, s.engine, "app/page", `function(props) { return ["$", "section", null, {}]; }`)

	req := httptest.NewRequest(http.MethodGet, "/rsc/render/app/page", nil)
	req = mux.SetURLVars(req, map[string]string{"component_id": "app/page"})
	rec := httptest.NewRecorder()

	s.handleRenderByID(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/x-component", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Body.String())
}

func TestParseRootRef(t *testing.T) {
	id, ok := parseRootRef("$L3")
	require.True(t, ok)
	assert.Equal(t, uint32(3), id)

	_, ok = parseRootRef("not-a-ref")
	assert.False(t, ok)
}
