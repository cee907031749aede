package mcphttp

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dsmcp/internal/adapter/outbound/dsmodel"
	"dsmcp/internal/adapter/outbound/memstore"
	"dsmcp/internal/domain"
	"dsmcp/internal/usecase"
	"dsmcp/pkg/shared/mcpjsonrpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const initializeBody = `{
	"jsonrpc": "2.0",
	"id": 1,
	"method": "initialize",
	"params": {
		"protocolVersion": "2025-03-26",
		"capabilities": {},
		"clientInfo": {"name": "test-client", "version": "0.0.1"}
	}
}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testModel() *domain.Model {
	return &domain.Model{Definitions: map[string]*domain.Definition{
		"CatalogService": {Kind: domain.KindService, Name: "CatalogService"},
		"CatalogService.Books": {
			Kind: domain.KindEntity,
			Name: "CatalogService.Books",
			Elements: map[string]*domain.Element{
				"ID":    {Type: domain.TypeUUID, Key: true},
				"title": {Type: domain.TypeString, NotNull: true},
			},
		},
	}}
}

func testAnnotations() map[string]*domain.Annotation {
	return map[string]*domain.Annotation{
		"CatalogService.Books": {
			Kind: domain.AnnotationResource,
			Resource: &domain.ResourceAnnotation{
				Common: domain.Common{
					Name:        "books",
					Description: "All books.",
					Target:      "CatalogService.Books",
					ServiceName: "CatalogService",
				},
				Readable:        true,
				Functionalities: domain.AllQueryFunctionalities(),
				Properties:      map[string]string{"ID": domain.TypeUUID, "title": domain.TypeString},
				Keys:            map[string]string{"ID": domain.TypeUUID},
				Wrap:            &domain.WrapConfig{Tools: true, Modes: []string{"query", "get"}},
			},
		},
	}
}

func newTestHandler(t *testing.T, authEnabled bool) *Handler {
	t.Helper()
	logger := testLogger()
	model := testModel()
	store := memstore.New(model, logger)
	rt := &usecase.RuntimeContext{Model: model, Services: store, Logger: logger}
	registrar := usecase.NewRegistrar(rt, dsmodel.NewTypeMapper(model, logger), usecase.Options{AuthEnabled: authEnabled})
	sessions := NewSessionManager(0, logger)
	cfg := ServerConfig{Name: "dsmcp-test", Version: "0.0.0", ToolsListChanged: true}
	return NewHandler(registrar, testAnnotations(), sessions, cfg, authEnabled, logger)
}

func postMCP(t *testing.T, h *Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInitializeCreatesSession(t *testing.T) {
	h := newTestHandler(t, false)

	rec := postMCP(t, h, initializeBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sid := rec.Header().Get("Mcp-Session-Id")
	require.NotEmpty(t, sid)
	assert.Equal(t, 1, h.sessions.Len())

	var resp mcpjsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Error)
	assert.NotNil(t, resp.Result)
}

func TestSessionRoutingAndToolListing(t *testing.T) {
	h := newTestHandler(t, false)

	rec := postMCP(t, h, initializeBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sid := rec.Header().Get("Mcp-Session-Id")

	// Initialized notification has no response body.
	rec = postMCP(t, h, `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		map[string]string{"Mcp-Session-Id": sid})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = postMCP(t, h, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		map[string]string{"Mcp-Session-Id": sid})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sid, rec.Header().Get("Mcp-Session-Id"))

	var resp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	names := make([]string, 0, len(resp.Result.Tools))
	for _, tool := range resp.Result.Tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "CatalogService_Books_query")
	assert.Contains(t, names, "CatalogService_Books_get")

	// A single session, reused across requests.
	assert.Equal(t, 1, h.sessions.Len())
}

func TestNonInitializeWithoutSessionIsRejected(t *testing.T) {
	h := newTestHandler(t, false)

	rec := postMCP(t, h, `{"jsonrpc":"2.0","id":9,"method":"tools/list"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp mcpjsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcpjsonrpc.CodeInvalidRequest, resp.Error.Code)
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	h := newTestHandler(t, false)

	rec := postMCP(t, h, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`,
		map[string]string{"Mcp-Session-Id": "does-not-exist"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp mcpjsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcpjsonrpc.CodeServerErrorSessionNotFound, resp.Error.Code)
}

func TestMalformedBodyIsParseError(t *testing.T) {
	h := newTestHandler(t, false)

	rec := postMCP(t, h, `{not json`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp mcpjsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcpjsonrpc.CodeParseError, resp.Error.Code)
}

func TestDeleteEndsSession(t *testing.T) {
	h := newTestHandler(t, false)

	rec := postMCP(t, h, initializeBody, nil)
	sid := rec.Header().Get("Mcp-Session-Id")
	require.NotEmpty(t, sid)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Mcp-Session-Id", sid)
	del := httptest.NewRecorder()
	h.ServeHTTP(del, req)
	assert.Equal(t, http.StatusNoContent, del.Code)
	assert.Equal(t, 0, h.sessions.Len())

	// Deleting again is a miss.
	del = httptest.NewRecorder()
	h.ServeHTTP(del, req)
	assert.Equal(t, http.StatusNotFound, del.Code)

	req = httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	del = httptest.NewRecorder()
	h.ServeHTTP(del, req)
	assert.Equal(t, http.StatusBadRequest, del.Code)
}

func TestUnsupportedMethodIsRejected(t *testing.T) {
	h := newTestHandler(t, false)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST, DELETE", rec.Header().Get("Allow"))
}

func TestHealthzReportsSessionCount(t *testing.T) {
	h := newTestHandler(t, false)
	routes := h.Routes()

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, 0, status.Sessions)
}

func TestIdentityDerivation(t *testing.T) {
	h := newTestHandler(t, true)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	user := h.identity(req)
	assert.Equal(t, "anonymous", user.Name())
	assert.False(t, user.Is("authenticated-user"))

	req = httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("X-MCP-User", "alice")
	req.Header.Set("X-MCP-Roles", "admin, viewer")
	user = h.identity(req)
	assert.Equal(t, "alice", user.Name())
	assert.True(t, user.Is("authenticated-user"))
	assert.True(t, user.Is("admin"))
	assert.True(t, user.Is("viewer"))
	assert.False(t, user.Is("editor"))

	h = newTestHandler(t, false)
	user = h.identity(httptest.NewRequest(http.MethodPost, "/mcp", nil))
	assert.True(t, user.Is("anything"), "disabled auth grants a privileged identity")
}

func TestSessionManagerIdleEviction(t *testing.T) {
	m := NewSessionManager(time.Minute, testLogger())
	sess := m.Create(nil, domain.PrivilegedUser{})
	require.Equal(t, 1, m.Len())

	// Fresh sessions survive a sweep.
	m.evictIdle()
	assert.Equal(t, 1, m.Len())

	sess.mu.Lock()
	sess.lastActive = time.Now().Add(-2 * time.Minute)
	sess.mu.Unlock()
	m.evictIdle()
	assert.Equal(t, 0, m.Len())
}
