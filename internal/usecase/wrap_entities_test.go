package usecase

import (
	"context"
	"testing"

	"dsmcp/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectKeys(t *testing.T) {
	res := booksResource()

	tests := []struct {
		name        string
		args        map[string]any
		wantKeys    map[string]any
		wantMissing []string
	}{
		{
			name:     "direct key argument",
			args:     map[string]any{"ID": "b1", "title": "x"},
			wantKeys: map[string]any{"ID": "b1"},
		},
		{
			name:     "case-insensitive lookup",
			args:     map[string]any{"id": "b1"},
			wantKeys: map[string]any{"ID": "b1"},
		},
		{
			name:     "keys object",
			args:     map[string]any{"keys": map[string]any{"ID": "b1"}},
			wantKeys: map[string]any{"ID": "b1"},
		},
		{
			name:     "bare single-key shorthand",
			args:     map[string]any{"keys": "b1"},
			wantKeys: map[string]any{"ID": "b1"},
		},
		{
			name:        "missing key reported",
			args:        map[string]any{"title": "x"},
			wantKeys:    map[string]any{},
			wantMissing: []string{"ID"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			keys, missing := collectKeys(res, tc.args)
			assert.Equal(t, tc.wantKeys, keys)
			assert.Equal(t, tc.wantMissing, missing)
		})
	}
}

func TestCollectKeysCoercesNumericStrings(t *testing.T) {
	res := &domain.ResourceAnnotation{
		Common:     domain.Common{Target: "Svc.Orders", ServiceName: "Svc"},
		Properties: map[string]string{"seq": domain.TypeInteger},
		Keys:       map[string]string{"seq": domain.TypeInteger},
	}
	keys, missing := collectKeys(res, map[string]any{"seq": " 42 "})
	require.Empty(t, missing)
	assert.Equal(t, float64(42), keys["seq"])
}

func TestNormalizePayload(t *testing.T) {
	res := booksResource()
	args := map[string]any{
		"keys":      map[string]any{"ID": "b1"},
		"ID":        "b1",
		"title":     "Ligeia",
		"stock":     "12",
		"author":    map[string]any{"name": "Poe"},
		"createdAt": "2026-01-01T00:00:00Z",
		"rating":    5,
	}

	data := normalizePayload(res, args, true)
	assert.Equal(t, map[string]any{"title": "Ligeia", "stock": float64(12)}, data,
		"keys argument, key fields, associations, computed and unknown fields are all dropped")

	withKeys := normalizePayload(res, args, false)
	assert.Equal(t, "b1", withKeys["ID"])
}

func TestOmitFieldsStripsConfiguredFields(t *testing.T) {
	res := booksResource()
	row := map[string]any{"ID": "b1", "title": "x", "internalNote": "secret"}
	out := omitFields(row, res)
	assert.NotContains(t, out, "internalNote")
	assert.Equal(t, "x", out["title"])
	// The source row is left untouched.
	assert.Contains(t, row, "internalNote")
}

func TestDecodeQueryRequestRejectsMalformedClauses(t *testing.T) {
	_, result := decodeQueryRequest(map[string]any{
		"where": []any{"stock > 10"},
	})
	require.NotNil(t, result)
	assertErrorCode(t, result, CodeInvalidInput)
}

func TestWrapperNames(t *testing.T) {
	assert.Equal(t, "CatalogService_Books_query", wrapperName(booksResource(), "query"))
}

// --- end-to-end wrapper execution through the fake store ---

func wrapperFixture(t *testing.T, store *fakeStore) *fakeServer {
	t.Helper()
	srv := newFakeServer()
	registrar := newTestRegistrar(store, Options{WrapEntities: true})
	registrar.RegisterAll(srv, map[string]*domain.Annotation{
		"CatalogService.Books": {Kind: domain.AnnotationResource, Resource: booksResource()},
	}, domain.PrivilegedUser{})
	return srv
}

func seededStore() *fakeStore {
	store := newFakeStore()
	store.rows["CatalogService.Books"] = []map[string]any{
		{"ID": "b1", "title": "The Raven", "stock": 333, "author_ID": "a1", "internalNote": "reorder"},
		{"ID": "b2", "title": "Eleonora", "stock": 5, "author_ID": "a2"},
	}
	return store
}

func TestWrapperQuery(t *testing.T) {
	srv := wrapperFixture(t, seededStore())

	result := callTool(t, srv, "CatalogService_Books_query", map[string]any{
		"where":  []any{map[string]any{"field": "stock", "op": "gt", "value": float64(10)}},
		"select": []any{"title", "stock"},
	})
	require.False(t, result.IsError)
	payload := decodePayload(t, result)
	rows := payload["rows"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "The Raven", rows[0].(map[string]any)["title"])
}

func TestWrapperQueryExplain(t *testing.T) {
	srv := wrapperFixture(t, seededStore())

	result := callTool(t, srv, "CatalogService_Books_query", map[string]any{
		"explain": true,
		"filter":  "stock gt 10",
		"top":     float64(5),
	})
	require.False(t, result.IsError)
	payload := decodePayload(t, result)
	q := payload["query"].(string)
	assert.Contains(t, q, "SELECT * FROM CatalogService.Books")
	assert.Contains(t, q, "stock > 10")
	assert.Contains(t, q, "LIMIT 5")
}

func TestWrapperQuerySurfacesValidationCodes(t *testing.T) {
	srv := wrapperFixture(t, seededStore())

	result := callTool(t, srv, "CatalogService_Books_query", map[string]any{
		"filter": "author eq 'Poe'",
	})
	assertErrorCode(t, result, "UNKNOWN_PROPERTY")

	result = callTool(t, srv, "CatalogService_Books_query", map[string]any{
		"filter": "title eq 'x' or 1=1",
	})
	assertErrorCode(t, result, "FORBIDDEN_PATTERN")
}

func TestWrapperGet(t *testing.T) {
	srv := wrapperFixture(t, seededStore())

	result := callTool(t, srv, "CatalogService_Books_get", map[string]any{"ID": "b1"})
	require.False(t, result.IsError)
	record := decodePayload(t, result)["record"].(map[string]any)
	assert.Equal(t, "The Raven", record["title"])
	assert.NotContains(t, record, "internalNote")
}

func TestWrapperGetMissIsNotAnError(t *testing.T) {
	srv := wrapperFixture(t, seededStore())

	result := callTool(t, srv, "CatalogService_Books_get", map[string]any{"ID": "nope"})
	require.False(t, result.IsError)
	payload := decodePayload(t, result)
	assert.Nil(t, payload["record"])
}

func TestWrapperGetMissingKey(t *testing.T) {
	srv := wrapperFixture(t, seededStore())

	result := callTool(t, srv, "CatalogService_Books_get", map[string]any{})
	payload := assertErrorCode(t, result, CodeMissingKey)
	assert.Contains(t, payload["message"], "ID")
}

func TestWrapperCreateCommitsAndStripsOmittedFields(t *testing.T) {
	store := seededStore()
	srv := wrapperFixture(t, store)

	result := callTool(t, srv, "CatalogService_Books_create", map[string]any{
		"ID":           "b3",
		"title":        "Ulalume",
		"stock":        float64(9),
		"internalNote": "first print",
	})
	require.False(t, result.IsError)
	created := decodePayload(t, result)["created"].(map[string]any)
	assert.Equal(t, "Ulalume", created["title"])
	assert.NotContains(t, created, "internalNote")

	require.True(t, store.lastTx.committed)
	require.Len(t, store.rows["CatalogService.Books"], 3)
	// The omission applies to outbound payloads only; the store keeps the field.
	assert.Equal(t, "first print", store.rows["CatalogService.Books"][2]["internalNote"])
}

func TestWrapperCreateFailureRollsBack(t *testing.T) {
	store := seededStore()
	store.failTx = assert.AnError
	srv := wrapperFixture(t, store)

	result := callTool(t, srv, "CatalogService_Books_create", map[string]any{"title": "x"})
	assertErrorCode(t, result, CodeCreateFailed)
	assert.True(t, store.lastTx.rolledBack)
	assert.False(t, store.lastTx.committed)
}

func TestWrapperCommitTimeoutReportsTimeout(t *testing.T) {
	tests := []struct {
		name string
		tool string
		args map[string]any
	}{
		{
			name: "create",
			tool: "CatalogService_Books_create",
			args: map[string]any{"title": "x"},
		},
		{
			name: "update",
			tool: "CatalogService_Books_update",
			args: map[string]any{"ID": "b2", "stock": float64(1)},
		},
		{
			name: "delete",
			tool: "CatalogService_Books_delete",
			args: map[string]any{"ID": "b2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seededStore()
			store.failCommit = context.DeadlineExceeded
			srv := wrapperFixture(t, store)

			result := callTool(t, srv, tt.tool, tt.args)
			assertErrorCode(t, result, CodeTimeout)
			assert.True(t, store.lastTx.rolledBack)
			assert.False(t, store.lastTx.committed)
		})
	}
}

func TestWrapperUpdate(t *testing.T) {
	store := seededStore()
	srv := wrapperFixture(t, store)

	result := callTool(t, srv, "CatalogService_Books_update", map[string]any{
		"ID":    "b2",
		"stock": float64(50),
	})
	require.False(t, result.IsError)
	updated := decodePayload(t, result)["updated"].(map[string]any)
	assert.Equal(t, float64(50), updated["stock"])
	assert.True(t, store.lastTx.committed)
}

func TestWrapperUpdateWithoutFields(t *testing.T) {
	srv := wrapperFixture(t, seededStore())

	result := callTool(t, srv, "CatalogService_Books_update", map[string]any{"ID": "b2"})
	assertErrorCode(t, result, CodeNoFields)
}

func TestWrapperUpdateRejectsUnknownField(t *testing.T) {
	srv := wrapperFixture(t, seededStore())

	result := callTool(t, srv, "CatalogService_Books_update", map[string]any{
		"ID":     "b2",
		"rating": float64(5),
	})
	assertErrorCode(t, result, CodeInvalidInput)
}

func TestWrapperDelete(t *testing.T) {
	store := seededStore()
	srv := wrapperFixture(t, store)

	result := callTool(t, srv, "CatalogService_Books_delete", map[string]any{"keys": "b1"})
	require.False(t, result.IsError)
	payload := decodePayload(t, result)
	assert.Equal(t, true, payload["deleted"])
	assert.Len(t, store.rows["CatalogService.Books"], 1)
	assert.True(t, store.lastTx.committed)
}
