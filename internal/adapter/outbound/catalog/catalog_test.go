package catalog

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"dsmcp/internal/adapter/outbound/memstore"
	"dsmcp/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bundledModel() *domain.Model {
	return &domain.Model{Definitions: map[string]*domain.Definition{
		"CatalogService": {Kind: domain.KindService, Name: "CatalogService"},
		"CatalogService.Books": {
			Kind: domain.KindEntity,
			Name: "CatalogService.Books",
			Elements: map[string]*domain.Element{
				"ID":    {Type: domain.TypeUUID, Key: true},
				"title": {Type: domain.TypeString, NotNull: true},
				"stock": {Type: domain.TypeInteger},
			},
		},
		"AdminService": {Kind: domain.KindService, Name: "AdminService"},
	}}
}

func seededStore(t *testing.T, model *domain.Model) *memstore.Store {
	t.Helper()
	store := memstore.New(model, testLogger())
	if _, ok := store.Resolve("CatalogService"); ok {
		require.NoError(t, store.Seed(map[string][]map[string]any{
			"CatalogService.Books": {
				{"ID": "b1", "title": "The Raven", "stock": 5},
			},
		}))
	}
	require.NoError(t, RegisterHandlers(store, testLogger()))
	return store
}

func TestRestockIncreasesStock(t *testing.T) {
	store := seededStore(t, bundledModel())
	svc, ok := store.Resolve("CatalogService")
	require.True(t, ok)
	ctx := context.Background()
	user := domain.PrivilegedUser{}

	out, err := svc.Call(ctx, user, "restock", map[string]any{"ID": "b1", "amount": float64(7)})
	require.NoError(t, err)
	assert.Equal(t, int64(12), out)

	row, err := svc.Read(ctx, user, "CatalogService.Books", map[string]any{"ID": "b1"})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(12), row["stock"])
}

func TestRestockValidation(t *testing.T) {
	store := seededStore(t, bundledModel())
	svc, ok := store.Resolve("CatalogService")
	require.True(t, ok)
	ctx := context.Background()
	user := domain.PrivilegedUser{}

	tests := []struct {
		name    string
		params  map[string]any
		wantErr string
	}{
		{"missing ID", map[string]any{"amount": float64(3)}, "requires the ID"},
		{"missing amount", map[string]any{"ID": "b1"}, "integer amount"},
		{"fractional amount", map[string]any{"ID": "b1", "amount": 2.5}, "integer amount"},
		{"non-positive amount", map[string]any{"ID": "b1", "amount": float64(0)}, "must be positive"},
		{"unknown book", map[string]any{"ID": "nope", "amount": float64(1)}, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Call(ctx, user, "restock", tt.params)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRebuildIndexReturnsStatus(t *testing.T) {
	store := seededStore(t, bundledModel())
	svc, ok := store.Resolve("AdminService")
	require.True(t, ok)

	out, err := svc.Call(context.Background(), domain.PrivilegedUser{}, "rebuildIndex", nil)
	require.NoError(t, err)
	assert.Equal(t, "index rebuild scheduled", out)
}

func TestRegisterHandlersSkipsAbsentServices(t *testing.T) {
	model := &domain.Model{Definitions: map[string]*domain.Definition{
		"OtherService": {Kind: domain.KindService, Name: "OtherService"},
		"OtherService.Things": {
			Kind: domain.KindEntity,
			Name: "OtherService.Things",
			Elements: map[string]*domain.Element{
				"ID": {Type: domain.TypeUUID, Key: true},
			},
		},
	}}
	store := memstore.New(model, testLogger())
	require.NoError(t, RegisterHandlers(store, testLogger()))

	svc, ok := store.Resolve("OtherService")
	require.True(t, ok)
	_, err := svc.Call(context.Background(), domain.PrivilegedUser{}, "restock", nil)
	require.Error(t, err)
}
