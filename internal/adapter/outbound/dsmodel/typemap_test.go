package dsmodel

import (
	"testing"

	"dsmcp/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapDeclaredScalars(t *testing.T) {
	mapper := NewTypeMapper(bookshopModel(), testLogger())

	tests := []struct {
		declared string
		want     domain.SchemaType
	}{
		{domain.TypeString, domain.SchemaString},
		{domain.TypeLargeString, domain.SchemaString},
		{domain.TypeUUID, domain.SchemaString},
		{domain.TypeInteger, domain.SchemaNumber},
		{domain.TypeDecimal, domain.SchemaNumber},
		{domain.TypeBoolean, domain.SchemaBoolean},
		{domain.TypeDate, domain.SchemaDate},
		{domain.TypeTimestamp, domain.SchemaDate},
	}
	for _, tc := range tests {
		t.Run(tc.declared, func(t *testing.T) {
			got := mapper.MapDeclared(tc.declared, "", nil)
			assert.Equal(t, tc.want, got.Type)
		})
	}
}

func TestMapDeclaredArrayForm(t *testing.T) {
	mapper := NewTypeMapper(bookshopModel(), testLogger())

	got := mapper.MapDeclared("[]Integer", "counts", nil)
	assert.Equal(t, domain.SchemaArray, got.Type)
	require.NotNil(t, got.Items)
	assert.Equal(t, domain.SchemaNumber, got.Items.Type)
}

func TestMapDeclaredUnknownTypeFallsBackToString(t *testing.T) {
	mapper := NewTypeMapper(bookshopModel(), testLogger())

	got := mapper.MapDeclared("Geography", "region", nil)
	assert.Equal(t, domain.SchemaString, got.Type)
}

func TestMapElementExpandsAssociationTarget(t *testing.T) {
	model := bookshopModel()
	mapper := NewTypeMapper(model, testLogger())
	books := model.Definitions["CatalogService.Books"]

	got := mapper.MapElement(books.Elements["author"], "author", books)
	require.Equal(t, domain.SchemaObject, got.Type)
	// The Authors target inlines as a nested object with its own field
	// requirements.
	assert.Contains(t, got.Properties, "name")
	assert.Contains(t, got.Required, "ID")
	assert.Contains(t, got.Required, "name")
}

func TestMapElementAssociationWithoutContextIsPermissive(t *testing.T) {
	model := bookshopModel()
	mapper := NewTypeMapper(model, testLogger())
	books := model.Definitions["CatalogService.Books"]

	got := mapper.MapElement(books.Elements["author"], "author", nil)
	assert.Equal(t, domain.EmptyObjectSchema(), got)
}

func TestExpandStructuredSkipsComputedAndNestedAssociations(t *testing.T) {
	model := bookshopModel()
	// Authors gains a back-reference so the Books expansion must skip both
	// the association and its foreign key.
	authors := model.Definitions["CatalogService.Authors"]
	authors.Elements["books"] = &domain.Element{Type: domain.TypeComposition, Target: "CatalogService.Books"}

	mapper := NewTypeMapper(model, testLogger())
	books := model.Definitions["CatalogService.Books"]

	got := mapper.MapElement(books.Elements["author"], "author", books)
	require.Equal(t, domain.SchemaObject, got.Type)
	assert.NotContains(t, got.Properties, "books")
}

func TestStructuredNestingBottomsOutAtDepthOne(t *testing.T) {
	model := &domain.Model{Definitions: map[string]*domain.Definition{
		"shop.Outer": {Kind: domain.KindType, Name: "shop.Outer", Elements: map[string]*domain.Element{
			"label": {Type: domain.TypeString},
			"inner": {Type: "shop.Inner"},
		}},
		"shop.Inner": {Kind: domain.KindType, Name: "shop.Inner", Elements: map[string]*domain.Element{
			"note": {Type: domain.TypeString},
			"deep": {Type: "shop.Deep"},
		}},
		"shop.Deep": {Kind: domain.KindType, Name: "shop.Deep", Elements: map[string]*domain.Element{
			"leaf": {Type: domain.TypeString},
		}},
	}}
	mapper := NewTypeMapper(model, testLogger())

	got := mapper.MapDeclared("shop.Outer", "outer", nil)
	require.Equal(t, domain.SchemaObject, got.Type)
	assert.Equal(t, domain.SchemaString, got.Properties["label"].Type)

	// Nested structured fields hit the depth bound and resolve to the
	// permissive object instead of expanding further.
	inner := got.Properties["inner"]
	require.Equal(t, domain.SchemaObject, inner.Type)
	assert.Empty(t, inner.Properties, "second-level structured types must not expand")
}

func TestStructuredCycleTerminates(t *testing.T) {
	model := &domain.Model{Definitions: map[string]*domain.Definition{
		"shop.A": {Kind: domain.KindType, Name: "shop.A", Elements: map[string]*domain.Element{
			"name": {Type: domain.TypeString},
			"b":    {Type: "shop.B"},
		}},
		"shop.B": {Kind: domain.KindType, Name: "shop.B", Elements: map[string]*domain.Element{
			"a": {Type: "shop.A"},
		}},
	}}
	mapper := NewTypeMapper(model, testLogger())

	// A cyclic type graph must resolve, not recurse without bound.
	got := mapper.MapDeclared("shop.A", "a", nil)
	require.Equal(t, domain.SchemaObject, got.Type)
	b := got.Properties["b"]
	require.Equal(t, domain.SchemaObject, b.Type)
	assert.Empty(t, b.Properties)
}

func TestOptional(t *testing.T) {
	assert.False(t, Optional(&domain.Element{Type: domain.TypeUUID, Key: true}))
	assert.False(t, Optional(&domain.Element{Type: domain.TypeString, NotNull: true}))
	assert.True(t, Optional(&domain.Element{Type: domain.TypeString}))
}
