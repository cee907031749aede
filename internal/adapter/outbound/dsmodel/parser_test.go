package dsmodel

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"dsmcp/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bookshopModel() *domain.Model {
	return &domain.Model{Definitions: map[string]*domain.Definition{
		"CatalogService": {
			Kind: domain.KindService,
			Name: "CatalogService",
			Annotations: map[string]any{
				"mcp.name":        "catalog",
				"mcp.description": "Browse the catalog.",
				"mcp.prompts": []any{
					map[string]any{
						"name":        "find-books-by-author",
						"description": "Find all books by an author.",
						"template":    "List every book written by {{author_name}}.",
						"inputs": []any{
							map[string]any{"key": "author_name", "type": "String"},
						},
					},
				},
			},
		},
		"CatalogService.Books": {
			Kind: domain.KindEntity,
			Name: "CatalogService.Books",
			Annotations: map[string]any{
				"mcp.name":        "books",
				"mcp.description": "All books.",
				"mcp.resource":    []any{"filter", "top"},
				"mcp.wrap": map[string]any{
					"tools": true,
					"modes": []any{"query", "get"},
					"hint":  map[string]any{"query": "Prefer filters over full scans."},
				},
			},
			Elements: map[string]*domain.Element{
				"ID":    {Type: domain.TypeUUID, Key: true},
				"title": {Type: domain.TypeString, NotNull: true},
				"stock": {
					Type:        domain.TypeInteger,
					Annotations: map[string]any{"mcp.hint": "Copies on hand."},
				},
				"author":       {Type: domain.TypeAssociation, Target: "CatalogService.Authors"},
				"author_ID":    {Type: domain.TypeUUID, ForeignKeyOf: "author"},
				"internalNote": {Type: domain.TypeString, Annotations: map[string]any{"mcp.omit": true}},
				"createdAt":    {Type: domain.TypeTimestamp, Computed: true},
			},
			Operations: map[string]*domain.Definition{
				"restock": {
					Kind: domain.KindAction,
					Name: "CatalogService.Books.restock",
					Annotations: map[string]any{
						"mcp.tool":        true,
						"mcp.name":        "restock",
						"mcp.description": "Increase stock.",
						"mcp.elicit":      []any{"confirm"},
					},
					Params: map[string]*domain.Element{
						"amount": {Type: domain.TypeInteger},
					},
				},
			},
		},
		"CatalogService.Authors": {
			Kind: domain.KindEntity,
			Name: "CatalogService.Authors",
			Annotations: map[string]any{
				"mcp.name":        "authors",
				"mcp.description": "All authors.",
				"mcp.resource":    true,
			},
			Elements: map[string]*domain.Element{
				"ID":   {Type: domain.TypeUUID, Key: true},
				"name": {Type: domain.TypeString, NotNull: true},
			},
		},
		"AdminService": {
			Kind: domain.KindService,
			Name: "AdminService",
		},
		"AdminService.rebuildIndex": {
			Kind: domain.KindAction,
			Name: "AdminService.rebuildIndex",
			Annotations: map[string]any{
				"mcp.tool":        true,
				"mcp.name":        "rebuild-index",
				"mcp.description": "Rebuild the search index.",
				"requires":        "admin",
			},
		},
	}}
}

func parseBookshop(t *testing.T) map[string]*domain.Annotation {
	t.Helper()
	annotations, err := NewParser(bookshopModel(), testLogger()).Parse()
	require.NoError(t, err)
	return annotations
}

func TestParseResourceAnnotation(t *testing.T) {
	annotations := parseBookshop(t)

	ann := annotations["CatalogService.Books"]
	require.NotNil(t, ann)
	require.Equal(t, domain.AnnotationResource, ann.Kind)
	res := ann.Resource

	assert.True(t, res.Readable)
	assert.Equal(t, "books", res.Name)
	assert.Equal(t, "CatalogService", res.ServiceName)
	assert.ElementsMatch(t,
		[]domain.QueryFunctionality{domain.FuncFilter, domain.FuncTop},
		res.Functionalities)

	assert.Equal(t, map[string]string{"ID": domain.TypeUUID}, res.Keys)
	assert.Equal(t, map[string]string{"author_ID": "CatalogService.Authors"}, res.ForeignKeys)
	assert.True(t, res.Computed["createdAt"])
	assert.True(t, res.Omitted["internalNote"])
	assert.Equal(t, "Copies on hand.", res.Hints["stock"])

	require.NotNil(t, res.Wrap)
	assert.True(t, res.Wrap.Tools)
	assert.Equal(t, []string{"query", "get"}, res.Wrap.Modes)
	assert.Equal(t, "Prefer filters over full scans.", res.Wrap.Hints["query"])
}

func TestParseBareResourceFlagEnablesEverything(t *testing.T) {
	annotations := parseBookshop(t)

	res := annotations["CatalogService.Authors"].Resource
	require.NotNil(t, res)
	assert.True(t, res.Readable)
	assert.ElementsMatch(t, domain.AllQueryFunctionalities(), res.Functionalities)
	assert.Nil(t, res.Wrap)
}

func TestParseBoundOperation(t *testing.T) {
	annotations := parseBookshop(t)

	ann := annotations["CatalogService.Books.restock"]
	require.NotNil(t, ann)
	require.Equal(t, domain.AnnotationTool, ann.Kind)
	tool := ann.Tool

	assert.Equal(t, "CatalogService.Books.restock", tool.Target)
	// The owning service is the entity's service, not the entity.
	assert.Equal(t, "CatalogService", tool.ServiceName)
	assert.Equal(t, "CatalogService.Books", tool.EntityKey)
	assert.Equal(t, map[string]string{"ID": domain.TypeUUID}, tool.KeyTypes)
	assert.Equal(t, map[string]string{"amount": domain.TypeInteger}, tool.Parameters)
	assert.Equal(t, []domain.ElicitStep{domain.ElicitConfirm}, tool.Elicit)
	assert.Equal(t, domain.KindAction, tool.Kind)
}

func TestParseUnboundOperationWithRequires(t *testing.T) {
	annotations := parseBookshop(t)

	tool := annotations["AdminService.rebuildIndex"].Tool
	require.NotNil(t, tool)
	assert.Equal(t, "AdminService", tool.ServiceName)
	assert.Empty(t, tool.EntityKey)
	require.Len(t, tool.Restrictions, 1)
	assert.Equal(t, "admin", tool.Restrictions[0].Role)
	assert.Empty(t, tool.Restrictions[0].Operations)
}

func TestParsePromptAnnotation(t *testing.T) {
	annotations := parseBookshop(t)

	prompt := annotations["CatalogService"].Prompt
	require.NotNil(t, prompt)
	require.Len(t, prompt.Templates, 1)
	tpl := prompt.Templates[0]
	assert.Equal(t, "find-books-by-author", tpl.Name)
	assert.Equal(t, "user", tpl.Role, "role defaults to user")
	require.Len(t, tpl.Inputs, 1)
	assert.Equal(t, "author_name", tpl.Inputs[0].Key)
}

func TestParseRestrictGrantExpansion(t *testing.T) {
	annots := map[string]any{
		"restrict": []any{
			map[string]any{"grant": "WRITE", "to": "editor"},
			map[string]any{"grant": []any{"READ", "CHANGE", "UPDATE"}, "to": []any{"clerk", "auditor"}},
			map[string]any{"grant": "*"},
		},
	}
	restrictions, err := parseRestrictions("T", annots)
	require.NoError(t, err)
	require.Len(t, restrictions, 4)

	assert.Equal(t, "editor", restrictions[0].Role)
	assert.ElementsMatch(t,
		[]domain.Operation{domain.OpCreate, domain.OpUpdate, domain.OpDelete},
		restrictions[0].Operations)

	// CHANGE aliases UPDATE and duplicates collapse.
	assert.Equal(t, "clerk", restrictions[1].Role)
	assert.Equal(t, []domain.Operation{domain.OpRead, domain.OpUpdate}, restrictions[1].Operations)
	assert.Equal(t, "auditor", restrictions[2].Role)

	// No `to` falls back to the authenticated pseudo role.
	assert.Equal(t, "authenticated-user", restrictions[3].Role)
	assert.Len(t, restrictions[3].Operations, 4)
}

func TestParseAuthoringErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *domain.Model)
		message string
	}{
		{
			name: "missing description",
			mutate: func(m *domain.Model) {
				delete(m.Definitions["CatalogService.Books"].Annotations, "mcp.description")
			},
			message: "name and description are required",
		},
		{
			name: "empty elicit",
			mutate: func(m *domain.Model) {
				m.Definitions["CatalogService.Books"].Operations["restock"].Annotations["mcp.elicit"] = []any{}
			},
			message: "declared but empty",
		},
		{
			name: "unknown elicit step",
			mutate: func(m *domain.Model) {
				m.Definitions["CatalogService.Books"].Operations["restock"].Annotations["mcp.elicit"] = []any{"approve"}
			},
			message: "unknown elicit step",
		},
		{
			name: "unknown wrap mode",
			mutate: func(m *domain.Model) {
				m.Definitions["CatalogService.Books"].Annotations["mcp.wrap"] = map[string]any{
					"tools": true, "modes": []any{"upsert"},
				}
			},
			message: "unknown wrap mode",
		},
		{
			name: "unknown resource option",
			mutate: func(m *domain.Model) {
				m.Definitions["CatalogService.Books"].Annotations["mcp.resource"] = []any{"expand"}
			},
			message: "unknown resource option",
		},
		{
			name: "bound operation without keys",
			mutate: func(m *domain.Model) {
				delete(m.Definitions["CatalogService.Books"].Elements, "ID")
			},
			message: "no key fields",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			model := bookshopModel()
			tc.mutate(model)
			_, err := NewParser(model, testLogger()).Parse()
			var aerr *AuthoringError
			require.True(t, errors.As(err, &aerr), "expected an authoring error, got %v", err)
			assert.Contains(t, aerr.Error(), tc.message)
		})
	}
}

func TestParseSkipsUnannotatedDefinitions(t *testing.T) {
	model := bookshopModel()
	annotations, err := NewParser(model, testLogger()).Parse()
	require.NoError(t, err)

	// AdminService itself carries no annotation vocabulary.
	assert.NotContains(t, annotations, "AdminService")
}
