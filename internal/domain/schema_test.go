package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bookInputSchema() SchemaProps {
	return SchemaProps{
		Type: SchemaObject,
		Properties: map[string]SchemaProps{
			"title": {Type: SchemaString},
			"stock": {Type: SchemaNumber},
			"tags":  {Type: SchemaArray, Items: &SchemaProps{Type: SchemaString}},
			"author": {
				Type: SchemaObject,
				Properties: map[string]SchemaProps{
					"name": {Type: SchemaString},
				},
				Required: []string{"name"},
			},
		},
		Required: []string{"title"},
	}
}

func TestValidateAcceptsWellFormedInput(t *testing.T) {
	issues := bookInputSchema().Validate(map[string]any{
		"title":  "The Raven",
		"stock":  float64(3),
		"tags":   []any{"poetry"},
		"author": map[string]any{"name": "Poe"},
	})
	assert.Empty(t, issues)
}

func TestValidateCollectsAllIssues(t *testing.T) {
	issues := bookInputSchema().Validate(map[string]any{
		"stock":     "many",
		"publisher": "unknown press",
	})
	require.Len(t, issues, 3)

	byPath := map[string]string{}
	for _, issue := range issues {
		byPath[issue.Path] = issue.Message
	}
	assert.Contains(t, byPath["publisher"], "unknown field")
	// Unknown-field messages name the allowed set.
	assert.Contains(t, byPath["publisher"], "title")
	assert.Equal(t, "expected a number", byPath["stock"])
	assert.Equal(t, "required field is missing", byPath["title"])
}

func TestValidateNestedPaths(t *testing.T) {
	issues := bookInputSchema().Validate(map[string]any{
		"title":  "x",
		"tags":   []any{"ok", 7},
		"author": map[string]any{"age": 40},
	})

	paths := make([]string, 0, len(issues))
	for _, issue := range issues {
		paths = append(paths, issue.Path)
	}
	assert.Contains(t, paths, "tags[1]")
	assert.Contains(t, paths, "author.age")
	assert.Contains(t, paths, "author.name")
}

func TestValidateNilValuesPass(t *testing.T) {
	issues := bookInputSchema().Validate(map[string]any{
		"title": "x",
		"stock": nil,
	})
	assert.Empty(t, issues)
}

func TestJSONSchemaRendering(t *testing.T) {
	schema := SchemaProps{
		Type: SchemaObject,
		Properties: map[string]SchemaProps{
			"when": {Type: SchemaDate, Description: "Publication date."},
			"tags": {Type: SchemaArray, Items: &SchemaProps{Type: SchemaString}},
		},
		Required: []string{"when"},
	}

	out := schema.JSONSchema()
	assert.Equal(t, "object", out["type"])
	assert.Equal(t, []string{"when"}, out["required"])

	props := out["properties"].(map[string]any)
	when := props["when"].(map[string]any)
	// No native date type in JSON Schema: dates render as formatted strings.
	assert.Equal(t, "string", when["type"])
	assert.Equal(t, "date-time", when["format"])

	tags := props["tags"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "string"}, tags["items"])
}

func TestEmptyObjectSchemaIsPermissive(t *testing.T) {
	issues := EmptyObjectSchema().Validate(map[string]any{})
	assert.Empty(t, issues)
}
