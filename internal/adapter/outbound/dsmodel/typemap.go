// Package dsmodel walks a resolved data-service definition tree and compiles
// its declarative metadata into typed annotation records (resources, tools,
// prompts) with derived keys, foreign keys, computed/omitted sets and hints.
package dsmodel

import (
	"log/slog"
	"sort"
	"strings"

	"dsmcp/internal/domain"
)

// maxCompositionDepth bounds recursive structured-type resolution. Depth 1
// matches the documented "no nested compositions" limitation; anything
// deeper resolves to the permissive empty object schema instead of
// recursing.
const maxCompositionDepth = 1

var scalarSchemaTypes = map[string]domain.SchemaType{
	domain.TypeString:      domain.SchemaString,
	domain.TypeLargeString: domain.SchemaString,
	domain.TypeUUID:        domain.SchemaString,
	domain.TypeBoolean:     domain.SchemaBoolean,
	domain.TypeInteger:     domain.SchemaNumber,
	domain.TypeInteger64:   domain.SchemaNumber,
	domain.TypeDecimal:     domain.SchemaNumber,
	domain.TypeDouble:      domain.SchemaNumber,
	domain.TypeDate:        domain.SchemaDate,
	domain.TypeTime:        domain.SchemaDate,
	domain.TypeDateTime:    domain.SchemaDate,
	domain.TypeTimestamp:   domain.SchemaDate,
}

// TypeMapper maps the model's declared type vocabulary onto validation
// schema types. It is total: unmapped scalars fall back to string, and a
// structured type without resolvable context yields an empty permissive
// object schema, never an error.
type TypeMapper struct {
	model  *domain.Model
	logger *slog.Logger
}

// NewTypeMapper creates a TypeMapper over the resolved model.
func NewTypeMapper(model *domain.Model, logger *slog.Logger) *TypeMapper {
	return &TypeMapper{model: model, logger: logger.With("component", "type_mapper")}
}

// MapDeclared maps a declared type name. Array types use the "[]T" form the
// parser records for array-typed elements.
func (m *TypeMapper) MapDeclared(typ, contextKey string, contextEntity *domain.Definition) domain.SchemaProps {
	return m.mapDeclared(typ, contextKey, contextEntity, 0)
}

// mapDeclared threads the structured-resolution depth so nested (and cyclic)
// type references bottom out at maxCompositionDepth instead of recursing.
func (m *TypeMapper) mapDeclared(typ, contextKey string, contextEntity *domain.Definition, depth int) domain.SchemaProps {
	if item, ok := strings.CutPrefix(typ, "[]"); ok {
		inner := m.mapDeclared(item, contextKey, contextEntity, depth)
		return domain.SchemaProps{Type: domain.SchemaArray, Items: &inner}
	}
	if st, ok := scalarSchemaTypes[typ]; ok {
		return domain.SchemaProps{Type: st}
	}
	if typ == domain.TypeAssociation || typ == domain.TypeComposition {
		// Bare association references carry no usable shape here; the
		// owning element's Target is needed, which MapElement supplies.
		return domain.EmptyObjectSchema()
	}
	if def := m.model.Definition(typ); def != nil && len(def.Elements) > 0 {
		return m.expandStructured(def, contextKey, contextEntity, depth)
	}
	// Permissive fallback: unknown scalar types validate as strings.
	return domain.SchemaProps{Type: domain.SchemaString}
}

// MapElement maps one element, resolving arrays and structured references.
// contextKey/contextEntity identify the owning field and entity; without
// them a structured reference resolves to the permissive object schema.
func (m *TypeMapper) MapElement(el *domain.Element, contextKey string, contextEntity *domain.Definition) domain.SchemaProps {
	if el == nil {
		return domain.EmptyObjectSchema()
	}
	if el.Items != nil {
		inner := m.MapElement(el.Items, contextKey, contextEntity)
		return domain.SchemaProps{Type: domain.SchemaArray, Items: &inner}
	}
	if el.IsAssociation() {
		if el.Target == "" || contextEntity == nil {
			return domain.EmptyObjectSchema()
		}
		target := m.model.Definition(el.Target)
		if target == nil {
			m.logger.Debug("Structured reference target not found, using permissive schema.",
				slog.String("target", el.Target))
			return domain.EmptyObjectSchema()
		}
		// Compositions of many are modeled as array elements by the
		// provider; a bare reference is a single nested object.
		return m.expandStructured(target, contextKey, contextEntity, 0)
	}
	return m.MapDeclared(el.Type, contextKey, contextEntity)
}

// expandStructured inlines a referenced definition's fields as an object
// schema. Computed fields are skipped; a nested foreign key pointing back to
// the parent entity is skipped (the store populates it on nested insert);
// nested associations/compositions are skipped entirely (no multi-level
// nesting).
func (m *TypeMapper) expandStructured(def *domain.Definition, contextKey string, parent *domain.Definition, depth int) domain.SchemaProps {
	if depth >= maxCompositionDepth {
		m.logger.Debug("Composition nesting exceeds supported depth, using permissive schema.",
			slog.String("definition", def.Name), slog.Int("depth", depth))
		return domain.EmptyObjectSchema()
	}
	props := map[string]domain.SchemaProps{}
	var required []string
	for name, el := range def.Elements {
		if el.Computed {
			continue
		}
		if el.IsAssociation() {
			continue
		}
		if el.ForeignKeyOf != "" && parent != nil {
			if assoc, ok := def.Elements[el.ForeignKeyOf]; ok && assoc.Target == parent.Name {
				// The store back-fills this key on a nested insert.
				continue
			}
		}
		schema := m.mapDeclared(el.Type, name, def, depth+1)
		if el.Items != nil {
			inner := m.mapDeclared(el.Items.Type, name, def, depth+1)
			schema = domain.SchemaProps{Type: domain.SchemaArray, Items: &inner}
		}
		props[name] = schema
		if el.Key || el.NotNull {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return domain.SchemaProps{Type: domain.SchemaObject, Properties: props, Required: required}
}

// Optional reports the generated-schema optionality of an element: the
// negation of (is-key OR is-not-null).
func Optional(el *domain.Element) bool {
	return !(el.Key || el.NotNull)
}
