package domain

import "strings"

// DefinitionKind identifies what a model definition describes.
type DefinitionKind string

const (
	KindService  DefinitionKind = "service"
	KindEntity   DefinitionKind = "entity"
	KindFunction DefinitionKind = "function" // no side effects expected
	KindAction   DefinitionKind = "action"   // side effects expected
	KindType     DefinitionKind = "type"     // reusable structured type
)

// Declared element type vocabulary. The model provider hands these fully
// resolved; the type mapper translates them into validation schema types.
const (
	TypeString      = "String"
	TypeLargeString = "LargeString"
	TypeUUID        = "UUID"
	TypeInteger     = "Integer"
	TypeInteger64   = "Integer64"
	TypeDecimal     = "Decimal"
	TypeDouble      = "Double"
	TypeBoolean     = "Boolean"
	TypeDate        = "Date"
	TypeTime        = "Time"
	TypeDateTime    = "DateTime"
	TypeTimestamp   = "Timestamp"
	TypeAssociation = "Association"
	TypeComposition = "Composition"
)

// Element is a single field of an entity, a parameter of an operation, or a
// member of a structured type.
type Element struct {
	// Type is one of the declared type constants, or the qualified name of a
	// structured type definition for composition members.
	Type string

	// Items is set for array-typed elements and describes the item shape.
	Items *Element

	// Target is the qualified name of the referenced entity for
	// association/composition elements.
	Target string

	// Key marks the element as part of the entity key.
	Key bool

	// NotNull marks the element as mandatory in the declared model.
	NotNull bool

	// Computed fields are produced by the store and never accepted as input.
	Computed bool

	// ForeignKeyOf names the association this element is the foreign key
	// for. Foreign keys follow the <association>_ID convention.
	ForeignKeyOf string

	// Annotations carries the declarative metadata vocabulary for this
	// element (hint, omit, ...), keys without the leading marker character.
	Annotations map[string]any
}

// IsAssociation reports whether the element references another entity.
func (e *Element) IsAssociation() bool {
	return e.Type == TypeAssociation || e.Type == TypeComposition
}

// Definition is one node of the resolved definition tree.
type Definition struct {
	Kind DefinitionKind

	// Name is the fully qualified name, e.g. "CatalogService.Books".
	Name string

	// Elements holds entity fields or structured-type members.
	Elements map[string]*Element

	// Params holds operation parameters for functions/actions.
	Params map[string]*Element

	// Returns describes an operation result shape, if declared.
	Returns *Element

	// Operations holds bound operations nested under an entity, keyed by
	// their local (unqualified) name.
	Operations map[string]*Definition

	// Annotations carries the declarative metadata for the definition
	// itself (name, description, resource, tool, prompts, wrap, elicit,
	// requires, restrict).
	Annotations map[string]any
}

// Model is the fully resolved definition tree handed over by the model
// provider. The core only reads it, never mutates.
type Model struct {
	Definitions map[string]*Definition
}

// Definition returns the named definition or nil.
func (m *Model) Definition(name string) *Definition {
	if m == nil {
		return nil
	}
	return m.Definitions[name]
}

// SplitQualified splits a qualified target into (serviceName, localName) on
// the last segment. A name without a dot has an empty service name.
func SplitQualified(name string) (service, local string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

// ShortName returns the last segment of a qualified name.
func ShortName(name string) string {
	_, local := SplitQualified(name)
	return local
}
