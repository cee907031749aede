package domain

// Operation is a CRUD capability named by restrictions and wrapper modes.
type Operation string

const (
	OpRead   Operation = "READ"
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Restriction grants a set of operations to callers holding a role. An
// empty Operations slice grants every operation once the role matches.
type Restriction struct {
	Role       string
	Operations []Operation
}

// QueryFunctionality is one of the query options a resource may enable.
type QueryFunctionality string

const (
	FuncFilter  QueryFunctionality = "filter"
	FuncOrderBy QueryFunctionality = "orderby"
	FuncTop     QueryFunctionality = "top"
	FuncSkip    QueryFunctionality = "skip"
	FuncSelect  QueryFunctionality = "select"
)

// AllQueryFunctionalities is the default set when a resource flag is plain
// `true` or carries no explicit option array.
func AllQueryFunctionalities() []QueryFunctionality {
	return []QueryFunctionality{FuncFilter, FuncOrderBy, FuncTop, FuncSkip, FuncSelect}
}

// AnnotationKind discriminates the annotation union.
type AnnotationKind string

const (
	AnnotationResource AnnotationKind = "resource"
	AnnotationTool     AnnotationKind = "tool"
	AnnotationPrompt   AnnotationKind = "prompt"
)

// Common is the metadata every annotation variant shares. Annotations are
// immutable once the parser has produced them.
type Common struct {
	Name        string
	Description string

	// Target is the qualified definition name the annotation was read from.
	Target string

	// ServiceName is the owning service (everything before the last dot of
	// Target, or the target itself for service annotations).
	ServiceName string

	Restrictions []Restriction

	// Hints maps field names to authoring hint text surfaced in generated
	// schemas and descriptions.
	Hints map[string]string
}

// WrapModes are the synthesized CRUD operations a resource may expose.
var WrapModes = []string{"query", "get", "create", "update", "delete"}

// WrapConfig controls whether and how a resource is exposed as callable
// wrapper tools.
type WrapConfig struct {
	Tools bool
	// Modes restricts which wrapper operations are generated. Empty means
	// the server default applies.
	Modes []string
	// Hints carries per-mode description text appended to generated tools.
	Hints map[string]string
}

// ResourceAnnotation describes a readable, queryable projection of an
// entity.
type ResourceAnnotation struct {
	Common

	// Readable is false when the entity is exposed through wrapper tools
	// only (resource flag explicitly false or absent).
	Readable bool

	Functionalities []QueryFunctionality

	// Properties maps property name to declared type. Associations appear
	// here with their association type; their foreign keys appear as scalar
	// properties.
	Properties map[string]string

	// Keys maps key field name to declared type. Associations are never
	// keys themselves; their foreign key fields stand in for them.
	Keys map[string]string

	// ForeignKeys maps foreign-key field name to the referenced entity.
	ForeignKeys map[string]string

	// Computed fields are excluded from generated input schemas.
	Computed map[string]bool

	// Omitted fields are stripped from every outbound payload but remain
	// valid inbound for create/update.
	Omitted map[string]bool

	Wrap *WrapConfig
}

// ElicitStep is one interactive round-trip required before a tool executes.
type ElicitStep string

const (
	ElicitInput   ElicitStep = "input"
	ElicitConfirm ElicitStep = "confirm"
)

// ToolAnnotation describes a callable operation (function or action).
type ToolAnnotation struct {
	Common

	// Parameters maps parameter name to declared type.
	Parameters map[string]string

	// Kind is the operation kind of the underlying definition.
	Kind DefinitionKind

	// EntityKey names the entity a bound operation is scoped to. Empty for
	// unbound (service-level) operations.
	EntityKey string

	// KeyTypes maps key field name to type for bound operations. Must be
	// non-empty whenever EntityKey is set.
	KeyTypes map[string]string

	// Elicit lists the interactive steps, in declared order, that must be
	// accepted before the operation runs.
	Elicit []ElicitStep
}

// PromptInput is a typed variable declaration for a prompt template.
type PromptInput struct {
	Key  string
	Type string
}

// PromptTemplate is one reusable templated message of a prompt annotation.
type PromptTemplate struct {
	Name        string
	Title       string
	Description string
	// Template contains {{variable}} placeholders.
	Template string
	// Role is "user" or "assistant".
	Role   string
	Inputs []PromptInput
}

// PromptAnnotation describes the prompt templates a service exposes.
type PromptAnnotation struct {
	Common

	Templates []PromptTemplate
}

// Annotation is the tagged union produced by the parser. Exactly one of the
// variant pointers is non-nil, matching Kind.
type Annotation struct {
	Kind     AnnotationKind
	Resource *ResourceAnnotation
	Tool     *ToolAnnotation
	Prompt   *PromptAnnotation
}

// Base returns the shared metadata of whichever variant is set.
func (a *Annotation) Base() *Common {
	switch a.Kind {
	case AnnotationResource:
		return &a.Resource.Common
	case AnnotationTool:
		return &a.Tool.Common
	case AnnotationPrompt:
		return &a.Prompt.Common
	}
	return nil
}
