package dsmodel

import (
	"fmt"
	"os"

	"dsmcp/internal/domain"

	"gopkg.in/yaml.v3"
)

// modelDocument is the on-disk YAML shape of a resolved model. Definitions
// are keyed by qualified name; an optional data section seeds the store.
type modelDocument struct {
	Definitions map[string]*definitionDoc   `yaml:"definitions"`
	Data        map[string][]map[string]any `yaml:"data"`
}

type definitionDoc struct {
	Kind        string                    `yaml:"kind"`
	Elements    map[string]*elementDoc    `yaml:"elements"`
	Params      map[string]*elementDoc    `yaml:"params"`
	Returns     *elementDoc               `yaml:"returns"`
	Operations  map[string]*definitionDoc `yaml:"operations"`
	Annotations map[string]any            `yaml:"annotations"`
}

type elementDoc struct {
	Type         string         `yaml:"type"`
	Items        *elementDoc    `yaml:"items"`
	Target       string         `yaml:"target"`
	Key          bool           `yaml:"key"`
	NotNull      bool           `yaml:"notNull"`
	Computed     bool           `yaml:"computed"`
	ForeignKeyOf string         `yaml:"foreignKeyOf"`
	Annotations  map[string]any `yaml:"annotations"`
}

var validKinds = map[string]domain.DefinitionKind{
	"service":  domain.KindService,
	"entity":   domain.KindEntity,
	"function": domain.KindFunction,
	"action":   domain.KindAction,
	"type":     domain.KindType,
}

// Load reads a resolved model document from path. It returns the definition
// tree and any seed rows declared in the document's data section, keyed by
// qualified entity name.
func Load(path string) (*domain.Model, map[string][]map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading model file: %w", err)
	}
	return Decode(raw)
}

// Decode parses a model document from raw YAML.
func Decode(raw []byte) (*domain.Model, map[string][]map[string]any, error) {
	var doc modelDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("parsing model document: %w", err)
	}
	if len(doc.Definitions) == 0 {
		return nil, nil, fmt.Errorf("model document declares no definitions")
	}

	model := &domain.Model{Definitions: make(map[string]*domain.Definition, len(doc.Definitions))}
	for name, def := range doc.Definitions {
		converted, err := convertDefinition(name, def)
		if err != nil {
			return nil, nil, err
		}
		model.Definitions[name] = converted
	}

	for entity := range doc.Data {
		if def := model.Definition(entity); def == nil || def.Kind != domain.KindEntity {
			return nil, nil, fmt.Errorf("seed data targets unknown entity %q", entity)
		}
	}
	return model, doc.Data, nil
}

func convertDefinition(name string, doc *definitionDoc) (*domain.Definition, error) {
	if doc == nil {
		return nil, fmt.Errorf("definition %q is empty", name)
	}
	kind, ok := validKinds[doc.Kind]
	if !ok {
		return nil, fmt.Errorf("definition %q has unknown kind %q", name, doc.Kind)
	}

	def := &domain.Definition{
		Kind:        kind,
		Name:        name,
		Annotations: doc.Annotations,
	}
	var err error
	if def.Elements, err = convertElements(name, doc.Elements); err != nil {
		return nil, err
	}
	if def.Params, err = convertElements(name, doc.Params); err != nil {
		return nil, err
	}
	if doc.Returns != nil {
		def.Returns = convertElement(doc.Returns)
	}
	if len(doc.Operations) > 0 {
		if kind != domain.KindEntity {
			return nil, fmt.Errorf("definition %q: only entities carry bound operations", name)
		}
		def.Operations = make(map[string]*domain.Definition, len(doc.Operations))
		for opName, opDoc := range doc.Operations {
			op, err := convertDefinition(name+"."+opName, opDoc)
			if err != nil {
				return nil, err
			}
			if op.Kind != domain.KindFunction && op.Kind != domain.KindAction {
				return nil, fmt.Errorf("bound operation %q must be a function or action", op.Name)
			}
			def.Operations[opName] = op
		}
	}
	return def, nil
}

func convertElements(owner string, docs map[string]*elementDoc) (map[string]*domain.Element, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	out := make(map[string]*domain.Element, len(docs))
	for name, doc := range docs {
		if doc == nil || doc.Type == "" {
			return nil, fmt.Errorf("element %s.%s declares no type", owner, name)
		}
		if (doc.Type == domain.TypeAssociation || doc.Type == domain.TypeComposition) && doc.Target == "" {
			return nil, fmt.Errorf("element %s.%s is an association without a target", owner, name)
		}
		out[name] = convertElement(doc)
	}
	return out, nil
}

func convertElement(doc *elementDoc) *domain.Element {
	el := &domain.Element{
		Type:         doc.Type,
		Target:       doc.Target,
		Key:          doc.Key,
		NotNull:      doc.NotNull,
		Computed:     doc.Computed,
		ForeignKeyOf: doc.ForeignKeyOf,
		Annotations:  doc.Annotations,
	}
	if doc.Items != nil {
		el.Items = convertElement(doc.Items)
	}
	return el
}
