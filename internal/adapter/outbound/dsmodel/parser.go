package dsmodel

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"dsmcp/internal/domain"
)

// Annotation vocabulary recognized on definitions and elements. The model
// loader strips the leading marker character, so keys appear bare here.
const (
	annName        = "mcp.name"
	annDescription = "mcp.description"
	annResource    = "mcp.resource"
	annTool        = "mcp.tool"
	annPrompts     = "mcp.prompts"
	annWrap        = "mcp.wrap"
	annElicit      = "mcp.elicit"
	annHint        = "mcp.hint"
	annOmit        = "mcp.omit"
	annRequires    = "requires"
	annRestrict    = "restrict"
)

var annotationKeys = []string{annName, annDescription, annResource, annTool, annPrompts, annWrap, annElicit}

// AuthoringError is a parse-time failure caused by a malformed annotation.
// These abort registration for the offending definition instead of degrading
// silently: a misconfigured tool exposed to an automated caller is worse
// than a missing one.
type AuthoringError struct {
	Target  string
	Message string
}

func (e *AuthoringError) Error() string {
	return fmt.Sprintf("invalid annotation on %s: %s", e.Target, e.Message)
}

func authorErrf(target, format string, args ...any) *AuthoringError {
	return &AuthoringError{Target: target, Message: fmt.Sprintf(format, args...)}
}

// Parser compiles the definition tree's declarative metadata into
// annotation records in a single pass.
type Parser struct {
	model  *domain.Model
	types  *TypeMapper
	logger *slog.Logger
}

// NewParser creates a Parser over the resolved model.
func NewParser(model *domain.Model, logger *slog.Logger) *Parser {
	return &Parser{
		model:  model,
		types:  NewTypeMapper(model, logger),
		logger: logger.With("component", "annotation_parser"),
	}
}

// TypeMapper exposes the parser's mapper for schema generation downstream.
func (p *Parser) TypeMapper() *TypeMapper { return p.types }

// Parse walks every definition once and returns the annotation records
// keyed by qualified target name. Authoring errors fail the whole parse.
func (p *Parser) Parse() (map[string]*domain.Annotation, error) {
	out := map[string]*domain.Annotation{}

	names := make([]string, 0, len(p.model.Definitions))
	for name := range p.model.Definitions {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := p.model.Definitions[name]

		// Bound operations are scanned regardless of whether the parent
		// entity carries a usable annotation: a sub-operation may be
		// independently annotated.
		if def.Kind == domain.KindEntity {
			if err := p.parseBoundOperations(def, out); err != nil {
				return nil, err
			}
		}

		if !p.hasAnnotations(def.Annotations) {
			continue
		}

		ann, err := p.parseDefinition(def, "", nil)
		if err != nil {
			return nil, err
		}
		if ann != nil {
			out[def.Name] = ann
			p.logger.Debug("Parsed annotation.",
				slog.String("target", def.Name), slog.String("kind", string(ann.Kind)))
		}
	}

	p.logger.Info("Annotation parse complete.", slog.Int("count", len(out)))
	return out, nil
}

func (p *Parser) hasAnnotations(annots map[string]any) bool {
	for _, key := range annotationKeys {
		if _, ok := annots[key]; ok {
			return true
		}
	}
	return false
}

func (p *Parser) parseBoundOperations(entity *domain.Definition, out map[string]*domain.Annotation) error {
	if len(entity.Operations) == 0 {
		return nil
	}
	keyTypes := entityKeyTypes(entity)

	opNames := make([]string, 0, len(entity.Operations))
	for name := range entity.Operations {
		opNames = append(opNames, name)
	}
	sort.Strings(opNames)

	for _, opName := range opNames {
		op := entity.Operations[opName]
		if !p.hasAnnotations(op.Annotations) {
			continue
		}
		target := entity.Name + "." + opName
		ann, err := p.parseDefinition(op, entity.Name, keyTypes)
		if err != nil {
			return err
		}
		if ann != nil {
			ann.Tool.Target = target
			// The owning service is the entity's service, not the entity.
			svc, _ := domain.SplitQualified(entity.Name)
			ann.Tool.ServiceName = svc
			out[target] = ann
		}
	}
	return nil
}

// parseDefinition dispatches by definition kind. boundEntity/keyTypes are
// set for operations nested under an entity.
func (p *Parser) parseDefinition(def *domain.Definition, boundEntity string, keyTypes map[string]string) (*domain.Annotation, error) {
	common, err := p.parseCommon(def)
	if err != nil {
		return nil, err
	}

	switch def.Kind {
	case domain.KindEntity:
		if _, hasRes := def.Annotations[annResource]; !hasRes {
			if _, hasWrap := def.Annotations[annWrap]; !hasWrap {
				return nil, nil
			}
		}
		res, err := p.parseResource(def, common)
		if err != nil {
			return nil, err
		}
		return &domain.Annotation{Kind: domain.AnnotationResource, Resource: res}, nil
	case domain.KindFunction, domain.KindAction:
		tool, err := p.parseTool(def, common, boundEntity, keyTypes)
		if err != nil {
			return nil, err
		}
		return &domain.Annotation{Kind: domain.AnnotationTool, Tool: tool}, nil
	case domain.KindService:
		prompt, err := p.parsePrompt(def, common)
		if err != nil {
			return nil, err
		}
		if prompt == nil {
			return nil, nil
		}
		return &domain.Annotation{Kind: domain.AnnotationPrompt, Prompt: prompt}, nil
	default:
		p.logger.Debug("Ignoring annotated definition of unsupported kind.",
			slog.String("target", def.Name), slog.String("kind", string(def.Kind)))
		return nil, nil
	}
}

func (p *Parser) parseCommon(def *domain.Definition) (domain.Common, error) {
	name, _ := def.Annotations[annName].(string)
	description, _ := def.Annotations[annDescription].(string)

	// Every annotation except one attached to a service must declare both.
	if def.Kind != domain.KindService && (name == "" || description == "") {
		return domain.Common{}, authorErrf(def.Name, "name and description are required")
	}

	restrictions, err := parseRestrictions(def.Name, def.Annotations)
	if err != nil {
		return domain.Common{}, err
	}

	service, _ := domain.SplitQualified(def.Name)
	if def.Kind == domain.KindService {
		service = def.Name
	}

	return domain.Common{
		Name:         name,
		Description:  description,
		Target:       def.Name,
		ServiceName:  service,
		Restrictions: restrictions,
		Hints:        collectHints(def),
	}, nil
}

func collectHints(def *domain.Definition) map[string]string {
	hints := map[string]string{}
	for name, el := range def.Elements {
		if hint, ok := el.Annotations[annHint].(string); ok && hint != "" {
			hints[name] = hint
		}
	}
	for name, el := range def.Params {
		if hint, ok := el.Annotations[annHint].(string); ok && hint != "" {
			hints[name] = hint
		}
	}
	return hints
}

func entityKeyTypes(entity *domain.Definition) map[string]string {
	keys := map[string]string{}
	for name, el := range entity.Elements {
		// An association can never itself be a resource key; its foreign
		// key field stands in for it.
		if el.Key && !el.IsAssociation() {
			keys[name] = declaredType(el)
		}
	}
	return keys
}

func declaredType(el *domain.Element) string {
	if el.Items != nil {
		return "[]" + declaredType(el.Items)
	}
	return el.Type
}

// --- resource parsing ---

func (p *Parser) parseResource(def *domain.Definition, common domain.Common) (*domain.ResourceAnnotation, error) {
	functionalities, err := parseFunctionalities(def.Name, def.Annotations[annResource])
	if err != nil {
		return nil, err
	}

	readable := false
	switch flag := def.Annotations[annResource].(type) {
	case bool:
		readable = flag
	case []any:
		readable = true
	}

	res := &domain.ResourceAnnotation{
		Common:          common,
		Readable:        readable,
		Functionalities: functionalities,
		Properties:      map[string]string{},
		Keys:            map[string]string{},
		ForeignKeys:     map[string]string{},
		Computed:        map[string]bool{},
		Omitted:         map[string]bool{},
	}

	for name, el := range def.Elements {
		res.Properties[name] = declaredType(el)
		if el.Key && !el.IsAssociation() {
			res.Keys[name] = declaredType(el)
		}
		if el.Computed {
			res.Computed[name] = true
		}
		if omit, ok := el.Annotations[annOmit].(bool); ok && omit {
			res.Omitted[name] = true
		}
		if el.ForeignKeyOf != "" {
			target := el.ForeignKeyOf
			if assoc, ok := def.Elements[el.ForeignKeyOf]; ok && assoc.Target != "" {
				target = assoc.Target
			}
			res.ForeignKeys[name] = target
		}
	}

	wrap, err := parseWrap(def.Name, def.Annotations[annWrap])
	if err != nil {
		return nil, err
	}
	res.Wrap = wrap

	return res, nil
}

func parseFunctionalities(target string, raw any) ([]domain.QueryFunctionality, error) {
	switch v := raw.(type) {
	case nil, bool:
		// `resource: true` (or the bare tool/prompt case) enables the full
		// default set. `resource: false` never reaches here: the definition
		// still parses; registration skips it via the flag.
		return domain.AllQueryFunctionalities(), nil
	case []any:
		if len(v) == 0 {
			return domain.AllQueryFunctionalities(), nil
		}
		allowed := map[string]domain.QueryFunctionality{}
		for _, f := range domain.AllQueryFunctionalities() {
			allowed[string(f)] = f
		}
		var out []domain.QueryFunctionality
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, authorErrf(target, "resource option %v is not a string", item)
			}
			f, ok := allowed[strings.ToLower(s)]
			if !ok {
				return nil, authorErrf(target, "unknown resource option %q (allowed: filter, orderby, top, skip, select)", s)
			}
			out = append(out, f)
		}
		return out, nil
	default:
		return nil, authorErrf(target, "resource flag must be a boolean or an option array")
	}
}

func parseWrap(target string, raw any) (*domain.WrapConfig, error) {
	if raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, authorErrf(target, "wrap must be an object")
	}
	wrap := &domain.WrapConfig{Hints: map[string]string{}}
	if tools, ok := m["tools"].(bool); ok {
		wrap.Tools = tools
	}
	if rawModes, ok := m["modes"]; ok {
		modes, ok := rawModes.([]any)
		if !ok {
			return nil, authorErrf(target, "wrap.modes must be an array")
		}
		for _, item := range modes {
			s, _ := item.(string)
			if !isWrapMode(s) {
				return nil, authorErrf(target, "unknown wrap mode %q (allowed: %s)", s, strings.Join(domain.WrapModes, ", "))
			}
			wrap.Modes = append(wrap.Modes, s)
		}
	}
	switch hint := m["hint"].(type) {
	case nil:
	case string:
		for _, mode := range domain.WrapModes {
			wrap.Hints[mode] = hint
		}
	case map[string]any:
		for mode, v := range hint {
			if !isWrapMode(mode) {
				return nil, authorErrf(target, "unknown wrap hint mode %q", mode)
			}
			if s, ok := v.(string); ok {
				wrap.Hints[mode] = s
			}
		}
	default:
		return nil, authorErrf(target, "wrap.hint must be a string or a mode map")
	}
	return wrap, nil
}

func isWrapMode(mode string) bool {
	for _, m := range domain.WrapModes {
		if m == mode {
			return true
		}
	}
	return false
}

// --- tool parsing ---

func (p *Parser) parseTool(def *domain.Definition, common domain.Common, boundEntity string, keyTypes map[string]string) (*domain.ToolAnnotation, error) {
	tool := &domain.ToolAnnotation{
		Common:     common,
		Parameters: map[string]string{},
		Kind:       def.Kind,
		EntityKey:  boundEntity,
		KeyTypes:   keyTypes,
	}

	for name, el := range def.Params {
		tool.Parameters[name] = declaredType(el)
	}

	// A bound operation without identifiable keys cannot be addressed.
	if tool.EntityKey != "" && len(tool.KeyTypes) == 0 {
		return nil, authorErrf(def.Name, "bound operation on %s has no key fields", tool.EntityKey)
	}

	elicit, err := parseElicit(def.Name, def.Annotations[annElicit])
	if err != nil {
		return nil, err
	}
	tool.Elicit = elicit

	return tool, nil
}

func parseElicit(target string, raw any) ([]domain.ElicitStep, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, authorErrf(target, "elicit must be an array")
	}
	// Declared but empty is an authoring bug, not a no-op.
	if len(list) == 0 {
		return nil, authorErrf(target, "elicit requirement is declared but empty")
	}
	var steps []domain.ElicitStep
	for _, item := range list {
		s, _ := item.(string)
		switch domain.ElicitStep(strings.ToLower(s)) {
		case domain.ElicitInput:
			steps = append(steps, domain.ElicitInput)
		case domain.ElicitConfirm:
			steps = append(steps, domain.ElicitConfirm)
		default:
			return nil, authorErrf(target, "unknown elicit step %q (allowed: input, confirm)", s)
		}
	}
	return steps, nil
}

// --- prompt parsing ---

func (p *Parser) parsePrompt(def *domain.Definition, common domain.Common) (*domain.PromptAnnotation, error) {
	raw, ok := def.Annotations[annPrompts]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, authorErrf(def.Name, "prompts must be an array of templates")
	}

	prompt := &domain.PromptAnnotation{Common: common}
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, authorErrf(def.Name, "prompt template %d is not an object", i)
		}
		tpl := domain.PromptTemplate{}
		tpl.Name, _ = m["name"].(string)
		tpl.Title, _ = m["title"].(string)
		tpl.Description, _ = m["description"].(string)
		tpl.Template, _ = m["template"].(string)
		tpl.Role, _ = m["role"].(string)
		if tpl.Name == "" || tpl.Description == "" {
			return nil, authorErrf(def.Name, "prompt template %d requires name and description", i)
		}
		if tpl.Template == "" {
			return nil, authorErrf(def.Name, "prompt template %q has an empty template", tpl.Name)
		}
		switch tpl.Role {
		case "":
			tpl.Role = "user"
		case "user", "assistant":
		default:
			return nil, authorErrf(def.Name, "prompt template %q has invalid role %q", tpl.Name, tpl.Role)
		}
		if rawInputs, ok := m["inputs"].([]any); ok {
			for _, ri := range rawInputs {
				im, ok := ri.(map[string]any)
				if !ok {
					return nil, authorErrf(def.Name, "prompt template %q has a malformed input", tpl.Name)
				}
				in := domain.PromptInput{}
				in.Key, _ = im["key"].(string)
				in.Type, _ = im["type"].(string)
				if in.Key == "" {
					return nil, authorErrf(def.Name, "prompt template %q has an input without a key", tpl.Name)
				}
				if in.Type == "" {
					in.Type = domain.TypeString
				}
				tpl.Inputs = append(tpl.Inputs, in)
			}
		}
		prompt.Templates = append(prompt.Templates, tpl)
	}
	if len(prompt.Templates) == 0 {
		return nil, nil
	}
	return prompt, nil
}
