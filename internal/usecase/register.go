package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"dsmcp/internal/adapter/outbound/dsmodel"
	"dsmcp/internal/adapter/outbound/query"
	"dsmcp/internal/domain"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Query bounds per path. The resource (streamed) path allows larger pages
// than the wrapper-tool path.
const (
	resourceMaxTop = 1000
	wrapperMaxTop  = 200
)

var tracer = otel.Tracer("dsmcp/usecase")

// Registrar registers parsed annotations on an MCP server instance,
// consulting the access evaluator for the session's caller.
type Registrar struct {
	rt     *RuntimeContext
	types  *dsmodel.TypeMapper
	opts   Options
	logger *slog.Logger
}

// NewRegistrar creates a Registrar.
func NewRegistrar(rt *RuntimeContext, types *dsmodel.TypeMapper, opts Options) *Registrar {
	return &Registrar{
		rt:     rt,
		types:  types,
		opts:   opts,
		logger: rt.Logger.With("usecase", "Register"),
	}
}

// RegisterAll registers every accessible annotation on the server. user is
// the session's caller identity; with auth disabled it is privileged.
func (r *Registrar) RegisterAll(srv MCPServerAdapter, annotations map[string]*domain.Annotation, user domain.Identity) {
	elicitor := NewElicitor(srv, r.opts.ElicitTimeout)

	targets := make([]string, 0, len(annotations))
	for target := range annotations {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	var resources, tools, prompts int
	for _, target := range targets {
		ann := annotations[target]
		restrictions := ann.Base().Restrictions
		switch ann.Kind {
		case domain.AnnotationResource:
			caps := r.capabilities(user, restrictions)
			if ann.Resource.Readable && caps.CanRead {
				r.registerResource(srv, ann.Resource)
				resources++
			}
			tools += r.registerWrappers(srv, ann.Resource, caps)
		case domain.AnnotationTool:
			if r.hasAccess(user, restrictions) {
				r.registerOperationTool(srv, ann.Tool, elicitor)
				tools++
			}
		case domain.AnnotationPrompt:
			if r.hasAccess(user, restrictions) {
				prompts += r.registerPrompts(srv, ann.Prompt)
			}
		}
	}
	r.logger.Info("Registered annotations on server.",
		slog.Int("resources", resources), slog.Int("tools", tools), slog.Int("prompts", prompts))
}

func (r *Registrar) capabilities(user domain.Identity, restrictions []domain.Restriction) domain.Capabilities {
	if !r.opts.AuthEnabled {
		user = domain.PrivilegedUser{}
	}
	return domain.ResolveCapabilities(user, restrictions)
}

func (r *Registrar) hasAccess(user domain.Identity, restrictions []domain.Restriction) bool {
	if !r.opts.AuthEnabled {
		user = domain.PrivilegedUser{}
	}
	return domain.HasAccess(user, restrictions, "")
}

// --- resources ---

func (r *Registrar) resourceURI(res *domain.ResourceAnnotation) string {
	return fmt.Sprintf("odata://%s/%s", domain.ShortName(res.ServiceName), domain.ShortName(res.Target))
}

func (r *Registrar) registerResource(srv MCPServerAdapter, res *domain.ResourceAnnotation) {
	info := query.InfoFor(res, true)
	// RFC 6570 variable names cannot carry the $ prefix; the handler still
	// reads the $-prefixed form from the request URI.
	opts := make([]string, 0, len(res.Functionalities))
	for _, f := range res.Functionalities {
		opts = append(opts, string(f))
	}
	uriTemplate := r.resourceURI(res) + "{?" + strings.Join(opts, ",") + "}"

	template := mcp.NewResourceTemplate(
		uriTemplate,
		res.Name,
		mcp.WithTemplateDescription(r.resourceDescription(res)),
		mcp.WithTemplateMIMEType("application/json"),
	)
	srv.AddResourceTemplate(template, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return r.readResource(ctx, res, info, req.Params.URI)
	})
}

// resourceDescription embeds the authored description, an OData-style usage
// note and the association warning, since filtering on a bare association
// name is the single most common caller mistake.
func (r *Registrar) resourceDescription(res *domain.ResourceAnnotation) string {
	var b strings.Builder
	b.WriteString(res.Description)
	info := query.InfoFor(res, false)
	names := make([]string, 0, len(info.Properties))
	for name := range info.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(&b, " Supports OData-style query options (%s). Filterable properties: %s.",
		functionalityList(res.Functionalities), strings.Join(names, ", "))
	if len(res.ForeignKeys) > 0 {
		b.WriteString(appendAssociationWarning(res))
	}
	return b.String()
}

func functionalityList(fs []domain.QueryFunctionality) string {
	opts := make([]string, len(fs))
	for i, f := range fs {
		opts[i] = "$" + string(f)
	}
	return strings.Join(opts, ", ")
}

func appendAssociationWarning(res *domain.ResourceAnnotation) string {
	pairs := make([]string, 0, len(res.ForeignKeys))
	for fk, target := range res.ForeignKeys {
		assoc := strings.TrimSuffix(fk, "_ID")
		pairs = append(pairs, fmt.Sprintf("%s (not %q, which references %s)", fk, assoc, domain.ShortName(target)))
	}
	sort.Strings(pairs)
	return " IMPORTANT: filter associations by their foreign-key field: " + strings.Join(pairs, "; ") + "."
}

// queryOption reads a query option in its OData-prefixed or bare form; the
// URI template advertises the bare names.
func queryOption(values url.Values, name string) string {
	if v := values.Get("$" + name); v != "" {
		return v
	}
	return values.Get(name)
}

func (r *Registrar) readResource(ctx context.Context, res *domain.ResourceAnnotation, info query.EntityInfo, uri string) ([]mcp.ResourceContents, error) {
	ctx, span := tracer.Start(ctx, "resource.read")
	defer span.End()
	span.SetAttributes(attribute.String("entity", res.Target))

	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid resource URI %q: %w", uri, err)
	}
	values := parsed.Query()

	req := query.Request{
		Filter:     queryOption(values, "filter"),
		OrderByRaw: queryOption(values, "orderby"),
	}
	if s := queryOption(values, "select"); s != "" {
		for _, field := range strings.Split(s, ",") {
			req.Select = append(req.Select, strings.TrimSpace(field))
		}
	}
	if t := queryOption(values, "top"); t != "" {
		req.Top = t
	}
	if s := queryOption(values, "skip"); s != "" {
		req.Skip = s
	}

	compiled, err := query.Build(info, req, resourceMaxTop)
	if err != nil {
		return nil, err
	}

	svc, ok := r.rt.Services.Resolve(res.ServiceName)
	if !ok {
		return nil, fmt.Errorf("%w: %s (known: %s)", ErrServiceNotFound, res.ServiceName, strings.Join(r.rt.Services.Known(), ", "))
	}

	user := IdentityFrom(ctx)
	result, err := svc.Query(ctx, user, compiled)
	if err != nil {
		return nil, fmt.Errorf("resource query for %s failed: %w", res.Target, err)
	}
	for i, row := range result.Rows {
		result.Rows[i] = omitFields(row, res)
	}

	body := jsonResult(result)
	text, _ := body.Content[0].(mcp.TextContent)
	return []mcp.ResourceContents{mcp.TextResourceContents{
		URI:      uri,
		MIMEType: "application/json",
		Text:     text.Text,
	}}, nil
}

// --- declared operation tools ---

func (r *Registrar) registerOperationTool(srv MCPServerAdapter, tool *domain.ToolAnnotation, elicitor Elicitor) {
	name := fmt.Sprintf("%s_%s", domain.ShortName(tool.ServiceName), tool.Name)
	schema := r.operationInputSchema(tool)

	desc := tool.Description
	if tool.Kind == domain.KindAction {
		desc += " This operation has side effects."
	}
	if tool.EntityKey != "" {
		desc += fmt.Sprintf(" Bound to %s: the entity key fields are required.", domain.ShortName(tool.EntityKey))
	}

	mcpTool := mcp.Tool{
		Name:        name,
		Description: desc,
		InputSchema: toolInputSchema(schema),
	}
	srv.AddTool(mcpTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return r.invokeOperation(ctx, tool, schema, elicitor, req.GetArguments()), nil
	})
	r.logger.Debug("Registered operation tool.", slog.String("tool", name), slog.String("target", tool.Target))
}

func (r *Registrar) operationInputSchema(tool *domain.ToolAnnotation) domain.SchemaProps {
	props := map[string]domain.SchemaProps{}
	var required []string

	for name, typ := range tool.KeyTypes {
		schema := r.types.MapDeclared(typ, name, nil)
		schema.Description = "Entity key field."
		props[name] = schema
		required = append(required, name)
	}
	for name, typ := range tool.Parameters {
		schema := r.types.MapDeclared(typ, name, r.rt.Model.Definition(tool.EntityKey))
		if hint, ok := tool.Hints[name]; ok {
			schema.Description = hint
		}
		props[name] = schema
	}
	sort.Strings(required)
	return domain.SchemaProps{Type: domain.SchemaObject, Properties: props, Required: required}
}

func (r *Registrar) invokeOperation(ctx context.Context, tool *domain.ToolAnnotation, schema domain.SchemaProps, elicitor Elicitor, args map[string]any) *mcp.CallToolResult {
	ctx, span := tracer.Start(ctx, "tool.call")
	defer span.End()
	span.SetAttributes(attribute.String("target", tool.Target))

	if args == nil {
		args = map[string]any{}
	}

	if len(tool.Elicit) > 0 {
		extra, short, err := runElicitation(ctx, elicitor, tool, schema)
		if err != nil {
			if isTimeout(ctx, err) {
				return errorResult(CodeTimeout, fmt.Sprintf("elicitation for %s timed out", tool.Name), nil)
			}
			return errorResult(CodeCallFailed, fmt.Sprintf("elicitation for %s failed: %v", tool.Name, err), nil)
		}
		if short != nil {
			return short
		}
		for k, v := range extra {
			if _, exists := args[k]; !exists {
				args[k] = v
			}
		}
	}

	if issues := schema.Validate(args); len(issues) > 0 {
		return errorResult(CodeInvalidInput, fmt.Sprintf("invalid input for %s", tool.Name), issues)
	}

	svc, ok := r.rt.Services.Resolve(tool.ServiceName)
	if !ok {
		return errorResult(CodeMissingService,
			fmt.Sprintf("service %s is not served", tool.ServiceName),
			map[string]any{"known_services": r.rt.Services.Known()})
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	user := IdentityFrom(ctx)
	result, err := svc.Call(ctx, user, domain.ShortName(tool.Target), args)
	if err != nil {
		if isTimeout(ctx, err) {
			return errorResult(CodeTimeout, fmt.Sprintf("%s timed out", tool.Name), nil)
		}
		return errorResult(CodeCallFailed, err.Error(), nil)
	}
	return jsonResult(map[string]any{"result": result})
}
