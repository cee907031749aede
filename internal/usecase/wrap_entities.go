package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"dsmcp/internal/adapter/outbound/query"
	"dsmcp/internal/domain"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
)

// storeTimeout bounds every wrapper store operation. On expiry an in-flight
// transaction is rolled back best-effort and a TIMEOUT payload is returned.
const storeTimeout = 10 * time.Second

// registerWrappers synthesizes up to five callable operations from a
// resource annotation, one per mode in the union of the resource's
// configured modes and the server defaults, intersected with the caller's
// capabilities. Returns the number of tools registered.
func (r *Registrar) registerWrappers(srv MCPServerAdapter, res *domain.ResourceAnnotation, caps domain.Capabilities) int {
	wrapEnabled := r.opts.WrapEntities
	if res.Wrap != nil {
		wrapEnabled = res.Wrap.Tools
	}
	if !wrapEnabled {
		return 0
	}

	requested := map[string]bool{}
	for _, mode := range r.opts.DefaultWrapModes {
		requested[mode] = true
	}
	if res.Wrap != nil {
		for _, mode := range res.Wrap.Modes {
			requested[mode] = true
		}
	}

	count := 0
	for _, mode := range domain.WrapModes {
		if !requested[mode] {
			continue
		}
		allowed := false
		switch mode {
		case "query", "get":
			allowed = caps.CanRead
		case "create":
			allowed = caps.CanCreate
		case "update":
			allowed = caps.CanUpdate
		case "delete":
			allowed = caps.CanDelete
		}
		if !allowed {
			continue
		}
		r.registerWrapper(srv, res, mode)
		count++
	}
	return count
}

func wrapperName(res *domain.ResourceAnnotation, mode string) string {
	return fmt.Sprintf("%s_%s_%s", domain.ShortName(res.ServiceName), domain.ShortName(res.Target), mode)
}

func (r *Registrar) registerWrapper(srv MCPServerAdapter, res *domain.ResourceAnnotation, mode string) {
	name := wrapperName(res, mode)
	var schema domain.SchemaProps
	var handler func(ctx context.Context, res *domain.ResourceAnnotation, schema domain.SchemaProps, args map[string]any) *mcp.CallToolResult

	switch mode {
	case "query":
		schema = r.querySchema(res)
		handler = r.executeQuery
	case "get":
		schema = r.keySchema(res, "Returns the matching record, or an empty result when no record matches.")
		handler = r.executeGet
	case "create":
		schema = r.createSchema(res)
		handler = r.executeCreate
	case "update":
		schema = r.updateSchema(res)
		handler = r.executeUpdate
	case "delete":
		schema = r.keySchema(res, "Deletes the matching record.")
		handler = r.executeDelete
	}

	tool := mcp.Tool{
		Name:        name,
		Description: r.wrapperDescription(res, mode),
		InputSchema: toolInputSchema(schema),
	}
	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		return handler(ctx, res, schema, args), nil
	})
	r.logger.Debug("Registered wrapper tool.", slog.String("tool", name), slog.String("mode", mode))
}

// wrapperDescription embeds the resource description, an OData-style usage
// note, the per-mode wrap hint and the association warning.
func (r *Registrar) wrapperDescription(res *domain.ResourceAnnotation, mode string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s of %s.", res.Description, strings.ToUpper(mode), domain.ShortName(res.Target))
	if mode == "query" {
		info := query.InfoFor(res, false)
		names := make([]string, 0, len(info.Properties))
		for n := range info.Properties {
			names = append(names, n)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, " Accepts OData-style options (top, skip, select, orderby, where, q). Properties: %s.", strings.Join(names, ", "))
	}
	if res.Wrap != nil {
		if hint := res.Wrap.Hints[mode]; hint != "" {
			b.WriteString(" ")
			b.WriteString(hint)
		}
	}
	if len(res.ForeignKeys) > 0 {
		b.WriteString(appendAssociationWarning(res))
	}
	return b.String()
}

// --- input schemas ---

func (r *Registrar) querySchema(res *domain.ResourceAnnotation) domain.SchemaProps {
	fieldEnum := "a whitelisted property name"
	props := map[string]domain.SchemaProps{
		"top":  {Type: domain.SchemaNumber, Description: fmt.Sprintf("Maximum rows to return (1-%d).", wrapperMaxTop)},
		"skip": {Type: domain.SchemaNumber, Description: "Rows to skip before returning results."},
		"select": {Type: domain.SchemaArray, Description: "Properties to project.",
			Items: &domain.SchemaProps{Type: domain.SchemaString}},
		"orderby": {Type: domain.SchemaArray, Description: "Ordering terms, applied in sequence.",
			Items: &domain.SchemaProps{Type: domain.SchemaObject, Properties: map[string]domain.SchemaProps{
				"field": {Type: domain.SchemaString, Description: fieldEnum},
				"desc":  {Type: domain.SchemaBoolean},
			}, Required: []string{"field"}}},
		"where": {Type: domain.SchemaArray, Description: "Filter clauses, AND-joined. Operators: eq, ne, gt, ge, lt, le, contains, startswith, endswith, in.",
			Items: &domain.SchemaProps{Type: domain.SchemaObject, Properties: map[string]domain.SchemaProps{
				"field": {Type: domain.SchemaString, Description: fieldEnum},
				"op":    {Type: domain.SchemaString},
				"value": {},
			}, Required: []string{"field", "op"}}},
		"filter": {Type: domain.SchemaString, Description: "OData-style filter expression, e.g. \"stock gt 10 and contains(title,'raven')\"."},
		"q":      {Type: domain.SchemaString, Description: "Free-text search across string properties."},
		"return": {Type: domain.SchemaString, Description: "Result shape: rows (default), count, or aggregate."},
		"aggregate": {Type: domain.SchemaArray, Description: "Aggregate specs for return mode \"aggregate\".",
			Items: &domain.SchemaProps{Type: domain.SchemaObject, Properties: map[string]domain.SchemaProps{
				"field": {Type: domain.SchemaString},
				"fn":    {Type: domain.SchemaString, Description: "One of sum, avg, min, max, count."},
			}, Required: []string{"fn"}}},
		"explain": {Type: domain.SchemaBoolean, Description: "Return the compiled query instead of executing it."},
	}
	return domain.SchemaProps{Type: domain.SchemaObject, Properties: props}
}

// keySchema builds the get/delete input: one property per declared key,
// plus a "keys" escape hatch accepting an object or, for single-key
// entities, the bare key value.
func (r *Registrar) keySchema(res *domain.ResourceAnnotation, note string) domain.SchemaProps {
	props := map[string]domain.SchemaProps{}
	for name, typ := range res.Keys {
		schema := r.types.MapDeclared(typ, name, nil)
		schema.Description = "Key field. " + note
		props[name] = schema
	}
	props["keys"] = domain.SchemaProps{Description: "Alternative: an object of key fields, or the bare key value for single-key entities."}
	return domain.SchemaProps{Type: domain.SchemaObject, Properties: props}
}

// createSchema builds the create input from every non-association,
// non-computed property. All fields are optional; the store applies
// declared defaults. Association inputs are accepted only via their
// <assoc>_ID foreign-key field.
func (r *Registrar) createSchema(res *domain.ResourceAnnotation) domain.SchemaProps {
	props := map[string]domain.SchemaProps{}
	entity := r.rt.Model.Definition(res.Target)
	for name, typ := range res.Properties {
		if typ == domain.TypeAssociation || typ == domain.TypeComposition {
			continue
		}
		if res.Computed[name] {
			continue
		}
		var schema domain.SchemaProps
		if entity != nil && entity.Elements[name] != nil {
			schema = r.types.MapElement(entity.Elements[name], name, entity)
		} else {
			schema = r.types.MapDeclared(typ, name, entity)
		}
		schema.Description = fieldDescription(res, name)
		props[name] = schema
	}
	return domain.SchemaProps{Type: domain.SchemaObject, Properties: props}
}

func (r *Registrar) updateSchema(res *domain.ResourceAnnotation) domain.SchemaProps {
	schema := r.createSchema(res)
	for name, typ := range res.Keys {
		keySchema := r.types.MapDeclared(typ, name, nil)
		keySchema.Description = "Key field identifying the record to update."
		schema.Properties[name] = keySchema
	}
	schema.Properties["keys"] = domain.SchemaProps{Description: "Alternative: an object of key fields, or the bare key value for single-key entities."}
	return schema
}

func fieldDescription(res *domain.ResourceAnnotation, name string) string {
	var parts []string
	if hint, ok := res.Hints[name]; ok {
		parts = append(parts, hint)
	}
	if target, ok := res.ForeignKeys[name]; ok {
		parts = append(parts, fmt.Sprintf("Foreign key referencing %s.", domain.ShortName(target)))
	}
	return strings.Join(parts, " ")
}

// --- shared execution helpers ---

func toolInputSchema(schema domain.SchemaProps) mcp.ToolInputSchema {
	props := map[string]any{}
	for name, p := range schema.Properties {
		props[name] = p.JSONSchema()
	}
	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: props,
		Required:   schema.Required,
	}
}

func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func (r *Registrar) resolveService(res *domain.ResourceAnnotation) (ServiceExecutor, *mcp.CallToolResult) {
	svc, ok := r.rt.Services.Resolve(res.ServiceName)
	if !ok {
		return nil, errorResult(CodeMissingService,
			fmt.Sprintf("service %s is not served", res.ServiceName),
			map[string]any{"known_services": r.rt.Services.Known()})
	}
	return svc, nil
}

// omitFields strips omitted fields from an outbound payload. Omitted fields
// stay valid inbound.
func omitFields(row map[string]any, res *domain.ResourceAnnotation) map[string]any {
	if row == nil || len(res.Omitted) == 0 {
		return row
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		if res.Omitted[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// rollbackQuietly rolls back best-effort: a rollback failure must not mask
// the original error.
func rollbackQuietly(ctx context.Context, tx StoreTx, logger *slog.Logger) {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("Transaction rollback failed.", slog.Any("error", err))
	}
}

// collectKeys extracts all declared key fields from the arguments.
// Key-name matching is case-insensitive and numeric-looking strings are
// coerced for number-typed keys. Accepts the "keys" escape hatch: an object,
// or a bare value when the entity has exactly one key.
func collectKeys(res *domain.ResourceAnnotation, args map[string]any) (map[string]any, []string) {
	keys := map[string]any{}
	var missing []string

	lookup := func(source map[string]any, field string) (any, bool) {
		if v, ok := source[field]; ok {
			return v, true
		}
		for k, v := range source {
			if strings.EqualFold(k, field) {
				return v, true
			}
		}
		return nil, false
	}

	var keysArg map[string]any
	switch ka := args["keys"].(type) {
	case map[string]any:
		keysArg = ka
	case nil:
	default:
		// Bare-value shorthand for single-key entities.
		if len(res.Keys) == 1 {
			for name, typ := range res.Keys {
				keys[name] = coerceValue(typ, ka)
			}
			return keys, nil
		}
	}

	for name, typ := range res.Keys {
		if _, done := keys[name]; done {
			continue
		}
		if v, ok := lookup(args, name); ok {
			keys[name] = coerceValue(typ, v)
			continue
		}
		if keysArg != nil {
			if v, ok := lookup(keysArg, name); ok {
				keys[name] = coerceValue(typ, v)
				continue
			}
		}
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return keys, missing
}

// coerceValue converts numeric-looking string inputs to numbers for
// number-typed fields, a convenience for imprecise callers.
func coerceValue(declaredType string, v any) any {
	switch declaredType {
	case domain.TypeInteger, domain.TypeInteger64, domain.TypeDecimal, domain.TypeDouble:
		if s, ok := v.(string); ok {
			if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return n
			}
		}
	}
	return v
}

// normalizePayload filters the arguments down to writable fields (no keys
// argument, no unknown fields slip through schema validation) and applies
// numeric coercion per declared type.
func normalizePayload(res *domain.ResourceAnnotation, args map[string]any, excludeKeys bool) map[string]any {
	out := map[string]any{}
	for name, v := range args {
		if name == "keys" {
			continue
		}
		typ, ok := res.Properties[name]
		if !ok {
			continue
		}
		if typ == domain.TypeAssociation || typ == domain.TypeComposition {
			continue
		}
		if res.Computed[name] {
			continue
		}
		if excludeKeys {
			if _, isKey := res.Keys[name]; isKey {
				continue
			}
		}
		out[name] = coerceValue(typ, v)
	}
	return out
}

// --- mode handlers ---

func (r *Registrar) executeQuery(ctx context.Context, res *domain.ResourceAnnotation, schema domain.SchemaProps, args map[string]any) *mcp.CallToolResult {
	ctx, span := tracer.Start(ctx, "wrapper.query")
	defer span.End()
	span.SetAttributes(attribute.String("entity", res.Target))

	if issues := schema.Validate(args); len(issues) > 0 {
		return errorResult(CodeInvalidInput, fmt.Sprintf("invalid input for %s", wrapperName(res, "query")), issues)
	}

	req, result := decodeQueryRequest(args)
	if result != nil {
		return result
	}

	info := query.InfoFor(res, false)
	compiled, err := query.Build(info, req, wrapperMaxTop)
	if err != nil {
		var verr *query.ValidationError
		if errors.As(err, &verr) {
			return errorResult(verr.Code, verr.Message, nil)
		}
		return errorResult(CodeQueryFailed, err.Error(), nil)
	}

	if explain, _ := args["explain"].(bool); explain {
		return jsonResult(map[string]any{"query": compiled.String()})
	}

	svc, errResult := r.resolveService(res)
	if errResult != nil {
		return errResult
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	user := IdentityFrom(ctx)
	queryResult, err := svc.Query(ctx, user, compiled)
	if err != nil {
		if isTimeout(ctx, err) {
			return errorResult(CodeTimeout, fmt.Sprintf("query on %s timed out", res.Target), nil)
		}
		return errorResult(CodeQueryFailed, err.Error(), nil)
	}
	for i, row := range queryResult.Rows {
		queryResult.Rows[i] = omitFields(row, res)
	}
	return jsonResult(queryResult)
}

// decodeQueryRequest converts the loose tool arguments into a typed query
// request. Structured array arguments round-trip through JSON to reuse the
// field tags.
func decodeQueryRequest(args map[string]any) (query.Request, *mcp.CallToolResult) {
	req := query.Request{
		Top:  args["top"],
		Skip: args["skip"],
	}
	if s, ok := args["q"].(string); ok {
		req.Q = s
	}
	if s, ok := args["return"].(string); ok {
		req.Return = query.ReturnKind(s)
	}
	if sel, ok := args["select"].([]any); ok {
		for _, item := range sel {
			if s, ok := item.(string); ok {
				req.Select = append(req.Select, s)
			}
		}
	}
	switch ob := args["orderby"].(type) {
	case string:
		req.OrderByRaw = ob
	case []any:
		if err := reencode(ob, &req.OrderBy); err != nil {
			return req, errorResult(CodeInvalidInput, "malformed orderby clauses", nil)
		}
	}
	if w, ok := args["where"].([]any); ok {
		if err := reencode(w, &req.Where); err != nil {
			return req, errorResult(CodeInvalidInput, "malformed where clauses", nil)
		}
	}
	if a, ok := args["aggregate"].([]any); ok {
		if err := reencode(a, &req.Aggregates); err != nil {
			return req, errorResult(CodeInvalidInput, "malformed aggregate specs", nil)
		}
	}
	if f, ok := args["filter"].(string); ok {
		req.Filter = f
	}
	return req, nil
}

func reencode(from any, to any) error {
	raw, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, to)
}

func (r *Registrar) executeGet(ctx context.Context, res *domain.ResourceAnnotation, schema domain.SchemaProps, args map[string]any) *mcp.CallToolResult {
	ctx, span := tracer.Start(ctx, "wrapper.get")
	defer span.End()
	span.SetAttributes(attribute.String("entity", res.Target))

	keys, missing := collectKeys(res, args)
	if len(missing) > 0 {
		return errorResult(CodeMissingKey,
			fmt.Sprintf("missing key field(s) for %s: %s", domain.ShortName(res.Target), strings.Join(missing, ", ")), nil)
	}

	svc, errResult := r.resolveService(res)
	if errResult != nil {
		return errResult
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	user := IdentityFrom(ctx)
	row, err := svc.Read(ctx, user, res.Target, keys)
	if err != nil {
		if errors.Is(err, ErrEntityNotFound) {
			// A miss is a successful empty result, not an error.
			return jsonResult(map[string]any{"record": nil})
		}
		if isTimeout(ctx, err) {
			return errorResult(CodeTimeout, fmt.Sprintf("get on %s timed out", res.Target), nil)
		}
		return errorResult(CodeGetFailed, err.Error(), nil)
	}
	if row == nil {
		return jsonResult(map[string]any{"record": nil})
	}
	return jsonResult(map[string]any{"record": omitFields(row, res)})
}

func (r *Registrar) executeCreate(ctx context.Context, res *domain.ResourceAnnotation, schema domain.SchemaProps, args map[string]any) *mcp.CallToolResult {
	ctx, span := tracer.Start(ctx, "wrapper.create")
	defer span.End()
	span.SetAttributes(attribute.String("entity", res.Target))

	if issues := schema.Validate(args); len(issues) > 0 {
		return errorResult(CodeInvalidInput, fmt.Sprintf("invalid input for %s", wrapperName(res, "create")), issues)
	}
	data := normalizePayload(res, args, false)

	svc, errResult := r.resolveService(res)
	if errResult != nil {
		return errResult
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	user := IdentityFrom(ctx)
	tx, err := svc.Begin(ctx, user)
	if err != nil {
		return errorResult(CodeCreateFailed, err.Error(), nil)
	}
	created, err := tx.Insert(ctx, res.Target, data)
	if err != nil {
		rollbackQuietly(ctx, tx, r.logger)
		if isTimeout(ctx, err) {
			return errorResult(CodeTimeout, fmt.Sprintf("create on %s timed out", res.Target), nil)
		}
		return errorResult(CodeCreateFailed, err.Error(), nil)
	}
	if err := tx.Commit(ctx); err != nil {
		rollbackQuietly(ctx, tx, r.logger)
		if isTimeout(ctx, err) {
			return errorResult(CodeTimeout, fmt.Sprintf("create on %s timed out", res.Target), nil)
		}
		return errorResult(CodeCreateFailed, err.Error(), nil)
	}
	return jsonResult(map[string]any{"created": omitFields(created, res)})
}

func (r *Registrar) executeUpdate(ctx context.Context, res *domain.ResourceAnnotation, schema domain.SchemaProps, args map[string]any) *mcp.CallToolResult {
	ctx, span := tracer.Start(ctx, "wrapper.update")
	defer span.End()
	span.SetAttributes(attribute.String("entity", res.Target))

	if issues := schema.Validate(args); len(issues) > 0 {
		return errorResult(CodeInvalidInput, fmt.Sprintf("invalid input for %s", wrapperName(res, "update")), issues)
	}

	keys, missing := collectKeys(res, args)
	if len(missing) > 0 {
		return errorResult(CodeMissingKey,
			fmt.Sprintf("missing key field(s) for %s: %s", domain.ShortName(res.Target), strings.Join(missing, ", ")), nil)
	}

	data := normalizePayload(res, args, true)
	if len(data) == 0 {
		return errorResult(CodeNoFields,
			fmt.Sprintf("update on %s requires at least one non-key field", domain.ShortName(res.Target)), nil)
	}

	svc, errResult := r.resolveService(res)
	if errResult != nil {
		return errResult
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	user := IdentityFrom(ctx)
	tx, err := svc.Begin(ctx, user)
	if err != nil {
		return errorResult(CodeUpdateFailed, err.Error(), nil)
	}
	updated, err := tx.Update(ctx, res.Target, keys, data)
	if err != nil {
		rollbackQuietly(ctx, tx, r.logger)
		if isTimeout(ctx, err) {
			return errorResult(CodeTimeout, fmt.Sprintf("update on %s timed out", res.Target), nil)
		}
		return errorResult(CodeUpdateFailed, err.Error(), nil)
	}
	if err := tx.Commit(ctx); err != nil {
		rollbackQuietly(ctx, tx, r.logger)
		if isTimeout(ctx, err) {
			return errorResult(CodeTimeout, fmt.Sprintf("update on %s timed out", res.Target), nil)
		}
		return errorResult(CodeUpdateFailed, err.Error(), nil)
	}
	return jsonResult(map[string]any{"updated": omitFields(updated, res)})
}

func (r *Registrar) executeDelete(ctx context.Context, res *domain.ResourceAnnotation, schema domain.SchemaProps, args map[string]any) *mcp.CallToolResult {
	ctx, span := tracer.Start(ctx, "wrapper.delete")
	defer span.End()
	span.SetAttributes(attribute.String("entity", res.Target))

	keys, missing := collectKeys(res, args)
	if len(missing) > 0 {
		return errorResult(CodeMissingKey,
			fmt.Sprintf("missing key field(s) for %s: %s", domain.ShortName(res.Target), strings.Join(missing, ", ")), nil)
	}

	svc, errResult := r.resolveService(res)
	if errResult != nil {
		return errResult
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	user := IdentityFrom(ctx)
	tx, err := svc.Begin(ctx, user)
	if err != nil {
		return errorResult(CodeDeleteFailed, err.Error(), nil)
	}
	if err := tx.Delete(ctx, res.Target, keys); err != nil {
		rollbackQuietly(ctx, tx, r.logger)
		if isTimeout(ctx, err) {
			return errorResult(CodeTimeout, fmt.Sprintf("delete on %s timed out", res.Target), nil)
		}
		return errorResult(CodeDeleteFailed, err.Error(), nil)
	}
	if err := tx.Commit(ctx); err != nil {
		rollbackQuietly(ctx, tx, r.logger)
		if isTimeout(ctx, err) {
			return errorResult(CodeTimeout, fmt.Sprintf("delete on %s timed out", res.Target), nil)
		}
		return errorResult(CodeDeleteFailed, err.Error(), nil)
	}
	// Success marker even when the store returns no payload.
	return jsonResult(map[string]any{"deleted": true, "keys": keys})
}
