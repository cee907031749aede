// Package query validates the constrained query grammar exposed to callers
// and compiles it into a backing-store-safe representation. The whitelist is
// built from scalar and foreign-key properties only: associations are never
// addressable by their bare name, only through their <assoc>_ID field.
package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"dsmcp/internal/domain"
)

// Op is a comparison operator of the structured where grammar.
type Op string

const (
	OpEq         Op = "eq"
	OpNe         Op = "ne"
	OpGt         Op = "gt"
	OpGe         Op = "ge"
	OpLt         Op = "lt"
	OpLe         Op = "le"
	OpContains   Op = "contains"
	OpStartsWith Op = "startswith"
	OpEndsWith   Op = "endswith"
	OpIn         Op = "in"
)

var comparisonSQL = map[Op]string{
	OpEq: "=", OpNe: "!=", OpGt: ">", OpGe: ">=", OpLt: "<", OpLe: "<=",
}

// ReturnKind selects the compiled query shape.
type ReturnKind string

const (
	ReturnRows      ReturnKind = "rows"
	ReturnCount     ReturnKind = "count"
	ReturnAggregate ReturnKind = "aggregate"
)

// Condition is a single field/op/value comparison.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// Expr is a boolean combination of conditions. Exactly one of the fields is
// populated.
type Expr struct {
	And  []Expr
	Or   []Expr
	Not  *Expr
	Cond *Condition
}

// OrderSpec is one ordering term.
type OrderSpec struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc"`
}

// AggregateSpec projects fn(field) as fn_field.
type AggregateSpec struct {
	Field string `json:"field"`
	Fn    string `json:"fn"`
}

var aggregateFns = map[string]bool{"sum": true, "avg": true, "min": true, "max": true, "count": true}

// WhereClause is one structured filter term; clauses are AND-joined.
type WhereClause struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// Request is the caller-supplied query in either form. String and structured
// forms may be mixed; all resulting conditions are AND-joined.
type Request struct {
	Top        any
	Skip       any
	Select     []string
	OrderBy    []OrderSpec // structured order clauses
	OrderByRaw string      // "$orderby" string form: "title desc, stock"
	Where      []WhereClause
	Filter     string // "$filter" string form
	Q          string // free-text quick search
	Return     ReturnKind
	Aggregates []AggregateSpec
}

// EntityInfo is the validation whitelist for one entity.
type EntityInfo struct {
	// Entity is the qualified entity name the compiled query targets.
	Entity string
	// Properties maps each addressable property to its declared type.
	// Scalars and foreign-key fields only.
	Properties map[string]string
	// StringFields lists the string-typed scalars the quick search expands
	// over.
	StringFields []string
	// Enabled restricts usable functionalities when non-nil (resource
	// path). Nil means everything is allowed (wrapper path).
	Enabled map[domain.QueryFunctionality]bool
}

// InfoFor builds the whitelist from a resource annotation.
func InfoFor(res *domain.ResourceAnnotation, restrict bool) EntityInfo {
	info := EntityInfo{
		Entity:     res.Target,
		Properties: map[string]string{},
	}
	for name, typ := range res.Properties {
		if typ == domain.TypeAssociation || typ == domain.TypeComposition {
			continue
		}
		info.Properties[name] = typ
		if typ == domain.TypeString || typ == domain.TypeLargeString {
			info.StringFields = append(info.StringFields, name)
		}
	}
	sort.Strings(info.StringFields)
	if restrict {
		info.Enabled = map[domain.QueryFunctionality]bool{}
		for _, f := range res.Functionalities {
			info.Enabled[f] = true
		}
	}
	return info
}

func (e EntityInfo) allowed(field string) bool {
	_, ok := e.Properties[field]
	return ok
}

func (e EntityInfo) allowedList() string {
	names := make([]string, 0, len(e.Properties))
	for name := range e.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func (e EntityInfo) enabled(f domain.QueryFunctionality) bool {
	if e.Enabled == nil {
		return true
	}
	return e.Enabled[f]
}

// ValidationError is a caller-visible validation failure with a stable code.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func errf(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation error codes.
const (
	CodeInvalidTop         = "INVALID_TOP"
	CodeInvalidSkip        = "INVALID_SKIP"
	CodeUnknownProperty    = "UNKNOWN_PROPERTY"
	CodeForbiddenPattern   = "FORBIDDEN_PATTERN"
	CodeFilterParse        = "FILTER_PARSE_ERROR"
	CodeInvalidAggregate   = "INVALID_AGGREGATE"
	CodeInvalidReturn      = "INVALID_RETURN"
	CodeDisabledCapability = "FUNCTIONALITY_DISABLED"
)

// Compiled is the backing-store-safe query produced by Build. Where holds
// the structured condition tree for stores that evaluate rows directly;
// WhereSQL holds the rendered fragment for stores that assemble textual
// queries. Both are derived from the same validated input.
type Compiled struct {
	Entity     string
	Columns    []string // projection; empty selects every property
	Where      *Expr
	WhereSQL   string
	OrderBy    []OrderSpec
	Limit      int // 0 = unlimited
	Offset     int
	Kind       ReturnKind
	Aggregates []AggregateSpec
}

// String renders the compiled query for diagnostics and the explain mode.
func (c *Compiled) String() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	switch c.Kind {
	case ReturnCount:
		b.WriteString("count(1)")
	case ReturnAggregate:
		parts := make([]string, len(c.Aggregates))
		for i, a := range c.Aggregates {
			if a.Fn == "count" && a.Field == "" {
				parts[i] = "count(1) as count"
				continue
			}
			parts[i] = fmt.Sprintf("%s(%s) as %s_%s", a.Fn, a.Field, a.Fn, a.Field)
		}
		b.WriteString(strings.Join(parts, ", "))
	default:
		if len(c.Columns) == 0 {
			b.WriteString("*")
		} else {
			b.WriteString(strings.Join(c.Columns, ", "))
		}
	}
	b.WriteString(" FROM ")
	b.WriteString(c.Entity)
	if c.WhereSQL != "" {
		b.WriteString(" WHERE ")
		b.WriteString(c.WhereSQL)
	}
	if len(c.OrderBy) > 0 && c.Kind == ReturnRows {
		terms := make([]string, len(c.OrderBy))
		for i, o := range c.OrderBy {
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			terms[i] = o.Field + " " + dir
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(terms, ", "))
	}
	if c.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", c.Limit)
	}
	if c.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", c.Offset)
	}
	return b.String()
}

// Build validates the request against the entity whitelist and compiles it.
// maxTop bounds the $top range: [1, maxTop].
func Build(info EntityInfo, req Request, maxTop int) (*Compiled, error) {
	c := &Compiled{Entity: info.Entity, Kind: ReturnRows}

	if req.Return != "" {
		switch req.Return {
		case ReturnRows, ReturnCount, ReturnAggregate:
			c.Kind = req.Return
		default:
			return nil, errf(CodeInvalidReturn, "unknown return mode %q (allowed: rows, count, aggregate)", req.Return)
		}
	}

	if req.Top != nil {
		if !info.enabled(domain.FuncTop) {
			return nil, errf(CodeDisabledCapability, "top is not enabled for %s", info.Entity)
		}
		top, ok := coerceInt(req.Top)
		if !ok || top < 1 || top > maxTop {
			return nil, errf(CodeInvalidTop, "top must be an integer between 1 and %d", maxTop)
		}
		c.Limit = top
	}
	if req.Skip != nil {
		if !info.enabled(domain.FuncSkip) {
			return nil, errf(CodeDisabledCapability, "skip is not enabled for %s", info.Entity)
		}
		skip, ok := coerceInt(req.Skip)
		if !ok || skip < 0 {
			return nil, errf(CodeInvalidSkip, "skip must be a non-negative integer")
		}
		c.Offset = skip
	}

	if len(req.Select) > 0 {
		if !info.enabled(domain.FuncSelect) {
			return nil, errf(CodeDisabledCapability, "select is not enabled for %s", info.Entity)
		}
		for _, field := range req.Select {
			if !info.allowed(field) {
				return nil, errf(CodeUnknownProperty, "unknown select property %q (allowed: %s)", field, info.allowedList())
			}
		}
		c.Columns = append(c.Columns, req.Select...)
	}

	orderBy, err := buildOrderBy(info, req)
	if err != nil {
		return nil, err
	}
	c.OrderBy = orderBy

	where, err := buildWhere(info, req)
	if err != nil {
		return nil, err
	}
	c.Where = where
	if where != nil {
		c.WhereSQL = renderExpr(*where, false)
	}

	if c.Kind == ReturnAggregate {
		if len(req.Aggregates) == 0 {
			return nil, errf(CodeInvalidAggregate, "aggregate return mode requires at least one aggregate spec")
		}
		for _, a := range req.Aggregates {
			if !aggregateFns[a.Fn] {
				return nil, errf(CodeInvalidAggregate, "unknown aggregate function %q (allowed: sum, avg, min, max, count)", a.Fn)
			}
			if a.Field == "" && a.Fn != "count" {
				return nil, errf(CodeInvalidAggregate, "aggregate %q requires a field", a.Fn)
			}
			if a.Field != "" && !info.allowed(a.Field) {
				return nil, errf(CodeUnknownProperty, "unknown aggregate property %q (allowed: %s)", a.Field, info.allowedList())
			}
		}
		c.Aggregates = req.Aggregates
	} else if len(req.Aggregates) > 0 {
		return nil, errf(CodeInvalidAggregate, "aggregate specs require return mode \"aggregate\"")
	}

	return c, nil
}

func buildOrderBy(info EntityInfo, req Request) ([]OrderSpec, error) {
	var out []OrderSpec
	if req.OrderByRaw != "" {
		parsed, err := parseOrderBy(req.OrderByRaw)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed...)
	}
	out = append(out, req.OrderBy...)
	if len(out) == 0 {
		return nil, nil
	}
	if !info.enabled(domain.FuncOrderBy) {
		return nil, errf(CodeDisabledCapability, "orderby is not enabled for %s", info.Entity)
	}
	for _, o := range out {
		if !info.allowed(o.Field) {
			return nil, errf(CodeUnknownProperty, "unknown orderby property %q (allowed: %s)", o.Field, info.allowedList())
		}
	}
	return out, nil
}

// parseOrderBy parses the "$orderby" string form: comma-separated terms of
// "field [asc|desc]".
func parseOrderBy(raw string) ([]OrderSpec, error) {
	var out []OrderSpec
	for _, term := range strings.Split(raw, ",") {
		parts := strings.Fields(strings.TrimSpace(term))
		switch len(parts) {
		case 1:
			out = append(out, OrderSpec{Field: parts[0]})
		case 2:
			switch strings.ToLower(parts[1]) {
			case "asc":
				out = append(out, OrderSpec{Field: parts[0]})
			case "desc":
				out = append(out, OrderSpec{Field: parts[0], Desc: true})
			default:
				return nil, errf(CodeFilterParse, "invalid orderby direction %q", parts[1])
			}
		default:
			return nil, errf(CodeFilterParse, "invalid orderby term %q", strings.TrimSpace(term))
		}
	}
	return out, nil
}

func buildWhere(info EntityInfo, req Request) (*Expr, error) {
	var conjuncts []Expr

	if req.Filter != "" {
		if !info.enabled(domain.FuncFilter) {
			return nil, errf(CodeDisabledCapability, "filter is not enabled for %s", info.Entity)
		}
		expr, err := ParseFilter(req.Filter, info)
		if err != nil {
			return nil, err
		}
		conjuncts = append(conjuncts, *expr)
	}

	for _, w := range req.Where {
		if !info.enabled(domain.FuncFilter) {
			return nil, errf(CodeDisabledCapability, "filter is not enabled for %s", info.Entity)
		}
		cond, err := buildCondition(info, w)
		if err != nil {
			return nil, err
		}
		conjuncts = append(conjuncts, Expr{Cond: cond})
	}

	if req.Q != "" {
		qExpr := quickSearch(info, req.Q)
		if qExpr != nil {
			conjuncts = append(conjuncts, *qExpr)
		}
	}

	switch len(conjuncts) {
	case 0:
		return nil, nil
	case 1:
		return &conjuncts[0], nil
	default:
		return &Expr{And: conjuncts}, nil
	}
}

func buildCondition(info EntityInfo, w WhereClause) (*Condition, error) {
	if !info.allowed(w.Field) {
		return nil, errf(CodeUnknownProperty, "unknown filter property %q (allowed: %s)", w.Field, info.allowedList())
	}
	op := Op(strings.ToLower(w.Op))
	switch op {
	case OpEq, OpNe, OpGt, OpGe, OpLt, OpLe, OpContains, OpStartsWith, OpEndsWith:
	case OpIn:
		if _, ok := w.Value.([]any); !ok {
			return nil, errf(CodeFilterParse, "operator \"in\" requires a list value")
		}
	default:
		return nil, errf(CodeFilterParse, "unknown operator %q (allowed: eq, ne, gt, ge, lt, le, contains, startswith, endswith, in)", w.Op)
	}
	return &Condition{Field: w.Field, Op: op, Value: w.Value}, nil
}

// quickSearch expands the q parameter to an OR of contains() across every
// string-typed scalar property.
func quickSearch(info EntityInfo, q string) *Expr {
	if len(info.StringFields) == 0 {
		return nil
	}
	var ors []Expr
	for _, field := range info.StringFields {
		ors = append(ors, Expr{Cond: &Condition{Field: field, Op: OpContains, Value: q}})
	}
	if len(ors) == 1 {
		return &ors[0]
	}
	return &Expr{Or: ors}
}

// renderExpr renders a condition tree as a textual fragment. String literals
// are escaped by doubling embedded single quotes; no parameter binding is
// used on this path, so escaping correctness is safety-critical.
func renderExpr(e Expr, nested bool) string {
	switch {
	case e.Cond != nil:
		return renderCondition(*e.Cond)
	case e.Not != nil:
		return "NOT (" + renderExpr(*e.Not, false) + ")"
	case len(e.And) > 0:
		parts := make([]string, len(e.And))
		for i, sub := range e.And {
			parts[i] = renderExpr(sub, true)
		}
		s := strings.Join(parts, " AND ")
		if nested {
			return "(" + s + ")"
		}
		return s
	case len(e.Or) > 0:
		parts := make([]string, len(e.Or))
		for i, sub := range e.Or {
			parts[i] = renderExpr(sub, true)
		}
		s := strings.Join(parts, " OR ")
		if nested {
			return "(" + s + ")"
		}
		return s
	}
	return ""
}

func renderCondition(c Condition) string {
	switch c.Op {
	case OpContains, OpStartsWith, OpEndsWith:
		// Text predicates are preserved as function calls.
		return fmt.Sprintf("%s(%s,%s)", c.Op, c.Field, renderLiteral(c.Value))
	case OpIn:
		list, _ := c.Value.([]any)
		parts := make([]string, len(list))
		for i, v := range list {
			parts[i] = renderLiteral(v)
		}
		return fmt.Sprintf("%s IN (%s)", c.Field, strings.Join(parts, ","))
	case OpEq:
		if c.Value == nil {
			return c.Field + " IS NULL"
		}
	case OpNe:
		if c.Value == nil {
			return c.Field + " IS NOT NULL"
		}
	}
	return fmt.Sprintf("%s %s %s", c.Field, comparisonSQL[c.Op], renderLiteral(c.Value))
}

func renderLiteral(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'"
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return "'" + strings.ReplaceAll(fmt.Sprint(t), "'", "''") + "'"
	}
}

// coerceInt accepts the integer representations JSON decoding produces.
func coerceInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		if t != float64(int(t)) {
			return 0, false
		}
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
