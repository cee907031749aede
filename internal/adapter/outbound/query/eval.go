package query

import (
	"fmt"
	"sort"
	"strings"
)

// Result is the evaluated outcome of a compiled query over an in-process
// row set. Exactly one of the three shapes is populated, matching the
// compiled return kind.
type Result struct {
	Rows       []map[string]any `json:"rows,omitempty"`
	Count      *int             `json:"count,omitempty"`
	Aggregates map[string]any   `json:"aggregates,omitempty"`
}

// Apply evaluates a compiled query against a row set. Both store backends
// share this evaluator, so translation and execution cannot drift apart.
func Apply(c *Compiled, rows []map[string]any) (*Result, error) {
	matched := rows
	if c.Where != nil {
		matched = matched[:0:0]
		for _, row := range rows {
			if Matches(c.Where, row) {
				matched = append(matched, row)
			}
		}
	}

	if c.Kind == ReturnCount {
		// count preserves where but also limit/offset, mirroring the
		// count(1) projection over the base selection.
		n := len(matched)
		if c.Offset > 0 {
			n -= c.Offset
			if n < 0 {
				n = 0
			}
		}
		if c.Limit > 0 && n > c.Limit {
			n = c.Limit
		}
		return &Result{Count: &n}, nil
	}

	if c.Kind == ReturnAggregate {
		aggs, err := aggregate(c.Aggregates, matched)
		if err != nil {
			return nil, err
		}
		return &Result{Aggregates: aggs}, nil
	}

	if len(c.OrderBy) > 0 {
		sortRows(matched, c.OrderBy)
	}
	if c.Offset > 0 {
		if c.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[c.Offset:]
		}
	}
	if c.Limit > 0 && len(matched) > c.Limit {
		matched = matched[:c.Limit]
	}

	out := make([]map[string]any, len(matched))
	for i, row := range matched {
		out[i] = project(row, c.Columns)
	}
	return &Result{Rows: out}, nil
}

// Matches evaluates the condition tree against one row.
func Matches(e *Expr, row map[string]any) bool {
	switch {
	case e.Cond != nil:
		return matchCondition(e.Cond, row)
	case e.Not != nil:
		return !Matches(e.Not, row)
	case len(e.And) > 0:
		for i := range e.And {
			if !Matches(&e.And[i], row) {
				return false
			}
		}
		return true
	case len(e.Or) > 0:
		for i := range e.Or {
			if Matches(&e.Or[i], row) {
				return true
			}
		}
		return false
	}
	return true
}

func matchCondition(c *Condition, row map[string]any) bool {
	val := row[c.Field]
	switch c.Op {
	case OpContains, OpStartsWith, OpEndsWith:
		s, ok := val.(string)
		want, ok2 := c.Value.(string)
		if !ok || !ok2 {
			return false
		}
		switch c.Op {
		case OpContains:
			return strings.Contains(strings.ToLower(s), strings.ToLower(want))
		case OpStartsWith:
			return strings.HasPrefix(strings.ToLower(s), strings.ToLower(want))
		default:
			return strings.HasSuffix(strings.ToLower(s), strings.ToLower(want))
		}
	case OpIn:
		list, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if val == nil || item == nil {
				if val == nil && item == nil {
					return true
				}
				continue
			}
			if compareValues(val, item) == 0 {
				return true
			}
		}
		return false
	case OpEq:
		if c.Value == nil {
			return val == nil
		}
		return val != nil && compareValues(val, c.Value) == 0
	case OpNe:
		if c.Value == nil {
			return val != nil
		}
		return val == nil || compareValues(val, c.Value) != 0
	case OpGt:
		return val != nil && compareValues(val, c.Value) > 0
	case OpGe:
		return val != nil && compareValues(val, c.Value) >= 0
	case OpLt:
		return val != nil && compareValues(val, c.Value) < 0
	case OpLe:
		return val != nil && compareValues(val, c.Value) <= 0
	}
	return false
}

// compareValues orders two scalars, coercing numerics to float64 so that
// JSON-decoded values and seeded Go ints compare equal.
func compareValues(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as := fmt.Sprint(a)
	bs := fmt.Sprint(b)
	return strings.Compare(as, bs)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}

func sortRows(rows []map[string]any, order []OrderSpec) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range order {
			cmp := compareValues(rows[i][o.Field], rows[j][o.Field])
			if cmp == 0 {
				continue
			}
			if o.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func project(row map[string]any, columns []string) map[string]any {
	if len(columns) == 0 {
		out := make(map[string]any, len(row))
		for k, v := range row {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(columns))
	for _, col := range columns {
		if v, ok := row[col]; ok {
			out[col] = v
		}
	}
	return out
}

func aggregate(specs []AggregateSpec, rows []map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(specs))
	for _, spec := range specs {
		key := spec.Fn + "_" + spec.Field
		if spec.Fn == "count" {
			if spec.Field == "" {
				key = "count"
			}
			out[key] = len(rows)
			continue
		}
		var sum float64
		var n int
		var min, max float64
		for _, row := range rows {
			f, ok := toFloat(row[spec.Field])
			if !ok {
				continue
			}
			if n == 0 {
				min, max = f, f
			} else {
				if f < min {
					min = f
				}
				if f > max {
					max = f
				}
			}
			sum += f
			n++
		}
		switch spec.Fn {
		case "sum":
			out[key] = sum
		case "avg":
			if n == 0 {
				out[key] = nil
			} else {
				out[key] = sum / float64(n)
			}
		case "min":
			if n == 0 {
				out[key] = nil
			} else {
				out[key] = min
			}
		case "max":
			if n == 0 {
				out[key] = nil
			} else {
				out[key] = max
			}
		default:
			return nil, errf(CodeInvalidAggregate, "unknown aggregate function %q", spec.Fn)
		}
	}
	return out, nil
}
