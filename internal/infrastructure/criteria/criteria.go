// Package criteria evaluates entity queries in process for stores that have no
// query language of their own.
package criteria

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/dataspace-hub/connector/internal/domain/entity"
)

// Matcher is a compiled QuerySpec.
type Matcher struct {
	spec    entity.QuerySpec
	clauses []clause
}

type clause struct {
	field string
	op    entity.Operator
	value any
	expr  *govaluate.EvaluableExpression
}

// Compile validates q and prepares one expression per criterion.
func Compile(q entity.QuerySpec) (*Matcher, error) {
	spec, err := q.Normalized()
	if err != nil {
		return nil, err
	}
	m := &Matcher{spec: spec}
	for _, c := range spec.Criteria {
		cl, err := compileClause(c)
		if err != nil {
			return nil, err
		}
		m.clauses = append(m.clauses, cl)
	}
	return m, nil
}

func compileClause(c entity.Criterion) (clause, error) {
	cl := clause{field: c.Field, op: c.Operator}
	var src string
	switch c.Operator {
	case entity.OpEqual:
		src, cl.value = "[lhs] == [rhs]", normalize(c.Value)
	case entity.OpNotEqual:
		src, cl.value = "[lhs] != [rhs]", normalize(c.Value)
	case entity.OpLess, entity.OpLessEqual, entity.OpGreater, entity.OpGreaterEqual:
		src, cl.value = "[lhs] "+string(c.Operator)+" [rhs]", normalize(c.Value)
	case entity.OpLike:
		pattern, ok := c.Value.(string)
		if !ok {
			return cl, entity.Invalid("operator like needs a string value for %q", c.Field)
		}
		src, cl.value = "[lhs] =~ [rhs]", likePattern(pattern)
	case entity.OpIn:
		values := c.Value.([]any)
		if len(values) == 0 {
			src = "false"
			break
		}
		parts := make([]string, len(values))
		list := make(map[string]any, len(values))
		for i, v := range values {
			name := fmt.Sprintf("rhs%d", i)
			parts[i] = "[lhs] == [" + name + "]"
			list[name] = normalize(v)
		}
		src, cl.value = strings.Join(parts, " || "), list
	default:
		return cl, entity.Invalid("unsupported operator %q", c.Operator)
	}
	expr, err := govaluate.NewEvaluableExpression(src)
	if err != nil {
		return cl, fmt.Errorf("compile criterion on %q: %w", c.Field, err)
	}
	cl.expr = expr
	return cl, nil
}

// MatchItem flattens item and matches it. An empty matcher accepts everything.
func (m *Matcher) MatchItem(item any) (bool, error) {
	if len(m.clauses) == 0 {
		return true, nil
	}
	doc, err := Flatten(item)
	if err != nil {
		return false, err
	}
	return m.Match(doc)
}

// Match reports whether a flattened document satisfies every criterion.
func (m *Matcher) Match(doc map[string]any) (bool, error) {
	for _, cl := range m.clauses {
		ok, err := cl.match(doc)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (cl clause) match(doc map[string]any) (bool, error) {
	lhs := normalize(doc[cl.field])
	params := map[string]interface{}{"lhs": lhs}
	switch cl.op {
	case entity.OpLess, entity.OpLessEqual, entity.OpGreater, entity.OpGreaterEqual:
		if !sameKind(lhs, cl.value) {
			return false, nil
		}
		params["rhs"] = cl.value
	case entity.OpLike:
		if _, ok := lhs.(string); !ok {
			return false, nil
		}
		params["rhs"] = cl.value
	case entity.OpIn:
		if list, ok := cl.value.(map[string]any); ok {
			for k, v := range list {
				params[k] = v
			}
		}
	default:
		params["rhs"] = cl.value
	}
	result, err := cl.expr.Evaluate(params)
	if err != nil {
		return false, fmt.Errorf("evaluate criterion on %q: %w", cl.field, err)
	}
	b, ok := result.(bool)
	return ok && b, nil
}

// Apply filters, sorts and pages items. Each item is flattened through its
// JSON form, so field names are the JSON names.
func Apply[E any](m *Matcher, items []E) ([]E, error) {
	type candidate struct {
		item E
		doc  map[string]any
	}
	var matched []candidate
	for _, item := range items {
		doc, err := Flatten(item)
		if err != nil {
			return nil, err
		}
		ok, err := m.Match(doc)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, candidate{item: item, doc: doc})
		}
	}

	field, desc := m.spec.SortField, m.spec.SortOrder == entity.SortDesc
	sort.SliceStable(matched, func(i, j int) bool {
		c := compare(matched[i].doc[field], matched[j].doc[field])
		if c == 0 {
			c = compare(matched[i].doc["id"], matched[j].doc["id"])
			return c < 0
		}
		if desc {
			return c > 0
		}
		return c < 0
	})

	start := m.spec.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + m.spec.Limit
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]E, 0, end-start)
	for _, c := range matched[start:end] {
		out = append(out, c.item)
	}
	return out, nil
}

// Flatten turns v into a map keyed by dotted JSON paths. Nested objects keep
// their own entry as well as their leaves.
func Flatten(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("flatten: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("flatten: %w", err)
	}
	out := make(map[string]any, len(m))
	flattenInto("", m, out)
	return out, nil
}

func flattenInto(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		out[key] = v
		if nested, ok := v.(map[string]any); ok {
			flattenInto(key, nested, out)
		}
	}
}

// likePattern converts a SQL LIKE pattern into an anchored regular expression.
func likePattern(p string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range p {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// normalize makes Go values comparable with values decoded from JSON.
func normalize(v any) any {
	switch x := v.(type) {
	case nil, string, bool, float64:
		return x
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32:
		return rv.Float()
	case reflect.String:
		return rv.String()
	}
	return v
}

func sameKind(a, b any) bool {
	switch a.(type) {
	case float64:
		_, ok := b.(float64)
		return ok
	case string:
		_, ok := b.(string)
		return ok
	}
	return false
}

func compare(a, b any) int {
	a, b = normalize(a), normalize(b)
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	switch x := a.(type) {
	case float64:
		if y, ok := b.(float64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

var integerColumns = map[string]bool{
	"state":           true,
	"state_count":     true,
	"state_timestamp": true,
	"created_at":      true,
	"updated_at":      true,
}

// ColumnValue converts a criterion value into what a SQL driver binds for field.
// Integer columns take whole numbers, text columns take strings, payload
// fields take float64, bool or string.
func ColumnValue(field string, v any) (any, error) {
	col, isColumn := entity.Columns[field]
	n := normalize(v)
	num, isNum := n.(float64)
	if isColumn && integerColumns[col] {
		if !isNum || num != math.Trunc(num) {
			return nil, entity.Invalid("field %q needs an integer value", field)
		}
		return int64(num), nil
	}
	switch x := n.(type) {
	case nil:
		return nil, entity.Invalid("field %q cannot be compared with null", field)
	case string:
		return x, nil
	}
	if isColumn {
		return nil, entity.Invalid("field %q needs a string value", field)
	}
	if isNum {
		return num, nil
	}
	if b, ok := n.(bool); ok {
		return b, nil
	}
	return fmt.Sprint(n), nil
}
