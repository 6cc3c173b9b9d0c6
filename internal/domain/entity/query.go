package entity

import (
	"regexp"
	"strings"
)

// Operator compares an entity field with a criterion value.
type Operator string

const (
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpIn           Operator = "in"
	OpLike         Operator = "like"
)

// SortOrder of query results.
type SortOrder string

const (
	SortAsc  SortOrder = "ASC"
	SortDesc SortOrder = "DESC"
)

const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 1000
)

var fieldPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*)*$`)

// Columns maps the entity fields every backend stores natively.
var Columns = map[string]string{
	"id":             "id",
	"state":          "state",
	"stateCount":     "state_count",
	"stateTimestamp": "state_timestamp",
	"errorDetail":    "error_detail",
	"createdAt":      "created_at",
	"updatedAt":      "updated_at",
}

// Criterion is one filter clause.
type Criterion struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// QuerySpec selects, orders and pages entities.
type QuerySpec struct {
	Criteria  []Criterion `json:"criteria,omitempty"`
	SortField string      `json:"sortField,omitempty"`
	SortOrder SortOrder   `json:"sortOrder,omitempty"`
	Offset    int         `json:"offset,omitempty"`
	Limit     int         `json:"limit,omitempty"`
}

// Where builds a criterion.
func Where(field string, op Operator, value any) Criterion {
	return Criterion{Field: field, Operator: op, Value: value}
}

// Normalized validates q and fills defaults.
func (q QuerySpec) Normalized() (QuerySpec, error) {
	out := q
	out.Criteria = append([]Criterion(nil), q.Criteria...)
	for i, c := range out.Criteria {
		if !fieldPattern.MatchString(c.Field) {
			return out, Invalid("criterion %d: invalid field %q", i, c.Field)
		}
		op := Operator(strings.ToLower(strings.TrimSpace(string(c.Operator))))
		switch op {
		case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpLike:
		case OpIn:
			if _, ok := c.Value.([]any); !ok {
				return out, Invalid("criterion %d: operator in needs a list value", i)
			}
		default:
			return out, Invalid("criterion %d: unsupported operator %q", i, c.Operator)
		}
		out.Criteria[i].Operator = op
	}
	if out.SortField == "" {
		out.SortField = "createdAt"
	}
	if !fieldPattern.MatchString(out.SortField) {
		return out, Invalid("invalid sort field %q", out.SortField)
	}
	switch SortOrder(strings.ToUpper(string(out.SortOrder))) {
	case "", SortAsc:
		out.SortOrder = SortAsc
	case SortDesc:
		out.SortOrder = SortDesc
	default:
		return out, Invalid("invalid sort order %q", out.SortOrder)
	}
	if out.Offset < 0 {
		return out, Invalid("offset must not be negative")
	}
	if out.Limit <= 0 {
		out.Limit = DefaultQueryLimit
	}
	if out.Limit > MaxQueryLimit {
		out.Limit = MaxQueryLimit
	}
	return out, nil
}
