package postgres

import (
	"strconv"
	"strings"

	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/infrastructure/criteria"
)

// queryBuilder collects positional arguments while a statement is assembled.
type queryBuilder struct {
	args []any
}

func (b *queryBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// buildQuery translates q into a SELECT over table. Core entity fields map to
// columns, everything else to a path into the JSON payload.
func buildQuery(table string, q entity.QuerySpec) (string, []any, error) {
	spec, err := q.Normalized()
	if err != nil {
		return "", nil, err
	}
	b := &queryBuilder{}
	var sb strings.Builder
	sb.WriteString("SELECT payload, version FROM ")
	sb.WriteString(table)
	for i, c := range spec.Criteria {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		clause, err := b.criterion(c)
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(clause)
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(fieldExpr(spec.SortField, nil))
	sb.WriteString(" ")
	sb.WriteString(string(spec.SortOrder))
	sb.WriteString(", id ASC LIMIT ")
	sb.WriteString(b.arg(spec.Limit))
	sb.WriteString(" OFFSET ")
	sb.WriteString(b.arg(spec.Offset))
	return sb.String(), b.args, nil
}

// buildNextForState selects and leases the oldest unleased rows in one
// statement. SKIP LOCKED keeps concurrent owners from blocking on each other.
func buildNextForState(table string, filter []entity.Criterion, owner string, expiresAt int64, state int, now int64, max int) (string, []any, error) {
	spec, err := entity.QuerySpec{Criteria: filter}.Normalized()
	if err != nil {
		return "", nil, err
	}
	b := &queryBuilder{}
	var sb strings.Builder
	sb.WriteString("UPDATE " + table + " SET lease_owner=" + b.arg(owner) + ", lease_expires_at=" + b.arg(expiresAt))
	sb.WriteString(" WHERE id IN (SELECT id FROM " + table)
	sb.WriteString(" WHERE state=" + b.arg(state))
	sb.WriteString(" AND (lease_owner IS NULL OR lease_expires_at <= " + b.arg(now) + ")")
	for _, c := range spec.Criteria {
		clause, err := b.criterion(c)
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(" AND " + clause)
	}
	sb.WriteString(" ORDER BY state_timestamp ASC, id ASC LIMIT " + b.arg(max))
	sb.WriteString(" FOR UPDATE SKIP LOCKED) RETURNING payload, version")
	return sb.String(), b.args, nil
}

func (b *queryBuilder) criterion(c entity.Criterion) (string, error) {
	switch c.Operator {
	case entity.OpIn:
		values := c.Value.([]any)
		if len(values) == 0 {
			return "FALSE", nil
		}
		converted := make([]any, 0, len(values))
		for _, v := range values {
			arg, err := criteria.ColumnValue(c.Field, v)
			if err != nil {
				return "", err
			}
			converted = append(converted, arg)
		}
		params := make([]string, 0, len(converted))
		for _, arg := range converted {
			params = append(params, b.arg(arg))
		}
		return fieldExpr(c.Field, converted[0]) + " IN (" + strings.Join(params, ", ") + ")", nil
	case entity.OpLike:
		s, ok := c.Value.(string)
		if !ok {
			return "", entity.Invalid("operator like needs a string value for %q", c.Field)
		}
		return fieldExpr(c.Field, s) + " LIKE " + b.arg(s), nil
	default:
		arg, err := criteria.ColumnValue(c.Field, c.Value)
		if err != nil {
			return "", err
		}
		op := string(c.Operator)
		if c.Operator == entity.OpNotEqual {
			op = "<>"
		}
		return fieldExpr(c.Field, arg) + " " + op + " " + b.arg(arg), nil
	}
}

// fieldExpr returns the SQL expression for field. Payload values are text and
// are cast to match the type of the value they are compared with.
func fieldExpr(field string, value any) string {
	if col, ok := entity.Columns[field]; ok {
		return col
	}
	parts := strings.Split(field, ".")
	var expr string
	if len(parts) == 1 {
		expr = "payload->>'" + field + "'"
	} else {
		expr = "payload#>>'{" + strings.Join(parts, ",") + "}'"
	}
	switch value.(type) {
	case float64:
		return "(" + expr + ")::numeric"
	case bool:
		return "(" + expr + ")::boolean"
	}
	return expr
}
