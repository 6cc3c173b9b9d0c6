package sqlite

import (
	"strings"

	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/infrastructure/criteria"
)

// buildQuery translates q into a SELECT over table. Payload fields are read
// with json_extract, which yields native SQLite types, so no casts are needed.
func buildQuery(table string, q entity.QuerySpec) (string, []any, error) {
	spec, err := q.Normalized()
	if err != nil {
		return "", nil, err
	}
	var sb strings.Builder
	sb.WriteString("SELECT payload, version FROM ")
	sb.WriteString(table)
	where, args, err := clauses(spec.Criteria)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		sb.WriteString(" WHERE " + where)
	}
	sb.WriteString(" ORDER BY " + fieldExpr(spec.SortField) + " " + string(spec.SortOrder) + ", id ASC LIMIT ? OFFSET ?")
	args = append(args, spec.Limit, spec.Offset)
	return sb.String(), args, nil
}

// buildNextForState leases the oldest unleased matching rows in one UPDATE.
func buildNextForState(table string, filter []entity.Criterion, owner string, expiresAt int64, state int, now int64, max int) (string, []any, error) {
	spec, err := entity.QuerySpec{Criteria: filter}.Normalized()
	if err != nil {
		return "", nil, err
	}
	where, filterArgs, err := clauses(spec.Criteria)
	if err != nil {
		return "", nil, err
	}
	var sb strings.Builder
	sb.WriteString("UPDATE " + table + " SET lease_owner = ?, lease_expires_at = ?")
	sb.WriteString(" WHERE id IN (SELECT id FROM " + table)
	sb.WriteString(" WHERE state = ? AND (lease_owner IS NULL OR lease_expires_at <= ?)")
	if where != "" {
		sb.WriteString(" AND " + where)
	}
	sb.WriteString(" ORDER BY state_timestamp ASC, id ASC LIMIT ?) RETURNING payload, version")

	args := []any{owner, expiresAt, state, now}
	args = append(args, filterArgs...)
	args = append(args, max)
	return sb.String(), args, nil
}

func clauses(cs []entity.Criterion) (string, []any, error) {
	var (
		parts []string
		args  []any
	)
	for _, c := range cs {
		part, a, err := clause(c)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, part)
		args = append(args, a...)
	}
	return strings.Join(parts, " AND "), args, nil
}

func clause(c entity.Criterion) (string, []any, error) {
	expr := fieldExpr(c.Field)
	switch c.Operator {
	case entity.OpIn:
		values := c.Value.([]any)
		if len(values) == 0 {
			return "0", nil, nil
		}
		marks := make([]string, len(values))
		args := make([]any, len(values))
		for j, v := range values {
			arg, err := criteria.ColumnValue(c.Field, v)
			if err != nil {
				return "", nil, err
			}
			marks[j] = "?"
			args[j] = arg
		}
		return expr + " IN (" + strings.Join(marks, ", ") + ")", args, nil
	case entity.OpLike:
		s, ok := c.Value.(string)
		if !ok {
			return "", nil, entity.Invalid("operator like needs a string value for %q", c.Field)
		}
		return expr + " LIKE ?", []any{s}, nil
	default:
		arg, err := criteria.ColumnValue(c.Field, c.Value)
		if err != nil {
			return "", nil, err
		}
		op := string(c.Operator)
		if c.Operator == entity.OpNotEqual {
			op = "<>"
		}
		return expr + " " + op + " ?", []any{arg}, nil
	}
}

func fieldExpr(field string) string {
	if col, ok := entity.Columns[field]; ok {
		return col
	}
	return "json_extract(payload, '$." + field + "')"
}
