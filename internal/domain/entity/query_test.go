package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuerySpec_Normalized(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		q, err := QuerySpec{}.Normalized()
		require.NoError(t, err)
		assert.Equal(t, "createdAt", q.SortField)
		assert.Equal(t, SortAsc, q.SortOrder)
		assert.Equal(t, DefaultQueryLimit, q.Limit)
	})

	t.Run("caps limit and normalizes case", func(t *testing.T) {
		q, err := QuerySpec{
			Criteria:  []Criterion{{Field: "counterPartyAddress", Operator: " LIKE ", Value: "http%"}},
			SortOrder: "desc",
			Limit:     MaxQueryLimit + 1,
		}.Normalized()
		require.NoError(t, err)
		assert.Equal(t, OpLike, q.Criteria[0].Operator)
		assert.Equal(t, SortDesc, q.SortOrder)
		assert.Equal(t, MaxQueryLimit, q.Limit)
	})

	t.Run("does not mutate the caller", func(t *testing.T) {
		in := QuerySpec{Criteria: []Criterion{{Field: "state", Operator: "IN", Value: []any{1, 2}}}}
		_, err := in.Normalized()
		require.NoError(t, err)
		assert.Equal(t, Operator("IN"), in.Criteria[0].Operator)
	})

	tests := []struct {
		name string
		q    QuerySpec
	}{
		{"bad field", QuerySpec{Criteria: []Criterion{Where("state'--", OpEqual, 1)}}},
		{"bad operator", QuerySpec{Criteria: []Criterion{Where("state", "~", 1)}}},
		{"in without list", QuerySpec{Criteria: []Criterion{Where("state", OpIn, 1)}}},
		{"bad sort field", QuerySpec{SortField: "1abc"}},
		{"bad sort order", QuerySpec{SortOrder: "UP"}},
		{"negative offset", QuerySpec{Offset: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.q.Normalized()
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
