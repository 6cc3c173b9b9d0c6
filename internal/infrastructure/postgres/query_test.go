package postgres

import (
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataspace-hub/connector/internal/domain/entity"
)

func TestBuildQuery_Golden(t *testing.T) {
	tests := []struct {
		name  string
		table string
		spec  entity.QuerySpec
	}{
		{
			name:  "query_default",
			table: "contract_negotiations",
			spec:  entity.QuerySpec{},
		},
		{
			name:  "query_state_and_like",
			table: "contract_negotiations",
			spec: entity.QuerySpec{
				Criteria: []entity.Criterion{
					entity.Where("state", entity.OpEqual, 200),
					entity.Where("counterPartyAddress", entity.OpLike, "http%"),
				},
			},
		},
		{
			name:  "query_in_nested_desc",
			table: "transfer_processes",
			spec: entity.QuerySpec{
				Criteria: []entity.Criterion{
					entity.Where("id", entity.OpIn, []any{"a", "b"}),
					entity.Where("destinationAddress.properties.size", entity.OpGreater, 10),
				},
				SortField: "stateTimestamp",
				SortOrder: entity.SortDesc,
				Offset:    5,
				Limit:     10,
			},
		},
		{
			name:  "query_payload_sort_not_equal",
			table: "transfer_processes",
			spec: entity.QuerySpec{
				Criteria: []entity.Criterion{
					entity.Where("state", entity.OpNotEqual, float64(900)),
					entity.Where("type", entity.OpEqual, "PROVIDER"),
					entity.Where("id", entity.OpIn, []any{}),
				},
				SortField: "contractId",
			},
		},
	}

	g := goldie.New(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := buildQuery(tt.table, tt.spec)
			require.NoError(t, err)
			g.Assert(t, tt.name, []byte(sql+"\n"+fmt.Sprint(args)+"\n"))
		})
	}
}

func TestBuildQuery_Invalid(t *testing.T) {
	tests := []struct {
		name string
		c    entity.Criterion
	}{
		{"fractional state", entity.Where("state", entity.OpEqual, 1.5)},
		{"string state", entity.Where("state", entity.OpEqual, "200")},
		{"numeric id", entity.Where("id", entity.OpEqual, 7)},
		{"null value", entity.Where("type", entity.OpEqual, nil)},
		{"injection", entity.Where("type' OR '1'='1", entity.OpEqual, "x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := buildQuery("contract_negotiations", entity.QuerySpec{Criteria: []entity.Criterion{tt.c}})
			assert.ErrorIs(t, err, entity.ErrInvalid)
		})
	}
}

func TestBuildNextForState_Golden(t *testing.T) {
	sql, args, err := buildNextForState("transfer_processes", []entity.Criterion{
		entity.Where("type", entity.OpEqual, "PROVIDER"),
	}, "runtime-a", 61000, 550, 1000, 20)
	require.NoError(t, err)
	goldie.New(t).Assert(t, "next_for_state_filtered", []byte(sql+"\n"+fmt.Sprint(args)+"\n"))
}
