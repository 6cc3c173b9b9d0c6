package postgres

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataspace-hub/connector/internal/domain/negotiation"
)

func TestMigrationsEmbedded(t *testing.T) {
	data, err := fs.ReadFile(Migrations(), "001_entities.sql")
	require.NoError(t, err)

	sql := string(data)
	for _, table := range []string{NegotiationTable, TransferTable} {
		assert.True(t, strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+table), table)
	}
}

func TestNewStore_RejectsTableName(t *testing.T) {
	_, err := NewStore[*negotiation.ContractNegotiation](nil, "entities; DROP TABLE x", nil)
	assert.Error(t, err)
}
