package keystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	ks, err := New("k1:00ff, k2:a0a1", "k1", map[string]string{"provider": "k2"})
	require.NoError(t, err)
	assert.False(t, ks.Empty())

	key, err := ks.GetKey(context.Background(), "k2")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xa0, 0xa1}, key)

	_, err = ks.GetKey(context.Background(), "k3")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	id, key, err := ks.GetKeyForParticipant(context.Background(), "provider")
	require.NoError(t, err)
	assert.Equal(t, "k2", id)
	assert.Equal(t, []byte{0xa0, 0xa1}, key)

	id, _, err = ks.GetKeyForParticipant(context.Background(), "consumer")
	require.NoError(t, err)
	assert.Equal(t, "k1", id)

	assert.True(t, ks.Accepts("provider", "k2"))
	assert.False(t, ks.Accepts("provider", "k1"))
	assert.True(t, ks.Accepts("consumer", "k1"))
	assert.False(t, ks.Accepts("consumer", "k9"))
}

func TestNewRejectsBadInput(t *testing.T) {
	tests := map[string]struct {
		raw, def string
		pinned   map[string]string
	}{
		"missing separator": {raw: "k1"},
		"bad hex":           {raw: "k1:zz"},
		"unknown default":   {raw: "k1:00", def: "k2"},
		"unknown pinned":    {raw: "k1:00", pinned: map[string]string{"p": "k2"}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New(tt.raw, tt.def, tt.pinned)
			assert.Error(t, err)
		})
	}

	ks, err := New("", "", nil)
	require.NoError(t, err)
	assert.True(t, ks.Empty())
	_, _, err = ks.GetKeyForParticipant(context.Background(), "anyone")
	assert.Error(t, err)
}
