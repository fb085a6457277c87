package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnowflakeGenerateIsIncreasingAndUnique(t *testing.T) {
	g, err := NewSnowflake(7)
	require.NoError(t, err)

	seen := make(map[int64]struct{}, 10000)
	last := int64(-1)
	for i := 0; i < 10000; i++ {
		id := g.Generate()
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %d", id)
		seen[id] = struct{}{}
		assert.Greater(t, id, last)
		last = id
	}
}

func TestNewSnowflakeRejectsWorkerOutOfRange(t *testing.T) {
	_, err := NewSnowflake(-1)
	assert.Error(t, err)
	_, err = NewSnowflake(maxWorkerID + 1)
	assert.Error(t, err)
}

func TestGenerateTradeNoFormat(t *testing.T) {
	no := GenerateTradeNo()
	assert.True(t, strings.HasPrefix(no, "TRD"))
	assert.Len(t, no, 3+14+8)
}

func TestGenerateEventKeyUnique(t *testing.T) {
	a, b := GenerateEventKey(), GenerateEventKey()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "EVT"))
}
