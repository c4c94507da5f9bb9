package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgov/substrate/pkg/memory"
)

func TestMemAdapter_QueryRanksByCosine(t *testing.T) {
	adapter := memory.NewMemAdapter()
	ctx := context.Background()
	_, err := adapter.Upsert(ctx, "n-close", "default", []float64{1, 0.1}, nil)
	require.NoError(t, err)
	_, err = adapter.Upsert(ctx, "n-far", "default", []float64{-1, 0.5}, nil)
	require.NoError(t, err)
	_, err = adapter.Upsert(ctx, "n-other-ns", "archive", []float64{1, 0}, nil)
	require.NoError(t, err)

	matches, err := adapter.Query(ctx, "default", []float64{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "n-close", matches[0].MemoryNodeID)
	assert.Greater(t, matches[0].Score, matches[1].Score)

	matches, err = adapter.Query(ctx, "default", []float64{1, 0}, 1)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}
