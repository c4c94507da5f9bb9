package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgov/substrate/pkg/memory"
)

func pendingVector(id, nodeID string, data []float64) memory.MemoryVector {
	return memory.MemoryVector{
		ID:           id,
		MemoryNodeID: nodeID,
		Namespace:    "default",
		VectorData:   data,
		Dimension:    len(data),
		Status:       memory.VectorPending,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestWorker_IndexesPendingVector(t *testing.T) {
	queue := memory.NewMemVectorQueue()
	adapter := memory.NewMemAdapter()
	queue.Enqueue(pendingVector("v-1", "n-1", []float64{0.1, 0.2, 0.3}))

	worker := memory.NewWorker(queue, adapter)
	n, err := worker.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, ok := queue.Get("v-1")
	require.True(t, ok)
	assert.Equal(t, memory.VectorCompleted, v.Status)
	assert.Equal(t, "ext-n-1", v.ExternalVectorID)
	assert.Empty(t, v.Error)
}

func TestWorker_EmptyVectorIsPermanentError(t *testing.T) {
	queue := memory.NewMemVectorQueue()
	adapter := memory.NewMemAdapter()
	queue.Enqueue(pendingVector("v-1", "n-1", nil))

	worker := memory.NewWorker(queue, adapter)
	n, err := worker.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, _ := queue.Get("v-1")
	assert.Equal(t, memory.VectorError, v.Status)
	assert.Equal(t, "missing or invalid vector_data", v.Error)

	// Permanently failed rows are never re-claimed.
	n, err = worker.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWorker_DimensionMismatchIsPermanentError(t *testing.T) {
	queue := memory.NewMemVectorQueue()
	v := pendingVector("v-1", "n-1", []float64{0.1, 0.2})
	v.Dimension = 3
	queue.Enqueue(v)

	worker := memory.NewWorker(queue, memory.NewMemAdapter())
	_, err := worker.Pass(context.Background())
	require.NoError(t, err)

	got, _ := queue.Get("v-1")
	assert.Equal(t, memory.VectorError, got.Status)
	assert.Equal(t, "missing or invalid vector_data", got.Error)
}

func TestWorker_AdapterErrorRetriesNextPass(t *testing.T) {
	queue := memory.NewMemVectorQueue()
	adapter := memory.NewMemAdapter()
	adapter.FailMsg = "connection refused"
	queue.Enqueue(pendingVector("v-1", "n-1", []float64{0.5}))

	worker := memory.NewWorker(queue, adapter)
	_, err := worker.Pass(context.Background())
	require.NoError(t, err)

	v, _ := queue.Get("v-1")
	assert.Equal(t, memory.VectorError, v.Status)
	assert.Equal(t, "adapter_error: connection refused", v.Error)

	// Adapter recovers; the row is eligible again.
	adapter.FailMsg = ""
	n, err := worker.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, _ = queue.Get("v-1")
	assert.Equal(t, memory.VectorCompleted, v.Status)
	assert.Empty(t, v.Error)
}

func TestWorker_BatchDrainsOldestFirst(t *testing.T) {
	queue := memory.NewMemVectorQueue()
	adapter := memory.NewMemAdapter()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		v := pendingVector("v-"+string(rune('a'+i)), "n-"+string(rune('a'+i)), []float64{1})
		v.CreatedAt = base.Add(time.Duration(i) * time.Second)
		queue.Enqueue(v)
	}

	worker := memory.NewWorker(queue, adapter, memory.WithBatchSize(3))
	n, err := worker.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	oldest, _ := queue.Get("v-a")
	assert.Equal(t, memory.VectorCompleted, oldest.Status)
	newest, _ := queue.Get("v-e")
	assert.Equal(t, memory.VectorPending, newest.Status)

	depths, err := queue.Depths(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), depths["default"])
}
