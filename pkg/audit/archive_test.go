package audit_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgov/substrate/pkg/audit"
)

func TestArchiver_BatchRoundTrip(t *testing.T) {
	store := audit.NewMemStore()
	objects := audit.NewMemObjectStore()
	arch := audit.NewArchiver(objects, audit.ArchiverConfig{BatchSize: 3, FlushInterval: time.Hour})
	eng, _ := newTestEngine(t, store, audit.WithSink(arch))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := eng.Append(ctx, "policy.decision", "svc:test", map[string]interface{}{"i": i})
		require.NoError(t, err)
	}

	keys := objects.Keys()
	require.Len(t, keys, 1)
	assert.Regexp(t, regexp.MustCompile(`^\d{4}/\d{2}/\d{2}/batch-\d{4}\.jsonl\.gz$`), keys[0])

	data, ok := objects.Get(keys[0])
	require.True(t, ok)
	events, err := audit.DecodeBatch(data)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Archived events carry the full seal and still hash-verify.
	for _, ev := range events {
		recomputed, err := ev.ComputeHash()
		require.NoError(t, err)
		assert.Equal(t, ev.Hash, recomputed)
		assert.NotEmpty(t, ev.Signature)
	}
}

func TestArchiver_FlushOnStop(t *testing.T) {
	objects := audit.NewMemObjectStore()
	arch := audit.NewArchiver(objects, audit.ArchiverConfig{BatchSize: 100, FlushInterval: time.Hour})
	go arch.Run(context.Background())

	store := audit.NewMemStore()
	eng, _ := newTestEngine(t, store, audit.WithSink(arch))
	_, err := eng.Append(context.Background(), "manifest.signed", "svc:kernel", map[string]interface{}{"manifestId": "m"})
	require.NoError(t, err)

	arch.Stop()
	assert.Len(t, objects.Keys(), 1)
}

func TestBus_FanOut(t *testing.T) {
	bus := audit.NewBus()
	sub := bus.Subscribe(8)

	store := audit.NewMemStore()
	eng, _ := newTestEngine(t, store, audit.WithSink(bus))
	_, err := eng.Append(context.Background(), "allocation.applied", "svc:alloc", map[string]interface{}{"id": "a-1"})
	require.NoError(t, err)

	select {
	case ev := <-sub:
		assert.Equal(t, "allocation.applied", ev.EventType)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}
