package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgov/substrate/pkg/memory"
)

type stubExpirer struct {
	expired int64
	err     error
}

func (s *stubExpirer) ExpireNodes(context.Context, time.Time) (int64, error) {
	return s.expired, s.err
}

type captureAuditor struct {
	mu     sync.Mutex
	events []string
}

func (c *captureAuditor) Append(_ context.Context, eventType, _ string, _ map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, eventType)
	return nil
}

func TestCleaner_SweepAuditsWhenRowsExpire(t *testing.T) {
	auditor := &captureAuditor{}
	cleaner := memory.NewCleaner(&stubExpirer{expired: 4}, auditor, time.Minute)
	require.NoError(t, cleaner.Sweep(context.Background()))
	assert.Equal(t, []string{"memory.ttl_expired"}, auditor.events)
}

func TestCleaner_QuietSweepSkipsAudit(t *testing.T) {
	auditor := &captureAuditor{}
	cleaner := memory.NewCleaner(&stubExpirer{expired: 0}, auditor, time.Minute)
	require.NoError(t, cleaner.Sweep(context.Background()))
	assert.Empty(t, auditor.events)
}
