package policy_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgov/substrate/pkg/policy"
)

type recordedEvent struct {
	EventType string
	Actor     string
	Payload   map[string]interface{}
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeAuditor) Append(_ context.Context, eventType, actor string, payload map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{eventType, actor, payload})
	return nil
}

func (f *fakeAuditor) all() []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedEvent, len(f.events))
	copy(out, f.events)
	return out
}

func newPolicy(id string, version int, state policy.State, rule string, mutate ...func(*policy.Policy)) *policy.Policy {
	p := &policy.Policy{
		ID:        id,
		Version:   version,
		Name:      id,
		Severity:  policy.SeverityMedium,
		Rule:      json.RawMessage(rule),
		State:     state,
		CreatedBy: "tester",
		CreatedAt: time.Now().UTC(),
	}
	for _, m := range mutate {
		m(p)
	}
	return p
}

func newEngine(t *testing.T, auditor policy.AuditAppender, policies ...*policy.Policy) *policy.Engine {
	t.Helper()
	store := policy.NewMemStore()
	for _, p := range policies {
		require.NoError(t, store.Create(context.Background(), p))
	}
	eng := policy.NewEngine(store, auditor)
	require.NoError(t, eng.Refresh(context.Background()))
	return eng
}

func TestCheck_DenyDominates(t *testing.T) {
	auditor := &fakeAuditor{}
	eng := newEngine(t, auditor,
		newPolicy("no-us-east-gpus", 1, policy.StateActive,
			`{"==":[{"var":"resource.pool"},"gpus-us-east"]}`),
	)

	dec, err := eng.Check(context.Background(), policy.CheckRequest{
		Action:   "allocation.request",
		Actor:    "svc:alloc",
		Resource: map[string]interface{}{"pool": "gpus-us-east", "delta": 1},
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, "no-us-east-gpus", dec.PolicyID)
	assert.Equal(t, 1, dec.PolicyVersion)
	assert.Contains(t, dec.Rationale, "no-us-east-gpus")
	assert.Contains(t, dec.EvidenceRefs, "no-us-east-gpus@1")

	// The decision itself must be audited.
	events := auditor.all()
	require.Len(t, events, 1)
	assert.Equal(t, "policy.decision", events[0].EventType)
	assert.Equal(t, false, events[0].Payload["allowed"])
}

func TestCheck_AllowWhenNoMatch(t *testing.T) {
	auditor := &fakeAuditor{}
	eng := newEngine(t, auditor,
		newPolicy("no-us-east-gpus", 1, policy.StateActive,
			`{"==":[{"var":"resource.pool"},"gpus-us-east"]}`),
	)

	dec, err := eng.Check(context.Background(), policy.CheckRequest{
		Action:   "allocation.request",
		Actor:    "svc:alloc",
		Resource: map[string]interface{}{"pool": "cpus-eu-west"},
	})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Empty(t, dec.PolicyID)
}

func TestCheck_SeverityOrdersRationale(t *testing.T) {
	older := newPolicy("medium-rule", 1, policy.StateActive, `{"==":[1,1]}`)
	older.CreatedAt = time.Now().Add(-time.Hour)
	critical := newPolicy("critical-rule", 1, policy.StateActive, `{"==":[1,1]}`,
		func(p *policy.Policy) { p.Severity = policy.SeverityCritical })

	eng := newEngine(t, &fakeAuditor{}, older, critical)
	dec, err := eng.Check(context.Background(), policy.CheckRequest{Action: "anything", Actor: "a"})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, "critical-rule", dec.PolicyID)
	assert.Len(t, dec.EvidenceRefs, 2)
}

func TestCheck_ScopeFiltering(t *testing.T) {
	scoped := newPolicy("alloc-only", 1, policy.StateActive, `{"==":[1,1]}`,
		func(p *policy.Policy) { p.Metadata.Scopes = []string{"allocation"} })
	eng := newEngine(t, &fakeAuditor{}, scoped)

	dec, err := eng.Check(context.Background(), policy.CheckRequest{Action: "memory.write", Actor: "a"})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	dec, err = eng.Check(context.Background(), policy.CheckRequest{Action: "allocation.request", Actor: "a"})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
}

func TestCheck_ScopeMatchesWholeSegments(t *testing.T) {
	scoped := newPolicy("write-only", 1, policy.StateActive, `{"==":[1,1]}`,
		func(p *policy.Policy) { p.Metadata.Scopes = []string{"memory.write"} })
	eng := newEngine(t, &fakeAuditor{}, scoped)

	// "memory.writeback" shares a prefix but is a different action.
	dec, err := eng.Check(context.Background(), policy.CheckRequest{Action: "memory.writeback", Actor: "a"})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	dec, err = eng.Check(context.Background(), policy.CheckRequest{Action: "memory.write", Actor: "a"})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)

	dec, err = eng.Check(context.Background(), policy.CheckRequest{Action: "memory.write.bulk", Actor: "a"})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
}

func TestCheck_SimulateSkipsAudit(t *testing.T) {
	auditor := &fakeAuditor{}
	eng := newEngine(t, auditor,
		newPolicy("p", 1, policy.StateActive, `{"==":[1,1]}`))

	_, err := eng.Check(context.Background(), policy.CheckRequest{
		Action: "x", Actor: "a", Simulate: true,
	})
	require.NoError(t, err)
	assert.Empty(t, auditor.all())
}

func TestCheck_EvalErrorFailOpenAndClosed(t *testing.T) {
	// Division by a missing var makes CEL error at runtime.
	failOpen := newPolicy("fail-open", 1, policy.StateActive,
		`{"cel":"resource.missing_key == 'x'"}`)
	eng := newEngine(t, &fakeAuditor{}, failOpen)
	dec, err := eng.Check(context.Background(), policy.CheckRequest{
		Action: "x", Actor: "a", Resource: map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.True(t, dec.Allowed, "eval errors default to fail open")
	assert.Contains(t, dec.EvidenceRefs, "eval.error:fail-open@1")

	failClosed := newPolicy("fail-closed", 1, policy.StateActive,
		`{"cel":"resource.missing_key == 'x'"}`,
		func(p *policy.Policy) { p.Metadata.FailClosed = true })
	eng = newEngine(t, &fakeAuditor{}, failClosed)
	dec, err = eng.Check(context.Background(), policy.CheckRequest{
		Action: "x", Actor: "a", Resource: map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Rationale, "fail_closed")
}

func TestSampled_Boundaries(t *testing.T) {
	// canaryPercent = 0: nothing sampled; = 100: everything sampled.
	for i := 0; i < 50; i++ {
		reqID := string(rune('a' + i))
		assert.False(t, policy.Sampled("p-1", reqID, 0))
		assert.True(t, policy.Sampled("p-1", reqID, 100))
	}
	// Deterministic per (policy, request).
	assert.Equal(t,
		policy.Sampled("p-1", "req-7", 25),
		policy.Sampled("p-1", "req-7", 25))
}

func TestCheck_CanarySampling(t *testing.T) {
	canary := newPolicy("canary-deny", 1, policy.StateCanary, `{"==":[1,1]}`,
		func(p *policy.Policy) { p.Metadata.CanaryPercent = 100 })
	eng := newEngine(t, &fakeAuditor{}, canary)

	dec, err := eng.Check(context.Background(), policy.CheckRequest{
		Action: "x", Actor: "a", RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.True(t, dec.IsCanarySampled)

	// At 0 percent, the canary never participates.
	zero := newPolicy("canary-zero", 1, policy.StateCanary, `{"==":[1,1]}`)
	eng = newEngine(t, &fakeAuditor{}, zero)
	dec, err = eng.Check(context.Background(), policy.CheckRequest{
		Action: "x", Actor: "a", RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.False(t, dec.IsCanarySampled)
}
