package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgov/substrate/pkg/policy"
)

type fakeDecisions struct {
	samples []policy.DecisionSample
}

func (f *fakeDecisions) RecentDecisions(_ context.Context, since time.Time) ([]policy.DecisionSample, error) {
	var out []policy.DecisionSample
	for _, s := range f.samples {
		if !s.Ts.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func denySamples(policyID string, n, denied int, ts time.Time) []policy.DecisionSample {
	out := make([]policy.DecisionSample, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, policy.DecisionSample{
			PolicyID: policyID,
			Allowed:  i >= denied,
			Sampled:  true,
			Ts:       ts,
		})
	}
	return out
}

func TestRollback_BreachingCanaryRevertsToDraft(t *testing.T) {
	store := policy.NewMemStore()
	p := newPolicy("hot-canary", 3, policy.StateCanary, `{"==":[1,1]}`)
	require.NoError(t, store.Create(context.Background(), p))

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	decisions := &fakeDecisions{samples: denySamples("hot-canary", 40, 30, now)}
	auditor := &fakeAuditor{}

	cfg := policy.RollbackConfig{Threshold: 0.5, Window: 5 * time.Minute, MinSamples: 20}
	ctrl := policy.NewRollbackController(cfg, store, decisions, auditor,
		policy.WithRollbackClock(func() time.Time { return now }))

	// First sweep records the breach but must not act until the deny rate
	// has persisted for a full window.
	require.NoError(t, ctrl.Sweep(context.Background()))
	got, err := store.Version(context.Background(), "hot-canary", 3)
	require.NoError(t, err)
	assert.Equal(t, policy.StateCanary, got.State)

	now = now.Add(5 * time.Minute)
	decisions.samples = denySamples("hot-canary", 40, 30, now)
	require.NoError(t, ctrl.Sweep(context.Background()))

	got, err = store.Version(context.Background(), "hot-canary", 3)
	require.NoError(t, err)
	assert.Equal(t, policy.StateDraft, got.State)

	events := auditor.all()
	require.Len(t, events, 1)
	assert.Equal(t, "policy.canary_rollback", events[0].EventType)
	assert.Equal(t, "hot-canary", events[0].Payload["policyId"])
	assert.InDelta(t, 0.75, events[0].Payload["denyRate"].(float64), 1e-9)
}

func TestRollback_HealthyCanaryLeftAlone(t *testing.T) {
	store := policy.NewMemStore()
	require.NoError(t, store.Create(context.Background(),
		newPolicy("calm-canary", 1, policy.StateCanary, `{"==":[1,1]}`)))

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	decisions := &fakeDecisions{samples: denySamples("calm-canary", 40, 5, now)}

	cfg := policy.RollbackConfig{Threshold: 0.5, Window: 5 * time.Minute, MinSamples: 20}
	ctrl := policy.NewRollbackController(cfg, store, decisions, nil,
		policy.WithRollbackClock(func() time.Time { return now }))

	require.NoError(t, ctrl.Sweep(context.Background()))
	now = now.Add(10 * time.Minute)
	decisions.samples = denySamples("calm-canary", 40, 5, now)
	require.NoError(t, ctrl.Sweep(context.Background()))

	got, err := store.Version(context.Background(), "calm-canary", 1)
	require.NoError(t, err)
	assert.Equal(t, policy.StateCanary, got.State)
}

func TestRollback_TooFewSamplesIgnored(t *testing.T) {
	store := policy.NewMemStore()
	require.NoError(t, store.Create(context.Background(),
		newPolicy("sparse-canary", 1, policy.StateCanary, `{"==":[1,1]}`)))

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	// All denied, but below MinSamples.
	decisions := &fakeDecisions{samples: denySamples("sparse-canary", 5, 5, now)}

	cfg := policy.RollbackConfig{Threshold: 0.5, Window: 5 * time.Minute, MinSamples: 20}
	ctrl := policy.NewRollbackController(cfg, store, decisions, nil,
		policy.WithRollbackClock(func() time.Time { return now }))

	require.NoError(t, ctrl.Sweep(context.Background()))
	now = now.Add(10 * time.Minute)
	require.NoError(t, ctrl.Sweep(context.Background()))

	got, err := store.Version(context.Background(), "sparse-canary", 1)
	require.NoError(t, err)
	assert.Equal(t, policy.StateCanary, got.State)
}
