package policy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgov/substrate/pkg/policy"
)

type fakeGate struct {
	completed map[string]bool
	err       error
}

func (g *fakeGate) Completed(_ context.Context, subject string) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	return g.completed[subject], nil
}

func TestLifecycle_HappyPath(t *testing.T) {
	store := policy.NewMemStore()
	p := newPolicy("p", 1, policy.StateDraft, `{"==":[1,1]}`)
	require.NoError(t, store.Create(context.Background(), p))

	auditor := &fakeAuditor{}
	lc := policy.NewLifecycle(store, &fakeGate{}, auditor)

	for _, to := range []policy.State{policy.StateSimulating, policy.StateCanary, policy.StateActive} {
		require.NoError(t, lc.Transition(context.Background(), "p", 1, to, "operator:alice"))
	}

	got, err := store.Version(context.Background(), "p", 1)
	require.NoError(t, err)
	assert.Equal(t, policy.StateActive, got.State)

	events := auditor.all()
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, "policy.lifecycle", ev.EventType)
	}
	assert.Equal(t, "canary", events[2].Payload["fromState"])
	assert.Equal(t, "active", events[2].Payload["toState"])
}

func TestLifecycle_InvalidTransition(t *testing.T) {
	store := policy.NewMemStore()
	p := newPolicy("p", 1, policy.StateDraft, `{"==":[1,1]}`)
	require.NoError(t, store.Create(context.Background(), p))

	lc := policy.NewLifecycle(store, &fakeGate{}, nil)
	err := lc.Transition(context.Background(), "p", 1, policy.StateActive, "operator:alice")
	assert.ErrorIs(t, err, policy.ErrInvalidTransition)

	// Deprecated is terminal.
	require.NoError(t, lc.Transition(context.Background(), "p", 1, policy.StateSimulating, "operator:alice"))
	require.NoError(t, lc.Transition(context.Background(), "p", 1, policy.StateDeprecated, "operator:alice"))
	err = lc.Transition(context.Background(), "p", 1, policy.StateDraft, "operator:alice")
	assert.ErrorIs(t, err, policy.ErrInvalidTransition)
}

func TestLifecycle_MultisigGateOnHighSeverity(t *testing.T) {
	store := policy.NewMemStore()
	p := newPolicy("kill-switch", 2, policy.StateCanary, `{"==":[1,1]}`,
		func(p *policy.Policy) { p.Severity = policy.SeverityHigh })
	require.NoError(t, store.Create(context.Background(), p))

	gate := &fakeGate{completed: map[string]bool{}}
	lc := policy.NewLifecycle(store, gate, nil)

	err := lc.Transition(context.Background(), "kill-switch", 2, policy.StateActive, "operator:alice")
	assert.ErrorIs(t, err, policy.ErrMultisigRequired)

	gate.completed[policy.UpgradeSubject("kill-switch", 2)] = true
	require.NoError(t, lc.Transition(context.Background(), "kill-switch", 2, policy.StateActive, "operator:alice"))

	// Deprecating an active HIGH policy needs quorum again.
	gate.completed = map[string]bool{}
	err = lc.Transition(context.Background(), "kill-switch", 2, policy.StateDeprecated, "operator:alice")
	assert.ErrorIs(t, err, policy.ErrMultisigRequired)
}

func TestLifecycle_MediumSeverityNeedsNoQuorum(t *testing.T) {
	store := policy.NewMemStore()
	p := newPolicy("p", 1, policy.StateCanary, `{"==":[1,1]}`)
	require.NoError(t, store.Create(context.Background(), p))

	// nil gate: would fail if the gate were consulted.
	lc := policy.NewLifecycle(store, nil, nil)
	require.NoError(t, lc.Transition(context.Background(), "p", 1, policy.StateActive, "operator:alice"))
}

func TestLifecycle_ActivationRejectsBrokenRule(t *testing.T) {
	store := policy.NewMemStore()
	p := newPolicy("broken", 1, policy.StateSimulating, `{"frobnicate":[1]}`)
	require.NoError(t, store.Create(context.Background(), p))

	lc := policy.NewLifecycle(store, &fakeGate{}, nil)
	err := lc.Transition(context.Background(), "broken", 1, policy.StateCanary, "operator:alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not compile")
}

func TestStore_VersionConflict(t *testing.T) {
	store := policy.NewMemStore()
	require.NoError(t, store.Create(context.Background(), newPolicy("p", 1, policy.StateDraft, `{"==":[1,1]}`)))
	err := store.Create(context.Background(), newPolicy("p", 1, policy.StateDraft, `{"==":[2,2]}`))
	assert.ErrorIs(t, err, policy.ErrVersionConflict)
}
