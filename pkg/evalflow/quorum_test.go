package evalflow_test

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgov/substrate/pkg/evalflow"
)

var approvers = []string{"alice", "bob", "carol", "dave", "erin"}

func TestEvaluateQuorum_ThreeOfFive(t *testing.T) {
	q := evalflow.EvaluateQuorum([]string{"alice", "bob"}, approvers, 3)
	assert.False(t, q.HasQuorum)
	assert.Equal(t, []string{"alice", "bob"}, q.UniqueApprovers)
	assert.Equal(t, 1, q.MissingApprovals)
	assert.Empty(t, q.InvalidApprovers)

	q = evalflow.EvaluateQuorum([]string{"alice", "bob", "carol"}, approvers, 3)
	assert.True(t, q.HasQuorum)
	assert.Equal(t, 0, q.MissingApprovals)
}

func TestEvaluateQuorum_DuplicatesCountOnce(t *testing.T) {
	q := evalflow.EvaluateQuorum([]string{"alice", "alice", "alice"}, approvers, 3)
	assert.False(t, q.HasQuorum)
	assert.Equal(t, []string{"alice"}, q.UniqueApprovers)
	assert.Equal(t, 2, q.MissingApprovals)
}

func TestEvaluateQuorum_UnregisteredApproversNeverCount(t *testing.T) {
	q := evalflow.EvaluateQuorum([]string{"alice", "mallory", "bob", "trudy"}, approvers, 3)
	assert.False(t, q.HasQuorum)
	assert.Equal(t, []string{"alice", "bob"}, q.UniqueApprovers)
	assert.Equal(t, []string{"mallory", "trudy"}, q.InvalidApprovers)
	assert.Equal(t, 1, q.MissingApprovals)
}

func evalflowKeys() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}

func financeKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := evalflowKeys()
	require.NoError(t, err)
	return pub, priv
}

func balancedEntries() []evalflow.LedgerEntry {
	return []evalflow.LedgerEntry{
		{Account: "capex:gpus", Debit: 1200, Credit: 0},
		{Account: "budget:agents", Debit: 0, Credit: 1200},
	}
}

func TestProofVerifier_AcceptsBalancedProof(t *testing.T) {
	pub, priv := financeKeys(t)
	token, err := evalflow.SignProof(priv, "alloc-1", balancedEntries(), time.Hour)
	require.NoError(t, err)

	entries, err := evalflow.NewProofVerifier(pub).Verify(token, "alloc-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestProofVerifier_RejectsUnbalancedEntries(t *testing.T) {
	pub, priv := financeKeys(t)
	token, err := evalflow.SignProof(priv, "alloc-1", []evalflow.LedgerEntry{
		{Account: "capex:gpus", Debit: 1200, Credit: 0},
		{Account: "budget:agents", Debit: 0, Credit: 900},
	}, time.Hour)
	require.NoError(t, err)

	_, err = evalflow.NewProofVerifier(pub).Verify(token, "alloc-1")
	assert.ErrorIs(t, err, evalflow.ErrUnbalancedLedger)
}

func TestProofVerifier_RejectsWrongAllocation(t *testing.T) {
	pub, priv := financeKeys(t)
	token, err := evalflow.SignProof(priv, "alloc-1", balancedEntries(), time.Hour)
	require.NoError(t, err)

	_, err = evalflow.NewProofVerifier(pub).Verify(token, "alloc-2")
	assert.ErrorIs(t, err, evalflow.ErrInvalidProof)
}

func TestProofVerifier_RejectsWrongKey(t *testing.T) {
	_, priv := financeKeys(t)
	otherPub, _ := financeKeys(t)
	token, err := evalflow.SignProof(priv, "alloc-1", balancedEntries(), time.Hour)
	require.NoError(t, err)

	_, err = evalflow.NewProofVerifier(otherPub).Verify(token, "alloc-1")
	assert.ErrorIs(t, err, evalflow.ErrInvalidProof)
}

func TestProofVerifier_RejectsExpiredProof(t *testing.T) {
	pub, priv := financeKeys(t)
	token, err := evalflow.SignProof(priv, "alloc-1", balancedEntries(), -time.Minute)
	require.NoError(t, err)

	_, err = evalflow.NewProofVerifier(pub).Verify(token, "alloc-1")
	assert.ErrorIs(t, err, evalflow.ErrInvalidProof)
}
