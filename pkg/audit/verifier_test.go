package audit_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgov/substrate/pkg/audit"
)

func buildChain(t *testing.T, n int) (*audit.MemStore, *audit.Verifier) {
	t.Helper()
	store := audit.NewMemStore()
	eng, reg := newTestEngine(t, store)
	for i := 0; i < n; i++ {
		_, err := eng.Append(context.Background(), "policy.decision", "svc:test",
			map[string]interface{}{"seq": i})
		require.NoError(t, err)
	}
	return store, audit.NewVerifier(reg)
}

func TestVerifyChain_Intact(t *testing.T) {
	store, v := buildChain(t, 20)
	findings, err := v.VerifyChain(store.All())
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestVerifyChain_DetectsPayloadTampering(t *testing.T) {
	store, v := buildChain(t, 100)
	store.Tamper(37, func(ev *audit.Event) {
		ev.Payload["seq"] = "altered"
	})

	findings, err := v.VerifyChain(store.All())
	require.ErrorIs(t, err, audit.ErrChainIntegrity)
	require.NotEmpty(t, findings)
	assert.Equal(t, 37, findings[0].Position)
	assert.Equal(t, audit.CheckHash, findings[0].Check)
}

func TestVerifyChain_DetectsBrokenLinkage(t *testing.T) {
	store, v := buildChain(t, 10)
	store.Tamper(5, func(ev *audit.Event) {
		bogus := "0000000000000000000000000000000000000000000000000000000000000000"
		ev.PrevHash = &bogus
	})

	findings, err := v.VerifyChain(store.All())
	require.Error(t, err)
	// Rewriting prevHash changes the covered bytes, so both the hash check
	// at 5 and the linkage check fail.
	var checks []string
	for _, f := range findings {
		checks = append(checks, fmt.Sprintf("%d/%s", f.Position, f.Check))
	}
	assert.Contains(t, checks, "5/hash")
	assert.Contains(t, checks, "5/linkage")
}

func TestVerifyChain_DetectsForgedSignature(t *testing.T) {
	store, v := buildChain(t, 10)
	var stolen string
	store.Tamper(2, func(ev *audit.Event) { stolen = ev.Signature })
	store.Tamper(7, func(ev *audit.Event) { ev.Signature = stolen })

	findings, err := v.VerifyChain(store.All())
	require.Error(t, err)
	require.NotEmpty(t, findings)
	assert.Equal(t, 7, findings[0].Position)
	assert.Equal(t, audit.CheckSignature, findings[0].Check)
}

func TestVerifyChain_GenesisRules(t *testing.T) {
	store, v := buildChain(t, 3)
	events := store.All()

	// A second null-prevHash event is rejected.
	events[2].PrevHash = nil
	findings, err := v.VerifyChain(events)
	require.Error(t, err)
	var sawGenesis bool
	for _, f := range findings {
		if f.Position == 2 && f.Check == audit.CheckGenesis {
			sawGenesis = true
		}
	}
	assert.True(t, sawGenesis)
}
