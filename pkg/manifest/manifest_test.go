package manifest_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgov/substrate/pkg/gate"
	"github.com/aegisgov/substrate/pkg/manifest"
	"github.com/aegisgov/substrate/pkg/policy"
	"github.com/aegisgov/substrate/pkg/signer"
)

type stubChecker struct {
	allowed bool
}

func (s *stubChecker) Check(_ context.Context, _ policy.CheckRequest) (*policy.Decision, error) {
	return &policy.Decision{DecisionID: "dec-1", Allowed: s.allowed, Rationale: "stub"}, nil
}

type captureAuditor struct {
	mu       sync.Mutex
	types    []string
	payloads []map[string]interface{}
}

func (c *captureAuditor) Append(_ context.Context, eventType, _ string, payload map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = append(c.types, eventType)
	c.payloads = append(c.payloads, payload)
	return nil
}

func newSigner(t *testing.T) signer.Signer {
	t.Helper()
	s, err := signer.New(signer.Config{
		LocalSeed: []byte("manifest-test"),
		Kid:       "test-kid",
	}, signer.NewRegistry())
	require.NoError(t, err)
	return s
}

func TestSign_ProducesSignatureAndAudit(t *testing.T) {
	auditor := &captureAuditor{}
	svc := manifest.NewService(&stubChecker{allowed: true}, newSigner(t), auditor)

	sig, err := svc.Sign(context.Background(), manifest.Manifest{ID: "m-1", Version: "1"},
		"svc:deployer", "req-1")
	require.NoError(t, err)
	assert.NotEmpty(t, sig.Signature)
	assert.Equal(t, "test-kid", sig.SignerID)
	assert.Equal(t, "m-1", sig.ManifestID)

	require.Equal(t, []string{"manifest.signed"}, auditor.types)
	assert.Equal(t, "m-1", auditor.payloads[0]["manifestId"])
	assert.Equal(t, "dec-1", auditor.payloads[0]["decisionId"])
}

func TestSign_Deterministic(t *testing.T) {
	svc := manifest.NewService(&stubChecker{allowed: true}, newSigner(t), nil)

	a, err := svc.Sign(context.Background(), manifest.Manifest{ID: "m-1", Version: "1.2.3"}, "svc:d", "")
	require.NoError(t, err)
	b, err := svc.Sign(context.Background(), manifest.Manifest{ID: "m-1", Version: "1.2.3"}, "svc:d", "")
	require.NoError(t, err)
	assert.Equal(t, a.Signature, b.Signature)
}

func TestSign_PolicyDenied(t *testing.T) {
	auditor := &captureAuditor{}
	svc := manifest.NewService(&stubChecker{allowed: false}, newSigner(t), auditor)

	_, err := svc.Sign(context.Background(), manifest.Manifest{ID: "m-1", Version: "1"},
		"svc:deployer", "req-1")
	require.Error(t, err)
	assert.Equal(t, gate.KindPolicyDenied, gate.KindOf(err))
	assert.Empty(t, auditor.types)
}

func TestValidate_Semver(t *testing.T) {
	assert.NoError(t, manifest.Validate(&manifest.Manifest{ID: "m", Version: "1"}))
	assert.NoError(t, manifest.Validate(&manifest.Manifest{ID: "m", Version: "2.1.0-rc.1"}))
	assert.Error(t, manifest.Validate(&manifest.Manifest{ID: "m", Version: "not-a-version"}))
	assert.Error(t, manifest.Validate(&manifest.Manifest{ID: "", Version: "1"}))
	assert.Error(t, manifest.Validate(&manifest.Manifest{ID: "m", Version: ""}))
}
