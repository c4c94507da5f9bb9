package signer_test

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgov/substrate/pkg/signer"
)

func digestOf(s string) []byte {
	d := sha256.Sum256([]byte(s))
	return d[:]
}

func TestLocalSigner_SignAndVerify(t *testing.T) {
	reg := signer.NewRegistry()
	s, err := signer.New(signer.Config{Environment: "development", Kid: "dev-key"}, reg)
	require.NoError(t, err)

	digest := digestOf("hello")
	sig, kid, err := s.Sign(context.Background(), digest)
	require.NoError(t, err)
	assert.Equal(t, "dev-key", kid)

	ok, err := reg.Verify(digest, sig, kid, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.Verify(digestOf("other"), sig, kid, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalSigner_DeterministicFromSeed(t *testing.T) {
	cfg := signer.Config{Environment: "development", LocalSeed: []byte("fixed-seed")}
	a, err := signer.New(cfg, signer.NewRegistry())
	require.NoError(t, err)
	b, err := signer.New(cfg, signer.NewRegistry())
	require.NoError(t, err)

	d := digestOf("x")
	sigA, kidA, err := a.Sign(context.Background(), d)
	require.NoError(t, err)
	sigB, kidB, err := b.Sign(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, kidA, kidB)
	assert.Equal(t, sigA, sigB)
}

func TestNew_ProductionWithoutBackendFails(t *testing.T) {
	_, err := signer.New(signer.Config{Environment: "production"}, signer.NewRegistry())
	assert.ErrorIs(t, err, signer.ErrSignerRequired)

	_, err = signer.New(signer.Config{RequireKMS: true}, signer.NewRegistry())
	assert.ErrorIs(t, err, signer.ErrSignerRequired)
}

func TestSign_RejectsBadDigest(t *testing.T) {
	s, err := signer.New(signer.Config{Environment: "test"}, signer.NewRegistry())
	require.NoError(t, err)
	_, _, err = s.Sign(context.Background(), []byte("short"))
	assert.ErrorIs(t, err, signer.ErrBadDigest)
}

func TestProxySigner_RetriesOnceOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req struct {
			Digest string `json:"digest"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"signature": base64.StdEncoding.EncodeToString([]byte("sig-bytes")),
			"kid":       "proxy-key-1",
		})
	}))
	defer srv.Close()

	s, err := signer.New(signer.Config{ProxyURL: srv.URL, Environment: "production", RequireKMS: true}, nil)
	require.NoError(t, err)

	sig, kid, err := s.Sign(context.Background(), digestOf("x"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "proxy-key-1", kid)
	assert.Equal(t, []byte("sig-bytes"), sig)
}

func TestProxySigner_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s, err := signer.New(signer.Config{ProxyURL: srv.URL}, nil)
	require.NoError(t, err)
	_, _, err = s.Sign(context.Background(), digestOf("x"))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRegistry_RegisterHasNoLowerBound(t *testing.T) {
	reg := signer.NewRegistry()
	s, err := signer.New(signer.Config{Environment: "test", Kid: "current"}, reg)
	require.NoError(t, err)

	d := digestOf("payload")
	sig, kid, err := s.Sign(context.Background(), d)
	require.NoError(t, err)

	// Events stamped before the process registered its key still verify.
	// Event timestamps are millisecond-truncated, so any implied
	// notBefore would race the clock on same-instant appends.
	ok, err := reg.Verify(d, sig, kid, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = reg.Verify(d, sig, "nonexistent", time.Now())
	assert.ErrorIs(t, err, signer.ErrUnknownKid)
}

func TestRegistry_WindowScopesRotatedKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	notBefore := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := notBefore.Add(24 * time.Hour)
	reg := signer.NewRegistry()
	reg.RegisterWindow("rotated", pub, notBefore, notAfter)

	d := digestOf("payload")
	sig := ed25519.Sign(priv, d)

	ok, err := reg.Verify(d, sig, "rotated", notBefore.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = reg.Verify(d, sig, "rotated", notBefore.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.Verify(d, sig, "rotated", notAfter)
	require.NoError(t, err)
	assert.False(t, ok)
}
