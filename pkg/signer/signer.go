// Package signer signs 32-byte audit digests. The backend is selected once
// at startup: a KMS sign endpoint when a key id is configured, a remote
// signing proxy when a proxy URL is configured, or a local ephemeral
// ed25519 key outside production.
package signer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultTimeout bounds a single signing call, including the network
	// round trip for remote backends.
	DefaultTimeout = 5 * time.Second

	digestSize = 32
)

var (
	// ErrSignerRequired is returned when requireKms (or production) forbids
	// the local fallback and no remote backend is configured or reachable.
	ErrSignerRequired = errors.New("signer: remote signer required but unavailable")
	// ErrBadDigest is returned when the input is not a 32-byte digest.
	ErrBadDigest = errors.New("signer: digest must be exactly 32 bytes")
	// ErrUnknownKid is returned when a kid has no registered public key.
	ErrUnknownKid = errors.New("signer: unknown signer kid")
)

// Signer signs a digest and reports the key identity used.
type Signer interface {
	Sign(ctx context.Context, digest []byte) (sig []byte, kid string, err error)
}

// Config selects and parameterizes the backend.
type Config struct {
	KMSKeyID    string // auditSigningKmsKeyId
	KMSEndpoint string
	ProxyURL    string // signingProxyUrl
	Kid         string // auditSignerKid
	RequireKMS  bool
	Environment string // "production" forbids the local fallback
	Timeout     time.Duration
	LocalSeed   []byte // optional deterministic seed for the local key
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c Config) localAllowed() bool {
	return !c.RequireKMS && c.Environment != "production"
}

// New selects a signing backend in priority order: KMS, proxy, local.
// The local key is registered in reg so its signatures verify in-process.
func New(cfg Config, reg *Registry) (Signer, error) {
	log := slog.Default().With("component", "signer")
	switch {
	case cfg.KMSKeyID != "":
		log.Info("using KMS signing backend", "keyId", cfg.KMSKeyID)
		return newKMSSigner(cfg), nil
	case cfg.ProxyURL != "":
		log.Info("using signing proxy backend", "url", cfg.ProxyURL)
		return newProxySigner(cfg), nil
	case cfg.localAllowed():
		log.Warn("using local ephemeral signing key; not for production")
		return newLocalSigner(cfg, reg)
	default:
		return nil, ErrSignerRequired
	}
}

// signWithRetry runs one signing attempt plus exactly one retry on
// transient error, each bounded by the configured timeout.
func signWithRetry(ctx context.Context, timeout time.Duration, attempt func(context.Context) ([]byte, string, error)) ([]byte, string, error) {
	var lastErr error
	for i := 0; i < 2; i++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		sig, kid, err := attempt(callCtx)
		cancel()
		if err == nil {
			return sig, kid, nil
		}
		lastErr = err
		if !isTransient(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, "", fmt.Errorf("signer: signing failed: %w", lastErr)
}

func checkDigest(digest []byte) error {
	if len(digest) != digestSize {
		return fmt.Errorf("%w (got %d)", ErrBadDigest, len(digest))
	}
	return nil
}
