package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// localSigner holds an ephemeral ed25519 key. When a seed is configured the
// key is HKDF-derived from it so restarts keep the same kid; otherwise the
// key is random and dies with the process.
type localSigner struct {
	priv ed25519.PrivateKey
	kid  string
}

func newLocalSigner(cfg Config, reg *Registry) (*localSigner, error) {
	var seed []byte
	if len(cfg.LocalSeed) > 0 {
		kdf := hkdf.New(sha256.New, cfg.LocalSeed, nil, []byte("substrate/audit-signer/v1"))
		seed = make([]byte, ed25519.SeedSize)
		if _, err := io.ReadFull(kdf, seed); err != nil {
			return nil, fmt.Errorf("signer: seed derivation failed: %w", err)
		}
	} else {
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("signer: key generation failed: %w", err)
		}
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	kid := cfg.Kid
	if kid == "" {
		fp := sha256.Sum256(pub)
		kid = "local-" + hex.EncodeToString(fp[:4])
	}
	if reg != nil {
		reg.Register(kid, pub)
	}
	return &localSigner{priv: priv, kid: kid}, nil
}

func (s *localSigner) Sign(_ context.Context, digest []byte) ([]byte, string, error) {
	if err := checkDigest(digest); err != nil {
		return nil, "", err
	}
	return ed25519.Sign(s.priv, digest), s.kid, nil
}
