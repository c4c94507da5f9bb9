// Package manifest validates and signs deployment manifests. A manifest
// names an artifact and a semantic version; signing is policy-gated and
// leaves a manifest.signed event on the audit chain.
package manifest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/aegisgov/substrate/pkg/canonical"
	"github.com/aegisgov/substrate/pkg/gate"
	"github.com/aegisgov/substrate/pkg/policy"
	"github.com/aegisgov/substrate/pkg/signer"
)

// Manifest is the signable document.
type Manifest struct {
	ID      string                 `json:"id"`
	Version string                 `json:"version"`
	Body    map[string]interface{} `json:"body,omitempty"`
}

// Signature is the result of a successful signing.
type Signature struct {
	ManifestID string    `json:"manifestId"`
	SignerID   string    `json:"signerId"`
	Signature  string    `json:"signature"`
	Version    string    `json:"version"`
	Ts         time.Time `json:"ts"`
}

var errEmptySignature = errors.New("manifest: signer returned empty signature")

// Validate checks the manifest shape. Versions must parse as semver;
// bare majors like "1" are accepted and coerced.
func Validate(m *Manifest) error {
	if m.ID == "" {
		return fmt.Errorf("manifest: id is required")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest: version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("manifest: version %q is not semver: %w", m.Version, err)
	}
	return nil
}

// PolicyChecker is the slice of the policy engine the service needs.
type PolicyChecker interface {
	Check(ctx context.Context, req policy.CheckRequest) (*policy.Decision, error)
}

// AuditAppender records manifest.signed events.
type AuditAppender interface {
	Append(ctx context.Context, eventType, actor string, payload map[string]interface{}) error
}

// Service signs manifests behind the policy gate.
type Service struct {
	policies PolicyChecker
	signer   signer.Signer
	audit    AuditAppender
	now      func() time.Time
	log      *slog.Logger
}

type ServiceOption func(*Service)

// WithNow overrides the clock.
func WithNow(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(policies PolicyChecker, sig signer.Signer, auditor AuditAppender, opts ...ServiceOption) *Service {
	s := &Service{
		policies: policies,
		signer:   sig,
		audit:    auditor,
		now:      time.Now,
		log:      slog.Default().With("component", "manifest"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign validates, policy-checks, signs the canonical digest of the
// manifest, and audits the signature.
func (s *Service) Sign(ctx context.Context, m Manifest, actor, requestID string) (*Signature, error) {
	if err := Validate(&m); err != nil {
		return nil, gate.Validation(err.Error(), nil)
	}

	dec, err := s.policies.Check(ctx, policy.CheckRequest{
		Action:    "kernel.sign",
		Actor:     actor,
		Resource:  map[string]interface{}{"manifestId": m.ID, "version": m.Version},
		RequestID: requestID,
	})
	if err != nil {
		return nil, fmt.Errorf("manifest: policy check: %w", err)
	}
	if !dec.Allowed {
		return nil, gate.Denied(dec)
	}

	digest, err := canonical.Digest(m)
	if err != nil {
		return nil, gate.Validation(fmt.Sprintf("manifest does not canonicalize: %v", err), nil)
	}
	sig, kid, err := s.signer.Sign(ctx, digest[:])
	if err != nil {
		return nil, gate.Wrap(gate.KindAuditSigning, "manifest signing failed", err)
	}
	if len(sig) == 0 {
		return nil, gate.Wrap(gate.KindAuditSigning, "manifest signing failed", errEmptySignature)
	}

	out := &Signature{
		ManifestID: m.ID,
		SignerID:   kid,
		Signature:  base64.StdEncoding.EncodeToString(sig),
		Version:    m.Version,
		Ts:         s.now().UTC(),
	}

	if s.audit != nil {
		if err := s.audit.Append(ctx, "manifest.signed", actor, map[string]interface{}{
			"manifestId": m.ID,
			"version":    m.Version,
			"signerId":   kid,
			"decisionId": dec.DecisionID,
		}); err != nil {
			return nil, fmt.Errorf("manifest: audit append: %w", err)
		}
	}
	s.log.Info("manifest signed", "manifestId", m.ID, "version", m.Version, "signerId", kid)
	return out, nil
}
