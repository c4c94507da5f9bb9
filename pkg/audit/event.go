// Package audit implements the append-only, hash-chained, signed audit log.
// Every event's hash covers its canonical form minus the randomly assigned
// eventId and the seal (hash, signature, signerKid); every event's prevHash
// is the hash of its predecessor, so any mutation of history is detectable
// by re-walking the chain.
package audit

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegisgov/substrate/pkg/canonical"
)

// Well-known event types. Callers may append any dotted type; these are the
// ones the substrate itself emits.
const (
	TypePolicyDecision   = "policy.decision"
	TypePolicyRollback   = "policy.canary_rollback"
	TypeManifestSigned   = "manifest.signed"
	TypeMemoryCreate     = "memory.node_created"
	TypeMemoryLegalHold  = "memory.legal_hold"
	TypeAllocRequest     = "allocation.request"
	TypeAllocSettlement  = "allocation.settlement"
	TypeAllocApplied     = "allocation.applied"
	TypeAllocRejected    = "allocation.rejected"
	TypePromotion        = "promotion.event"
	TypeDemotion         = "promotion.demotion"
	TypeUpgradeApproval  = "upgrade.approval"
	TypeReconciliation   = "audit.reconciliation"
)

// TsFormat is the wire timestamp format: ISO-8601 UTC with millisecond
// precision. Hashes are computed over this string form, so precision must
// never change.
const TsFormat = "2006-01-02T15:04:05.000Z"

// Event is one committed entry of an audit chain. Events are never mutated
// after commit; corrections are new audit.reconciliation events.
type Event struct {
	EventID             string                 `json:"eventId"`
	EventType           string                 `json:"eventType"`
	Actor               string                 `json:"actor"`
	Ts                  time.Time              `json:"-"`
	Payload             map[string]interface{} `json:"payload"`
	PrevHash            *string                `json:"prevHash"`
	Hash                string                 `json:"hash"`
	Signature           string                 `json:"signature"`
	SignerKid           string                 `json:"signerKid"`
	ManifestSignatureID string                 `json:"manifestSignatureId,omitempty"`
	RetentionExpiresAt  *time.Time             `json:"-"`
}

// wireEvent is the JSON projection with string timestamps.
type wireEvent struct {
	EventID             string                 `json:"eventId,omitempty"`
	EventType           string                 `json:"eventType"`
	Actor               string                 `json:"actor"`
	Ts                  string                 `json:"ts"`
	Payload             map[string]interface{} `json:"payload"`
	PrevHash            *string                `json:"prevHash"`
	Hash                string                 `json:"hash,omitempty"`
	Signature           string                 `json:"signature,omitempty"`
	SignerKid           string                 `json:"signerKid,omitempty"`
	ManifestSignatureID string                 `json:"manifestSignatureId,omitempty"`
	RetentionExpiresAt  string                 `json:"retentionExpiresAt,omitempty"`
}

func (e *Event) wire(includeSeal bool) wireEvent {
	w := wireEvent{
		EventType:           e.EventType,
		Actor:               e.Actor,
		Ts:                  e.Ts.UTC().Format(TsFormat),
		Payload:             e.Payload,
		PrevHash:            e.PrevHash,
		ManifestSignatureID: e.ManifestSignatureID,
	}
	if e.RetentionExpiresAt != nil {
		w.RetentionExpiresAt = e.RetentionExpiresAt.UTC().Format(TsFormat)
	}
	if includeSeal {
		w.EventID = e.EventID
		w.Hash = e.Hash
		w.Signature = e.Signature
		w.SignerKid = e.SignerKid
	}
	return w
}

// MarshalJSON emits the full wire form, seal included.
func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.wire(true))
}

// UnmarshalJSON parses the wire form back into an Event.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := time.Parse(TsFormat, w.Ts)
	if err != nil {
		// Tolerate higher-precision producers.
		ts, err = time.Parse(time.RFC3339Nano, w.Ts)
		if err != nil {
			return fmt.Errorf("audit: bad ts %q: %w", w.Ts, err)
		}
	}
	e.EventID = w.EventID
	e.EventType = w.EventType
	e.Actor = w.Actor
	e.Ts = ts.UTC()
	e.Payload = w.Payload
	e.PrevHash = w.PrevHash
	e.Hash = w.Hash
	e.Signature = w.Signature
	e.SignerKid = w.SignerKid
	e.ManifestSignatureID = w.ManifestSignatureID
	if w.RetentionExpiresAt != "" {
		ret, err := time.Parse(TsFormat, w.RetentionExpiresAt)
		if err != nil {
			return fmt.Errorf("audit: bad retentionExpiresAt %q: %w", w.RetentionExpiresAt, err)
		}
		e.RetentionExpiresAt = &ret
	}
	return nil
}

// ComputeHash returns the hex SHA-256 of the canonicalized event with the
// eventId and the seal fields excluded. Two events carrying the same
// content at the same chain position hash identically regardless of id.
func (e *Event) ComputeHash() (string, error) {
	h, err := canonical.Hash(e.wire(false))
	if err != nil {
		return "", fmt.Errorf("audit: hash event: %w", err)
	}
	return h, nil
}

// HashDigest decodes an event hash back to the 32 raw bytes that get signed.
func HashDigest(hash string) ([]byte, error) {
	raw, err := hex.DecodeString(hash)
	if err != nil {
		return nil, fmt.Errorf("audit: bad hash hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("audit: hash must be 32 bytes, got %d", len(raw))
	}
	return raw, nil
}

// NewID returns a fresh event id.
func NewID() string { return uuid.NewString() }

func encodeSignature(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

func decodeSignature(sig string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("audit: bad signature base64: %w", err)
	}
	return raw, nil
}

type traceKey struct{}

// WithTraceID stores the ambient trace id; Append injects it into payloads.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceIDFrom returns the ambient trace id, if any.
func TraceIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}
