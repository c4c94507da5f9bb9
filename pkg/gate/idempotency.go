package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/aegisgov/substrate/pkg/canonical"
)

// DefaultIdempotencyTTL is how long a key replays before expiring.
const DefaultIdempotencyTTL = 24 * time.Hour

// ErrIdemNotFound is returned by stores for unknown or expired keys.
var ErrIdemNotFound = errors.New("gate: idempotency key not found")

// Record is one stored idempotency key with the response it replays.
type Record struct {
	Key         string          `json:"key"`
	RequestHash string          `json:"requestHash"`
	Status      int             `json:"status"`
	Response    json.RawMessage `json:"response"`
	CreatedAt   time.Time       `json:"createdAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
}

// IdempotencyStore persists keys. Put is first-writer-wins: on a key that
// already exists it returns the stored record untouched.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, rec *Record) (*Record, error)
}

// Idempotency fronts gated writes with the Idempotency-Key contract: same
// key and same body replays the prior response, same key with a different
// body conflicts.
type Idempotency struct {
	store IdempotencyStore
	ttl   time.Duration
	now   func() time.Time
}

func NewIdempotency(store IdempotencyStore, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &Idempotency{
		store: store,
		ttl:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// RequestHash hashes the normalized request body so whitespace and key
// order do not defeat replay detection. Non-JSON bodies hash raw.
func RequestHash(body []byte) string {
	normalized, err := canonical.Transform(body)
	if err != nil {
		normalized = body
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:])
}

// Execute runs fn at most once per (key, body). A replay returns the stored
// status and response; a body mismatch returns KindIdempotencyConflict.
// Errors from fn are never recorded, so a failed request may be retried
// under the same key.
func (i *Idempotency) Execute(ctx context.Context, key string, body []byte, fn func(ctx context.Context) (int, json.RawMessage, error)) (int, json.RawMessage, bool, error) {
	if key == "" {
		status, resp, err := fn(ctx)
		return status, resp, false, err
	}
	reqHash := RequestHash(body)

	if rec, err := i.store.Get(ctx, key); err == nil {
		if rec.RequestHash != reqHash {
			return 0, nil, false, conflict(key)
		}
		return rec.Status, rec.Response, true, nil
	} else if !errors.Is(err, ErrIdemNotFound) {
		return 0, nil, false, Wrap(KindTransientInfra, "idempotency lookup", err)
	}

	status, resp, err := fn(ctx)
	if err != nil {
		return 0, nil, false, err
	}

	now := i.now()
	stored, err := i.store.Put(ctx, &Record{
		Key:         key,
		RequestHash: reqHash,
		Status:      status,
		Response:    resp,
		CreatedAt:   now,
		ExpiresAt:   now.Add(i.ttl),
	})
	if err != nil {
		return 0, nil, false, Wrap(KindTransientInfra, "idempotency store", err)
	}
	// A concurrent request may have won the insert.
	if stored.RequestHash != reqHash {
		return 0, nil, false, conflict(key)
	}
	return stored.Status, stored.Response, false, nil
}

func conflict(key string) *Error {
	return &Error{
		Kind:    KindIdempotencyConflict,
		Message: "idempotency key reused with a different request body",
		Details: map[string]interface{}{"idempotencyKey": key},
	}
}
