package evalflow

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ledgerClaims is the finance proof payload: a signed statement that the
// double-entry rows for one allocation were booked.
type ledgerClaims struct {
	AllocationID string        `json:"allocationId"`
	Entries      []LedgerEntry `json:"entries"`
	jwt.RegisteredClaims
}

// ProofVerifier validates Finance-signed ledger proofs.
type ProofVerifier struct {
	key ed25519.PublicKey
}

func NewProofVerifier(key ed25519.PublicKey) *ProofVerifier {
	return &ProofVerifier{key: key}
}

// Verify checks the proof signature, the allocation binding, and the
// balanced-entries rule, and returns the booked entries.
func (v *ProofVerifier) Verify(token, allocationID string) ([]LedgerEntry, error) {
	var claims ledgerClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidProof
	}
	if claims.AllocationID != allocationID {
		return nil, fmt.Errorf("%w: proof is for allocation %s", ErrInvalidProof, claims.AllocationID)
	}
	if len(claims.Entries) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrInvalidProof)
	}
	var debits, credits int64
	for _, e := range claims.Entries {
		debits += e.Debit
		credits += e.Credit
	}
	if debits != credits {
		return nil, fmt.Errorf("%w: debits %d credits %d", ErrUnbalancedLedger, debits, credits)
	}
	return claims.Entries, nil
}

// SignProof builds a ledger proof. Lives here so the finance simulator and
// tests produce exactly what Verify accepts.
func SignProof(key ed25519.PrivateKey, allocationID string, entries []LedgerEntry, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := ledgerClaims{
		AllocationID: allocationID,
		Entries:      entries,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "finance",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
}
