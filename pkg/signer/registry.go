package signer

import (
	"crypto/ed25519"
	"sync"
	"time"
)

// registeredKey is a public key valid for a window. A zero NotAfter means
// the key is still current.
type registeredKey struct {
	pub       ed25519.PublicKey
	notBefore time.Time
	notAfter  time.Time
}

// Registry maps signer kids to their ed25519 public keys. An audit event's
// signature is verifiable iff its kid resolves to a key valid at the
// event's timestamp.
type Registry struct {
	mu   sync.RWMutex
	keys map[string][]registeredKey
}

func NewRegistry() *Registry {
	return &Registry{keys: make(map[string][]registeredKey)}
}

// Register adds a key for kid with an unbounded validity window. Events
// signed before the key reached this registry must still verify, so no
// notBefore is implied; use RegisterWindow to scope a rotated key.
func (r *Registry) Register(kid string, pub ed25519.PublicKey) {
	r.RegisterWindow(kid, pub, time.Time{}, time.Time{})
}

// RegisterWindow adds a key for kid valid in [notBefore, notAfter).
func (r *Registry) RegisterWindow(kid string, pub ed25519.PublicKey, notBefore, notAfter time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[kid] = append(r.keys[kid], registeredKey{pub: pub, notBefore: notBefore, notAfter: notAfter})
}

// Verify checks sig over digest against the key registered for kid at ts.
func (r *Registry) Verify(digest, sig []byte, kid string, ts time.Time) (bool, error) {
	if err := checkDigest(digest); err != nil {
		return false, err
	}
	r.mu.RLock()
	candidates := r.keys[kid]
	r.mu.RUnlock()
	if len(candidates) == 0 {
		return false, ErrUnknownKid
	}
	for _, k := range candidates {
		if ts.Before(k.notBefore) {
			continue
		}
		if !k.notAfter.IsZero() && !ts.Before(k.notAfter) {
			continue
		}
		if ed25519.Verify(k.pub, digest, sig) {
			return true, nil
		}
	}
	return false, nil
}

// PublicKey returns a currently-valid key for kid, if any.
func (r *Registry) PublicKey(kid string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now().UTC()
	for _, k := range r.keys[kid] {
		if now.Before(k.notBefore) {
			continue
		}
		if !k.notAfter.IsZero() && !now.Before(k.notAfter) {
			continue
		}
		return k.pub, true
	}
	return nil, false
}
