package audit

import (
	"fmt"
	"time"
)

// CheckKind names the invariant a verifier finding violated.
type CheckKind string

const (
	CheckHash      CheckKind = "hash"
	CheckLinkage   CheckKind = "linkage"
	CheckSignature CheckKind = "signature"
	CheckGenesis   CheckKind = "genesis"
)

// Finding is one integrity violation, positioned by chain index.
type Finding struct {
	Position int       `json:"position"`
	EventID  string    `json:"eventId"`
	Check    CheckKind `json:"check"`
	Detail   string    `json:"detail"`
}

func (f Finding) Error() string {
	return fmt.Sprintf("event %d (%s): %s check failed: %s", f.Position, f.EventID, f.Check, f.Detail)
}

// KeyResolver verifies a signature over a digest for a kid at a timestamp.
type KeyResolver interface {
	Verify(digest, sig []byte, kid string, ts time.Time) (bool, error)
}

// Verifier re-walks a chain checking hash, linkage, and signature
// invariants. It reports every violation; the mutation path halts on any.
type Verifier struct {
	keys KeyResolver
}

func NewVerifier(keys KeyResolver) *Verifier {
	return &Verifier{keys: keys}
}

// VerifyChain checks events, which must be in chain order. The returned
// findings are ordered by position; an empty slice means the chain is
// intact. The first finding is also returned as an error wrapping
// ErrChainIntegrity for callers that stop at the earliest mismatch.
func (v *Verifier) VerifyChain(events []Event) ([]Finding, error) {
	var findings []Finding
	var prevHash string

	for i := range events {
		ev := &events[i]

		computed, err := ev.ComputeHash()
		if err != nil {
			findings = append(findings, Finding{Position: i, EventID: ev.EventID, Check: CheckHash, Detail: err.Error()})
			continue
		}
		if computed != ev.Hash {
			findings = append(findings, Finding{
				Position: i, EventID: ev.EventID, Check: CheckHash,
				Detail: fmt.Sprintf("stored %s, computed %s", ev.Hash, computed),
			})
		}

		switch {
		case i == 0:
			if ev.PrevHash != nil {
				findings = append(findings, Finding{
					Position: i, EventID: ev.EventID, Check: CheckGenesis,
					Detail: "genesis event must have null prevHash",
				})
			}
		case ev.PrevHash == nil:
			findings = append(findings, Finding{
				Position: i, EventID: ev.EventID, Check: CheckGenesis,
				Detail: "null prevHash after genesis",
			})
		case *ev.PrevHash != prevHash:
			findings = append(findings, Finding{
				Position: i, EventID: ev.EventID, Check: CheckLinkage,
				Detail: fmt.Sprintf("prevHash %s, predecessor hash %s", *ev.PrevHash, prevHash),
			})
		}
		prevHash = ev.Hash

		if v.keys != nil {
			if f := v.verifySignature(i, ev); f != nil {
				findings = append(findings, *f)
			}
		}
	}

	if len(findings) > 0 {
		return findings, fmt.Errorf("%w: %s", ErrChainIntegrity, findings[0].Error())
	}
	return nil, nil
}

func (v *Verifier) verifySignature(i int, ev *Event) *Finding {
	digest, err := HashDigest(ev.Hash)
	if err != nil {
		return &Finding{Position: i, EventID: ev.EventID, Check: CheckSignature, Detail: err.Error()}
	}
	sig, err := decodeSignature(ev.Signature)
	if err != nil {
		return &Finding{Position: i, EventID: ev.EventID, Check: CheckSignature, Detail: err.Error()}
	}
	ok, err := v.keys.Verify(digest, sig, ev.SignerKid, ev.Ts)
	if err != nil {
		return &Finding{Position: i, EventID: ev.EventID, Check: CheckSignature, Detail: err.Error()}
	}
	if !ok {
		return &Finding{
			Position: i, EventID: ev.EventID, Check: CheckSignature,
			Detail: fmt.Sprintf("signature does not verify for kid %s", ev.SignerKid),
		}
	}
	return nil
}
