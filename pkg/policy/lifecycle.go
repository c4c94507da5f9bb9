package policy

import (
	"context"
	"fmt"
	"log/slog"
)

// validTransitions is the lifecycle graph. Rollback edges lead back to
// draft; deprecation is reachable from every live state.
var validTransitions = map[State][]State{
	StateDraft:      {StateSimulating},
	StateSimulating: {StateCanary, StateDraft, StateDeprecated},
	StateCanary:     {StateActive, StateDraft, StateDeprecated},
	StateActive:     {StateDeprecated},
}

func transitionAllowed(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ApprovalGate answers whether a completed multi-signature upgrade record
// exists for a policy version. Implemented by the upgrades store.
type ApprovalGate interface {
	Completed(ctx context.Context, subject string) (bool, error)
}

// Lifecycle drives policy state transitions, enforcing the multi-signature
// gate for HIGH/CRITICAL activation and deprecation.
type Lifecycle struct {
	store Store
	gate  ApprovalGate
	audit AuditAppender
	log   *slog.Logger
}

func NewLifecycle(store Store, gate ApprovalGate, auditor AuditAppender) *Lifecycle {
	return &Lifecycle{
		store: store,
		gate:  gate,
		audit: auditor,
		log:   slog.Default().With("component", "sentinelnet.lifecycle"),
	}
}

// UpgradeSubject names the multisig record guarding one policy version.
func UpgradeSubject(id string, version int) string {
	return fmt.Sprintf("policy:%s@%d", id, version)
}

// Transition moves a policy version to a new state.
func (l *Lifecycle) Transition(ctx context.Context, id string, version int, to State, actor string) error {
	p, err := l.store.Version(ctx, id, version)
	if err != nil {
		return err
	}
	if !transitionAllowed(p.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.State, to)
	}

	// Activation must never admit a rule that fails to compile.
	if to == StateActive || to == StateCanary {
		if err := p.Compile(); err != nil {
			return fmt.Errorf("policy: rule does not compile: %w", err)
		}
	}

	needsQuorum := p.Severity.RequiresMultisig() &&
		(to == StateActive || (p.State == StateActive && to == StateDeprecated))
	if needsQuorum {
		if l.gate == nil {
			return ErrMultisigRequired
		}
		done, err := l.gate.Completed(ctx, UpgradeSubject(id, version))
		if err != nil {
			return fmt.Errorf("policy: approval lookup: %w", err)
		}
		if !done {
			return ErrMultisigRequired
		}
	}

	if err := l.store.SetState(ctx, id, version, p.State, to); err != nil {
		return err
	}
	l.log.Info("policy transition", "policyId", id, "version", version,
		"from", p.State, "to", to, "actor", actor)

	if l.audit != nil {
		if err := l.audit.Append(ctx, "policy.lifecycle", actor, map[string]interface{}{
			"policyId":  id,
			"version":   version,
			"fromState": string(p.State),
			"toState":   string(to),
		}); err != nil {
			l.log.Error("lifecycle audit append failed", "policyId", id, "error", err)
		}
	}
	return nil
}
