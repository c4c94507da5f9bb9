package policy

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/aegisgov/substrate/pkg/policy/expr"
)

// DefaultEvalTimeout bounds a single rule evaluation.
const DefaultEvalTimeout = 50 * time.Millisecond

// AuditAppender records audit events; implemented over pkg/audit.Engine by
// the caller so simulation paths can run without one.
type AuditAppender interface {
	Append(ctx context.Context, eventType, actor string, payload map[string]interface{}) error
}

// Engine evaluates check requests against the active and canary policy
// snapshot. The registry is read-hot, write-rare: callers hold a snapshot
// refreshed when the store changes.
type Engine struct {
	store       Store
	audit       AuditAppender
	evalTimeout time.Duration
	log         *slog.Logger

	mu       sync.RWMutex
	snapshot []Policy

	evalErrors metric.Int64Counter
	decisions  metric.Int64Counter
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithEvalTimeout overrides the per-rule CPU budget.
func WithEvalTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.evalTimeout = d }
}

func NewEngine(store Store, auditor AuditAppender, opts ...EngineOption) *Engine {
	meter := otel.Meter("substrate/policy")
	evalErrors, _ := meter.Int64Counter("policy_eval_errors_total",
		metric.WithDescription("Rule evaluations that errored or timed out"))
	decisions, _ := meter.Int64Counter("policy_decisions_total",
		metric.WithDescription("Policy decisions emitted"))

	e := &Engine{
		store:       store,
		audit:       auditor,
		evalTimeout: DefaultEvalTimeout,
		log:         slog.Default().With("component", "sentinelnet"),
		evalErrors:  evalErrors,
		decisions:   decisions,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Refresh reloads the active and canary snapshot from the store.
func (e *Engine) Refresh(ctx context.Context) error {
	policies, err := e.store.InStates(ctx, StateActive, StateCanary)
	if err != nil {
		return fmt.Errorf("policy: refresh snapshot: %w", err)
	}
	for i := range policies {
		if err := policies[i].Compile(); err != nil {
			// A rule that no longer compiles cannot have been activated
			// through the lifecycle; treat it as fail-closed data corruption.
			e.log.Error("policy in snapshot fails to compile",
				"policyId", policies[i].ID, "version", policies[i].Version, "error", err)
		}
	}
	e.mu.Lock()
	e.snapshot = policies
	e.mu.Unlock()
	return nil
}

// Snapshot returns the current compiled snapshot.
func (e *Engine) Snapshot() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, len(e.snapshot))
	copy(out, e.snapshot)
	return out
}

// Sampled implements deterministic canary sampling:
// sha256(policyId || requestId) mod 10000 < canaryPercent * 100.
func Sampled(policyID, requestID string, canaryPercent float64) bool {
	if canaryPercent <= 0 {
		return false
	}
	if canaryPercent >= 100 {
		return true
	}
	sum := sha256.Sum256([]byte(policyID + requestID))
	bucket := binary.BigEndian.Uint64(sum[:8]) % 10000
	return bucket < uint64(canaryPercent*100)
}

// Check evaluates a request. Deny dominates allow; the first deny ordered
// by (severity desc, createdAt asc) supplies the rationale, and every
// matching policy lands in evidenceRefs. A policy.decision audit event is
// recorded unless the request is a simulation.
func (e *Engine) Check(ctx context.Context, req CheckRequest) (*Decision, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	in := expr.Input{
		Action:   req.Action,
		Actor:    req.Actor,
		Resource: req.Resource,
		Context:  req.Context,
	}

	decision := &Decision{
		DecisionID: uuid.NewString(),
		Allowed:    true,
		Rationale:  "no matching policy denied the request",
		RequestID:  req.RequestID,
		Ts:         time.Now().UTC(),
	}

	type denial struct {
		policy Policy
		reason string
	}
	var denials []denial

	for _, p := range e.Snapshot() {
		if !p.Metadata.MatchesAction(req.Action) {
			continue
		}
		sampled := false
		if p.State == StateCanary {
			sampled = Sampled(p.ID, req.RequestID, p.Metadata.CanaryPercent)
			if !sampled {
				continue
			}
			decision.IsCanarySampled = true
		}

		matched, err := e.evalBounded(ctx, &p, in)
		if err != nil {
			e.evalErrors.Add(ctx, 1)
			e.log.Warn("rule evaluation error",
				"policyId", p.ID, "version", p.Version, "error", err)
			decision.EvidenceRefs = append(decision.EvidenceRefs,
				fmt.Sprintf("eval.error:%s@%d", p.ID, p.Version))
			if p.Metadata.FailClosed {
				denials = append(denials, denial{policy: p,
					reason: fmt.Sprintf("policy %s failed evaluation and is fail_closed", p.ID)})
			}
			continue
		}
		if !matched {
			continue
		}
		decision.EvidenceRefs = append(decision.EvidenceRefs,
			fmt.Sprintf("%s@%d", p.ID, p.Version))
		if p.Metadata.effect() == EffectDeny {
			denials = append(denials, denial{policy: p,
				reason: fmt.Sprintf("denied by policy %q (%s)", p.Name, p.ID)})
		}
	}

	if len(denials) > 0 {
		sort.SliceStable(denials, func(i, j int) bool {
			ri, rj := denials[i].policy.Severity.rank(), denials[j].policy.Severity.rank()
			if ri != rj {
				return ri > rj
			}
			return denials[i].policy.CreatedAt.Before(denials[j].policy.CreatedAt)
		})
		winner := denials[0]
		decision.Allowed = false
		decision.PolicyID = winner.policy.ID
		decision.PolicyVersion = winner.policy.Version
		decision.RuleID = fmt.Sprintf("%s@%d", winner.policy.ID, winner.policy.Version)
		decision.Rationale = winner.reason
	}

	e.decisions.Add(ctx, 1)
	if !req.Simulate && e.audit != nil {
		if err := e.audit.Append(ctx, "policy.decision", req.Actor, map[string]interface{}{
			"decisionId":      decision.DecisionID,
			"action":          req.Action,
			"allowed":         decision.Allowed,
			"policyId":        decision.PolicyID,
			"policyVersion":   decision.PolicyVersion,
			"ruleId":          decision.RuleID,
			"rationale":       decision.Rationale,
			"evidenceRefs":    decision.EvidenceRefs,
			"requestId":       decision.RequestID,
			"isCanarySampled": decision.IsCanarySampled,
		}); err != nil {
			return nil, fmt.Errorf("policy: record decision: %w", err)
		}
	}
	return decision, nil
}

// evalBounded runs one rule under the CPU budget. Evaluation respects
// context deadlines, so a stuck rule surfaces as DeadlineExceeded.
func (e *Engine) evalBounded(ctx context.Context, p *Policy, in expr.Input) (bool, error) {
	prg, err := p.Program()
	if err != nil {
		return false, err
	}
	evalCtx, cancel := context.WithTimeout(ctx, e.evalTimeout)
	defer cancel()

	type result struct {
		matched bool
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		matched, err := prg.Eval(evalCtx, in)
		ch <- result{matched, err}
	}()
	select {
	case r := <-ch:
		return r.matched, r.err
	case <-evalCtx.Done():
		return false, fmt.Errorf("policy: evaluation timeout after %s: %w", e.evalTimeout, evalCtx.Err())
	}
}
