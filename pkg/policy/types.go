// Package policy implements SentinelNet: synchronous rule evaluation with
// canary sampling, a versioned policy lifecycle, multi-signature activation
// gating, and automatic canary rollback.
package policy

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/aegisgov/substrate/pkg/policy/expr"
)

// State is a policy lifecycle state.
type State string

const (
	StateDraft      State = "draft"
	StateSimulating State = "simulating"
	StateCanary     State = "canary"
	StateActive     State = "active"
	StateDeprecated State = "deprecated"
)

// Severity orders policies when several deny the same request.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// RequiresMultisig reports whether activation or deprecation of this
// severity needs a completed multi-signature upgrade record.
func (s Severity) RequiresMultisig() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// EffectDeny / EffectAllow are the two rule effects. A matching deny rule
// denies the request; allow rules only contribute evidence.
const (
	EffectDeny  = "deny"
	EffectAllow = "allow"
)

// Metadata carries per-policy tuning alongside the rule.
type Metadata struct {
	CanaryPercent float64  `json:"canaryPercent,omitempty"`
	FailClosed    bool     `json:"fail_closed,omitempty"`
	Effect        string   `json:"effect,omitempty"` // default deny
	Scopes        []string `json:"scopes,omitempty"` // action prefixes; empty matches all
}

func (m Metadata) effect() string {
	if m.Effect == EffectAllow {
		return EffectAllow
	}
	return EffectDeny
}

// MatchesAction reports whether the policy's scope covers an action.
// Scopes match whole dotted segments: "memory.write" covers
// "memory.write" and "memory.write.bulk", never "memory.writeback".
func (m Metadata) MatchesAction(action string) bool {
	if len(m.Scopes) == 0 {
		return true
	}
	for _, scope := range m.Scopes {
		if action == scope || strings.HasPrefix(action, scope+".") {
			return true
		}
	}
	return false
}

// Policy is one versioned row of the policy registry.
type Policy struct {
	ID        string          `json:"policyId"`
	Version   int             `json:"version"`
	Name      string          `json:"name"`
	Severity  Severity        `json:"severity"`
	Rule      json.RawMessage `json:"rule"`
	Metadata  Metadata        `json:"metadata"`
	State     State           `json:"state"`
	CreatedBy string          `json:"createdBy"`
	CreatedAt time.Time       `json:"createdAt"`

	program expr.Program
}

// Compile parses the rule; parse errors block creation and activation.
func (p *Policy) Compile() error {
	prg, err := expr.Compile(p.Rule)
	if err != nil {
		return err
	}
	p.program = prg
	return nil
}

// Program returns the compiled rule, compiling on first use.
func (p *Policy) Program() (expr.Program, error) {
	if p.program == nil {
		if err := p.Compile(); err != nil {
			return nil, err
		}
	}
	return p.program, nil
}

// Decision is the outcome of one check. It is emitted, not stored, by the
// engine; the paired policy.decision audit event is the durable record.
type Decision struct {
	DecisionID      string    `json:"decisionId"`
	Allowed         bool      `json:"allowed"`
	PolicyID        string    `json:"policyId,omitempty"`
	PolicyVersion   int       `json:"policyVersion,omitempty"`
	RuleID          string    `json:"ruleId,omitempty"`
	Rationale       string    `json:"rationale"`
	EvidenceRefs    []string  `json:"evidenceRefs,omitempty"`
	RequestID       string    `json:"requestId,omitempty"`
	Ts              time.Time `json:"ts"`
	IsCanarySampled bool      `json:"isCanarySampled"`
}

// CheckRequest is the engine input.
type CheckRequest struct {
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor"`
	Resource  map[string]interface{} `json:"resource,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	RequestID string                 `json:"requestId,omitempty"`
	Simulate  bool                   `json:"simulate,omitempty"`
}

var (
	// ErrVersionConflict is returned when (policyId, version) already exists.
	ErrVersionConflict = errors.New("policy: version conflict")
	// ErrNotFound is returned when a policy does not exist.
	ErrNotFound = errors.New("policy: not found")
	// ErrInvalidTransition is returned for a lifecycle edge that does not exist.
	ErrInvalidTransition = errors.New("policy: invalid state transition")
	// ErrMultisigRequired is returned when activation needs a completed
	// multi-signature upgrade record that is absent or incomplete.
	ErrMultisigRequired = errors.New("policy: multi-signature approval required")
)
