// Package gate implements the gated write coordinator: every privileged
// mutation runs as policy check, domain write, and audit append inside one
// database transaction, with an idempotency surface in front.
package gate

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aegisgov/substrate/pkg/policy"
)

// Kind classifies a failure for retry and propagation decisions. Components
// recover locally only from KindTransientInfra; everything else surfaces to
// the caller.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindPolicyDenied        Kind = "policy.denied"
	KindIdempotencyConflict Kind = "idempotency_key_conflict"
	KindTransientInfra      Kind = "transient_infra"
	KindAuditSigning        Kind = "audit_signing_failure"
	KindChainIntegrity      Kind = "chain_integrity_error"
	KindResourceUnavailable Kind = "resource_unavailable"
)

// Error is the coordinator's error envelope. Code is the wire-level error
// string, Details travels verbatim into the HTTP error body.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// HTTPStatus maps the kind to its response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindPolicyDenied:
		return http.StatusForbidden
	case KindIdempotencyConflict:
		return http.StatusConflict
	case KindResourceUnavailable:
		return http.StatusGatewayTimeout
	case KindChainIntegrity, KindAuditSigning:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Validation builds a caller-input error.
func Validation(msg string, details map[string]interface{}) *Error {
	return &Error{Kind: KindValidation, Message: msg, Details: details}
}

// Denied wraps a policy decision. The full decision rides in Details so the
// caller sees rationale and rule id.
func Denied(dec *policy.Decision) *Error {
	return &Error{
		Kind:    KindPolicyDenied,
		Message: dec.Rationale,
		Details: map[string]interface{}{
			"decisionId":    dec.DecisionID,
			"policyId":      dec.PolicyID,
			"policyVersion": dec.PolicyVersion,
			"ruleId":        dec.RuleID,
			"evidenceRefs":  dec.EvidenceRefs,
		},
	}
}

// Wrap classifies an arbitrary error into the taxonomy without losing the
// original chain.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, err: err}
}

// AsError extracts the coordinator envelope, if any.
func AsError(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// KindOf returns the kind of err, or empty for non-envelope errors.
func KindOf(err error) Kind {
	if ge, ok := AsError(err); ok {
		return ge.Kind
	}
	return ""
}
