// Package api exposes the substrate over HTTP: SentinelNet checks and
// policy management, kernel signing and audit, the memory write path,
// and the eval/allocation workflow. All responses are JSON; errors use
// the envelope {"error", "message", "details"}.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aegisgov/substrate/pkg/evalflow"
	"github.com/aegisgov/substrate/pkg/gate"
	"github.com/aegisgov/substrate/pkg/memory"
	"github.com/aegisgov/substrate/pkg/policy"
	"github.com/aegisgov/substrate/pkg/signer"
	"github.com/aegisgov/substrate/pkg/upgrade"
)

// ErrorBody is the wire error envelope.
type ErrorBody struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteJSON writes a JSON response body.
func WriteJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError writes the error envelope.
func WriteError(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	WriteJSON(w, status, ErrorBody{Error: code, Message: message, Details: details})
}

// WriteBadRequest writes a 400 validation error.
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, string(gate.KindValidation), message, nil)
}

// WriteFailure maps a domain error onto the envelope. The gate taxonomy
// carries its own status; known sentinels get their conventional codes;
// anything else is an opaque 500.
func WriteFailure(w http.ResponseWriter, err error) {
	if ge, ok := gate.AsError(err); ok {
		WriteError(w, ge.HTTPStatus(), string(ge.Kind), ge.Message, ge.Details)
		return
	}

	var quorumErr *upgrade.InsufficientQuorumError
	if errors.As(err, &quorumErr) {
		WriteError(w, http.StatusBadRequest, "insufficient_quorum", err.Error(), map[string]interface{}{
			"required": quorumErr.Required,
			"missing":  quorumErr.Missing,
		})
		return
	}

	switch {
	case errors.Is(err, policy.ErrNotFound),
		errors.Is(err, memory.ErrNodeNotFound),
		errors.Is(err, upgrade.ErrNotFound),
		errors.Is(err, evalflow.ErrAllocationNotFound):
		WriteError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, policy.ErrVersionConflict),
		errors.Is(err, memory.ErrDuplicateVector),
		errors.Is(err, evalflow.ErrTerminalState),
		errors.Is(err, evalflow.ErrWrongState),
		errors.Is(err, evalflow.ErrDuplicateApproval),
		errors.Is(err, upgrade.ErrTerminalState),
		errors.Is(err, upgrade.ErrDuplicateApproval):
		WriteError(w, http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, policy.ErrInvalidTransition),
		errors.Is(err, evalflow.ErrInvalidProof),
		errors.Is(err, evalflow.ErrUnbalancedLedger),
		errors.Is(err, upgrade.ErrUnknownApprover):
		WriteError(w, http.StatusBadRequest, string(gate.KindValidation), err.Error(), nil)
	case errors.Is(err, policy.ErrMultisigRequired):
		WriteError(w, http.StatusForbidden, "multisig_required", err.Error(), nil)
	case errors.Is(err, signer.ErrSignerRequired):
		WriteError(w, http.StatusInternalServerError, string(gate.KindAuditSigning), err.Error(), nil)
	default:
		WriteError(w, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}
