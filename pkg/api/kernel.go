package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/aegisgov/substrate/pkg/manifest"
)

type signRequest struct {
	Manifest manifest.Manifest `json:"manifest"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		WriteBadRequest(w, "unreadable body")
		return
	}
	var req signRequest
	if err := decodeValidated(body, signSchema, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	sig, err := s.manifests.Sign(r.Context(), req.Manifest, Actor(r), r.Header.Get("X-Request-Id"))
	if err != nil {
		WriteFailure(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sig)
}

type auditRequest struct {
	EventType string                 `json:"eventType"`
	Payload   map[string]interface{} `json:"payload"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		WriteBadRequest(w, "unreadable body")
		return
	}
	var req auditRequest
	if err := decodeValidated(body, auditSchema, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	s.idempotent(w, r, body, func(ctx context.Context) (int, json.RawMessage, error) {
		receipt, err := s.auditEngine.Append(ctx, req.EventType, Actor(r), req.Payload)
		if err != nil {
			return 0, nil, err
		}
		resp, err := json.Marshal(map[string]interface{}{
			"eventId": receipt.EventID,
			"hash":    receipt.Hash,
			"ts":      receipt.Ts,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, resp, nil
	})
}

type upgradeRequest struct {
	Manifest struct {
		UpgradeID string                 `json:"upgradeId"`
		Subject   string                 `json:"subject"`
		Body      map[string]interface{} `json:"body,omitempty"`
	} `json:"manifest"`
}

func (s *Server) handleCreateUpgrade(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		WriteBadRequest(w, "unreadable body")
		return
	}
	var req upgradeRequest
	if err := decodeValidated(body, upgradeSchema, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	subject := req.Manifest.Subject
	if subject == "" {
		subject = "upgrade:" + req.Manifest.UpgradeID
	}
	u, err := s.upgrades.Create(r.Context(), req.Manifest.UpgradeID, subject, req.Manifest.Body, Actor(r))
	if err != nil {
		WriteFailure(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"upgradeId": u.ID,
		"subject":   u.Subject,
		"status":    u.Status,
		"required":  s.upgrades.Required(),
	})
}

type approveRequest struct {
	ApproverID string `json:"approverId"`
}

func (s *Server) handleApproveUpgrade(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req approveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.ApproverID == "" {
		WriteBadRequest(w, "approverId is required")
		return
	}

	u, approvals, err := s.upgrades.Approve(r.Context(), id, req.ApproverID)
	if err != nil {
		WriteFailure(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"upgradeId": u.ID,
		"status":    u.Status,
		"approvals": approvals,
		"required":  s.upgrades.Required(),
	})
}

func (s *Server) handleApplyUpgrade(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	u, err := s.upgrades.Apply(r.Context(), id, Actor(r))
	if err != nil {
		WriteFailure(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"upgradeId": u.ID,
		"status":    u.Status,
		"appliedAt": u.AppliedAt,
	})
}
