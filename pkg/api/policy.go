package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aegisgov/substrate/pkg/policy"
)

type checkResponse struct {
	Decision        string    `json:"decision"`
	DecisionID      string    `json:"decisionId"`
	PolicyID        string    `json:"policyId,omitempty"`
	PolicyVersion   int       `json:"policyVersion,omitempty"`
	RuleID          string    `json:"ruleId,omitempty"`
	Rationale       string    `json:"rationale"`
	IsCanarySampled bool      `json:"isCanarySampled"`
	Ts              time.Time `json:"ts"`
}

func toCheckResponse(dec *policy.Decision) checkResponse {
	verdict := "allow"
	if !dec.Allowed {
		verdict = "deny"
	}
	return checkResponse{
		Decision:        verdict,
		DecisionID:      dec.DecisionID,
		PolicyID:        dec.PolicyID,
		PolicyVersion:   dec.PolicyVersion,
		RuleID:          dec.RuleID,
		Rationale:       dec.Rationale,
		IsCanarySampled: dec.IsCanarySampled,
		Ts:              dec.Ts,
	}
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		WriteBadRequest(w, "unreadable body")
		return
	}
	var req policy.CheckRequest
	if err := decodeValidated(body, checkSchema, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("X-Request-Id")
	}

	dec, err := s.policies.Check(r.Context(), req)
	if err != nil {
		WriteFailure(w, err)
		return
	}
	status := http.StatusOK
	if !dec.Allowed {
		status = http.StatusForbidden
	}
	WriteJSON(w, status, toCheckResponse(dec))
}

type createPolicyRequest struct {
	PolicyID string          `json:"policyId"`
	Name     string          `json:"name"`
	Version  int             `json:"version,omitempty"`
	Severity policy.Severity `json:"severity"`
	Rule     json.RawMessage `json:"rule"`
	Metadata policy.Metadata `json:"metadata,omitempty"`
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		WriteBadRequest(w, "unreadable body")
		return
	}
	var req createPolicyRequest
	if err := decodeValidated(body, policySchema, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	version := req.Version
	if version == 0 {
		version = 1
		if prev, err := s.policyStore.Latest(r.Context(), req.PolicyID); err == nil {
			version = prev.Version + 1
		} else if !errors.Is(err, policy.ErrNotFound) {
			WriteFailure(w, err)
			return
		}
	}

	p := &policy.Policy{
		ID:        req.PolicyID,
		Version:   version,
		Name:      req.Name,
		Severity:  req.Severity,
		Rule:      req.Rule,
		Metadata:  req.Metadata,
		State:     policy.StateDraft,
		CreatedBy: Actor(r),
		CreatedAt: time.Now().UTC(),
	}
	if err := p.Compile(); err != nil {
		WriteBadRequest(w, "rule does not compile: "+err.Error())
		return
	}
	if err := s.policyStore.Create(r.Context(), p); err != nil {
		WriteFailure(w, err)
		return
	}

	resp := map[string]interface{}{"policy": p}

	if r.URL.Query().Get("simulate") == "true" && s.simulator != nil {
		report, err := s.simulator.Run(r.Context(), p.ID, p.Version, 0)
		if err != nil {
			s.log.Warn("policy simulation failed", "policyId", p.ID, "error", err)
		} else {
			resp["simulation"] = report
		}
	}

	// HIGH and CRITICAL activation is multisig-gated; open the upgrade
	// record now so approvers can start signing.
	if p.Severity.RequiresMultisig() && s.upgrades != nil {
		subject := policy.UpgradeSubject(p.ID, p.Version)
		u, err := s.upgrades.Create(r.Context(), "", subject, map[string]interface{}{
			"policyId": p.ID,
			"version":  p.Version,
		}, Actor(r))
		if err != nil {
			WriteFailure(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, map[string]interface{}{
			"status":    "pending_multisig",
			"upgradeId": u.ID,
			"policy":    p,
		})
		return
	}

	WriteJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleExplainPolicy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.policyStore.Latest(r.Context(), id)
	if err != nil {
		WriteFailure(w, err)
		return
	}
	history, err := s.policyStore.History(r.Context(), id)
	if err != nil {
		WriteFailure(w, err)
		return
	}

	var recent []map[string]interface{}
	if s.decisions != nil {
		events, err := s.decisions.ByType(r.Context(), "policy.decision", 200)
		if err != nil {
			WriteFailure(w, err)
			return
		}
		for _, ev := range events {
			if ev.Payload["policyId"] != id {
				continue
			}
			recent = append(recent, ev.Payload)
			if len(recent) >= 20 {
				break
			}
		}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"policy":          p,
		"history":         history,
		"recentDecisions": recent,
	})
}

type transitionRequest struct {
	Version int    `json:"version"`
	To      string `json:"to"`
}

func (s *Server) handleTransitionPolicy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req transitionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.Version <= 0 || req.To == "" {
		WriteBadRequest(w, "version and to are required")
		return
	}
	if err := s.lifecycle.Transition(r.Context(), id, req.Version, policy.State(req.To), Actor(r)); err != nil {
		WriteFailure(w, err)
		return
	}
	p, err := s.policyStore.Version(r.Context(), id, req.Version)
	if err != nil {
		WriteFailure(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"policy": p})
}
