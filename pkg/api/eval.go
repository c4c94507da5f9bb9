package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/aegisgov/substrate/pkg/evalflow"
)

func (s *Server) handleSubmitEval(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		WriteBadRequest(w, "unreadable body")
		return
	}
	var report evalflow.EvalReport
	if err := decodeValidated(body, evalSchema, &report); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	actor := Actor(r)
	s.idempotent(w, r, body, func(ctx context.Context) (int, json.RawMessage, error) {
		res, err := s.flow.SubmitEval(ctx, report, actor)
		if err != nil {
			return 0, nil, err
		}
		resp, err := json.Marshal(res)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, resp, nil
	})
}

func (s *Server) handleAllocRequest(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		WriteBadRequest(w, "unreadable body")
		return
	}
	var input evalflow.AllocationInput
	if err := decodeValidated(body, allocRequestSchema, &input); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	actor := Actor(r)
	s.idempotent(w, r, body, func(ctx context.Context) (int, json.RawMessage, error) {
		alloc, err := s.allocator.Request(ctx, input, actor)
		if err != nil {
			return 0, nil, err
		}
		resp, err := json.Marshal(alloc)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, resp, nil
	})
}

type allocApproveRequest struct {
	AllocationID string `json:"allocationId"`
	ApproverID   string `json:"approverId"`
}

func (s *Server) handleAllocApprove(w http.ResponseWriter, r *http.Request) {
	var req allocApproveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.AllocationID == "" {
		WriteBadRequest(w, "allocationId is required")
		return
	}

	alloc, quorum, err := s.allocator.Approve(r.Context(), req.AllocationID, req.ApproverID, Actor(r))
	if err != nil {
		WriteFailure(w, err)
		return
	}
	resp := map[string]interface{}{"allocation": alloc}
	if quorum != nil {
		resp["quorum"] = quorum
	}
	WriteJSON(w, http.StatusOK, resp)
}

type allocSettleRequest struct {
	AllocationID string `json:"allocationId"`
	Proof        string `json:"proof"`
}

func (s *Server) handleAllocSettle(w http.ResponseWriter, r *http.Request) {
	var req allocSettleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.AllocationID == "" || req.Proof == "" {
		WriteBadRequest(w, "allocationId and proof are required")
		return
	}

	alloc, err := s.allocator.Settle(r.Context(), req.AllocationID, req.Proof, Actor(r))
	if err != nil {
		WriteFailure(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"allocation": alloc})
}
