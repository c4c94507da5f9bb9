package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/aegisgov/substrate/pkg/memory"
)

type embeddingInput struct {
	Model     string    `json:"model"`
	Dimension int       `json:"dimension"`
	Vector    []float64 `json:"vector"`
}

type createNodeRequest struct {
	Owner               string                 `json:"owner"`
	Namespace           string                 `json:"namespace"`
	Kind                string                 `json:"kind"`
	Content             map[string]interface{} `json:"content"`
	PiiFlags            map[string]bool        `json:"piiFlags,omitempty"`
	TTLSeconds          *int64                 `json:"ttlSeconds,omitempty"`
	Embedding           *embeddingInput        `json:"embedding,omitempty"`
	Artifacts           []memory.ArtifactInput `json:"artifacts,omitempty"`
	ManifestSignatureID string                 `json:"manifestSignatureId,omitempty"`
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		WriteBadRequest(w, "unreadable body")
		return
	}
	var req createNodeRequest
	if err := decodeValidated(body, nodeSchema, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	input := memory.CreateNodeInput{
		Namespace:           req.Namespace,
		Kind:                req.Kind,
		Content:             req.Content,
		PiiFlags:            req.PiiFlags,
		TTLSeconds:          req.TTLSeconds,
		Artifacts:           req.Artifacts,
		ManifestSignatureID: req.ManifestSignatureID,
	}
	if input.Namespace == "" {
		input.Namespace = s.namespace
	}
	if input.Kind == "" {
		input.Kind = "note"
	}
	if input.Content == nil {
		input.Content = map[string]interface{}{}
	}
	if req.Owner != "" {
		input.Content["owner"] = req.Owner
	}
	if req.Embedding != nil {
		input.Embedding = req.Embedding.Vector
		if req.Embedding.Dimension > 0 && len(req.Embedding.Vector) != req.Embedding.Dimension {
			WriteBadRequest(w, "embedding vector length does not match dimension")
			return
		}
	}

	manifestSig := r.Header.Get("X-Manifest-Signature-Id")
	if input.ManifestSignatureID == "" {
		input.ManifestSignatureID = manifestSig
	}

	actor := Actor(r)
	s.idempotent(w, r, body, func(ctx context.Context) (int, json.RawMessage, error) {
		res, err := s.memory.CreateNode(ctx, input, actor)
		if err != nil {
			return 0, nil, err
		}
		resp, err := json.Marshal(res)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, resp, nil
	})
}

type searchRequest struct {
	QueryEmbedding []float64 `json:"queryEmbedding"`
	TopK           int       `json:"topK"`
	Namespace      string    `json:"namespace"`
}

type searchHit struct {
	MemoryNodeID string                 `json:"memoryNodeId"`
	Score        float64                `json:"score"`
	Namespace    string                 `json:"namespace"`
	Kind         string                 `json:"kind"`
	Content      map[string]interface{} `json:"content"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		WriteBadRequest(w, "unreadable body")
		return
	}
	var req searchRequest
	if err := decodeValidated(body, searchSchema, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.Namespace == "" {
		req.Namespace = s.namespace
	}

	canReadPII := Capabilities(r)["read:pii"]
	results, err := s.searcher.Search(r.Context(), req.Namespace, req.QueryEmbedding, req.TopK, canReadPII)
	if err != nil {
		WriteFailure(w, err)
		return
	}

	hits := make([]searchHit, 0, len(results))
	for _, res := range results {
		hits = append(hits, searchHit{
			MemoryNodeID: res.Node.ID,
			Score:        res.Score,
			Namespace:    res.Node.Namespace,
			Kind:         res.Node.Kind,
			Content:      res.Node.Content,
		})
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"results": hits})
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.memory.DeleteNode(r.Context(), id, Actor(r)); err != nil {
		WriteFailure(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"memoryNodeId": id, "deleted": true})
}

type legalHoldRequest struct {
	Hold   bool   `json:"hold"`
	Reason string `json:"reason"`
}

func (s *Server) handleLegalHold(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req legalHoldRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if err := s.memory.SetLegalHold(r.Context(), id, req.Hold, req.Reason, Actor(r)); err != nil {
		WriteFailure(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"memoryNodeId": id, "legalHold": req.Hold})
}
