package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/aegisgov/substrate/pkg/audit"
	"github.com/aegisgov/substrate/pkg/evalflow"
	"github.com/aegisgov/substrate/pkg/gate"
	"github.com/aegisgov/substrate/pkg/manifest"
	"github.com/aegisgov/substrate/pkg/memory"
	"github.com/aegisgov/substrate/pkg/policy"
	"github.com/aegisgov/substrate/pkg/upgrade"
)

// DecisionLog is the slice of the audit store used by policy explain.
type DecisionLog interface {
	ByType(ctx context.Context, eventType string, limit int) ([]audit.Event, error)
}

// Server holds the handler dependencies.
type Server struct {
	policies    *policy.Engine
	policyStore policy.Store
	lifecycle   *policy.Lifecycle
	simulator   *policy.Simulator
	decisions   DecisionLog

	manifests   *manifest.Service
	auditEngine *audit.Engine
	upgrades    *upgrade.Manager

	memory   *memory.Service
	searcher *memory.Searcher

	flow      *evalflow.Flow
	allocator *evalflow.Allocator

	idem      *gate.Idempotency
	metrics   RequestRecorder
	namespace string
	log       *slog.Logger
}

// Deps bundles the server's collaborators.
type Deps struct {
	Policies    *policy.Engine
	PolicyStore policy.Store
	Lifecycle   *policy.Lifecycle
	Simulator   *policy.Simulator
	Decisions   DecisionLog

	Manifests   *manifest.Service
	AuditEngine *audit.Engine
	Upgrades    *upgrade.Manager

	Memory   *memory.Service
	Searcher *memory.Searcher

	Flow      *evalflow.Flow
	Allocator *evalflow.Allocator

	Idempotency *gate.Idempotency
	Metrics     RequestRecorder
	Namespace   string
}

func NewServer(d Deps) *Server {
	ns := d.Namespace
	if ns == "" {
		ns = "default"
	}
	return &Server{
		policies:    d.Policies,
		policyStore: d.PolicyStore,
		lifecycle:   d.Lifecycle,
		simulator:   d.Simulator,
		decisions:   d.Decisions,
		manifests:   d.Manifests,
		auditEngine: d.AuditEngine,
		upgrades:    d.Upgrades,
		memory:      d.Memory,
		searcher:    d.Searcher,
		flow:        d.Flow,
		allocator:   d.Allocator,
		idem:        d.Idempotency,
		metrics:     d.Metrics,
		namespace:   ns,
		log:         slog.Default().With("component", "api"),
	}
}

// Routes registers every endpoint on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sentinelnet/check", s.handleCheck)
	mux.HandleFunc("POST /sentinelnet/policy", s.handleCreatePolicy)
	mux.HandleFunc("GET /sentinelnet/policy/{id}/explain", s.handleExplainPolicy)
	mux.HandleFunc("POST /sentinelnet/policy/{id}/transition", s.handleTransitionPolicy)

	mux.HandleFunc("POST /kernel/sign", s.handleSign)
	mux.HandleFunc("POST /kernel/audit", s.handleAudit)
	mux.HandleFunc("POST /kernel/upgrade", s.handleCreateUpgrade)
	mux.HandleFunc("POST /kernel/upgrade/{id}/approve", s.handleApproveUpgrade)
	mux.HandleFunc("POST /kernel/upgrade/{id}/apply", s.handleApplyUpgrade)

	mux.HandleFunc("POST /memory/nodes", s.handleCreateNode)
	mux.HandleFunc("POST /memory/search", s.handleSearch)
	mux.HandleFunc("DELETE /memory/nodes/{id}", s.handleDeleteNode)
	mux.HandleFunc("POST /memory/nodes/{id}/legal-hold", s.handleLegalHold)

	mux.HandleFunc("POST /eval/submit", s.handleSubmitEval)
	mux.HandleFunc("POST /alloc/request", s.handleAllocRequest)
	mux.HandleFunc("POST /alloc/approve", s.handleAllocApprove)
	mux.HandleFunc("POST /alloc/settle", s.handleAllocSettle)

	mux.HandleFunc("GET /healthz", s.handleHealth)

	return mux
}

// Handler wraps the routes in the standard middleware stack.
func (s *Server) Handler(requireMTLS bool, limiter *RateLimiter) http.Handler {
	mws := []Middleware{RequestID}
	if s.metrics != nil {
		mws = append(mws, Metrics(s.metrics))
	}
	if limiter != nil {
		mws = append(mws, limiter.Middleware)
	}
	mws = append(mws, RequireMTLS(requireMTLS))
	return Chain(s.Routes(), mws...)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// idempotent replays a mutation through the idempotency layer when the
// caller supplied an Idempotency-Key; fn runs at most once per key+body.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, body []byte,
	fn func(ctx context.Context) (int, json.RawMessage, error)) {

	key := r.Header.Get("Idempotency-Key")
	if s.idem == nil {
		key = ""
	}
	status, resp, replayed, err := s.run(r.Context(), key, body, fn)
	if err != nil {
		WriteFailure(w, err)
		return
	}
	if replayed {
		w.Header().Set("Idempotency-Replayed", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(resp)
}

func (s *Server) run(ctx context.Context, key string, body []byte,
	fn func(ctx context.Context) (int, json.RawMessage, error)) (int, json.RawMessage, bool, error) {

	if key == "" {
		status, resp, err := fn(ctx)
		return status, resp, false, err
	}
	return s.idem.Execute(ctx, key, body, fn)
}
