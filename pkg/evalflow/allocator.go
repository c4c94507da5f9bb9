package evalflow

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegisgov/substrate/pkg/gate"
)

// Audit event types for the allocation state machine.
const (
	EventRequested  = "allocation.request"
	EventApproval   = "allocation.approval"
	EventSettlement = "allocation.settlement"
	EventApplied    = "allocation.applied"
	EventRejected   = "allocation.rejected"
)

// AllocatorConfig tunes routing and settlement.
type AllocatorConfig struct {
	// MaxAutoApply is the absolute delta at or above which an allocation
	// needs the multi-signature set.
	MaxAutoApply int64
	// SettlementTimeout bounds how long an allocation may sit in
	// pending_finance before the sweeper rejects it.
	SettlementTimeout time.Duration
	// Approvers is the registered approver list.
	Approvers []string
	// RequiredApprovals is the quorum size (default 3).
	RequiredApprovals int
}

func (c AllocatorConfig) withDefaults() AllocatorConfig {
	if c.MaxAutoApply <= 0 {
		c.MaxAutoApply = 8
	}
	if c.SettlementTimeout <= 0 {
		c.SettlementTimeout = 30 * time.Minute
	}
	if c.RequiredApprovals <= 0 {
		c.RequiredApprovals = DefaultRequiredApprovals
	}
	return c
}

// AllocationInput is one allocation request.
type AllocationInput struct {
	EntityID    string `json:"entityId"`
	Pool        string `json:"pool"`
	Delta       int64  `json:"delta"`
	Budgeted    bool   `json:"budgeted"`
	PromotionID string `json:"promotionId,omitempty"`
	// DependsOn links a broad allocation to its canary predecessor.
	DependsOn string `json:"dependsOn,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Allocator drives the allocation state machine. Every transition is a
// gated write: the row change and its audit event commit together.
type Allocator struct {
	coord    *gate.Coordinator
	cfg      AllocatorConfig
	verifier *ProofVerifier
	now      func() time.Time
	log      *slog.Logger
}

// AllocatorOption configures the allocator.
type AllocatorOption func(*Allocator)

// WithAllocatorNow overrides the time source.
func WithAllocatorNow(now func() time.Time) AllocatorOption {
	return func(a *Allocator) { a.now = now }
}

func NewAllocator(coord *gate.Coordinator, cfg AllocatorConfig, verifier *ProofVerifier, opts ...AllocatorOption) *Allocator {
	a := &Allocator{
		coord:    coord,
		cfg:      cfg.withDefaults(),
		verifier: verifier,
		now:      func() time.Time { return time.Now().UTC() },
		log:      slog.Default().With("component", "evalflow.allocator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Request creates a pending allocation. A policy denial aborts before any
// row is written, so denied requests leave no trace outside the decision
// audit event.
func (a *Allocator) Request(ctx context.Context, input AllocationInput, actor string) (*AllocationRequest, error) {
	if input.EntityID == "" || input.Pool == "" {
		return nil, gate.Validation("entityId and pool are required", nil)
	}
	if input.Delta == 0 {
		return nil, gate.Validation("delta must be non-zero", nil)
	}

	alloc := &AllocationRequest{
		ID:          uuid.NewString(),
		EntityID:    input.EntityID,
		Pool:        input.Pool,
		Delta:       input.Delta,
		Budgeted:    input.Budgeted,
		Status:      StatusPending,
		PromotionID: input.PromotionID,
		DependsOn:   input.DependsOn,
		Reason:      input.Reason,
		CreatedAt:   a.now().Truncate(time.Millisecond),
	}
	alloc.UpdatedAt = alloc.CreatedAt

	_, err := a.coord.Execute(ctx, gate.WriteRequest{
		Action:    "allocation.request",
		EventType: EventRequested,
		Actor:     actor,
		Resource: map[string]interface{}{
			"pool":     input.Pool,
			"delta":    input.Delta,
			"entityId": input.EntityID,
		},
	}, func(ctx context.Context, tx *sql.Tx) (map[string]interface{}, error) {
		var dependsOn sql.NullString
		if alloc.DependsOn != "" {
			dependsOn = sql.NullString{String: alloc.DependsOn, Valid: true}
		}
		var promotionID sql.NullString
		if alloc.PromotionID != "" {
			promotionID = sql.NullString{String: alloc.PromotionID, Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO allocation_requests
				(id, entity_id, pool, delta, budgeted, status, promotion_id, depends_on, reason, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
			alloc.ID, alloc.EntityID, alloc.Pool, alloc.Delta, alloc.Budgeted,
			alloc.Status, promotionID, dependsOn, alloc.Reason, alloc.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert allocation: %w", err)
		}
		payload := map[string]interface{}{
			"allocationId": alloc.ID,
			"entityId":     alloc.EntityID,
			"pool":         alloc.Pool,
			"delta":        alloc.Delta,
			"budgeted":     alloc.Budgeted,
			"status":       alloc.Status,
		}
		if alloc.DependsOn != "" {
			payload["dependsOn"] = alloc.DependsOn
		}
		if alloc.PromotionID != "" {
			payload["promotionId"] = alloc.PromotionID
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return alloc, nil
}

// lockAllocation loads one row FOR UPDATE inside the caller's transaction.
func lockAllocation(ctx context.Context, tx *sql.Tx, id string) (*AllocationRequest, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, entity_id, pool, delta, budgeted, status, promotion_id, depends_on, reason, settlement_deadline, created_at, updated_at
		FROM allocation_requests WHERE id = $1 FOR UPDATE`, id)
	var alloc AllocationRequest
	var promotionID, dependsOn, reason sql.NullString
	var deadline sql.NullTime
	err := row.Scan(&alloc.ID, &alloc.EntityID, &alloc.Pool, &alloc.Delta, &alloc.Budgeted,
		&alloc.Status, &promotionID, &dependsOn, &reason, &deadline, &alloc.CreatedAt, &alloc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, gate.Wrap(gate.KindValidation, "allocation not found", ErrAllocationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load allocation: %w", err)
	}
	alloc.PromotionID = promotionID.String
	alloc.DependsOn = dependsOn.String
	alloc.Reason = reason.String
	if deadline.Valid {
		t := deadline.Time
		alloc.SettlementDeadline = &t
	}
	return &alloc, nil
}

func setStatus(ctx context.Context, tx *sql.Tx, id, status string, deadline *time.Time, now time.Time) error {
	var d sql.NullTime
	if deadline != nil {
		d = sql.NullTime{Time: *deadline, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE allocation_requests SET status = $2, settlement_deadline = $3, updated_at = $4
		WHERE id = $1`, id, status, d, now)
	if err != nil {
		return fmt.Errorf("update allocation status: %w", err)
	}
	return nil
}

// Approve advances a pending allocation: large deltas go to the
// multi-signature set, budgeted capital goes to finance settlement,
// everything else applies immediately. On a pending_multisig allocation it
// records one approval and applies when quorum is reached.
func (a *Allocator) Approve(ctx context.Context, id, approverID, actor string) (*AllocationRequest, *Quorum, error) {
	var out *AllocationRequest
	var quorum *Quorum
	eventType := EventApproval

	_, err := a.coord.Execute(ctx, gate.WriteRequest{
		Action:    "allocation.approve",
		EventType: eventType,
		Actor:     actor,
		Resource:  map[string]interface{}{"allocationId": id},
	}, func(ctx context.Context, tx *sql.Tx) (map[string]interface{}, error) {
		alloc, err := lockAllocation(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if terminal(alloc.Status) {
			return nil, gate.Wrap(gate.KindValidation, "allocation already settled", ErrTerminalState)
		}
		now := a.now()
		payload := map[string]interface{}{
			"allocationId": alloc.ID,
			"pool":         alloc.Pool,
			"delta":        alloc.Delta,
		}

		switch alloc.Status {
		case StatusPending:
			switch {
			case abs(alloc.Delta) >= a.cfg.MaxAutoApply:
				alloc.Status = StatusPendingMultisig
				if err := setStatus(ctx, tx, alloc.ID, alloc.Status, nil, now); err != nil {
					return nil, err
				}
			case alloc.Budgeted:
				deadline := now.Add(a.cfg.SettlementTimeout)
				alloc.Status = StatusPendingFinance
				alloc.SettlementDeadline = &deadline
				if err := setStatus(ctx, tx, alloc.ID, alloc.Status, &deadline, now); err != nil {
					return nil, err
				}
				payload["settlementDeadline"] = deadline.Format(time.RFC3339)
			default:
				alloc.Status = StatusApplied
				if err := setStatus(ctx, tx, alloc.ID, alloc.Status, nil, now); err != nil {
					return nil, err
				}
			}
			payload["status"] = alloc.Status
			out = alloc
			return payload, nil

		case StatusPendingMultisig:
			if approverID == "" {
				return nil, gate.Validation("approverId is required for a pending_multisig allocation", nil)
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO allocation_approvals (allocation_id, approver_id, approved_at)
				VALUES ($1, $2, $3)
				ON CONFLICT (allocation_id, approver_id) DO NOTHING`,
				alloc.ID, approverID, now)
			if err != nil {
				return nil, fmt.Errorf("insert approval: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil, gate.Wrap(gate.KindValidation, "approver already approved", ErrDuplicateApproval)
			}
			approvals, err := listApprovals(ctx, tx, alloc.ID)
			if err != nil {
				return nil, err
			}
			q := EvaluateQuorum(approvals, a.cfg.Approvers, a.cfg.RequiredApprovals)
			quorum = &q
			payload["quorum"] = map[string]interface{}{
				"hasQuorum":        q.HasQuorum,
				"uniqueApprovers":  q.UniqueApprovers,
				"missingApprovals": q.MissingApprovals,
				"invalidApprovers": q.InvalidApprovers,
			}
			if q.HasQuorum {
				alloc.Status = StatusApplied
				if err := setStatus(ctx, tx, alloc.ID, alloc.Status, nil, now); err != nil {
					return nil, err
				}
			}
			payload["status"] = alloc.Status
			out = alloc
			return payload, nil

		default:
			return nil, gate.Wrap(gate.KindValidation,
				fmt.Sprintf("allocation in %s cannot be approved", alloc.Status), ErrWrongState)
		}
	})
	if err != nil {
		return nil, nil, err
	}
	if out.Status == StatusApplied {
		a.appliedEvent(ctx, out, actor)
	}
	return out, quorum, nil
}

// Settle verifies a finance ledger proof and applies the allocation.
func (a *Allocator) Settle(ctx context.Context, id, proofToken, actor string) (*AllocationRequest, error) {
	var out *AllocationRequest
	_, err := a.coord.Execute(ctx, gate.WriteRequest{
		Action:    "allocation.settle",
		EventType: EventSettlement,
		Actor:     actor,
		Resource:  map[string]interface{}{"allocationId": id},
	}, func(ctx context.Context, tx *sql.Tx) (map[string]interface{}, error) {
		alloc, err := lockAllocation(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if terminal(alloc.Status) {
			return nil, gate.Wrap(gate.KindValidation, "allocation already settled", ErrTerminalState)
		}
		if alloc.Status != StatusPendingFinance {
			return nil, gate.Wrap(gate.KindValidation,
				fmt.Sprintf("allocation in %s cannot settle", alloc.Status), ErrWrongState)
		}
		if a.verifier == nil {
			return nil, gate.Wrap(gate.KindResourceUnavailable,
				"finance proof verification key not configured", ErrInvalidProof)
		}
		entries, err := a.verifier.Verify(proofToken, alloc.ID)
		if err != nil {
			return nil, gate.Wrap(gate.KindValidation, "ledger proof rejected", err)
		}
		alloc.Status = StatusApplied
		if err := setStatus(ctx, tx, alloc.ID, alloc.Status, nil, a.now()); err != nil {
			return nil, err
		}
		out = alloc
		return map[string]interface{}{
			"allocationId": alloc.ID,
			"status":       alloc.Status,
			"entries":      len(entries),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	a.appliedEvent(ctx, out, actor)
	return out, nil
}

// appliedEvent records the terminal applied audit event. It runs after the
// transition committed; a failure here is logged, the settlement or
// approval event already carries the applied status.
func (a *Allocator) appliedEvent(ctx context.Context, alloc *AllocationRequest, actor string) {
	payload := map[string]interface{}{
		"allocationId": alloc.ID,
		"entityId":     alloc.EntityID,
		"pool":         alloc.Pool,
		"delta":        alloc.Delta,
	}
	if alloc.DependsOn != "" {
		payload["dependsOn"] = alloc.DependsOn
	}
	if err := a.coord.AppendAudit(ctx, EventApplied, actor, payload); err != nil {
		a.log.Error("applied audit append failed", "allocationId", alloc.ID, "error", err)
	}
}

func listApprovals(ctx context.Context, tx *sql.Tx, allocationID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT approver_id FROM allocation_approvals WHERE allocation_id = $1`, allocationID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
