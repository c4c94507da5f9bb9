// Package evalflow implements the eval to promotion to allocation
// workflow: score ingestion with hysteresis, the allocation state machine
// with finance settlement and multi-signature approval, and post-apply
// ROI monitoring.
package evalflow

import (
	"errors"
	"time"
)

// Allocation statuses. applied and rejected are terminal; every
// transition is forward-only.
const (
	StatusPending         = "pending"
	StatusPendingFinance  = "pending_finance"
	StatusPendingMultisig = "pending_multisig"
	StatusApplied         = "applied"
	StatusRejected        = "rejected"
)

// terminal reports whether a status admits no further transitions.
func terminal(status string) bool {
	return status == StatusApplied || status == StatusRejected
}

// EvalReport is one incoming evaluation window for an agent.
type EvalReport struct {
	ReportID   string             `json:"reportId"`
	AgentID    string             `json:"agentId"`
	Components map[string]float64 `json:"components"`
	Samples    int                `json:"samples"`
	WindowEnd  time.Time          `json:"windowEnd"`
}

// Score is the normalized scoring result.
type Score struct {
	Value      float64            `json:"score"`
	Confidence float64            `json:"confidence"`
	Components map[string]float64 `json:"components"`
}

// PromotionEvent fires when an agent clears the threshold for the full
// hysteresis run.
type PromotionEvent struct {
	PromotionID string    `json:"promotionId"`
	AgentID     string    `json:"agentId"`
	Score       float64   `json:"score"`
	Windows     int       `json:"windows"`
	Rationale   string    `json:"rationale"`
	CreatedAt   time.Time `json:"createdAt"`
}

// DemotionEvent fires when post-apply ROI goes negative. It drives the
// allocation path in reverse.
type DemotionEvent struct {
	DemotionID string    `json:"demotionId"`
	AgentID    string    `json:"agentId"`
	ROI        float64   `json:"roi"`
	Rationale  string    `json:"rationale"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AllocationRequest is one row of the allocation state machine.
type AllocationRequest struct {
	ID                 string     `json:"allocationId"`
	EntityID           string     `json:"entityId"`
	Pool               string     `json:"pool"`
	Delta              int64      `json:"delta"`
	Budgeted           bool       `json:"budgeted"`
	Status             string     `json:"status"`
	PromotionID        string     `json:"promotionId,omitempty"`
	DependsOn          string     `json:"dependsOn,omitempty"`
	Reason             string     `json:"reason,omitempty"`
	SettlementDeadline *time.Time `json:"settlementDeadline,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Quorum is the multi-signature evaluation result.
type Quorum struct {
	HasQuorum        bool     `json:"hasQuorum"`
	UniqueApprovers  []string `json:"uniqueApprovers"`
	MissingApprovals int      `json:"missingApprovals"`
	InvalidApprovers []string `json:"invalidApprovers"`
}

// LedgerEntry is one double-entry row inside a finance proof.
type LedgerEntry struct {
	Account string `json:"account"`
	Debit   int64  `json:"debit"`
	Credit  int64  `json:"credit"`
}

var (
	// ErrAllocationNotFound is returned for unknown allocation ids.
	ErrAllocationNotFound = errors.New("evalflow: allocation not found")
	// ErrTerminalState is returned when a transition touches an applied or
	// rejected allocation.
	ErrTerminalState = errors.New("evalflow: allocation is in a terminal state")
	// ErrWrongState is returned when an operation needs a status the
	// allocation is not in.
	ErrWrongState = errors.New("evalflow: allocation is not in the required state")
	// ErrDuplicateApproval is returned when an approver signs twice.
	ErrDuplicateApproval = errors.New("evalflow: approver already approved")
	// ErrInvalidProof is returned for a ledger proof that fails signature
	// or claim validation.
	ErrInvalidProof = errors.New("evalflow: invalid ledger proof")
	// ErrUnbalancedLedger is returned when proof entries do not balance.
	ErrUnbalancedLedger = errors.New("evalflow: ledger entries do not balance")
)
