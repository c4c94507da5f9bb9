// Package upgrade implements multi-signature upgrade records. An upgrade
// names a subject (a manifest or a policy version), collects approvals
// from a fixed approver set, and applies once the quorum threshold is
// met. Completed upgrades gate HIGH and CRITICAL policy activation.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	StatusPending  = "pending"
	StatusApplied  = "applied"
	StatusRejected = "rejected"
)

// DefaultRequiredApprovals is the quorum threshold.
const DefaultRequiredApprovals = 3

var (
	ErrNotFound          = errors.New("upgrade: not found")
	ErrTerminalState     = errors.New("upgrade: already in a terminal state")
	ErrDuplicateApproval = errors.New("upgrade: approver already approved")
	ErrUnknownApprover   = errors.New("upgrade: approver not in the configured set")
)

// InsufficientQuorumError reports how far an apply attempt fell short.
type InsufficientQuorumError struct {
	Required int
	Missing  int
}

func (e *InsufficientQuorumError) Error() string {
	return fmt.Sprintf("upgrade: insufficient quorum: required %d, missing %d", e.Required, e.Missing)
}

// Upgrade is one multi-signature record.
type Upgrade struct {
	ID        string                 `json:"upgradeId"`
	Subject   string                 `json:"subject"`
	Manifest  map[string]interface{} `json:"manifest,omitempty"`
	Status    string                 `json:"status"`
	CreatedBy string                 `json:"createdBy"`
	CreatedAt time.Time              `json:"createdAt"`
	AppliedAt *time.Time             `json:"appliedAt,omitempty"`
}

// Store persists upgrades and their approvals.
type Store interface {
	Create(ctx context.Context, u *Upgrade) error
	Get(ctx context.Context, id string) (*Upgrade, error)
	// AddApproval records one approval; returns false if the approver
	// already approved this upgrade.
	AddApproval(ctx context.Context, upgradeID, approverID string, at time.Time) (bool, error)
	Approvals(ctx context.Context, upgradeID string) ([]string, error)
	SetStatus(ctx context.Context, id, from, to string, at time.Time) error
	// CompletedForSubject reports whether any applied upgrade names the
	// subject.
	CompletedForSubject(ctx context.Context, subject string) (bool, error)
}

// AuditAppender records upgrade lifecycle events.
type AuditAppender interface {
	Append(ctx context.Context, eventType, actor string, payload map[string]interface{}) error
}

// Manager drives the upgrade lifecycle. It also implements the policy
// lifecycle's ApprovalGate.
type Manager struct {
	store     Store
	audit     AuditAppender
	approvers []string
	required  int
	now       func() time.Time
	log       *slog.Logger
}

type ManagerOption func(*Manager)

// WithNow overrides the clock.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, auditor AuditAppender, approvers []string, required int, opts ...ManagerOption) *Manager {
	if required <= 0 {
		required = DefaultRequiredApprovals
	}
	m := &Manager{
		store:     store,
		audit:     auditor,
		approvers: approvers,
		required:  required,
		now:       time.Now,
		log:       slog.Default().With("component", "upgrade"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Required returns the quorum threshold.
func (m *Manager) Required() int { return m.required }

// Create opens a new pending upgrade for a subject.
func (m *Manager) Create(ctx context.Context, id, subject string, manifest map[string]interface{}, actor string) (*Upgrade, error) {
	if subject == "" {
		return nil, fmt.Errorf("upgrade: subject is required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	u := &Upgrade{
		ID:        id,
		Subject:   subject,
		Manifest:  manifest,
		Status:    StatusPending,
		CreatedBy: actor,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.Create(ctx, u); err != nil {
		return nil, err
	}
	m.appendAudit(ctx, "upgrade.requested", actor, map[string]interface{}{
		"upgradeId": u.ID,
		"subject":   u.Subject,
	})
	return u, nil
}

// Get returns one upgrade with its current approvals.
func (m *Manager) Get(ctx context.Context, id string) (*Upgrade, []string, error) {
	u, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	approvals, err := m.store.Approvals(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return u, approvals, nil
}

// Approve records one approval. Approvers outside the configured set are
// rejected; duplicates are idempotent conflicts.
func (m *Manager) Approve(ctx context.Context, id, approverID string) (*Upgrade, int, error) {
	u, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if u.Status != StatusPending {
		return nil, 0, ErrTerminalState
	}
	if !m.registered(approverID) {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownApprover, approverID)
	}

	added, err := m.store.AddApproval(ctx, id, approverID, m.now().UTC())
	if err != nil {
		return nil, 0, err
	}
	if !added {
		return nil, 0, ErrDuplicateApproval
	}

	approvals, err := m.store.Approvals(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	m.appendAudit(ctx, "upgrade.approved", approverID, map[string]interface{}{
		"upgradeId": u.ID,
		"subject":   u.Subject,
		"approvals": len(approvals),
		"required":  m.required,
	})
	return u, len(approvals), nil
}

// Apply moves a pending upgrade to applied, requiring quorum.
func (m *Manager) Apply(ctx context.Context, id, actor string) (*Upgrade, error) {
	u, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Status != StatusPending {
		return nil, ErrTerminalState
	}

	approvals, err := m.store.Approvals(ctx, id)
	if err != nil {
		return nil, err
	}
	valid := m.validApprovals(approvals)
	if len(valid) < m.required {
		return nil, &InsufficientQuorumError{
			Required: m.required,
			Missing:  m.required - len(valid),
		}
	}

	now := m.now().UTC()
	if err := m.store.SetStatus(ctx, id, StatusPending, StatusApplied, now); err != nil {
		return nil, err
	}
	u.Status = StatusApplied
	u.AppliedAt = &now

	m.log.Info("upgrade applied", "upgradeId", id, "subject", u.Subject, "approvals", len(valid))
	m.appendAudit(ctx, "upgrade.applied", actor, map[string]interface{}{
		"upgradeId": u.ID,
		"subject":   u.Subject,
		"approvers": valid,
	})
	return u, nil
}

// Completed implements policy.ApprovalGate.
func (m *Manager) Completed(ctx context.Context, subject string) (bool, error) {
	return m.store.CompletedForSubject(ctx, subject)
}

func (m *Manager) registered(approverID string) bool {
	for _, a := range m.approvers {
		if a == approverID {
			return true
		}
	}
	return false
}

func (m *Manager) validApprovals(approvals []string) []string {
	seen := make(map[string]bool, len(approvals))
	var valid []string
	for _, a := range approvals {
		if seen[a] || !m.registered(a) {
			continue
		}
		seen[a] = true
		valid = append(valid, a)
	}
	sort.Strings(valid)
	return valid
}

func (m *Manager) appendAudit(ctx context.Context, eventType, actor string, payload map[string]interface{}) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Append(ctx, eventType, actor, payload); err != nil {
		m.log.Error("upgrade audit append failed", "eventType", eventType, "error", err)
	}
}
