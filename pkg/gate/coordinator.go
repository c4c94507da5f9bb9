package gate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegisgov/substrate/pkg/audit"
	"github.com/aegisgov/substrate/pkg/policy"
)

const (
	maxAttempts    = 3
	initialBackoff = 200 * time.Millisecond
)

// PolicyChecker is the slice of the policy engine the coordinator needs.
type PolicyChecker interface {
	Check(ctx context.Context, req policy.CheckRequest) (*policy.Decision, error)
}

// AuditTxJoiner adapts an open database transaction into an audit store
// transaction so the audit append commits or rolls back with the domain
// write. Implemented by audit.PGStore.
type AuditTxJoiner interface {
	Join(tx *sql.Tx) audit.Tx
}

// DomainFn performs the domain write inside the coordinator's transaction
// and returns the payload fields the audit event should carry.
type DomainFn func(ctx context.Context, tx *sql.Tx) (map[string]interface{}, error)

// WriteRequest describes one gated mutation.
type WriteRequest struct {
	// Action is the policy-check action, e.g. "allocation.request".
	Action string
	// EventType is the audit event type recorded on success.
	EventType string
	Actor     string
	Resource  map[string]interface{}
	Context   map[string]interface{}
	RequestID string
}

// Result is returned only when the transaction committed: both the domain
// change and its audit event are durable.
type Result struct {
	Decision *policy.Decision
	Receipt  *audit.Receipt
	Payload  map[string]interface{}
}

// Coordinator runs the gated write pattern. The same instance is shared by
// every mutation path in the service.
type Coordinator struct {
	db       *sql.DB
	policies PolicyChecker
	audit    *audit.Engine
	joiner   AuditTxJoiner
	log      *slog.Logger
	sleep    func(time.Duration)
}

// Option configures the coordinator.
type Option func(*Coordinator)

// WithSleep overrides the backoff sleeper.
func WithSleep(fn func(time.Duration)) Option {
	return func(c *Coordinator) { c.sleep = fn }
}

func NewCoordinator(db *sql.DB, policies PolicyChecker, auditEngine *audit.Engine, joiner AuditTxJoiner, opts ...Option) *Coordinator {
	c := &Coordinator{
		db:       db,
		policies: policies,
		audit:    auditEngine,
		joiner:   joiner,
		log:      slog.Default().With("component", "gate"),
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs policy check, domain write, and audit append atomically.
// A policy denial aborts before any domain write and returns KindPolicyDenied
// with the full decision. Transient infrastructure failures retry the whole
// transaction up to three times with exponential backoff.
func (c *Coordinator) Execute(ctx context.Context, req WriteRequest, domain DomainFn) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.sleep(initialBackoff << (attempt - 1))
		}
		res, err := c.executeOnce(ctx, req, domain)
		if err == nil {
			return res, nil
		}
		if KindOf(err) == KindTransientInfra && ctx.Err() == nil {
			c.log.Warn("gated write retrying",
				"action", req.Action, "attempt", attempt+1, "error", err)
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

func (c *Coordinator) executeOnce(ctx context.Context, req WriteRequest, domain DomainFn) (*Result, error) {
	dec, err := c.policies.Check(ctx, policy.CheckRequest{
		Action:    req.Action,
		Actor:     req.Actor,
		Resource:  req.Resource,
		Context:   req.Context,
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, c.classify("policy check", err)
	}
	if !dec.Allowed {
		return nil, Denied(dec)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, c.classify("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	payload, err := domain(ctx, tx)
	if err != nil {
		if _, ok := AsError(err); ok {
			return nil, err
		}
		return nil, c.classify("domain write", err)
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["decisionId"] = dec.DecisionID
	payload["principal"] = req.Actor

	receipt, ev, err := c.audit.AppendIn(ctx, c.joiner.Join(tx), req.EventType, req.Actor, payload)
	if err != nil {
		return nil, c.classify("audit append", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, c.classify("commit", err)
	}
	c.audit.PostCommit(ctx, ev)

	return &Result{Decision: dec, Receipt: receipt, Payload: payload}, nil
}

// AppendAudit records a standalone audit event in its own transaction.
// It satisfies the AuditAppender interfaces of the policy and memory
// packages so background tasks share the coordinator's audit engine.
func (c *Coordinator) AppendAudit(ctx context.Context, eventType, actor string, payload map[string]interface{}) error {
	_, err := c.audit.Append(ctx, eventType, actor, payload)
	return err
}

// classify folds infrastructure errors into the taxonomy. Signing failures
// are fatal to the mutation; chain integrity halts the write path.
func (c *Coordinator) classify(stage string, err error) error {
	switch {
	case errors.Is(err, audit.ErrSigningFailure):
		return Wrap(KindAuditSigning, fmt.Sprintf("%s: signer unavailable", stage), err)
	case errors.Is(err, audit.ErrChainIntegrity):
		return Wrap(KindChainIntegrity, fmt.Sprintf("%s: chain integrity violation", stage), err)
	case audit.IsTransient(err):
		return Wrap(KindTransientInfra, stage, err)
	default:
		return fmt.Errorf("gate: %s: %w", stage, err)
	}
}
