package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	maxAppendAttempts = 3
	baseBackoff       = 200 * time.Millisecond
)

// Receipt identifies a committed (or idempotently matched) event.
type Receipt struct {
	EventID string    `json:"eventId"`
	Hash    string    `json:"hash"`
	Ts      time.Time `json:"ts"`
}

// Sink receives committed events post-commit, best-effort. Errors are
// logged, never rolled back; the on-disk chain is the source of truth.
type Sink interface {
	Publish(ctx context.Context, ev *Event)
}

// DigestSigner is the slice of pkg/signer the engine needs.
type DigestSigner interface {
	Sign(ctx context.Context, digest []byte) (sig []byte, kid string, err error)
}

// Engine appends events to the chain: lock head, stamp, hash, dedupe,
// sign, insert, commit, then fan out to sinks.
type Engine struct {
	store  Store
	signer DigestSigner
	sinks  []Sink
	now    func() time.Time
	log    *slog.Logger

	successCounter metric.Int64Counter
	failureCounter metric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink attaches a post-commit sink (publisher, archiver).
func WithSink(s Sink) Option { return func(e *Engine) { e.sinks = append(e.sinks, s) } }

// WithClock overrides wall-clock time, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(store Store, signer DigestSigner, opts ...Option) *Engine {
	meter := otel.Meter("substrate/audit")
	success, _ := meter.Int64Counter("audit_write_success_total",
		metric.WithDescription("Audit events committed"))
	failure, _ := meter.Int64Counter("audit_write_failure_total",
		metric.WithDescription("Audit appends that terminally failed"))

	e := &Engine{
		store:          store,
		signer:         signer,
		now:            func() time.Time { return time.Now().UTC() },
		log:            slog.Default().With("component", "audit"),
		successCounter: success,
		failureCounter: failure,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Append writes one event in its own transaction, retrying transient
// failures with exponential backoff. The returned receipt is the committed
// identity, which may belong to a previously committed identical event.
func (e *Engine) Append(ctx context.Context, eventType, actor string, payload map[string]interface{}) (*Receipt, error) {
	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				e.failureCounter.Add(ctx, 1)
				return nil, fmt.Errorf("audit: append cancelled: %w", ctx.Err())
			}
		}

		rcpt, err := e.appendOnce(ctx, eventType, actor, payload)
		if err == nil {
			e.successCounter.Add(ctx, 1)
			return rcpt, nil
		}
		lastErr = err
		if !IsTransient(err) {
			break
		}
		e.log.Warn("transient audit append failure, retrying",
			"eventType", eventType, "attempt", attempt+1, "error", err)
	}
	e.failureCounter.Add(ctx, 1)
	return nil, lastErr
}

func (e *Engine) appendOnce(ctx context.Context, eventType, actor string, payload map[string]interface{}) (*Receipt, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: begin: %w", err)
	}
	rcpt, ev, err := e.appendIn(ctx, tx, eventType, actor, payload)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("audit: commit: %w", err)
	}
	if ev != nil {
		e.fanOut(ctx, ev)
	}
	return rcpt, nil
}

// AppendIn performs the chained append inside a caller-owned transaction.
// The caller commits; PostCommit must then be invoked with the returned
// event (nil on idempotent hit) so sinks fire only for durable events.
func (e *Engine) AppendIn(ctx context.Context, tx Tx, eventType, actor string, payload map[string]interface{}) (*Receipt, *Event, error) {
	return e.appendIn(ctx, tx, eventType, actor, payload)
}

// PostCommit fires the post-commit sinks for an event returned by AppendIn.
func (e *Engine) PostCommit(ctx context.Context, ev *Event) {
	if ev != nil {
		e.fanOut(ctx, ev)
	}
}

func (e *Engine) appendIn(ctx context.Context, tx Tx, eventType, actor string, payload map[string]interface{}) (*Receipt, *Event, error) {
	head, err := tx.HeadHashForUpdate(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("audit: read head: %w", err)
	}

	if payload == nil {
		payload = map[string]interface{}{}
	}
	if traceID := TraceIDFrom(ctx); traceID != "" {
		if _, present := payload["traceId"]; !present {
			payload = clonePayload(payload)
			payload["traceId"] = traceID
		}
	}

	ev := &Event{
		EventID:   NewID(),
		EventType: eventType,
		Actor:     actor,
		Ts:        e.now().Truncate(time.Millisecond),
		Payload:   payload,
	}
	if head != "" {
		ev.PrevHash = &head
	}

	hash, err := ev.ComputeHash()
	if err != nil {
		return nil, nil, err
	}
	ev.Hash = hash

	// Appending an identical payload twice is a no-op, not a duplicate.
	if existing, err := tx.FindByHash(ctx, hash); err != nil {
		return nil, nil, fmt.Errorf("audit: dedupe lookup: %w", err)
	} else if existing != nil {
		return &Receipt{EventID: existing.EventID, Hash: existing.Hash, Ts: existing.Ts}, nil, nil
	}

	// A replay lands one position later, so its prevHash differs from the
	// original's and the plain hash lookup misses. Rehash the candidate at
	// the head's own position; a match means the head already committed
	// this exact content.
	if head != "" {
		headEv, err := tx.FindByHash(ctx, head)
		if err != nil {
			return nil, nil, fmt.Errorf("audit: head lookup: %w", err)
		}
		if headEv != nil && headEv.EventType == ev.EventType {
			atHead := *ev
			atHead.PrevHash = headEv.PrevHash
			rehash, err := atHead.ComputeHash()
			if err != nil {
				return nil, nil, err
			}
			if rehash == headEv.Hash {
				return &Receipt{EventID: headEv.EventID, Hash: headEv.Hash, Ts: headEv.Ts}, nil, nil
			}
		}
	}

	digest, err := HashDigest(hash)
	if err != nil {
		return nil, nil, err
	}
	sig, kid, err := e.signer.Sign(ctx, digest)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSigningFailure, err)
	}
	ev.Signature = encodeSignature(sig)
	ev.SignerKid = kid

	if err := tx.Insert(ctx, ev); err != nil {
		return nil, nil, fmt.Errorf("audit: insert: %w", err)
	}
	return &Receipt{EventID: ev.EventID, Hash: ev.Hash, Ts: ev.Ts}, ev, nil
}

func (e *Engine) fanOut(ctx context.Context, ev *Event) {
	for _, s := range e.sinks {
		s.Publish(ctx, ev)
	}
}

func clonePayload(p map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// IsTransient reports whether an error is worth retrying: timeouts,
// connection drops, deadlocks, serialization failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSigningFailure) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"57014", // query_canceled (statement timeout)
			"08000", "08003", "08006": // connection errors
			return true
		}
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "timeout")
}
