package evalflow

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// AuditAppender records sweeper audit events.
type AuditAppender interface {
	Append(ctx context.Context, eventType, actor string, payload map[string]interface{}) error
}

// SettlementSweeper rejects allocations whose finance settlement deadline
// passed, with a compensating audit event per allocation.
type SettlementSweeper struct {
	db       *sql.DB
	audit    AuditAppender
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

const DefaultSweepInterval = time.Minute

func NewSettlementSweeper(db *sql.DB, auditor AuditAppender, interval time.Duration) *SettlementSweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &SettlementSweeper{
		db:       db,
		audit:    auditor,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		log:      slog.Default().With("component", "evalflow.settlement_sweeper"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *SettlementSweeper) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error("settlement sweep failed", "error", err)
			}
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *SettlementSweeper) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

// Sweep is one pass. Exported so tests drive it directly.
func (s *SettlementSweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE allocation_requests
		SET status = 'rejected', reason = 'settlement_timeout', updated_at = $1
		WHERE status = 'pending_finance' AND settlement_deadline <= $1
		RETURNING id, entity_id, pool, delta`, now)
	if err != nil {
		return 0, fmt.Errorf("evalflow: settlement sweep: %w", err)
	}
	type expired struct {
		id, entityID, pool string
		delta              int64
	}
	var rejected []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.entityID, &e.pool, &e.delta); err != nil {
			_ = rows.Close()
			return 0, err
		}
		rejected = append(rejected, e)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, e := range rejected {
		s.log.Warn("allocation rejected on settlement timeout",
			"allocationId", e.id, "pool", e.pool)
		if s.audit == nil {
			continue
		}
		if err := s.audit.Append(ctx, EventRejected, "svc:allocator", map[string]interface{}{
			"allocationId": e.id,
			"entityId":     e.entityID,
			"pool":         e.pool,
			"delta":        e.delta,
			"reason":       "settlement_timeout",
			"compensating": true,
		}); err != nil {
			s.log.Error("compensating audit append failed", "allocationId", e.id, "error", err)
		}
	}
	return len(rejected), nil
}
