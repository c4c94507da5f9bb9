package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// AuditAppender records background-task audit events.
type AuditAppender interface {
	Append(ctx context.Context, eventType, actor string, payload map[string]interface{}) error
}

// NodeExpirer soft-deletes expired rows. Implemented by ExpirePG for
// Postgres; tests supply their own.
type NodeExpirer interface {
	ExpireNodes(ctx context.Context, now time.Time) (int64, error)
}

// Cleaner soft-deletes TTL-expired nodes on a timer. Held nodes are
// immune; each sweep that removed anything is audited with the count.
type Cleaner struct {
	expirer  NodeExpirer
	audit    AuditAppender
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

const DefaultCleanerInterval = time.Minute

func NewCleaner(expirer NodeExpirer, auditor AuditAppender, interval time.Duration) *Cleaner {
	if interval <= 0 {
		interval = DefaultCleanerInterval
	}
	return &Cleaner{
		expirer:  expirer,
		audit:    auditor,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		log:      slog.Default().With("component", "memory.ttl_cleaner"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *Cleaner) Run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				c.log.Error("ttl sweep failed", "error", err)
			}
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Cleaner) Stop() {
	c.once.Do(func() { close(c.stop) })
	<-c.done
}

// Sweep is one expiry pass. Exported so tests drive it directly.
func (c *Cleaner) Sweep(ctx context.Context) error {
	now := c.now()
	n, err := c.expirer.ExpireNodes(ctx, now)
	if err != nil {
		return fmt.Errorf("memory: expire nodes: %w", err)
	}
	if n == 0 {
		return nil
	}
	c.log.Info("expired memory nodes", "count", n)
	if c.audit != nil {
		if err := c.audit.Append(ctx, "memory.ttl_expired", "svc:memory", map[string]interface{}{
			"count": n,
			"asOf":  now.Format(time.RFC3339),
		}); err != nil {
			c.log.Error("ttl audit append failed", "error", err)
		}
	}
	return nil
}

// ExpireNodes soft-deletes every live, unheld node whose TTL elapsed.
// Nodes without a TTL have a null expires_at and are never touched.
func (s *Service) ExpireNodes(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memory_nodes SET deleted_at = $1
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		  AND deleted_at IS NULL AND legal_hold = FALSE`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
