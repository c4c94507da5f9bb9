package policy

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RollbackConfig tunes the canary rollback controller.
type RollbackConfig struct {
	// Threshold is the enforced-deny rate (0..1) above which a canary
	// policy is rolled back.
	Threshold float64
	// Window is the rolling window decisions are sampled over.
	Window time.Duration
	// Interval is the controller's polling cadence.
	Interval time.Duration
	// Cooldown suppresses re-evaluation of a policy after a rollback so a
	// re-promoted canary does not flap.
	Cooldown time.Duration
	// MinSamples is the minimum decision count before the rate means anything.
	MinSamples int
}

func (c RollbackConfig) withDefaults() RollbackConfig {
	if c.Threshold <= 0 {
		c.Threshold = 0.5
	}
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 15 * time.Minute
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 20
	}
	return c
}

// DecisionSource exposes recent policy.decision audit payloads.
type DecisionSource interface {
	RecentDecisions(ctx context.Context, since time.Time) ([]DecisionSample, error)
}

// DecisionSample is the slice of a decision the controller needs.
type DecisionSample struct {
	PolicyID string
	Allowed  bool
	Sampled  bool
	Ts       time.Time
}

// RollbackController watches canary deny rates and reverts misbehaving
// canaries to draft. It is a named background task with a stop handle.
type RollbackController struct {
	cfg       RollbackConfig
	store     Store
	decisions DecisionSource
	audit     AuditAppender
	now       func() time.Time
	log       *slog.Logger

	mu        sync.Mutex
	breaching map[string]time.Time // policyId -> first breach observed
	cooldown  map[string]time.Time // policyId -> cooldown expiry

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// RollbackOption configures the controller.
type RollbackOption func(*RollbackController)

// WithRollbackClock overrides the time source.
func WithRollbackClock(now func() time.Time) RollbackOption {
	return func(c *RollbackController) { c.now = now }
}

func NewRollbackController(cfg RollbackConfig, store Store, decisions DecisionSource, auditor AuditAppender, opts ...RollbackOption) *RollbackController {
	c := &RollbackController{
		cfg:       cfg.withDefaults(),
		store:     store,
		decisions: decisions,
		audit:     auditor,
		now:       func() time.Time { return time.Now().UTC() },
		log:       slog.Default().With("component", "sentinelnet.rollback"),
		breaching: make(map[string]time.Time),
		cooldown:  make(map[string]time.Time),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run polls until Stop or context cancellation.
func (c *RollbackController) Run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				c.log.Error("rollback sweep failed", "error", err)
			}
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop terminates Run.
func (c *RollbackController) Stop() {
	c.once.Do(func() { close(c.stop) })
	<-c.done
}

// Sweep is one evaluation pass. Exported so tests drive it directly.
func (c *RollbackController) Sweep(ctx context.Context) error {
	now := c.now()
	canaries, err := c.store.InStates(ctx, StateCanary)
	if err != nil {
		return err
	}
	if len(canaries) == 0 {
		return nil
	}
	samples, err := c.decisions.RecentDecisions(ctx, now.Add(-c.cfg.Window))
	if err != nil {
		return err
	}

	type tally struct{ total, denied int }
	rates := make(map[string]*tally)
	for _, s := range samples {
		if !s.Sampled {
			continue
		}
		t := rates[s.PolicyID]
		if t == nil {
			t = &tally{}
			rates[s.PolicyID] = t
		}
		t.total++
		if !s.Allowed {
			t.denied++
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range canaries {
		if expiry, cooling := c.cooldown[p.ID]; cooling {
			if now.Before(expiry) {
				continue
			}
			delete(c.cooldown, p.ID)
		}
		t := rates[p.ID]
		if t == nil || t.total < c.cfg.MinSamples {
			delete(c.breaching, p.ID)
			continue
		}
		rate := float64(t.denied) / float64(t.total)
		if rate <= c.cfg.Threshold {
			delete(c.breaching, p.ID)
			continue
		}

		first, seen := c.breaching[p.ID]
		if !seen {
			c.breaching[p.ID] = now
			continue
		}
		if now.Sub(first) < c.cfg.Window {
			continue
		}

		if err := c.store.SetState(ctx, p.ID, p.Version, StateCanary, StateDraft); err != nil {
			c.log.Error("canary rollback failed", "policyId", p.ID, "error", err)
			continue
		}
		delete(c.breaching, p.ID)
		c.cooldown[p.ID] = now.Add(c.cfg.Cooldown)
		c.log.Warn("canary rolled back to draft",
			"policyId", p.ID, "version", p.Version, "denyRate", rate)
		if c.audit != nil {
			if err := c.audit.Append(ctx, "policy.canary_rollback", "svc:sentinelnet", map[string]interface{}{
				"policyId":  p.ID,
				"version":   p.Version,
				"denyRate":  rate,
				"samples":   t.total,
				"threshold": c.cfg.Threshold,
			}); err != nil {
				c.log.Error("rollback audit append failed", "policyId", p.ID, "error", err)
			}
		}
	}
	return nil
}
