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

// FlowConfig binds promotions to concrete capacity.
type FlowConfig struct {
	// Pool is the resource pool promotions allocate from.
	Pool string
	// PromoteDelta is the broad capacity grant for one promotion.
	PromoteDelta int64
	// CanaryDelta, when positive, grants a bounded canary allocation
	// first; the broad allocation depends on it.
	CanaryDelta int64
	// Budgeted marks promotion allocations as budgeted capital.
	Budgeted bool
}

// SubmitResult is the response to one eval ingestion.
type SubmitResult struct {
	ReportID    string              `json:"reportId"`
	Score       Score               `json:"score"`
	Promotion   *PromotionEvent     `json:"promotion,omitempty"`
	Allocations []AllocationRequest `json:"allocations,omitempty"`
}

// Flow ties scoring, hysteresis, and allocation together.
type Flow struct {
	scorer    *Scorer
	tracker   *PromotionTracker
	allocator *Allocator
	coord     *gate.Coordinator
	cfg       FlowConfig
	now       func() time.Time
	log       *slog.Logger
}

func NewFlow(scorer *Scorer, tracker *PromotionTracker, allocator *Allocator, coord *gate.Coordinator, cfg FlowConfig) *Flow {
	if cfg.PromoteDelta <= 0 {
		cfg.PromoteDelta = 1
	}
	return &Flow{
		scorer:    scorer,
		tracker:   tracker,
		allocator: allocator,
		coord:     coord,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		log:       slog.Default().With("component", "evalflow"),
	}
}

// SubmitEval scores one report and, when the hysteresis run completes,
// records the promotion and opens its allocation chain.
func (f *Flow) SubmitEval(ctx context.Context, report EvalReport, actor string) (*SubmitResult, error) {
	if report.AgentID == "" {
		return nil, gate.Validation("agentId is required", nil)
	}
	if len(report.Components) == 0 {
		return nil, gate.Validation("components are required", nil)
	}
	if report.ReportID == "" {
		report.ReportID = uuid.NewString()
	}

	score := f.scorer.Score(&report)
	result := &SubmitResult{ReportID: report.ReportID, Score: score}

	promo := f.tracker.Observe(report.AgentID, score.Value)
	if promo == nil {
		return result, nil
	}
	if err := f.recordPromotion(ctx, promo, actor); err != nil {
		return nil, err
	}
	result.Promotion = promo

	allocations, err := f.openAllocations(ctx, promo, actor)
	if err != nil {
		// The promotion stands; the allocation path reported its own
		// denial or failure.
		return nil, err
	}
	result.Allocations = allocations
	return result, nil
}

// recordPromotion persists the promotion with its audit event.
func (f *Flow) recordPromotion(ctx context.Context, promo *PromotionEvent, actor string) error {
	_, err := f.coord.Execute(ctx, gate.WriteRequest{
		Action:    "eval.promote",
		EventType: "eval.promotion",
		Actor:     actor,
		Resource:  map[string]interface{}{"agentId": promo.AgentID, "score": promo.Score},
	}, func(ctx context.Context, tx *sql.Tx) (map[string]interface{}, error) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO promotions (id, agent_id, score, windows, rationale, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			promo.PromotionID, promo.AgentID, promo.Score, promo.Windows,
			promo.Rationale, promo.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert promotion: %w", err)
		}
		return map[string]interface{}{
			"promotionId": promo.PromotionID,
			"agentId":     promo.AgentID,
			"score":       promo.Score,
			"windows":     promo.Windows,
			"rationale":   promo.Rationale,
		}, nil
	})
	return err
}

// openAllocations creates the allocation chain for a promotion: a bounded
// canary first when configured, then the broad grant linked to it.
func (f *Flow) openAllocations(ctx context.Context, promo *PromotionEvent, actor string) ([]AllocationRequest, error) {
	var out []AllocationRequest

	dependsOn := ""
	if f.cfg.CanaryDelta > 0 && f.cfg.CanaryDelta < f.cfg.PromoteDelta {
		canary, err := f.allocator.Request(ctx, AllocationInput{
			EntityID:    promo.AgentID,
			Pool:        f.cfg.Pool,
			Delta:       f.cfg.CanaryDelta,
			Budgeted:    f.cfg.Budgeted,
			PromotionID: promo.PromotionID,
			Reason:      "canary grant before broad apply",
		}, actor)
		if err != nil {
			return nil, err
		}
		out = append(out, *canary)
		dependsOn = canary.ID
	}

	broad, err := f.allocator.Request(ctx, AllocationInput{
		EntityID:    promo.AgentID,
		Pool:        f.cfg.Pool,
		Delta:       f.cfg.PromoteDelta,
		Budgeted:    f.cfg.Budgeted,
		PromotionID: promo.PromotionID,
		DependsOn:   dependsOn,
		Reason:      promo.Rationale,
	}, actor)
	if err != nil {
		return out, err
	}
	out = append(out, *broad)
	return out, nil
}

// Demote opens a reverse allocation for a demotion event. Wire it as the
// ROI monitor's handler.
func (f *Flow) Demote(ctx context.Context, ev *DemotionEvent) error {
	_, err := f.allocator.Request(ctx, AllocationInput{
		EntityID: ev.AgentID,
		Pool:     f.cfg.Pool,
		Delta:    -f.cfg.PromoteDelta,
		Budgeted: f.cfg.Budgeted,
		Reason:   ev.Rationale,
	}, "svc:evalflow")
	return err
}
