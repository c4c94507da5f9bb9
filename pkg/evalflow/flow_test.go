package evalflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgov/substrate/pkg/evalflow"
)

type captureAuditor struct {
	mu     sync.Mutex
	events []map[string]interface{}
	types  []string
}

func (c *captureAuditor) Append(_ context.Context, eventType, _ string, payload map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = append(c.types, eventType)
	c.events = append(c.events, payload)
	return nil
}

func report(agent string, score float64) evalflow.EvalReport {
	return evalflow.EvalReport{
		AgentID:    agent,
		Components: map[string]float64{"task_success": score},
		Samples:    100,
		WindowEnd:  time.Now().UTC(),
	}
}

func expectGatedInsert(mock sqlmock.Sqlmock, table string) {
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ` + table).
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectAudit(mock)
	mock.ExpectCommit()
}

func TestSubmitEval_PromotionAfterThreeWindows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	// Only the third submission touches the database.
	expectGatedInsert(mock, "promotions")
	expectGatedInsert(mock, "allocation_requests")

	coord := newCoordinator(t, db, true)
	flow := evalflow.NewFlow(
		evalflow.NewScorer(nil),
		evalflow.NewPromotionTracker(0.85, 3),
		newAllocator(t, db, true),
		coord,
		evalflow.FlowConfig{Pool: "gpus-us-east", PromoteDelta: 1},
	)

	res, err := flow.SubmitEval(context.Background(), report("agent-123", 0.88), "svc:eval")
	require.NoError(t, err)
	assert.Nil(t, res.Promotion)
	assert.InDelta(t, 0.88, res.Score.Value, 1e-9)

	res, err = flow.SubmitEval(context.Background(), report("agent-123", 0.90), "svc:eval")
	require.NoError(t, err)
	assert.Nil(t, res.Promotion)

	res, err = flow.SubmitEval(context.Background(), report("agent-123", 0.92), "svc:eval")
	require.NoError(t, err)
	require.NotNil(t, res.Promotion)
	assert.Contains(t, res.Promotion.Rationale, "3 consecutive windows")
	require.Len(t, res.Allocations, 1)
	assert.Equal(t, evalflow.StatusPending, res.Allocations[0].Status)
	assert.Equal(t, res.Promotion.PromotionID, res.Allocations[0].PromotionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitEval_CanaryChainLinksBroadGrant(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	expectGatedInsert(mock, "promotions")
	expectGatedInsert(mock, "allocation_requests") // canary
	expectGatedInsert(mock, "allocation_requests") // broad

	flow := evalflow.NewFlow(
		evalflow.NewScorer(nil),
		evalflow.NewPromotionTracker(0.85, 1),
		newAllocator(t, db, true),
		newCoordinator(t, db, true),
		evalflow.FlowConfig{Pool: "gpus-us-east", PromoteDelta: 4, CanaryDelta: 1},
	)

	res, err := flow.SubmitEval(context.Background(), report("agent-123", 0.95), "svc:eval")
	require.NoError(t, err)
	require.Len(t, res.Allocations, 2)

	canary, broad := res.Allocations[0], res.Allocations[1]
	assert.Equal(t, int64(1), canary.Delta)
	assert.Empty(t, canary.DependsOn)
	assert.Equal(t, int64(4), broad.Delta)
	assert.Equal(t, canary.ID, broad.DependsOn)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitEval_ValidationErrors(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	flow := evalflow.NewFlow(
		evalflow.NewScorer(nil),
		evalflow.NewPromotionTracker(0.85, 3),
		newAllocator(t, db, true),
		newCoordinator(t, db, true),
		evalflow.FlowConfig{Pool: "gpus-us-east"},
	)

	_, err = flow.SubmitEval(context.Background(), evalflow.EvalReport{}, "svc:eval")
	require.Error(t, err)

	_, err = flow.SubmitEval(context.Background(), evalflow.EvalReport{AgentID: "a"}, "svc:eval")
	require.Error(t, err)
}

func TestSettlementSweeper_RejectsExpiredWithCompensatingAudit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`UPDATE allocation_requests`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "entity_id", "pool", "delta"}).
			AddRow("alloc-1", "agent-123", "gpus-us-east", int64(2)))

	auditor := &captureAuditor{}
	sweeper := evalflow.NewSettlementSweeper(db, auditor, time.Minute)
	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, auditor.types, 1)
	assert.Equal(t, evalflow.EventRejected, auditor.types[0])
	assert.Equal(t, "settlement_timeout", auditor.events[0]["reason"])
	assert.Equal(t, true, auditor.events[0]["compensating"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

type stubROISource struct {
	samples []evalflow.ROISample
}

func (s *stubROISource) Samples(context.Context, time.Time) ([]evalflow.ROISample, error) {
	return s.samples, nil
}

func TestROIMonitor_NegativeROITriggersDemotion(t *testing.T) {
	auditor := &captureAuditor{}
	var demoted []*evalflow.DemotionEvent
	monitor := evalflow.NewROIMonitor(
		&stubROISource{samples: []evalflow.ROISample{
			{AgentID: "agent-good", ROI: 0.4},
			{AgentID: "agent-bad", ROI: -0.2},
		}},
		func(_ context.Context, ev *evalflow.DemotionEvent) error {
			demoted = append(demoted, ev)
			return nil
		},
		auditor, time.Hour, time.Minute)

	require.NoError(t, monitor.Sweep(context.Background()))
	require.Len(t, demoted, 1)
	assert.Equal(t, "agent-bad", demoted[0].AgentID)
	assert.Contains(t, demoted[0].Rationale, "negative ROI")
	assert.Equal(t, []string{"eval.demotion"}, auditor.types)
}
