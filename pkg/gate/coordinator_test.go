package gate_test

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgov/substrate/pkg/audit"
	"github.com/aegisgov/substrate/pkg/gate"
	"github.com/aegisgov/substrate/pkg/policy"
	"github.com/aegisgov/substrate/pkg/signer"
)

type stubChecker struct {
	decision *policy.Decision
	err      error
}

func (s *stubChecker) Check(_ context.Context, req policy.CheckRequest) (*policy.Decision, error) {
	if s.err != nil {
		return nil, s.err
	}
	dec := *s.decision
	dec.RequestID = req.RequestID
	return &dec, nil
}

type failingSigner struct{}

func (failingSigner) Sign(context.Context, []byte) ([]byte, string, error) {
	return nil, "", errors.New("kms unreachable")
}

func allow() *policy.Decision {
	return &policy.Decision{DecisionID: "dec-1", Allowed: true, Rationale: "no matching policy denied the request"}
}

func deny() *policy.Decision {
	return &policy.Decision{
		DecisionID: "dec-2",
		Allowed:    false,
		PolicyID:   "no-us-east-gpus",
		RuleID:     "no-us-east-gpus@1",
		Rationale:  `denied by policy "no-us-east-gpus"`,
	}
}

func newAuditEngine(t *testing.T, store audit.Store) *audit.Engine {
	t.Helper()
	sgn, err := signer.New(signer.Config{LocalSeed: []byte("gate-test"), Kid: "test-kid"}, signer.NewRegistry())
	require.NoError(t, err)
	return audit.NewEngine(store, sgn)
}

func TestExecute_PolicyDeniedAbortsBeforeDomainWrite(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := audit.NewPGStore(db)
	coord := gate.NewCoordinator(db, &stubChecker{decision: deny()}, newAuditEngine(t, store), store)

	domainCalled := false
	_, err = coord.Execute(context.Background(), gate.WriteRequest{
		Action:    "allocation.request",
		EventType: "allocation.requested",
		Actor:     "svc:alloc",
		Resource:  map[string]interface{}{"pool": "gpus-us-east"},
	}, func(context.Context, *sql.Tx) (map[string]interface{}, error) {
		domainCalled = true
		return nil, nil
	})

	require.Error(t, err)
	assert.False(t, domainCalled)
	ge, ok := gate.AsError(err)
	require.True(t, ok)
	assert.Equal(t, gate.KindPolicyDenied, ge.Kind)
	assert.Equal(t, http.StatusForbidden, ge.HTTPStatus())
	assert.Equal(t, "no-us-east-gpus@1", ge.Details["ruleId"])
	// No transaction was opened.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_CommitsDomainAndAuditTogether(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO allocation_requests`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT hash FROM audit_events ORDER BY id DESC LIMIT 1 FOR UPDATE`)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT event_id, event_type`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO audit_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store := audit.NewPGStore(db)
	coord := gate.NewCoordinator(db, &stubChecker{decision: allow()}, newAuditEngine(t, store), store)

	res, err := coord.Execute(context.Background(), gate.WriteRequest{
		Action:    "allocation.request",
		EventType: "allocation.requested",
		Actor:     "svc:alloc",
		Resource:  map[string]interface{}{"pool": "cpus-eu-west"},
	}, func(ctx context.Context, tx *sql.Tx) (map[string]interface{}, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO allocation_requests (id, pool) VALUES ($1, $2)`, "alloc-1", "cpus-eu-west")
		return map[string]interface{}{"allocationId": "alloc-1"}, err
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Receipt.Hash)
	assert.Equal(t, "dec-1", res.Payload["decisionId"])
	assert.Equal(t, "svc:alloc", res.Payload["principal"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_SigningFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT hash FROM audit_events`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT event_id, event_type`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	store := audit.NewPGStore(db)
	eng := audit.NewEngine(store, failingSigner{})
	coord := gate.NewCoordinator(db, &stubChecker{decision: allow()}, eng, store)

	_, err = coord.Execute(context.Background(), gate.WriteRequest{
		Action:    "memory.write",
		EventType: "memory.node_created",
		Actor:     "svc:memory",
	}, func(context.Context, *sql.Tx) (map[string]interface{}, error) {
		return map[string]interface{}{"memoryNodeId": "n-1"}, nil
	})

	require.Error(t, err)
	assert.Equal(t, gate.KindAuditSigning, gate.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_RetriesTransientThenSurfaces(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	for i := 0; i < 3; i++ {
		mock.ExpectBegin().WillReturnError(context.DeadlineExceeded)
	}

	store := audit.NewPGStore(db)
	var slept []time.Duration
	coord := gate.NewCoordinator(db, &stubChecker{decision: allow()}, newAuditEngine(t, store), store,
		gate.WithSleep(func(d time.Duration) { slept = append(slept, d) }))

	_, err = coord.Execute(context.Background(), gate.WriteRequest{
		Action: "memory.write", EventType: "memory.node_created", Actor: "svc:memory",
	}, func(context.Context, *sql.Tx) (map[string]interface{}, error) {
		return nil, nil
	})

	require.Error(t, err)
	assert.Equal(t, gate.KindTransientInfra, gate.KindOf(err))
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, slept)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_DomainErrorNotRetried(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectRollback()

	store := audit.NewPGStore(db)
	coord := gate.NewCoordinator(db, &stubChecker{decision: allow()}, newAuditEngine(t, store), store)

	calls := 0
	_, err = coord.Execute(context.Background(), gate.WriteRequest{
		Action: "memory.write", EventType: "memory.node_created", Actor: "svc:memory",
	}, func(context.Context, *sql.Tx) (map[string]interface{}, error) {
		calls++
		return nil, gate.Validation("ttlSeconds must be non-negative", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, gate.KindValidation, gate.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
