package audit_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgov/substrate/pkg/audit"
)

func TestPGStore_AppendGenesis(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT hash FROM audit_events ORDER BY id DESC LIMIT 1 FOR UPDATE`)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT event_id, event_type, actor, payload, prev_hash, hash, signature, signer_id, manifest_signature_id, ts, retention_expires_at`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO audit_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store := audit.NewPGStore(db)
	eng, _ := newTestEngine(t, store)

	rcpt, err := eng.Append(context.Background(), "manifest.signed", "svc:kernel",
		map[string]interface{}{"manifestId": "m-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, rcpt.EventID)
	assert.Len(t, rcpt.Hash, 64)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStore_JoinDoesNotCommitCallerTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT hash FROM audit_events`).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}).AddRow("aa"))
	// Candidate-hash dedupe miss, then the head-content lookup miss.
	mock.ExpectQuery(`SELECT event_id, event_type`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT event_id, event_type`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO audit_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)

	store := audit.NewPGStore(db)
	eng, _ := newTestEngine(t, store)

	rcpt, ev, err := eng.AppendIn(context.Background(), store.Join(tx),
		"allocation.request", "svc:alloc", map[string]interface{}{"pool": "gpus"})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "aa", *ev.PrevHash)
	assert.Equal(t, rcpt.Hash, ev.Hash)

	// The engine must not have committed; that is the caller's call.
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}
