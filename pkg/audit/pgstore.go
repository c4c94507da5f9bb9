package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PGStore persists the audit chain in Postgres. The head row is locked
// FOR UPDATE per append, which gives the chain its strict total order.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PGStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx, owned: true}, nil
}

// Join wraps a caller-owned transaction so a gated write can append its
// audit event atomically with its domain mutation. Commit and Rollback are
// no-ops; the caller owns the transaction boundary.
func (s *PGStore) Join(tx *sql.Tx) Tx {
	return &pgTx{tx: tx, owned: false}
}

type pgTx struct {
	tx    *sql.Tx
	owned bool
}

func (t *pgTx) HeadHashForUpdate(ctx context.Context) (string, error) {
	var hash sql.NullString
	err := t.tx.QueryRowContext(ctx,
		`SELECT hash FROM audit_events ORDER BY id DESC LIMIT 1 FOR UPDATE`,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !hash.Valid {
		return "", nil
	}
	return hash.String, nil
}

func (t *pgTx) FindByHash(ctx context.Context, hash string) (*Event, error) {
	row := t.tx.QueryRowContext(ctx, selectEvent+` WHERE hash = $1`, hash)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ev, err
}

func (t *pgTx) Insert(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var retention sql.NullTime
	if ev.RetentionExpiresAt != nil {
		retention = sql.NullTime{Time: *ev.RetentionExpiresAt, Valid: true}
	}
	var prev sql.NullString
	if ev.PrevHash != nil {
		prev = sql.NullString{String: *ev.PrevHash, Valid: true}
	}
	var manifestSig sql.NullString
	if ev.ManifestSignatureID != "" {
		manifestSig = sql.NullString{String: ev.ManifestSignatureID, Valid: true}
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO audit_events
			(event_id, event_type, actor, payload, prev_hash, hash, signature, signer_id, manifest_signature_id, ts, retention_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.EventID, ev.EventType, ev.Actor, payload, prev, ev.Hash,
		ev.Signature, ev.SignerKid, manifestSig, ev.Ts, retention)
	return err
}

func (t *pgTx) Commit() error {
	if !t.owned {
		return nil
	}
	return t.tx.Commit()
}

func (t *pgTx) Rollback() error {
	if !t.owned {
		return nil
	}
	return t.tx.Rollback()
}

const selectEvent = `
	SELECT event_id, event_type, actor, payload, prev_hash, hash, signature, signer_id, manifest_signature_id, ts, retention_expires_at
	FROM audit_events`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var payload []byte
	var prev, manifestSig sql.NullString
	var retention sql.NullTime
	err := row.Scan(&ev.EventID, &ev.EventType, &ev.Actor, &payload, &prev,
		&ev.Hash, &ev.Signature, &ev.SignerKid, &manifestSig, &ev.Ts, &retention)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if prev.Valid {
		ev.PrevHash = &prev.String
	}
	if manifestSig.Valid {
		ev.ManifestSignatureID = manifestSig.String
	}
	if retention.Valid {
		ev.RetentionExpiresAt = &retention.Time
	}
	ev.Ts = ev.Ts.UTC()
	return &ev, nil
}

func (s *PGStore) Events(ctx context.Context, since time.Time, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		selectEvent+` WHERE ts >= $1 ORDER BY id ASC LIMIT $2`, since, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func (s *PGStore) ByType(ctx context.Context, eventType string, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		selectEvent+` WHERE event_type = $1 ORDER BY ts DESC LIMIT $2`, eventType, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]Event, error) {
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}
