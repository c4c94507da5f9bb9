package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PGStore is the Postgres policy registry. Every write also lands in
// policy_history so deprecated versions stay auditable.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const selectPolicy = `
	SELECT id, version, name, severity, rule, metadata, state, created_by, created_at
	FROM policies`

func (s *PGStore) Create(ctx context.Context, p *Policy) error {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("policy: marshal metadata: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("policy: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO policies (id, version, name, severity, rule, metadata, state, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.Version, p.Name, p.Severity, []byte(p.Rule), metadata, p.State, p.CreatedBy, p.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrVersionConflict
		}
		return fmt.Errorf("policy: insert: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO policy_history (id, version, name, severity, rule, metadata, state, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.Version, p.Name, p.Severity, []byte(p.Rule), metadata, p.State, p.CreatedBy, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("policy: insert history: %w", err)
	}
	return tx.Commit()
}

func (s *PGStore) Latest(ctx context.Context, id string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx, selectPolicy+` WHERE id = $1 ORDER BY version DESC LIMIT 1`, id)
	return scanPolicy(row)
}

func (s *PGStore) Version(ctx context.Context, id string, version int) (*Policy, error) {
	row := s.db.QueryRowContext(ctx, selectPolicy+` WHERE id = $1 AND version = $2`, id, version)
	return scanPolicy(row)
}

func (s *PGStore) InStates(ctx context.Context, states ...State) ([]Policy, error) {
	list := make([]string, len(states))
	for i, st := range states {
		list[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx,
		selectPolicy+` WHERE state = ANY($1) ORDER BY created_at ASC`, pq.Array(list))
	if err != nil {
		return nil, fmt.Errorf("policy: query states: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PGStore) SetState(ctx context.Context, id string, version int, from, to State) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE policies SET state = $1 WHERE id = $2 AND version = $3 AND state = $4`,
		to, id, version, from)
	if err != nil {
		return fmt.Errorf("policy: set state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("policy: rows affected: %w", err)
	}
	if n == 0 {
		// Either the row is gone or another transition won the race.
		if _, err := s.Version(ctx, id, version); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policy_history (id, version, name, severity, rule, metadata, state, created_by, created_at)
		SELECT id, version, name, severity, rule, metadata, state, created_by, NOW()
		FROM policies WHERE id = $1 AND version = $2`, id, version)
	if err != nil {
		return fmt.Errorf("policy: record history: %w", err)
	}
	return nil
}

func (s *PGStore) History(ctx context.Context, id string) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version, name, severity, rule, metadata, state, created_by, created_at
		 FROM policy_history WHERE id = $1 ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("policy: query history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row rowScanner) (*Policy, error) {
	var p Policy
	var rule, metadata []byte
	err := row.Scan(&p.ID, &p.Version, &p.Name, &p.Severity, &rule, &metadata,
		&p.State, &p.CreatedBy, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("policy: scan: %w", err)
	}
	p.Rule = json.RawMessage(rule)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("policy: unmarshal metadata: %w", err)
		}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}
