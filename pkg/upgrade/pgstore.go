package upgrade

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PGStore persists upgrades in the upgrades and upgrade_approvals tables.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, u *Upgrade) error {
	manifest, err := json.Marshal(u.Manifest)
	if err != nil {
		return fmt.Errorf("upgrade: encode manifest: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO upgrades (id, subject, manifest, status, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Subject, manifest, u.Status, u.CreatedBy, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("upgrade: insert: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*Upgrade, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject, manifest, status, created_by, created_at, applied_at
		FROM upgrades WHERE id = $1`, id)

	var u Upgrade
	var manifest []byte
	var appliedAt sql.NullTime
	err := row.Scan(&u.ID, &u.Subject, &manifest, &u.Status, &u.CreatedBy, &u.CreatedAt, &appliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("upgrade: select: %w", err)
	}
	if len(manifest) > 0 {
		if err := json.Unmarshal(manifest, &u.Manifest); err != nil {
			return nil, fmt.Errorf("upgrade: decode manifest: %w", err)
		}
	}
	if appliedAt.Valid {
		u.AppliedAt = &appliedAt.Time
	}
	return &u, nil
}

func (s *PGStore) AddApproval(ctx context.Context, upgradeID, approverID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO upgrade_approvals (upgrade_id, approver_id, approved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (upgrade_id, approver_id) DO NOTHING`,
		upgradeID, approverID, at)
	if err != nil {
		return false, fmt.Errorf("upgrade: insert approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PGStore) Approvals(ctx context.Context, upgradeID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT approver_id FROM upgrade_approvals
		WHERE upgrade_id = $1 ORDER BY approved_at ASC`, upgradeID)
	if err != nil {
		return nil, fmt.Errorf("upgrade: select approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PGStore) SetStatus(ctx context.Context, id, from, to string, at time.Time) error {
	var applied *time.Time
	if to == StatusApplied {
		applied = &at
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE upgrades SET status = $1, applied_at = $2
		WHERE id = $3 AND status = $4`,
		to, applied, id, from)
	if err != nil {
		return fmt.Errorf("upgrade: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTerminalState
	}
	return nil
}

func (s *PGStore) CompletedForSubject(ctx context.Context, subject string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM upgrades WHERE subject = $1 AND status = $2`,
		subject, StatusApplied).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("upgrade: select completed: %w", err)
	}
	return n > 0, nil
}
