package gate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemIdemStore is the in-memory IdempotencyStore for tests and single-node
// development.
type MemIdemStore struct {
	mu   sync.Mutex
	recs map[string]Record
	now  func() time.Time
}

func NewMemIdemStore() *MemIdemStore {
	return &MemIdemStore{
		recs: make(map[string]Record),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemIdemStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[key]
	if !ok || s.now().After(rec.ExpiresAt) {
		delete(s.recs, key)
		return nil, ErrIdemNotFound
	}
	cp := rec
	return &cp, nil
}

func (s *MemIdemStore) Put(_ context.Context, rec *Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.recs[rec.Key]; ok && s.now().Before(existing.ExpiresAt) {
		cp := existing
		return &cp, nil
	}
	s.recs[rec.Key] = *rec
	cp := *rec
	return &cp, nil
}

// PGIdemStore stores keys in the idempotency_keys table with a TTL column
// swept by Cleanup.
type PGIdemStore struct {
	db *sql.DB
}

func NewPGIdemStore(db *sql.DB) *PGIdemStore {
	return &PGIdemStore{db: db}
}

func (s *PGIdemStore) Get(ctx context.Context, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, request_hash, status, response, created_at, expires_at
		FROM idempotency_keys
		WHERE key = $1 AND expires_at > NOW()`, key)
	return scanRecord(row)
}

func (s *PGIdemStore) Put(ctx context.Context, rec *Record) (*Record, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, request_hash, status, response, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.RequestHash, rec.Status, []byte(rec.Response), rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("gate: insert idempotency key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return rec, nil
	}
	existing, err := s.Get(ctx, rec.Key)
	if errors.Is(err, ErrIdemNotFound) {
		// The conflicting row expired between insert and read; ours lost
		// the race to a row that is now gone, so retry once.
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM idempotency_keys WHERE key = $1 AND expires_at <= NOW()`, rec.Key); err != nil {
			return nil, fmt.Errorf("gate: expire idempotency key: %w", err)
		}
		return s.Put(ctx, rec)
	}
	return existing, err
}

// Cleanup deletes expired keys; run it on a timer.
func (s *PGIdemStore) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("gate: idempotency cleanup: %w", err)
	}
	return res.RowsAffected()
}

func scanRecord(row *sql.Row) (*Record, error) {
	var rec Record
	var response []byte
	err := row.Scan(&rec.Key, &rec.RequestHash, &rec.Status, &response, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIdemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gate: scan idempotency key: %w", err)
	}
	rec.Response = json.RawMessage(response)
	return &rec, nil
}

// RedisIdemStore keeps keys in Redis with native TTL expiry. Suitable when
// replay protection may be cache-grade rather than durable.
type RedisIdemStore struct {
	client *redis.Client
	prefix string
}

func NewRedisIdemStore(client *redis.Client) *RedisIdemStore {
	return &RedisIdemStore{client: client, prefix: "idem:"}
}

func (s *RedisIdemStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrIdemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gate: redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("gate: decode idempotency record: %w", err)
	}
	return &rec, nil
}

func (s *RedisIdemStore) Put(ctx context.Context, rec *Record) (*Record, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("gate: encode idempotency record: %w", err)
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return rec, nil
	}
	ok, err := s.client.SetNX(ctx, s.prefix+rec.Key, raw, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("gate: redis setnx: %w", err)
	}
	if ok {
		return rec, nil
	}
	existing, err := s.Get(ctx, rec.Key)
	if errors.Is(err, ErrIdemNotFound) {
		return rec, nil
	}
	return existing, err
}
