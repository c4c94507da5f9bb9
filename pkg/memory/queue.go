package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// HandleFunc processes one claimed vector and returns the external vector
// id on success. Errors mark the row status = error with the message.
type HandleFunc func(ctx context.Context, v *MemoryVector) (string, error)

// Queue claims vector rows for indexing. Drain processes up to batchSize
// rows oldest-first and reports how many it touched.
type Queue interface {
	Drain(ctx context.Context, batchSize int, handle HandleFunc) (int, error)
	// Depths returns the count of rows still waiting, per namespace.
	Depths(ctx context.Context) (map[string]int64, error)
}

// PGVectorQueue drains memory_vectors with FOR UPDATE SKIP LOCKED so
// concurrent workers never contend on the same rows. The batch is
// processed inside the claiming transaction; the locks are the claim.
type PGVectorQueue struct {
	db  *sql.DB
	now func() time.Time
}

func NewPGVectorQueue(db *sql.DB) *PGVectorQueue {
	return &PGVectorQueue{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Rows that failed permanently (bad vector data) are excluded; adapter
// errors stay eligible for later passes.
const claimQuery = `
	SELECT id, memory_node_id, namespace, vector_data, dimension, status, created_at
	FROM memory_vectors
	WHERE status != 'completed' AND (error IS NULL OR error LIKE 'adapter_error:%')
	ORDER BY created_at ASC
	LIMIT $1
	FOR UPDATE SKIP LOCKED`

func (q *PGVectorQueue) Drain(ctx context.Context, batchSize int, handle HandleFunc) (int, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("memory: begin drain: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, claimQuery, batchSize)
	if err != nil {
		return 0, fmt.Errorf("memory: claim vectors: %w", err)
	}
	var claimed []MemoryVector
	for rows.Next() {
		var v MemoryVector
		var data []byte
		if err := rows.Scan(&v.ID, &v.MemoryNodeID, &v.Namespace, &data,
			&v.Dimension, &v.Status, &v.CreatedAt); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("memory: scan vector: %w", err)
		}
		// Undecodable data surfaces as a nil VectorData, which the
		// handler rejects as invalid.
		_ = json.Unmarshal(data, &v.VectorData)
		claimed = append(claimed, v)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("memory: claim vectors: %w", err)
	}

	for i := range claimed {
		v := &claimed[i]
		externalID, handleErr := handle(ctx, v)
		if handleErr != nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE memory_vectors SET status = 'error', error = $2, updated_at = $3
				WHERE id = $1`, v.ID, handleErr.Error(), q.now()); err != nil {
				return 0, fmt.Errorf("memory: mark vector error: %w", err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE memory_vectors SET status = 'completed', external_vector_id = $2, error = NULL, updated_at = $3
			WHERE id = $1`, v.ID, externalID, q.now()); err != nil {
			return 0, fmt.Errorf("memory: mark vector completed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("memory: commit drain: %w", err)
	}
	return len(claimed), nil
}

func (q *PGVectorQueue) Depths(ctx context.Context) (map[string]int64, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT namespace, COUNT(*) FROM memory_vectors
		WHERE status = 'pending'
		GROUP BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("memory: queue depths: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]int64)
	for rows.Next() {
		var ns string
		var n int64
		if err := rows.Scan(&ns, &n); err != nil {
			return nil, err
		}
		out[ns] = n
	}
	return out, rows.Err()
}

// MemVectorQueue is the in-memory Queue for tests.
type MemVectorQueue struct {
	mu      sync.Mutex
	vectors map[string]*MemoryVector
}

func NewMemVectorQueue() *MemVectorQueue {
	return &MemVectorQueue{vectors: make(map[string]*MemoryVector)}
}

// Enqueue adds a row in pending state.
func (q *MemVectorQueue) Enqueue(v MemoryVector) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if v.Status == "" {
		v.Status = VectorPending
	}
	q.vectors[v.ID] = &v
}

// Get returns a copy of one row.
func (q *MemVectorQueue) Get(id string) (MemoryVector, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.vectors[id]
	if !ok {
		return MemoryVector{}, false
	}
	return *v, true
}

func (q *MemVectorQueue) Drain(ctx context.Context, batchSize int, handle HandleFunc) (int, error) {
	q.mu.Lock()
	var eligible []*MemoryVector
	for _, v := range q.vectors {
		if v.Status == VectorCompleted {
			continue
		}
		if v.Error != "" && !isAdapterError(v.Error) {
			continue
		}
		eligible = append(eligible, v)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].CreatedAt.Before(eligible[j].CreatedAt) })
	if len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}
	q.mu.Unlock()

	for _, v := range eligible {
		cp := *v
		externalID, err := handle(ctx, &cp)
		q.mu.Lock()
		now := time.Now().UTC()
		if err != nil {
			v.Status = VectorError
			v.Error = err.Error()
		} else {
			v.Status = VectorCompleted
			v.ExternalVectorID = externalID
			v.Error = ""
		}
		v.UpdatedAt = now
		q.mu.Unlock()
	}
	return len(eligible), nil
}

func (q *MemVectorQueue) Depths(_ context.Context) (map[string]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int64)
	for _, v := range q.vectors {
		if v.Status == VectorPending {
			out[v.Namespace]++
		}
	}
	return out, nil
}

func isAdapterError(msg string) bool {
	return len(msg) >= len("adapter_error:") && msg[:len("adapter_error:")] == "adapter_error:"
}
