package memory

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Adapter is the vector database behind the worker and search path.
// Implementations exist for Postgres-native storage and an external
// HTTP vector service.
type Adapter interface {
	Upsert(ctx context.Context, memoryNodeID, namespace string, vector []float64, metadata map[string]interface{}) (string, error)
	Query(ctx context.Context, namespace string, vector []float64, topK int) ([]Match, error)
}

// Match is one search hit.
type Match struct {
	MemoryNodeID string  `json:"memoryNodeId"`
	Score        float64 `json:"score"`
}

// PostgresAdapter keeps vectors in the vector_store table and ranks by
// cosine similarity. Fine for the sizes a single governance substrate
// holds; swap in the external adapter beyond that.
type PostgresAdapter struct {
	db *sql.DB
}

func NewPostgresAdapter(db *sql.DB) *PostgresAdapter {
	return &PostgresAdapter{db: db}
}

func (a *PostgresAdapter) Upsert(ctx context.Context, memoryNodeID, namespace string, vector []float64, metadata map[string]interface{}) (string, error) {
	data, err := json.Marshal(vector)
	if err != nil {
		return "", fmt.Errorf("memory: encode vector: %w", err)
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("memory: encode metadata: %w", err)
	}
	id := uuid.NewString()
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO vector_store (id, memory_node_id, namespace, vector_data, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (memory_node_id, namespace)
		DO UPDATE SET vector_data = EXCLUDED.vector_data, metadata = EXCLUDED.metadata`,
		id, memoryNodeID, namespace, data, meta)
	if err != nil {
		return "", fmt.Errorf("memory: upsert vector: %w", err)
	}
	return memoryNodeID + ":" + namespace, nil
}

func (a *PostgresAdapter) Query(ctx context.Context, namespace string, vector []float64, topK int) ([]Match, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT memory_node_id, vector_data FROM vector_store WHERE namespace = $1`, namespace)
	if err != nil {
		return nil, fmt.Errorf("memory: query vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []Match
	for rows.Next() {
		var nodeID string
		var data []byte
		if err := rows.Scan(&nodeID, &data); err != nil {
			return nil, err
		}
		var stored []float64
		if err := json.Unmarshal(data, &stored); err != nil {
			continue
		}
		score, ok := cosine(vector, stored)
		if !ok {
			continue
		}
		matches = append(matches, Match{MemoryNodeID: nodeID, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return topMatches(matches, topK), nil
}

// ExternalAdapter talks to a remote vector service over HTTP.
type ExternalAdapter struct {
	baseURL string
	client  *http.Client
}

func NewExternalAdapter(baseURL string) *ExternalAdapter {
	return &ExternalAdapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *ExternalAdapter) do(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vector service returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *ExternalAdapter) Upsert(ctx context.Context, memoryNodeID, namespace string, vector []float64, metadata map[string]interface{}) (string, error) {
	var out struct {
		VectorID string `json:"vectorId"`
	}
	err := a.do(ctx, "/v1/vectors/upsert", map[string]interface{}{
		"id":        memoryNodeID,
		"namespace": namespace,
		"vector":    vector,
		"metadata":  metadata,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.VectorID, nil
}

func (a *ExternalAdapter) Query(ctx context.Context, namespace string, vector []float64, topK int) ([]Match, error) {
	var out struct {
		Matches []Match `json:"matches"`
	}
	err := a.do(ctx, "/v1/vectors/query", map[string]interface{}{
		"namespace": namespace,
		"vector":    vector,
		"topK":      topK,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Matches, nil
}

// MemAdapter is the in-memory Adapter for tests.
type MemAdapter struct {
	mu      sync.Mutex
	vectors map[string][]float64 // nodeID|namespace -> vector
	FailMsg string               // when set, Upsert fails with this message
}

func NewMemAdapter() *MemAdapter {
	return &MemAdapter{vectors: make(map[string][]float64)}
}

func (a *MemAdapter) Upsert(_ context.Context, memoryNodeID, namespace string, vector []float64, _ map[string]interface{}) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailMsg != "" {
		return "", fmt.Errorf("%s", a.FailMsg)
	}
	key := memoryNodeID + "|" + namespace
	cp := make([]float64, len(vector))
	copy(cp, vector)
	a.vectors[key] = cp
	return "ext-" + memoryNodeID, nil
}

func (a *MemAdapter) Query(_ context.Context, namespace string, vector []float64, topK int) ([]Match, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var matches []Match
	for key, stored := range a.vectors {
		nodeID, ns, ok := splitKey(key)
		if !ok || ns != namespace {
			continue
		}
		score, ok := cosine(vector, stored)
		if !ok {
			continue
		}
		matches = append(matches, Match{MemoryNodeID: nodeID, Score: score})
	}
	return topMatches(matches, topK), nil
}

func splitKey(key string) (string, string, bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '|' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
