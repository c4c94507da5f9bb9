package memory

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/aegisgov/substrate/pkg/gate"
)

// Service is the memory write path. Every mutation runs through the gated
// write coordinator so the node change and its audit event commit together.
type Service struct {
	coord       *gate.Coordinator
	db          *sql.DB
	environment string
	fallbackDir string
	now         func() time.Time
	log         *slog.Logger
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithFallbackDir enables the post-commit filesystem mirror. Ignored in
// production.
func WithFallbackDir(dir string) ServiceOption {
	return func(s *Service) { s.fallbackDir = dir }
}

// WithNow overrides the time source.
func WithNow(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(coord *gate.Coordinator, db *sql.DB, environment string, opts ...ServiceOption) *Service {
	s := &Service{
		coord:       coord,
		db:          db,
		environment: environment,
		now:         func() time.Time { return time.Now().UTC() },
		log:         slog.Default().With("component", "memory"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validateCreate(input *CreateNodeInput) error {
	if input.Namespace == "" {
		return gate.Validation("namespace is required", nil)
	}
	if input.Kind == "" {
		return gate.Validation("kind is required", nil)
	}
	if input.TTLSeconds != nil && *input.TTLSeconds < 0 {
		return gate.Validation("ttlSeconds must be non-negative", nil)
	}
	for i, a := range input.Artifacts {
		if a.ArtifactURL == "" {
			return gate.Validation("artifact url is required", map[string]interface{}{"index": i})
		}
		if raw, err := hex.DecodeString(a.SHA256); err != nil || len(raw) != 32 {
			return gate.Validation("artifact sha256 must be 64 hex characters",
				map[string]interface{}{"index": i, "artifactUrl": a.ArtifactURL})
		}
		if a.ManifestSignatureID == "" && input.ManifestSignatureID == "" {
			return gate.Validation("artifact manifestSignatureId is required",
				map[string]interface{}{"index": i, "artifactUrl": a.ArtifactURL})
		}
	}
	return nil
}

// CreateNode atomically binds node, optional artifacts, deferred vector,
// audit event, and reasoning-graph queue row in one transaction.
func (s *Service) CreateNode(ctx context.Context, input CreateNodeInput, actor string) (*CreateNodeResult, error) {
	if err := validateCreate(&input); err != nil {
		return nil, err
	}

	nodeID := uuid.NewString()
	vectorID := ""
	createdAt := s.now().Truncate(time.Millisecond)
	// Integer-seconds arithmetic: an explicit ttlSeconds 0 expires
	// immediately; an omitted ttl leaves expires_at null forever.
	var expiresAt sql.NullTime
	if input.TTLSeconds != nil {
		expiresAt = sql.NullTime{Time: createdAt.Add(time.Duration(*input.TTLSeconds) * time.Second), Valid: true}
	}

	res, err := s.coord.Execute(ctx, gate.WriteRequest{
		Action:    "memory.write",
		EventType: "memory.node_created",
		Actor:     actor,
		Resource: map[string]interface{}{
			"namespace": input.Namespace,
			"kind":      input.Kind,
		},
	}, func(ctx context.Context, tx *sql.Tx) (map[string]interface{}, error) {
		content, err := json.Marshal(input.Content)
		if err != nil {
			return nil, gate.Validation("content is not serializable", nil)
		}
		piiFlags, err := json.Marshal(input.PiiFlags)
		if err != nil {
			return nil, gate.Validation("piiFlags is not serializable", nil)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_nodes
				(id, namespace, kind, content, pii_flags, legal_hold, created_by, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7, $8)`,
			nodeID, input.Namespace, input.Kind, content, piiFlags, actor, createdAt, expiresAt); err != nil {
			return nil, fmt.Errorf("insert node: %w", err)
		}

		if len(input.Embedding) > 0 {
			vectorID = uuid.NewString()
			vectorData, err := json.Marshal(input.Embedding)
			if err != nil {
				return nil, gate.Validation("embedding is not serializable", nil)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO memory_vectors
					(id, memory_node_id, namespace, vector_data, dimension, status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
				vectorID, nodeID, input.Namespace, vectorData, len(input.Embedding),
				VectorPending, createdAt); err != nil {
				if isUniqueViolation(err) {
					return nil, fmt.Errorf("%w: node %s namespace %s", ErrDuplicateVector, nodeID, input.Namespace)
				}
				return nil, fmt.Errorf("insert vector: %w", err)
			}
		}

		for _, a := range input.Artifacts {
			manifestSig := a.ManifestSignatureID
			if manifestSig == "" {
				manifestSig = input.ManifestSignatureID
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO artifacts
					(id, memory_node_id, artifact_url, sha256, manifest_signature_id, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (artifact_url, sha256) DO NOTHING`,
				uuid.NewString(), nodeID, a.ArtifactURL, a.SHA256, manifestSig, createdAt); err != nil {
				return nil, fmt.Errorf("insert artifact: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reasoning_graph_queue (id, memory_node_id, status, created_at)
			VALUES ($1, $2, 'pending', $3)`,
			uuid.NewString(), nodeID, createdAt); err != nil {
			return nil, fmt.Errorf("insert reasoning queue row: %w", err)
		}

		payload := map[string]interface{}{
			"memoryNodeId": nodeID,
			"namespace":    input.Namespace,
			"kind":         input.Kind,
			"artifacts":    len(input.Artifacts),
			"hasEmbedding": len(input.Embedding) > 0,
		}
		if input.TTLSeconds != nil {
			payload["ttlSeconds"] = *input.TTLSeconds
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}

	s.mirror(nodeID, input)

	return &CreateNodeResult{
		MemoryNodeID:   nodeID,
		AuditEventID:   res.Receipt.EventID,
		EmbeddingJobID: vectorID,
	}, nil
}

// mirror writes a post-commit JSON copy for local debugging. Never enabled
// in production.
func (s *Service) mirror(nodeID string, input CreateNodeInput) {
	if s.fallbackDir == "" || s.environment == "production" {
		return
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return
	}
	path := filepath.Join(s.fallbackDir, nodeID+".json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		s.log.Warn("filesystem mirror failed", "path", path, "error", err)
	}
}

// SetLegalHold flips the hold flag with an audited reason.
func (s *Service) SetLegalHold(ctx context.Context, nodeID string, hold bool, reason, actor string) error {
	if reason == "" {
		return gate.Validation("legal hold transitions require a reason", nil)
	}
	_, err := s.coord.Execute(ctx, gate.WriteRequest{
		Action:    "memory.legal_hold",
		EventType: "memory.legal_hold_changed",
		Actor:     actor,
		Resource:  map[string]interface{}{"memoryNodeId": nodeID},
	}, func(ctx context.Context, tx *sql.Tx) (map[string]interface{}, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE memory_nodes SET legal_hold = $2
			WHERE id = $1 AND deleted_at IS NULL`, nodeID, hold)
		if err != nil {
			return nil, fmt.Errorf("update legal hold: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, gate.Validation("memory node not found",
				map[string]interface{}{"memoryNodeId": nodeID})
		}
		return map[string]interface{}{
			"memoryNodeId": nodeID,
			"legalHold":    hold,
			"reason":       reason,
		}, nil
	})
	return err
}

// DeleteNode soft-deletes a node. Held nodes are immune.
func (s *Service) DeleteNode(ctx context.Context, nodeID, actor string) error {
	_, err := s.coord.Execute(ctx, gate.WriteRequest{
		Action:    "memory.delete",
		EventType: "memory.node_deleted",
		Actor:     actor,
		Resource:  map[string]interface{}{"memoryNodeId": nodeID},
	}, func(ctx context.Context, tx *sql.Tx) (map[string]interface{}, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE memory_nodes SET deleted_at = $2
			WHERE id = $1 AND deleted_at IS NULL AND legal_hold = FALSE`,
			nodeID, s.now())
		if err != nil {
			return nil, fmt.Errorf("delete node: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return map[string]interface{}{"memoryNodeId": nodeID}, nil
		}
		var held bool
		err = tx.QueryRowContext(ctx,
			`SELECT legal_hold FROM memory_nodes WHERE id = $1 AND deleted_at IS NULL`,
			nodeID).Scan(&held)
		if err == sql.ErrNoRows {
			return nil, gate.Validation("memory node not found",
				map[string]interface{}{"memoryNodeId": nodeID})
		}
		if err != nil {
			return nil, fmt.Errorf("check legal hold: %w", err)
		}
		if held {
			return nil, gate.Wrap(gate.KindValidation, "node is under legal hold", ErrLegalHold)
		}
		return nil, fmt.Errorf("delete node %s: no rows affected", nodeID)
	})
	return err
}

// GetNode loads one live node, redacting content unless the caller holds
// the read:pii capability.
func (s *Service) GetNode(ctx context.Context, nodeID string, canReadPII bool) (*MemoryNode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, namespace, kind, content, pii_flags, legal_hold, created_by, created_at, expires_at, deleted_at
		FROM memory_nodes WHERE id = $1 AND deleted_at IS NULL`, nodeID)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memory: load node: %w", err)
	}
	if !canReadPII {
		node = RedactNode(node)
	}
	return node, nil
}

func scanNode(row *sql.Row) (*MemoryNode, error) {
	var n MemoryNode
	var content, piiFlags []byte
	var expiresAt, deletedAt sql.NullTime
	err := row.Scan(&n.ID, &n.Namespace, &n.Kind, &content, &piiFlags,
		&n.LegalHold, &n.CreatedBy, &n.CreatedAt, &expiresAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &n.Content); err != nil {
			return nil, fmt.Errorf("decode content: %w", err)
		}
	}
	if len(piiFlags) > 0 {
		if err := json.Unmarshal(piiFlags, &n.PiiFlags); err != nil {
			return nil, fmt.Errorf("decode piiFlags: %w", err)
		}
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		n.ExpiresAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		n.DeletedAt = &t
	}
	n.CreatedAt = n.CreatedAt.UTC()
	return &n, nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
