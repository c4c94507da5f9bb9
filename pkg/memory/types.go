// Package memory implements the governed memory write path: atomic
// node+artifact+vector+audit inserts, TTL expiry, legal hold, PII
// redaction, and the asynchronous vector indexing worker.
package memory

import (
	"errors"
	"time"
)

// Vector status values. A pending row is waiting for the worker; error
// rows carry the failure in Error and are not retried automatically.
const (
	VectorPending   = "pending"
	VectorCompleted = "completed"
	VectorError     = "error"
)

// MemoryNode is one governed memory record. LegalHold true implies
// DeletedAt stays null regardless of TTL or explicit deletes. A nil
// ExpiresAt means the node has no TTL and never expires.
type MemoryNode struct {
	ID        string                 `json:"memoryNodeId"`
	Namespace string                 `json:"namespace"`
	Kind      string                 `json:"kind"`
	Content   map[string]interface{} `json:"content"`
	PiiFlags  map[string]bool        `json:"piiFlags,omitempty"`
	LegalHold bool                   `json:"legalHold"`
	CreatedBy string                 `json:"createdBy"`
	CreatedAt time.Time              `json:"createdAt"`
	ExpiresAt *time.Time             `json:"expiresAt,omitempty"`
	DeletedAt *time.Time             `json:"deletedAt,omitempty"`
}

// Artifact is external content bound to a node, deduplicated on
// (artifactUrl, sha256).
type Artifact struct {
	ID                  string    `json:"artifactId"`
	MemoryNodeID        string    `json:"memoryNodeId"`
	ArtifactURL         string    `json:"artifactUrl"`
	SHA256              string    `json:"sha256"`
	ManifestSignatureID string    `json:"manifestSignatureId"`
	CreatedAt           time.Time `json:"createdAt"`
}

// MemoryVector is one queued or indexed embedding. At most one row per
// (memoryNodeId, namespace).
type MemoryVector struct {
	ID               string    `json:"vectorId"`
	MemoryNodeID     string    `json:"memoryNodeId"`
	Namespace        string    `json:"namespace"`
	VectorData       []float64 `json:"vectorData"`
	Dimension        int       `json:"dimension"`
	Status           string    `json:"status"`
	ExternalVectorID string    `json:"externalVectorId,omitempty"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// ArtifactInput is one artifact in a create request. ManifestSignatureID
// may be empty, in which case the request-level id is inherited.
type ArtifactInput struct {
	ArtifactURL         string `json:"artifactUrl"`
	SHA256              string `json:"sha256"`
	ManifestSignatureID string `json:"manifestSignatureId,omitempty"`
}

// CreateNodeInput is the ingest request for one node. TTLSeconds nil
// means no TTL; an explicit 0 expires the node immediately.
type CreateNodeInput struct {
	Namespace           string                 `json:"namespace"`
	Kind                string                 `json:"kind"`
	Content             map[string]interface{} `json:"content"`
	PiiFlags            map[string]bool        `json:"piiFlags,omitempty"`
	TTLSeconds          *int64                 `json:"ttlSeconds,omitempty"`
	Embedding           []float64              `json:"embedding,omitempty"`
	Artifacts           []ArtifactInput        `json:"artifacts,omitempty"`
	ManifestSignatureID string                 `json:"manifestSignatureId,omitempty"`
}

// CreateNodeResult is returned only after the transaction committed.
type CreateNodeResult struct {
	MemoryNodeID   string `json:"memoryNodeId"`
	AuditEventID   string `json:"auditEventId"`
	EmbeddingJobID string `json:"embeddingJobId,omitempty"`
}

var (
	// ErrNodeNotFound is returned for unknown or deleted node ids.
	ErrNodeNotFound = errors.New("memory: node not found")
	// ErrLegalHold is returned when a delete touches a held node.
	ErrLegalHold = errors.New("memory: node is under legal hold")
	// ErrDuplicateVector is returned when a vector row already exists for
	// (memoryNodeId, namespace).
	ErrDuplicateVector = errors.New("memory: duplicate vector for node and namespace")
)
