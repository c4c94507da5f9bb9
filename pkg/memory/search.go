package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// cosine returns the cosine similarity of two equal-length vectors. The
// second result is false when the inputs are unusable.
func cosine(a, b []float64) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}

func topMatches(matches []Match, topK int) []Match {
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// SearchResult is one hit with its node loaded and, for callers without
// read:pii, redacted.
type SearchResult struct {
	Node  *MemoryNode `json:"node"`
	Score float64     `json:"score"`
}

// Searcher runs similarity queries through the configured adapter and
// hydrates nodes through the service.
type Searcher struct {
	adapter Adapter
	svc     *Service
}

func NewSearcher(adapter Adapter, svc *Service) *Searcher {
	return &Searcher{adapter: adapter, svc: svc}
}

// Search returns up to topK live nodes ranked by similarity. Nodes that
// were deleted since indexing are dropped from the result.
func (s *Searcher) Search(ctx context.Context, namespace string, vector []float64, topK int, canReadPII bool) ([]SearchResult, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("memory: search vector is empty")
	}
	if topK <= 0 {
		topK = 10
	}
	matches, err := s.adapter.Query(ctx, namespace, vector, topK)
	if err != nil {
		return nil, fmt.Errorf("memory: adapter query: %w", err)
	}
	out := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		node, err := s.svc.GetNode(ctx, m.MemoryNodeID, canReadPII)
		if err == ErrNodeNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, SearchResult{Node: node, Score: m.Score})
	}
	return out, nil
}
