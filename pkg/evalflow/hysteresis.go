package evalflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHysteresisWindows is how many consecutive windows must clear the
// threshold before a promotion fires.
const DefaultHysteresisWindows = 3

// PromotionTracker applies hysteresis to per-agent scores. A single
// sub-threshold window resets the streak; a promotion resets it too, so
// an agent cannot promote twice off one run.
type PromotionTracker struct {
	threshold float64
	windows   int
	now       func() time.Time

	mu      sync.Mutex
	streaks map[string]int
}

func NewPromotionTracker(threshold float64, windows int) *PromotionTracker {
	if windows <= 0 {
		windows = DefaultHysteresisWindows
	}
	return &PromotionTracker{
		threshold: threshold,
		windows:   windows,
		now:       func() time.Time { return time.Now().UTC() },
		streaks:   make(map[string]int),
	}
}

// Observe records one scored window and returns a PromotionEvent when the
// streak completes, nil otherwise.
func (t *PromotionTracker) Observe(agentID string, score float64) *PromotionEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	if score < t.threshold {
		t.streaks[agentID] = 0
		return nil
	}
	t.streaks[agentID]++
	if t.streaks[agentID] < t.windows {
		return nil
	}
	t.streaks[agentID] = 0
	return &PromotionEvent{
		PromotionID: uuid.NewString(),
		AgentID:     agentID,
		Score:       score,
		Windows:     t.windows,
		Rationale: fmt.Sprintf("score held at or above %.2f for %d consecutive windows",
			t.threshold, t.windows),
		CreatedAt: t.now(),
	}
}

// Streak exposes the current streak length for an agent.
func (t *PromotionTracker) Streak(agentID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streaks[agentID]
}
