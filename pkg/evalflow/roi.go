package evalflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ROISample is one agent's return over the monitoring window.
type ROISample struct {
	AgentID string
	ROI     float64
}

// ROISource supplies post-apply return measurements.
type ROISource interface {
	Samples(ctx context.Context, since time.Time) ([]ROISample, error)
}

// DemotionHandler receives demotion events; wired to the allocator so a
// demotion runs the allocation path in reverse.
type DemotionHandler func(ctx context.Context, ev *DemotionEvent) error

// ROIMonitor watches applied promotions and emits demotions on negative
// return.
type ROIMonitor struct {
	source   ROISource
	handler  DemotionHandler
	audit    AuditAppender
	window   time.Duration
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewROIMonitor(source ROISource, handler DemotionHandler, auditor AuditAppender, window, interval time.Duration) *ROIMonitor {
	if window <= 0 {
		window = time.Hour
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ROIMonitor{
		source:   source,
		handler:  handler,
		audit:    auditor,
		window:   window,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		log:      slog.Default().With("component", "evalflow.roi_monitor"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (m *ROIMonitor) Run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.log.Error("roi sweep failed", "error", err)
			}
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *ROIMonitor) Stop() {
	m.once.Do(func() { close(m.stop) })
	<-m.done
}

// Sweep is one monitoring pass. Exported so tests drive it directly.
func (m *ROIMonitor) Sweep(ctx context.Context) error {
	now := m.now()
	samples, err := m.source.Samples(ctx, now.Add(-m.window))
	if err != nil {
		return fmt.Errorf("evalflow: roi samples: %w", err)
	}
	for _, s := range samples {
		if s.ROI >= 0 {
			continue
		}
		ev := &DemotionEvent{
			DemotionID: uuid.NewString(),
			AgentID:    s.AgentID,
			ROI:        s.ROI,
			Rationale:  fmt.Sprintf("negative ROI %.4f over %s window", s.ROI, m.window),
			CreatedAt:  now,
		}
		m.log.Warn("demotion triggered", "agentId", s.AgentID, "roi", s.ROI)
		if m.audit != nil {
			if err := m.audit.Append(ctx, "eval.demotion", "svc:evalflow", map[string]interface{}{
				"demotionId": ev.DemotionID,
				"agentId":    ev.AgentID,
				"roi":        ev.ROI,
				"rationale":  ev.Rationale,
			}); err != nil {
				m.log.Error("demotion audit append failed", "agentId", s.AgentID, "error", err)
			}
		}
		if m.handler != nil {
			if err := m.handler(ctx, ev); err != nil {
				m.log.Error("demotion handler failed", "agentId", s.AgentID, "error", err)
			}
		}
	}
	return nil
}
