package policy

import (
	"context"
	"time"

	"github.com/aegisgov/substrate/pkg/audit"
)

const decisionScanLimit = 1000

// DecisionLog is the slice of the audit store the decision source reads.
type DecisionLog interface {
	ByType(ctx context.Context, eventType string, limit int) ([]audit.Event, error)
}

// AuditDecisionSource feeds the rollback controller from committed
// policy.decision events.
type AuditDecisionSource struct {
	log DecisionLog
}

func NewAuditDecisionSource(log DecisionLog) *AuditDecisionSource {
	return &AuditDecisionSource{log: log}
}

func (s *AuditDecisionSource) RecentDecisions(ctx context.Context, since time.Time) ([]DecisionSample, error) {
	events, err := s.log.ByType(ctx, "policy.decision", decisionScanLimit)
	if err != nil {
		return nil, err
	}
	samples := make([]DecisionSample, 0, len(events))
	for _, ev := range events {
		if ev.Ts.Before(since) {
			continue
		}
		policyID, _ := ev.Payload["policyId"].(string)
		if policyID == "" {
			continue
		}
		allowed, _ := ev.Payload["allowed"].(bool)
		sampled, _ := ev.Payload["isCanarySampled"].(bool)
		samples = append(samples, DecisionSample{
			PolicyID: policyID,
			Allowed:  allowed,
			Sampled:  sampled,
			Ts:       ev.Ts,
		})
	}
	return samples, nil
}
