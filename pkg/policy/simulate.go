package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/aegisgov/substrate/pkg/audit"
	"github.com/aegisgov/substrate/pkg/policy/expr"
)

// SimulationReport summarizes a dry run of one policy over historical
// audit events. Simulation never emits decisions or audit events.
type SimulationReport struct {
	PolicyID   string                   `json:"policyId"`
	Version    int                      `json:"policyVersion"`
	SampleSize int                      `json:"sampleSize"`
	Matched    int                      `json:"matched"`
	MatchRate  float64                  `json:"matchRate"`
	Examples   []map[string]interface{} `json:"examples,omitempty"`
}

const maxSimulationExamples = 10

// EventSource supplies historical events to replay. Implemented by the
// audit store.
type EventSource interface {
	Events(ctx context.Context, since time.Time, limit int) ([]audit.Event, error)
}

// Simulator replays stored policies against audit history.
type Simulator struct {
	store  Store
	events EventSource
}

func NewSimulator(store Store, events EventSource) *Simulator {
	return &Simulator{store: store, events: events}
}

// Run evaluates a policy version against up to sampleSize historical
// events. Successive runs over the same input produce the same report.
func (s *Simulator) Run(ctx context.Context, id string, version, sampleSize int) (*SimulationReport, error) {
	var p *Policy
	var err error
	if version > 0 {
		p, err = s.store.Version(ctx, id, version)
	} else {
		p, err = s.store.Latest(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	prg, err := p.Program()
	if err != nil {
		return nil, fmt.Errorf("policy: simulation compile: %w", err)
	}

	if sampleSize <= 0 {
		sampleSize = 1000
	}
	events, err := s.events.Events(ctx, time.Time{}, sampleSize)
	if err != nil {
		return nil, fmt.Errorf("policy: simulation sample: %w", err)
	}

	report := &SimulationReport{PolicyID: p.ID, Version: p.Version, SampleSize: len(events)}
	for i := range events {
		ev := &events[i]
		in := expr.Input{
			Action:   ev.EventType,
			Actor:    ev.Actor,
			Resource: ev.Payload,
			Context:  map[string]interface{}{"ts": ev.Ts.Format(audit.TsFormat)},
		}
		matched, err := prg.Eval(ctx, in)
		if err != nil {
			// Errors count as non-matches in simulation; the report is
			// advisory, the lifecycle gate is where errors block.
			continue
		}
		if matched {
			report.Matched++
			if len(report.Examples) < maxSimulationExamples {
				report.Examples = append(report.Examples, map[string]interface{}{
					"eventId":   ev.EventID,
					"eventType": ev.EventType,
					"ts":        ev.Ts.Format(audit.TsFormat),
				})
			}
		}
	}
	if report.SampleSize > 0 {
		report.MatchRate = float64(report.Matched) / float64(report.SampleSize)
	}
	return report, nil
}
