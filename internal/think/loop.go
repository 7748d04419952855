package think

import (
	"context"

	"github.com/lexobe/CogLoop/internal/identity"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Loop repeats cycles, feeding each next_thought into the following cycle.
type Loop struct {
	cycle  *Cycle
	logger *zap.Logger
}

// NewLoop creates a loop over cycle.
func NewLoop(cycle *Cycle, logger *zap.Logger) *Loop {
	return &Loop{cycle: cycle, logger: logger}
}

// Run thinks about input for at most maxIterations cycles and returns one
// record per cycle. It stops after the first record with an empty
// next_thought, which is included. On cancellation the records collected
// so far are returned with the context error.
func (l *Loop) Run(ctx context.Context, input, collectionID string, maxIterations int) ([]Record, error) {
	outs, err := l.Stream(ctx, input, collectionID, maxIterations, nil)
	return lo.Map(outs, func(o *Outcome, _ int) Record { return o.Record }), err
}

// Stream is Run with the full outcome of every cycle, passed to fn as soon
// as the cycle finishes. An empty collectionID gets a fresh one.
func (l *Loop) Stream(ctx context.Context, input, collectionID string, maxIterations int, fn func(*Outcome)) ([]*Outcome, error) {
	if collectionID == "" {
		collectionID = identity.NewCollectionID()
		l.logger.Info("no collection given, using a new one", zap.String("collection", collectionID))
	}

	outs := make([]*Outcome, 0, max(maxIterations, 0))
	focus := input
	for i := 0; i < maxIterations; i++ {
		out, err := l.cycle.Run(ctx, focus, collectionID)
		if err != nil {
			l.logger.Info("think loop cancelled",
				zap.String("collection", collectionID),
				zap.Int("completed", len(outs)))
			return outs, err
		}
		outs = append(outs, out)
		if fn != nil {
			fn(out)
		}
		if out.Record.NextThought == "" {
			break
		}
		focus = out.Record.NextThought
	}
	l.logger.Info("think loop finished",
		zap.String("collection", collectionID),
		zap.Int("cycles", len(outs)))
	return outs, nil
}
