// Package journal keeps an append-only record of completed think cycles in
// one or more backends.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/lexobe/CogLoop/internal/memory"
	"github.com/lexobe/CogLoop/internal/think"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Entry is the stored form of one cycle.
type Entry struct {
	CycleID      string        `json:"cycle_id"`
	CollectionID string        `json:"collection_id"`
	Input        string        `json:"input"`
	Record       think.Record  `json:"record"`
	Activated    []string      `json:"activated"`
	Reinforced   []string      `json:"reinforced"`
	Generated    []string      `json:"generated"`
	Actions      []string      `json:"actions"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

// NewEntry flattens a cycle outcome.
func NewEntry(o *think.Outcome) Entry {
	return Entry{
		CycleID:      o.ID,
		CollectionID: o.CollectionID,
		Input:        o.Input,
		Record:       o.Record,
		Activated:    lo.Map(o.Activated, func(c memory.Candidate, _ int) string { return c.ID }),
		Reinforced:   o.Reinforced,
		Generated:    o.Persisted,
		Actions:      lo.Map(o.Actions, func(a think.ActionResult, _ int) string { return a.Name }),
		StartedAt:    o.Now.UTC(),
		Duration:     o.Duration,
	}
}

// Sink is one journal backend.
type Sink interface {
	Name() string
	Write(ctx context.Context, e Entry) error
	Close() error
}

// Reader reads journaled cycles back.
type Reader interface {
	Recent(ctx context.Context, collectionID string, n int64) ([]Entry, error)
}

// Multi writes every entry to all sinks.
type Multi struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewMulti combines sinks. It may be empty.
func NewMulti(logger *zap.Logger, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, logger: logger}
}

// Add appends a sink.
func (m *Multi) Add(s Sink) {
	m.sinks = append(m.sinks, s)
}

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// Write sends e to every sink and joins their errors.
func (m *Multi) Write(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, e); err != nil {
			m.logger.Warn("journal write failed",
				zap.String("sink", s.Name()),
				zap.String("cycle", e.CycleID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Observer adapts m to a cycle observer. Journal failures never fail a
// cycle; they are logged by Write.
func (m *Multi) Observer() think.Observer {
	return func(ctx context.Context, o *think.Outcome) {
		if len(m.sinks) == 0 {
			return
		}
		_ = m.Write(context.WithoutCancel(ctx), NewEntry(o))
	}
}
