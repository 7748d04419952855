package memory

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RecallOpts controls a recall pass.
type RecallOpts struct {
	TopK            int           `json:"top_k" yaml:"top_k"`                       // default 10
	MinScore        float64       `json:"min_score" yaml:"min_score"`               // zero disables
	GoldenPrefilter bool          `json:"golden_prefilter" yaml:"golden_prefilter"` // positional cut before weight ranking
	EmptyRetries    int           `json:"empty_retries" yaml:"empty_retries"`       // retries when the index returns nothing
	RetryDelay      time.Duration `json:"retry_delay" yaml:"retry_delay"`           // first delay, doubled per retry
}

// DefaultRecallOpts returns sensible defaults.
func DefaultRecallOpts() RecallOpts {
	return RecallOpts{
		TopK:         10,
		EmptyRetries: 2,
		RetryDelay:   500 * time.Millisecond,
	}
}

// RecallResult holds the output of a recall pass.
type RecallResult struct {
	All       []Candidate   `json:"all_results"`
	Activated []Candidate   `json:"activated"`
	Duration  time.Duration `json:"duration"`
}

// Recaller runs similarity recall followed by weight activation.
type Recaller struct {
	store  *Store
	opts   RecallOpts
	logger *zap.Logger
}

// NewRecaller creates a Recaller with default options filled in.
func NewRecaller(store *Store, opts RecallOpts, logger *zap.Logger) *Recaller {
	def := DefaultRecallOpts()
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}
	if opts.EmptyRetries < 0 {
		opts.EmptyRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	return &Recaller{store: store, opts: opts, logger: logger}
}

// Recall queries the collection for query and activates the heaviest
// golden-ratio share of the candidates. An empty index answer is retried a
// few times to ride out indexing lag and then reported as an empty result.
// Transport errors are returned.
func (r *Recaller) Recall(ctx context.Context, collectionID, query string) (*RecallResult, error) {
	start := time.Now()
	ratio := r.store.Params().GoldenRatio

	candidates, err := r.search(ctx, collectionID, query)
	if err != nil {
		return nil, err
	}
	if r.opts.GoldenPrefilter {
		candidates = goldenPrefix(candidates, ratio)
	}

	res := &RecallResult{
		All:       candidates,
		Activated: SelectByWeight(candidates, ratio),
		Duration:  time.Since(start),
	}
	r.logger.Info("recall complete",
		zap.String("collection", collectionID),
		zap.Int("candidates", len(res.All)),
		zap.Int("activated", len(res.Activated)),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (r *Recaller) search(ctx context.Context, collectionID, query string) ([]Candidate, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.opts.RetryDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.opts.EmptyRetries)), ctx)

	for attempt := 1; ; attempt++ {
		candidates, err := r.store.Search(ctx, collectionID, query, r.opts.TopK, r.opts.MinScore)
		if err != nil {
			return nil, err
		}
		if len(candidates) > 0 {
			return candidates, nil
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return []Candidate{}, nil
		}
		r.logger.Debug("recall returned nothing, retrying",
			zap.String("collection", collectionID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}
