package think

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/lexobe/CogLoop/internal/memory"
	"github.com/lexobe/CogLoop/internal/provider"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Stage is a step of the cycle state machine.
type Stage string

const (
	StageRecall    Stage = "RECALL"
	StageGenerate  Stage = "GENERATE"
	StageParse     Stage = "PARSE"
	StageReinforce Stage = "REINFORCE"
	StagePersist   Stage = "PERSIST"
	StageDispatch  Stage = "DISPATCH"
	StageDone      Stage = "DONE"
)

// SourceGenerated is the provenance tag on units written by a cycle.
const SourceGenerated = "generated"

// Completer is the completion service a cycle talks to.
type Completer interface {
	Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error)
}

// Config tunes a cycle.
type Config struct {
	Model          string        `json:"model" yaml:"model"`
	Temperature    float64       `json:"temperature" yaml:"temperature"`
	MaxTokens      int           `json:"max_tokens" yaml:"max_tokens"`
	PersistRetries int           `json:"persist_retries" yaml:"persist_retries"`
	PersistDelay   time.Duration `json:"persist_delay" yaml:"persist_delay"`
	Concurrency    int           `json:"concurrency" yaml:"concurrency"`
	Prompts        Prompts       `json:"prompts" yaml:"prompts"`
}

// DefaultConfig returns the cycle defaults.
func DefaultConfig() Config {
	return Config{
		Temperature:    0.7,
		PersistRetries: 2,
		PersistDelay:   200 * time.Millisecond,
		Concurrency:    8,
	}
}

// StageEvent marks when a stage started.
type StageEvent struct {
	Stage  Stage     `json:"stage"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// ActionResult is the outcome of one dispatched function call.
type ActionResult struct {
	Name   string `json:"name"`
	Known  bool   `json:"known"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Outcome is everything a cycle did. Record is what callers of the loop see;
// the rest feeds journals and live observers.
type Outcome struct {
	ID           string             `json:"id"`
	CollectionID string             `json:"collection_id"`
	Input        string             `json:"input"`
	Record       Record             `json:"record"`
	Activated    []memory.Candidate `json:"activated"`
	Reinforced   []string           `json:"reinforced"`
	Persisted    []string           `json:"persisted"`
	Actions      []ActionResult     `json:"actions"`
	Stages       []StageEvent       `json:"stages"`
	Now          time.Time          `json:"now"`
	Duration     time.Duration      `json:"duration"`
}

func (o *Outcome) enter(s Stage, detail string) {
	o.Stages = append(o.Stages, StageEvent{Stage: s, At: time.Now(), Detail: detail})
}

// Observer is notified after every completed cycle.
type Observer func(ctx context.Context, o *Outcome)

// Cycle runs one recall, generate and write-back round.
type Cycle struct {
	store     *memory.Store
	recaller  *memory.Recaller
	llm       Completer
	actions   *ActionRegistry
	cfg       Config
	system    string
	observers []Observer
	logger    *zap.Logger
	now       func() time.Time
}

// NewCycle wires a cycle. actions may be nil, in which case every function
// call is ignored.
func NewCycle(store *memory.Store, recaller *memory.Recaller, llm Completer, actions *ActionRegistry, cfg Config, logger *zap.Logger) *Cycle {
	def := DefaultConfig()
	if cfg.Temperature <= 0 {
		cfg.Temperature = def.Temperature
	}
	if cfg.PersistRetries < 0 {
		cfg.PersistRetries = 0
	}
	if cfg.PersistDelay <= 0 {
		cfg.PersistDelay = def.PersistDelay
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if actions == nil {
		actions = NewActionRegistry(logger)
	}
	return &Cycle{
		store:    store,
		recaller: recaller,
		llm:      llm,
		actions:  actions,
		cfg:      cfg,
		system:   cfg.Prompts.System(),
		logger:   logger,
		now:      time.Now,
	}
}

// Observe adds an observer. Not safe to call while cycles run.
func (c *Cycle) Observe(o Observer) {
	c.observers = append(c.observers, o)
}

// Run executes one cycle on input. Stage failures degrade the record; the
// only error returned is the context's, checked between stages, together
// with the partial outcome.
func (c *Cycle) Run(ctx context.Context, input, collectionID string) (*Outcome, error) {
	now := c.now()
	out := &Outcome{
		ID:           uuid.NewString(),
		CollectionID: collectionID,
		Input:        input,
		Activated:    []memory.Candidate{},
		Reinforced:   []string{},
		Persisted:    []string{},
		Actions:      []ActionResult{},
		Now:          now,
	}
	start := time.Now()
	log := c.logger.With(zap.String("cycle", out.ID), zap.String("collection", collectionID))

	// RECALL
	if err := ctx.Err(); err != nil {
		return out, err
	}
	out.enter(StageRecall, "")
	res, err := c.recaller.Recall(ctx, collectionID, input)
	if err != nil {
		log.Error("recall failed, continuing without context", zap.Error(err))
	} else {
		out.Activated = res.Activated
	}

	// GENERATE
	if err := ctx.Err(); err != nil {
		return out, err
	}
	out.enter(StageGenerate, "")
	raw, genErr := c.generate(ctx, input, out.Activated)
	if genErr != nil {
		log.Error("completion failed", zap.Error(genErr))
	}

	// PARSE
	if err := ctx.Err(); err != nil {
		return out, err
	}
	out.enter(StageParse, "")
	if genErr != nil {
		out.Record = EmptyRecord(LogLLMFailed)
	} else {
		out.Record = Parse(raw, out.Activated)
		if out.Record.Log == LogParseFailed {
			log.Warn("model response was not parseable", zap.Int("bytes", len(raw)))
		}
	}

	// REINFORCE
	if err := ctx.Err(); err != nil {
		return out, err
	}
	out.enter(StageReinforce, "")
	out.Reinforced = c.reinforce(ctx, out.Record.ActivatedIDs, now, log)

	// PERSIST
	if err := ctx.Err(); err != nil {
		return out, err
	}
	out.enter(StagePersist, "")
	out.Persisted = c.persist(ctx, collectionID, out.Record.GeneratedTexts, log)

	// DISPATCH
	if err := ctx.Err(); err != nil {
		return out, err
	}
	out.enter(StageDispatch, "")
	out.Actions = c.dispatch(ctx, out.Record.FunctionCalls, log)

	out.enter(StageDone, "")
	out.Duration = time.Since(start)
	log.Info("cycle complete",
		zap.Int("activated", len(out.Activated)),
		zap.Int("reinforced", len(out.Reinforced)),
		zap.Int("persisted", len(out.Persisted)),
		zap.Int("actions", len(out.Actions)),
		zap.Bool("terminal", out.Record.NextThought == ""),
		zap.Duration("duration", out.Duration))

	for _, o := range c.observers {
		o(ctx, out)
	}
	return out, nil
}

func (c *Cycle) generate(ctx context.Context, input string, activated []memory.Candidate) (string, error) {
	resp, err := c.llm.Complete(ctx, &provider.CompletionRequest{
		Model:       c.cfg.Model,
		System:      c.system,
		User:        BuildUserPrompt(input, activated),
		JSON:        true,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// reinforce updates every activated unit concurrently, all as of now.
// Failures are logged and the id is left out of the result.
func (c *Cycle) reinforce(ctx context.Context, ids []string, now time.Time, log *zap.Logger) []string {
	done := make([]bool, len(ids))
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			u, err := c.store.Reinforce(ctx, id, now)
			if err != nil {
				log.Warn("reinforce failed", zap.String("unit", id), zap.Error(err))
				return nil
			}
			done[i] = true
			log.Debug("unit reinforced",
				zap.String("unit", id),
				zap.Float64("weight", u.Weight),
				zap.Int("access_count", u.AccessCount))
			return nil
		})
	}
	_ = g.Wait()
	return pickDone(ids, done)
}

// persist writes every generated text as a new unit. Each write is retried
// on its own and dropped with a warning once retries run out.
func (c *Cycle) persist(ctx context.Context, collectionID string, texts []string, log *zap.Logger) []string {
	ids := make([]string, len(texts))
	done := make([]bool, len(texts))
	custom := map[string]memory.Value{"source": memory.RawValue(SourceGenerated)}

	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for i, text := range texts {
		g.Go(func() error {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = c.cfg.PersistDelay
			eb.MaxElapsedTime = 0
			eb.Reset()
			b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.cfg.PersistRetries)), ctx)

			var id string
			err := backoff.Retry(func() error {
				var err error
				id, err = c.store.Add(ctx, collectionID, text, custom)
				return err
			}, b)
			if err != nil {
				log.Warn("dropping generated unit", zap.String("content", text), zap.Error(err))
				return nil
			}
			ids[i], done[i] = id, true
			return nil
		})
	}
	_ = g.Wait()
	return pickDone(ids, done)
}

func (c *Cycle) dispatch(ctx context.Context, calls []FunctionCall, log *zap.Logger) []ActionResult {
	results := make([]ActionResult, 0, len(calls))
	for _, call := range calls {
		h, known := c.actions.Resolve(call.Name)
		res := ActionResult{Name: call.Name, Known: known}
		out, err := h(ctx, call.Args)
		if err != nil {
			log.Warn("action failed", zap.String("name", call.Name), zap.Error(err))
			res.Error = err.Error()
		} else {
			res.Result = out
			if known {
				log.Info("action dispatched", zap.String("name", call.Name))
			}
		}
		results = append(results, res)
	}
	return results
}

func pickDone(ids []string, done []bool) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for i, ok := range done {
		if !ok {
			continue
		}
		if _, dup := seen[ids[i]]; dup {
			continue
		}
		seen[ids[i]] = struct{}{}
		out = append(out, ids[i])
	}
	return out
}
