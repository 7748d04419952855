// Package scheduler runs think sessions on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Session is a recurring think session.
type Session struct {
	Name          string        `json:"name" yaml:"name"`
	Spec          string        `json:"spec" yaml:"spec"` // cron expression or Go duration
	CollectionID  string        `json:"collection_id" yaml:"collection_id"`
	Input         string        `json:"input" yaml:"input"`
	MaxIterations int           `json:"max_iterations" yaml:"max_iterations"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
}

// RunFunc executes one session run.
type RunFunc func(ctx context.Context, s Session) error

// Status reports the last run of a session.
type Status struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next"`
	LastRun time.Time `json:"last_run,omitempty"`
	LastErr string    `json:"last_error,omitempty"`
	Runs    int       `json:"runs"`
}

type entry struct {
	session Session
	id      cron.EntryID
	lastRun time.Time
	lastErr error
	runs    int
}

// Scheduler fires sessions. Scheduled runs of one session never overlap; a
// firing that finds the previous run still going is skipped.
type Scheduler struct {
	cron    *cron.Cron
	run     RunFunc
	entries map[string]*entry
	mu      sync.Mutex
	logger  *zap.Logger
}

var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSpec accepts a 5 or 6 field cron expression, a descriptor such as
// "@hourly", or a Go duration like "15m".
func ParseSpec(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, fmt.Errorf("schedule spec is empty")
	}
	if sched, err := specParser.Parse(spec); err == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q as cron expression or duration: %w", spec, err)
	}
	if d <= 0 {
		return nil, fmt.Errorf("schedule %q: duration must be positive", spec)
	}
	return cron.Every(d), nil
}

// New creates a stopped scheduler.
func New(run RunFunc, logger *zap.Logger) *Scheduler {
	cl := cronLogger{logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(specParser),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
		run:     run,
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Add registers a session. Names must be unique.
func (s *Scheduler) Add(sess Session) error {
	if sess.Name == "" {
		return fmt.Errorf("schedule: session name is required")
	}
	if sess.MaxIterations <= 0 {
		return fmt.Errorf("schedule %s: max_iterations must be positive", sess.Name)
	}
	sched, err := ParseSpec(sess.Spec)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", sess.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[sess.Name]; dup {
		return fmt.Errorf("schedule %s already exists", sess.Name)
	}
	e := &entry{session: sess}
	e.id = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(e) }))
	s.entries[sess.Name] = e
	s.logger.Info("session scheduled",
		zap.String("name", sess.Name),
		zap.String("spec", sess.Spec),
		zap.String("collection", sess.CollectionID))
	return nil
}

// Remove unschedules a session.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	delete(s.entries, name)
	return true
}

// FireNow runs a session immediately, outside its schedule, and waits.
func (s *Scheduler) FireNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule %s not found", name)
	}
	return s.execute(ctx, e)
}

func (s *Scheduler) fire(e *entry) {
	_ = s.execute(context.Background(), e)
}

func (s *Scheduler) execute(ctx context.Context, e *entry) error {
	sess := e.session
	if sess.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sess.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := s.run(ctx, sess)

	s.mu.Lock()
	e.lastRun = start
	e.lastErr = err
	e.runs++
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("scheduled session failed",
			zap.String("name", sess.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return err
	}
	s.logger.Info("scheduled session finished",
		zap.String("name", sess.Name),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Status lists every session, sorted by name.
func (s *Scheduler) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		st := Status{
			Name:    e.session.Name,
			Spec:    e.session.Spec,
			Next:    s.cron.Entry(e.id).Next,
			LastRun: e.lastRun,
			Runs:    e.runs,
		}
		if e.lastErr != nil {
			st.LastErr = e.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins firing sessions in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("sessions", len(s.entries)))
}

// Stop halts firing and returns a context that is done once running
// sessions have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// cronLogger routes cron's logs to zap.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
