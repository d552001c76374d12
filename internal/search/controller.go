// Package search drives the parameter auto-search: it plans a candidate
// pool, runs trials one at a time through the evaluator, records every
// outcome and reports the fastest working configuration.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ciadpi-tray/autosearch/internal/candidate"
	"github.com/ciadpi-tray/autosearch/internal/evaluator"
	"github.com/ciadpi-tray/autosearch/internal/history"
	"github.com/ciadpi-tray/autosearch/internal/monitoring"
	"github.com/ciadpi-tray/autosearch/internal/timeutil"
)

var log = monitoring.New("search")

var (
	// ErrSearchInProgress is returned by Start while a search is running.
	ErrSearchInProgress = errors.New("search already in progress")
	// ErrInvalidBudget is returned for a trial budget below one.
	ErrInvalidBudget = errors.New("trial budget must be positive")
	// ErrInvalidProbeDuration is returned for a negative probe duration.
	ErrInvalidProbeDuration = errors.New("probe duration must not be negative")
)

// Status is the controller's lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSearching Status = "searching"
)

// Planner produces the candidate pool for a search.
type Planner interface {
	Plan(records []history.Record, n int) []candidate.Candidate
}

// Trialer runs single trials.
type Trialer interface {
	Evaluate(ctx context.Context, cand candidate.Candidate, probeDuration time.Duration) evaluator.Outcome
	Abort()
}

// Store records trial outcomes.
type Store interface {
	Append(rec history.Record) error
	Recent(limit int) []history.Record
}

// Session describes a search as it starts.
type Session struct {
	ID            string
	StartedAt     time.Time
	TrialBudget   int
	ProbeDuration time.Duration
}

// Archive keeps every trial of every session. Failures are logged and never
// interrupt a search.
type Archive interface {
	BeginSession(ctx context.Context, s Session) error
	RecordTrial(ctx context.Context, sessionID string, index int, rec history.Record, out evaluator.Outcome) error
	FinishSession(ctx context.Context, res Result, finishedAt time.Time) error
}

// Observer is notified of search progress, e.g. for metrics.
type Observer interface {
	SearchStarted()
	TrialFinished(out evaluator.Outcome)
	SearchFinished(res Result)
}

// ProgressFunc is called before each trial with a 1-based index.
type ProgressFunc func(index, total int, label string)

// Request starts a search. A zero ProbeDuration uses the configured default.
type Request struct {
	TrialBudget   int
	ProbeDuration time.Duration
	Progress      ProgressFunc
	OnComplete    func(Result)
}

// Result is the terminal report of a search. Best and Latency are only
// meaningful when Found is true.
type Result struct {
	SessionID string
	Best      candidate.Candidate
	Latency   time.Duration
	Found     bool
	TrialsRun int
	Cancelled bool
}

// MarshalJSON reports latency in seconds.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		SessionID      string  `json:"session_id"`
		Best           string  `json:"best,omitempty"`
		LatencySeconds float64 `json:"latency_seconds,omitempty"`
		Found          bool    `json:"found"`
		TrialsRun      int     `json:"trials_run"`
		Cancelled      bool    `json:"cancelled"`
	}{r.SessionID, r.Best.String(), r.Latency.Seconds(), r.Found, r.TrialsRun, r.Cancelled})
}

// State is a snapshot of the controller.
type State struct {
	Status               Status     `json:"status"`
	SessionID            string     `json:"session_id,omitempty"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	TrialBudget          int        `json:"trial_budget"`
	ProbeDurationSeconds float64    `json:"probe_duration_seconds"`
	PlannedTrials        int        `json:"planned_trials"`
	CompletedTrials      int        `json:"completed_trials"`
	CurrentCandidate     string     `json:"current_candidate,omitempty"`
	Best                 string     `json:"best,omitempty"`
	BestLatencySeconds   float64    `json:"best_latency_seconds,omitempty"`
	Warnings             []string   `json:"warnings,omitempty"`
	LastResult           *Result    `json:"last_result,omitempty"`
}

// Config holds the controller's timing.
type Config struct {
	DefaultProbeDuration time.Duration
	TrialPause           time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock used for timestamps and pauses.
func WithClock(c timeutil.Clock) Option { return func(ctl *Controller) { ctl.clock = c } }

// WithArchive attaches a trial archive.
func WithArchive(a Archive) Option { return func(ctl *Controller) { ctl.archive = a } }

// WithObserver attaches an observer.
func WithObserver(o Observer) Option { return func(ctl *Controller) { ctl.observer = o } }

// WithSessionIDs overrides session ID generation.
func WithSessionIDs(f func() string) Option { return func(ctl *Controller) { ctl.newID = f } }

// Controller owns the Idle/Searching state. At most one search runs at a time.
type Controller struct {
	cfg      Config
	planner  Planner
	eval     Trialer
	store    Store
	clock    timeutil.Clock
	archive  Archive
	observer Observer
	newID    func() string

	mu     sync.RWMutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// NewController wires a controller.
func NewController(cfg Config, planner Planner, eval Trialer, store Store, opts ...Option) *Controller {
	if cfg.DefaultProbeDuration <= 0 {
		cfg.DefaultProbeDuration = 10 * time.Second
	}
	c := &Controller{
		cfg:     cfg,
		planner: planner,
		eval:    eval,
		store:   store,
		clock:   timeutil.RealClock{},
		newID:   uuid.NewString,
		state:   State{Status: StatusIdle},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start validates req and launches the search on a background goroutine.
// Only invalid arguments and a running search are rejected.
func (c *Controller) Start(ctx context.Context, req Request) error {
	if req.TrialBudget <= 0 {
		return fmt.Errorf("%w, got %d", ErrInvalidBudget, req.TrialBudget)
	}
	if req.ProbeDuration < 0 {
		return fmt.Errorf("%w, got %s", ErrInvalidProbeDuration, req.ProbeDuration)
	}
	probe := req.ProbeDuration
	if probe == 0 {
		probe = c.cfg.DefaultProbeDuration
	}

	c.mu.Lock()
	if c.state.Status == StatusSearching {
		running := c.state.SessionID
		c.mu.Unlock()
		log.Warnf("start ignored: %v (session %s)", ErrSearchInProgress, running)
		return ErrSearchInProgress
	}

	now := c.clock.Now()
	session := Session{ID: c.newID(), StartedAt: now, TrialBudget: req.TrialBudget, ProbeDuration: probe}
	c.state = State{
		Status:               StatusSearching,
		SessionID:            session.ID,
		StartedAt:            &now,
		TrialBudget:          req.TrialBudget,
		ProbeDurationSeconds: probe.Seconds(),
		LastResult:           c.state.LastResult,
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	go c.run(runCtx, cancel, done, session, req)
	return nil
}

// Find runs a search and blocks until it ends.
func (c *Controller) Find(ctx context.Context, budget int, probeDuration time.Duration, progress ProgressFunc) (Result, error) {
	results := make(chan Result, 1)
	err := c.Start(ctx, Request{
		TrialBudget:   budget,
		ProbeDuration: probeDuration,
		Progress:      progress,
		OnComplete:    func(r Result) { results <- r },
	})
	if err != nil {
		return Result{}, err
	}
	return <-results, nil
}

// Stop cancels the running search and aborts its in-flight trial. The
// aborted trial is still recorded. Stop is a no-op when idle.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	searching := c.state.Status == StatusSearching
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if searching {
		c.eval.Abort()
	}
}

// Wait blocks until the current search, if any, has finished.
func (c *Controller) Wait() {
	c.mu.RLock()
	done := c.done
	c.mu.RUnlock()
	if done != nil {
		<-done
	}
}

// Searching reports whether a search is running.
func (c *Controller) Searching() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Status == StatusSearching
}

// State returns a copy of the controller state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.state
	st.Warnings = append([]string(nil), c.state.Warnings...)
	if c.state.LastResult != nil {
		r := *c.state.LastResult
		st.LastResult = &r
	}
	return st
}

// History returns up to limit recent trial records, newest first.
func (c *Controller) History(limit int) []history.Record {
	return c.store.Recent(limit)
}

func (c *Controller) addWarning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Warnf("%s", msg)
	c.mu.Lock()
	c.state.Warnings = append(c.state.Warnings, msg)
	c.mu.Unlock()
}

func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, session Session, req Request) {
	defer close(done)

	pool := c.planner.Plan(c.store.Recent(0), session.TrialBudget)
	total := min(session.TrialBudget, len(pool))
	if total < session.TrialBudget {
		log.Infof("planned %d of %d requested trials", total, session.TrialBudget)
	}

	c.mu.Lock()
	c.state.PlannedTrials = total
	c.mu.Unlock()

	if c.archive != nil {
		if err := c.archive.BeginSession(ctx, session); err != nil {
			c.addWarning("archive session %s: %v", session.ID, err)
		}
	}
	if c.observer != nil {
		c.observer.SearchStarted()
	}

	res := Result{SessionID: session.ID}
	for i := 0; i < total; i++ {
		if ctx.Err() != nil {
			break
		}
		cand := pool[i]

		c.mu.Lock()
		c.state.CurrentCandidate = cand.Key()
		c.mu.Unlock()
		if req.Progress != nil {
			req.Progress(i+1, session.TrialBudget, cand.Key())
		}
		log.Infof("trial %d/%d: %s", i+1, total, cand.Key())

		out := c.eval.Evaluate(ctx, cand, session.ProbeDuration)
		rec := history.Record{
			Candidate: cand,
			Timestamp: c.clock.Now(),
			Success:   out.Success,
			Latency:   out.Latency,
			Notes:     out.Notes,
		}
		if err := c.store.Append(rec); err != nil {
			c.addWarning("history not saved for trial %d: %v", i+1, err)
		}
		if c.archive != nil {
			// The archive write must land even when the search was just stopped.
			if err := c.archive.RecordTrial(context.WithoutCancel(ctx), session.ID, i+1, rec, out); err != nil {
				c.addWarning("archive trial %d: %v", i+1, err)
			}
		}
		if c.observer != nil {
			c.observer.TrialFinished(out)
		}

		res.TrialsRun++
		if out.Success && (!res.Found || out.Latency < res.Latency) {
			res.Found = true
			res.Best = cand
			res.Latency = out.Latency
		}
		log.Infof("trial %d/%d %s: %s", i+1, total, out.Kind, out.Notes)

		c.mu.Lock()
		c.state.CompletedTrials = res.TrialsRun
		if res.Found {
			c.state.Best = res.Best.Key()
			c.state.BestLatencySeconds = res.Latency.Seconds()
		}
		c.mu.Unlock()

		if i < total-1 {
			if err := c.clock.Sleep(ctx, c.cfg.TrialPause); err != nil {
				break
			}
		}
	}
	res.Cancelled = ctx.Err() != nil
	cancel()

	if res.Found {
		log.Infof("search %s done: best %q at %.2fs after %d trials", session.ID, res.Best.Key(), res.Latency.Seconds(), res.TrialsRun)
	} else {
		log.Infof("search %s done: no working configuration after %d trials (cancelled=%v)", session.ID, res.TrialsRun, res.Cancelled)
	}

	if c.archive != nil {
		if err := c.archive.FinishSession(context.WithoutCancel(ctx), res, c.clock.Now()); err != nil {
			c.addWarning("archive finish %s: %v", session.ID, err)
		}
	}
	if c.observer != nil {
		c.observer.SearchFinished(res)
	}

	now := c.clock.Now()
	c.mu.Lock()
	c.state.Status = StatusIdle
	c.state.CompletedAt = &now
	c.state.CurrentCandidate = ""
	c.state.LastResult = &res
	c.cancel = nil
	c.mu.Unlock()

	if req.OnComplete != nil {
		req.OnComplete(res)
	}
}
