package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/jogardn/tablesync/internal/metrics"
	"github.com/jogardn/tablesync/internal/replication"
	"github.com/sirupsen/logrus"
)

const DefaultPollInterval = 8 * time.Second

type Trigger string

const (
	TriggerStartup  Trigger = "startup"
	TriggerSignal   Trigger = "signal"
	TriggerTimer    Trigger = "timer"
	TriggerManual   Trigger = "manual"
	TriggerFocus    Trigger = "focus"
	TriggerFollowUp Trigger = "follow-up"
)

// Feedback is what a manual refresh reports back to the person who asked.
type Feedback struct {
	Outcome string `json:"outcome"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

func FeedbackFor(r Result) Feedback {
	switch r.Outcome {
	case OutcomeUpdated:
		return Feedback{
			Outcome: r.Outcome.String(),
			Title:   "Refreshed",
			Message: fmt.Sprintf("Loaded the latest %s.", r.Collection),
		}
	case OutcomeUnchanged:
		return Feedback{
			Outcome: r.Outcome.String(),
			Title:   "Up to date",
			Message: fmt.Sprintf("No new %s.", r.Collection),
		}
	case OutcomeSkipped:
		return Feedback{
			Outcome: r.Outcome.String(),
			Title:   "Refresh in progress",
			Message: "A refresh is already running.",
		}
	default:
		msg := fmt.Sprintf("Could not load %s.", r.Collection)
		if r.Err != nil {
			msg = fmt.Sprintf("Could not load %s: %v", r.Collection, r.Err)
		}
		return Feedback{
			Outcome: OutcomeFailed.String(),
			Title:   "Refresh failed",
			Message: msg,
		}
	}
}

type RunnerConfig struct {
	Interval       time.Duration
	DebounceWindow time.Duration
	Metrics        *metrics.Registry
	// OnUpdate is called from the runner goroutine after every pass that
	// installed a new snapshot. hint is the announcement that woke the
	// runner, nil for other triggers.
	OnUpdate func(result Result, hint *replication.Announcement)
}

type passer interface {
	Pass(ctx context.Context) Result
	TakePending() bool
	Collection() string
}

type refreshRequest struct {
	reply chan Result
}

// Runner drives one Engine from a single goroutine. Signals are debounced,
// the ticker is a safety net for missed signals, and Refresh and Focus always
// force a pass.
type Runner struct {
	engine  passer
	signals <-chan replication.Announcement
	cfg     RunnerConfig
	refresh chan refreshRequest
	focus   chan struct{}
	logger  *logrus.Logger
}

func NewRunner[T any](engine *Engine[T], signals <-chan replication.Announcement, cfg RunnerConfig, logger *logrus.Logger) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = replication.DefaultDebounceWindow
	}
	return &Runner{
		engine:  engine,
		signals: signals,
		cfg:     cfg,
		refresh: make(chan refreshRequest),
		focus:   make(chan struct{}, 1),
		logger:  logger,
	}
}

// Run blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	var signals <-chan replication.Announcement
	if r.signals != nil {
		signals = replication.Debounce(ctx, r.signals, r.cfg.DebounceWindow)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.WithFields(logrus.Fields{
		"collection":  r.engine.Collection(),
		"interval_ms": r.cfg.Interval.Milliseconds(),
	}).Info("Reconciliation runner started")

	r.run(ctx, TriggerStartup, nil)

	for {
		select {
		case <-ctx.Done():
			r.logger.WithField("collection", r.engine.Collection()).Info("Reconciliation runner stopped")
			return
		case a, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			hint := a
			r.logger.WithFields(logrus.Fields{
				"collection": r.engine.Collection(),
				"event_type": a.Type,
				"coalesced":  a.Coalesced,
			}).Debug("Change signal received")
			r.run(ctx, TriggerSignal, &hint)
		case <-ticker.C:
			r.run(ctx, TriggerTimer, nil)
		case <-r.focus:
			r.run(ctx, TriggerFocus, nil)
		case req := <-r.refresh:
			req.reply <- r.run(ctx, TriggerManual, nil)
		}
	}
}

// Refresh forces a pass and reports the outcome as user feedback. It fails
// if the runner is not running before ctx is done.
func (r *Runner) Refresh(ctx context.Context) Feedback {
	req := refreshRequest{reply: make(chan Result, 1)}
	select {
	case r.refresh <- req:
	case <-ctx.Done():
		return FeedbackFor(Result{Collection: r.engine.Collection(), Outcome: OutcomeFailed, Err: ctx.Err()})
	}
	select {
	case res := <-req.reply:
		return FeedbackFor(res)
	case <-ctx.Done():
		return FeedbackFor(Result{Collection: r.engine.Collection(), Outcome: OutcomeFailed, Err: ctx.Err()})
	}
}

// Focus requests a pass because the view became active. It never blocks;
// focus requests made while one is queued collapse into it.
func (r *Runner) Focus() {
	select {
	case r.focus <- struct{}{}:
	default:
	}
}

func (r *Runner) run(ctx context.Context, trigger Trigger, hint *replication.Announcement) Result {
	result := r.pass(ctx, trigger, hint)
	// one follow-up covers any number of requests made during the pass
	if ctx.Err() == nil && r.engine.TakePending() {
		followUp := r.pass(ctx, TriggerFollowUp, nil)
		if result.Stale || followUp.Outcome == OutcomeUpdated {
			result = followUp
		}
	}
	return result
}

func (r *Runner) pass(ctx context.Context, trigger Trigger, hint *replication.Announcement) Result {
	result := r.engine.Pass(ctx)
	r.cfg.Metrics.ObservePass(result.Collection, string(trigger), result.Outcome.String(), result.Duration)
	if result.Outcome == OutcomeUpdated && r.cfg.OnUpdate != nil {
		r.cfg.OnUpdate(result, hint)
	}
	return result
}
