// Package reconcile brings a local replica up to date with the authoritative
// snapshot: fetch, compare, and install the whole snapshot when it differs.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/jogardn/tablesync/internal/metrics"
	"github.com/sirupsen/logrus"
)

type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeUpdated
	OutcomeFailed
	// OutcomeSkipped means another pass for the same collection was in flight.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeUpdated:
		return "updated"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

type Result struct {
	Collection string
	Outcome    Outcome
	Diff       Diff
	// Stale is set when a local write landed during the fetch and the
	// fetched snapshot was discarded instead of installed.
	Stale    bool
	Err      error
	Duration time.Duration
}

// OK reports whether the pass completed, with or without an update.
func (r Result) OK() bool {
	return r.Outcome == OutcomeUnchanged || r.Outcome == OutcomeUpdated
}

type Fetcher[T any] interface {
	Fetch(ctx context.Context) ([]T, error)
}

type FetchFunc[T any] func(ctx context.Context) ([]T, error)

func (f FetchFunc[T]) Fetch(ctx context.Context) ([]T, error) { return f(ctx) }

// Replica is the local copy a pass installs into.
type Replica[T any] interface {
	Snapshot() ([]T, uint64)
	CompareAndReplace(revision uint64, items []T) bool
}

type Config struct {
	Collection   string
	FetchTimeout time.Duration
	Metrics      *metrics.Registry
}

// Engine runs reconciliation passes for one collection. Passes never
// overlap: a pass requested while another is in flight is skipped and a
// follow-up is recorded instead.
type Engine[T any] struct {
	collection   string
	fetcher      Fetcher[T]
	replica      Replica[T]
	differ       Differ[T]
	fetchTimeout time.Duration
	metrics      *metrics.Registry
	logger       *logrus.Logger

	mutex    sync.Mutex
	inflight bool
	pending  bool
}

func NewEngine[T any](cfg Config, fetcher Fetcher[T], replica Replica[T], differ Differ[T], logger *logrus.Logger) *Engine[T] {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	return &Engine[T]{
		collection:   cfg.Collection,
		fetcher:      fetcher,
		replica:      replica,
		differ:       differ,
		fetchTimeout: cfg.FetchTimeout,
		metrics:      cfg.Metrics,
		logger:       logger,
	}
}

func (e *Engine[T]) Collection() string { return e.collection }

// TakePending reports and clears whether a follow-up pass was requested
// while the last one was running.
func (e *Engine[T]) TakePending() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	p := e.pending
	e.pending = false
	return p
}

func (e *Engine[T]) Pass(ctx context.Context) Result {
	e.mutex.Lock()
	if e.inflight {
		e.pending = true
		e.mutex.Unlock()
		return Result{Collection: e.collection, Outcome: OutcomeSkipped}
	}
	e.inflight = true
	e.mutex.Unlock()

	defer func() {
		e.mutex.Lock()
		e.inflight = false
		e.mutex.Unlock()
	}()

	start := time.Now()
	result := e.pass(ctx)
	result.Collection = e.collection
	result.Duration = time.Since(start)

	fields := logrus.Fields{
		"collection":  e.collection,
		"outcome":     result.Outcome.String(),
		"duration_ms": result.Duration.Milliseconds(),
	}
	switch {
	case result.Err != nil:
		e.logger.WithError(result.Err).WithFields(fields).Warn("Reconciliation pass failed")
	case result.Outcome == OutcomeUpdated:
		fields["reason"] = result.Diff.Reason
		fields["added"] = len(result.Diff.Added)
		fields["removed"] = len(result.Diff.Removed)
		fields["modified"] = len(result.Diff.Modified)
		e.logger.WithFields(fields).Info("Replica updated from authoritative snapshot")
	case result.Stale:
		e.logger.WithFields(fields).Info("Local write during fetch, snapshot discarded")
	default:
		e.logger.WithFields(fields).Debug("Replica already up to date")
	}
	return result
}

func (e *Engine[T]) pass(ctx context.Context) Result {
	_, baseRevision := e.replica.Snapshot()

	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	remote, err := e.fetcher.Fetch(fetchCtx)
	cancel()
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: err}
	}

	local, revision := e.replica.Snapshot()
	if revision != baseRevision {
		e.markPending()
		return Result{Outcome: OutcomeUnchanged, Stale: true}
	}

	diff := e.differ.Compare(local, remote)
	if !diff.Changed {
		return Result{Outcome: OutcomeUnchanged, Diff: diff}
	}

	if !e.replica.CompareAndReplace(revision, remote) {
		e.markPending()
		return Result{Outcome: OutcomeUnchanged, Diff: diff, Stale: true}
	}
	e.metrics.SetReplicaSize(e.collection, len(remote))
	return Result{Outcome: OutcomeUpdated, Diff: diff}
}

func (e *Engine[T]) markPending() {
	e.mutex.Lock()
	e.pending = true
	e.mutex.Unlock()
}
