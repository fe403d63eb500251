// Package circuitbreaker stops calling an external collaborator (a webhook,
// a mail relay, the spreadsheet endpoint) after repeated failures, and lets a
// limited number of probe calls through once a cool-down has passed.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var ErrOpen = errors.New("circuit breaker is open")

type Config struct {
	Name string
	// MaxFailures consecutive failures open the breaker.
	MaxFailures int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// MaxProbes is how many calls a half-open breaker lets through.
	MaxProbes     int
	OnStateChange func(name string, from, to State)
}

func (c Config) withDefaults(logger *logrus.Logger) Config {
	if c.Name == "" {
		c.Name = "unnamed"
	}
	if c.MaxFailures <= 0 {
		logger.WithFields(logrus.Fields{
			"circuit_breaker": c.Name,
			"invalid_value":   c.MaxFailures,
		}).Warn("Invalid MaxFailures value, using default")
		c.MaxFailures = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxProbes <= 0 {
		c.MaxProbes = 1
	}
	return c
}

type Snapshot struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	Failures       int       `json:"failures"`
	TotalCalls     int64     `json:"totalCalls"`
	TotalFailures  int64     `json:"totalFailures"`
	TotalRejected  int64     `json:"totalRejected"`
	LastFailure    time.Time `json:"lastFailure,omitempty"`
	LastTransition time.Time `json:"lastTransition,omitempty"`
}

type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mutex          sync.Mutex
	state          State
	failures       int
	probes         int
	openedAt       time.Time
	lastFailure    time.Time
	lastTransition time.Time
	totalCalls     int64
	totalFailures  int64
	totalRejected  int64

	logger *logrus.Logger
}

func New(cfg Config, logger *logrus.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:    cfg.withDefaults(logger),
		now:    time.Now,
		state:  StateClosed,
		logger: logger,
	}
}

// Execute runs fn unless the breaker is open. A context cancellation is not
// counted as a failure of the collaborator.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn(ctx)

	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	if cb.state == StateHalfOpen {
		cb.probes--
	}
	switch {
	case err == nil:
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed)
		}
	case ctx.Err() != nil:
	default:
		cb.failures++
		cb.totalFailures++
		cb.lastFailure = cb.now()
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.MaxFailures {
			cb.openedAt = cb.now()
			cb.transition(StateOpen)
		}
	}
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		cb.transition(StateHalfOpen)
	}
	switch cb.state {
	case StateOpen:
		cb.totalRejected++
		return fmt.Errorf("%w: %s", ErrOpen, cb.cfg.Name)
	case StateHalfOpen:
		if cb.probes >= cb.cfg.MaxProbes {
			cb.totalRejected++
			return fmt.Errorf("%w: %s (probe in flight)", ErrOpen, cb.cfg.Name)
		}
		cb.probes++
	}
	cb.totalCalls++
	return nil
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.lastTransition = cb.now()
	if to != StateHalfOpen {
		cb.probes = 0
	}

	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.cfg.Name,
		"from_state":      from.String(),
		"to_state":        to.String(),
	}).Info("Circuit breaker state changed")

	if cb.cfg.OnStateChange != nil {
		go cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	defer func() {
		if r := recover(); r != nil {
			cb.logger.WithFields(logrus.Fields{
				"circuit_breaker": cb.cfg.Name,
				"panic":           r,
			}).Error("Circuit breaker state change callback panicked")
		}
	}()
	cb.cfg.OnStateChange(cb.cfg.Name, from, to)
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return Snapshot{
		Name:           cb.cfg.Name,
		State:          cb.state.String(),
		Failures:       cb.failures,
		TotalCalls:     cb.totalCalls,
		TotalFailures:  cb.totalFailures,
		TotalRejected:  cb.totalRejected,
		LastFailure:    cb.lastFailure,
		LastTransition: cb.lastTransition,
	}
}

func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.transition(StateClosed)
	cb.failures = 0
	cb.probes = 0
}
