package circuitbreaker

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager hands out one breaker per collaborator name.
type Manager struct {
	defaults Config
	breakers map[string]*CircuitBreaker
	mutex    sync.Mutex
	logger   *logrus.Logger
}

func NewManager(defaults Config, logger *logrus.Logger) *Manager {
	return &Manager{
		defaults: defaults,
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

func (m *Manager) Get(name string) *CircuitBreaker {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if breaker, exists := m.breakers[name]; exists {
		return breaker
	}

	cfg := m.defaults
	cfg.Name = name
	breaker := New(cfg, m.logger)
	m.breakers[name] = breaker

	m.logger.WithFields(logrus.Fields{
		"circuit_breaker": name,
		"max_failures":    breaker.cfg.MaxFailures,
		"cooldown":        breaker.cfg.Cooldown.String(),
	}).Debug("Circuit breaker created")
	return breaker
}

func (m *Manager) Snapshots() map[string]Snapshot {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	out := make(map[string]Snapshot, len(m.breakers))
	for name, breaker := range m.breakers {
		out[name] = breaker.Snapshot()
	}
	return out
}

func (m *Manager) Reset(name string) bool {
	m.mutex.Lock()
	breaker, exists := m.breakers[name]
	m.mutex.Unlock()
	if !exists {
		return false
	}
	breaker.Reset()
	m.logger.WithField("circuit_breaker", name).Info("Circuit breaker reset")
	return true
}
