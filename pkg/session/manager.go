package session

import (
	"sync"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/errors"
	"voicegate-server/pkg/metrics"
)

// Manager is the registry of live calls.
type Manager struct {
	logger *logrus.Logger

	mu    sync.RWMutex
	calls map[string]*Call
}

// NewManager creates an empty registry.
func NewManager(logger *logrus.Logger) *Manager {
	return &Manager{
		logger: logger,
		calls:  make(map[string]*Call),
	}
}

// Register adds a call to the registry.
func (m *Manager) Register(call *Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.calls[call.ID]; exists {
		return errors.Wrap(errors.ErrAlreadyExists, "call already registered",
			map[string]interface{}{"call_id": call.ID})
	}
	m.calls[call.ID] = call

	if metrics.Enabled() {
		metrics.CallsStarted.Inc()
		metrics.ActiveCalls.Set(float64(len(m.calls)))
	}
	m.logger.WithFields(logrus.Fields{
		"call_id": call.ID,
		"tenant":  call.Tenant,
		"active":  len(m.calls),
	}).Info("Call registered")
	return nil
}

// Get returns a call by id.
func (m *Manager) Get(id string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	call, ok := m.calls[id]
	if !ok {
		return nil, errors.Wrap(errors.ErrCallNotFound, "unknown call",
			map[string]interface{}{"call_id": id})
	}
	return call, nil
}

// Remove drops a call from the registry. The call itself is not ended.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[id]; !ok {
		return
	}
	delete(m.calls, id)
	if metrics.Enabled() {
		metrics.ActiveCalls.Set(float64(len(m.calls)))
	}
}

// ForEach visits every registered call.
func (m *Manager) ForEach(fn func(call *Call)) {
	m.mu.RLock()
	calls := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.mu.RUnlock()

	for _, c := range calls {
		fn(c)
	}
}

// Len returns the number of registered calls.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// EndAll ends every call, for shutdown.
func (m *Manager) EndAll(reason string) {
	m.ForEach(func(call *Call) {
		call.End(reason)
	})
}
