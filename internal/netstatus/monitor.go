// Package netstatus tracks origin connectivity and notifies observers on
// every online/offline transition.
package netstatus

import (
	"log/slog"
	"slices"
	"sync"
)

// Monitor holds the last known connectivity status. Status changes come from
// Set, which is fed by the platform signal and by passive observation of
// origin calls; the monitor never polls.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	observers map[int]func(bool)
	logger    *slog.Logger
}

// New creates a Monitor with the given initial status.
func New(online bool) *Monitor {
	return &Monitor{
		online:    online,
		observers: make(map[int]func(bool)),
		logger:    slog.Default(),
	}
}

// IsOnline returns the current status.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn. It is invoked immediately with the current status
// and again on every transition. The returned func removes the observer.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = fn
	current := m.online
	m.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, id)
			m.mu.Unlock()
		})
	}
}

// Set records the status reported by the platform. Observers run only when
// the status actually changes, outside the lock, in registration order.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	ids := make([]int, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.observers[id])
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	for _, fn := range fns {
		fn(online)
	}
}

// ReportSuccess and ReportFailure let network clients feed the monitor
// passively from the outcome of calls they were making anyway.
func (m *Monitor) ReportSuccess() { m.Set(true) }

func (m *Monitor) ReportFailure() { m.Set(false) }

