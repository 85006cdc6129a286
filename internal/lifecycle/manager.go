// Package lifecycle closes a binary's long-lived resources in reverse
// registration order, so dependents shut down before their dependencies.
package lifecycle

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

type entry struct {
	name   string
	closer io.Closer
}

// Manager collects closers as resources come up. Both binaries register
// the store, workers and chain clients here instead of stacking defers.
type Manager struct {
	mu      sync.Mutex
	entries []entry
}

func NewManager() *Manager {
	return &Manager{}
}

// Register adds a resource; it is closed after everything registered
// later than it.
func (m *Manager) Register(name string, closer io.Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry{name: name, closer: closer})
}

// RegisterFunc registers a bare cleanup function.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.Register(name, closerFunc(fn))
}

// Close shuts every resource down LIFO. All closers run even when some
// fail; the first failure is returned.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if err := e.closer.Close(); err != nil {
			log.Error().Err(err).Str("resource", e.name).Msg("close failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("close %s: %w", e.name, err)
			}
		}
	}
	return firstErr
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
