package control

import (
	"sort"
	"sync"

	"github.com/matst80/backhaul/internal/obs"
)

// Manager indexes live sessions by session ID and run ID.
type Manager struct {
	mu    sync.RWMutex
	byID  map[string]*Session
	byRun map[string]*Session
}

func NewManager() *Manager {
	return &Manager{
		byID:  make(map[string]*Session),
		byRun: make(map[string]*Session),
	}
}

// Add indexes s and returns the session it replaced under the same run ID, if any.
// The caller is responsible for closing the replaced session.
func (m *Manager) Add(s *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.byRun[s.RunID()]
	if old == s {
		old = nil
	}
	if old != nil {
		delete(m.byID, old.ID())
	}
	m.byID[s.ID()] = s
	m.byRun[s.RunID()] = s
	obs.ActiveSessions.Set(float64(len(m.byID)))
	return old
}

// Remove drops s. It reports false when s was not indexed, for example because a newer
// login already replaced it.
func (m *Manager) Remove(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byID[s.ID()] != s {
		return false
	}
	delete(m.byID, s.ID())
	if m.byRun[s.RunID()] == s {
		delete(m.byRun, s.RunID())
	}
	obs.ActiveSessions.Set(float64(len(m.byID)))
	return true
}

func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

func (m *Manager) GetByRunID(runID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byRun[runID]
}

// All returns a snapshot ordered by login time.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LoginAt().Before(out[j].LoginAt()) })
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// CloseAll closes every session with reason and waits for each Close to return.
func (m *Manager) CloseAll(reason error) {
	var wg sync.WaitGroup
	for _, s := range m.All() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close(reason)
		}(s)
	}
	wg.Wait()
}
