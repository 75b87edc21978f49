package store

import (
	"context"
	"fmt"
	"sync"

	"integritywatch/pkg/models"
)

// MemoryStore keeps every record in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	events   map[string][]*models.Event
	eventIDs map[string]map[string]*models.Event
	flags    map[string]*models.Flag
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		events:   make(map[string][]*models.Event),
		eventIDs: make(map[string]map[string]*models.Event),
		flags:    make(map[string]*models.Flag),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return sessionNotFound(s.ID)
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, sessionNotFound(id)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) ListSessions(_ context.Context, filter SessionFilter) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Session
	for _, s := range m.sessions {
		if filter.Match(s) {
			out = append(out, s.Clone())
		}
	}
	sortSessions(out)
	return out, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, ev *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.eventIDs[ev.SessionID]
	if byID == nil {
		byID = make(map[string]*models.Event)
		m.eventIDs[ev.SessionID] = byID
	}
	if _, ok := byID[ev.ID]; ok {
		return nil
	}
	stored := ev.Clone()
	byID[ev.ID] = stored
	m.events[ev.SessionID] = append(m.events[ev.SessionID], stored)
	return nil
}

func (m *MemoryStore) MarkFlagged(_ context.Context, sessionID string, eventIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.eventIDs[sessionID]
	for _, id := range eventIDs {
		if ev, ok := byID[id]; ok {
			ev.Flagged = true
		}
	}
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, sessionID string, filter EventFilter) ([]*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*models.Event, 0, len(m.events[sessionID]))
	for _, ev := range m.events[sessionID] {
		all = append(all, ev.Clone())
	}
	sortEvents(all)
	return filter.apply(all), nil
}

func (m *MemoryStore) ListUserEvents(_ context.Context, userID string, filter EventFilter) ([]*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*models.Event
	for id, sess := range m.sessions {
		if sess.UserID != userID {
			continue
		}
		for _, ev := range m.events[id] {
			all = append(all, ev.Clone())
		}
	}
	return filter.newestFirst(all), nil
}

func (m *MemoryStore) PutFlag(_ context.Context, f *models.Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[f.ID] = f.Clone()
	return nil
}

func (m *MemoryStore) GetFlag(_ context.Context, id string) (*models.Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.flags[id]
	if !ok {
		return nil, flagNotFound(id)
	}
	return f.Clone(), nil
}

func (m *MemoryStore) ListFlags(_ context.Context, sessionID string) ([]*models.Flag, error) {
	return m.selectFlags(func(f *models.Flag) bool { return f.SessionID == sessionID }), nil
}

func (m *MemoryStore) PendingFlags(_ context.Context) ([]*models.Flag, error) {
	return m.selectFlags(func(f *models.Flag) bool { return f.Open() }), nil
}

func (m *MemoryStore) selectFlags(keep func(*models.Flag) bool) []*models.Flag {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Flag
	for _, f := range m.flags {
		if keep(f) {
			out = append(out, f.Clone())
		}
	}
	sortFlags(out)
	return out
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
