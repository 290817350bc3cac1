package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/effective-security/mcpagent/trace"
)

type memorySession struct {
	info  SessionInfo
	turns trace.Trace
}

type inMemory struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	maxTurns int
}

// NewMemoryStore returns a store keeping the history in memory.
// If maxTurns is positive, only the newest maxTurns turns are kept.
func NewMemoryStore(maxTurns int) Manager {
	return &inMemory{maxTurns: maxTurns}
}

func (m *inMemory) Turns(_ context.Context, sessionID string) (trace.Trace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s := m.sessions[sessionID]; s != nil {
		return s.turns.Clone(), nil
	}
	return nil, nil
}

func (m *inMemory) Append(_ context.Context, sessionID string, turns ...trace.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		// create on first use
		m.sessions = make(map[string]*memorySession)
	}

	now := time.Now()
	s := m.sessions[sessionID]
	if s == nil {
		s = &memorySession{
			info: SessionInfo{ID: sessionID, CreatedAt: now},
		}
		m.sessions[sessionID] = s
	}
	s.turns = s.turns.Append(turns...)
	if m.maxTurns > 0 && len(s.turns) > m.maxTurns {
		s.turns = slices.Clone(s.turns[len(s.turns)-m.maxTurns:])
	}
	s.info.UpdatedAt = now
	s.info.Turns = len(s.turns)
	return nil
}

func (m *inMemory) Reset(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *inMemory) Info(_ context.Context, sessionID string) (*SessionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s := m.sessions[sessionID]; s != nil {
		info := s.info
		return &info, nil
	}
	return nil, nil
}

func (m *inMemory) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *inMemory) Cleanup(_ context.Context, olderThan time.Duration) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := uint32(0)
	cutoff := time.Now().Add(-olderThan)
	for id, s := range m.sessions {
		if s.info.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}
