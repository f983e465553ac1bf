// Package store persists session transcripts and learning stats. Two
// implementations of session.Store: an in-memory store for tests and
// ephemeral runs, and a Postgres store for durable history.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/lumiedu/lumi-live/pkg/session"
)

// Memory is an in-process session.Store.
type Memory struct {
	mu       sync.Mutex
	messages []session.Message
	stats    *session.LearningStats
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory { return &Memory{} }

// LoadMessages implements session.Store.
func (m *Memory) LoadMessages(context.Context) ([]session.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.Message(nil), m.messages...), nil
}

// LoadStats implements session.Store.
func (m *Memory) LoadStats(context.Context) (session.LearningStats, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats == nil {
		return session.LearningStats{}, false, nil
	}
	return *m.stats, true, nil
}

// SaveMessage implements session.Store.
func (m *Memory) SaveMessage(_ context.Context, msg session.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

// UpdateMessage implements session.Store.
func (m *Memory) UpdateMessage(_ context.Context, msg session.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].ID == msg.ID {
			m.messages[i] = msg
			return nil
		}
	}
	return fmt.Errorf("message %s not found", msg.ID)
}

// SaveStats implements session.Store.
func (m *Memory) SaveStats(_ context.Context, stats session.LearningStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = &stats
	return nil
}
