// Package inmem provides an in-memory implementation of eventlog.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (for example features/eventlog/mongo).
package inmem

import (
	"context"
	"errors"
	"sync"

	"rvbbit.dev/rvbbit/runtime/cascade/eventlog"
)

// Store implements eventlog.Store in memory. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	rows     []*eventlog.Row
	states   []*eventlog.StateRow
	sessions map[string]*eventlog.SessionRow
}

// New returns an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]*eventlog.SessionRow)}
}

// AppendRow implements eventlog.Store.
func (s *Store) AppendRow(_ context.Context, row *eventlog.Row) error {
	if row == nil {
		return errors.New("row is required")
	}
	if row.SessionID == "" {
		return errors.New("session_id is required")
	}
	cp := *row
	s.mu.Lock()
	s.rows = append(s.rows, &cp)
	s.mu.Unlock()
	return nil
}

// AppendState implements eventlog.Store.
func (s *Store) AppendState(_ context.Context, row *eventlog.StateRow) error {
	if row == nil {
		return errors.New("state row is required")
	}
	cp := *row
	s.mu.Lock()
	s.states = append(s.states, &cp)
	s.mu.Unlock()
	return nil
}

// AppendSession implements eventlog.Store.
func (s *Store) AppendSession(_ context.Context, row *eventlog.SessionRow) error {
	if row == nil {
		return errors.New("session row is required")
	}
	cp := *row
	s.mu.Lock()
	s.sessions[row.SessionID] = &cp
	s.mu.Unlock()
	return nil
}

// ListRows implements eventlog.Store.
func (s *Store) ListRows(_ context.Context, f eventlog.Filter) ([]*eventlog.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*eventlog.Row
	for _, r := range s.rows {
		if !f.Matches(r) {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// LatestState implements eventlog.Store.
func (s *Store) LatestState(_ context.Context, sessionID, key string) (*eventlog.StateRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.states) - 1; i >= 0; i-- {
		r := s.states[i]
		if r.Key != key {
			continue
		}
		if sessionID != "" && r.SessionID != sessionID {
			continue
		}
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

// GetSession implements eventlog.Store.
func (s *Store) GetSession(_ context.Context, sessionID string) (*eventlog.SessionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}
