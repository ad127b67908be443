package session

import (
	"context"
	"sort"
	"sync"

	"github.com/hupe1980/agentcoord/core"
)

// InMemoryStore is a volatile core.Storage keeping sessions in a process
// local map. It is safe for concurrent access. Returned sessions and messages
// are copies, so callers cannot mutate stored history.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*core.Session
	decisions map[string]map[core.PermissionKey]core.PermissionDecision
}

var _ core.Storage = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[string]*core.Session),
		decisions: make(map[string]map[core.PermissionKey]core.PermissionDecision),
	}
}

func (s *InMemoryStore) session(sessionID string) *core.Session {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[sessionID]; ok {
		return sess
	}
	sess = core.NewSession(sessionID)
	s.sessions[sessionID] = sess
	return sess
}

// AppendMessage implements core.Storage.
func (s *InMemoryStore) AppendMessage(ctx context.Context, sessionID string, msg core.Message) (core.Message, error) {
	if err := ctx.Err(); err != nil {
		return core.Message{}, err
	}
	return s.session(sessionID).Append(msg), nil
}

// ReadHistory implements core.Storage.
func (s *InMemoryStore) ReadHistory(ctx context.Context, sessionID string, r core.SeqRange) ([]core.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.session(sessionID).Messages(r), nil
}

// LoadSession implements core.Storage. The session is created lazily.
func (s *InMemoryStore) LoadSession(ctx context.Context, sessionID string) (*core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.session(sessionID).Clone(), nil
}

// ApplyStateDelta implements core.Storage.
func (s *InMemoryStore) ApplyStateDelta(ctx context.Context, sessionID string, delta map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.session(sessionID).ApplyStateDelta(delta)
	return nil
}

// PersistPermissionDecision implements core.Storage. A later decision for
// the same key replaces the earlier one.
func (s *InMemoryStore) PersistPermissionDecision(ctx context.Context, d core.PermissionDecision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.decisions[d.Request.SessionID]
	if !ok {
		m = make(map[core.PermissionKey]core.PermissionDecision)
		s.decisions[d.Request.SessionID] = m
	}
	m[d.Request.Key()] = d
	return nil
}

// PermissionDecisions returns the persisted decisions of a session.
func (s *InMemoryStore) PermissionDecisions(ctx context.Context, sessionID string) ([]core.PermissionDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.PermissionDecision, 0, len(s.decisions[sessionID]))
	for _, d := range s.decisions[sessionID] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DecidedAt.Before(out[j].DecidedAt) })
	return out, nil
}

// SessionIDs lists the known sessions in lexical order.
func (s *InMemoryStore) SessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Delete removes a session and its decisions.
func (s *InMemoryStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.decisions, sessionID)
}
