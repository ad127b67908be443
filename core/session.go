package core

import (
	"context"
	"sync"
	"time"
)

// Session is a conversational container holding an append-only, sequence
// ordered message history plus mutable key/value state. It is safe for
// concurrent access.
//
// Contract:
//   - Append assigns the next sequence number and never rewrites earlier entries
//   - Messages returns copies so callers cannot mutate history
//   - State mutations update the Updated timestamp
//   - Clone performs deep copies of maps and slices for safe divergence
type Session struct {
	ID           string         `json:"id"`
	AgentBinding string         `json:"agent_binding,omitempty"`
	ProjectID    string         `json:"project_id,omitempty"`
	History      []Message      `json:"history"`
	State        map[string]any `json:"state"`
	Created      time.Time      `json:"created"`
	Updated      time.Time      `json:"updated"`
	mu           sync.RWMutex
}

// NewSession creates an empty session with the given id.
func NewSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{ID: id, History: []Message{}, State: map[string]any{}, Created: now, Updated: now}
}

// GetState returns the value and existence flag for a state key.
func (s *Session) GetState(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.State[key]
	return v, ok
}

// SetState sets a key/value pair in session state.
func (s *Session) SetState(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State[key] = value
	s.Updated = time.Now().UTC()
}

// ApplyStateDelta merges the provided key/value pairs into State.
func (s *Session) ApplyStateDelta(delta map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range delta {
		s.State[k] = v
	}
	s.Updated = time.Now().UTC()
}

// StateSnapshot returns a shallow copy of the state map.
func (s *Session) StateSnapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.State))
	for k, v := range s.State {
		out[k] = v
	}
	return out
}

// Append stores a copy of msg with the next sequence number and returns it.
func (s *Session) Append(msg Message) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := msg.Clone()
	stored.Seq = s.lastSeqLocked() + 1
	if stored.ID == "" {
		stored.ID = NewID()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.History = append(s.History, stored)
	s.Updated = time.Now().UTC()
	return stored.Clone()
}

// LastSeq returns the sequence number of the newest message, or 0.
func (s *Session) LastSeq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeqLocked()
}

func (s *Session) lastSeqLocked() int64 {
	if len(s.History) == 0 {
		return 0
	}
	return s.History[len(s.History)-1].Seq
}

// Messages returns copies of the messages within r in sequence order.
func (s *Session) Messages(r SeqRange) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, len(s.History))
	for _, m := range s.History {
		if r.Contains(m.Seq) {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Clone returns a deep copy of the session safe for independent mutation.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := &Session{
		ID:           s.ID,
		AgentBinding: s.AgentBinding,
		ProjectID:    s.ProjectID,
		History:      make([]Message, len(s.History)),
		State:        make(map[string]any, len(s.State)),
		Created:      s.Created,
		Updated:      s.Updated,
	}
	for i, m := range s.History {
		clone.History[i] = m.Clone()
	}
	for k, v := range s.State {
		clone.State[k] = v
	}
	return clone
}

// Storage is the durable session collaborator. Implementations must be
// crash-consistent: a message is either fully appended and visible to later
// reads, or not appended at all.
type Storage interface {
	// AppendMessage stores msg, assigning the next sequence number, and
	// returns the stored copy.
	AppendMessage(ctx context.Context, sessionID string, msg Message) (Message, error)
	// ReadHistory returns the messages within r in sequence order.
	ReadHistory(ctx context.Context, sessionID string, r SeqRange) ([]Message, error)
	// LoadSession returns the session, creating an empty one when absent.
	LoadSession(ctx context.Context, sessionID string) (*Session, error)
	// ApplyStateDelta merges delta into the session state.
	ApplyStateDelta(ctx context.Context, sessionID string, delta map[string]any) error
	// PersistPermissionDecision records a cached permission decision.
	PersistPermissionDecision(ctx context.Context, decision PermissionDecision) error
}
