// Package transcript provides the core.Transcript implementations agent turns
// run against: storage-backed session transcripts, in-memory scratch
// transcripts for delegated callees, and buffers that defer appends so
// concurrent work can be folded back in a fixed order.
package transcript

import (
	"context"
	"sync"

	"github.com/hupe1980/agentcoord/core"
)

// Options configure a session transcript.
type Options struct {
	// UnitID is stamped on SessionUpdated events.
	UnitID string
	// Lock serializes appends. Units sharing a session must share the lock
	// so the history they produce is a valid serialization.
	Lock sync.Locker
	// Events receives a SessionUpdated event per append.
	Events core.EventSink
}

// Session is a transcript backed by core.Storage.
type Session struct {
	store     core.Storage
	sessionID string
	opts      Options

	mu     sync.RWMutex
	sealed bool
}

var _ core.Transcript = (*Session)(nil)

// NewSession creates a transcript over the stored session sessionID.
func NewSession(store core.Storage, sessionID string, optFns ...func(o *Options)) *Session {
	opts := Options{
		Events: core.Discard,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Lock == nil {
		opts.Lock = &sync.Mutex{}
	}
	if opts.Events == nil {
		opts.Events = core.Discard
	}

	return &Session{store: store, sessionID: sessionID, opts: opts}
}

// SessionID implements core.Transcript.
func (s *Session) SessionID() string { return s.sessionID }

// Messages implements core.Transcript.
func (s *Session) Messages(ctx context.Context) ([]core.Message, error) {
	return s.store.ReadHistory(ctx, s.sessionID, core.AllHistory)
}

// Append implements core.Transcript. Appends are refused once ctx is done or
// the transcript is sealed, so a cancelled unit never writes late history.
// The SessionUpdated event is emitted after the lock is released; consumers
// order events by the message sequence number.
func (s *Session) Append(ctx context.Context, msg core.Message) (core.Message, error) {
	stored, err := s.append(ctx, msg)
	if err != nil {
		return core.Message{}, err
	}

	s.opts.Events.Emit(core.NewSessionUpdatedEvent(s.sessionID, s.opts.UnitID, stored))
	return stored, nil
}

func (s *Session) append(ctx context.Context, msg core.Message) (core.Message, error) {
	s.opts.Lock.Lock()
	defer s.opts.Lock.Unlock()

	if err := s.writable(ctx); err != nil {
		return core.Message{}, err
	}
	return s.store.AppendMessage(ctx, s.sessionID, msg)
}

func (s *Session) writable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return core.NewError(core.KindCancelled, "transcript.append", "unit is no longer running", context.Cause(ctx))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sealed {
		return core.Errorf(core.KindCancelled, "transcript.append", "transcript is sealed")
	}
	return nil
}

// Seal makes every later Append fail. It waits for an in-flight append.
func (s *Session) Seal() {
	s.opts.Lock.Lock()
	defer s.opts.Lock.Unlock()
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

// State implements core.Transcript.
func (s *Session) State() core.StateAccessor {
	return &storedState{store: s.store, sessionID: s.sessionID}
}

type storedState struct {
	store     core.Storage
	sessionID string
}

func (st *storedState) Get(key string) (any, bool) {
	sess, err := st.store.LoadSession(context.Background(), st.sessionID)
	if err != nil {
		return nil, false
	}
	return sess.GetState(key)
}

func (st *storedState) Set(ctx context.Context, key string, value any) error {
	return st.store.ApplyStateDelta(ctx, st.sessionID, map[string]any{key: value})
}

func (st *storedState) Snapshot(ctx context.Context) (map[string]any, error) {
	return Snapshot(ctx, st.store, st.sessionID)
}

// Snapshot returns a copy of the session state, used to render prompts.
func Snapshot(ctx context.Context, store core.Storage, sessionID string) (map[string]any, error) {
	sess, err := store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.StateSnapshot(), nil
}

// StateSnapshot returns a copy of the state behind tr. Accessors that cannot
// enumerate their keys yield an empty map.
func StateSnapshot(ctx context.Context, tr core.Transcript) (map[string]any, error) {
	st := tr.State()
	if st == nil {
		return map[string]any{}, nil
	}
	if s, ok := st.(interface {
		Snapshot(ctx context.Context) (map[string]any, error)
	}); ok {
		return s.Snapshot(ctx)
	}
	return map[string]any{}, nil
}

// Scratch is an in-memory transcript. Nothing appended to it reaches the
// session history.
type Scratch struct {
	sess  *core.Session
	state core.StateAccessor
}

var _ core.Transcript = (*Scratch)(nil)

// NewScratch creates an empty scratch transcript. state may be nil.
func NewScratch(sessionID string, state core.StateAccessor) *Scratch {
	return &Scratch{sess: core.NewSession(sessionID), state: state}
}

// SessionID implements core.Transcript.
func (s *Scratch) SessionID() string { return s.sess.ID }

// Messages implements core.Transcript.
func (s *Scratch) Messages(context.Context) ([]core.Message, error) {
	return s.sess.Messages(core.AllHistory), nil
}

// Append implements core.Transcript.
func (s *Scratch) Append(ctx context.Context, msg core.Message) (core.Message, error) {
	if err := ctx.Err(); err != nil {
		return core.Message{}, context.Cause(ctx)
	}
	return s.sess.Append(msg), nil
}

// State implements core.Transcript.
func (s *Scratch) State() core.StateAccessor { return s.state }

// Buffer defers appends to a parent transcript until Flush. Reads see the
// parent only.
type Buffer struct {
	parent core.Transcript

	mu      sync.Mutex
	pending []core.Message
}

var _ core.Transcript = (*Buffer)(nil)

// NewBuffer creates a buffer over parent.
func NewBuffer(parent core.Transcript) *Buffer {
	return &Buffer{parent: parent}
}

// SessionID implements core.Transcript.
func (b *Buffer) SessionID() string { return b.parent.SessionID() }

// Messages implements core.Transcript.
func (b *Buffer) Messages(ctx context.Context) ([]core.Message, error) {
	return b.parent.Messages(ctx)
}

// Append implements core.Transcript. The returned message has no sequence
// number yet.
func (b *Buffer) Append(ctx context.Context, msg core.Message) (core.Message, error) {
	if err := ctx.Err(); err != nil {
		return core.Message{}, context.Cause(ctx)
	}
	m := msg.Clone()
	if m.ID == "" {
		m.ID = core.NewID()
	}
	b.mu.Lock()
	b.pending = append(b.pending, m)
	b.mu.Unlock()
	return m, nil
}

// State implements core.Transcript.
func (b *Buffer) State() core.StateAccessor { return b.parent.State() }

// Pending returns the buffered messages in append order.
func (b *Buffer) Pending() []core.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.Message(nil), b.pending...)
}

// Flush appends the buffered messages to the parent in order and clears the
// buffer. On failure the remaining messages stay buffered.
func (b *Buffer) Flush(ctx context.Context) ([]core.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]core.Message, 0, len(b.pending))
	for len(b.pending) > 0 {
		stored, err := b.parent.Append(ctx, b.pending[0])
		if err != nil {
			return out, err
		}
		out = append(out, stored)
		b.pending = b.pending[1:]
	}
	return out, nil
}
