package workspace

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agentcoord/core"
)

// ErrNotFound is returned when no entry exists for a session and name.
var ErrNotFound = &core.Error{Kind: core.KindNotFound, Summary: "workspace entry not found"}

// Entry is a stored workspace entry.
type Entry struct {
	Name      string
	Data      []byte
	Author    string
	UpdatedAt time.Time
}

// Options configure a Store.
type Options struct {
	// PreviewChars bounds the preview of each entry in a summary. Defaults
	// to 160.
	PreviewChars int
	// MaxEntries bounds the number of entries listed in a summary, most
	// recently updated first. Zero lists all.
	MaxEntries int
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Store holds workspace entries keyed by session and name.
//
// Layout: sessionID -> name -> entry
type Store struct {
	opts    Options
	mu      sync.RWMutex
	entries map[string]map[string]Entry
}

// New returns an empty store.
func New(optFns ...func(o *Options)) *Store {
	opts := Options{PreviewChars: 160, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{opts: opts, entries: make(map[string]map[string]Entry)}
}

// Save stores or overwrites the entry name of the session. data is copied.
func (s *Store) Save(sessionID, name, author string, data []byte) error {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(name) == "" {
		return core.Errorf(core.KindConfiguration, "workspace.save", "session id and entry name are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.entries[sessionID]
	if !ok {
		m = make(map[string]Entry)
		s.entries[sessionID] = m
	}
	m[name] = Entry{Name: name, Data: clone(data), Author: author, UpdatedAt: s.opts.Now()}
	return nil
}

// Get returns a copy of the entry or ErrNotFound.
func (s *Store) Get(sessionID, name string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[sessionID][name]
	if !ok {
		return Entry{}, core.Wrap(ErrNotFound, "workspace.get", fmt.Errorf("%s/%s", sessionID, name))
	}
	e.Data = clone(e.Data)
	return e, nil
}

// List returns the entry names of the session, sorted.
func (s *Store) List(sessionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.entries[sessionID]))
	for name := range s.entries[sessionID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Delete removes the entry or returns ErrNotFound.
func (s *Store) Delete(sessionID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.entries[sessionID]
	if _, ok := m[name]; !ok {
		return core.Wrap(ErrNotFound, "workspace.delete", fmt.Errorf("%s/%s", sessionID, name))
	}
	delete(m, name)
	if len(m) == 0 {
		delete(s.entries, sessionID)
	}
	return nil
}

// Drop forgets every entry of the session.
func (s *Store) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
}

// Summary renders the session's entries, most recently updated first, one
// line per entry followed by a preview of its first line. An empty session
// yields "".
func (s *Store) Summary(ctx context.Context, sessionID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	entries := make([]Entry, 0, len(s.entries[sessionID]))
	for _, e := range s.entries[sessionID] {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	if len(entries) == 0 {
		return "", nil
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
		}
		return entries[i].Name < entries[j].Name
	})

	total := len(entries)
	if s.opts.MaxEntries > 0 && total > s.opts.MaxEntries {
		entries = entries[:s.opts.MaxEntries]
	}

	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s (%d bytes", e.Name, len(e.Data))
		if e.Author != "" {
			fmt.Fprintf(&b, ", by %s", e.Author)
		}
		b.WriteByte(')')
		if p := preview(e.Data, s.opts.PreviewChars); p != "" {
			b.WriteString(": ")
			b.WriteString(p)
		}
	}
	if omitted := total - len(entries); omitted > 0 {
		fmt.Fprintf(&b, "\n(%d more entries)", omitted)
	}
	return b.String(), nil
}

func preview(data []byte, limit int) string {
	text := strings.TrimSpace(string(data))
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = strings.TrimSpace(text[:i]) + " ..."
	}
	if limit > 0 {
		if r := []rune(text); len(r) > limit {
			text = string(r[:limit]) + "..."
		}
	}
	return text
}

func clone(data []byte) []byte {
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp
}
