package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentcoord/core"
)

// SummaryEntry is a cached summary of a contiguous history range.
type SummaryEntry struct {
	Covered     core.SeqRange
	Fingerprint string
	Text        string
	CreatedAt   time.Time
}

// sessionShard isolates one session's entries so writers in one session never
// block readers in another.
type sessionShard struct {
	mu      sync.RWMutex
	entries map[string]SummaryEntry
	latest  *SummaryEntry
}

// SummaryCache is a per-session summary store keyed by covered range and a
// fingerprint of the covered content.
//
// Concurrency: the shard map is guarded by an RWMutex and each shard carries
// its own RWMutex, giving concurrent reads with exclusive writes per session.
type SummaryCache struct {
	mu     sync.RWMutex
	shards map[string]*sessionShard
}

// NewSummaryCache creates an empty cache.
func NewSummaryCache() *SummaryCache {
	return &SummaryCache{shards: make(map[string]*sessionShard)}
}

func (c *SummaryCache) shard(sessionID string, create bool) *sessionShard {
	c.mu.RLock()
	sh, ok := c.shards[sessionID]
	c.mu.RUnlock()
	if ok || !create {
		return sh
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if sh, ok = c.shards[sessionID]; ok {
		return sh
	}
	sh = &sessionShard{entries: make(map[string]SummaryEntry)}
	c.shards[sessionID] = sh
	return sh
}

// Get returns the cached summary for the range and fingerprint.
func (c *SummaryCache) Get(sessionID string, covered core.SeqRange, fingerprint string) (SummaryEntry, bool) {
	sh := c.shard(sessionID, false)
	if sh == nil {
		return SummaryEntry{}, false
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[entryKey(covered, fingerprint)]
	return e, ok
}

// Put records a summary and marks it as the session's running summary.
func (c *SummaryCache) Put(sessionID string, entry SummaryEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	sh := c.shard(sessionID, true)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.entries[entryKey(entry.Covered, entry.Fingerprint)] = entry
	if sh.latest == nil || entry.Covered.To >= sh.latest.Covered.To {
		e := entry
		sh.latest = &e
	}
}

// Latest returns the summary covering the furthest point of the session's
// history, used as the running summary for delegation.
func (c *SummaryCache) Latest(sessionID string) (SummaryEntry, bool) {
	sh := c.shard(sessionID, false)
	if sh == nil {
		return SummaryEntry{}, false
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if sh.latest == nil {
		return SummaryEntry{}, false
	}
	return *sh.latest, true
}

// Len returns the number of cached entries for a session.
func (c *SummaryCache) Len(sessionID string) int {
	sh := c.shard(sessionID, false)
	if sh == nil {
		return 0
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.entries)
}

// Drop discards every entry of a session. It is called when the session ends.
func (c *SummaryCache) Drop(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.shards, sessionID)
}

func entryKey(r core.SeqRange, fingerprint string) string {
	return fmt.Sprintf("%d-%d:%s", r.From, r.To, fingerprint)
}

// Fingerprint hashes the ids and normalized content of msgs so a cached
// summary is only reused for the exact same covered messages.
func Fingerprint(msgs []core.Message) string {
	h := sha256.New()
	for _, m := range msgs {
		h.Write([]byte(m.ID))
		h.Write([]byte{0})
		h.Write([]byte(m.NormalizedContent()))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
