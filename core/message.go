package core

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Role identifies the author class of a message.
type Role string

const (
	// RoleSystem marks instructions and coordinator-authored records.
	RoleSystem Role = "system"
	// RoleUser marks human (or delegating caller) input.
	RoleUser Role = "user"
	// RoleAssistant marks model output.
	RoleAssistant Role = "assistant"
	// RoleTool marks tool results answering an assistant tool call.
	RoleTool Role = "tool"
)

// Tier is the ordinal importance classification of a message. Higher values
// survive budget pressure longer.
type Tier int

const (
	// TierLow is acknowledgement or filler content.
	TierLow Tier = iota
	// TierMedium is ordinary conversational content.
	TierMedium
	// TierHigh is content stating errors or warnings.
	TierHigh
	// TierCritical is content that must never be dropped from a window.
	TierCritical
)

// String returns the lower-case tier name.
func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	case TierCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Metadata keys set by the runtime on messages it synthesizes.
const (
	MetaSummary      = "summary"
	MetaCoveredFrom  = "summary_covered_from"
	MetaCoveredTo    = "summary_covered_to"
	MetaDelegation   = "delegation"
	MetaFailureKind  = "failure_kind"
	MetaContextKey   = "context_key"
	MetaSeedSource   = "seed_source"
	DelegationTask   = "task"
	DelegationResult = "result"
)

// ToolCall is a model request to invoke a named tool with JSON arguments.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is a single entry in a session history. Once appended it is never
// mutated; Seq is assigned by storage and is strictly increasing per session.
//
// Importance is deliberately absent: it is derived by the importance package
// on every evaluation and never stored as truth.
type Message struct {
	ID            string            `json:"id"`
	Seq           int64             `json:"seq"`
	Role          Role              `json:"role"`
	Content       string            `json:"content"`
	OriginAgent   string            `json:"origin_agent,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Pinned        bool              `json:"pinned,omitempty"`
	TokenEstimate int               `json:"token_estimate,omitempty"`
	ToolCalls     []ToolCall        `json:"tool_calls,omitempty"`
	ToolCallID    string            `json:"tool_call_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewMessage creates an unsequenced message with a fresh id.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        NewID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// NewID returns a random unique identifier.
func NewID() string { return uuid.NewString() }

// Clone returns a copy that shares no slices or maps with m.
func (m Message) Clone() Message {
	c := m
	if m.ToolCalls != nil {
		c.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// WithMeta returns a copy of m with key set to value in its metadata.
func (m Message) WithMeta(key, value string) Message {
	c := m.Clone()
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	c.Metadata[key] = value
	return c
}

// Meta returns the metadata value for key.
func (m Message) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// IsSummary reports whether the message was synthesized by the context manager.
func (m Message) IsSummary() bool { return m.Meta(MetaSummary) == "true" }

// NormalizedContent folds case and collapses whitespace runs so equal content
// compares equal regardless of formatting.
func (m Message) NormalizedContent() string {
	return NormalizeText(m.Content)
}

// NormalizeText folds case and collapses whitespace runs into single spaces.
func NormalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// SeqRange is an inclusive range of session sequence numbers. A zero To means
// "through the end of history".
type SeqRange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// AllHistory selects every message in a session.
var AllHistory = SeqRange{From: 1}

// Contains reports whether seq falls within r.
func (r SeqRange) Contains(seq int64) bool {
	if seq < r.From {
		return false
	}
	return r.To == 0 || seq <= r.To
}
