package core

// SummaryInsertion records a synthesized summary standing in for a contiguous
// range of history that did not fit the budget.
type SummaryInsertion struct {
	Covered SeqRange `json:"covered_range"`
	Text    string   `json:"summary_text"`
	Cached  bool     `json:"cached,omitempty"`
}

// ContextWindow is the turn-scoped view of a session sent to a provider. It
// is recomputed every turn and never persisted.
type ContextWindow struct {
	SystemPrompt      string             `json:"system_prompt"`
	Messages          []Message          `json:"messages"`
	EstimatedTokens   int                `json:"estimated_tokens"`
	Budget            int                `json:"budget"`
	SummaryInsertions []SummaryInsertion `json:"summary_insertions,omitempty"`
}

// Contains reports whether a message with the given id is in the window.
func (w ContextWindow) Contains(id string) bool {
	for _, m := range w.Messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// IDs returns the ids of the window messages in order.
func (w ContextWindow) IDs() []string {
	out := make([]string, len(w.Messages))
	for i, m := range w.Messages {
		out[i] = m.ID
	}
	return out
}
