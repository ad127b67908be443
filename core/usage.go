package core

import "sync"

// UsageMeter accumulates token usage across the model calls of one turn and
// enforces an optional ceiling on the number of calls. It is safe for
// concurrent use.
type UsageMeter struct {
	maxCalls int
	calls    int
	usage    TokenUsage
	mu       sync.Mutex
}

// NewUsageMeter creates a meter allowing at most maxCalls model calls.
// If maxCalls == 0, unlimited calls are allowed.
func NewUsageMeter(maxCalls int) *UsageMeter {
	return &UsageMeter{maxCalls: maxCalls}
}

// BeginCall reserves one model call and fails once the ceiling is reached.
func (m *UsageMeter) BeginCall() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxCalls > 0 && m.calls >= m.maxCalls {
		return ErrStepLimit
	}
	m.calls++

	return nil
}

// Record adds usage reported by a provider or a nested delegation.
func (m *UsageMeter) Record(u TokenUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.usage = m.usage.Add(u)
}

// Calls returns the number of model calls reserved so far.
func (m *UsageMeter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls
}

// Usage returns the accumulated token usage.
func (m *UsageMeter) Usage() TokenUsage {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.usage
}

// Remaining returns how many calls are left, or -1 when unlimited.
func (m *UsageMeter) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxCalls == 0 {
		return -1
	}

	return m.maxCalls - m.calls
}
