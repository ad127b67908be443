package window

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/importance"
	"github.com/hupe1980/agentcoord/logging"
	"github.com/hupe1980/agentcoord/memory"
	"github.com/hupe1980/agentcoord/telemetry"
)

// Options configure a Manager.
type Options struct {
	// Scorer classifies messages. Defaults to importance.Default().
	Scorer *importance.Scorer
	// Estimator counts tokens. Defaults to EstimateTokens.
	Estimator TokenEstimator
	// Summarizer condenses overflowed history. When nil, or when it fails,
	// an extractive summary is used instead.
	Summarizer core.Summarizer
	// Cache stores summaries per session. Defaults to a private cache.
	Cache *memory.SummaryCache
	// SummaryReserveRatio is the share of the non-mandatory budget set aside
	// for the overflow summary.
	SummaryReserveRatio float64
	// MaxSummaryTokens caps the summary reserve.
	MaxSummaryTokens int
	Logger           logging.Logger
	Metrics          *telemetry.Metrics
}

// Manager builds context windows. It is safe for concurrent use.
type Manager struct {
	scorer       *importance.Scorer
	estimate     TokenEstimator
	summarizer   core.Summarizer
	cache        *memory.SummaryCache
	reserveRatio float64
	maxSummary   int
	logger       logging.Logger
	metrics      *telemetry.Metrics
}

// New creates a Manager.
func New(optFns ...func(o *Options)) *Manager {
	opts := Options{
		Scorer:              importance.Default(),
		Estimator:           EstimateTokens,
		SummaryReserveRatio: 0.2,
		MaxSummaryTokens:    512,
		Logger:              logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Cache == nil {
		opts.Cache = memory.NewSummaryCache()
	}

	return &Manager{
		scorer:       opts.Scorer,
		estimate:     opts.Estimator,
		summarizer:   opts.Summarizer,
		cache:        opts.Cache,
		reserveRatio: opts.SummaryReserveRatio,
		maxSummary:   opts.MaxSummaryTokens,
		logger:       logging.OrNoOp(opts.Logger),
		metrics:      opts.Metrics,
	}
}

// Cache returns the summary cache backing this manager.
func (m *Manager) Cache() *memory.SummaryCache { return m.cache }

// Estimate returns the token estimate of text under this manager's estimator.
func (m *Manager) Estimate(text string) int { return m.estimate(text) }

// Input is the raw material of a window build.
type Input struct {
	SessionID    string
	SystemPrompt string
	History      []core.Message
	Budget       int
	// Task, when set, enables the relevance pass over Medium and Low content.
	Task string
}

// BuildWindow builds the window for desc over the full session history.
func (m *Manager) BuildWindow(ctx context.Context, sess *core.Session, desc core.AgentDescriptor, task string) (core.ContextWindow, error) {
	return m.Build(ctx, Input{
		SessionID:    sess.ID,
		SystemPrompt: desc.SystemPrompt,
		History:      sess.Messages(core.AllHistory),
		Budget:       desc.ContextWindowBudget,
		Task:         task,
	})
}

type candidate struct {
	msg       core.Message
	tier      core.Tier
	tokens    int
	relevance float64
}

// Build constructs a window from in. It fails with core.ErrBudgetExceeded
// only when the system prompt and Critical content alone overflow the budget.
func (m *Manager) Build(ctx context.Context, in Input) (core.ContextWindow, error) {
	if in.Budget <= 0 {
		return core.ContextWindow{}, core.Errorf(core.KindConfiguration, "window.build", "context budget must be positive, got %d", in.Budget)
	}

	estimate := m.estimate
	sysTokens := estimate(in.SystemPrompt)
	if sysTokens > in.Budget {
		return core.ContextWindow{}, core.Wrap(core.ErrBudgetExceeded, "window.build",
			fmt.Errorf("system prompt needs %d tokens, budget is %d", sysTokens, in.Budget))
	}

	var (
		mandatory []candidate
		rest      []candidate
		used      = sysTokens
		seen      = map[string]struct{}{}
	)
	for _, msg := range in.History {
		c := candidate{msg: msg.Clone(), tier: m.scorer.Score(msg), tokens: estimate(msg.Content)}
		c.msg.TokenEstimate = c.tokens
		if c.tier == core.TierCritical {
			mandatory = append(mandatory, c)
			used += c.tokens
			seen[msg.NormalizedContent()] = struct{}{}
			continue
		}
		rest = append(rest, c)
	}
	if used > in.Budget {
		return core.ContextWindow{}, core.Wrap(core.ErrBudgetExceeded, "window.build",
			fmt.Errorf("mandatory content needs %d tokens, budget is %d", used, in.Budget))
	}

	// Newest first so the most recent occurrence of duplicated content wins.
	deduped := make([]candidate, 0, len(rest))
	for i := len(rest) - 1; i >= 0; i-- {
		key := rest[i].msg.NormalizedContent()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, rest[i])
	}

	taskWords := keywords(in.Task)
	if len(taskWords) > 0 {
		for i := range deduped {
			if deduped[i].tier <= core.TierMedium {
				deduped[i].relevance = relevance(taskWords, deduped[i].msg.Content)
			}
		}
	}
	sort.SliceStable(deduped, func(i, j int) bool {
		a, b := deduped[i], deduped[j]
		if a.tier != b.tier {
			return a.tier > b.tier
		}
		if a.relevance != b.relevance {
			return a.relevance > b.relevance
		}
		return a.msg.Seq > b.msg.Seq
	})

	available := in.Budget - used
	selected, overflow, fill := selectFit(deduped, available)

	var insertion *core.SummaryInsertion
	var summaryMsg core.Message
	if len(overflow) > 0 {
		reserve := m.reserve(available)
		selected, overflow, fill = selectFit(deduped, available-reserve)
		if len(overflow) > 0 {
			room := available - fill
			text, cached := m.summarize(ctx, in.SessionID, overflow)
			text = fitText(estimate, text, room)
			if text != "" {
				covered := core.SeqRange{From: overflow[0].Seq, To: overflow[len(overflow)-1].Seq}
				summaryMsg = core.Message{
					ID:            "summary-" + in.SessionID + "-" + strconv.FormatInt(covered.From, 10) + "-" + strconv.FormatInt(covered.To, 10),
					Seq:           covered.From,
					Role:          core.RoleSystem,
					Content:       text,
					TokenEstimate: estimate(text),
					Metadata: map[string]string{
						core.MetaSummary:     "true",
						core.MetaCoveredFrom: strconv.FormatInt(covered.From, 10),
						core.MetaCoveredTo:   strconv.FormatInt(covered.To, 10),
					},
				}
				insertion = &core.SummaryInsertion{Covered: covered, Text: text, Cached: cached}
			} else {
				m.logger.Warn("window.summary.no_room", "session_id", in.SessionID, "dropped", len(overflow))
			}
		}
	}

	w := core.ContextWindow{SystemPrompt: in.SystemPrompt, Budget: in.Budget}
	msgs := make([]core.Message, 0, len(mandatory)+len(selected)+1)
	for _, c := range mandatory {
		msgs = append(msgs, c.msg)
	}
	for _, c := range selected {
		msgs = append(msgs, c.msg)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
	if insertion != nil {
		pos := sort.Search(len(msgs), func(i int) bool { return msgs[i].Seq >= summaryMsg.Seq })
		msgs = append(msgs, core.Message{})
		copy(msgs[pos+1:], msgs[pos:])
		msgs[pos] = summaryMsg
		w.SummaryInsertions = []core.SummaryInsertion{*insertion}
	}
	w.Messages = msgs
	w.EstimatedTokens = sysTokens
	for _, msg := range msgs {
		w.EstimatedTokens += msg.TokenEstimate
	}

	m.metrics.ObserveWindow(w.EstimatedTokens)
	m.logger.Debug("window.built",
		"session_id", in.SessionID,
		"budget", in.Budget,
		"tokens", w.EstimatedTokens,
		"messages", len(msgs),
		"history", len(in.History),
		"summarized", insertion != nil,
	)

	return w, nil
}

// selectFit greedily takes candidates in priority order while they fit.
// It returns the selected candidates, the overflowed High and Medium
// messages in chronological order, and the tokens used.
func selectFit(order []candidate, available int) ([]candidate, []core.Message, int) {
	var (
		selected []candidate
		overflow []core.Message
		fill     int
	)
	for _, c := range order {
		if fill+c.tokens <= available {
			selected = append(selected, c)
			fill += c.tokens
			continue
		}
		if c.tier >= core.TierMedium {
			overflow = append(overflow, c.msg)
		}
	}
	sort.Slice(overflow, func(i, j int) bool { return overflow[i].Seq < overflow[j].Seq })
	return selected, overflow, fill
}

func (m *Manager) reserve(available int) int {
	r := int(float64(available) * m.reserveRatio)
	if m.maxSummary > 0 && r > m.maxSummary {
		r = m.maxSummary
	}
	if r < 1 && available > 0 {
		r = 1
	}
	return r
}

// summarize returns the summary of msgs, from cache when the exact range and
// content were summarized before.
func (m *Manager) summarize(ctx context.Context, sessionID string, msgs []core.Message) (string, bool) {
	covered := core.SeqRange{From: msgs[0].Seq, To: msgs[len(msgs)-1].Seq}
	fp := memory.Fingerprint(msgs)

	if e, ok := m.cache.Get(sessionID, covered, fp); ok {
		m.metrics.RecordSummary("cache")
		return e.Text, true
	}

	if m.summarizer != nil {
		text, err := m.summarizer.Summarize(ctx, msgs)
		if err == nil && strings.TrimSpace(text) != "" {
			m.cache.Put(sessionID, memory.SummaryEntry{Covered: covered, Fingerprint: fp, Text: text})
			m.metrics.RecordSummary("generated")
			return text, false
		}
		m.logger.Warn("window.summary.failed", "session_id", sessionID, "error", errString(err))
	}

	m.metrics.RecordSummary("extractive")
	return ExtractiveSummary(msgs), false
}

// ExtractiveSummary condenses msgs without a model call by keeping the first
// line of each message.
func ExtractiveSummary(msgs []core.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summary of %d earlier messages:", len(msgs))
	for _, msg := range msgs {
		line := strings.TrimSpace(msg.Content)
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		if utf8.RuneCountInString(line) > 120 {
			line = string([]rune(line)[:120]) + "..."
		}
		who := string(msg.Role)
		if msg.OriginAgent != "" {
			who = msg.OriginAgent
		}
		fmt.Fprintf(&b, "\n- %s: %s", who, line)
	}
	return b.String()
}

// fitText trims text until its estimate fits within max tokens.
func fitText(estimate TokenEstimator, text string, max int) string {
	if max <= 0 {
		return ""
	}
	if estimate(text) <= max {
		return text
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if estimate(string(runes[:mid])+"...") <= max {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 {
		return ""
	}
	return string(runes[:lo]) + "..."
}

func errString(err error) string {
	if err == nil {
		return "empty summary"
	}
	return err.Error()
}
