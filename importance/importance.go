// Package importance classifies messages into ordinal importance tiers used
// by the context manager to decide what survives budget pressure.
//
// Scoring is a heuristic over role and content, not ground truth. Rules are
// applied in priority order:
//
//  1. pinned messages are Critical
//  2. system messages are Critical
//  3. decision and constraint markers are Critical
//  4. error and warning markers are High
//  5. short acknowledgements and filler phrases are Low
//  6. everything else is Medium
package importance

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hupe1980/agentcoord/core"
)

// DefaultDecisionMarkers match explicit choices and irreversible constraints.
var DefaultDecisionMarkers = []string{
	`\bwe (?:have )?decided\b`,
	`\bi (?:have )?decided\b`,
	`\bdecision\s*:`,
	`\bgoing (?:forward )?with\b`,
	`\bwe(?:'ll| will) use\b`,
	`\bagreed (?:to|on)\b`,
	`\bmust(?:n't| not)?\b`,
	`\bnever\b`,
	`\balways\b`,
	`\bdo not\b`,
	`\bdon't\b`,
	`\birreversible\b`,
	`\brequirement\s*:`,
	`\bconstraint\s*:`,
}

// DefaultAlertMarkers match stated errors and warnings.
var DefaultAlertMarkers = []string{
	`\berror\b`,
	`\berrors\b`,
	`\bfailed\b`,
	`\bfailure\b`,
	`\bexception\b`,
	`\bpanic\b`,
	`\bwarning\b`,
	`\bcaution\b`,
	`\bfatal\b`,
	`\btraceback\b`,
}

// DefaultFiller is the closed set of acknowledgement phrases scored Low.
var DefaultFiller = []string{
	"ok", "okay", "ok thanks", "ok thank you", "okay thanks", "thanks", "thank you",
	"thx", "ty", "got it", "sure", "yes", "yep", "yeah", "no", "nope", "cool", "great",
	"nice", "sounds good", "perfect", "alright", "k", "np", "no problem", "understood",
}

// DefaultShortThreshold is the rune length below which trimmed content is
// treated as an acknowledgement.
const DefaultShortThreshold = 16

// Options configure a Scorer.
type Options struct {
	DecisionMarkers []string
	AlertMarkers    []string
	Filler          []string
	ShortThreshold  int
}

// Scorer assigns tiers to messages. It is immutable after construction and
// safe for concurrent use.
type Scorer struct {
	decision       *regexp.Regexp
	alert          *regexp.Regexp
	filler         map[string]struct{}
	shortThreshold int
}

// New compiles a scorer. Marker patterns are case-insensitive regular
// expressions; an invalid pattern panics since marker sets are program data.
func New(optFns ...func(o *Options)) *Scorer {
	opts := Options{
		DecisionMarkers: DefaultDecisionMarkers,
		AlertMarkers:    DefaultAlertMarkers,
		Filler:          DefaultFiller,
		ShortThreshold:  DefaultShortThreshold,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	s := &Scorer{
		decision:       compile(opts.DecisionMarkers),
		alert:          compile(opts.AlertMarkers),
		filler:         make(map[string]struct{}, len(opts.Filler)),
		shortThreshold: opts.ShortThreshold,
	}
	for _, f := range opts.Filler {
		s.filler[core.NormalizeText(f)] = struct{}{}
	}

	return s
}

func compile(patterns []string) *regexp.Regexp {
	if len(patterns) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)(?:` + strings.Join(patterns, `|`) + `)`)
}

// Score returns the tier of msg.
func (s *Scorer) Score(msg core.Message) core.Tier {
	if msg.Pinned || msg.Role == core.RoleSystem {
		return core.TierCritical
	}

	content := strings.TrimSpace(msg.Content)
	if s.decision != nil && s.decision.MatchString(content) {
		return core.TierCritical
	}
	if s.alert != nil && s.alert.MatchString(content) {
		return core.TierHigh
	}
	if s.isFiller(content) {
		return core.TierLow
	}

	return core.TierMedium
}

func (s *Scorer) isFiller(content string) bool {
	norm := strings.TrimRight(core.NormalizeText(content), ".!?,; ")
	if _, ok := s.filler[norm]; ok {
		return true
	}
	return utf8.RuneCountInString(content) < s.shortThreshold
}

var defaultScorer = New()

// Default returns the package-level scorer using the default marker sets.
func Default() *Scorer { return defaultScorer }

// Score classifies msg with the default scorer.
func Score(msg core.Message) core.Tier { return defaultScorer.Score(msg) }
