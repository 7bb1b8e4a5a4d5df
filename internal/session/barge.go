package session

import (
	"regexp"
	"strings"
	"time"

	"github.com/AroonSharma/woic-agent-server-sub000/internal/config"
)

// Explicit stop phrases always win: a user asking the assistant to stop is
// obeyed regardless of what is being spoken.
var stopPhraseRe = regexp.MustCompile(`(?i)\b(stop|pause|hold on|wait|quiet|silent|cancel|enough)\b`)

// Protected numeric patterns. Interrupting mid-number loses the number, so
// phone numbers, policy-like ids, currency amounts, percentages, and "call
// ...N..." instructions suppress barge-in while they are being spoken.
var protectedNumericRes = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}[-.\s]\d{3}[-.\s]\d{4}\b`),            // phone
	regexp.MustCompile(`\b1[-.\s]?8\d{2}[-.\s]\d{3}[-.\s]\d{4}\b`),   // toll-free
	regexp.MustCompile(`\b\d{2,}[-\s]\d{2,}[-\s]\d{2,}\b`),           // policy-like id
	regexp.MustCompile(`[$€£₹]\s?\d`),                                // currency symbol
	regexp.MustCompile(`(?i)\b\d[\d,]*(\.\d+)?\s?(dollars|rupees|euros|pounds|cents)\b`),
	regexp.MustCompile(`(?i)\b\d+(\.\d+)?\s?(%|percent)\b`),          // percentage
	regexp.MustCompile(`(?i)\bcall\b[^.!?]*\d`),                      // "call ... 555 ..."
}

// Critical information patterns: dates, times, addresses, emails. Protected
// only during the early part of the utterance.
var criticalInfoRes = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{1,2}/\d{1,2}(/\d{2,4})?\b`),
	regexp.MustCompile(`(?i)\b(january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{1,2}\b`),
	regexp.MustCompile(`\b\d{1,2}:\d{2}\b`),
	regexp.MustCompile(`(?i)\b\d{1,2}\s?(am|pm)\b`),
	regexp.MustCompile(`(?i)\b\d+\s+\w+\s+(street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr)\b`),
	regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.\w{2,}\b`),
}

// Tokens that mark an unfinished clause when they end the spoken text.
var midClauseSuffixes = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "so": {}, "because": {},
	"the": {}, "a": {}, "an": {}, "to": {}, "of": {}, "for": {},
	"with": {}, "at": {}, "in": {}, "on": {}, "is": {}, "your": {},
}

// BargeInput carries the state a barge-in decision is made from.
type BargeInput struct {
	// UserText is the transcript (partial or final) attempting to interrupt.
	UserText string

	// TTSText is the text currently being spoken.
	TTSText string

	// Audible is how long synthesized audio has been playing this turn.
	Audible time.Duration

	// SinceLastText is the time since the spoken text last grew. Used for
	// clause protection: a clause is considered in flight while the text is
	// still being extended.
	SinceLastText time.Duration
}

// BargeDecision is the outcome of evaluating one interruption attempt.
type BargeDecision struct {
	Allow  bool
	Reason string
}

// BargeGuard decides whether user speech may interrupt active TTS. An
// explicit stop phrase short-circuits every protection; otherwise all
// protections must pass for the interruption to be honoured.
type BargeGuard struct {
	minDuration      time.Duration
	thresholdWords   int
	clauseProtection time.Duration
	clauseEnabled    bool
	criticalEnabled  bool
	customProtected  []string
}

// NewBargeGuard builds a guard from TTS configuration.
func NewBargeGuard(cfg config.TTSConfig) *BargeGuard {
	return &BargeGuard{
		minDuration:      cfg.MinDuration,
		thresholdWords:   cfg.BargeThresholdWords,
		clauseProtection: cfg.ClauseProtection,
		clauseEnabled:    cfg.SentenceBoundaryProtection,
		criticalEnabled:  cfg.CriticalInfoProtection,
		customProtected:  cfg.ProtectedPhrases,
	}
}

// Evaluate decides whether the interruption in is honoured. The returned
// reason names the first rule that blocked it, or why it was allowed.
func (g *BargeGuard) Evaluate(in BargeInput) BargeDecision {
	if stopPhraseRe.MatchString(in.UserText) {
		return BargeDecision{Allow: true, Reason: "stop phrase"}
	}

	if in.Audible < g.minDuration {
		return BargeDecision{Reason: "minimum audible duration"}
	}
	if wordCount(in.UserText) < g.thresholdWords {
		return BargeDecision{Reason: "below word threshold"}
	}
	if g.containsProtectedNumber(in.TTSText) {
		return BargeDecision{Reason: "protected number"}
	}
	if g.clauseEnabled && endsInMidClause(in.TTSText) && in.SinceLastText < g.clauseProtection {
		return BargeDecision{Reason: "mid-clause protection"}
	}
	if g.criticalEnabled && in.Audible < g.minDuration+time.Second && containsCriticalInfo(in.TTSText) {
		return BargeDecision{Reason: "critical information"}
	}

	return BargeDecision{Allow: true, Reason: "all checks passed"}
}

func (g *BargeGuard) containsProtectedNumber(ttsText string) bool {
	for _, re := range protectedNumericRes {
		if re.MatchString(ttsText) {
			return true
		}
	}
	lower := strings.ToLower(ttsText)
	for _, phrase := range g.customProtected {
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

func containsCriticalInfo(ttsText string) bool {
	for _, re := range criticalInfoRes {
		if re.MatchString(ttsText) {
			return true
		}
	}
	return false
}

func endsInMidClause(ttsText string) bool {
	trimmed := strings.TrimSpace(ttsText)
	if trimmed == "" {
		return false
	}
	if strings.HasSuffix(trimmed, ",") {
		return true
	}
	fields := strings.Fields(strings.ToLower(trimmed))
	if len(fields) == 0 {
		return false
	}
	last := strings.Trim(fields[len(fields)-1], `"'`)
	_, ok := midClauseSuffixes[last]
	return ok
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
