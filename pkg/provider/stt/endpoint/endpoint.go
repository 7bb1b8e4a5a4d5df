// Package endpoint decides when a spoken utterance is finished.
//
// The sentence-completion analyzer scores a transcript against punctuation,
// fragment patterns, interrogatives, word count, and observed silence, and
// suggests whether the pipeline should process now or keep waiting. The same
// analysis drives the silence-promotion delay for the STT stream.
package endpoint

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

// Suggestion is the analyzer's recommendation.
type Suggestion string

const (
	// Process means the utterance is complete enough to send downstream.
	Process Suggestion = "process"

	// Wait means the speaker has probably paused mid-thought.
	Wait Suggestion = "wait"

	// WaitLonger means the utterance is clearly unfinished.
	WaitLonger Suggestion = "wait_longer"
)

// Analysis is the result of scoring one transcript.
type Analysis struct {
	// IsComplete is true when Confidence clears the processing threshold.
	IsComplete bool

	// Confidence is the completion score in [0, 100].
	Confidence int

	// Suggestion is the recommended action.
	Suggestion Suggestion
}

// Score thresholds. At or above processThreshold the utterance is treated as
// complete; below waitThreshold the speaker is clearly mid-sentence.
const (
	processThreshold = 70
	waitThreshold    = 40
)

// incompleteSuffixes are trailing words that signal an unfinished clause.
var incompleteSuffixes = map[string]bool{
	"and": true, "or": true, "but": true, "so": true, "because": true,
	"the": true, "a": true, "an": true, "my": true, "your": true,
	"to": true, "of": true, "for": true, "with": true, "in": true,
	"on": true, "at": true, "from": true, "is": true, "are": true,
	"was": true, "i": true, "it's": true, "that": true, "which": true,
	"if": true, "when": true, "while": true, "than": true,
}

// interrogativeStarts mark questions; a question that reached terminal
// punctuation is very likely complete.
var interrogativeStarts = map[string]bool{
	"what": true, "where": true, "when": true, "who": true, "why": true,
	"how": true, "which": true, "can": true, "could": true, "would": true,
	"will": true, "do": true, "does": true, "did": true, "is": true,
	"are": true, "should": true,
}

// comparisonCue matches constructions that usually continue ("better than",
// "between X and", "either", enumerations with a trailing comma).
var comparisonCue = regexp.MustCompile(`(?i)\b(than|versus|vs|between|either|neither|rather)\s*$|,\s*$`)

// Analyzer scores utterances. The zero value is ready to use.
type Analyzer struct{}

// Analyze scores text given the silence observed since the last transcript
// update. baseSilence is the configured no-punctuation endpointing delay;
// long silences relative to it push the score toward completion.
func (Analyzer) Analyze(text string, silence, baseSilence time.Duration) Analysis {
	trimmed := strings.TrimSpace(text)
	words := strings.Fields(strings.ToLower(stripPunct(trimmed)))

	score := 50

	if endsWithTerminalPunct(trimmed) {
		score += 30
	}
	if len(words) > 0 && interrogativeStarts[words[0]] {
		score += 10
	}
	if len(words) > 0 && incompleteSuffixes[words[len(words)-1]] {
		score -= 35
	}
	if comparisonCue.MatchString(trimmed) {
		score -= 20
	}
	switch {
	case len(words) < 3:
		score -= 15
	case len(words) >= 8:
		score += 10
	}
	if baseSilence > 0 && silence >= baseSilence+baseSilence/2 {
		score += 15
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	a := Analysis{Confidence: score}
	switch {
	case score >= processThreshold:
		a.IsComplete = true
		a.Suggestion = Process
	case score >= waitThreshold:
		a.Suggestion = Wait
	default:
		a.Suggestion = WaitLonger
	}
	return a
}

// Delays carries the per-session endpointing delays, already converted from
// the wire's float seconds.
type Delays struct {
	Wait        time.Duration
	Punctuation time.Duration
	NoPunct     time.Duration
	Number      time.Duration
}

// DefaultDelays are used when session.start carries no endpointing block.
func DefaultDelays() Delays {
	return Delays{
		Wait:        0,
		Punctuation: 300 * time.Millisecond,
		NoPunct:     1500 * time.Millisecond,
		Number:      700 * time.Millisecond,
	}
}

// promotionFloor is the minimum silence-promotion delay regardless of
// configuration; promoting faster than this clips slow speakers.
const promotionFloor = 1400 * time.Millisecond

// PromotionDelay computes how long the stream should wait after the last
// partial update before promoting it to a final. The base comes from the
// configured no-punctuation delay and is extended for fragments and low
// completion confidence, floored at 1.4s and capped at maxSilence.
func (d Delays) PromotionDelay(text string, a Analysis, maxSilence time.Duration) time.Duration {
	delay := d.NoPunct

	trimmed := strings.TrimSpace(text)
	words := strings.Fields(strings.ToLower(stripPunct(trimmed)))
	if len(words) > 0 && incompleteSuffixes[words[len(words)-1]] {
		delay += 800 * time.Millisecond
	}
	if comparisonCue.MatchString(trimmed) {
		delay += 500 * time.Millisecond
	}
	if a.Suggestion == WaitLonger {
		delay += 700 * time.Millisecond
	} else if a.Suggestion == Wait {
		delay += 300 * time.Millisecond
	}

	if delay < promotionFloor {
		delay = promotionFloor
	}
	if maxSilence > 0 && delay > maxSilence {
		delay = maxSilence
	}
	return delay
}

// ResponseDelay computes the pause inserted before TTS starts speaking:
// wait + (punctuation | noPunct) + number when the utterance ends in a digit.
// grounded caps the delay at 200ms (cached or KB-grounded answers should not
// dawdle); otherwise the cap is 2s.
func (d Delays) ResponseDelay(userText string, grounded bool) time.Duration {
	trimmed := strings.TrimSpace(userText)

	delay := d.Wait
	if endsWithTerminalPunct(trimmed) {
		delay += d.Punctuation
	} else {
		delay += d.NoPunct
	}
	if endsWithDigit(trimmed) {
		delay += d.Number
	}

	limit := 2 * time.Second
	if grounded {
		limit = 200 * time.Millisecond
	}
	if delay > limit {
		delay = limit
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func endsWithTerminalPunct(s string) bool {
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

func endsWithDigit(s string) bool {
	runes := []rune(s)
	for i := len(runes) - 1; i >= 0; i-- {
		if unicode.IsSpace(runes[i]) || unicode.IsPunct(runes[i]) {
			continue
		}
		return unicode.IsDigit(runes[i])
	}
	return false
}

func stripPunct(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return ' '
		}
		return r
	}, s)
}
