package session

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/stt"
)

// Thresholds for treating a new final as a repeat of the active turn's
// utterance. Token overlap catches reorderings, Jaro-Winkler catches STT
// respellings of the same speech.
const (
	jaccardThreshold     = 0.8
	jaroWinklerThreshold = 0.92
)

// isDuplicateUtterance reports whether incoming repeats current. Both inputs
// are compared in normalized form (lowercased, punctuation stripped).
func isDuplicateUtterance(current, incoming string) bool {
	a := stt.Normalize(current)
	b := stt.Normalize(incoming)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}
	if tokenJaccard(a, b) >= jaccardThreshold {
		return true
	}
	return matchr.JaroWinkler(a, b, true) >= jaroWinklerThreshold
}

// tokenJaccard computes |A∩B| / |A∪B| over the token sets of two normalized
// strings.
func tokenJaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		set[tok] = struct{}{}
	}
	return set
}
