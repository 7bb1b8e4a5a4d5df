package session

import (
	"sync"

	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

// historyCap bounds the rolling per-stage latency histories.
const historyCap = 50

// TurnStats keeps rolling latency histories across turns and serves the
// /metrics counters. Safe for concurrent use; one instance is shared by all
// sessions.
type TurnStats struct {
	mu sync.Mutex

	history []types.TurnMetrics

	totalTurns  int64
	totalBarges int64
	totalErrors int64

	last types.TurnMetrics
}

// NewTurnStats creates an empty stats collector.
func NewTurnStats() *TurnStats {
	return &TurnStats{}
}

// Record adds one completed turn. The history is capped; the oldest entry is
// dropped when full.
func (s *TurnStats) Record(m types.TurnMetrics, outcome types.TurnOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, m)
	if len(s.history) > historyCap {
		s.history = s.history[1:]
	}
	s.last = m
	s.totalTurns++
	switch outcome {
	case types.TurnBarged:
		s.totalBarges++
	case types.TurnErrored:
		s.totalErrors++
	}
}

// Last returns the most recently recorded turn metrics.
func (s *TurnStats) Last() types.TurnMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Totals returns the lifetime turn, barge, and error counts.
func (s *TurnStats) Totals() (turns, barges, errors int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalTurns, s.totalBarges, s.totalErrors
}

// Averages computes per-stage means over the rolling history. Zero samples
// (stages that did not occur) are excluded from their stage's mean.
func (s *TurnStats) Averages() types.TurnMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out types.TurnMetrics
	var counts types.TurnMetrics
	for _, m := range s.history {
		accumulate(&out.ConnectLatencyMs, &counts.ConnectLatencyMs, m.ConnectLatencyMs)
		accumulate(&out.STTFinalLatencyMs, &counts.STTFinalLatencyMs, m.STTFinalLatencyMs)
		accumulate(&out.LLMFirstTokenMs, &counts.LLMFirstTokenMs, m.LLMFirstTokenMs)
		accumulate(&out.TTSFirstAudioMs, &counts.TTSFirstAudioMs, m.TTSFirstAudioMs)
		accumulate(&out.E2EMs, &counts.E2EMs, m.E2EMs)
	}
	divide(&out.ConnectLatencyMs, counts.ConnectLatencyMs)
	divide(&out.STTFinalLatencyMs, counts.STTFinalLatencyMs)
	divide(&out.LLMFirstTokenMs, counts.LLMFirstTokenMs)
	divide(&out.TTSFirstAudioMs, counts.TTSFirstAudioMs)
	divide(&out.E2EMs, counts.E2EMs)
	return out
}

func accumulate(sum, count *int64, v int64) {
	if v > 0 {
		*sum += v
		*count++
	}
}

func divide(sum *int64, count int64) {
	if count > 0 {
		*sum /= count
	}
}
