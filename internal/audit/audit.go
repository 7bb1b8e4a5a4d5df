// Package audit records completed conversation turns to PostgreSQL.
//
// Auditing is optional: when no DSN is configured the gateway runs with the
// Noop recorder and nothing is persisted. Failures to write a row are logged
// by callers but never fail the turn.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

// Turn is one audited user-utterance to assistant-response cycle.
type Turn struct {
	SessionID     string
	TurnID        int64
	AgentID       string
	UserID        string
	UserText      string
	AssistantText string
	Outcome       types.TurnOutcome
	LLMProvider   string
	STTProvider   string
	TTSProvider   string
	Metrics       types.TurnMetrics
	StartedAt     time.Time
	EndedAt       time.Time
}

// Recorder persists turns. Implementations must be safe for concurrent use.
type Recorder interface {
	RecordTurn(ctx context.Context, t Turn) error
	Close()
}

const ddlTurnAudit = `
CREATE TABLE IF NOT EXISTS turn_audit (
    id                  BIGSERIAL   PRIMARY KEY,
    session_id          TEXT        NOT NULL,
    turn_id             BIGINT      NOT NULL,
    agent_id            TEXT        NOT NULL DEFAULT '',
    user_id             TEXT        NOT NULL DEFAULT '',
    user_text           TEXT        NOT NULL,
    assistant_text      TEXT        NOT NULL,
    outcome             TEXT        NOT NULL,
    llm_provider        TEXT        NOT NULL DEFAULT '',
    stt_provider        TEXT        NOT NULL DEFAULT '',
    tts_provider        TEXT        NOT NULL DEFAULT '',
    stt_final_ms        BIGINT      NOT NULL DEFAULT 0,
    llm_first_token_ms  BIGINT      NOT NULL DEFAULT 0,
    tts_first_audio_ms  BIGINT      NOT NULL DEFAULT 0,
    e2e_ms              BIGINT      NOT NULL DEFAULT 0,
    started_at          TIMESTAMPTZ NOT NULL,
    ended_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turn_audit_session ON turn_audit (session_id, turn_id);
`

// Store is the PostgreSQL-backed Recorder.
type Store struct {
	pool *pgxpool.Pool
}

var _ Recorder = (*Store)(nil)

// NewStore connects to PostgreSQL at dsn and ensures the audit table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlTurnAudit); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// RecordTurn implements Recorder.
func (s *Store) RecordTurn(ctx context.Context, t Turn) error {
	const q = `
INSERT INTO turn_audit (
    session_id, turn_id, agent_id, user_id, user_text, assistant_text, outcome,
    llm_provider, stt_provider, tts_provider,
    stt_final_ms, llm_first_token_ms, tts_first_audio_ms, e2e_ms,
    started_at, ended_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`

	_, err := s.pool.Exec(ctx, q,
		t.SessionID, t.TurnID, t.AgentID, t.UserID, t.UserText, t.AssistantText, string(t.Outcome),
		t.LLMProvider, t.STTProvider, t.TTSProvider,
		t.Metrics.STTFinalLatencyMs, t.Metrics.LLMFirstTokenMs, t.Metrics.TTSFirstAudioMs, t.Metrics.E2EMs,
		t.StartedAt, t.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: record turn %d of session %s: %w", t.TurnID, t.SessionID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Noop is a Recorder that discards everything. Used when auditing is
// disabled.
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) RecordTurn(context.Context, Turn) error { return nil }
func (Noop) Close()                                 {}
