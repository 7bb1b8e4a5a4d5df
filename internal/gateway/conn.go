package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/AroonSharma/woic-agent-server-sub000/internal/codec"
	"github.com/AroonSharma/woic-agent-server-sub000/internal/session"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/audio"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/stt"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/stt/endpoint"
)

// writeTimeout bounds a single outbound WebSocket write. A client that stops
// reading loses frames rather than stalling the session.
const writeTimeout = 5 * time.Second

// readLimitSlack is headroom over the binary frame cap for the length prefix
// and header of a frame whose payload alone is at the limit.
const readLimitSlack = 4096

// conn is one accepted WebSocket connection. It owns the read loop and
// implements [session.Emitter] for the session it hosts.
type conn struct {
	g   *Gateway
	ws  *websocket.Conn
	id  string
	log *slog.Logger

	bucket *frameBucket

	writeMu sync.Mutex

	// sess is only written by the read loop; emits read it through the
	// Emitter methods which the session calls with its own reference.
	sess *session.Session
}

var _ session.Emitter = (*conn)(nil)

// handleAgent upgrades /agent requests and runs the connection to completion.
func (g *Gateway) handleAgent(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	opts := &websocket.AcceptOptions{}
	if origins := g.cfg.Server.AllowedOrigins; len(origins) > 0 {
		opts.OriginPatterns = origins
	} else {
		opts.InsecureSkipVerify = true
	}

	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		g.log.Debug("websocket accept failed", "error", err)
		return
	}

	if !g.acquireConn() {
		g.log.Warn("connection limit reached, rejecting",
			"max_connections", g.cfg.Server.MaxConnections)
		_ = ws.Close(websocket.StatusTryAgainLater, "server overloaded")
		return
	}
	defer g.releaseConn()

	if m := g.metrics; m != nil {
		m.ActiveConnections.Add(r.Context(), 1)
		defer m.ActiveConnections.Add(context.Background(), -1)
	}

	c := &conn{
		g:      g,
		ws:     ws,
		id:     uuid.NewString(),
		bucket: newFrameBucket(g.cfg.Safety.MaxAudioFramesPerSec),
	}
	c.log = g.log.With("conn_id", c.id)
	c.run(r.Context())
}

// authorized checks the connection-level bearer token: Authorization header
// or ?token= query parameter.
func (g *Gateway) authorized(r *http.Request) bool {
	want := g.cfg.Server.AgentWSToken
	if want == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if got == "" || got == r.Header.Get("Authorization") {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// run is the connection read loop. It returns when the client disconnects or
// the request context ends; the hosted session is closed on the way out.
func (c *conn) run(ctx context.Context) {
	// Slack above the frame cap lets an oversized frame reach the codec,
	// which rejects it with a recoverable error instead of a transport close.
	c.ws.SetReadLimit(int64(c.g.codec.Limits().MaxFrameBytes) + readLimitSlack)
	c.log.Info("connection open")

	defer func() {
		if c.sess != nil {
			_ = c.sess.Close("connection closed")
			c.sess = nil
		}
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
		c.log.Info("connection closed")
	}()

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				c.log.Debug("client closed connection", "status", status)
			} else if ctx.Err() == nil {
				c.log.Debug("read failed", "error", err)
			}
			return
		}

		switch typ {
		case websocket.MessageText:
			c.handleControl(ctx, data)
		case websocket.MessageBinary:
			// Some clients can only send binary; a leading '{' marks a JSON
			// envelope smuggled in a binary frame.
			if codec.IsJSONBinary(data) {
				c.handleControl(ctx, data)
				continue
			}
			c.handleAudioFrame(data)
		}
	}
}

// handleControl dispatches one JSON control envelope.
func (c *conn) handleControl(ctx context.Context, data []byte) {
	msg, err := c.g.codec.ParseClient(data)
	if err != nil {
		code := "bad_envelope"
		switch {
		case errors.Is(err, codec.ErrTooLarge):
			code = "payload_too_large"
		case errors.Is(err, codec.ErrUnsupportedType):
			code = "unsupported"
		}
		c.sendError(code, err, true)
		return
	}

	switch m := msg.(type) {
	case codec.SessionStart:
		c.handleSessionStart(ctx, m)

	case codec.TestUtterance:
		if !c.g.cfg.Server.TestHooksEnabled {
			c.sendError("test_hooks_disabled", errors.New("test.utterance requires test hooks"), true)
			return
		}
		if c.sess != nil {
			c.sess.HandleTestUtterance(m.Data.Text)
		}

	case codec.Envelope:
		if c.sess == nil {
			return
		}
		switch m.Type {
		case codec.TypeAudioEnd:
			c.sess.HandleAudioEnd()
		case codec.TypeBargeCancel:
			c.sess.HandleBargeCancel()
		case codec.TypeSessionEnd:
			_ = c.sess.Close("client requested")
			c.sess = nil
		}
	}
}

// handleSessionStart authenticates, routes providers, and boots the session.
func (c *conn) handleSessionStart(ctx context.Context, m codec.SessionStart) {
	if c.sess != nil {
		c.sendError("session_exists", errors.New("connection already hosts a session"), true)
		return
	}

	sid := m.SessionID
	if secret := c.g.cfg.Server.SessionJWTSecret; secret != "" {
		claimSID, err := VerifySessionToken([]byte(secret), m.Data.Token)
		if err != nil {
			c.sendError("unauthorized", err, false)
			_ = c.ws.Close(websocket.StatusPolicyViolation, "invalid session token")
			return
		}
		if claimSID != sid {
			c.sendError("unauthorized", errors.New("session token issued for a different session"), false)
			_ = c.ws.Close(websocket.StatusPolicyViolation, "session token mismatch")
			return
		}
	}

	plan, err := c.g.plan(ctx, m.Data)
	if err != nil {
		c.sendError("no_provider", err, false)
		return
	}

	lp, ok := c.g.providers.LLM[plan.LLM.Provider]
	if !ok {
		c.sendError("no_provider", fmt.Errorf("llm provider %q not configured", plan.LLM.Provider), false)
		return
	}
	tp, ok := c.g.providers.TTS[plan.TTS.Provider]
	if !ok {
		c.sendError("no_provider", fmt.Errorf("tts provider %q not configured", plan.TTS.Provider), false)
		return
	}

	var stream *stt.Stream
	if sp, ok := c.g.providers.STT[plan.STT.Provider]; ok {
		stream = stt.NewStream(sp, stt.StreamOptions{
			Config: stt.StreamConfig{
				SampleRate:     audio.SampleRate,
				Channels:       audio.Channels,
				Language:       m.Data.Language,
				Model:          c.g.cfg.STT.Model,
				UtteranceEndMs: c.g.cfg.STT.UtteranceEndMs,
				EndpointingMs:  c.g.cfg.STT.EndpointingMs,
			},
			Delays:         delaysFromWire(m.Data.Endpointing),
			SilenceTimeout: c.g.cfg.STT.SilenceTimeout,
			AutoReconnect:  c.g.cfg.STT.AutoReconnect,
		})
	}

	sess, err := session.New(sid, m.Data, session.Deps{
		Config:  c.g.cfg,
		Logger:  c.log,
		Emitter: c,
		STT:     stream,
		LLM:     lp,
		TTS:     tp,
		Memory:  c.g.memory,
		Cache:   c.g.cache,
		KB:      c.g.kb,
		Actions: c.g.actions,
		Audit:   c.g.audit,
		Stats:   c.g.stats,
		Metrics: c.g.metrics,
		LLMName: plan.LLM.Provider,
		STTName: plan.STT.Provider,
		TTSName: plan.TTS.Provider,
	})
	if err != nil {
		c.sendError("session_start_failed", err, false)
		return
	}
	if err := sess.Run(ctx); err != nil {
		c.sendError("session_start_failed", err, false)
		return
	}
	c.sess = sess

	c.log.Info("session started",
		"session_id", sid,
		"llm", plan.LLM.Provider, "llm_reason", plan.LLM.Reason,
		"stt", plan.STT.Provider,
		"tts", plan.TTS.Provider,
		"first_message_mode", string(m.Data.FirstMessageMode))
}

// handleAudioFrame rate-limits and forwards one binary audio frame.
func (c *conn) handleAudioFrame(data []byte) {
	if c.sess == nil {
		return
	}
	if !c.bucket.Allow() {
		if m := c.g.metrics; m != nil {
			m.DroppedAudioFrames.Add(context.Background(), 1)
		}
		return
	}

	hdrRaw, payload, err := c.g.codec.Decode(data)
	if err != nil {
		code := "bad_frame"
		if errors.Is(err, codec.ErrTooLarge) {
			code = "payload_too_large"
		}
		c.sendError(code, err, true)
		return
	}
	hdr, err := codec.ParseAudioHeader(hdrRaw)
	if err != nil {
		c.sendError("bad_frame", err, true)
		return
	}

	// The payload aliases the read buffer; copy before it crosses into the
	// STT queue.
	buf := make([]byte, len(payload))
	copy(buf, payload)
	if err := c.sess.HandleAudio(hdr, buf); err != nil {
		c.log.Debug("audio frame rejected", "error", err)
	}
}

// ─── session.Emitter ───

// EmitControl sends a JSON control frame.
func (c *conn) EmitControl(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gateway: marshal frame: %w", err)
	}
	return c.write(websocket.MessageText, b)
}

// EmitAudio sends a binary frame: JSON header, then payload.
func (c *conn) EmitAudio(header codec.TTSChunkHeader, payload []byte) error {
	frame, err := c.g.codec.Encode(header, payload)
	if err != nil {
		return err
	}
	return c.write(websocket.MessageBinary, frame)
}

func (c *conn) write(typ websocket.MessageType, b []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, typ, b)
}

func (c *conn) sendError(code string, err error, recoverable bool) {
	c.log.Debug("protocol error", "code", code, "error", err)
	_ = c.EmitControl(codec.ErrorFrame{
		Envelope:    codec.Envelope{Type: codec.TypeError},
		Code:        code,
		Message:     err.Error(),
		Recoverable: recoverable,
	})
}

// delaysFromWire converts the session.start endpointing block from float
// seconds, falling back to the defaults when absent.
func delaysFromWire(e *codec.Endpointing) endpoint.Delays {
	if e == nil {
		return endpoint.DefaultDelays()
	}
	return endpoint.Delays{
		Wait:        floatSeconds(e.WaitSeconds),
		Punctuation: floatSeconds(e.PunctuationSeconds),
		NoPunct:     floatSeconds(e.NoPunctSeconds),
		Number:      floatSeconds(e.NumberSeconds),
	}
}

func floatSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
