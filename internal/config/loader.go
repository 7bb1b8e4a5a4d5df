package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration: defaults, then the optional YAML
// file at path (skipped when path is empty), then environment overrides, then
// validation. This is what main calls.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	ApplyEnv(cfg, os.LookupEnv)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals. Environment overrides are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. lookup is os.LookupEnv in
// production and a map lookup in tests. Malformed numeric values are logged
// and skipped so a typo in one variable does not silently zero a limit.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				slog.Warn("ignoring malformed boolean env var", "key", key, "value", v)
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				slog.Warn("ignoring malformed integer env var", "key", key, "value", v)
				return
			}
			*dst = n
		}
	}
	millis := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				slog.Warn("ignoring malformed duration env var", "key", key, "value", v)
				return
			}
			*dst = time.Duration(n) * time.Millisecond
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			var out []string
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			*dst = out
		}
	}

	// Server
	integer("PORT", &cfg.Server.Port)
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	boolean("TEST_HOOKS_ENABLED", &cfg.Server.TestHooksEnabled)
	list("ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)
	str("AGENT_WS_TOKEN", &cfg.Server.AgentWSToken)
	str("SESSION_JWT_SECRET", &cfg.Server.SessionJWTSecret)
	integer("MAX_CONNECTIONS", &cfg.Server.MaxConnections)

	// STT. Each knob also answers to its legacy DEEPGRAM_* name; the generic
	// STT_* form wins when both are set.
	millis("STT_SILENCE_TIMEOUT_MS", &cfg.STT.SilenceTimeout)
	integer("DEEPGRAM_UTTERANCE_END_MS", &cfg.STT.UtteranceEndMs)
	integer("STT_UTTERANCE_END_MS", &cfg.STT.UtteranceEndMs)
	integer("DEEPGRAM_ENDPOINTING_MS", &cfg.STT.EndpointingMs)
	integer("STT_ENDPOINTING_MS", &cfg.STT.EndpointingMs)
	str("DEEPGRAM_MODEL", &cfg.STT.Model)
	str("STT_MODEL", &cfg.STT.Model)
	boolean("DEEPGRAM_AUTO_RECONNECT", &cfg.STT.AutoReconnect)
	boolean("STT_AUTO_RECONNECT", &cfg.STT.AutoReconnect)

	// TTS barge protection
	millis("TTS_MIN_DURATION_MS", &cfg.TTS.MinDuration)
	integer("TTS_BARGE_THRESHOLD_WORDS", &cfg.TTS.BargeThresholdWords)
	list("TTS_PROTECTED_PHRASES", &cfg.TTS.ProtectedPhrases)
	boolean("TTS_SENTENCE_BOUNDARY_PROTECTION", &cfg.TTS.SentenceBoundaryProtection)
	millis("TTS_CLAUSE_PROTECTION_MS", &cfg.TTS.ClauseProtection)
	boolean("TTS_CRITICAL_INFO_PROTECTION", &cfg.TTS.CriticalInfoProtection)

	// Safety limits
	integer("MAX_FRAME_BYTES", &cfg.Safety.MaxFrameBytes)
	integer("MAX_JSON_BYTES", &cfg.Safety.MaxJSONBytes)
	integer("MAX_AUDIO_FRAMES_PER_SEC", &cfg.Safety.MaxAudioFramesPerSec)
	integer("CONVERSATION_MAX", &cfg.Safety.ConversationMax)
	integer("CONVERSATION_STORE_MAX", &cfg.Safety.ConversationStoreMax)
	millis("CONVERSATION_TTL_MS", &cfg.Safety.ConversationTTL)

	// Feature flags. The ENABLE_* spellings are aliases kept for existing
	// deployments; the *_ENABLED form wins when both are set.
	boolean("ENABLE_MULTI_PROVIDER", &cfg.Features.MultiProvider)
	boolean("MULTI_PROVIDER_ENABLED", &cfg.Features.MultiProvider)
	boolean("ENABLE_PROVIDER_ROUTER", &cfg.Features.ProviderRouter)
	boolean("PROVIDER_ROUTER_ENABLED", &cfg.Features.ProviderRouter)
	boolean("ENABLE_EARLY_LLM", &cfg.Features.EarlyLLM)
	boolean("EARLY_LLM_ENABLED", &cfg.Features.EarlyLLM)
	boolean("EARLY_TTS_ENABLED", &cfg.Features.EarlyTTS)
	boolean("STRICT_TURN_TAKING", &cfg.Features.StrictTurnTaking)
	boolean("ENABLE_PARTIAL_BARGE", &cfg.Features.PartialBarge)
	boolean("PARTIAL_BARGE_ENABLED", &cfg.Features.PartialBarge)
	boolean("ACTIONS_ENABLED", &cfg.Features.Actions)
	boolean("KB_ENABLED", &cfg.Features.KB)
	millis("RESPONSE_CACHE_TTL_MS", &cfg.Features.ResponseCacheTTL)

	// Provider credentials
	str("DEEPGRAM_API_KEY", &cfg.Providers.DeepgramAPIKey)
	str("ELEVENLABS_API_KEY", &cfg.Providers.ElevenLabsAPIKey)
	str("OPENAI_API_KEY", &cfg.Providers.OpenAIAPIKey)
	str("ANTHROPIC_API_KEY", &cfg.Providers.AnthropicAPIKey)
	str("GEMINI_API_KEY", &cfg.Providers.GeminiAPIKey)
	str("DEEPGRAM_ENDPOINT", &cfg.Providers.DeepgramEndpoint)
	str("ELEVENLABS_VOICE_ID", &cfg.Providers.ElevenLabsVoiceID)

	// Audit, actions, KB
	str("AUDIT_POSTGRES_DSN", &cfg.Audit.PostgresDSN)
	millis("ACTION_EXEC_TIMEOUT_MS", &cfg.Actions.ExecTimeout)
	integer("ACTION_RATE_PER_MINUTE", &cfg.Actions.RatePerMinute)
	integer("ACTION_RATE_PER_HOUR", &cfg.Actions.RatePerHour)
	integer("ACTION_RATE_PER_DAY", &cfg.Actions.RatePerDay)
	str("KB_BASE_URL", &cfg.KB.BaseURL)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Soft issues (missing credentials, open origin policy) are logged, not fatal,
// so a development setup can run with a partial stack.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("server.max_connections must be positive, got %d", cfg.Server.MaxConnections))
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		slog.Warn("allowed_origins is empty; accepting any WebSocket origin")
	}
	if cfg.Server.TestHooksEnabled {
		slog.Warn("test hooks are enabled; test.utterance injection is allowed")
	}

	// Safety
	if cfg.Safety.MaxFrameBytes <= 0 {
		errs = append(errs, fmt.Errorf("safety.max_frame_bytes must be positive, got %d", cfg.Safety.MaxFrameBytes))
	}
	if cfg.Safety.MaxJSONBytes <= 0 {
		errs = append(errs, fmt.Errorf("safety.max_json_bytes must be positive, got %d", cfg.Safety.MaxJSONBytes))
	}
	if cfg.Safety.MaxJSONBytes > cfg.Safety.MaxFrameBytes {
		errs = append(errs, fmt.Errorf("safety.max_json_bytes %d exceeds safety.max_frame_bytes %d", cfg.Safety.MaxJSONBytes, cfg.Safety.MaxFrameBytes))
	}
	if cfg.Safety.MaxAudioFramesPerSec <= 0 {
		errs = append(errs, fmt.Errorf("safety.max_audio_frames_per_sec must be positive, got %d", cfg.Safety.MaxAudioFramesPerSec))
	}
	if cfg.Safety.ConversationMax < 3 {
		errs = append(errs, fmt.Errorf("safety.conversation_max %d is too small; need room for system plus one exchange", cfg.Safety.ConversationMax))
	}
	if cfg.Safety.ConversationStoreMax <= 0 {
		errs = append(errs, fmt.Errorf("safety.conversation_store_max must be positive, got %d", cfg.Safety.ConversationStoreMax))
	}

	// TTS barge protection
	if cfg.TTS.MinDuration < 0 {
		errs = append(errs, fmt.Errorf("tts.min_duration must not be negative, got %s", cfg.TTS.MinDuration))
	}
	if cfg.TTS.BargeThresholdWords < 1 {
		errs = append(errs, fmt.Errorf("tts.barge_threshold_words must be at least 1, got %d", cfg.TTS.BargeThresholdWords))
	}

	// STT
	if cfg.STT.SilenceTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stt.silence_timeout must be positive, got %s", cfg.STT.SilenceTimeout))
	}

	// Actions
	if cfg.Features.Actions {
		if len(cfg.Actions.MCPServers) == 0 {
			slog.Warn("actions are enabled but no MCP servers are configured")
		}
		seen := make(map[string]int, len(cfg.Actions.MCPServers))
		for i, srv := range cfg.Actions.MCPServers {
			prefix := fmt.Sprintf("actions.mcp_servers[%d]", i)
			if srv.Name == "" {
				errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			} else if prev, ok := seen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of actions.mcp_servers[%d]", prefix, srv.Name, prev))
			} else {
				seen[srv.Name] = i
			}
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required", prefix))
			}
		}
	}

	// KB
	if cfg.Features.KB && cfg.KB.BaseURL == "" {
		errs = append(errs, fmt.Errorf("kb.base_url is required when the kb feature is enabled"))
	}

	// Credential availability warnings
	if cfg.Providers.DeepgramAPIKey == "" {
		slog.Warn("DEEPGRAM_API_KEY is not set; live speech-to-text is unavailable")
	}
	if cfg.Providers.ElevenLabsAPIKey == "" && cfg.Providers.OpenAIAPIKey == "" {
		slog.Warn("no TTS credential is set; speech synthesis is unavailable")
	}
	if cfg.Providers.GeminiAPIKey == "" && cfg.Providers.AnthropicAPIKey == "" && cfg.Providers.OpenAIAPIKey == "" {
		slog.Warn("no LLM credential is set; response generation is unavailable")
	}

	return errors.Join(errs...)
}

// SlogLevel maps the configured level to a slog.Level for handler setup.
func (c *Config) SlogLevel() slog.Level {
	switch c.Server.LogLevel {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
