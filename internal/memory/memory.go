// Package memory holds per-session conversation history and the short-lived
// response cache.
//
// A conversation is an ordered message list with the system prompt pinned at
// index 0. Appends past the per-conversation cap evict the oldest non-system
// messages in user/assistant pairs so the history never starts mid-exchange.
// The store itself is bounded: a global conversation cap evicts the least
// recently used session, and idle conversations expire after a TTL.
package memory

import (
	"strings"
	"sync"
	"time"

	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

// Store keeps conversations for all live sessions. Safe for concurrent use.
type Store struct {
	maxMessages int
	maxConvs    int
	ttl         time.Duration
	now         func() time.Time

	mu    sync.Mutex
	convs map[string]*conversation
}

type conversation struct {
	messages []types.Message
	lastUsed time.Time
}

// StoreConfig bounds a [Store]. Zero fields use the documented defaults.
type StoreConfig struct {
	// MaxMessages caps a single conversation, system prompt included.
	// Default: 17.
	MaxMessages int

	// MaxConversations caps the number of live conversations. Default: 1000.
	MaxConversations int

	// TTL expires conversations not touched for this long. Default: 30m.
	TTL time.Duration
}

// NewStore creates an empty conversation store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 17
	}
	if cfg.MaxConversations <= 0 {
		cfg.MaxConversations = 1000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	return &Store{
		maxMessages: cfg.MaxMessages,
		maxConvs:    cfg.MaxConversations,
		ttl:         cfg.TTL,
		now:         time.Now,
		convs:       make(map[string]*conversation),
	}
}

// SetSystem sets or replaces the system prompt for sessionID, creating the
// conversation if needed. The system prompt always occupies index 0.
func (s *Store) SetSystem(sessionID, prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(sessionID)
	sys := types.Message{Role: types.RoleSystem, Content: prompt}
	if len(c.messages) > 0 && c.messages[0].Role == types.RoleSystem {
		c.messages[0] = sys
		return
	}
	c.messages = append([]types.Message{sys}, c.messages...)
}

// Append adds a user or assistant message to sessionID's conversation.
// System messages must go through [Store.SetSystem]; Append ignores them.
// When the cap is exceeded the oldest non-system pair is evicted.
func (s *Store) Append(sessionID string, msg types.Message) {
	if msg.Role == types.RoleSystem {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.get(sessionID)
	c.messages = append(c.messages, msg)

	for len(c.messages) > s.maxMessages {
		// Index 0 is the system prompt when present. Evict two messages at a
		// time so the remaining history starts on a user message.
		start := 0
		if len(c.messages) > 0 && c.messages[0].Role == types.RoleSystem {
			start = 1
		}
		drop := 2
		if start+drop > len(c.messages) {
			drop = len(c.messages) - start
		}
		c.messages = append(c.messages[:start], c.messages[start+drop:]...)
	}
}

// Messages returns a copy of the conversation for sessionID, ready to hand to
// an LLM provider. Returns nil for an unknown session.
func (s *Store) Messages(sessionID string) []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[sessionID]
	if !ok {
		return nil
	}
	c.lastUsed = s.now()
	out := make([]types.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len reports the message count for sessionID, zero for unknown sessions.
func (s *Store) Len(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[sessionID]
	if !ok {
		return 0
	}
	return len(c.messages)
}

// Drop removes sessionID's conversation.
func (s *Store) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, sessionID)
}

// Sweep removes conversations idle longer than the TTL and returns how many
// were dropped. The gateway runs this on a ticker.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	dropped := 0
	for id, c := range s.convs {
		if c.lastUsed.Before(cutoff) {
			delete(s.convs, id)
			dropped++
		}
	}
	return dropped
}

// get returns the conversation for sessionID, creating it and evicting the
// least recently used conversation if the store is full. Caller holds s.mu.
func (s *Store) get(sessionID string) *conversation {
	if c, ok := s.convs[sessionID]; ok {
		c.lastUsed = s.now()
		return c
	}

	if len(s.convs) >= s.maxConvs {
		var oldestID string
		var oldest time.Time
		for id, c := range s.convs {
			if oldestID == "" || c.lastUsed.Before(oldest) {
				oldestID, oldest = id, c.lastUsed
			}
		}
		delete(s.convs, oldestID)
	}

	c := &conversation{lastUsed: s.now()}
	s.convs[sessionID] = c
	return c
}

// ─── response cache ───

// ResponseCache memoizes full assistant responses keyed by
// (agentID, normalized user text). Entries expire after a TTL and the cache
// holds at most cap entries, evicting the oldest.
type ResponseCache struct {
	ttl time.Duration
	cap int
	now func() time.Time

	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
}

type cacheKey struct {
	agentID string
	text    string
}

type cacheEntry struct {
	response string
	storedAt time.Time
}

// NewResponseCache creates a cache with the given TTL and capacity.
// A non-positive ttl disables the cache entirely.
func NewResponseCache(ttl time.Duration, capacity int) *ResponseCache {
	if capacity <= 0 {
		capacity = 512
	}
	return &ResponseCache{
		ttl:     ttl,
		cap:     capacity,
		now:     time.Now,
		entries: make(map[cacheKey]cacheEntry),
	}
}

// Get returns the cached response for (agentID, text), if fresh. Sessions
// without an agent share the "-" bucket.
func (rc *ResponseCache) Get(agentID, text string) (string, bool) {
	if rc.ttl <= 0 {
		return "", false
	}
	key := cacheKey{normalizeAgent(agentID), normalizeText(text)}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	e, ok := rc.entries[key]
	if !ok {
		return "", false
	}
	if rc.now().Sub(e.storedAt) > rc.ttl {
		delete(rc.entries, key)
		return "", false
	}
	return e.response, true
}

// Put stores a response for (agentID, text). Barged or errored turns must not
// be cached; callers enforce that.
func (rc *ResponseCache) Put(agentID, text, response string) {
	if rc.ttl <= 0 || response == "" {
		return
	}
	key := cacheKey{normalizeAgent(agentID), normalizeText(text)}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if len(rc.entries) >= rc.cap {
		var oldestKey cacheKey
		var oldest time.Time
		first := true
		for k, e := range rc.entries {
			if first || e.storedAt.Before(oldest) {
				oldestKey, oldest = k, e.storedAt
				first = false
			}
		}
		delete(rc.entries, oldestKey)
	}
	rc.entries[key] = cacheEntry{response: response, storedAt: rc.now()}
}

func normalizeAgent(agentID string) string {
	if agentID == "" {
		return "-"
	}
	return agentID
}

// normalizeText lowercases, trims, and collapses interior whitespace so
// trivially different phrasings of the same utterance share a cache slot.
func normalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
