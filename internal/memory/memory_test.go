package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

func TestStore_SystemPinnedFirst(t *testing.T) {
	s := NewStore(StoreConfig{})
	s.Append("s1", types.Message{Role: types.RoleUser, Content: "hi"})
	s.SetSystem("s1", "You are a helpful agent.")

	msgs := s.Messages("s1")
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Role != types.RoleSystem {
		t.Errorf("messages[0].Role = %q, want system", msgs[0].Role)
	}
	if msgs[1].Content != "hi" {
		t.Errorf("messages[1] = %+v", msgs[1])
	}
}

func TestStore_SetSystemReplaces(t *testing.T) {
	s := NewStore(StoreConfig{})
	s.SetSystem("s1", "v1")
	s.SetSystem("s1", "v2")

	msgs := s.Messages("s1")
	if len(msgs) != 1 || msgs[0].Content != "v2" {
		t.Errorf("messages = %+v, want single v2 system", msgs)
	}
}

func TestStore_AppendIgnoresSystem(t *testing.T) {
	s := NewStore(StoreConfig{})
	s.Append("s1", types.Message{Role: types.RoleSystem, Content: "sneaky"})
	if got := s.Len("s1"); got != 0 {
		t.Errorf("Len = %d, want 0", got)
	}
}

func TestStore_EvictsOldestPairKeepingSystem(t *testing.T) {
	s := NewStore(StoreConfig{MaxMessages: 5})
	s.SetSystem("s1", "sys")
	for i := range 4 {
		s.Append("s1", types.Message{Role: types.RoleUser, Content: fmt.Sprintf("u%d", i)})
		s.Append("s1", types.Message{Role: types.RoleAssistant, Content: fmt.Sprintf("a%d", i)})
	}

	msgs := s.Messages("s1")
	if len(msgs) != 5 {
		t.Fatalf("len = %d, want 5", len(msgs))
	}
	if msgs[0].Role != types.RoleSystem {
		t.Fatalf("messages[0].Role = %q, want system", msgs[0].Role)
	}
	// History must start on a user message after eviction.
	if msgs[1].Role != types.RoleUser || msgs[1].Content != "u2" {
		t.Errorf("messages[1] = %+v, want u2", msgs[1])
	}
	if msgs[4].Content != "a3" {
		t.Errorf("messages[4] = %+v, want a3", msgs[4])
	}
}

func TestStore_GlobalCapEvictsLRU(t *testing.T) {
	s := NewStore(StoreConfig{MaxConversations: 2})
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Append("a", types.Message{Role: types.RoleUser, Content: "1"})
	now = now.Add(time.Second)
	s.Append("b", types.Message{Role: types.RoleUser, Content: "2"})
	now = now.Add(time.Second)
	s.Messages("a") // touch a so b becomes LRU
	now = now.Add(time.Second)
	s.Append("c", types.Message{Role: types.RoleUser, Content: "3"})

	if s.Messages("b") != nil {
		t.Error("b should have been evicted as LRU")
	}
	if s.Messages("a") == nil || s.Messages("c") == nil {
		t.Error("a and c should survive")
	}
}

func TestStore_SweepExpiresIdle(t *testing.T) {
	s := NewStore(StoreConfig{TTL: time.Minute})
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Append("old", types.Message{Role: types.RoleUser, Content: "x"})
	now = now.Add(2 * time.Minute)
	s.Append("fresh", types.Message{Role: types.RoleUser, Content: "y"})

	if dropped := s.Sweep(); dropped != 1 {
		t.Errorf("Sweep dropped %d, want 1", dropped)
	}
	if s.Messages("old") != nil {
		t.Error("old conversation should be gone")
	}
	if s.Messages("fresh") == nil {
		t.Error("fresh conversation should remain")
	}
}

func TestStore_MessagesReturnsCopy(t *testing.T) {
	s := NewStore(StoreConfig{})
	s.Append("s1", types.Message{Role: types.RoleUser, Content: "original"})
	msgs := s.Messages("s1")
	msgs[0].Content = "mutated"
	if got := s.Messages("s1")[0].Content; got != "original" {
		t.Errorf("stored content = %q, want original", got)
	}
}

func TestResponseCache_HitNormalizesText(t *testing.T) {
	rc := NewResponseCache(time.Minute, 8)
	rc.Put("agent-1", "What are your hours?", "We are open 9 to 5.")

	got, ok := rc.Get("agent-1", "  what  ARE your hours?  ")
	if !ok || got != "We are open 9 to 5." {
		t.Errorf("Get = (%q, %v), want hit", got, ok)
	}
	if _, ok := rc.Get("agent-2", "What are your hours?"); ok {
		t.Error("different agent must miss")
	}
}

func TestResponseCache_MissingAgentSharesBucket(t *testing.T) {
	rc := NewResponseCache(time.Minute, 8)
	rc.Put("", "hello", "hi there")
	if _, ok := rc.Get("", "hello"); !ok {
		t.Error("agentless entries should hit the shared bucket")
	}
}

func TestResponseCache_TTLExpiry(t *testing.T) {
	rc := NewResponseCache(time.Minute, 8)
	now := time.Now()
	rc.now = func() time.Time { return now }

	rc.Put("a", "q", "r")
	now = now.Add(2 * time.Minute)
	if _, ok := rc.Get("a", "q"); ok {
		t.Error("expired entry must miss")
	}
}

func TestResponseCache_Disabled(t *testing.T) {
	rc := NewResponseCache(0, 8)
	rc.Put("a", "q", "r")
	if _, ok := rc.Get("a", "q"); ok {
		t.Error("disabled cache must never hit")
	}
}

func TestResponseCache_CapacityEvictsOldest(t *testing.T) {
	rc := NewResponseCache(time.Hour, 2)
	now := time.Now()
	rc.now = func() time.Time { return now }

	rc.Put("a", "q1", "r1")
	now = now.Add(time.Second)
	rc.Put("a", "q2", "r2")
	now = now.Add(time.Second)
	rc.Put("a", "q3", "r3")

	if _, ok := rc.Get("a", "q1"); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := rc.Get("a", "q3"); !ok {
		t.Error("newest entry should be present")
	}
}
