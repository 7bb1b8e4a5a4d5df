package action

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AroonSharma/woic-agent-server-sub000/internal/config"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

func TestBuildResult_PlainText(t *testing.T) {
	r := buildResult("send_email", "sent to bob@example.com", true)
	if !r.Success || r.Action != "send_email" {
		t.Errorf("result = %+v", r)
	}
	if r.Message != "sent to bob@example.com" {
		t.Errorf("message = %q", r.Message)
	}
	if r.Data != nil {
		t.Errorf("data = %v, want nil for plain text", r.Data)
	}
}

func TestBuildResult_JSONObject(t *testing.T) {
	r := buildResult("create_note", `{"noteId":"n-42"}`, true)
	if r.Data == nil || r.Data["noteId"] != "n-42" {
		t.Errorf("data = %v", r.Data)
	}
	if r.Message != `{"noteId":"n-42"}` {
		t.Errorf("message = %q", r.Message)
	}
}

func TestSchemaToMap(t *testing.T) {
	if m := schemaToMap(nil); m["type"] != "object" {
		t.Errorf("nil schema = %v", m)
	}
	m := schemaToMap(map[string]any{"type": "object", "required": []any{"to"}})
	if m["type"] != "object" {
		t.Errorf("map schema = %v", m)
	}
	// Arbitrary structs are converted through a JSON round-trip.
	type schema struct {
		Type string `json:"type"`
	}
	if m := schemaToMap(schema{Type: "object"}); m["type"] != "object" {
		t.Errorf("struct schema = %v", m)
	}
}

func TestAuthHTTPClient(t *testing.T) {
	if c := authHTTPClient(""); c != nil {
		t.Error("empty token should use the SDK default client")
	}

	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	c := authHTTPClient("tok-123")
	resp, err := c.Get(srv.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if got != "Bearer tok-123" {
		t.Errorf("authorization = %q", got)
	}
}

func TestExecutor_UnknownTool(t *testing.T) {
	e := NewExecutor(config.ActionsConfig{})
	call := types.ToolCall{ID: "c1", Name: "nope", Arguments: "{}"}
	if _, err := e.Execute(context.Background(), "u1", call); err == nil {
		t.Error("expected error for unknown tool")
	}
}
