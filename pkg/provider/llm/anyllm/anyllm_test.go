package anyllm

import (
	"testing"

	"github.com/AroonSharma/woic-agent-server-sub000/pkg/provider/llm"
	"github.com/AroonSharma/woic-agent-server-sub000/pkg/types"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gemini-2.0-flash"); err == nil {
		t.Error("expected error for empty provider name")
	}
	if _, err := New("gemini", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("cohere", "command-r"); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "gemini-2.0-flash"}
	msgs := []types.Message{
		{Role: types.RoleSystem, Content: "You are concise."},
		{Role: types.RoleUser, Content: "Hello!"},
		{Role: types.RoleAssistant, Content: "Hi."},
	}
	params := p.buildParams(msgs, llm.Options{Temperature: 0.4, MaxTokens: 256})

	if params.Model != "gemini-2.0-flash" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(params.Messages))
	}
	if params.Messages[0].Role != "system" || params.Messages[0].ContentString() != "You are concise." {
		t.Errorf("system message = %+v", params.Messages[0])
	}
	if params.Temperature == nil || *params.Temperature != 0.4 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("maxTokens = %v", params.MaxTokens)
	}
}

func TestBuildParams_ModelOverride(t *testing.T) {
	p := &Provider{model: "gemini-2.0-flash"}
	params := p.buildParams(nil, llm.Options{Model: "gemini-1.5-pro"})
	if params.Model != "gemini-1.5-pro" {
		t.Errorf("model = %q, want override", params.Model)
	}
}

func TestBuildParams_ZeroOptionsOmitted(t *testing.T) {
	p := &Provider{model: "m"}
	params := p.buildParams(nil, llm.Options{})
	if params.Temperature != nil {
		t.Error("temperature should be nil when unset")
	}
	if params.MaxTokens != nil {
		t.Error("maxTokens should be nil when unset")
	}
}

func TestBuildParams_Tools(t *testing.T) {
	p := &Provider{model: "m"}
	params := p.buildParams(nil, llm.Options{
		Tools: []types.ToolDefinition{{
			Name:        "book_appointment",
			Description: "Books a slot.",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	if len(params.Tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(params.Tools))
	}
	if params.Tools[0].Function.Name != "book_appointment" {
		t.Errorf("tool name = %q", params.Tools[0].Function.Name)
	}
	if params.Tools[0].Type != "function" {
		t.Errorf("tool type = %q", params.Tools[0].Type)
	}
}

func TestEstimateCost_Ordering(t *testing.T) {
	flash := &Provider{model: "gemini-2.0-flash"}
	sonnet := &Provider{model: "claude-3-5-sonnet-latest"}
	if flash.EstimateCost(1000) >= sonnet.EstimateCost(1000) {
		t.Error("gemini flash should be cheaper than claude sonnet")
	}
	if flash.EstimateCost(0) != 0 {
		t.Error("zero tokens should cost zero")
	}
}

func TestMaxTokens(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"gemini-1.5-pro", 2_097_152},
		{"gemini-2.0-flash", 1_048_576},
		{"claude-3-5-sonnet-latest", 200_000},
		{"gpt-4o", 128_000},
	}
	for _, tc := range tests {
		p := &Provider{model: tc.model}
		if got := p.MaxTokens(); got != tc.want {
			t.Errorf("MaxTokens(%s) = %d, want %d", tc.model, got, tc.want)
		}
	}
}
