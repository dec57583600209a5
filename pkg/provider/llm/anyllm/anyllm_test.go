package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/Courtneyezra/handyservices-app-sub008/pkg/provider/llm"
)

// ── New ───────────────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "model"); err == nil {
		t.Error("expected error for empty provider name")
	}
	if _, err := New("ollama", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("not-a-backend", "model"); err == nil {
		t.Error("expected error for unsupported backend")
	}
}

func TestNew_NormalisesName(t *testing.T) {
	t.Parallel()

	p, err := New("OpenAI", "gpt-4o-mini", anyllmlib.WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.name != "openai" {
		t.Errorf("name = %q, want openai", p.name)
	}
}

// ── convertMessage ────────────────────────────────────────────────────────────

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	for _, role := range []string{"system", "user", "assistant"} {
		t.Run(role, func(t *testing.T) {
			got := convertMessage(llm.Message{Role: role, Content: "text", Name: "caller"})
			if got.Role != role {
				t.Errorf("Role = %q, want %q", got.Role, role)
			}
			if got.ContentString() != "text" {
				t.Errorf("Content = %q, want text", got.ContentString())
			}
			if got.Name != "caller" {
				t.Errorf("Name = %q, want caller", got.Name)
			}
		})
	}
}

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "claude-3-5-haiku-latest"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "be terse",
		Messages:     []llm.Message{{Role: "user", Content: "mount my tv"}},
		Temperature:  0.2,
		MaxTokens:    256,
	})

	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("Model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first message role = %q, want system", params.Messages[0].Role)
	}
	if params.Temperature == nil || *params.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("MaxTokens = %v, want 256", params.MaxTokens)
	}
}

func TestBuildParams_ZeroValuesOmitted(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o-mini"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if params.Temperature != nil {
		t.Error("expected nil Temperature")
	}
	if params.MaxTokens != nil {
		t.Error("expected nil MaxTokens")
	}
	if len(params.Messages) != 1 {
		t.Errorf("expected 1 message, got %d", len(params.Messages))
	}
}

// ── modelCapabilities ─────────────────────────────────────────────────────────

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model      string
		wantWindow int
	}{
		{"gpt-4o-mini", 128_000},
		{"gpt-4", 8_192},
		{"claude-3-5-sonnet-latest", 200_000},
		{"gemini-1.5-pro", 2_097_152},
		{"gemini-2.0-flash", 1_048_576},
		{"llama3.1:8b", 32_768},
		{"unknown", 128_000},
	}
	for _, tc := range tests {
		t.Run(tc.model, func(t *testing.T) {
			if got := modelCapabilities(tc.model).ContextWindow; got != tc.wantWindow {
				t.Errorf("ContextWindow = %d, want %d", got, tc.wantWindow)
			}
		})
	}
}

func TestCountTokens(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o-mini"}
	n, err := p.CountTokens([]llm.Message{{Role: "user", Content: "12345678"}})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	// 8 chars → 2 tokens + 4 overhead.
	if n != 6 {
		t.Errorf("CountTokens = %d, want 6", n)
	}
}
