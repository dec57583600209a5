package match

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/catalog"
	"github.com/Courtneyezra/handyservices-app-sub008/pkg/provider/llm"
	llmmock "github.com/Courtneyezra/handyservices-app-sub008/pkg/provider/llm/mock"
)

func TestLLMClassifier_Classify(t *testing.T) {
	t.Parallel()

	candidates := testItems()[:2]
	tests := []struct {
		name      string
		content   string
		err       error
		wantIndex int
		wantConf  float64
		wantErr   bool
		malformed bool
	}{
		{name: "pick", content: `{"index": 1, "confidence": 92, "rationale": "tv bracket"}`, wantIndex: 1, wantConf: 92},
		{name: "fenced", content: "```json\n{\"index\": 0, \"confidence\": 80}\n```", wantIndex: 0, wantConf: 80},
		{name: "none", content: `{"index": null, "confidence": 10}`, wantIndex: -1, wantConf: 10},
		{name: "clamped", content: `{"index": 0, "confidence": 140}`, wantIndex: 0, wantConf: 100},
		{name: "out of range", content: `{"index": 5, "confidence": 99}`, wantIndex: -1, wantErr: true, malformed: true},
		{name: "prose", content: "It's the TV one.", wantIndex: -1, wantErr: true, malformed: true},
		{name: "provider error", err: errors.New("503"), wantIndex: -1, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: tc.content}, CompleteErr: tc.err}
			c := NewLLMClassifier(p)

			got, err := c.Classify(context.Background(), "mount my telly", candidates)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if tc.malformed && !errors.Is(err, llm.ErrMalformedResponse) {
				t.Errorf("err = %v, want ErrMalformedResponse", err)
			}
			if got.Index != tc.wantIndex {
				t.Errorf("Index = %d, want %d", got.Index, tc.wantIndex)
			}
			if !tc.wantErr && got.Confidence != tc.wantConf {
				t.Errorf("Confidence = %v, want %v", got.Confidence, tc.wantConf)
			}
		})
	}
}

func TestLLMClassifier_Prompt(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"index": null}`}}
	c := NewLLMClassifier(p)
	if _, err := c.Classify(context.Background(), "mount my telly", testItems()[:2]); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if p.CallCount() != 1 {
		t.Fatalf("calls = %d, want 1", p.CallCount())
	}
	req := p.CompleteCalls[0].Req
	if req.SystemPrompt == "" {
		t.Error("expected system prompt")
	}
	if !req.JSONMode {
		t.Error("expected JSON mode")
	}
	user := req.Messages[0].Content
	for _, want := range []string{"mount my telly", "0. [TAP-REPAIR]", "1. [TV-MOUNT]", "keywords: tv, mount"} {
		if !strings.Contains(user, want) {
			t.Errorf("prompt missing %q:\n%s", want, user)
		}
	}
}

func TestLLMClassifier_NoCandidates(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{}
	got, err := NewLLMClassifier(p).Classify(context.Background(), "x", []catalog.Item{})
	if err != nil || got.Index != -1 {
		t.Errorf("Classify = %+v, %v", got, err)
	}
	if p.CallCount() != 0 {
		t.Error("provider should not be called without candidates")
	}
}
