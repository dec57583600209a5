package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Courtneyezra/handyservices-app-sub008/pkg/provider/llm"
)

// ErrNoTasks is returned when the model produced an empty task list.
var ErrNoTasks = errors.New("tasks: splitter returned no tasks")

const splitterSystemPrompt = `You read a transcript of a customer phoning a handyman business and list the separate jobs the customer asked for.

Rules:
- Only list jobs the customer explicitly states. Never invent specific jobs.
- If the request is vague (for example "lots of little issues" or "a few other bits"), list it as one job using the customer's own words.
- Keep each description short and in the customer's words, e.g. "mount TV on wall".
- quantity is how many of that job, 1 if not stated.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"tasks": [{"description": "<job>", "quantity": <integer>}]}`

// Budget defaults for [LLMSplitter].
const (
	defaultOutputReserve = 1024
	minInputTokens       = 256
)

type splitterResponse struct {
	Tasks []Raw `json:"tasks"`
}

// LLMSplitter implements [Splitter] with a language model. Input longer
// than the model's context budget is cut from the front so the most recent
// part of the call is kept.
type LLMSplitter struct {
	llm         llm.Provider
	maxTokens   int
	temperature float64
}

// LLMOption configures an [LLMSplitter].
type LLMOption func(*LLMSplitter)

// WithMaxInputTokens caps the prompt size. Zero derives the cap from the
// provider's context window.
func WithMaxInputTokens(n int) LLMOption {
	return func(s *LLMSplitter) {
		s.maxTokens = n
	}
}

// WithSplitterTemperature sets the sampling temperature. Default: 0.
func WithSplitterTemperature(t float64) LLMOption {
	return func(s *LLMSplitter) { s.temperature = t }
}

// NewLLMSplitter returns a splitter backed by p.
func NewLLMSplitter(p llm.Provider, opts ...LLMOption) *LLMSplitter {
	s := &LLMSplitter{llm: p}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Split implements [Splitter].
func (s *LLMSplitter) Split(ctx context.Context, text string) ([]Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrNoTasks
	}

	msgs, err := s.fitMessages(text)
	if err != nil {
		return nil, err
	}
	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		JSONMode:     true,
		SystemPrompt: splitterSystemPrompt,
		Temperature:  s.temperature,
		Messages:     msgs,
	})
	if err != nil {
		return nil, fmt.Errorf("tasks: split: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("tasks: split: %w", llm.ErrMalformedResponse)
	}

	var r splitterResponse
	if err := llm.DecodeJSON(resp.Content, &r); err != nil {
		return nil, fmt.Errorf("tasks: split: %w", err)
	}
	out := Build(r.Tasks)
	if len(out) == 0 {
		return nil, ErrNoTasks
	}
	return out, nil
}

// fitMessages builds the user message and trims text from the front until
// the prompt fits the token budget.
func (s *LLMSplitter) fitMessages(text string) ([]llm.Message, error) {
	system := llm.Message{Role: "system", Content: splitterSystemPrompt}
	budget := s.budget()
	if budget <= 0 {
		return []llm.Message{{Role: "user", Content: text}}, nil
	}
	overhead, err := s.llm.CountTokens([]llm.Message{system})
	if err != nil {
		return nil, fmt.Errorf("tasks: count tokens: %w", err)
	}
	target := max(budget-overhead, 1)

	for range 4 {
		user := llm.Message{Role: "user", Content: text}
		n, err := s.llm.CountTokens([]llm.Message{system, user})
		if err != nil {
			return nil, fmt.Errorf("tasks: count tokens: %w", err)
		}
		if n <= budget {
			break
		}
		userTokens := max(n-overhead, 1)
		text = TrailingWindow(text, max(len(text)*target/userTokens*9/10, 1))
	}
	return []llm.Message{{Role: "user", Content: text}}, nil
}

func (s *LLMSplitter) budget() int {
	if s.maxTokens > 0 {
		return s.maxTokens
	}
	window := s.llm.Capabilities().ContextWindow
	if window == 0 {
		return 0
	}
	return max(window-defaultOutputReserve, minInputTokens)
}

// TrailingWindow returns at most n trailing bytes of text, starting on a word
// boundary when one is available.
func TrailingWindow(text string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(text) <= n {
		return text
	}
	start := len(text) - n
	for start < len(text) && !utf8.RuneStart(text[start]) {
		start++
	}
	cut := text[start:]
	if start > 0 && !strings.ContainsAny(text[start-1:start], " \n\t") {
		if i := strings.IndexAny(cut, " \n\t"); i >= 0 && i < len(cut)-1 {
			cut = cut[i+1:]
		}
	}
	return strings.TrimSpace(cut)
}
