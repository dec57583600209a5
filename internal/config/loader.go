package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must not exceed 1", cfg.Server.TraceSampleRatio))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for i, e := range cfg.Providers.LLMFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", e.Name)
	}
	if len(cfg.Providers.LLMFallbacks) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
	}
	for i, e := range cfg.Providers.EmbeddingsFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.embeddings_fallbacks[%d].name is required", i))
		}
		validateProviderName("embeddings", e.Name)
	}
	if len(cfg.Providers.EmbeddingsFallbacks) > 0 && cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("providers.embeddings_fallbacks requires providers.embeddings"))
	}

	// Catalog
	if cfg.Catalog.File == "" && cfg.Catalog.PostgresDSN == "" {
		slog.Warn("no catalog source configured; every task will route to a video quote")
	}
	if cfg.Catalog.TTL < 0 {
		errs = append(errs, fmt.Errorf("catalog.ttl %v must not be negative", cfg.Catalog.TTL))
	}
	if cfg.Catalog.EmbedMissing && cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("catalog.embed_missing requires providers.embeddings"))
	}

	// Detection
	errs = append(errs, validateThresholds(cfg)...)

	// Session
	s := cfg.Session
	for name, d := range map[string]int64{
		"debounce":       int64(s.Debounce),
		"tier2_debounce": int64(s.Tier2Debounce),
		"final_timeout":  int64(s.FinalTimeout),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("session.%s must not be negative", name))
		}
	}
	if s.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("session.history_size %d must not be negative", s.HistorySize))
	}
	if s.SplitWindow < 0 {
		errs = append(errs, fmt.Errorf("session.split_window %d must not be negative", s.SplitWindow))
	}
	if s.MaxConcurrentTasks < 0 {
		errs = append(errs, fmt.Errorf("session.max_concurrent_tasks %d must not be negative", s.MaxConcurrentTasks))
	}

	// Limits
	if cfg.Limits.LLMRPS < 0 || cfg.Limits.EmbeddingsRPS < 0 {
		errs = append(errs, errors.New("limits: request rates must not be negative"))
	}

	// Recorder
	if cfg.Recorder.Enabled && cfg.Catalog.PostgresDSN == "" {
		errs = append(errs, errors.New("recorder.enabled requires catalog.postgres_dsn"))
	}

	return errors.Join(errs...)
}

// validateThresholds checks the detection cut-offs lie in [0, 100] and are
// ordered so every tier can still be reached.
func validateThresholds(cfg *Config) []error {
	var errs []error
	t := cfg.Detection
	scores := []struct {
		name string
		v    float64
	}{
		{"keyword_accept", t.KeywordAccept},
		{"keyword_provisional", t.KeywordProvisional},
		{"embedding_gate", t.EmbeddingGate},
		{"min_similarity", t.MinSimilarity},
		{"embedding_accept", t.EmbeddingAccept},
		{"classifier_accept", t.ClassifierAccept},
		{"classifier_green", t.ClassifierGreen},
	}
	for _, sc := range scores {
		if sc.v < 0 || sc.v > 100 {
			errs = append(errs, fmt.Errorf("detection.%s %.1f is out of range [0, 100]", sc.name, sc.v))
		}
	}
	if t.KeywordProvisional > t.KeywordAccept {
		errs = append(errs, fmt.Errorf("detection.keyword_provisional %.1f exceeds keyword_accept %.1f", t.KeywordProvisional, t.KeywordAccept))
	}
	if t.ClassifierAccept > t.ClassifierGreen {
		errs = append(errs, fmt.Errorf("detection.classifier_accept %.1f exceeds classifier_green %.1f", t.ClassifierAccept, t.ClassifierGreen))
	}
	if t.TopK < 0 {
		errs = append(errs, fmt.Errorf("detection.top_k %d must not be negative", t.TopK))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
