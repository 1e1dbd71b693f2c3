package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind. Unknown
// names only warn: they may be typos or third-party implementations.
var ValidProviderNames = map[string][]string{
	"stt":        {"deepgram"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "mistral", "groq"},
	"tts":        {"elevenlabs"},
	"embeddings": {"openai"},
}

// Debounce bounds in milliseconds.
const (
	minDebounceMS = 400
	maxDebounceMS = 1200
)

// Load reads the YAML configuration file at path, expands ${VAR} references
// from the environment, and returns a validated [Config].
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := LoadFromReader(strings.NewReader(os.ExpandEnv(string(raw))))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.STT.SampleRate == 0 {
		cfg.Providers.STT.SampleRate = 16000
	}
	if cfg.Turn.InitialDebounceMS == 0 {
		cfg.Turn.InitialDebounceMS = minDebounceMS
	}
	if cfg.Turn.MinDebounceMS == 0 {
		cfg.Turn.MinDebounceMS = minDebounceMS
	}
	if cfg.Turn.MaxDebounceMS == 0 {
		cfg.Turn.MaxDebounceMS = maxDebounceMS
	}
	if cfg.Turn.CancellationRateThreshold == 0 {
		cfg.Turn.CancellationRateThreshold = 0.30
	}
	if cfg.Turn.RAGTimeoutMS == 0 {
		cfg.Turn.RAGTimeoutMS = 350
	}
	if cfg.RAG.TopK == 0 {
		cfg.RAG.TopK = 3
	}
	if cfg.RAG.MinSimilarity == 0 {
		cfg.RAG.MinSimilarity = 0.65
	}
	if cfg.Database.EmbeddingDimensions == 0 {
		cfg.Database.EmbeddingDimensions = 1536
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// A named provider must carry its API key.
	if cfg.Providers.STT.Name != "" && cfg.Providers.STT.APIKey == "" {
		errs = append(errs, errors.New("providers.stt.api_key is required when providers.stt.name is set"))
	}
	if cfg.Providers.LLM.Name != "" && cfg.Providers.LLM.APIKey == "" {
		errs = append(errs, errors.New("providers.llm.api_key is required when providers.llm.name is set"))
	}
	if cfg.Providers.TTS.Name != "" && cfg.Providers.TTS.APIKey == "" {
		errs = append(errs, errors.New("providers.tts.api_key is required when providers.tts.name is set"))
	}
	if cfg.Providers.Embeddings.Name != "" && cfg.Providers.Embeddings.APIKey == "" {
		errs = append(errs, errors.New("providers.embeddings.api_key is required when providers.embeddings.name is set"))
	}

	// The pipeline cannot run without its three core stages.
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}

	if cfg.Providers.STT.SampleRate < 8000 || cfg.Providers.STT.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("providers.stt.sample_rate %d is out of range [8000, 48000]", cfg.Providers.STT.SampleRate))
	}

	// Turn tuning.
	if cfg.Turn.MinDebounceMS < minDebounceMS || cfg.Turn.MinDebounceMS > maxDebounceMS {
		errs = append(errs, fmt.Errorf("turn.min_debounce_ms %d is out of range [%d, %d]", cfg.Turn.MinDebounceMS, minDebounceMS, maxDebounceMS))
	}
	if cfg.Turn.MaxDebounceMS < minDebounceMS || cfg.Turn.MaxDebounceMS > maxDebounceMS {
		errs = append(errs, fmt.Errorf("turn.max_debounce_ms %d is out of range [%d, %d]", cfg.Turn.MaxDebounceMS, minDebounceMS, maxDebounceMS))
	}
	if cfg.Turn.MinDebounceMS > cfg.Turn.MaxDebounceMS {
		errs = append(errs, fmt.Errorf("turn.min_debounce_ms %d exceeds turn.max_debounce_ms %d", cfg.Turn.MinDebounceMS, cfg.Turn.MaxDebounceMS))
	}
	if cfg.Turn.InitialDebounceMS < cfg.Turn.MinDebounceMS || cfg.Turn.InitialDebounceMS > cfg.Turn.MaxDebounceMS {
		errs = append(errs, fmt.Errorf("turn.initial_debounce_ms %d is outside [%d, %d]", cfg.Turn.InitialDebounceMS, cfg.Turn.MinDebounceMS, cfg.Turn.MaxDebounceMS))
	}
	if cfg.Turn.CancellationRateThreshold < 0.1 || cfg.Turn.CancellationRateThreshold > 0.5 {
		errs = append(errs, fmt.Errorf("turn.cancellation_rate_threshold %.2f is out of range [0.1, 0.5]", cfg.Turn.CancellationRateThreshold))
	}
	if cfg.Turn.RAGTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("turn.rag_timeout_ms %d must be positive", cfg.Turn.RAGTimeoutMS))
	}

	// Retrieval.
	if cfg.RAG.TopK < 1 {
		errs = append(errs, fmt.Errorf("rag.top_k %d must be at least 1", cfg.RAG.TopK))
	}
	if cfg.RAG.MinSimilarity < 0 || cfg.RAG.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("rag.min_similarity %.2f is out of range [0, 1]", cfg.RAG.MinSimilarity))
	}
	if cfg.RAG.Enabled {
		if cfg.Providers.Embeddings.Name == "" {
			errs = append(errs, errors.New("rag.enabled requires providers.embeddings to be configured"))
		}
		if cfg.Database.DSN == "" {
			errs = append(errs, errors.New("rag.enabled requires database.dsn to be configured"))
		}
	}

	if cfg.Database.EmbeddingDimensions <= 0 {
		errs = append(errs, fmt.Errorf("database.embedding_dimensions %d must be positive", cfg.Database.EmbeddingDimensions))
	}

	if cfg.Database.DSN == "" {
		slog.Warn("database.dsn is empty; turn records will not be persisted")
	}

	return errors.Join(errs...)
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
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
