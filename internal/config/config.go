// Package config provides the YAML configuration schema and loader for the
// Voicewire server.
package config

// LogLevel controls log verbosity for the Voicewire server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Turn      TurnConfig      `yaml:"turn"`
	RAG       RAGConfig       `yaml:"rag"`
	Database  DatabaseConfig  `yaml:"database"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// Listen is the TCP address the server listens on (e.g., ":8080").
	Listen string `yaml:"listen"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins is the WebSocket origin whitelist. Empty means
	// same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ProvidersConfig declares one provider per pipeline stage.
type ProvidersConfig struct {
	STT        STTProviderConfig        `yaml:"stt"`
	LLM        LLMProviderConfig        `yaml:"llm"`
	TTS        TTSProviderConfig        `yaml:"tts"`
	Embeddings EmbeddingsProviderConfig `yaml:"embeddings"`
}

// STTProviderConfig selects and configures the speech-to-text provider.
type STTProviderConfig struct {
	// Name selects the provider implementation (e.g., "deepgram").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key"`

	// Model selects the recognition model (e.g., "nova-2").
	Model string `yaml:"model"`

	// SampleRate is the inbound PCM sample rate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Language hints the recognition language (BCP-47).
	Language string `yaml:"language"`
}

// LLMProviderConfig selects and configures the language-model provider.
type LLMProviderConfig struct {
	// Name selects the provider implementation (e.g., "openai", "anthropic").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the completion model (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`
}

// TTSProviderConfig selects and configures the text-to-speech provider.
type TTSProviderConfig struct {
	// Name selects the provider implementation (e.g., "elevenlabs").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key"`

	// VoiceID is the default voice.
	VoiceID string `yaml:"voice_id"`

	// Model selects the synthesis model (e.g., "eleven_flash_v2_5").
	Model string `yaml:"model"`
}

// EmbeddingsProviderConfig selects and configures the embeddings provider
// used by retrieval.
type EmbeddingsProviderConfig struct {
	// Name selects the provider implementation (e.g., "openai").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key"`

	// Model selects the embedding model (e.g., "text-embedding-3-small").
	Model string `yaml:"model"`
}

// TurnConfig tunes the turn controller.
type TurnConfig struct {
	// InitialDebounceMS seeds the silence debounce. Default: 400.
	InitialDebounceMS int `yaml:"initial_debounce_ms"`

	// MinDebounceMS is the debounce floor. Default: 400.
	MinDebounceMS int `yaml:"min_debounce_ms"`

	// MaxDebounceMS is the debounce ceiling. Default: 1200.
	MaxDebounceMS int `yaml:"max_debounce_ms"`

	// CancellationRateThreshold is the partial-transcript confidence above
	// which new speech cancels a speculative turn. Default: 0.30.
	CancellationRateThreshold float64 `yaml:"cancellation_rate_threshold"`

	// AdaptiveDebounce enables the debounce adaptation loop. Default: true
	// (set via pointer so an explicit false survives decoding).
	AdaptiveDebounce *bool `yaml:"adaptive_debounce"`

	// RAGTimeoutMS bounds speculative retrieval. Default: 350.
	RAGTimeoutMS int `yaml:"rag_timeout_ms"`

	// SystemPrompt is the base system prompt for every turn.
	SystemPrompt string `yaml:"system_prompt"`
}

// RAGConfig tunes snippet retrieval.
type RAGConfig struct {
	// Enabled turns retrieval on. Requires an embeddings provider and a
	// database DSN.
	Enabled bool `yaml:"enabled"`

	// TopK is how many snippets are retrieved per query. Default: 3.
	TopK int `yaml:"top_k"`

	// MinSimilarity drops snippets below this cosine similarity.
	// Default: 0.65.
	MinSimilarity float64 `yaml:"min_similarity"`
}

// DatabaseConfig configures the shared PostgreSQL connection.
type DatabaseConfig struct {
	// DSN is the PostgreSQL connection string. Empty disables persistence
	// and retrieval.
	DSN string `yaml:"dsn"`

	// EmbeddingDimensions is the pgvector column width. Default: 1536.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// AdaptiveEnabled resolves the adaptive-debounce default.
func (t TurnConfig) AdaptiveEnabled() bool {
	if t.AdaptiveDebounce == nil {
		return true
	}
	return *t.AdaptiveDebounce
}
