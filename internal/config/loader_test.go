package config

import (
	"strings"
	"testing"
)

// validYAML is a minimal configuration that passes validation.
const validYAML = `
server:
  listen: ":9090"
  log_level: debug
  allowed_origins: ["example.com"]
providers:
  stt:
    name: deepgram
    api_key: dg-key
    model: nova-2
    sample_rate: 16000
  llm:
    name: openai
    api_key: oa-key
    model: gpt-4o-mini
  tts:
    name: elevenlabs
    api_key: el-key
    voice_id: voice-1
    model: eleven_flash_v2_5
  embeddings:
    name: openai
    api_key: oa-key
    model: text-embedding-3-small
turn:
  initial_debounce_ms: 500
  cancellation_rate_threshold: 0.25
  system_prompt: "You are a concise assistant."
rag:
  enabled: true
  top_k: 3
  min_similarity: 0.7
database:
  dsn: "postgres://localhost/voicewire"
  embedding_dimensions: 1536
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.Listen != ":9090" {
		t.Errorf("want listen :9090, got %q", cfg.Server.Listen)
	}
	if cfg.Providers.STT.Model != "nova-2" {
		t.Errorf("want stt model nova-2, got %q", cfg.Providers.STT.Model)
	}
	if cfg.Turn.InitialDebounceMS != 500 {
		t.Errorf("want initial debounce 500, got %d", cfg.Turn.InitialDebounceMS)
	}
	if cfg.Turn.CancellationRateThreshold != 0.25 {
		t.Errorf("want threshold 0.25, got %v", cfg.Turn.CancellationRateThreshold)
	}
	if !cfg.Turn.AdaptiveEnabled() {
		t.Error("adaptive debounce must default to enabled")
	}
	if !cfg.RAG.Enabled || cfg.RAG.TopK != 3 {
		t.Errorf("rag config mismatch: %+v", cfg.RAG)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	const minimal = `
providers:
  stt: {name: deepgram, api_key: k}
  llm: {name: openai, api_key: k}
  tts: {name: elevenlabs, api_key: k}
`
	cfg, err := LoadFromReader(strings.NewReader(minimal))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("want default listen :8080, got %q", cfg.Server.Listen)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("want default log level info, got %q", cfg.Server.LogLevel)
	}
	if cfg.Providers.STT.SampleRate != 16000 {
		t.Errorf("want default sample rate 16000, got %d", cfg.Providers.STT.SampleRate)
	}
	if cfg.Turn.InitialDebounceMS != 400 || cfg.Turn.MinDebounceMS != 400 || cfg.Turn.MaxDebounceMS != 1200 {
		t.Errorf("debounce defaults mismatch: %+v", cfg.Turn)
	}
	if cfg.Turn.CancellationRateThreshold != 0.30 {
		t.Errorf("want default threshold 0.30, got %v", cfg.Turn.CancellationRateThreshold)
	}
	if cfg.Turn.RAGTimeoutMS != 350 {
		t.Errorf("want default rag timeout 350, got %d", cfg.Turn.RAGTimeoutMS)
	}
	if cfg.RAG.TopK != 3 || cfg.RAG.MinSimilarity != 0.65 {
		t.Errorf("rag defaults mismatch: %+v", cfg.RAG)
	}
	if cfg.Database.EmbeddingDimensions != 1536 {
		t.Errorf("want default dimensions 1536, got %d", cfg.Database.EmbeddingDimensions)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	const withTypo = `
providers:
  stt: {name: deepgram, api_key: k}
  llm: {name: openai, api_key: k}
  tts: {name: elevenlabs, api_key: k}
turn:
  initial_debouce_ms: 500
`
	if _, err := LoadFromReader(strings.NewReader(withTypo)); err == nil {
		t.Fatal("want error for unknown field")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  string // YAML fragment replacing the defaults
		wantErr string
	}{
		{
			name:    "bad log level",
			mutate:  "server: {log_level: verbose}",
			wantErr: "server.log_level",
		},
		{
			name:    "missing stt api key",
			mutate:  "providers: {stt: {name: deepgram}, llm: {name: openai, api_key: k}, tts: {name: elevenlabs, api_key: k}}",
			wantErr: "providers.stt.api_key",
		},
		{
			name:    "debounce below floor",
			mutate:  "turn: {initial_debounce_ms: 200}",
			wantErr: "turn.initial_debounce_ms",
		},
		{
			name:    "debounce above ceiling",
			mutate:  "turn: {max_debounce_ms: 5000}",
			wantErr: "turn.max_debounce_ms",
		},
		{
			name:    "threshold out of range",
			mutate:  "turn: {cancellation_rate_threshold: 0.9}",
			wantErr: "turn.cancellation_rate_threshold",
		},
		{
			name:    "top_k zero",
			mutate:  "rag: {top_k: -1}",
			wantErr: "rag.top_k",
		},
		{
			name:    "rag without embeddings",
			mutate:  "rag: {enabled: true}",
			wantErr: "rag.enabled requires providers.embeddings",
		},
	}

	const base = `
providers:
  stt: {name: deepgram, api_key: k}
  llm: {name: openai, api_key: k}
  tts: {name: elevenlabs, api_key: k}
`

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			yaml := base + tt.mutate + "\n"
			if strings.HasPrefix(tt.mutate, "providers:") {
				yaml = tt.mutate + "\n"
			}
			_, err := LoadFromReader(strings.NewReader(yaml))
			if err == nil {
				t.Fatal("want validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("want error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateRequiresCoreProviders(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server: {listen: \":8080\"}"))
	if err == nil {
		t.Fatal("want error for missing providers")
	}
	for _, want := range []string{"providers.stt.name", "providers.llm.name", "providers.tts.name"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("want error mentioning %s, got %v", want, err)
		}
	}
}

func TestAdaptiveDebounceExplicitFalse(t *testing.T) {
	const yaml = `
providers:
  stt: {name: deepgram, api_key: k}
  llm: {name: openai, api_key: k}
  tts: {name: elevenlabs, api_key: k}
turn:
  adaptive_debounce: false
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Turn.AdaptiveEnabled() {
		t.Error("explicit false must disable adaptive debounce")
	}
}
