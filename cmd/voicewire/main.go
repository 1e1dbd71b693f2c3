// Command voicewire is the main entry point for the Voicewire voice agent
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/internal/health"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/resilience"
	"github.com/voicewire/voicewire/internal/server"
	"github.com/voicewire/voicewire/internal/store"
	"github.com/voicewire/voicewire/internal/turn"
	"github.com/voicewire/voicewire/pkg/provider/embeddings"
	oaembed "github.com/voicewire/voicewire/pkg/provider/embeddings/openai"
	"github.com/voicewire/voicewire/pkg/provider/llm"
	"github.com/voicewire/voicewire/pkg/provider/llm/anyllm"
	"github.com/voicewire/voicewire/pkg/provider/stt"
	"github.com/voicewire/voicewire/pkg/provider/stt/deepgram"
	"github.com/voicewire/voicewire/pkg/provider/tts"
	"github.com/voicewire/voicewire/pkg/provider/tts/elevenlabs"
	"github.com/voicewire/voicewire/pkg/rag"
	"github.com/voicewire/voicewire/pkg/rag/pgstore"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicewire: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicewire: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voicewire starting",
		"config", *configPath,
		"listen", cfg.Server.Listen,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	metricsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voicewire",
	})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsShutdown(sctx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	sttP, llmP, ttsP, embedP, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Database, turn store, retrieval ───────────────────────────────────────
	var (
		pool      *pgxpool.Pool
		recorder  turn.Recorder
		retriever *resilience.GuardedRetriever
		writer    *store.Writer
	)
	if cfg.Database.DSN != "" {
		pool, err = pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			slog.Error("failed to create database pool", "err", err)
			return 1
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			slog.Error("database unreachable", "err", err)
			return 1
		}
		if err := store.Migrate(ctx, pool); err != nil {
			slog.Error("turn store migration failed", "err", err)
			return 1
		}

		writer = store.NewWriter(store.NewPostgresWithPool(pool), store.WithLogger(logger))
		defer writer.Close()
		recorder = writer

		if cfg.RAG.Enabled {
			if err := pgstore.Migrate(ctx, pool, cfg.Database.EmbeddingDimensions); err != nil {
				slog.Error("snippet index migration failed", "err", err)
				return 1
			}
			retriever = resilience.GuardRetriever(
				pgstore.NewWithPool(pool, embedP),
				resilience.BreakerConfig{Name: "rag", Logger: logger},
			)
		}
	}

	// ── WebSocket server ──────────────────────────────────────────────────────
	srvCfg := server.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		STT: stt.StreamConfig{
			Language:   cfg.Providers.STT.Language,
			SampleRate: cfg.Providers.STT.SampleRate,
			Encoding:   "linear16",
		},
		Turn: turn.Config{
			SystemPrompt: cfg.Turn.SystemPrompt,
			Model:        cfg.Providers.LLM.Model,
			Voice: tts.Voice{
				ID:       cfg.Providers.TTS.VoiceID,
				Provider: cfg.Providers.TTS.Name,
			},
			InitialDebounce:       time.Duration(cfg.Turn.InitialDebounceMS) * time.Millisecond,
			AdaptiveDebounce:      cfg.Turn.AdaptiveEnabled(),
			CancellationThreshold: cfg.Turn.CancellationRateThreshold,
			RAGTopK:               cfg.RAG.TopK,
			RAGTimeout:            time.Duration(cfg.Turn.RAGTimeoutMS) * time.Millisecond,
			Guardrails:            rag.Guardrails{MinSimilarity: cfg.RAG.MinSimilarity},
		},
	}

	srvOpts := []server.Option{server.WithLogger(logger)}
	if retriever != nil {
		srvOpts = append(srvOpts, server.WithRetriever(retriever))
	}
	if recorder != nil {
		srvOpts = append(srvOpts, server.WithRecorder(recorder))
	}
	srv := server.New(srvCfg, sttP, llmP, ttsP, srvOpts...)

	// ── HTTP surface ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("/ws", srv.Handler())
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.Database(pool),
		health.Retrieval(retriever),
		health.Sessions(srv.SessionCount, 0),
	).Register(mux)

	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down", "listen", cfg.Server.Listen)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	srv.Close()

	slog.Info("goodbye")
	return 0
}

// buildProviders constructs the configured STT, LLM, TTS, and embeddings
// providers. The embeddings provider is nil when not configured.
func buildProviders(cfg *config.Config) (stt.Provider, llm.Provider, tts.Provider, embeddings.Provider, error) {
	// ── STT ───────────────────────────────────────────────────────────────────
	if cfg.Providers.STT.Name != "deepgram" {
		return nil, nil, nil, nil, fmt.Errorf("unsupported stt provider %q", cfg.Providers.STT.Name)
	}
	var sttOpts []deepgram.Option
	if cfg.Providers.STT.Model != "" {
		sttOpts = append(sttOpts, deepgram.WithModel(cfg.Providers.STT.Model))
	}
	if cfg.Providers.STT.Language != "" {
		sttOpts = append(sttOpts, deepgram.WithLanguage(cfg.Providers.STT.Language))
	}
	if cfg.Providers.STT.SampleRate != 0 {
		sttOpts = append(sttOpts, deepgram.WithSampleRate(cfg.Providers.STT.SampleRate))
	}
	sttP, err := deepgram.New(cfg.Providers.STT.APIKey, sttOpts...)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("stt provider: %w", err)
	}

	// ── LLM ───────────────────────────────────────────────────────────────────
	var llmOpts []anyllmlib.Option
	if cfg.Providers.LLM.APIKey != "" {
		llmOpts = append(llmOpts, anyllmlib.WithAPIKey(cfg.Providers.LLM.APIKey))
	}
	if cfg.Providers.LLM.BaseURL != "" {
		llmOpts = append(llmOpts, anyllmlib.WithBaseURL(cfg.Providers.LLM.BaseURL))
	}
	llmP, err := anyllm.New(cfg.Providers.LLM.Name, cfg.Providers.LLM.Model, llmOpts...)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("llm provider: %w", err)
	}

	// ── TTS ───────────────────────────────────────────────────────────────────
	if cfg.Providers.TTS.Name != "elevenlabs" {
		return nil, nil, nil, nil, fmt.Errorf("unsupported tts provider %q", cfg.Providers.TTS.Name)
	}
	var ttsOpts []elevenlabs.Option
	if cfg.Providers.TTS.Model != "" {
		ttsOpts = append(ttsOpts, elevenlabs.WithModel(cfg.Providers.TTS.Model))
	}
	ttsP, err := elevenlabs.New(cfg.Providers.TTS.APIKey, ttsOpts...)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("tts provider: %w", err)
	}

	// ── Embeddings (optional) ─────────────────────────────────────────────────
	var embedP embeddings.Provider
	if cfg.Providers.Embeddings.Name != "" {
		if cfg.Providers.Embeddings.Name != "openai" {
			return nil, nil, nil, nil, fmt.Errorf("unsupported embeddings provider %q", cfg.Providers.Embeddings.Name)
		}
		embedP, err = oaembed.New(cfg.Providers.Embeddings.APIKey, cfg.Providers.Embeddings.Model)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("embeddings provider: %w", err)
		}
	}

	return sttP, llmP, ttsP, embedP, nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
