package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/turn"
	"github.com/voicewire/voicewire/pkg/rag"
	"github.com/voicewire/voicewire/pkg/provider/llm"
	"github.com/voicewire/voicewire/pkg/provider/stt"
	"github.com/voicewire/voicewire/pkg/provider/tts"
)

// Config holds the per-server knobs shared by every session.
type Config struct {
	// AllowedOrigins is passed to the WebSocket accept handshake. Empty
	// restricts connections to same-origin.
	AllowedOrigins []string

	// STT is the stream configuration handed to the speech provider.
	STT stt.StreamConfig

	// Reconnect tunes the reconnecting STT wrapper.
	Reconnect stt.ReconnectConfig

	// Turn is the controller template; SessionID and Logger are filled per
	// session.
	Turn turn.Config
}

// Server accepts WebSocket connections and runs one Session per connection.
type Server struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	sttProvider stt.Provider
	llmProvider llm.Provider
	ttsProvider tts.Provider
	retriever   rag.Retriever
	recorder    turn.Recorder

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// Option configures a Server during construction.
type Option func(*Server)

// WithRetriever wires the snippet retriever into every session's controller.
func WithRetriever(r rag.Retriever) Option {
	return func(s *Server) { s.retriever = r }
}

// WithRecorder wires the turn-record sink into every session's controller.
func WithRecorder(r turn.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds a server over the given providers.
func New(cfg Config, sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, opts ...Option) *Server {
	s := &Server{
		cfg:         cfg,
		log:         slog.Default(),
		sttProvider: sttP,
		llmProvider: llmP,
		ttsProvider: ttsP,
		sessions:    make(map[string]*Session),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the HTTP handler exposing the /ws endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// handleWS upgrades the connection and blocks for the session's lifetime;
// returning from the handler tears the hijacked connection down.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.log.Warn("websocket accept rejected", "error", err, "remote", r.RemoteAddr)
		return
	}

	ctx := r.Context()
	id := uuid.NewString()
	log := s.log.With("session_id", id)

	sttSession, err := stt.NewReconnecting(ctx, s.sttProvider, s.cfg.STT, s.cfg.Reconnect)
	if err != nil {
		log.Error("stt connect failed", "error", err)
		conn.Close(websocket.StatusInternalError, "speech backend unavailable")
		return
	}

	sess := newSession(id, conn, s.cfg.STT.SampleRate, s.log)

	turnCfg := s.cfg.Turn
	turnCfg.SessionID = id
	turnCfg.Logger = s.log
	var turnOpts []turn.Option
	if s.retriever != nil {
		turnOpts = append(turnOpts, turn.WithRetriever(s.retriever))
	}
	if s.recorder != nil {
		turnOpts = append(turnOpts, turn.WithRecorder(s.recorder))
	}
	turnOpts = append(turnOpts, turn.WithMetrics(s.metrics))
	ctrl := turn.NewController(turnCfg, sess, sttSession, s.llmProvider, s.ttsProvider, turnOpts...)
	sess.bind(ctrl)

	if !s.register(sess) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		ctrl.Close()
		return
	}
	s.metrics.ActiveSessions.Add(ctx, 1)
	defer func() {
		s.unregister(id)
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}()

	// Pay provider session setup now rather than on the first reply.
	go func() {
		if err := s.ttsProvider.Prewarm(ctx, turnCfg.Voice); err != nil {
			log.Warn("tts prewarm failed", "error", err)
		}
	}()

	log.Info("session started", "remote", r.RemoteAddr)
	if err := sess.Run(ctx); err != nil {
		log.Warn("session ended", "error", err)
		return
	}
	log.Info("session ended")
}

func (s *Server) register(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess.id] = sess
	s.wg.Add(1)
	return true
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.wg.Done()
}

// SessionCount reports the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops accepting sessions, tears down the live ones, and waits for
// their handlers to return.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	open := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.close(nil)
	}
	s.wg.Wait()
}
