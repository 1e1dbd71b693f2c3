// Package turn implements the per-session turn controller: a five-state
// lifecycle (IDLE, LISTENING, SPECULATIVE, COMMITTED, SPEAKING) that starts
// LLM work speculatively during the silence debounce, pipelines sentences
// into TTS at commit, and cancels everything silently when the user keeps
// talking.
//
// Each session runs one Controller. All mutable state is owned by a single
// event-loop goroutine; the server session, the STT pump, the speculation
// worker, the TTS worker, and the timers communicate with it exclusively
// through a typed event channel. Events produced by workers carry the
// sequence number of the speculation attempt that spawned them, so output
// from canceled attempts is dropped on arrival.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/internal/audio"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/pkg/provider/llm"
	"github.com/voicewire/voicewire/pkg/provider/stt"
	"github.com/voicewire/voicewire/pkg/provider/tts"
	"github.com/voicewire/voicewire/pkg/rag"
)

// Pipeline timeouts and tuning.
const (
	// DefaultRAGTimeout bounds retrieval so it always finishes inside the
	// shortest possible debounce.
	DefaultRAGTimeout = 350 * time.Millisecond

	// firstTokenTimeout is the LLM first-token watchdog per attempt.
	firstTokenTimeout = 5 * time.Second

	// firstChunkTimeout is the TTS first-chunk watchdog after commit.
	firstChunkTimeout = 5 * time.Second

	// speakingTimeout bounds the whole synthesis phase.
	speakingTimeout = 30 * time.Second

	// playbackTimeout bounds the wait for the client's playback_complete.
	playbackTimeout = 15 * time.Second

	// endpointDebounce replaces the remaining debounce when the STT
	// endpointer is confident the utterance is over.
	endpointDebounce = 100 * time.Millisecond

	// llmAttempts is the number of LLM stream attempts per speculation.
	llmAttempts = 2

	// telemetryEvery is the completed-turn interval between telemetry
	// messages.
	telemetryEvery = 5

	// DefaultCancellationThreshold is the minimum partial-transcript
	// confidence that cancels a speculation.
	DefaultCancellationThreshold = 0.30

	eventBufferSize = 256
	speakBufferSize = 64
)

// Config carries the per-session parameters of a Controller.
type Config struct {
	// SessionID identifies the owning session in records and logs.
	SessionID string

	// SystemPrompt is the base system prompt for every turn.
	SystemPrompt string

	// Model is the LLM model identifier; empty selects the provider default.
	Model string

	// Voice is the TTS voice used for synthesis.
	Voice tts.Voice

	// InitialDebounce seeds the adaptive debounce controller.
	InitialDebounce time.Duration

	// AdaptiveDebounce enables the per-turn debounce adaptation.
	AdaptiveDebounce bool

	// CancellationThreshold is the minimum partial confidence that cancels a
	// speculation. Zero selects DefaultCancellationThreshold.
	CancellationThreshold float64

	// RAGTopK is the snippet count requested from the retriever.
	RAGTopK int

	// RAGTimeout bounds retrieval. Zero selects DefaultRAGTimeout.
	RAGTimeout time.Duration

	// Guardrails filter retrieved snippets before prompt assembly.
	Guardrails rag.Guardrails

	// Logger receives structured logs; nil selects slog.Default.
	Logger *slog.Logger
}

// Option configures a Controller during construction.
type Option func(*Controller)

// WithRetriever wires a snippet retriever into speculation. Without one,
// turns run prompt-only.
func WithRetriever(r rag.Retriever) Option {
	return func(c *Controller) { c.retriever = r }
}

// WithRecorder wires a turn-record sink. Without one, records are dropped.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithMetrics overrides the metrics instance (tests use a private meter).
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// sessionSettings are the mutable knobs exposed via update_settings.
type sessionSettings struct {
	voice                 tts.Voice
	model                 string
	adaptive              bool
	cancellationThreshold float64
}

// activeTurn is the loop-owned state of one speculation attempt / turn.
type activeTurn struct {
	id        string
	seq       uint64
	startedAt time.Time

	llmCancel *Signal
	ttsCancel *Signal

	held        []string
	speak       chan string
	speakClosed bool

	agentText strings.Builder

	committed      bool
	speaking       bool
	llmDone        bool
	wasInterrupted bool

	firstAudioAt time.Time

	promptTokens     int
	completionTokens int
	wastedTokens     int

	transitions []Change

	watchdog *time.Timer
}

func (t *activeTurn) appendText(sentence string) {
	if t.agentText.Len() > 0 {
		t.agentText.WriteByte(' ')
	}
	t.agentText.WriteString(sentence)
}

func (t *activeTurn) closeSpeak() {
	if t.speak != nil && !t.speakClosed {
		close(t.speak)
		t.speakClosed = true
	}
}

func (t *activeTurn) stopWatchdog() {
	if t.watchdog != nil {
		t.watchdog.Stop()
		t.watchdog = nil
	}
}

// Controller orchestrates one session's turns. Construct with NewController,
// call Start once, feed it through the Handle* methods, and Close it when the
// session ends.
type Controller struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	emitter    Emitter
	sttSession stt.Session
	llmP       llm.Provider
	ttsP       tts.Provider
	retriever  rag.Retriever
	recorder   Recorder

	inbound *audio.RingBuffer
	events  chan event

	ctx       context.Context
	cancelCtx context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	started   bool

	// overflowing marks an in-progress inbound overflow burst so the client
	// is warned once per burst, not once per frame.
	overflowing atomic.Bool

	// Everything below is owned by the run loop.
	machine    *Machine
	transcript *TranscriptBuffer
	debounce   *DebounceController
	timer      SilenceTimer
	telemetry  Telemetry
	history    ConversationHistory
	settings   sessionSettings

	seq         uint64
	cur         *activeTurn
	turnsClosed int
}

// NewController wires a controller for one session. The STT session must
// already be open; the controller owns it from here and closes it on Close.
func NewController(cfg Config, emitter Emitter, sttSession stt.Session, llmP llm.Provider, ttsP tts.Provider, opts ...Option) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RAGTimeout == 0 {
		cfg.RAGTimeout = DefaultRAGTimeout
	}
	if cfg.CancellationThreshold == 0 {
		cfg.CancellationThreshold = DefaultCancellationThreshold
	}
	c := &Controller{
		cfg:        cfg,
		log:        logger.With("session_id", cfg.SessionID),
		emitter:    emitter,
		sttSession: sttSession,
		llmP:       llmP,
		ttsP:       ttsP,
		inbound:    audio.NewRingBuffer(audio.DefaultCapacity),
		events:     make(chan event, eventBufferSize),
		machine:    NewMachine(),
		transcript: &TranscriptBuffer{},
		debounce:   NewDebounceController(cfg.InitialDebounce),
		settings: sessionSettings{
			voice:                 cfg.Voice,
			model:                 cfg.Model,
			adaptive:              cfg.AdaptiveDebounce,
			cancellationThreshold: cfg.CancellationThreshold,
		},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Start launches the event loop, the STT event pump, and the audio forwarder.
// It must be called exactly once.
func (c *Controller) Start(ctx context.Context) {
	if c.started {
		return
	}
	c.started = true
	c.ctx, c.cancelCtx = context.WithCancel(ctx)

	c.wg.Add(3)
	go c.run()
	go c.pumpSTT()
	go c.forwardAudio()
}

// Close shuts the controller down: in-flight work is canceled, the final
// telemetry snapshot is emitted, and the STT session is closed. Idempotent.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		if c.cancelCtx != nil {
			c.cancelCtx()
		}
	})
	c.wg.Wait()
	return nil
}

// ─── Session-facing input ───────────────────────────────────────────────────

// HandleAudioFrame buffers an inbound audio frame for STT and signals audio
// activity to the loop (first-frame wake-up and barge-in detection).
func (c *Controller) HandleAudioFrame(frame []byte) {
	if dropped := c.inbound.Write(frame); dropped > 0 {
		c.metrics.BufferOverflows.Add(context.Background(), 1)
		if c.overflowing.CompareAndSwap(false, true) {
			c.log.Warn("inbound audio buffer overflow", "dropped_bytes", dropped)
			c.emitter.Error("AUDIO_BUFFER_OVERFLOW", "inbound audio buffer full, oldest audio dropped", true)
		}
	} else {
		c.overflowing.Store(false)
	}
	c.post(event{kind: evAudioActivity})
}

// HandleTextInput treats text as an immediate final transcript, bypassing STT.
func (c *Controller) HandleTextInput(text string) {
	c.post(event{kind: evTextInput, text: text})
}

// HandleInterrupt forces a barge-in regardless of audio.
func (c *Controller) HandleInterrupt() {
	c.post(event{kind: evInterrupt})
}

// HandlePlaybackComplete signals the client finished playing the turn's audio.
func (c *Controller) HandlePlaybackComplete() {
	c.post(event{kind: evPlaybackComplete})
}

// HandleSettings applies an update_settings payload.
func (c *Controller) HandleSettings(s Settings) {
	c.post(event{kind: evSettings, settings: s})
}

// RequestTelemetry emits a telemetry snapshot out of cycle.
func (c *Controller) RequestTelemetry() {
	c.post(event{kind: evTelemetryRequest})
}

// post delivers an event to the loop unless the controller is shutting down.
func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// ─── Pumps ───────────────────────────────────────────────────────────────────

// pumpSTT translates STT events into loop events.
func (c *Controller) pumpSTT() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-c.sttSession.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case stt.EventPartial:
				c.post(event{kind: evPartial, text: ev.Text, confidence: ev.Confidence})
			case stt.EventFinal:
				c.post(event{kind: evFinal, text: ev.Text, confidence: ev.Confidence, speechFinal: ev.SpeechFinal})
			case stt.EventEndpoint:
				c.post(event{kind: evEndpoint})
			case stt.EventError:
				c.post(event{kind: evSTTError, err: ev.Err, recoverable: ev.Recoverable})
			}
		}
	}
}

// forwardAudio drains the inbound ring buffer into the STT session.
func (c *Controller) forwardAudio() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.inbound.Wait():
			for {
				frame, ok := c.inbound.Read()
				if !ok {
					break
				}
				if err := c.sttSession.SendAudio(frame); err != nil {
					c.log.Warn("stt send failed", "error", err)
				}
			}
		}
	}
}

// ─── Event loop ──────────────────────────────────────────────────────────────

func (c *Controller) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Controller) handle(ev event) {
	switch ev.kind {
	case evAudioActivity:
		c.onAudioActivity()
	case evTextInput:
		c.onTextInput(ev.text)
	case evPartial:
		c.onPartial(ev.text, ev.confidence)
	case evFinal:
		c.onFinal(ev.text, ev.confidence, ev.speechFinal)
	case evEndpoint:
		c.onEndpoint()
	case evSTTError:
		c.onSTTError(ev.err, ev.recoverable)
	case evSilenceFire:
		c.onSilenceFire(ev.seq)
	case evSentence:
		c.onSentence(ev.seq, ev.text)
	case evLLMDone:
		c.onLLMDone(ev.seq, ev.usage, ev.wasted, ev.err)
	case evTTSFirst:
		c.onTTSFirst(ev.seq, ev.ready)
	case evTTSDone:
		c.onTTSDone(ev.seq, ev.err)
	case evWatchdog:
		c.onWatchdog(ev.seq, ev.watchdog)
	case evInterrupt:
		c.onInterrupt()
	case evPlaybackComplete:
		c.onPlaybackComplete()
	case evSettings:
		c.onSettings(ev.settings)
	case evTelemetryRequest:
		c.emitter.Telemetry(c.telemetry.Snapshot())
	}
}

// transition applies and emits a state change; invalid transitions are a
// programming error and are surfaced as a non-recoverable error message.
func (c *Controller) transition(to State, reason string) bool {
	from := c.machine.State()
	if from == to {
		return true
	}
	if err := c.machine.Transition(to, reason); err != nil {
		c.log.Error("state transition rejected", "from", from.String(), "to", to.String(), "reason", reason)
		c.emitter.Error("INVALID_STATE_TRANSITION", err.Error(), false)
		return false
	}
	if c.cur != nil {
		c.cur.transitions = append(c.cur.transitions, Change{From: from, To: to, Reason: reason, At: time.Now()})
	}
	c.emitter.StateChange(from, to)
	return true
}

// ─── Input handlers ─────────────────────────────────────────────────────────

func (c *Controller) onAudioActivity() {
	switch c.machine.State() {
	case StateIdle:
		c.transition(StateListening, "audio")
	case StateCommitted, StateSpeaking:
		c.bargeIn("audio")
	}
}

func (c *Controller) onTextInput(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if c.machine.State() == StateIdle {
		c.transition(StateListening, "text_input")
	}
	c.onFinal(text, 1.0, true)
}

func (c *Controller) onPartial(text string, confidence float64) {
	if c.transcript.Locked() {
		return
	}
	c.transcript.SetPartial(text)
	c.emitter.TranscriptPartial(text, confidence)

	if c.machine.State() != StateSpeculative {
		return
	}
	if ContainsCorrectionMarker(text) {
		c.cancelSpeculation("correction_marker")
		return
	}
	if confidence >= c.settings.cancellationThreshold {
		c.cancelSpeculation("new_partial")
	}
}

func (c *Controller) onFinal(text string, confidence float64, speechFinal bool) {
	if c.transcript.Locked() {
		c.log.Debug("final transcript dropped, buffer locked", "text", text)
		return
	}
	if c.machine.State() == StateSpeculative {
		reason := "new_final"
		if ContainsCorrectionMarker(text) {
			reason = "correction_marker"
		}
		c.cancelSpeculation(reason)
	}

	c.transcript.AppendFinal(text)
	c.emitter.TranscriptFinal(text, confidence)

	switch c.machine.State() {
	case StateIdle:
		// Finals can arrive without a preceding activity event (text mode).
		if !c.transition(StateListening, "final_transcript") {
			return
		}
		if c.transcript.HasSpeech() {
			c.startSpeculation(speechFinal)
		}
	case StateListening:
		if c.transcript.HasSpeech() {
			c.startSpeculation(speechFinal)
		}
	}
}

func (c *Controller) onEndpoint() {
	if c.machine.State() != StateSpeculative || c.cur == nil || c.cur.committed {
		return
	}
	// The endpointer is confident: shorten the remaining debounce.
	seq := c.cur.seq
	c.timer.Start(endpointDebounce, func() {
		c.post(event{kind: evSilenceFire, seq: seq})
	})
}

func (c *Controller) onSTTError(err error, recoverable bool) {
	if recoverable {
		c.log.Warn("stt stream error", "error", err)
		c.emitter.Error("STT_STREAM_ERROR", err.Error(), true)
		return
	}
	c.log.Error("stt unavailable", "error", err)
	c.metrics.RecordProviderError(context.Background(), "stt", "unavailable")
	c.emitter.Error("STT_UNAVAILABLE", err.Error(), false)
	if c.cur != nil {
		c.cur.llmCancel.Set()
		c.cur.ttsCancel.Set()
		c.cur.closeSpeak()
		c.transition(StateIdle, "stt_failed")
		c.closeTurn(OutcomeSTTFailed, true)
	} else if c.machine.State() != StateIdle {
		c.transition(StateIdle, "stt_failed")
	}
	c.transcript.Reset()
}

// ─── Speculation ────────────────────────────────────────────────────────────

func (c *Controller) startSpeculation(speechFinal bool) {
	c.seq++
	c.cur = &activeTurn{
		id:        uuid.NewString(),
		seq:       c.seq,
		startedAt: time.Now(),
		llmCancel: NewSignal(),
		ttsCancel: NewSignal(),
	}

	if !c.transition(StateSpeculative, "silence_debounce") {
		c.cur = nil
		return
	}

	d := c.debounce.Current()
	if speechFinal {
		d = endpointDebounce
	}
	seq := c.cur.seq
	c.timer.Start(d, func() {
		c.post(event{kind: evSilenceFire, seq: seq})
	})

	userText := c.transcript.FinalText()
	msgs := c.history.Messages()
	model := c.settings.model
	cancel := c.cur.llmCancel

	c.wg.Add(1)
	go c.speculate(seq, userText, model, msgs, cancel)
}

// cancelSpeculation silently abandons the in-flight speculation: no audio, no
// agent text, back to LISTENING. The transcript keeps accumulating — the user
// is still mid-utterance.
func (c *Controller) cancelSpeculation(reason string) {
	t := c.cur
	if t == nil || t.committed {
		return
	}
	c.timer.Cancel()
	t.llmCancel.Set()
	t.wastedTokens = llm.EstimateTextTokens(strings.Join(t.held, " "))

	c.transition(StateListening, reason)
	c.metrics.SpeculativeCancels.Add(context.Background(), 1)
	c.debounce.Observe(true)
	if c.settings.adaptive {
		c.debounce.Adapt()
	}
	c.closeTurn(OutcomeSpeculativelyCanceled, false)
}

// speculate is the per-attempt worker: bounded RAG retrieval, then the LLM
// stream with a first-token watchdog and a single retry. Sentences and the
// final outcome are posted back to the loop tagged with seq.
func (c *Controller) speculate(seq uint64, userText, model string, history []llm.Message, cancel *Signal) {
	defer c.wg.Done()

	wctx, stop := context.WithCancel(c.ctx)
	defer stop()
	go func() {
		select {
		case <-cancel.Done():
			stop()
		case <-wctx.Done():
		}
	}()

	systemPrompt := c.cfg.SystemPrompt
	if c.retriever != nil {
		rctx, rcancel := context.WithTimeout(wctx, c.cfg.RAGTimeout)
		snippets, err := c.retriever.Retrieve(rctx, userText, c.cfg.RAGTopK)
		rcancel()
		if err != nil {
			c.log.Debug("retrieval skipped", "error", err)
		} else if block := rag.FormatContext(c.cfg.Guardrails.Apply(snippets)); block != "" {
			systemPrompt += "\n\n" + block
		}
	}

	req := llm.CompletionRequest{
		Model:        model,
		SystemPrompt: systemPrompt,
		Messages:     append(history, llm.Message{Role: "user", Content: userText}),
	}

	seg := &Segmenter{}
	var produced strings.Builder
	var lastErr error
	completed := false

	for attempt := 0; attempt < llmAttempts; attempt++ {
		err := c.streamLLM(wctx, seq, req, seg, &produced)
		if err == nil {
			completed = true
			break
		}
		lastErr = err
		if wctx.Err() != nil || cancel.IsSet() {
			break
		}
		if produced.Len() > 0 {
			// Tokens already reached the pipeline; a retry would repeat them.
			break
		}
		c.log.Warn("llm stream failed, retrying", "attempt", attempt+1, "error", err)
		c.metrics.RecordProviderError(context.Background(), "llm", "stream")
	}

	if completed {
		if tail := seg.Flush(); tail != "" {
			c.post(event{kind: evSentence, seq: seq, text: tail})
		}
	}

	wasted := 0
	if cancel.IsSet() {
		wasted = llm.EstimateTextTokens(produced.String())
	}

	usage := llm.Usage{
		PromptTokens:     llm.EstimateTokens(req.Messages) + llm.EstimateTextTokens(req.SystemPrompt),
		CompletionTokens: llm.EstimateTextTokens(produced.String()),
	}

	var doneErr error
	if !completed && !cancel.IsSet() && wctx.Err() == nil {
		doneErr = lastErr
	}
	c.post(event{kind: evLLMDone, seq: seq, usage: usage, wasted: wasted, err: doneErr})
}

// streamLLM runs one LLM stream attempt, feeding segmented sentences to the
// loop. Returns nil when the stream completed cleanly.
func (c *Controller) streamLLM(ctx context.Context, seq uint64, req llm.CompletionRequest, seg *Segmenter, produced *strings.Builder) error {
	actx, acancel := context.WithCancel(ctx)
	defer acancel()

	ch, err := c.llmP.StreamCompletion(actx, req)
	if err != nil {
		return fmt.Errorf("turn: llm stream: %w", err)
	}

	firstToken := time.NewTimer(firstTokenTimeout)
	defer firstToken.Stop()
	gotToken := false

	for {
		var chunk llm.Chunk
		var ok bool

		if gotToken {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case chunk, ok = <-ch:
			}
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-firstToken.C:
				acancel()
				return fmt.Errorf("turn: llm first token timeout after %s", firstTokenTimeout)
			case chunk, ok = <-ch:
			}
		}

		if !ok {
			return nil
		}
		gotToken = true

		if chunk.FinishReason == "error" {
			return fmt.Errorf("turn: llm stream reported an error")
		}
		if chunk.Text != "" {
			produced.WriteString(chunk.Text)
			for _, s := range seg.Feed(chunk.Text) {
				c.post(event{kind: evSentence, seq: seq, text: s})
			}
		}
		if chunk.FinishReason != "" {
			if tail := seg.Flush(); tail != "" {
				c.post(event{kind: evSentence, seq: seq, text: tail})
			}
			return nil
		}
	}
}

// ─── Commit and synthesis ───────────────────────────────────────────────────

func (c *Controller) onSilenceFire(seq uint64) {
	t := c.cur
	if t == nil || t.seq != seq || c.machine.State() != StateSpeculative {
		return
	}
	if !c.transition(StateCommitted, "silence_timeout") {
		return
	}
	t.committed = true
	c.transcript.Lock()
	c.debounce.Observe(false)
	c.metrics.SpeculativeCommits.Add(context.Background(), 1)
	c.metrics.RecordDebounce(context.Background(), float64(c.debounce.Current().Milliseconds()))

	t.speak = make(chan string, speakBufferSize)
	c.wg.Add(1)
	go c.speak(seq, t.speak, t.ttsCancel, c.settings.voice)

	for _, s := range t.held {
		c.deliverSentence(t, s)
	}
	t.held = nil
	if t.llmDone {
		t.closeSpeak()
	}

	t.watchdog = time.AfterFunc(firstChunkTimeout, func() {
		c.post(event{kind: evWatchdog, seq: seq, watchdog: wdFirstChunk})
	})
}

// deliverSentence forwards the sentence to the TTS worker and records it in
// the turn's agent text, without blocking the loop. A sentence that cannot be
// handed to synthesis is dropped from the agent text too, so turn_complete
// never claims words that were not spoken. With synthesis already finished
// (speak closed), the text still counts: it backs the agent_text_fallback.
func (c *Controller) deliverSentence(t *activeTurn, sentence string) {
	if t.speak == nil || t.speakClosed {
		t.appendText(sentence)
		return
	}
	select {
	case t.speak <- sentence:
		t.appendText(sentence)
	case <-t.ttsCancel.Done():
	default:
		c.log.Warn("speak queue full, sentence dropped", "turn_id", t.id)
	}
}

func (c *Controller) onSentence(seq uint64, sentence string) {
	t := c.cur
	if t == nil || t.seq != seq {
		return
	}
	if !t.committed {
		t.held = append(t.held, sentence)
		return
	}
	c.deliverSentence(t, sentence)
}

func (c *Controller) onLLMDone(seq uint64, usage llm.Usage, wasted int, err error) {
	// Waste accounting applies even when the attempt is already stale.
	c.telemetry.AddWastedTokens(wasted)
	if wasted > 0 {
		c.metrics.TokensWasted.Add(context.Background(), int64(wasted))
	}

	t := c.cur
	if t == nil || t.seq != seq {
		return
	}
	t.llmDone = true
	t.promptTokens = usage.PromptTokens
	t.completionTokens = usage.CompletionTokens

	if err == nil {
		if t.committed {
			t.closeSpeak()
		}
		return
	}

	c.log.Error("llm failed for turn", "turn_id", t.id, "error", err)
	c.metrics.RecordProviderError(context.Background(), "llm", "exhausted")

	if !t.committed {
		// Still speculative: nothing was promised to the client yet.
		c.timer.Cancel()
		t.llmCancel.Set()
		c.emitter.Error("LLM_UNAVAILABLE", "language model request failed", true)
		c.transition(StateIdle, "llm_failed")
		c.closeTurn(OutcomeLLMFailed, true)
		c.transcript.Reset()
		return
	}

	if t.agentText.Len() > 0 {
		// Partial reply exists; let TTS finish what we have.
		c.emitter.Error("LLM_UNAVAILABLE", "language model stream ended early", true)
		t.closeSpeak()
		return
	}

	t.ttsCancel.Set()
	t.closeSpeak()
	c.emitter.Error("LLM_UNAVAILABLE", "language model request failed", true)
	c.transition(StateIdle, "llm_failed")
	c.closeTurn(OutcomeLLMFailed, true)
	c.transcript.Reset()
}

// speak is the per-turn TTS worker: it owns the provider stream and the
// audio fan-out. The first chunk is announced to the loop and held until the
// SPEAKING transition is on the wire; after that the worker emits chunks
// directly, so a slow client suspends the worker here instead of the loop.
func (c *Controller) speak(seq uint64, text <-chan string, cancel *Signal, voice tts.Voice) {
	defer c.wg.Done()

	wctx, stop := context.WithCancel(c.ctx)
	defer stop()
	go func() {
		select {
		case <-cancel.Done():
			stop()
		case <-wctx.Done():
		}
	}()

	audioCh, err := c.ttsP.SynthesizeStream(wctx, text, voice)
	if err != nil {
		c.log.Warn("tts stream failed, retrying", "error", err)
		c.metrics.RecordProviderError(context.Background(), "tts", "dial")
		audioCh, err = c.ttsP.SynthesizeStream(wctx, text, voice)
		if err != nil {
			c.post(event{kind: evTTSDone, seq: seq, err: fmt.Errorf("turn: tts stream: %w", err)})
			return
		}
	}

	idx := 0
	for chunk := range audioCh {
		if cancel.IsSet() {
			for range audioCh {
			}
			return
		}
		if len(chunk) == 0 {
			continue
		}
		if idx == 0 {
			ready := make(chan struct{})
			c.post(event{kind: evTTSFirst, seq: seq, ready: ready})
			select {
			case <-ready:
			case <-wctx.Done():
				for range audioCh {
				}
				return
			}
			if cancel.IsSet() {
				for range audioCh {
				}
				return
			}
		}
		c.emitter.AgentAudioChunk(chunk, idx, false)
		idx++
	}
	if cancel.IsSet() {
		return
	}
	if idx > 0 {
		// Final marker: empty audio, is_final, one index past the last chunk.
		c.emitter.AgentAudioChunk(nil, idx, true)
	}
	c.post(event{kind: evTTSDone, seq: seq})
}

// onTTSFirst runs when synthesis produced its first audio: transition to
// SPEAKING, record commit latency, arm the speaking watchdog, then release
// the worker. The ready channel is always closed so a stale worker never
// hangs; it rechecks its cancel signal on wake-up.
func (c *Controller) onTTSFirst(seq uint64, ready chan struct{}) {
	defer close(ready)
	t := c.cur
	if t == nil || t.seq != seq || t.ttsCancel.IsSet() {
		return
	}
	t.stopWatchdog()
	if !c.transition(StateSpeaking, "first_audio_chunk") {
		return
	}
	t.speaking = true
	t.firstAudioAt = time.Now()
	latency := t.firstAudioAt.Sub(t.startedAt)
	c.metrics.RecordTurnLatency(context.Background(), latency.Seconds())
	t.watchdog = time.AfterFunc(speakingTimeout, func() {
		c.post(event{kind: evWatchdog, seq: seq, watchdog: wdSpeaking})
	})
}

func (c *Controller) onTTSDone(seq uint64, err error) {
	t := c.cur
	if t == nil || t.seq != seq || t.ttsCancel.IsSet() {
		return
	}
	if err != nil {
		c.ttsFallback(t, err)
		return
	}

	if !t.speaking {
		// Synthesis produced no audio at all; close out quietly.
		t.stopWatchdog()
		c.transition(StateIdle, "empty_synthesis")
		c.closeTurn(OutcomeCompleted, true)
		c.transcript.Reset()
		return
	}

	// The worker already emitted the final marker chunk; wait for the
	// client's playback_complete.
	t.stopWatchdog()
	t.watchdog = time.AfterFunc(playbackTimeout, func() {
		c.post(event{kind: evWatchdog, seq: seq, watchdog: wdPlayback})
	})
}

// ttsFallback degrades a turn whose synthesis failed permanently: the full
// agent text is surfaced as agent_text_fallback and the turn closes normally.
func (c *Controller) ttsFallback(t *activeTurn, err error) {
	c.log.Error("tts failed for turn", "turn_id", t.id, "error", err)
	c.metrics.RecordProviderError(context.Background(), "tts", "exhausted")
	t.ttsCancel.Set()
	t.closeSpeak()
	t.stopWatchdog()

	if text := strings.TrimSpace(t.agentText.String()); text != "" {
		c.emitter.AgentTextFallback(text, "tts_failed")
	}
	c.transition(StateIdle, "tts_failed")
	c.closeTurn(OutcomeTTSFailed, true)
	c.transcript.Reset()
}

// ─── Barge-in and completion ────────────────────────────────────────────────

func (c *Controller) onInterrupt() {
	switch c.machine.State() {
	case StateSpeculative:
		c.cancelSpeculation("interrupt")
	case StateCommitted, StateSpeaking:
		c.bargeIn("interrupt")
	}
}

// bargeIn handles user speech during COMMITTED or SPEAKING: cancel both
// pipelines, force the STT utterance closed, and open a fresh turn.
func (c *Controller) bargeIn(source string) {
	t := c.cur
	if t == nil {
		return
	}
	t.llmCancel.Set()
	t.ttsCancel.Set()
	t.closeSpeak()
	t.stopWatchdog()
	c.timer.Cancel()
	t.wasInterrupted = true

	// Finalize is a network write; keep it off the loop.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.sttSession.Finalize(); err != nil {
			c.log.Warn("stt finalize failed", "error", err)
		}
	}()

	c.transition(StateListening, "barge_in_"+source)
	c.telemetry.RecordInterruption()
	c.metrics.Interruptions.Add(context.Background(), 1)
	c.closeTurn(OutcomeInterrupted, true)
	c.transcript.Reset()
}

func (c *Controller) onPlaybackComplete() {
	t := c.cur
	if t == nil || c.machine.State() != StateSpeaking {
		return
	}
	t.stopWatchdog()
	c.transition(StateIdle, "playback_complete")
	c.closeTurn(OutcomeCompleted, true)
	c.transcript.Reset()
}

func (c *Controller) onWatchdog(seq uint64, kind watchdogKind) {
	t := c.cur
	if t == nil || t.seq != seq {
		return
	}
	switch kind {
	case wdFirstChunk:
		if t.speaking {
			return
		}
		c.log.Warn("no audio within first-chunk deadline", "turn_id", t.id)
		c.ttsFallback(t, fmt.Errorf("turn: tts first chunk timeout after %s", firstChunkTimeout))
	case wdSpeaking:
		c.log.Warn("synthesis exceeded speaking deadline", "turn_id", t.id)
		t.llmCancel.Set()
		t.ttsCancel.Set()
		t.closeSpeak()
		c.transition(StateIdle, "speaking_watchdog")
		c.closeTurn(OutcomeCompleted, true)
		c.transcript.Reset()
	case wdPlayback:
		c.log.Warn("playback_complete never arrived", "turn_id", t.id)
		c.transition(StateIdle, "playback_watchdog")
		c.closeTurn(OutcomeCompleted, true)
		c.transcript.Reset()
	}
}

// closeTurn finalizes the active turn: turn_complete (when emitComplete),
// persistence, telemetry, history, and periodic telemetry emission. Callers
// reset the transcript afterwards when the utterance is spent.
func (c *Controller) closeTurn(outcome Outcome, emitComplete bool) {
	t := c.cur
	if t == nil {
		return
	}
	t.stopWatchdog()
	c.timer.Cancel()
	now := time.Now()

	userText := c.transcript.FinalText()
	agentText := strings.TrimSpace(t.agentText.String())
	if outcome == OutcomeSpeculativelyCanceled {
		agentText = ""
	}

	var latencyMS int64
	if !t.firstAudioAt.IsZero() {
		latencyMS = t.firstAudioAt.Sub(t.startedAt).Milliseconds()
	}

	if emitComplete {
		c.emitter.TurnComplete(TurnCompletion{
			TurnID:         t.id,
			UserText:       userText,
			AgentText:      agentText,
			DurationMS:     now.Sub(t.startedAt).Milliseconds(),
			WasInterrupted: t.wasInterrupted,
		})
	}

	if c.recorder != nil {
		c.recorder.Record(Record{
			ID:               t.id,
			SessionID:        c.cfg.SessionID,
			StartedAt:        t.startedAt,
			EndedAt:          now,
			UserText:         userText,
			AgentText:        agentText,
			Outcome:          outcome,
			WasInterrupted:   t.wasInterrupted,
			DebounceMS:       int(c.debounce.Current().Milliseconds()),
			LatencyMS:        latencyMS,
			TokensPrompt:     t.promptTokens,
			TokensCompletion: t.completionTokens,
			TokensWasted:     t.wastedTokens,
			Transitions:      t.transitions,
		})
	}

	switch outcome {
	case OutcomeSpeculativelyCanceled:
		c.telemetry.RecordCancel()
	case OutcomeCompleted:
		c.telemetry.RecordTurn(latencyMS, c.debounce.Current())
		if c.settings.adaptive {
			c.debounce.Adapt()
		}
	default:
		c.telemetry.RecordFailure()
		if c.settings.adaptive {
			c.debounce.Adapt()
		}
	}

	if outcome == OutcomeCompleted && agentText != "" {
		c.history.Add("user", userText)
		c.history.Add("assistant", agentText)
	}

	c.cur = nil
	c.turnsClosed++
	if outcome == OutcomeCompleted && c.telemetry.CompletedTurns()%telemetryEvery == 0 {
		c.emitter.Telemetry(c.telemetry.Snapshot())
	}
}

// ─── Settings and shutdown ──────────────────────────────────────────────────

func (c *Controller) onSettings(s Settings) {
	if s.SilenceDebounceMS != nil {
		c.debounce.Set(time.Duration(*s.SilenceDebounceMS) * time.Millisecond)
	}
	if s.AdaptiveDebounce != nil {
		c.settings.adaptive = *s.AdaptiveDebounce
	}
	if s.CancellationThreshold != nil {
		v := *s.CancellationThreshold
		if v < 0.10 {
			v = 0.10
		}
		if v > 0.50 {
			v = 0.50
		}
		c.settings.cancellationThreshold = v
	}
	if s.VoiceID != nil {
		c.settings.voice.ID = *s.VoiceID
	}
	if s.LLMModel != nil {
		c.settings.model = *s.LLMModel
	}
	c.log.Info("settings updated",
		"debounce_ms", c.debounce.Current().Milliseconds(),
		"adaptive", c.settings.adaptive,
		"threshold", c.settings.cancellationThreshold,
	)
}

// shutdown runs on the loop when the context is canceled: abort in-flight
// work, record the open turn, emit the final telemetry, release the STT
// session.
func (c *Controller) shutdown() {
	c.timer.Cancel()
	if t := c.cur; t != nil {
		t.llmCancel.Set()
		t.ttsCancel.Set()
		t.closeSpeak()
		t.stopWatchdog()
		outcome := OutcomeSpeculativelyCanceled
		if t.committed {
			outcome = OutcomeInterrupted
			t.wasInterrupted = true
		}
		c.closeTurn(outcome, false)
	}
	c.emitter.Telemetry(c.telemetry.Snapshot())
	if err := c.sttSession.Close(); err != nil {
		c.log.Debug("stt close", "error", err)
	}
}
