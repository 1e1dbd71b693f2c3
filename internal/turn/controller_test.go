package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voicewire/voicewire/internal/audio"
	"github.com/voicewire/voicewire/pkg/provider/llm"
	llmmock "github.com/voicewire/voicewire/pkg/provider/llm/mock"
	"github.com/voicewire/voicewire/pkg/provider/stt"
	sttmock "github.com/voicewire/voicewire/pkg/provider/stt/mock"
	"github.com/voicewire/voicewire/pkg/provider/tts"
	ttsmock "github.com/voicewire/voicewire/pkg/provider/tts/mock"
	"github.com/voicewire/voicewire/pkg/rag"
	ragmock "github.com/voicewire/voicewire/pkg/rag/mock"
)

// ─── Recording emitter ──────────────────────────────────────────────────────

type emission struct {
	kind        string
	from, to    State
	text        string
	confidence  float64
	audio       []byte
	chunkIndex  int
	isFinal     bool
	reason      string
	completion  TurnCompletion
	snapshot    Snapshot
	code        string
	recoverable bool
}

type recordingEmitter struct {
	mu        sync.Mutex
	emissions []emission
}

func (e *recordingEmitter) add(em emission) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emissions = append(e.emissions, em)
}

func (e *recordingEmitter) StateChange(from, to State) {
	e.add(emission{kind: "state_change", from: from, to: to})
}

func (e *recordingEmitter) TranscriptPartial(text string, confidence float64) {
	e.add(emission{kind: "transcript_partial", text: text, confidence: confidence})
}

func (e *recordingEmitter) TranscriptFinal(text string, confidence float64) {
	e.add(emission{kind: "transcript_final", text: text, confidence: confidence})
}

func (e *recordingEmitter) AgentAudioChunk(audio []byte, chunkIndex int, isFinal bool) {
	e.add(emission{kind: "agent_audio_chunk", audio: audio, chunkIndex: chunkIndex, isFinal: isFinal})
}

func (e *recordingEmitter) AgentTextFallback(text, reason string) {
	e.add(emission{kind: "agent_text_fallback", text: text, reason: reason})
}

func (e *recordingEmitter) TurnComplete(tc TurnCompletion) {
	e.add(emission{kind: "turn_complete", completion: tc})
}

func (e *recordingEmitter) Telemetry(s Snapshot) {
	e.add(emission{kind: "telemetry", snapshot: s})
}

func (e *recordingEmitter) Error(code, message string, recoverable bool) {
	e.add(emission{kind: "error", code: code, text: message, recoverable: recoverable})
}

func (e *recordingEmitter) all() []emission {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]emission, len(e.emissions))
	copy(out, e.emissions)
	return out
}

func (e *recordingEmitter) byKind(kind string) []emission {
	var out []emission
	for _, em := range e.all() {
		if em.kind == kind {
			out = append(out, em)
		}
	}
	return out
}

// transitions renders the state_change sequence as "A->B" strings.
func (e *recordingEmitter) transitions() []string {
	var out []string
	for _, em := range e.byKind("state_change") {
		out = append(out, fmt.Sprintf("%s->%s", em.from, em.to))
	}
	return out
}

func (e *recordingEmitter) hasTransition(from, to State) bool {
	for _, em := range e.byKind("state_change") {
		if em.from == from && em.to == to {
			return true
		}
	}
	return false
}

// ─── Capture recorder ───────────────────────────────────────────────────────

type captureRecorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *captureRecorder) Record(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *captureRecorder) all() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// ─── Fixture ────────────────────────────────────────────────────────────────

type fixture struct {
	ctrl     *Controller
	emitter  *recordingEmitter
	sttSess  *sttmock.Session
	llm      *llmmock.Provider
	tts      *ttsmock.Provider
	recorder *captureRecorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		emitter:  &recordingEmitter{},
		sttSess:  sttmock.NewSession(),
		llm:      &llmmock.Provider{},
		tts:      &ttsmock.Provider{EchoText: true},
		recorder: &captureRecorder{},
	}
	cfg := Config{
		SessionID:       "session-under-test",
		SystemPrompt:    "You are a concise voice assistant.",
		Model:           "gpt-4o-mini",
		Voice:           tts.Voice{ID: "voice-a"},
		InitialDebounce: 400 * time.Millisecond,
	}
	opts = append([]Option{WithRecorder(f.recorder)}, opts...)
	f.ctrl = NewController(cfg, f.emitter, f.sttSess, f.llm, f.tts, opts...)
	f.ctrl.Start(context.Background())
	t.Cleanup(func() { _ = f.ctrl.Close() })
	return f
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// ─── Scenarios ──────────────────────────────────────────────────────────────

func TestHappyPathTurn(t *testing.T) {
	f := newFixture(t)
	f.llm.StreamChunks = []llm.Chunk{
		{Text: "Hi"},
		{Text: "! "},
		{FinishReason: "stop"},
	}

	f.ctrl.HandleAudioFrame([]byte{0x01, 0x02})
	f.sttSess.Emit(stt.Event{Kind: stt.EventPartial, Text: "Hello", Confidence: 0.8})
	f.sttSess.Emit(stt.Event{Kind: stt.EventFinal, Text: "Hello there", Confidence: 0.97})

	// Debounce fires at 400ms; echo TTS turns the sentence into one chunk.
	waitFor(t, 2*time.Second, func() bool {
		chunks := f.emitter.byKind("agent_audio_chunk")
		return len(chunks) >= 2 && chunks[len(chunks)-1].isFinal
	}, "audio chunks with final marker")

	f.ctrl.HandlePlaybackComplete()
	waitFor(t, time.Second, func() bool {
		return len(f.emitter.byKind("turn_complete")) == 1
	}, "turn_complete")

	for _, want := range []string{
		"IDLE->LISTENING",
		"LISTENING->SPECULATIVE",
		"SPECULATIVE->COMMITTED",
		"COMMITTED->SPEAKING",
		"SPEAKING->IDLE",
	} {
		found := false
		for _, got := range f.emitter.transitions() {
			if got == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing transition %s in %v", want, f.emitter.transitions())
		}
	}

	chunks := f.emitter.byKind("agent_audio_chunk")
	if string(chunks[0].audio) != "Hi!" {
		t.Errorf("want first chunk %q, got %q", "Hi!", chunks[0].audio)
	}
	if chunks[0].chunkIndex != 0 {
		t.Errorf("want chunk_index 0, got %d", chunks[0].chunkIndex)
	}
	for i, ch := range chunks {
		if ch.chunkIndex != i {
			t.Errorf("chunk_index not strictly increasing: chunk %d has index %d", i, ch.chunkIndex)
		}
	}

	tc := f.emitter.byKind("turn_complete")[0].completion
	if tc.WasInterrupted {
		t.Error("want was_interrupted=false")
	}
	if !strings.Contains(tc.AgentText, "Hi") {
		t.Errorf("want agent text to contain %q, got %q", "Hi", tc.AgentText)
	}
	if tc.UserText != "Hello there" {
		t.Errorf("want user text %q, got %q", "Hello there", tc.UserText)
	}

	// turn_complete is the last per-turn message: it must come after the
	// SPEAKING->IDLE state change.
	var idleIdx, completeIdx int
	for i, em := range f.emitter.all() {
		if em.kind == "state_change" && em.to == StateIdle {
			idleIdx = i
		}
		if em.kind == "turn_complete" {
			completeIdx = i
		}
	}
	if completeIdx < idleIdx {
		t.Error("turn_complete must follow the final state_change")
	}

	recs := f.recorder.all()
	if len(recs) != 1 || recs[0].Outcome != OutcomeCompleted {
		t.Fatalf("want one completed record, got %+v", recs)
	}
	if recs[0].LatencyMS <= 0 {
		t.Errorf("want positive commit latency, got %d", recs[0].LatencyMS)
	}
}

func TestSpeculativeCancelOnNewSpeech(t *testing.T) {
	f := newFixture(t)
	f.llm.StreamDelay = make(chan struct{}) // hold the stream open

	f.ctrl.HandleAudioFrame([]byte{0x01})
	f.sttSess.Emit(stt.Event{Kind: stt.EventFinal, Text: "I want to book", Confidence: 0.95})

	waitFor(t, time.Second, func() bool {
		return f.emitter.hasTransition(StateListening, StateSpeculative)
	}, "speculation start")
	waitFor(t, time.Second, func() bool {
		return f.llm.StreamCallCount() == 1
	}, "llm stream call")

	// The user keeps talking before the timer fires.
	f.sttSess.Emit(stt.Event{Kind: stt.EventPartial, Text: "I want to book a flight", Confidence: 0.9})

	waitFor(t, time.Second, func() bool {
		return f.emitter.hasTransition(StateSpeculative, StateListening)
	}, "silent cancel")

	if got := f.emitter.byKind("agent_audio_chunk"); len(got) != 0 {
		t.Errorf("silent cancel must not emit audio, got %d chunks", len(got))
	}
	if got := f.emitter.byKind("turn_complete"); len(got) != 0 {
		t.Errorf("silent cancel must not emit turn_complete, got %d", len(got))
	}
	waitFor(t, time.Second, func() bool {
		recs := f.recorder.all()
		return len(recs) == 1 && recs[0].Outcome == OutcomeSpeculativelyCanceled
	}, "speculatively_canceled record")

	// The next final restarts speculation over the accumulated utterance.
	f.sttSess.Emit(stt.Event{Kind: stt.EventFinal, Text: "a flight to Paris", Confidence: 0.95})
	waitFor(t, time.Second, func() bool {
		return f.llm.StreamCallCount() == 2
	}, "second speculation")

	req := f.llm.LastStreamCall().Req
	user := req.Messages[len(req.Messages)-1].Content
	if !strings.Contains(user, "I want to book") || !strings.Contains(user, "a flight to Paris") {
		t.Errorf("restarted speculation lost transcript segments: %q", user)
	}
}

func TestCorrectionMarkerCancelsDespiteLowConfidence(t *testing.T) {
	f := newFixture(t)
	f.llm.StreamDelay = make(chan struct{})

	f.ctrl.HandleAudioFrame([]byte{0x01})
	f.sttSess.Emit(stt.Event{Kind: stt.EventFinal, Text: "Book the flight", Confidence: 0.95})
	waitFor(t, time.Second, func() bool {
		return f.emitter.hasTransition(StateListening, StateSpeculative)
	}, "speculation start")

	// Far below the cancellation threshold, but the marker wins.
	f.sttSess.Emit(stt.Event{Kind: stt.EventPartial, Text: "Actually,", Confidence: 0.05})

	waitFor(t, time.Second, func() bool {
		return f.emitter.hasTransition(StateSpeculative, StateListening)
	}, "correction cancel")
	if got := f.emitter.byKind("agent_audio_chunk"); len(got) != 0 {
		t.Errorf("canceled speculation emitted audio: %d chunks", len(got))
	}
}

func TestLowConfidencePartialDoesNotCancel(t *testing.T) {
	f := newFixture(t)
	f.llm.StreamDelay = make(chan struct{})

	f.ctrl.HandleAudioFrame([]byte{0x01})
	f.sttSess.Emit(stt.Event{Kind: stt.EventFinal, Text: "Tell me a story", Confidence: 0.95})
	waitFor(t, time.Second, func() bool {
		return f.emitter.hasTransition(StateListening, StateSpeculative)
	}, "speculation start")

	f.sttSess.Emit(stt.Event{Kind: stt.EventPartial, Text: "hmm", Confidence: 0.05})
	waitFor(t, time.Second, func() bool {
		return len(f.emitter.byKind("transcript_partial")) >= 1
	}, "partial processed")

	if f.emitter.hasTransition(StateSpeculative, StateListening) {
		t.Error("low-confidence partial must not cancel speculation")
	}
}

func TestBargeInDuringSpeaking(t *testing.T) {
	f := newFixture(t)
	f.llm.StreamChunks = []llm.Chunk{
		{Text: "Sure. "},
		{Text: "Booking it now. "},
		{FinishReason: "stop"},
	}

	f.ctrl.HandleAudioFrame([]byte{0x01})
	f.sttSess.Emit(stt.Event{Kind: stt.EventFinal, Text: "Book it", Confidence: 0.95})

	waitFor(t, 2*time.Second, func() bool {
		return f.emitter.hasTransition(StateCommitted, StateSpeaking)
	}, "speaking state")

	// Mid-playback, the user talks over the agent.
	f.ctrl.HandleAudioFrame([]byte{0x02})

	waitFor(t, time.Second, func() bool {
		return f.emitter.hasTransition(StateSpeaking, StateListening)
	}, "barge-in transition")
	waitFor(t, time.Second, func() bool {
		return f.sttSess.FinalizeCalls() >= 1
	}, "stt finalize")

	waitFor(t, time.Second, func() bool {
		return len(f.emitter.byKind("turn_complete")) == 1
	}, "turn_complete")
	tc := f.emitter.byKind("turn_complete")[0].completion
	if !tc.WasInterrupted {
		t.Error("want was_interrupted=true after barge-in")
	}

	recs := f.recorder.all()
	if len(recs) != 1 || recs[0].Outcome != OutcomeInterrupted {
		t.Fatalf("want one interrupted record, got %+v", recs)
	}

	// An interrupted turn is an attempt, not a completed reply.
	f.ctrl.RequestTelemetry()
	waitFor(t, time.Second, func() bool {
		return len(f.emitter.byKind("telemetry")) >= 1
	}, "telemetry snapshot")
	snap := f.emitter.byKind("telemetry")[0].snapshot
	if snap.TotalTurns != 0 {
		t.Errorf("want 0 completed turns after barge-in, got %d", snap.TotalTurns)
	}
	if snap.InterruptionCount != 1 {
		t.Errorf("want 1 interruption, got %d", snap.InterruptionCount)
	}
}

func TestFullSpeakQueueKeepsTextAndSpeechAligned(t *testing.T) {
	f := newFixture(t)

	at := &activeTurn{id: "turn-x", speak: make(chan string, 1), ttsCancel: NewSignal()}
	f.ctrl.deliverSentence(at, "First.")
	f.ctrl.deliverSentence(at, "Second.") // queue full: dropped everywhere

	if got := at.agentText.String(); got != "First." {
		t.Errorf("agent text must match what reached synthesis: got %q", got)
	}
	if got := len(at.speak); got != 1 {
		t.Errorf("want 1 queued sentence, got %d", got)
	}
}

func TestInboundOverflowWarnedOncePerBurst(t *testing.T) {
	f := newFixture(t)
	overflows := func() int {
		n := 0
		for _, em := range f.emitter.byKind("error") {
			if em.code == "AUDIO_BUFFER_OVERFLOW" {
				n++
			}
		}
		return n
	}

	big := make([]byte, audio.DefaultCapacity+1)
	f.ctrl.HandleAudioFrame(big)
	f.ctrl.HandleAudioFrame(big)
	if got := overflows(); got != 1 {
		t.Fatalf("want one overflow warning per burst, got %d", got)
	}

	// A frame that fits ends the burst; the next overflow warns again.
	f.ctrl.HandleAudioFrame([]byte{0x01, 0x02})
	f.ctrl.HandleAudioFrame(big)
	if got := overflows(); got != 2 {
		t.Fatalf("want a fresh warning after the burst ended, got %d", got)
	}
}

func TestTTSFailureFallsBackToText(t *testing.T) {
	f := newFixture(t)
	f.tts.EchoText = false
	f.tts.SynthesizeErr = errors.New("quota exceeded")
	f.llm.StreamChunks = []llm.Chunk{
		{Text: "Sure, booking now. "},
		{FinishReason: "stop"},
	}

	f.ctrl.HandleAudioFrame([]byte{0x01})
	f.sttSess.Emit(stt.Event{Kind: stt.EventFinal, Text: "Book the hotel", Confidence: 0.95})

	waitFor(t, 2*time.Second, func() bool {
		return len(f.emitter.byKind("agent_text_fallback")) == 1
	}, "text fallback")

	fb := f.emitter.byKind("agent_text_fallback")[0]
	if fb.text != "Sure, booking now." {
		t.Errorf("want fallback text %q, got %q", "Sure, booking now.", fb.text)
	}
	if fb.reason != "tts_failed" {
		t.Errorf("want reason tts_failed, got %q", fb.reason)
	}
	if got := f.emitter.byKind("agent_audio_chunk"); len(got) != 0 {
		t.Errorf("tts failure must not emit audio, got %d chunks", len(got))
	}

	waitFor(t, time.Second, func() bool {
		return len(f.emitter.byKind("turn_complete")) == 1
	}, "turn_complete")
	tc := f.emitter.byKind("turn_complete")[0].completion
	if tc.AgentText != "Sure, booking now." {
		t.Errorf("want turn_complete to carry the text, got %q", tc.AgentText)
	}

	recs := f.recorder.all()
	if len(recs) != 1 || recs[0].Outcome != OutcomeTTSFailed {
		t.Fatalf("want one tts_failed record, got %+v", recs)
	}
}

func TestLLMFailureClosesTurn(t *testing.T) {
	f := newFixture(t)
	f.llm.StreamErr = errors.New("model overloaded")

	f.ctrl.HandleAudioFrame([]byte{0x01})
	f.sttSess.Emit(stt.Event{Kind: stt.EventFinal, Text: "Hello", Confidence: 0.95})

	waitFor(t, time.Second, func() bool {
		for _, em := range f.emitter.byKind("error") {
			if em.code == "LLM_UNAVAILABLE" {
				return true
			}
		}
		return false
	}, "LLM_UNAVAILABLE error")

	waitFor(t, time.Second, func() bool {
		recs := f.recorder.all()
		return len(recs) == 1 && recs[0].Outcome == OutcomeLLMFailed
	}, "llm_failed record")

	// Both attempts of the single retry must have been made.
	if got := f.llm.StreamCallCount(); got != 2 {
		t.Errorf("want 2 stream attempts, got %d", got)
	}
}

func TestEndpointShortensDebounce(t *testing.T) {
	f := newFixture(t)
	f.llm.StreamChunks = []llm.Chunk{{Text: "Sure. "}, {FinishReason: "stop"}}

	f.ctrl.HandleAudioFrame([]byte{0x01})
	f.sttSess.Emit(stt.Event{Kind: stt.EventFinal, Text: "Quick one", Confidence: 0.95, SpeechFinal: true})

	// speech_final commits after ~100ms instead of the 400ms debounce.
	waitFor(t, 300*time.Millisecond, func() bool {
		return f.emitter.hasTransition(StateSpeculative, StateCommitted)
	}, "fast commit after endpoint")
}

func TestTextInputSkipsSTT(t *testing.T) {
	f := newFixture(t)
	f.llm.StreamChunks = []llm.Chunk{{Text: "It is noon. "}, {FinishReason: "stop"}}

	f.ctrl.HandleTextInput("What time is it?")

	waitFor(t, time.Second, func() bool {
		return len(f.emitter.byKind("transcript_final")) == 1
	}, "final transcript from text input")
	fin := f.emitter.byKind("transcript_final")[0]
	if fin.text != "What time is it?" || fin.confidence != 1.0 {
		t.Errorf("want final %q at confidence 1.0, got %q at %v", "What time is it?", fin.text, fin.confidence)
	}

	// Text turns use the endpoint fast path.
	waitFor(t, 500*time.Millisecond, func() bool {
		return f.emitter.hasTransition(StateSpeculative, StateCommitted)
	}, "commit")
}

func TestSettingsUpdate(t *testing.T) {
	f := newFixture(t)
	f.llm.StreamChunks = []llm.Chunk{{Text: "Ok. "}, {FinishReason: "stop"}}

	big := 9999
	tiny := 0.01
	model := "claude-haiku"
	f.ctrl.HandleSettings(Settings{
		SilenceDebounceMS:     &big,
		CancellationThreshold: &tiny,
		LLMModel:              &model,
	})

	waitFor(t, time.Second, func() bool {
		f.ctrl.RequestTelemetry()
		return len(f.emitter.byKind("telemetry")) >= 1
	}, "settings applied")

	f.ctrl.HandleTextInput("hello")
	waitFor(t, time.Second, func() bool {
		return f.llm.StreamCallCount() == 1
	}, "speculation with new model")
	if got := f.llm.LastStreamCall().Req.Model; got != "claude-haiku" {
		t.Errorf("want model %q, got %q", "claude-haiku", got)
	}
}

func TestRetrievalContextReachesPrompt(t *testing.T) {
	retriever := &ragmock.Retriever{
		Snippets: []rag.Snippet{{ID: "s1", Content: "The office opens at nine.", Similarity: 0.92}},
	}
	f := newFixture(t, WithRetriever(retriever))
	f.llm.StreamChunks = []llm.Chunk{{Text: "Nine. "}, {FinishReason: "stop"}}

	f.ctrl.HandleTextInput("When does the office open?")
	waitFor(t, time.Second, func() bool {
		return f.llm.StreamCallCount() == 1
	}, "speculation")

	prompt := f.llm.LastStreamCall().Req.SystemPrompt
	if !strings.Contains(prompt, "The office opens at nine.") {
		t.Errorf("retrieved snippet missing from system prompt: %q", prompt)
	}
}

func TestRetrievalTimeoutProceedsWithoutContext(t *testing.T) {
	retriever := &ragmock.Retriever{
		Snippets: []rag.Snippet{{ID: "s1", Content: "Too late to matter.", Similarity: 0.92}},
		Delay:    2 * time.Second,
	}
	f := newFixture(t, WithRetriever(retriever))
	f.llm.StreamChunks = []llm.Chunk{{Text: "Hello. "}, {FinishReason: "stop"}}

	f.ctrl.HandleTextInput("Hi there friend")
	waitFor(t, time.Second, func() bool {
		return f.llm.StreamCallCount() == 1
	}, "speculation despite slow retrieval")

	prompt := f.llm.LastStreamCall().Req.SystemPrompt
	if strings.Contains(prompt, "Too late to matter.") {
		t.Error("slow retrieval must not reach the prompt")
	}
}

func TestTelemetryEmittedOnClose(t *testing.T) {
	f := newFixture(t)
	_ = f.ctrl.Close()

	if got := f.emitter.byKind("telemetry"); len(got) != 1 {
		t.Fatalf("want final telemetry on close, got %d", len(got))
	}
}
