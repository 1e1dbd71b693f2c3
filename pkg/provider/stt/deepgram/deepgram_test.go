package deepgram

import (
	"strings"
	"testing"

	"github.com/voicewire/voicewire/pkg/provider/stt"
)

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("New with empty apiKey: want error, got nil")
	}
}

func TestBuildURL(t *testing.T) {
	t.Parallel()

	p, err := New("test-key", WithModel("nova-2"), WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	u, err := p.buildURL(stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	for _, want := range []string{
		"model=nova-2",
		"language=en",
		"punctuate=true",
		"interim_results=true",
		"encoding=linear16",
		"sample_rate=16000",
		"endpointing=300",
	} {
		if !strings.Contains(u, want) {
			t.Errorf("buildURL: missing %q in %q", want, u)
		}
	}
}

func TestBuildURLConfigOverrides(t *testing.T) {
	t.Parallel()

	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	u, err := p.buildURL(stt.StreamConfig{
		Language:   "de-DE",
		SampleRate: 48000,
		Encoding:   "opus",
		Channels:   2,
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	for _, want := range []string{
		"language=de-DE",
		"sample_rate=48000",
		"encoding=opus",
		"channels=2",
	} {
		if !strings.Contains(u, want) {
			t.Errorf("buildURL: missing %q in %q", want, u)
		}
	}
}

func TestParseDeepgramResponse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		payload   string
		wantKinds []stt.EventKind
		wantText  string
	}{
		{
			name:      "interim result",
			payload:   `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hello th","confidence":0.82}]}}`,
			wantKinds: []stt.EventKind{stt.EventPartial},
			wantText:  "hello th",
		},
		{
			name:      "final result",
			payload:   `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello there","confidence":0.97}]}}`,
			wantKinds: []stt.EventKind{stt.EventFinal},
			wantText:  "hello there",
		},
		{
			name:      "speech final yields endpoint",
			payload:   `{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"done now.","confidence":0.95}]}}`,
			wantKinds: []stt.EventKind{stt.EventFinal, stt.EventEndpoint},
			wantText:  "done now.",
		},
		{
			name:      "utterance end",
			payload:   `{"type":"UtteranceEnd","last_word_end":3.1}`,
			wantKinds: []stt.EventKind{stt.EventEndpoint},
		},
		{
			name:      "empty transcript ignored",
			payload:   `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`,
			wantKinds: nil,
		},
		{
			name:      "metadata ignored",
			payload:   `{"type":"Metadata","request_id":"abc"}`,
			wantKinds: nil,
		},
		{
			name:      "malformed json ignored",
			payload:   `{"type":`,
			wantKinds: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			events := parseDeepgramResponse([]byte(tc.payload))
			if len(events) != len(tc.wantKinds) {
				t.Fatalf("want %d events, got %d: %+v", len(tc.wantKinds), len(events), events)
			}
			for i, kind := range tc.wantKinds {
				if events[i].Kind != kind {
					t.Errorf("event[%d] kind: want %q, got %q", i, kind, events[i].Kind)
				}
			}
			if tc.wantText != "" && events[0].Text != tc.wantText {
				t.Errorf("text: want %q, got %q", tc.wantText, events[0].Text)
			}
		})
	}
}

func TestParseSpeechFinalFlag(t *testing.T) {
	t.Parallel()

	payload := `{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"ok.","confidence":0.9}]}}`
	events := parseDeepgramResponse([]byte(payload))
	if len(events) == 0 {
		t.Fatal("want events, got none")
	}
	if !events[0].SpeechFinal {
		t.Error("want SpeechFinal=true on final event")
	}
}
