// Package mock provides a test double for the tts.Provider interface.
//
// Two modes are supported. With EchoText set, every text fragment received on
// the input channel produces one audio chunk containing the fragment's bytes —
// convenient for asserting sentence-to-chunk pipelining. Otherwise the
// provider emits the fixed SynthesizeChunks sequence while draining the text
// channel.
package mock

import (
	"context"
	"sync"

	"github.com/voicewire/voicewire/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Voice is the Voice passed to SynthesizeStream.
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// EchoText, when set, makes each received text fragment produce one audio
	// chunk equal to []byte(fragment).
	EchoText bool

	// SynthesizeChunks is the sequence of audio byte slices emitted when
	// EchoText is false.
	SynthesizeChunks [][]byte

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream instead of
	// starting a channel. Consumed once per entry when SynthesizeErrs is set.
	SynthesizeErr error

	// PrewarmErr, if non-nil, is returned by Prewarm.
	PrewarmErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.Voice

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall

	// PrewarmCalls counts Prewarm invocations.
	PrewarmCalls int

	// ReceivedText records every text fragment drained from input channels,
	// across all streams, in order.
	ReceivedText []string
}

// SynthesizeStream records the call and returns a channel driven by the
// configured mode.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	p.mu.Lock()
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	echo := p.EchoText
	chunks := make([][]byte, len(p.SynthesizeChunks))
	copy(chunks, p.SynthesizeChunks)
	p.mu.Unlock()

	ch := make(chan []byte, 256)
	go func() {
		defer close(ch)
		if echo {
			for {
				select {
				case s, ok := <-text:
					if !ok {
						return
					}
					p.recordText(s)
					select {
					case ch <- []byte(s):
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}

		// Fixed-chunk mode: drain text in the background so producers are
		// never blocked, then emit the scripted chunks.
		go func() {
			for s := range text {
				p.recordText(s)
			}
		}()
		for _, audio := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- audio:
			}
		}
	}()
	return ch, nil
}

// Prewarm records the call and returns PrewarmErr.
func (p *Provider) Prewarm(_ context.Context, _ tts.Voice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PrewarmCalls++
	return p.PrewarmErr
}

// ListVoices returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, p.ListVoicesErr
}

// Received returns a copy of all drained text fragments. Thread-safe.
func (p *Provider) Received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.ReceivedText))
	copy(out, p.ReceivedText)
	return out
}

// StreamCallCount returns the number of SynthesizeStream invocations.
func (p *Provider) StreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeStreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.ReceivedText = nil
	p.PrewarmCalls = 0
}

func (p *Provider) recordText(s string) {
	p.mu.Lock()
	p.ReceivedText = append(p.ReceivedText, s)
	p.mu.Unlock()
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
