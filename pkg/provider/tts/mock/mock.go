// Package mock provides a test double for the tts.Provider interface.
//
// The mock synthesises deterministic PCM: each consumed text fragment yields
// one audio chunk whose bytes repeat the fragment's length, letting tests
// assert ordering and completeness without a live provider.
package mock

import (
	"context"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/provider/tts"
	"github.com/voxbridge/voxbridge/pkg/types"
)

// SynthesizeCall records a single invocation of Provider.SynthesizeStream.
type SynthesizeCall struct {
	// Voice is the profile passed to SynthesizeStream.
	Voice types.VoiceProfile

	// Texts collects every fragment consumed from the text channel.
	// Populated asynchronously; read it only after the audio channel closes.
	Texts []string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by SynthesizeStream before consuming
	// any text.
	StartErr error

	// FailuresRemaining, when positive, limits StartErr to that many calls.
	// Zero with a non-nil StartErr fails every call. Used to exercise
	// retry-with-fresh-synthesizer.
	FailuresRemaining int

	// ChunkBytes is the size of each emitted PCM chunk. Default 640
	// (20 ms at 16 kHz mono s16le) so playback tests exercise framing.
	ChunkBytes int

	// Calls records every invocation.
	Calls []*SynthesizeCall
}

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream consumes the text channel and emits one PCM chunk per
// fragment, then closes the audio channel.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	if p.StartErr != nil {
		err := p.StartErr
		if p.FailuresRemaining > 0 {
			p.FailuresRemaining--
			if p.FailuresRemaining == 0 {
				p.StartErr = nil
			}
		}
		p.mu.Unlock()
		return nil, err
	}
	call := &SynthesizeCall{Voice: voice}
	p.Calls = append(p.Calls, call)
	chunkBytes := p.ChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = 640
	}
	p.mu.Unlock()

	audio := make(chan []byte, 16)
	go func() {
		defer close(audio)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				call.Texts = append(call.Texts, fragment)
				p.mu.Unlock()

				chunk := make([]byte, chunkBytes)
				for i := range chunk {
					chunk[i] = byte(len(fragment))
				}
				select {
				case audio <- chunk:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return audio, nil
}

// CallCount returns how many streams were started. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastCall returns the most recent call record, or nil. Thread-safe.
func (p *Provider) LastCall() *SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return nil
	}
	return p.Calls[len(p.Calls)-1]
}
