package voice

import (
	"context"
	"encoding/binary"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/callscreen/internal/audio"
)

// MockProvider is the local fallback used when no speech vendor is configured.
// Its STT sessions replay a script, one final transcript every Every audio
// chunks; its TTS returns a quiet μ-law tone sized to the text.
type MockProvider struct {
	Script []string
	Every  int
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		Script: []string{"Hi, this is the dental office calling about your appointment tomorrow."},
		Every:  40,
	}
}

func (p *MockProvider) StartSession(ctx context.Context, _ string) (STTSession, <-chan STTEvent, error) {
	every := p.Every
	if every <= 0 {
		every = 40
	}
	events := make(chan STTEvent, 64)
	return &MockSTTSession{events: events, script: append([]string(nil), p.Script...), every: every}, events, nil
}

func (p *MockProvider) Synthesize(ctx context.Context, text string, _ TTSOptions) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	words := len(strings.Fields(text))
	if words == 0 {
		words = 1
	}
	// ~250ms of a quiet 400 Hz square tone per word at 8 kHz.
	samples := words * audio.MulawSampleRate / 4
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(600)
		if (i/10)%2 == 1 {
			v = -600
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return audio.PCM16LEToMulaw(pcm), nil
}

// MockSTTSession also lets tests push recognizer results directly.
type MockSTTSession struct {
	mu     sync.Mutex
	events chan STTEvent
	script []string
	every  int
	chunks int
	bytes  int
	closed bool
}

func (s *MockSTTSession) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSTTClosed
	}
	s.chunks++
	s.bytes += len(pcm)
	if len(s.script) > 0 && s.chunks%s.every == 0 {
		text := s.script[0]
		s.script = s.script[1:]
		s.emitLocked(STTEvent{Type: STTEventFinal, Text: text, Timestamp: time.Now().UnixMilli()})
	}
	return nil
}

// Emit pushes a recognizer result as if the service had produced it.
func (s *MockSTTSession) Emit(text string, final bool) {
	typ := STTEventPartial
	if final {
		typ = STTEventFinal
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(STTEvent{Type: typ, Text: text, Timestamp: time.Now().UnixMilli()})
}

func (s *MockSTTSession) emitLocked(ev STTEvent) {
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

func (s *MockSTTSession) BytesReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *MockSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
