package voice

import "context"

type STTEventType string

const (
	STTEventPartial STTEventType = "partial"
	STTEventFinal   STTEventType = "final"
	STTEventError   STTEventType = "error"
)

// STTEvent is one recognizer result. Events on a session channel arrive in
// recognizer order.
type STTEvent struct {
	Type      STTEventType
	Text      string
	Code      string
	Detail    string
	Retryable bool
	Timestamp int64
}

func (e STTEvent) IsFinal() bool { return e.Type == STTEventFinal }

// STTSession accepts linear PCM16LE audio at the provider's configured rate.
type STTSession interface {
	SendAudio(ctx context.Context, pcm []byte) error
	Close() error
}

// STTProvider opens one transcription session per call. The returned channel
// is closed when the session ends.
type STTProvider interface {
	StartSession(ctx context.Context, callID string) (STTSession, <-chan STTEvent, error)
}

type TTSOptions struct {
	Language string
	Voice    string
	Rate     float64
}

// TTSProvider renders text as μ-law 8 kHz audio ready for the media stream.
type TTSProvider interface {
	Synthesize(ctx context.Context, text string, opts TTSOptions) ([]byte, error)
}
