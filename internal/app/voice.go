package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/callscreen/internal/config"
	"github.com/ent0n29/callscreen/internal/voice"
)

type voiceSetup struct {
	sttProvider      voice.STTProvider
	ttsProvider      voice.TTSProvider
	resolvedProvider string
	detail           string
}

// resolveVoiceProviders pairs AssemblyAI speech recognition with ElevenLabs
// synthesis. Both keys are needed for the real stack; auto mode falls back to
// the mock provider when either is missing.
func resolveVoiceProviders(cfg config.Config) (voiceSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if mode == "" {
		mode = "auto"
	}

	tryRealtime := func() (voiceSetup, bool) {
		if cfg.AssemblyAIAPIKey == "" || cfg.ElevenLabsAPIKey == "" {
			return voiceSetup{}, false
		}
		stt := voice.NewAssemblyAIProvider(voice.AssemblyAIConfig{
			APIKey:      cfg.AssemblyAIAPIKey,
			WSURL:       cfg.AssemblyAIWSURL,
			SampleRate:  8000,
			FormatTurns: true,
		})
		tts := voice.NewElevenLabsTTS(voice.ElevenLabsConfig{
			APIKey:  cfg.ElevenLabsAPIKey,
			BaseURL: cfg.ElevenLabsBaseURL,
			VoiceID: cfg.ElevenLabsVoiceID,
			ModelID: cfg.ElevenLabsModelID,
			Timeout: cfg.SynthesisTimeout,
		})
		return voiceSetup{
			sttProvider:      stt,
			ttsProvider:      tts,
			resolvedProvider: "realtime",
			detail:           fmt.Sprintf("assemblyai stt + elevenlabs tts (%s)", cfg.ElevenLabsModelID),
		}, true
	}

	mock := func(detail string) voiceSetup {
		p := voice.NewMockProvider()
		return voiceSetup{
			sttProvider:      p,
			ttsProvider:      p,
			resolvedProvider: "mock",
			detail:           detail,
		}
	}

	switch mode {
	case "realtime":
		if setup, ok := tryRealtime(); ok {
			return setup, nil
		}
		return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=realtime requires ASSEMBLYAI_API_KEY and ELEVENLABS_API_KEY")
	case "mock":
		return mock("mock"), nil
	case "auto":
		if setup, ok := tryRealtime(); ok {
			return setup, nil
		}
		return mock("mock (voice provider keys not set)"), nil
	default:
		return voiceSetup{}, fmt.Errorf("unsupported VOICE_PROVIDER %q (expected auto|realtime|mock)", cfg.VoiceProvider)
	}
}
