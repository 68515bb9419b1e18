package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/callscreen/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey  string
	BaseURL string
	VoiceID string
	ModelID string
	Timeout time.Duration
}

// ElevenLabsTTS renders speech through the ElevenLabs HTTP API directly in the
// telephony format (ulaw_8000), so no resampling happens on our side.
type ElevenLabsTTS struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

type elevenRequest struct {
	Text          string             `json:"text"`
	ModelID       string             `json:"model_id"`
	LanguageCode  string             `json:"language_code,omitempty"`
	VoiceSettings elevenVoiceSetting `json:"voice_settings"`
}

type elevenVoiceSetting struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed"`
}

func NewElevenLabsTTS(cfg ElevenLabsConfig) *ElevenLabsTTS {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_flash_v2_5"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &ElevenLabsTTS{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (t *ElevenLabsTTS) Synthesize(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	text = SpeakableText(text)
	if text == "" {
		return nil, errors.New("nothing to synthesize")
	}
	if strings.TrimSpace(t.cfg.APIKey) == "" {
		return nil, errors.New("elevenlabs api key is empty")
	}
	voiceID := strings.TrimSpace(opts.Voice)
	if voiceID == "" {
		voiceID = t.cfg.VoiceID
	}
	if voiceID == "" {
		return nil, errors.New("voice_id is required")
	}

	u, err := url.Parse(strings.TrimRight(t.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("output_format", "ulaw_8000")
	u.RawQuery = q.Encode()

	body, err := json.Marshal(elevenRequest{
		Text:         text,
		ModelID:      t.cfg.ModelID,
		LanguageCode: strings.TrimSpace(opts.Language),
		VoiceSettings: elevenVoiceSetting{
			Stability:       0.45,
			SimilarityBoost: 0.8,
			Speed:           clampSpeed(opts.Rate),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", t.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/basic")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, reliability.Upstream("tts", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, reliability.NewHTTPError("tts", resp.StatusCode, string(b))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, reliability.Upstream("tts", fmt.Errorf("read audio: %w", err))
	}
	if len(audio) == 0 {
		return nil, reliability.Upstream("tts", errors.New("empty audio"))
	}
	return audio, nil
}

func clampSpeed(rate float64) float64 {
	switch {
	case rate <= 0:
		return 1.0
	case rate < 0.7:
		return 0.7
	case rate > 1.2:
		return 1.2
	default:
		return rate
	}
}
