package audio

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// DecodePayload decodes a base64 media payload into raw μ-law bytes.
func DecodePayload(payload string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return raw, nil
}

// EncodePayload encodes raw μ-law bytes as a base64 media payload.
func EncodePayload(mulaw []byte) string {
	return base64.StdEncoding.EncodeToString(mulaw)
}

// DecodePayloadPCM16 decodes a base64 μ-law payload straight to PCM16LE.
func DecodePayloadPCM16(payload string) ([]byte, error) {
	raw, err := DecodePayload(payload)
	if err != nil {
		return nil, err
	}
	return MulawToPCM16LE(raw), nil
}

// ParseTimestamp parses a media-clock timestamp in milliseconds since stream start.
// An empty string is treated as zero.
func ParseTimestamp(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse media timestamp %q: %w", raw, err)
	}
	if ms < 0 {
		return 0, fmt.Errorf("parse media timestamp %q: negative", raw)
	}
	return ms, nil
}

// FrameDurationMS is the playback length of a μ-law buffer at 8 kHz.
func FrameDurationMS(mulawBytes int) int64 {
	return int64(mulawBytes) * 1000 / MulawSampleRate
}

// SplitFrames slices a μ-law buffer into frames of frameMS milliseconds.
// The final frame may be shorter.
func SplitFrames(mulaw []byte, frameMS int) [][]byte {
	if frameMS <= 0 {
		frameMS = 20
	}
	size := MulawSampleRate * frameMS / 1000
	if len(mulaw) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(mulaw)+size-1)/size)
	for start := 0; start < len(mulaw); start += size {
		end := start + size
		if end > len(mulaw) {
			end = len(mulaw)
		}
		frames = append(frames, mulaw[start:end])
	}
	return frames
}
