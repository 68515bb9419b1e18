package audio

import (
	"encoding/binary"
	"testing"
)

func TestMulawRoundTripWithinQuantization(t *testing.T) {
	for _, sample := range []int16{0, 1, -1, 100, -100, 1000, -1000, 12000, -12000, 32000, -32000} {
		got := MulawDecodeSample(MulawEncodeSample(sample))
		diff := int(got) - int(sample)
		if diff < 0 {
			diff = -diff
		}
		limit := int(sample) / 16
		if limit < 0 {
			limit = -limit
		}
		if limit < 8 {
			limit = 8
		}
		if diff > limit {
			t.Fatalf("round trip %d -> %d, diff %d exceeds %d", sample, got, diff, limit)
		}
	}
}

func TestMulawSilence(t *testing.T) {
	if got := MulawEncodeSample(0); got != 0xFF {
		t.Fatalf("MulawEncodeSample(0) = %#x, want 0xff", got)
	}
	if got := MulawDecodeSample(0xFF); got != 0 {
		t.Fatalf("MulawDecodeSample(0xff) = %d, want 0", got)
	}
}

func TestPCMBuffersConvert(t *testing.T) {
	pcm := make([]byte, 6)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(int16(500)))
	neg := int16(-500)
	binary.LittleEndian.PutUint16(pcm[2:], uint16(neg))
	binary.LittleEndian.PutUint16(pcm[4:], 0)

	mulaw := PCM16LEToMulaw(append(pcm, 0x01))
	if len(mulaw) != 3 {
		t.Fatalf("len(mulaw) = %d, want 3", len(mulaw))
	}
	back := MulawToPCM16LE(mulaw)
	if len(back) != 6 {
		t.Fatalf("len(back) = %d, want 6", len(back))
	}
	if got := int16(binary.LittleEndian.Uint16(back[2:])); got >= 0 {
		t.Fatalf("second sample = %d, want negative", got)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	raw := []byte{0xFF, 0x7F, 0x00, 0x80}
	decoded, err := DecodePayload(EncodePayload(raw))
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if string(decoded) != string(raw) {
		t.Fatalf("decoded = %v, want %v", decoded, raw)
	}
	if _, err := DecodePayload("not base64!"); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}

func TestParseTimestamp(t *testing.T) {
	cases := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"  1520 ", 1520, false},
		{"-3", 0, true},
		{"12ms", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseTimestamp(tc.raw)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseTimestamp(%q) error = %v, wantErr %v", tc.raw, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("ParseTimestamp(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func TestSplitFrames(t *testing.T) {
	frames := SplitFrames(make([]byte, 400), 20)
	if len(frames) != 3 {
		t.Fatalf("len(frames) = %d, want 3", len(frames))
	}
	if len(frames[2]) != 80 {
		t.Fatalf("last frame = %d bytes, want 80", len(frames[2]))
	}
	if got := FrameDurationMS(8000); got != 1000 {
		t.Fatalf("FrameDurationMS(8000) = %d, want 1000", got)
	}
}
