package audio

import "encoding/binary"

// Telephony media frames are G.711 μ-law, 8 kHz, mono.
const (
	MulawSampleRate = 8000
	mulawBias       = 0x84
	mulawClip       = 32635
)

var mulawDecodeTable = buildMulawDecodeTable()

func buildMulawDecodeTable() [256]int16 {
	var table [256]int16
	for i := range table {
		u := ^byte(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := ((int(mantissa) << 3) + mulawBias) << exponent
		sample -= mulawBias
		if sign != 0 {
			sample = -sample
		}
		table[i] = int16(sample)
	}
	return table
}

// MulawDecodeSample expands one μ-law byte to a linear PCM16 sample.
func MulawDecodeSample(u byte) int16 {
	return mulawDecodeTable[u]
}

// MulawEncodeSample compresses one linear PCM16 sample to μ-law.
func MulawEncodeSample(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | (exponent << 4) | mantissa)
}

// MulawToPCM16LE decodes a μ-law buffer into little-endian PCM16 bytes.
func MulawToPCM16LE(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, u := range mulaw {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(mulawDecodeTable[u]))
	}
	return out
}

// PCM16LEToMulaw encodes little-endian PCM16 bytes to μ-law. A trailing odd byte is ignored.
func PCM16LEToMulaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = MulawEncodeSample(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}
