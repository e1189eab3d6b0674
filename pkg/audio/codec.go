package audio

// Codec identifies the encoding of an AudioFrame's payload.
type Codec string

const (
	// CodecMulaw8kHz is the PSTN leg: 8-bit logarithmic G.711 mu-law, 8kHz
	// mono, 20ms frames = 160 bytes.
	CodecMulaw8kHz Codec = "mulaw_8k_mono"
	// CodecPCM16kHz is the WebRTC leg: signed 16-bit little-endian PCM, 16kHz
	// mono.
	CodecPCM16kHz Codec = "pcm16_16k_mono"
)

const (
	mulawBias = 0x84
	mulawClip = 32635
)

var mulawDecodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		mulawDecodeTable[i] = decodeMulawSample(byte(i))
	}
}

func decodeMulawSample(b byte) int16 {
	b = ^b
	sign := int16(1)
	if b&0x80 != 0 {
		sign = -1
		b &= 0x7F
	}
	exponent := int16((b >> 4) & 0x07)
	mantissa := int16(b & 0x0F)
	sample := (mantissa<<3 + mulawBias) << exponent
	sample -= mulawBias
	return sign * sample
}

func encodeMulawSample(sample int16) byte {
	sign := byte(0x00)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	exponent := byte(7)
	for mask := int16(0x4000); sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((sample >> uint(exponent+3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}

// DecodeMulaw converts G.711 mu-law bytes to signed 16-bit little-endian PCM.
func DecodeMulaw(data []byte) []byte {
	pcm := make([]byte, len(data)*2)
	for i, b := range data {
		s := mulawDecodeTable[b]
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

// EncodeMulaw converts signed 16-bit little-endian PCM to G.711 mu-law bytes.
// Input with an odd trailing byte is truncated to the last full sample.
func EncodeMulaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = encodeMulawSample(s)
	}
	return out
}

// BytesPerFrame returns the payload size of one frame of durationMs for the
// given codec, assuming mono audio.
func BytesPerFrame(codec Codec, durationMs int) int {
	switch codec {
	case CodecMulaw8kHz:
		return 8 * durationMs // 8 samples/ms, 1 byte/sample
	case CodecPCM16kHz:
		return 16 * durationMs * 2 // 16 samples/ms, 2 bytes/sample
	default:
		return 0
	}
}
