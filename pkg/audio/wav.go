package audio

import (
	"bytes"
	"encoding/binary"
)

// waveFormatPCM and waveFormatMulaw are the RIFF/WAVE fmt-chunk codec tags
// (Microsoft's WAVE_FORMAT_* registry) this package writes: 1 for signed
// 16-bit PCM, 7 for G.711 mu-law.
const (
	waveFormatPCM   uint16 = 1
	waveFormatMulaw uint16 = 7
)

// NewWavBuffer wraps 16-bit little-endian PCM (CodecPCM16kHz) in a minimal
// RIFF/WAVE container, for STT adapters (groq.go, openai.go) that require a
// WAV upload rather than a raw PCM stream.
func NewWavBuffer(pcm []byte, sampleRate int) []byte {
	return NewWavBufferForCodec(pcm, sampleRate, CodecPCM16kHz)
}

// NewWavBufferForCodec wraps payload in a RIFF/WAVE container tagged for
// codec, so CodecMulaw8kHz's 8-bit G.711 frames (the PSTN leg) can be
// exported to a playable WAV the same way CodecPCM16kHz's 16-bit frames
// can, instead of silently assuming PCM. Mu-law files carry the mandatory
// "fact" chunk WAVE_FORMAT_MULAW readers expect (sample count), which PCM
// does not need.
func NewWavBufferForCodec(payload []byte, sampleRate int, codec Codec) []byte {
	switch codec {
	case CodecMulaw8kHz:
		return newMulawWav(payload, sampleRate)
	default:
		return newPCM16Wav(payload, sampleRate)
	}
}

func newPCM16Wav(pcm []byte, sampleRate int) []byte {
	const bitsPerSample = 16
	const channels = 1
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	buf := new(bytes.Buffer)

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, waveFormatPCM)
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

func newMulawWav(mulaw []byte, sampleRate int) []byte {
	const bitsPerSample = 8
	const channels = 1
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	// fmt (18 bytes: 16 + 2-byte cbSize, required for non-PCM formats) +
	// fact (12 bytes) + data header (8 bytes) + payload.
	riffSize := uint32(4 + (8 + 18) + (8 + 4) + (8 + len(mulaw)))

	buf := new(bytes.Buffer)

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(18))
	binary.Write(buf, binary.LittleEndian, waveFormatMulaw)
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	binary.Write(buf, binary.LittleEndian, uint16(0)) // cbSize, no extra fmt data

	buf.WriteString("fact")
	binary.Write(buf, binary.LittleEndian, uint32(4))
	binary.Write(buf, binary.LittleEndian, uint32(len(mulaw))) // one sample per byte

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(mulaw)))
	buf.Write(mulaw)

	return buf.Bytes()
}
