package orchestrator

import (
	"bytes"
	"math"
	"sync"
	"time"
)

// EchoSuppressor filters speaker echo out of microphone input before it
// reaches C2/C6. A Session plays TTS audio and listens on the same stream it
// captures from, so without this, the bot's own voice reliably re-triggers
// VAD and STT on itself; see the echo-suppression entry in DESIGN.md for why
// this is kept even though spec.md treats audio-domain echo as an external
// carrier concern. Detection is correlation-based: does the input chunk look
// like a time-shifted copy of audio this Session recently handed to TTS.
type EchoSuppressor struct {
	mu             sync.Mutex
	playedAudioBuf *bytes.Buffer // rolling buffer of played audio
	maxBufSize     int           // bound on the played-audio buffer, in bytes
	echoThreshold  float64       // correlation above which input counts as echo
	echoSilenceMS  int           // how long after the last TTS frame to keep checking
	lastTTSTime    time.Time
	enabled        bool
	sampleRate     int // PCM sample rate backing maxBufSize/frame-size math
}

// NewEchoSuppressor creates an echo suppressor sized for DefaultConfig()'s
// sample rate,
// with a ~2-second played-audio window and an echo-silence hangover long
// enough to cover typical playback-to-mic latency.
func NewEchoSuppressor() *EchoSuppressor {
	return NewEchoSuppressorWithConfig(DefaultConfig())
}

// NewEchoSuppressorWithConfig sizes the played-audio ring buffer off cfg's
// sample rate instead of a hardcoded constant, so a Session configured for a
// different codec keeps the same ~2-second echo window.
func NewEchoSuppressorWithConfig(cfg Config) *EchoSuppressor {
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	return &EchoSuppressor{
		playedAudioBuf: new(bytes.Buffer),
		maxBufSize:     sampleRate * 2 * 2, // ~2s, 16-bit mono
		echoThreshold:  0.55,
		echoSilenceMS:  1200, // covers longer playback->mic delays
		enabled:        true,
		sampleRate:     sampleRate,
	}
}

// RecordPlayedAudio records audio that was just sent to speakers.
func (es *EchoSuppressor) RecordPlayedAudio(chunk []byte) {
	if !es.enabled || len(chunk) == 0 {
		return
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	es.playedAudioBuf.Write(chunk)
	es.lastTTSTime = time.Now()

	if es.playedAudioBuf.Len() > es.maxBufSize {
		data := es.playedAudioBuf.Bytes()
		trim := data[len(data)-es.maxBufSize:]
		es.playedAudioBuf.Reset()
		es.playedAudioBuf.Write(trim)
	}
}

// IsEcho reports whether inputChunk is primarily echo of recently-played
// audio (correlation, with an envelope-correlation fallback for sibilants
// that phase-shift in the room).
func (es *EchoSuppressor) IsEcho(inputChunk []byte) bool {
	if !es.enabled || len(inputChunk) == 0 {
		return false
	}

	es.mu.Lock()
	if time.Since(es.lastTTSTime) > time.Duration(es.echoSilenceMS)*time.Millisecond {
		es.mu.Unlock()
		return false
	}
	playedData := make([]byte, es.playedAudioBuf.Len())
	copy(playedData, es.playedAudioBuf.Bytes())
	threshold := es.echoThreshold
	es.mu.Unlock()

	if len(playedData) == 0 {
		return false
	}

	inSamples := bytesToSamples(inputChunk)
	refSamples := bytesToSamples(playedData)

	isEcho := directCorrelation(inSamples, refSamples) > threshold ||
		maxEnvelopeCorrelation(inSamples, refSamples, 8) > threshold+0.05
	if isEcho {
		RecordEchoSuppressed()
	}
	return isEcho
}

// directCorrelation is the non-searching correlation IsEcho uses: it
// compares input against only the tail of reference (accounting for speaker
// latency without a sliding search), cheap enough for the realtime
// inbound-audio path.
func directCorrelation(inputSamples, refSamples []float64) float64 {
	if len(inputSamples) == 0 || len(refSamples) == 0 {
		return 0
	}

	compareLen := len(inputSamples)
	if compareLen > len(refSamples) {
		compareLen = len(refSamples)
	}
	refCompare := refSamples[len(refSamples)-compareLen:]

	inputEnergy := calculateEnergy(inputSamples)
	refEnergy := calculateEnergy(refCompare)
	if inputEnergy == 0 || refEnergy == 0 {
		return 0
	}

	dot := 0.0
	for i := 0; i < len(inputSamples) && i < len(refCompare); i++ {
		dot += inputSamples[i] * refCompare[i]
	}

	return clamp01(dot / math.Sqrt(inputEnergy*refEnergy))
}

// bytesToSamples converts 16-bit little-endian PCM bytes to float64 samples
// in [-1, 1].
func bytesToSamples(data []byte) []float64 {
	samples := make([]float64, 0, len(data)/2)

	for i := 0; i < len(data)-1; i += 2 {
		sample := int16(data[i]) | (int16(data[i+1]) << 8)
		samples = append(samples, float64(sample)/32768.0)
	}

	return samples
}

// calculateEnergy computes the sum of squared samples.
func calculateEnergy(samples []float64) float64 {
	energy := 0.0
	for _, s := range samples {
		energy += s * s
	}
	return energy
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ClearEchoBuffer clears the played-audio buffer (call when stopping TTS or
// interrupting).
func (es *EchoSuppressor) ClearEchoBuffer() {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.playedAudioBuf.Reset()
}

// PostProcess runs offline echo removal on input PCM (16-bit little-endian,
// mono), muting fixed-size frames that correlate highly with the stored
// played-audio buffer. Conservative: it zeroes entire frames classified as
// echo rather than attempting cancellation. Used only for debug export
// (Session.ExportLastUserAudio), never on the realtime path.
func (es *EchoSuppressor) PostProcess(input []byte) []byte {
	out := make([]byte, len(input))
	copy(out, input)
	if !es.enabled || len(input) == 0 {
		return out
	}

	const frameMs = 20
	frameBytes := (es.sampleRate * 2 * frameMs) / 1000

	es.mu.Lock()
	ref := make([]byte, es.playedAudioBuf.Len())
	copy(ref, es.playedAudioBuf.Bytes())
	threshold := es.echoThreshold
	es.mu.Unlock()

	refSamples := bytesToSamples(ref)

	for off := 0; off < len(input); off += frameBytes {
		end := off + frameBytes
		if end > len(input) {
			end = len(input)
		}
		frameSamples := bytesToSamples(input[off:end])

		if slidingCorrelationSearch(frameSamples, refSamples) > threshold {
			for i := off; i < end; i++ {
				out[i] = 0
			}
		}
	}

	return out
}

// RemoveEchoRealtime mutes the segment of input found to best match a
// time-shifted window of recently-played audio: the matched segment is
// zeroed outright, no echo estimate is subtracted (this is not an AEC).
// Returns a copy of input unchanged when no echo is found.
func (es *EchoSuppressor) RemoveEchoRealtime(input []byte) []byte {
	passthrough := func() []byte {
		out := make([]byte, len(input))
		copy(out, input)
		return out
	}
	if !es.enabled || len(input) == 0 {
		return passthrough()
	}

	es.mu.Lock()
	if time.Since(es.lastTTSTime) > time.Duration(es.echoSilenceMS)*time.Millisecond {
		es.mu.Unlock()
		return passthrough()
	}
	ref := make([]byte, es.playedAudioBuf.Len())
	copy(ref, es.playedAudioBuf.Bytes())
	threshold := es.echoThreshold
	es.mu.Unlock()

	if len(ref) == 0 {
		return passthrough()
	}

	inSamples := bytesToSamples(input)
	refSamples := bytesToSamples(ref)
	if len(inSamples) == 0 || len(refSamples) == 0 {
		return passthrough()
	}

	compareLen := len(inSamples)
	if compareLen > len(refSamples) {
		compareLen = len(refSamples)
	}
	inSeg := inSamples[:compareLen]

	corr := slidingCorrelationSearch(inSeg, refSamples)
	if corr < threshold {
		// Fallback to envelope correlation to catch phase-shifted sibilants,
		// which run slightly higher inherently hence the +0.05 margin.
		if maxEnvelopeCorrelation(inSeg, refSamples, 8) < threshold+0.05 {
			return passthrough()
		}
	}

	RecordEchoSuppressed()

	// Mute the matched segment entirely; carry any trailing bytes beyond it
	// through unchanged.
	outBytes := make([]byte, len(input))
	if len(outBytes) > compareLen*2 {
		copy(outBytes[compareLen*2:], input[compareLen*2:])
	}
	return outBytes
}

// slidingCorrelationSearch finds the best-aligned normalized correlation
// between inSamples and a same-length window slid across refSamples, used
// by both the realtime and offline echo paths. Intentionally bounded by a
// coarse stride rather than checking every offset — an exhaustive search is
// too expensive for the realtime audio thread and unnecessary for the
// offline one. The final (most recently played) window is always checked,
// even when the stride steps past it.
func slidingCorrelationSearch(inSamples, refSamples []float64) float64 {
	if len(inSamples) == 0 || len(refSamples) == 0 {
		return 0
	}

	compareLen := len(inSamples)
	if compareLen > len(refSamples) {
		compareLen = len(refSamples)
	}
	inSeg := inSamples[:compareLen]

	inEnergy := calculateEnergy(inSeg)
	if inEnergy == 0 {
		return 0
	}

	stride := compareLen / 4
	if stride < 8 {
		stride = 8
	}

	maxCorr := 0.0
	last := len(refSamples) - compareLen
	for pos := 0; ; pos += stride {
		if pos > last {
			if pos-stride == last {
				break
			}
			pos = last
		}
		seg := refSamples[pos : pos+compareLen]
		segEnergy := calculateEnergy(seg)
		if segEnergy == 0 {
			continue
		}
		dot := 0.0
		for i := 0; i < compareLen; i++ {
			dot += inSeg[i] * seg[i]
		}
		if corr := dot / math.Sqrt(inEnergy*segEnergy); corr > maxCorr {
			maxCorr = corr
			if maxCorr >= 0.999 {
				break
			}
		}
	}

	return clamp01(maxCorr)
}

// maxEnvelopeCorrelation compares the absolute-value energy envelope
// (downsampled by decimation) of two signals, sliding refSamples against
// inSamples. This catches sibilants and other high frequencies that room
// phase shifts would otherwise scramble for the raw-sample correlation
// above.
func maxEnvelopeCorrelation(inSamples, refSamples []float64, decimation int) float64 {
	if len(inSamples) == 0 || len(refSamples) == 0 {
		return 0
	}

	envelopeOf := func(samples []float64) []float64 {
		env := make([]float64, len(samples)/decimation)
		for i := range env {
			sum := 0.0
			for j := 0; j < decimation; j++ {
				sum += math.Abs(samples[i*decimation+j])
			}
			env[i] = sum
		}
		return env
	}

	inEnv := envelopeOf(inSamples)
	refEnv := envelopeOf(refSamples)

	compareLen := len(inEnv)
	if compareLen > len(refEnv) {
		compareLen = len(refEnv)
	}
	if compareLen == 0 {
		return 0
	}

	inMean := 0.0
	for i := 0; i < compareLen; i++ {
		inMean += inEnv[i]
	}
	inMean /= float64(compareLen)

	inVar := 0.0
	for i := 0; i < compareLen; i++ {
		inEnv[i] -= inMean
		inVar += inEnv[i] * inEnv[i]
	}
	if inVar <= 0 {
		return 0
	}

	stride := compareLen / 4
	if stride < 2 {
		stride = 2
	}

	maxCorr := 0.0
	searchRange := len(refEnv) - compareLen + 1
	for pos := 0; pos < searchRange; pos += stride {
		refMean := 0.0
		for i := 0; i < compareLen; i++ {
			refMean += refEnv[pos+i]
		}
		refMean /= float64(compareLen)

		dot, refVar := 0.0, 0.0
		for i := 0; i < compareLen; i++ {
			r := refEnv[pos+i] - refMean
			dot += inEnv[i] * r
			refVar += r * r
		}

		if refVar > 0 {
			if corr := dot / math.Sqrt(inVar*refVar); corr > maxCorr {
				maxCorr = corr
			}
		}
	}

	return maxCorr
}

// SetThreshold adjusts the correlation an input chunk must exceed to count
// as echo (0-1; higher values make detection less sensitive). Values outside
// that range are ignored.
func (es *EchoSuppressor) SetThreshold(threshold float64) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if threshold >= 0 && threshold <= 1 {
		es.echoThreshold = threshold
	}
}

// SetEnabled enables or disables echo suppression.
func (es *EchoSuppressor) SetEnabled(enabled bool) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.enabled = enabled
}
