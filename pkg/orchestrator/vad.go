package orchestrator

import (
	"math"
	"time"
)

// rmsEnergyWindow is C2's energy_window (spec.md §4.2, default 10 frames):
// the rolling window of recent non-speech frames RMSVAD averages into a
// noise floor for adaptive mode.
const rmsEnergyWindow = 10

// RMSVAD is C2's local energy-threshold detector. The STT adapters do not
// deliver upstream VAD events (SpeechStarted/UtteranceEnd) to the Session,
// so this detector, wrapped in DebouncedVAD, is the only source of
// speech_started/speech_ended events. It is dependency-free.
type RMSVAD struct {
	threshold    float64
	silenceLimit time.Duration
	isSpeaking   bool
	silenceStart time.Time

	// Hysteresis: a run of consecutiveFrames above threshold must reach
	// minConfirmed before speech is confirmed, filtering transient spikes
	// and echo-onset pops without adding real barge-in latency once
	// confirmed (the raised edge still fires on the very next chunk).
	consecutiveFrames int
	minConfirmed      int
	lastRMS           float64

	// Adaptive noise floor (energy_window). When adaptiveMode is set, the
	// effective trigger threshold rides above the rolling average of recent
	// non-speech frames instead of the static configured value. Session
	// disables this during the brief echo-guard window right after the bot
	// finishes speaking, when a caller-supplied static threshold must hold
	// exactly rather than adapting to the bot's own playback tail.
	adaptiveMode bool
	noiseWindow  [rmsEnergyWindow]float64
	noiseCount   int
	noiseIdx     int
}

// NewRMSVAD creates an RMS-based VAD with the given static threshold and
// silence hangover, adaptive noise-floor tracking enabled by default.
func NewRMSVAD(threshold float64, silenceLimit time.Duration) *RMSVAD {
	return &RMSVAD{
		threshold:    threshold,
		silenceLimit: silenceLimit,
		minConfirmed: 7, // ~70-100ms of continuous sound for snappy barge-in
		adaptiveMode: true,
	}
}

// SetMinConfirmed sets the number of consecutive frames needed to confirm
// speech start.
func (v *RMSVAD) SetMinConfirmed(count int) {
	v.minConfirmed = count
}

// MinConfirmed returns the current confirmation-frame count.
func (v *RMSVAD) MinConfirmed() int {
	return v.minConfirmed
}

// SetThreshold updates the static RMS threshold.
func (v *RMSVAD) SetThreshold(threshold float64) {
	v.threshold = threshold
}

// Threshold returns the static RMS threshold (ignoring any adaptive
// adjustment currently in effect).
func (v *RMSVAD) Threshold() float64 {
	return v.threshold
}

// SetAdaptiveMode toggles noise-floor adaptation. Disabled, Process triggers
// strictly off the static threshold; enabled (the default), the effective
// threshold also tracks the rolling average of recent non-speech frames so
// a noisier line doesn't keep tripping on ambient hiss.
func (v *RMSVAD) SetAdaptiveMode(enabled bool) {
	v.adaptiveMode = enabled
}

// AdaptiveMode reports whether noise-floor adaptation is currently enabled.
func (v *RMSVAD) AdaptiveMode() bool {
	return v.adaptiveMode
}

// LastRMS returns the RMS of the last processed chunk.
func (v *RMSVAD) LastRMS() float64 {
	return v.lastRMS
}

// IsSpeaking returns true if speech is currently detected.
func (v *RMSVAD) IsSpeaking() bool {
	return v.isSpeaking
}

func (v *RMSVAD) Process(chunk []byte) (*VADEvent, error) {
	rms := v.calculateRMS(chunk)
	v.lastRMS = rms
	now := time.Now()

	threshold := v.effectiveThreshold()

	if rms > threshold {
		v.consecutiveFrames++
		if !v.isSpeaking {
			// Require a sequence of frames above threshold to filter out
			// spikes and echo-onset pops.
			if v.consecutiveFrames >= v.minConfirmed {
				v.isSpeaking = true
				return &VADEvent{Type: VADSpeechStart, Timestamp: now.UnixMilli()}, nil
			}
			return nil, nil // Still confirming
		}
		v.silenceStart = time.Time{} // Reset silence timer
		return nil, nil
	}

	// Below threshold.
	v.consecutiveFrames = 0
	if !v.isSpeaking {
		v.recordNoiseSample(rms)
	}

	if v.isSpeaking {
		if v.silenceStart.IsZero() {
			v.silenceStart = now
		}

		if now.Sub(v.silenceStart) >= v.silenceLimit {
			v.isSpeaking = false
			v.silenceStart = time.Time{}
			return &VADEvent{Type: VADSpeechEnd, Timestamp: now.UnixMilli()}, nil
		}
	}

	return &VADEvent{Type: VADSilence, Timestamp: now.UnixMilli()}, nil
}

func (v *RMSVAD) Name() string {
	return "rms_vad"
}

func (v *RMSVAD) Reset() {
	v.isSpeaking = false
	v.silenceStart = time.Time{}
	v.consecutiveFrames = 0
	v.noiseCount = 0
	v.noiseIdx = 0
}

func (v *RMSVAD) Clone() VADProvider {
	return &RMSVAD{
		threshold:    v.threshold,
		silenceLimit: v.silenceLimit,
		minConfirmed: v.minConfirmed,
		adaptiveMode: v.adaptiveMode,
	}
}

// effectiveThreshold returns the static threshold, or (when adaptiveMode is
// on and at least one non-speech sample has been recorded) the larger of
// the static threshold and a margin above the rolling noise floor.
func (v *RMSVAD) effectiveThreshold() float64 {
	if !v.adaptiveMode || v.noiseCount == 0 {
		return v.threshold
	}
	n := v.noiseCount
	if n > len(v.noiseWindow) {
		n = len(v.noiseWindow)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += v.noiseWindow[i]
	}
	floor := sum / float64(n)
	if adaptive := floor * 2.5; adaptive > v.threshold {
		return adaptive
	}
	return v.threshold
}

func (v *RMSVAD) recordNoiseSample(rms float64) {
	v.noiseWindow[v.noiseIdx%len(v.noiseWindow)] = rms
	v.noiseIdx++
	if v.noiseCount < len(v.noiseWindow) {
		v.noiseCount++
	}
}

func (v *RMSVAD) calculateRMS(chunk []byte) float64 {
	if len(chunk) == 0 {
		return 0
	}

	var sum float64
	// 16-bit little-endian PCM, 2 bytes per sample.
	for i := 0; i < len(chunk)-1; i += 2 {
		sample := int16(chunk[i]) | (int16(chunk[i+1]) << 8)
		f := float64(sample) / 32768.0
		sum += f * f
	}

	return math.Sqrt(sum / float64(len(chunk)/2))
}
