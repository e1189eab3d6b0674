package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-wide metrics. The registry and the latency histograms are the
// only two process-wide structures; these gauges and counters sit behind
// the same narrow read-only surface as latency_stats()/interruption_stats()
// — no module outside this package writes to them. The HTTP /metrics
// exposition endpoint itself is out of scope here; only registration and
// increment live in this package.
var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxloop_sessions_active",
		Help: "Currently admitted call sessions (C12 registry size)",
	})

	admissionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxloop_admissions_rejected_total",
		Help: "Admissions rejected because the registry was at max_concurrent_calls",
	})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voxloop_stage_duration_ms",
		Help:    "Per-stage pipeline latency in milliseconds (stt, llm, tts, e2e)",
		Buckets: []float64{25, 50, 100, 150, 200, 300, 500, 800, 1200, 2000, 5000},
	}, []string{"stage"})

	upstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxloop_upstream_errors_total",
		Help: "UpstreamDown occurrences by adapter (stt, llm, tts)",
	}, []string{"stage"})

	bufferOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxloop_buffer_overruns_total",
		Help: "Frames dropped from the jitter/playback buffer for exceeding max_buffer_ms",
	})

	interruptionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxloop_interruptions_total",
		Help: "Barge-ins that entered the INTERRUPTED state",
	})

	interruptionFalsePositives = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxloop_interruption_false_positives_total",
		Help: "Barge-in speech judged too short: discarded by require_confident_speech or counted after C2's minimum-duration filter",
	})

	echoFramesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxloop_echo_frames_suppressed_total",
		Help: "Inbound audio chunks classified as speaker echo and muted before reaching STT/VAD",
	})
)

// RecordEchoSuppressed increments the echo-suppression counter. Called by
// EchoSuppressor whenever an inbound chunk correlates highly enough with
// recently-played TTS audio to be classified as echo rather than user
// speech.
func RecordEchoSuppressed() {
	echoFramesSuppressed.Inc()
}

// RecordUpstreamError increments the upstream-error counter for a failed
// STT/LLM/TTS adapter call.
func RecordUpstreamError(stage string) {
	upstreamErrors.WithLabelValues(stage).Inc()
}
