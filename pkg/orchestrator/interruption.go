package orchestrator

import (
	"sync"
	"time"
)

// InterruptionState is one of the four states of the C5 state machine.
type InterruptionState string

const (
	StateListening   InterruptionState = "LISTENING"
	StateProcessing  InterruptionState = "PROCESSING"
	StateSpeaking    InterruptionState = "SPEAKING"
	StateInterrupted InterruptionState = "INTERRUPTED"
)

// InterruptionStats mirrors the read-only interruption_stats() observability
// surface.
type InterruptionStats struct {
	Total          int
	FalsePositives int
}

// InterruptionHandler is the C5 state machine coordinating C2 (VAD) and C4
// (Playback Controller), enforcing barge-in. It trusts C2's own debounce and
// minimum-duration filtering — see the Open Question decision recorded in
// DESIGN.md: debounce lives only in C2, never re-applied here.
type InterruptionHandler struct {
	mu    sync.Mutex
	state InterruptionState

	playback *PlaybackController
	queue    *SpeechQueue

	// cancelTurn cancels the in-flight orchestrator run; nil when none is active.
	cancelTurn func()

	requireConfidentSpeech bool
	minSpeechDurationMS    int

	stats InterruptionStats
}

// NewInterruptionHandler wires C5 to the Session's C4/C3 instances.
func NewInterruptionHandler(playback *PlaybackController, queue *SpeechQueue, cfg Config) *InterruptionHandler {
	return &InterruptionHandler{
		state:                  StateListening,
		playback:               playback,
		queue:                  queue,
		requireConfidentSpeech: true,
		minSpeechDurationMS:    cfg.InterruptMinSpeechMS,
	}
}

// State returns the current state.
func (h *InterruptionHandler) State() InterruptionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Stats returns a copy of the interruption counters.
func (h *InterruptionHandler) Stats() InterruptionStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// SetCancelTurn registers the cancellation function for the in-flight
// orchestrator run. Call with nil when no turn is active.
func (h *InterruptionHandler) SetCancelTurn(cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelTurn = cancel
}

// TurnStarted transitions LISTENING -> PROCESSING when STT-final arrives and
// the orchestrator starts. Returns false if the current state does not
// permit the transition.
func (h *InterruptionHandler) TurnStarted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateListening {
		return false
	}
	h.state = StateProcessing
	return true
}

// FirstFrameEnqueued transitions PROCESSING -> SPEAKING on the first TTS
// frame handed to C1.
func (h *InterruptionHandler) FirstFrameEnqueued() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateProcessing {
		h.state = StateSpeaking
	}
}

// TurnFailed transitions PROCESSING -> LISTENING when the orchestrator fails
// or is cancelled before reaching SPEAKING.
func (h *InterruptionHandler) TurnFailed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateProcessing {
		h.state = StateListening
	}
}

// PlaybackComplete transitions SPEAKING -> LISTENING once the orchestrator
// reports all TTS frames played.
func (h *InterruptionHandler) PlaybackComplete() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateSpeaking {
		h.state = StateListening
	}
}

// SpeechStarted handles a speech_started event from C2. If currently
// SPEAKING, it runs the barge-in critical path and returns true. Any other
// state is a no-op (returns false) since C2 already applied debounce and
// minimum-duration filtering before emitting the event.
//
// speechDurationMS, when non-zero, is used only for the
// require_confident_speech short-circuit; it is not a second debounce.
func (h *InterruptionHandler) SpeechStarted(speechDurationMS int) bool {
	h.mu.Lock()
	if h.state != StateSpeaking {
		h.mu.Unlock()
		return false
	}
	if h.requireConfidentSpeech && speechDurationMS > 0 && speechDurationMS < h.minSpeechDurationMS {
		h.stats.FalsePositives++
		h.mu.Unlock()
		interruptionFalsePositives.Inc()
		return false
	}
	cancel := h.cancelTurn
	h.state = StateInterrupted
	h.stats.Total++
	h.mu.Unlock()
	interruptionsTotal.Inc()

	// 2. playback.interrupt()
	h.playback.Interrupt()
	// 3. speech_queue.clear()
	h.queue.Clear()
	// 4. cancel the pipeline orchestrator for the in-flight turn
	if cancel != nil {
		cancel()
	}
	// 5. already transitioned to INTERRUPTED above.
	return true
}

// RecordFalsePositive counts a barge-in that C2 later determined was too
// short to count as real speech. Unlike the speechDurationMS short-circuit
// in SpeechStarted (evaluated before the barge-in path runs), this fires
// after the fact: the raised edge already fired and playback was already
// interrupted by the time the falling edge resolves the interval's true
// duration, so there is nothing left to undo — only the count to correct.
func (h *InterruptionHandler) RecordFalsePositive() {
	h.mu.Lock()
	h.stats.FalsePositives++
	h.mu.Unlock()
	interruptionFalsePositives.Inc()
}

// PlaybackStopped transitions INTERRUPTED -> LISTENING once C1 confirms it
// has drained and stopped and C3 has been cleared.
func (h *InterruptionHandler) PlaybackStopped() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateInterrupted {
		h.state = StateListening
	}
}

// Reset forces the state machine back to LISTENING, for use when a Session
// is reused or recovers from a fatal error.
func (h *InterruptionHandler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateListening
	h.cancelTurn = nil
}

// StopLatencyWithinSLO reports whether the most recent playback interrupt
// met the default 150ms stop-latency target.
func (h *InterruptionHandler) StopLatencyWithinSLO() bool {
	return h.playback.StopLatencyMS() <= 150
}

// barge-in critical path budget, kept as a named constant for tests/metrics.
const bargeInBudget = 200 * time.Millisecond
