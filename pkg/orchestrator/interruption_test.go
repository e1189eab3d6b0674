package orchestrator

import "testing"

func newTestInterruptionHandler() *InterruptionHandler {
	cfg := DefaultConfig()
	cfg.InterruptMinSpeechMS = 200
	return NewInterruptionHandler(NewPlaybackController(NewJitterBuffer(cfg)), NewSpeechQueue(), cfg)
}

func TestInterruptionHandler_HappyPathTransitions(t *testing.T) {
	h := newTestInterruptionHandler()

	if h.State() != StateListening {
		t.Fatalf("initial state = %s, want LISTENING", h.State())
	}
	if !h.TurnStarted() {
		t.Fatalf("TurnStarted() from LISTENING should succeed")
	}
	if h.State() != StateProcessing {
		t.Fatalf("state = %s, want PROCESSING", h.State())
	}
	h.FirstFrameEnqueued()
	if h.State() != StateSpeaking {
		t.Fatalf("state = %s, want SPEAKING", h.State())
	}
	h.PlaybackComplete()
	if h.State() != StateListening {
		t.Fatalf("state = %s, want LISTENING", h.State())
	}
}

func TestInterruptionHandler_TurnStartedRejectedOutsideListening(t *testing.T) {
	h := newTestInterruptionHandler()
	h.TurnStarted()

	if h.TurnStarted() {
		t.Errorf("TurnStarted() from PROCESSING should return false")
	}
}

func TestInterruptionHandler_TurnFailedReturnsToListening(t *testing.T) {
	h := newTestInterruptionHandler()
	h.TurnStarted()
	h.TurnFailed()
	if h.State() != StateListening {
		t.Errorf("state after TurnFailed = %s, want LISTENING", h.State())
	}
}

func TestInterruptionHandler_SpeechStartedOnlyActsWhileSpeaking(t *testing.T) {
	h := newTestInterruptionHandler()

	if h.SpeechStarted(1000) {
		t.Errorf("SpeechStarted should be a no-op outside SPEAKING (state=LISTENING)")
	}

	h.TurnStarted()
	if h.SpeechStarted(1000) {
		t.Errorf("SpeechStarted should be a no-op outside SPEAKING (state=PROCESSING)")
	}
}

func TestInterruptionHandler_SpeechStartedBargesInWhileSpeaking(t *testing.T) {
	h := newTestInterruptionHandler()
	h.TurnStarted()
	h.FirstFrameEnqueued()

	cancelled := false
	h.SetCancelTurn(func() { cancelled = true })

	if !h.SpeechStarted(1000) {
		t.Fatalf("expected barge-in to be accepted while SPEAKING")
	}
	if h.State() != StateInterrupted {
		t.Errorf("state = %s, want INTERRUPTED", h.State())
	}
	if !cancelled {
		t.Errorf("expected the registered cancel function to be invoked")
	}
	if h.Stats().Total != 1 {
		t.Errorf("Stats().Total = %d, want 1", h.Stats().Total)
	}

	h.PlaybackStopped()
	if h.State() != StateListening {
		t.Errorf("state after PlaybackStopped = %s, want LISTENING", h.State())
	}
}

func TestInterruptionHandler_ShortSpeechBelowMinDurationIsFalsePositive(t *testing.T) {
	h := newTestInterruptionHandler()
	h.TurnStarted()
	h.FirstFrameEnqueued()

	if h.SpeechStarted(50) {
		t.Errorf("expected speech shorter than min_speech_duration_ms to not barge in")
	}
	if h.State() != StateSpeaking {
		t.Errorf("state = %s, want unchanged SPEAKING", h.State())
	}
	if h.Stats().FalsePositives != 1 {
		t.Errorf("Stats().FalsePositives = %d, want 1", h.Stats().FalsePositives)
	}
}

func TestInterruptionHandler_Reset(t *testing.T) {
	h := newTestInterruptionHandler()
	h.TurnStarted()
	h.FirstFrameEnqueued()
	h.SetCancelTurn(func() {})

	h.Reset()
	if h.State() != StateListening {
		t.Errorf("state after Reset = %s, want LISTENING", h.State())
	}
}
