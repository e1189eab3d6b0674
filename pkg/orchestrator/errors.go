package orchestrator

import (
	"errors"
	"fmt"
)

var (

	ErrEmptyTranscription = errors.New("transcription returned empty text")


	ErrTranscriptionFailed = errors.New("speech-to-text transcription failed")


	ErrLLMFailed = errors.New("language model generation failed")


	ErrTTSFailed = errors.New("text-to-speech synthesis failed")


	ErrNilProvider = errors.New("required provider is nil")


	ErrContextCancelled = errors.New("operation cancelled by context")

	// ErrUpstreamDown is the sentinel wrapped when an STT/LLM/TTS vendor call
	// fails outright (connection refused, 5xx, websocket drop).
	ErrUpstreamDown = errors.New("upstream provider unavailable")

	// ErrTurnTimeout is wrapped when a stage of the pipeline exceeds its
	// configured timeout (STTTimeout/LLMTimeout/TTSTimeout).
	ErrTurnTimeout = errors.New("pipeline stage timed out")

	// ErrBufferOverrun is wrapped when the jitter/playback buffer (C1) drops
	// frames because its max size was exceeded.
	ErrBufferOverrun = errors.New("audio buffer overrun")

	// ErrAdmissionRejected is returned by the session registry (C12) when a
	// new call cannot be admitted because the concurrency limit was reached.
	ErrAdmissionRejected = errors.New("session admission rejected: at capacity")

	// ErrInvalidFrame is wrapped when an inbound audio frame fails validation
	// (wrong size, unknown codec, zero-length).
	ErrInvalidFrame = errors.New("invalid audio frame")

	// ErrCancelledByBargeIn is returned from in-flight LLM/TTS work that was
	// cancelled because the user interrupted the bot.
	ErrCancelledByBargeIn = errors.New("cancelled by user barge-in")

	// ErrSessionFatal marks a session as unrecoverable. Wrapping it does not
	// close the session or remove it from the registry; a session leaves the
	// registry only through Session.Close.
	ErrSessionFatal = errors.New("session entered an unrecoverable state")
)

// WrapUpstreamDown wraps err with ErrUpstreamDown, naming which provider failed.
func WrapUpstreamDown(provider string, err error) error {
	return fmt.Errorf("%s: %w: %v", provider, ErrUpstreamDown, err)
}

// WrapTurnTimeout wraps a stage name with ErrTurnTimeout.
func WrapTurnTimeout(stage string) error {
	return fmt.Errorf("%s: %w", stage, ErrTurnTimeout)
}

// WrapBufferOverrun wraps a buffer name with ErrBufferOverrun.
func WrapBufferOverrun(buffer string) error {
	return fmt.Errorf("%s: %w", buffer, ErrBufferOverrun)
}

// WrapInvalidFrame explains why a frame was rejected.
func WrapInvalidFrame(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrInvalidFrame)
}

// WrapSessionFatal wraps the underlying cause of a fatal session error.
func WrapSessionFatal(sessionID string, cause error) error {
	return fmt.Errorf("session %s: %w: %v", sessionID, ErrSessionFatal, cause)
}
