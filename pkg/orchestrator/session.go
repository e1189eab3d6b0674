package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type Session struct {
	orch   *Orchestrator
	conv   *ConversationSession
	ctx    context.Context
	cancel context.CancelFunc
	events chan OrchestratorEvent
	vad    VADProvider

	// callID is this call's key in the orchestrator's SessionRegistry (C12),
	// set by Orchestrator.NewSession after admission. Empty if this Session
	// was constructed directly via NewSession() rather than through the
	// registry (as tests do).
	callID string

	// C1/C3/C4/C5/C9/C10: the formal components this Session owns. The rest
	// of this struct's fields are the concurrency/echo-suppression
	// machinery that drives them.
	buffer      *JitterBuffer
	playback    *PlaybackController
	speechQueue *SpeechQueue
	interrupter *InterruptionHandler
	latency     *LatencyTracker

	audioBuf *bytes.Buffer
	mu       sync.Mutex

	pipelineCtx       context.Context
	pipelineCancel    context.CancelFunc
	sttChan           chan<- []byte
	sttGeneration     int // Version number to detect stale STT callbacks
	isSpeaking        bool
	isThinking        bool
	lastInterruptedAt time.Time
	lastAudioSentAt   time.Time
	userSpeechEndTime time.Time // When user stopped speaking (VADSpeechEnd)
	botSpeakStartTime time.Time // When bot started TTS playback

	// lastVADFiltered mirrors the wrapped DebouncedVAD's running Filtered()
	// count so Write can detect, chunk to chunk, when C2 has just discarded
	// a speech interval for running shorter than min_speech_duration_ms.
	lastVADFiltered int
	// pendingBargeInCheck is set once a speech_started event has driven a
	// real barge-in (SpeechStarted returned true) and cleared once that
	// interval's true duration is known, so a late "too short" verdict from
	// C2 can still be attributed to the barge-in that already happened.
	pendingBargeInCheck bool

	// Last captured user turn audio (raw PCM). Filled when STT starts or during
	// streaming STT so the CLI can export raw + postprocessed audio for debugging.
	lastUserAudio []byte

	// Per-turn instrumentation timestamps (set/cleared each user turn)
	sttStartTime      time.Time // when STT started (batch or streaming)
	sttEndTime        time.Time // when final transcript was produced
	llmStartTime      time.Time // when LLM generation started
	llmEndTime        time.Time // when LLM generation finished
	ttsStartTime      time.Time // when TTS synthesis began
	ttsFirstChunkTime time.Time // when first audio chunk was emitted by TTS
	ttsEndTime        time.Time // when TTS finished

	responseCancel   context.CancelFunc
	ttsCancel        context.CancelFunc // Track TTS context for fast abort
	userInterrupting bool               // Flag to block audio emission during user barge-in
	echoSuppressor   *EchoSuppressor    // Echo detection and suppression
	closeOnce        sync.Once
}

func NewSession(ctx context.Context, o *Orchestrator, conv *ConversationSession) *Session {
	mCtx, mCancel := context.WithCancel(ctx)

	var streamVAD VADProvider
	if o.vad != nil {
		streamVAD = NewDebouncedVAD(o.vad.Clone(), o.GetConfig())
	}

	cfg := o.GetConfig()
	buffer := NewJitterBuffer(cfg)
	playback := NewPlaybackController(buffer)
	queue := NewSpeechQueue()

	ms := &Session{
		orch:           o,
		conv:           conv,
		ctx:            mCtx,
		cancel:         mCancel,
		events:         make(chan OrchestratorEvent, 1024),
		audioBuf:       new(bytes.Buffer),
		vad:            streamVAD,
		echoSuppressor: NewEchoSuppressorWithConfig(cfg),
		buffer:         buffer,
		playback:       playback,
		speechQueue:    queue,
		interrupter:    NewInterruptionHandler(playback, queue, cfg),
		latency:        NewLatencyTracker(),
	}

	return ms
}

// State returns the current C5 interruption-handler state for this Session.
func (ms *Session) State() InterruptionState {
	return ms.interrupter.State()
}

// LatencyStats returns the percentile summary for one pipeline stage
// ("stt", "llm", "tts", "e2e").
func (ms *Session) LatencyStats(stage string) LatencyStats {
	return ms.latency.Stats(stage)
}

// InterruptionStats returns the C5 interruption counters.
func (ms *Session) InterruptionStats() InterruptionStats {
	return ms.interrupter.Stats()
}

// Speak enqueues text to the speech queue at the given priority (C11
// speak()). When the interruption handler is LISTENING, it immediately
// drains the queue through a direct-TTS run that bypasses the LLM.
func (ms *Session) Speak(text string, priority int) int64 {
	id := ms.speechQueue.Enqueue(text, priority)
	if ms.interrupter.State() == StateListening {
		go ms.runDirectTTS()
	}
	return id
}

func (ms *Session) runDirectTTS() {
	item, ok := ms.speechQueue.GetNext()
	if !ok {
		return
	}
	if !ms.interrupter.TurnStarted() {
		return
	}
	ctx, cancel := context.WithCancel(ms.ctx)
	ms.interrupter.SetCancelTurn(cancel)
	defer cancel()
	ms.runTTSOnly(ctx, item.Text)
}

// LastRMS returns the last RMS value computed by the stream's internal VAD
// (returns 0.0 when unavailable).
func (ms *Session) LastRMS() float64 {
	if ms.vad == nil {
		return 0.0
	}
	if rmsVAD, ok := ms.vad.(*RMSVAD); ok {
		return rmsVAD.LastRMS()
	}
	return 0.0
}

// IsUserSpeaking reports the internal VAD speaking state for this stream.
func (ms *Session) IsUserSpeaking() bool {
	if ms.vad == nil {
		return false
	}
	if rmsVAD, ok := ms.vad.(*RMSVAD); ok {
		return rmsVAD.IsSpeaking()
	}
	return false
}

// Interrupt immediately stops the bot from speaking. This is an explicit way to
// interrupt regardless of VAD state - useful for UI buttons or external signals.
// It clears audio playback, cancels TTS/LLM, and emits an Interrupted event.
func (ms *Session) Interrupt() {
	ms.mu.Lock()
	ms.userInterrupting = true
	ms.mu.Unlock()
	ms.internalInterrupt()
}

// countWords returns the number of whitespace-separated words in s.
func countWords(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	return len(strings.Fields(s))
}

const speechEndHold = 300 * time.Millisecond

func (ms *Session) Write(chunk []byte) error {
	// Avoid holding ms.mu for the entire function — callers (and
	// startStreamingSTT) also need to acquire ms.mu and that caused a
	// re-entrancy deadlock in practice.

	if ms.vad == nil {
		return fmt.Errorf("VAD not configured for this stream")
	}

	// Temporarily adjust VAD threshold when recent audio was played. This
	// prevents immediate echo from freshly-played audio from being mistaken
	// for user speech — but it MUST NOT prevent legitimate user barge-in.
	// Only apply the aggressive "echo guard" when we are *not* currently
	// speaking (i.e. playback leftover), so active TTS remains interruptible.
	if rmsVAD, ok := ms.vad.(*RMSVAD); ok {
		originalThreshold := rmsVAD.Threshold()
		originalMinConfirmed := rmsVAD.MinConfirmed()

		ms.mu.Lock()
		speaking := ms.isSpeaking
		lastSent := ms.lastAudioSentAt
		ms.mu.Unlock()

		if speaking {
			// Require more sustained sound to interrupt the bot (e.g., 3 frames ~ 70ms)
			// to avoid transient noises or small echo slips causing false interruptions,
			// but keeping it low enough so the user can still barge in easily.
			if originalMinConfirmed < 3 {
				rmsVAD.SetMinConfirmed(3)
			}
		} else if time.Since(lastSent) < 250*time.Millisecond {
			// Only apply aggressive "echo guard" when we recently finished speaking
			rmsVAD.SetAdaptiveMode(false)
			rmsVAD.SetThreshold(0.25)
		}

		defer func() {
			rmsVAD.SetThreshold(originalThreshold)
			rmsVAD.SetMinConfirmed(originalMinConfirmed)
			rmsVAD.SetAdaptiveMode(true)
		}()
	}

	// apply realtime echo removal to the incoming mic chunk BEFORE VAD/STT
	isLikelyEchoByEnergy := false
	if ms.echoSuppressor != nil {
		// keep original energy for a relative check
		origSamples := bytesToSamples(chunk)
		origEnergy := calculateEnergy(origSamples)

		cleaned := ms.echoSuppressor.RemoveEchoRealtime(chunk)

		cleanedEnergy := calculateEnergy(bytesToSamples(cleaned))
		// if cleaned energy is both very small OR a small fraction of original,
		// it's almost certainly echo and we should treat it as such.
		if cleanedEnergy < 1e-8 || (origEnergy > 0 && cleanedEnergy/origEnergy < 0.02) {
			isLikelyEchoByEnergy = true
			// use cleaned (near-zero) so VAD sees silence
			chunk = cleaned
		} else {
			// otherwise pass the cleaned audio through
			chunk = cleaned
		}
	}
	event, err := ms.vad.Process(chunk)
	if err != nil {
		return err
	}

	// C2's DebouncedVAD only learns a speech interval was too short once the
	// falling edge arrives, which is also where it suppresses the matching
	// VADSpeechEnd from ever reaching this loop. Polling Filtered() every
	// chunk is how a barge-in that already ran (on the immediate raised
	// edge) gets corrected into a false positive once the true duration is
	// known, instead of never being counted at all.
	if dv, ok := ms.vad.(*DebouncedVAD); ok {
		filtered := dv.Filtered()
		ms.mu.Lock()
		grew := filtered > ms.lastVADFiltered
		ms.lastVADFiltered = filtered
		pending := ms.pendingBargeInCheck
		if grew {
			ms.pendingBargeInCheck = false
		}
		ms.mu.Unlock()
		if grew && pending {
			ms.interrupter.RecordFalsePositive()
		}
	}

	if event != nil && event.Type != VADSilence {
		switch event.Type {
		case VADSpeechStart:
			// Check if this is echo from speakers before treating as speech
			// Build a short buffer combining recent captured mic (lead-in) + current chunk
			ms.mu.Lock()
			lead := ms.audioBuf.Bytes()
			ms.mu.Unlock()

			// keep only last ~100ms of lead audio to improve match stability
			leadBytes := 8820 // ~100ms @44.1kHz * 2 bytes
			if len(lead) > leadBytes {
				lead = lead[len(lead)-leadBytes:]
			}
			checkBuf := make([]byte, 0, len(lead)+len(chunk))
			checkBuf = append(checkBuf, lead...)
			checkBuf = append(checkBuf, chunk...)

			if ms.echoSuppressor.IsEcho(checkBuf) {
				// This audio is primarily echo from our speaker output - ignore it
				break
			}

			// If we're currently playing TTS and the mic input arrives
			// immediately after an audio chunk, it's likely our own
			// playback being captured — ignore short-lived echoes to avoid
			// self-interruption.
			ms.mu.Lock()
			speaking := ms.isSpeaking
			lastSent := ms.lastAudioSentAt
			ms.mu.Unlock()

			if speaking && time.Since(lastSent) < 120*time.Millisecond {
				// treat as silence/ignore this VAD event
				break
			}

			// If assistant is currently speaking, treat this as an IMMEDIATE user barge-in:
			// 1. Set userInterrupting flag to block new audio chunks
			// 2. Cancel streaming STT context to stop processing
			// 3. Keep audio buffer - we need it for the new STT session!
			// 4. Cancel all pending responses
			// 5. Restart streaming STT for fresh user input
			if speaking {
				ms.mu.Lock()
				ms.userInterrupting = true
				ms.sttGeneration++ // Invalidate old STT callbacks
				// Cancel pipeline context to stop any in-flight STT (don't close the channel)
				pipelineCancel := ms.pipelineCancel
				ms.pipelineCancel = nil
				ms.sttChan = nil
				// NOTE: Don't clear audio buffer here - we need it for the new STT!
				ms.mu.Unlock()

				// Cancel context outside the lock to avoid deadlocks
				if pipelineCancel != nil {
					pipelineCancel()
				}

				ms.emit(UserSpeaking, nil)
				// C5: run the formal barge-in critical path (interrupt C4,
				// clear C3, cancel the in-flight turn) alongside the
				// concrete cancellation below. C2 already debounced and
				// duration-filtered this event before it reached us.
				bargedIn := ms.interrupter.SpeechStarted(0)
				if bargedIn {
					ms.mu.Lock()
					ms.pendingBargeInCheck = true
					ms.mu.Unlock()
				}
				ms.internalInterrupt()
				ms.interrupter.PlaybackStopped()
				if sProvider, ok := ms.orch.stt.(StreamingSTTProvider); ok {
					ms.startStreamingSTT(sProvider)
				}
				break
			}

			// not speaking: normal user turn — emit and interrupt pending response
			ms.emit(UserSpeaking, nil)
			// reset per-turn instrumentation timestamps
			ms.mu.Lock()
			ms.sttStartTime = time.Time{}
			ms.sttEndTime = time.Time{}
			ms.llmStartTime = time.Time{}
			ms.llmEndTime = time.Time{}
			ms.ttsStartTime = time.Time{}
			ms.ttsFirstChunkTime = time.Time{}
			ms.ttsEndTime = time.Time{}
			ms.lastUserAudio = nil
			ms.mu.Unlock()

			ms.internalInterrupt()

			// start streaming STT without holding ms.mu to avoid deadlock
			if sProvider, ok := ms.orch.stt.(StreamingSTTProvider); ok {
				ms.startStreamingSTT(sProvider)
			}

		case VADSpeechEnd:
			ms.mu.Lock()
			ms.userSpeechEndTime = time.Now()
			// This interval ran long enough for C2 to pass the falling edge
			// through at all (a too-short one never reaches here — see the
			// Filtered() poll above), so any pending barge-in was genuine.
			ms.pendingBargeInCheck = false
			ms.mu.Unlock()
			ms.emit(UserStopped, nil)

			// Capture current audio buffer under lock and schedule a short
			// hold before finalizing the user's turn. If speech resumes during
			// the hold, re-insert the captured audio back into the buffer and
			// don't transcribe yet. This prevents premature truncation of
			// user utterances caused by brief pauses.
			ms.mu.Lock()
			sttChan := ms.sttChan
			if sttChan != nil {
				ms.sttChan = nil // Stop sending new audio to STT provider
				ms.mu.Unlock()
				// DO NOT cancel the context - let STT provider finish processing audio it has
				// The context will be cancelled later when speech resumes or timeout occurs
			} else {
				audioData := make([]byte, ms.audioBuf.Len())
				copy(audioData, ms.audioBuf.Bytes())
				ms.audioBuf.Reset()
				ms.mu.Unlock()

				go func(buf []byte) {
					// short grace period to allow resumption of speech
					t := time.NewTimer(speechEndHold)
					defer t.Stop()

					select {
					case <-t.C:
						// if VAD now reports speaking, reinsert buffer and abort
						if rmsVAD, ok := ms.vad.(*RMSVAD); ok {
							if rmsVAD.IsSpeaking() {
								ms.mu.Lock()
								ms.audioBuf.Write(buf)
								ms.mu.Unlock()
								return
							}
						}
						// otherwise proceed with batch transcription
						ms.runBatchPipeline(buf)
					case <-ms.ctx.Done():
						return
					}
				}(audioData)
			}

		case VADSilence:
			// no-op
		}
	}

	// forward chunk to streaming STT if present (read sttChan under lock,
	// perform non-blocking send outside the lock)
	// First, check whether this chunk appears to be echo of our own playback.
	isEcho := false
	if ms.echoSuppressor != nil {
		// build a small context buffer (tail of audioBuf + current chunk) to
		// improve correlation stability
		ms.mu.Lock()
		lead := ms.audioBuf.Bytes()
		ms.mu.Unlock()

		leadBytes := 8820 // ~100ms @44.1kHz * 2 bytes
		if len(lead) > leadBytes {
			lead = lead[len(lead)-leadBytes:]
		}
		check := make([]byte, 0, len(lead)+len(chunk))
		check = append(check, lead...)
		check = append(check, chunk...)
		if ms.echoSuppressor.IsEcho(check) {
			isEcho = true
		}
	}

	// also respect the earlier energy-based decision made during realtime removal
	if isLikelyEchoByEnergy {
		isEcho = true
	}
	ms.mu.Lock()
	sttChan := ms.sttChan
	// Only accumulate user audio and forward to STT when this chunk is NOT echo
	if sttChan != nil && !isEcho {
		ms.lastUserAudio = append(ms.lastUserAudio, chunk...)
	}
	ms.mu.Unlock()

	if sttChan != nil && !isEcho {
		select {
		case sttChan <- chunk:
		default:
		}
	}

	// append to audio buffer under lock
	isUserSpeaking := false
	if rmsVAD, ok := ms.vad.(*RMSVAD); ok {
		isUserSpeaking = rmsVAD.IsSpeaking()
	}

	ms.mu.Lock()
	// If this chunk was detected as echo earlier, don't add it to the rolling
	// buffer that we later feed into STT — prevents self-transcription.
	if !isEcho {
		ms.audioBuf.Write(chunk)
		// Keep a rolling buffer of ~2 seconds of audio pre-speech detection
		// At 44100 Hz, 16-bit mono: 2 seconds = 44100 * 2 * 2 bytes = 176,400 bytes
		// This ensures we capture the full beginning of user speech for accurate transcription
		if !isUserSpeaking && ms.audioBuf.Len() > 176400 {
			data := ms.audioBuf.Bytes()
			// Keep only the last 1.5 seconds (132,300 bytes)
			leadIn := data[len(data)-132300:]
			ms.audioBuf.Reset()
			ms.audioBuf.Write(leadIn)
		}
	}
	ms.mu.Unlock()

	return nil
}

func (ms *Session) startStreamingSTT(provider StreamingSTTProvider) {

	ctx, cancel := context.WithCancel(ms.ctx)

	// Capture current generation to detect stale callbacks from previous sessions
	ms.mu.Lock()
	currentGeneration := ms.sttGeneration
	ms.mu.Unlock()

	sttChan, err := provider.StreamTranscribe(ctx, ms.conv.GetCurrentLanguage(), func(transcript string, isFinal bool) error {
		ms.mu.Lock()
		speaking := ms.isSpeaking
		thinking := ms.isThinking
		// Ignore callbacks from stale STT sessions (happens when interrupted)
		isStale := ms.sttGeneration != currentGeneration
		ms.mu.Unlock()

		// Ignore this callback if we've already moved to a new STT session
		if isStale {
			return nil
		}

		// When bot is actively speaking, apply word threshold to prevent short utterances
		// from interrupting. When bot is thinking/generating response, interrupt immediately
		// on any detected speech.
		if speaking {
			minWords := 1
			if ms.orch != nil {
				minWords = ms.orch.GetConfig().MinWordsToInterrupt
			}

			if minWords > 1 {
				wc := countWords(transcript)
				if wc < minWords {
					// keep partial transcripts visible, but suppress final user turn
					if !isFinal {
						ms.emit(TranscriptPartial, transcript)
					}
					return nil
				}
				// reached threshold -> interrupt assistant
				ms.internalInterrupt()
			} else {
				// minWords == 1 while assistant is speaking -> any transcript
				// (including partial) should trigger an interrupt (barge-in).
				if strings.TrimSpace(transcript) != "" {
					ms.internalInterrupt()
				}
			}
		} else if thinking && strings.TrimSpace(transcript) != "" {
			// Bot is thinking (generating response) - interrupt immediately on any speech
			ms.internalInterrupt()
		}

		if isFinal {
			// record STT final timestamp for instrumentation
			ms.mu.Lock()
			ms.sttEndTime = time.Now()
			sttStart := ms.sttStartTime
			ms.mu.Unlock()

			if !sttStart.IsZero() {
				ms.latency.Record("stt", float64(ms.sttEndTime.Sub(sttStart).Milliseconds()))
			}

			ms.emit(TranscriptFinal, transcript)
			ms.conv.AddMessage("user", transcript)
			go ms.runLLMAndTTS(ms.ctx, transcript)
		} else {
			ms.emit(TranscriptPartial, transcript)
		}
		return nil
	})

	if err != nil {
		RecordUpstreamError("stt")
		ms.emit(ErrorEvent, fmt.Sprintf("failed to start streaming STT: %v", err))
		cancel()
		return
	}

	ms.pipelineCtx = ctx
	ms.pipelineCancel = cancel
	ms.sttChan = sttChan
	// mark streaming STT start time for instrumentation
	ms.sttStartTime = time.Now()

	if ms.audioBuf.Len() > 0 {
		data := make([]byte, ms.audioBuf.Len())
		copy(data, ms.audioBuf.Bytes())
		// Save copy as lastUserAudio for CLI export/debug
		ms.lastUserAudio = make([]byte, len(data))
		copy(ms.lastUserAudio, data)
		// Clear the buffer after copying - fresh audio will accumulate from now on
		ms.audioBuf.Reset()
		select {
		case sttChan <- data:
		default:
		}
	}
}

func (ms *Session) runBatchPipeline(audioData []byte) {
	// Interrupt pending operations FIRST (outside lock for now)
	ms.internalInterrupt()

	ms.mu.Lock()
	ctx, cancel := context.WithCancel(ms.ctx)
	ms.pipelineCtx = ctx
	ms.pipelineCancel = cancel
	// instrumentation: mark STT start for batch pipeline
	ms.sttStartTime = time.Now()
	// capture the audio used for this STT call
	ms.lastUserAudio = make([]byte, len(audioData))
	copy(ms.lastUserAudio, audioData)
	ms.mu.Unlock()
	defer cancel()

	ms.emit(BotThinking, nil)

	transcript, err := ms.orch.Transcribe(ctx, audioData, ms.conv.GetCurrentLanguage())
	// instrumentation: mark STT end immediately after Transcribe returns
	ms.mu.Lock()
	if err == nil {
		ms.sttEndTime = time.Now()
		ms.latency.Record("stt", float64(ms.sttEndTime.Sub(ms.sttStartTime).Milliseconds()))
	}
	ms.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			RecordUpstreamError("stt")
			ms.emit(ErrorEvent, fmt.Sprintf("transcription error: %v", err))
		}
		return
	}

	if transcript == "" {
		return
	}

	// When assistant is currently speaking and a minimum-word interrupt
	// threshold is configured, suppress short user utterances (backchannels)
	// and only interrupt when the transcript meets the threshold.
	ms.mu.Lock()
	speaking := ms.isSpeaking
	ms.mu.Unlock()
	if speaking && ms.orch != nil && ms.orch.GetConfig().MinWordsToInterrupt > 1 {
		if countWords(transcript) < ms.orch.GetConfig().MinWordsToInterrupt {
			// discard short user utterance
			return
		}
		// otherwise interrupt the assistant before processing
		ms.internalInterrupt()
	}

	ms.emit(TranscriptFinal, transcript)
	ms.conv.AddMessage("user", transcript)

	ms.runLLMAndTTS(ctx, transcript)
}

// runLLMAndTTS is C10's concurrent path: the LLM stream, C9's chunking, and
// TTS synthesis of each chunk all run at once via PipelineOrchestrator, so
// TTS for chunk N overlaps with the LLM still generating chunk N+1 instead
// of waiting for the full response before synthesis starts.
func (ms *Session) runLLMAndTTS(ctx context.Context, transcript string) {
	ms.mu.Lock()

	if ms.responseCancel != nil {
		ms.responseCancel()
	}
	if ms.ttsCancel != nil {
		ms.ttsCancel()
	}

	rCtx, rCancel := context.WithCancel(ctx)
	ms.responseCancel = rCancel
	ms.ttsCancel = rCancel
	ms.isThinking = true
	ms.mu.Unlock()

	defer rCancel()
	defer ms.interrupter.SetCancelTurn(nil)

	// C5: LISTENING -> PROCESSING. A no-op if some other path already
	// advanced the state machine for this turn.
	ms.interrupter.TurnStarted()
	ms.interrupter.SetCancelTurn(rCancel)

	ms.emit(BotThinking, nil)

	ms.mu.Lock()
	ms.llmStartTime = time.Now()
	if ms.vad != nil {
		ms.vad.Reset()
	}
	ms.mu.Unlock()

	firstChunk := true
	pipeline := NewPipelineOrchestrator(ms)
	result, err := pipeline.Run(rCtx, ms.conv, nil, func(chunk []byte) error {
		select {
		case <-rCtx.Done():
			return rCtx.Err()
		default:
		}

		ms.mu.Lock()
		if ms.llmEndTime.IsZero() {
			ms.llmEndTime = time.Now()
		}
		if !ms.isSpeaking {
			ms.isSpeaking = true
			ms.botSpeakStartTime = time.Now()
			ms.ttsStartTime = ms.botSpeakStartTime
		}
		ms.lastAudioSentAt = time.Now()
		if ms.ttsFirstChunkTime.IsZero() {
			ms.ttsFirstChunkTime = time.Now()
		}
		ms.mu.Unlock()

		ms.echoSuppressor.RecordPlayedAudio(chunk)

		// C1: track buffered-depth/overrun stats for this chunk. The actual
		// output pacing for local playback still runs through the audio
		// device callback in cmd/agent; this keeps the jitter-buffer
		// statistics live without double-pacing audio.
		ms.buffer.Add(chunk)

		if firstChunk {
			firstChunk = false
			ms.mu.Lock()
			ms.isThinking = false
			ms.mu.Unlock()
			ms.emit(BotSpeaking, nil)
			// C5: PROCESSING -> SPEAKING on the first frame handed to C1.
			ms.interrupter.FirstFrameEnqueued()

			ms.mu.Lock()
			userEnd := ms.userSpeechEndTime
			ms.mu.Unlock()
			if !userEnd.IsZero() {
				ms.latency.Record("e2e", float64(time.Since(userEnd).Milliseconds()))
			}
		}

		ms.emit(AudioChunk, chunk)
		return nil
	})

	ms.mu.Lock()
	ms.isThinking = false
	ms.isSpeaking = false
	ms.ttsCancel = nil
	if !ms.ttsStartTime.IsZero() {
		ms.ttsEndTime = time.Now()
	}
	ms.mu.Unlock()

	if err != nil {
		if rCtx.Err() == nil {
			RecordUpstreamError("llm")
			ms.emit(ErrorEvent, fmt.Sprintf("pipeline error: %v", err))
		}
		ms.interrupter.TurnFailed()
		return
	}

	if !ms.llmStartTime.IsZero() && !ms.llmEndTime.IsZero() {
		ms.latency.Record("llm", float64(ms.llmEndTime.Sub(ms.llmStartTime).Milliseconds()))
	}
	if !ms.ttsStartTime.IsZero() && !ms.ttsEndTime.IsZero() {
		ms.latency.Record("tts", float64(ms.ttsEndTime.Sub(ms.ttsStartTime).Milliseconds()))
	}

	if result.StreamingMode == "sequential" {
		ms.orch.logger.Info("turn completed", "sessionID", ms.conv.ID, "streamingMode", result.StreamingMode)
	}

	// The recorded text is the prefix actually played on barge-in, the full
	// response otherwise. An empty, non-cancelled result means the LLM
	// emitted zero tokens: no assistant turn is recorded and no audio played.
	if result.Text != "" {
		ms.conv.AddMessage("assistant", result.Text)
		ms.emit(BotResponse, result.Text)
	}

	if ms.interrupter.State() == StateSpeaking {
		ms.interrupter.PlaybackComplete()
	} else if !result.Cancelled {
		ms.interrupter.TurnFailed()
	}
}

// runTTSOnly drives C8/C9's output through C1 (stats) and C4/C5's state
// transitions, independent of whether the text came from the LLM or from a
// direct speak() call (C11). Callers that need a turn admitted first must
// call interrupter.TurnStarted() before invoking this.
func (ms *Session) runTTSOnly(ctx context.Context, text string) error {
	ms.mu.Lock()
	if ms.ttsCancel != nil {
		ms.ttsCancel()
	}
	ms.isSpeaking = true

	if ms.vad != nil {
		ms.vad.Reset()
	}

	// Create separate TTS context for fast abort on barge-in
	ttsCtx, ttsCancel := context.WithCancel(ctx)
	ms.ttsCancel = ttsCancel
	ms.mu.Unlock()

	defer ttsCancel()

	ms.mu.Lock()
	ms.botSpeakStartTime = time.Now()
	// instrumentation: mark TTS synthesis start
	ms.ttsStartTime = ms.botSpeakStartTime
	ms.mu.Unlock()
	ms.emit(BotSpeaking, nil)

	firstChunk := true
	hint := deriveEmotionHint(ms.conv.GetLastUserMessage())
	err := ms.orch.SynthesizeStreamWithHint(ttsCtx, text, ms.conv.GetCurrentVoice(), ms.conv.GetCurrentLanguage(), hint, func(chunk []byte) error {
		select {
		case <-ttsCtx.Done():
			return ttsCtx.Err()
		default:
			ms.mu.Lock()
			ms.lastAudioSentAt = time.Now()
			// record first-chunk timestamp for instrumentation
			if ms.ttsFirstChunkTime.IsZero() {
				ms.ttsFirstChunkTime = time.Now()
			}
			ms.mu.Unlock()

			// Record this audio chunk for echo detection
			ms.echoSuppressor.RecordPlayedAudio(chunk)

			// C1: track buffered-depth/overrun stats for this chunk. The
			// actual output pacing for local playback still runs through
			// the audio device callback in cmd/agent; this keeps the
			// jitter-buffer statistics live without double-pacing audio.
			ms.buffer.Add(chunk)

			if firstChunk {
				firstChunk = false
				// C5: PROCESSING -> SPEAKING on the first frame handed to C1.
				ms.interrupter.FirstFrameEnqueued()

				ms.mu.Lock()
				userEnd := ms.userSpeechEndTime
				ms.mu.Unlock()
				if !userEnd.IsZero() {
					ms.latency.Record("e2e", float64(time.Since(userEnd).Milliseconds()))
				}
			}

			ms.emit(AudioChunk, chunk)
			return nil
		}
	})

	// instrumentation: mark TTS end
	ms.mu.Lock()
	if !ms.ttsStartTime.IsZero() {
		ms.ttsEndTime = time.Now()
	}
	ms.mu.Unlock()

	if err != nil && ttsCtx.Err() == nil {
		RecordUpstreamError("tts")
		ms.emit(ErrorEvent, fmt.Sprintf("TTS error: %v", err))
	}

	if !ms.ttsStartTime.IsZero() && !ms.ttsEndTime.IsZero() {
		ms.latency.Record("tts", float64(ms.ttsEndTime.Sub(ms.ttsStartTime).Milliseconds()))
	}

	ms.mu.Lock()
	ms.isSpeaking = false
	ms.ttsCancel = nil
	ms.mu.Unlock()

	// C5: SPEAKING -> LISTENING on normal completion, or PROCESSING ->
	// LISTENING if no frame ever made it to C1 (e.g. empty synthesis).
	if ms.interrupter.State() == StateSpeaking {
		ms.interrupter.PlaybackComplete()
	} else {
		ms.interrupter.TurnFailed()
	}

	return err
}

// RunTextTurn drives one text-in/audio-out turn through the concurrent
// PipelineOrchestrator (runLLMAndTTS) and collects its result synchronously
// for callers, such as Conversation, that want a single blocking call rather
// than consuming Events() themselves. onAudioChunk is invoked for every
// AudioChunk event the turn emits, in order.
func (ms *Session) RunTextTurn(ctx context.Context, text string, onAudioChunk func([]byte) error) (string, error) {
	ms.conv.AddMessage("user", text)
	return ms.runTurnAndCollect(func() {
		ms.runLLMAndTTS(ctx, text)
	}, onAudioChunk)
}

// RunAudioTurn drives one audio-in/audio-out turn through C6 batch
// transcription followed by runLLMAndTTS (runBatchPipeline), collecting the
// recognized transcript, the assistant's response, and every AudioChunk the
// turn emits. Used by Conversation.ProcessAudio to reach the same C11
// pipeline the streaming Write path uses, instead of a separate sequential
// Orchestrator-level call.
func (ms *Session) RunAudioTurn(audioData []byte, onAudioChunk func([]byte) error) (transcript string, response string, err error) {
	var gotTranscript string
	response, err = ms.runTurnAndCollect(func() {
		ms.runBatchPipeline(audioData)
	}, func(chunk []byte) error {
		return onAudioChunk(chunk)
	}, func(ev OrchestratorEvent) {
		if ev.Type == TranscriptFinal {
			if s, ok := ev.Data.(string); ok {
				gotTranscript = s
			}
		}
	})
	return gotTranscript, response, err
}

// runTurnAndCollect runs a blocking turn function (runLLMAndTTS or
// runBatchPipeline) on a separate goroutine while this goroutine drains
// Events() for its duration, so the turn's own event emission never
// deadlocks against an unread channel. extra callbacks (if any) get a look
// at every drained event before the built-in AudioChunk/BotResponse/
// ErrorEvent handling runs.
func (ms *Session) runTurnAndCollect(run func(), onAudioChunk func([]byte) error, extra ...func(OrchestratorEvent)) (string, error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		run()
	}()

	var response string
	var turnErr error
	for drained := false; !drained; {
		select {
		case ev, ok := <-ms.events:
			if !ok {
				drained = true
				break
			}
			for _, fn := range extra {
				fn(ev)
			}
			switch ev.Type {
			case AudioChunk:
				if onAudioChunk != nil {
					if chunk, ok := ev.Data.([]byte); ok {
						if cbErr := onAudioChunk(chunk); cbErr != nil && turnErr == nil {
							turnErr = cbErr
						}
					}
				}
			case BotResponse:
				if s, ok := ev.Data.(string); ok {
					response = s
				}
			case ErrorEvent:
				if s, ok := ev.Data.(string); ok && turnErr == nil {
					turnErr = fmt.Errorf("%s", s)
				}
			}
		case <-done:
			drained = true
		}
	}

	// The turn goroutine may have emitted its last events in the same
	// instant it closed done; drain whatever is already buffered before
	// returning so a caller's last AudioChunk/BotResponse isn't lost to the
	// select's race between the two cases.
	for {
		select {
		case ev, ok := <-ms.events:
			if !ok {
				return response, turnErr
			}
			for _, fn := range extra {
				fn(ev)
			}
			switch ev.Type {
			case AudioChunk:
				if onAudioChunk != nil {
					if chunk, ok := ev.Data.([]byte); ok {
						if cbErr := onAudioChunk(chunk); cbErr != nil && turnErr == nil {
							turnErr = cbErr
						}
					}
				}
			case BotResponse:
				if s, ok := ev.Data.(string); ok {
					response = s
				}
			case ErrorEvent:
				if s, ok := ev.Data.(string); ok && turnErr == nil {
					turnErr = fmt.Errorf("%s", s)
				}
			}
		default:
			return response, turnErr
		}
	}
}

func (ms *Session) NotifyAudioPlayed() {
	ms.mu.Lock()
	ms.lastAudioSentAt = time.Now()
	ms.mu.Unlock()
}

// RecordPlayedOutput should be called by the audio playback thread with the
// actual samples being sent to the speaker. This ensures the echo suppressor's
// reference buffer matches what the microphone may pick up.
func (ms *Session) RecordPlayedOutput(chunk []byte) {
	if ms.echoSuppressor == nil || len(chunk) == 0 {
		return
	}
	ms.echoSuppressor.RecordPlayedAudio(chunk)
}

// GetLatency returns the time in milliseconds from when user stopped speaking
// to when bot started playing audio (0 if not applicable)
func (ms *Session) GetLatency() int64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.userSpeechEndTime.IsZero() || ms.botSpeakStartTime.IsZero() {
		return 0
	}

	if ms.botSpeakStartTime.Before(ms.userSpeechEndTime) {
		return 0
	}

	latency := ms.botSpeakStartTime.Sub(ms.userSpeechEndTime)
	return latency.Milliseconds()
}

// LatencyBreakdown holds per-stage timings (all values in milliseconds).
type LatencyBreakdown struct {
	UserToSTT          int64 // user stop -> STT final
	STT                int64 // STT duration (start→end)
	UserToLLM          int64 // user stop -> LLM end
	LLM                int64 // LLM duration (start→end)
	UserToTTSFirstByte int64 // user stop -> first TTS chunk
	LLMToTTSFirstByte  int64 // LLM end -> first TTS chunk
	TTSTotal           int64 // TTS total duration (ttsStart→ttsEnd)
	BotStartLatency    int64 // user stop -> botSpeakStart
	UserToPlay         int64 // user stop -> actual audio played (lastAudioSentAt)
}

// GetEndToEndLatency returns the time in milliseconds from when the user
// stopped speaking to when the first audio sample was actually played by the
// audio device (0 if not available).
func (ms *Session) GetEndToEndLatency() int64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.userSpeechEndTime.IsZero() || ms.lastAudioSentAt.IsZero() {
		return 0
	}

	if ms.lastAudioSentAt.Before(ms.userSpeechEndTime) {
		return 0
	}

	latency := ms.lastAudioSentAt.Sub(ms.userSpeechEndTime)
	return latency.Milliseconds()
}

// GetLatencyBreakdown returns measured timings for STT, LLM and TTS stages.
func (ms *Session) GetLatencyBreakdown() LatencyBreakdown {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var bd LatencyBreakdown
	if ms.userSpeechEndTime.IsZero() {
		return bd
	}

	// STT
	if !ms.sttEndTime.IsZero() {
		bd.UserToSTT = ms.sttEndTime.Sub(ms.userSpeechEndTime).Milliseconds()
	}
	if !ms.sttStartTime.IsZero() && !ms.sttEndTime.IsZero() {
		bd.STT = ms.sttEndTime.Sub(ms.sttStartTime).Milliseconds()
	}

	// LLM
	if !ms.llmEndTime.IsZero() {
		bd.UserToLLM = ms.llmEndTime.Sub(ms.userSpeechEndTime).Milliseconds()
	}
	if !ms.llmStartTime.IsZero() && !ms.llmEndTime.IsZero() {
		bd.LLM = ms.llmEndTime.Sub(ms.llmStartTime).Milliseconds()
	}

	// TTS first byte
	if !ms.ttsFirstChunkTime.IsZero() {
		bd.UserToTTSFirstByte = ms.ttsFirstChunkTime.Sub(ms.userSpeechEndTime).Milliseconds()
	}
	if !ms.llmEndTime.IsZero() && !ms.ttsFirstChunkTime.IsZero() {
		bd.LLMToTTSFirstByte = ms.ttsFirstChunkTime.Sub(ms.llmEndTime).Milliseconds()
	}

	// TTS total
	if !ms.ttsStartTime.IsZero() && !ms.ttsEndTime.IsZero() {
		bd.TTSTotal = ms.ttsEndTime.Sub(ms.ttsStartTime).Milliseconds()
	}

	// Bot start and playback
	if !ms.botSpeakStartTime.IsZero() {
		bd.BotStartLatency = ms.botSpeakStartTime.Sub(ms.userSpeechEndTime).Milliseconds()
	}
	if !ms.lastAudioSentAt.IsZero() {
		bd.UserToPlay = ms.lastAudioSentAt.Sub(ms.userSpeechEndTime).Milliseconds()
	}

	return bd
}

// ExportLastUserAudio returns a copy of the last captured user-turn audio (raw)
// and a post-processed version (echo-suppressed) suitable for debugging.
// Both slices are raw 16-bit little-endian PCM. Caller may be nil-checked.
func (ms *Session) ExportLastUserAudio() (raw []byte, processed []byte) {
	ms.mu.Lock()
	if len(ms.lastUserAudio) == 0 {
		ms.mu.Unlock()
		return nil, nil
	}
	rawCopy := make([]byte, len(ms.lastUserAudio))
	copy(rawCopy, ms.lastUserAudio)
	ms.mu.Unlock()

	if ms.echoSuppressor != nil {
		processed = ms.echoSuppressor.PostProcess(rawCopy)
	} else {
		processed = rawCopy
	}
	return rawCopy, processed
}

func (ms *Session) Events() <-chan OrchestratorEvent {
	return ms.events
}

func (ms *Session) Close() {
	// idempotent close to avoid panic if Close is called multiple times
	ms.closeOnce.Do(func() {
		// First interrupt to stop all active operations
		ms.interrupt()

		if ms.callID != "" && ms.orch != nil && ms.orch.registry != nil {
			ms.orch.registry.Remove(ms.callID)
		}

		// Clean up resources under lock
		ms.mu.Lock()
		ms.audioBuf.Reset()
		ms.mu.Unlock()

		// Clear echo buffer
		ms.echoSuppressor.ClearEchoBuffer()

		// Then cancel the context to signal all goroutines to exit
		ms.cancel()

		// Give goroutines a moment to exit cleanly
		time.Sleep(10 * time.Millisecond)

		// Finally close the events channel
		close(ms.events)
	})
}

func (ms *Session) emit(eventType EventType, data interface{}) {
	// Silently drop events if context is cancelled (shutdown in progress)
	select {
	case <-ms.ctx.Done():
		return
	default:
	}

	if eventType == AudioChunk {
		ms.mu.Lock()
		speaking := ms.isSpeaking
		userInterrupting := ms.userInterrupting
		ms.mu.Unlock()
		// Don't emit audio chunks if not speaking OR if user is interrupting (barge-in)
		if !speaking || userInterrupting {
			return
		}
	}

	event := OrchestratorEvent{
		Type:      eventType,
		SessionID: ms.conv.ID,
		Data:      data,
	}

	// Use non-blocking send with panic recovery in case channel is closed
	defer func() {
		if r := recover(); r != nil {
			// Channel closed, stream shutting down - safe to ignore
		}
	}()

	select {
	case ms.events <- event:
	case <-ms.ctx.Done():
		// Context cancelled, give up
	default:
		// Channel full, drop event non-blocking
	}
}

func (ms *Session) interrupt() {
	ms.internalInterrupt()
}

func (ms *Session) internalInterrupt() {
	// Acquire lock FIRST before reading any protected fields
	// (fixes race condition that caused deadlocks)
	ms.mu.Lock()

	// Check if there's anything to interrupt
	if ms.pipelineCancel == nil && ms.responseCancel == nil && ms.ttsCancel == nil && !ms.isSpeaking && !ms.isThinking && !ms.userInterrupting {
		ms.mu.Unlock()
		return
	}

	// Retrieve all cancellable contexts under lock - NEVER close channels, let context cancellation handle it
	pipelineCancel := ms.pipelineCancel
	responseCancel := ms.responseCancel
	ttsCancel := ms.ttsCancel

	ms.pipelineCancel = nil
	ms.responseCancel = nil
	ms.ttsCancel = nil
	ms.sttChan = nil
	ms.sttGeneration++ // Invalidate all concurrent STT callbacks

	// NOTE: Don't clear audio buffer here - it contains important audio that might include user speech!
	// The buffer is managed by the Write() function and cleared when we're truly done (Close or other cleanup)

	ms.isSpeaking = false
	ms.isThinking = false
	ms.userInterrupting = false
	ms.mu.Unlock()

	// Clear echo buffer when interrupting - we want to detect new user speech
	ms.echoSuppressor.ClearEchoBuffer()

	// Cancel all contexts OUTSIDE the lock to prevent deadlocks
	// Context cancellation will cause the STT/TTS goroutines to exit cleanly
	if pipelineCancel != nil {
		pipelineCancel()
	}
	if responseCancel != nil {
		responseCancel()
	}
	if ttsCancel != nil {
		ttsCancel()
	}

	// Try to forcibly abort provider-level synthesis
	if ms.orch != nil && ms.orch.tts != nil {
		if err := ms.orch.tts.Abort(); err != nil {
			ms.orch.logger.Warn("tts abort failed", "sessionID", ms.conv.ID, "error", err)
		}
	}

	ms.lastInterruptedAt = time.Now()
	ms.drainAudioChunks()
	ms.emit(Interrupted, nil)
}

func (ms *Session) drainAudioChunks() {
	// Non-blocking drain: remove audio chunks, keep control events
	// Use timeout to avoid blocking if channel reader is slow
	deadline := time.Now().Add(100 * time.Millisecond)
	var controlEvents []OrchestratorEvent

	for {
		select {
		case ev := <-ms.events:
			if ev.Type != AudioChunk {
				controlEvents = append(controlEvents, ev)
			}
		default:
			// No more events to drain
			goto DrainDone
		}

		// Safety timeout to prevent infinite blocking
		if time.Now().After(deadline) {
			goto DrainDone
		}
	}

DrainDone:
	// Re-emit control events (don't hold lock, events channel might be full)
	for _, ev := range controlEvents {
		select {
		case ms.events <- ev:
		default:
			// Channel full, drop event
		}
	}
}
