package orchestrator

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// PipelineOrchestrator drives one user turn's STT-final -> LLM -> TTS ->
// playback pipeline concurrently rather than sequentially. A fresh instance
// is constructed for every orchestrator run; it retains no state across
// turns.
type PipelineOrchestrator struct {
	session *Session
	orch    *Orchestrator
}

// NewPipelineOrchestrator builds a pipeline run bound to s's provider handles
// and configuration.
func NewPipelineOrchestrator(s *Session) *PipelineOrchestrator {
	return &PipelineOrchestrator{session: s, orch: s.orch}
}

// PipelineResult holds the text to append as the assistant turn (the played
// prefix on cancellation, the full response otherwise), whether the run was
// cancelled, and which TTS mode actually ran.
type PipelineResult struct {
	Text          string
	Cancelled     bool
	StreamingMode string // "streaming" or "sequential" (degraded after a TTS handshake failure)
}

// pipelineChunkBacklog bounds how many flushed text chunks may queue ahead of
// TTS before the LLM goroutine blocks on its next send — the backpressure
// mechanism that makes the orchestrator wait rather than drop audio when TTS
// falls behind generation. A handful of sentence-sized chunks is a closer
// proxy to that budget than a single unbuffered handoff.
const pipelineChunkBacklog = 4

// Run starts the LLM stream, pushes every token through the stream
// coordinator, and hands each flushed chunk to the TTS adapter on a
// dedicated goroutine so synthesis of chunk N overlaps with the LLM
// generating chunk N+1, instead of the sequential
// transcribe-then-generate-then-synthesize shape of a one-shot turn.
//
// onFirstToken fires once, when the first LLM token arrives (first_token_latency).
// onAudioChunk fires once per TTS audio frame, in emission order
// (first_audio_latency on the first call); returning an error from it
// aborts the run the same as LLM/TTS failures.
//
// If the first TTS chunk fails before any audio has been emitted, the run
// falls back to sequential mode: the remainder of the LLM output is
// accumulated and synthesized with one one-shot TTS call once generation
// completes.
func (p *PipelineOrchestrator) Run(ctx context.Context, conv *ConversationSession, onFirstToken func(), onAudioChunk func([]byte) error) (PipelineResult, error) {
	chunks := make(chan string, pipelineChunkBacklog)

	var mu sync.Mutex
	var accumulated strings.Builder
	var played strings.Builder
	streamingMode := "streaming"
	var firstTokenOnce sync.Once

	g, gctx := errgroup.WithContext(ctx)

	// Producer: LLM stream -> C9 stream coordinator -> chunks channel.
	g.Go(func() error {
		defer close(chunks)

		coord := NewStreamCoordinator(p.orch.GetConfig())
		send := func(chunk string) error {
			if chunk == "" {
				return nil
			}
			select {
			case chunks <- chunk:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}

		_, err := p.orch.GenerateResponseStream(gctx, conv, func(token string, done bool) error {
			if token != "" {
				firstTokenOnce.Do(func() {
					if onFirstToken != nil {
						onFirstToken()
					}
				})
				mu.Lock()
				accumulated.WriteString(token)
				mu.Unlock()

				if chunk, ok := coord.Push(token); ok {
					if err := send(chunk); err != nil {
						return err
					}
				}
			}
			if done {
				if chunk, ok := coord.Flush(); ok {
					if err := send(chunk); err != nil {
						return err
					}
				}
			}
			return nil
		})
		return err
	})

	// Consumer: synthesize each chunk as it arrives, concurrently with the
	// LLM producing the next one. Falls back to sequential one-shot TTS if
	// the very first chunk fails before any audio has played.
	hint := deriveEmotionHint(conv.GetLastUserMessage())

	g.Go(func() error {
		fellBack := false
		playedAny := false

		for {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					if fellBack {
						return p.sequentialFallback(gctx, conv, &mu, &accumulated, &played, onAudioChunk)
					}
					return nil
				}
				if fellBack {
					continue // already degraded; drain remaining chunks without synthesizing them individually
				}
				if err := p.orch.SynthesizeStreamWithHint(gctx, chunk, conv.GetCurrentVoice(), conv.GetCurrentLanguage(), hint, onAudioChunk); err != nil {
					if playedAny {
						return err
					}
					// Streaming handshake failed before any audio was
					// emitted: degrade to sequential mode.
					mu.Lock()
					streamingMode = "sequential"
					mu.Unlock()
					fellBack = true
					continue
				}
				playedAny = true
				mu.Lock()
				played.WriteString(chunk)
				mu.Unlock()
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	err := g.Wait()

	mu.Lock()
	full := accumulated.String()
	playedText := played.String()
	mode := streamingMode
	mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			// Cancellation (barge-in, hangup, turn timeout): record the
			// prefix actually played, not the prefix produced.
			return PipelineResult{Text: playedText, Cancelled: true, StreamingMode: mode}, nil
		}
		return PipelineResult{}, err
	}

	return PipelineResult{Text: full, Cancelled: false, StreamingMode: mode}, nil
}

// sequentialFallback synthesizes the full accumulated LLM text in one
// one-shot TTS call, used once streaming synthesis of the first chunk has
// failed. It waits for the LLM producer (already draining into the now-closed
// chunks channel) to finish filling accumulated before reading it.
func (p *PipelineOrchestrator) sequentialFallback(ctx context.Context, conv *ConversationSession, mu *sync.Mutex, accumulated, played *strings.Builder, onAudioChunk func([]byte) error) error {
	mu.Lock()
	text := accumulated.String()
	mu.Unlock()

	if strings.TrimSpace(text) == "" {
		return nil
	}

	audio, err := p.orch.Synthesize(ctx, text, conv.GetCurrentVoice(), conv.GetCurrentLanguage())
	if err != nil {
		return err
	}
	if err := onAudioChunk(audio); err != nil {
		return err
	}
	mu.Lock()
	played.Reset()
	played.WriteString(text)
	mu.Unlock()
	return nil
}
