package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockStreamingLLM emits tokens, waiting delay between each, and supports
// StreamingLLMProvider so PipelineOrchestrator exercises the concurrent path.
type mockStreamingLLM struct {
	tokens []string
	delay  time.Duration
	err    error
}

func (m *mockStreamingLLM) Complete(ctx context.Context, messages []Message) (string, error) {
	return strings.Join(m.tokens, ""), m.err
}

func (m *mockStreamingLLM) Name() string { return "mock-streaming-llm" }

func (m *mockStreamingLLM) GenerateStream(ctx context.Context, messages []Message, onToken func(token string, done bool) error) (string, error) {
	var full strings.Builder
	for _, tok := range m.tokens {
		select {
		case <-ctx.Done():
			return full.String(), ctx.Err()
		case <-time.After(m.delay):
		}
		full.WriteString(tok)
		if err := onToken(tok, false); err != nil {
			return full.String(), err
		}
	}
	if m.err != nil {
		return full.String(), m.err
	}
	if err := onToken("", true); err != nil {
		return full.String(), err
	}
	return full.String(), nil
}

// mockChunkedTTS records every chunk of text it was asked to synthesize, in
// order, so tests can assert chunk boundaries match C9's flush rules.
type mockChunkedTTS struct {
	mu          sync.Mutex
	chunksSeen  []string
	failFirst   bool
	calls       int
	synthesized []byte
}

func (m *mockChunkedTTS) Synthesize(ctx context.Context, text string, voice Voice, lang Language) ([]byte, error) {
	m.mu.Lock()
	m.chunksSeen = append(m.chunksSeen, text)
	m.mu.Unlock()
	return []byte(text), nil
}

func (m *mockChunkedTTS) StreamSynthesize(ctx context.Context, text string, voice Voice, lang Language, onChunk func([]byte) error) error {
	m.mu.Lock()
	m.calls++
	first := m.calls == 1
	m.mu.Unlock()

	if first && m.failFirst {
		return errFakeHandshake
	}

	m.mu.Lock()
	m.chunksSeen = append(m.chunksSeen, text)
	m.mu.Unlock()
	return onChunk([]byte(text))
}

func (m *mockChunkedTTS) Abort() error { return nil }
func (m *mockChunkedTTS) Name() string { return "mock-chunked-tts" }

var errFakeHandshake = &handshakeError{}

type handshakeError struct{}

func (*handshakeError) Error() string { return "fake tts handshake failure" }

func newTestSessionForPipeline(t *testing.T, llm LLMProvider, tts TTSProvider) *Session {
	t.Helper()
	stt := &MockSTTProvider{}
	orch := New(stt, llm, tts, DefaultConfig())
	conv := NewConversationSession("pipeline-test")
	s := NewSession(context.Background(), orch, conv)
	t.Cleanup(s.Close)
	return s
}

func TestPipelineOrchestrator_ChunksConcurrentlyOnSentenceBoundaries(t *testing.T) {
	llm := &mockStreamingLLM{tokens: []string{"Hi", "!", " there", "."}}
	tts := &mockChunkedTTS{}
	s := newTestSessionForPipeline(t, llm, tts)

	var audio []byte
	p := NewPipelineOrchestrator(s)
	result, err := p.Run(context.Background(), s.conv, nil, func(chunk []byte) error {
		audio = append(audio, chunk...)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Cancelled {
		t.Fatalf("expected not cancelled")
	}
	if result.Text != "Hi! there." {
		t.Errorf("Text = %q, want %q", result.Text, "Hi! there.")
	}
	if result.StreamingMode != "streaming" {
		t.Errorf("StreamingMode = %q, want streaming", result.StreamingMode)
	}

	tts.mu.Lock()
	chunksSeen := append([]string(nil), tts.chunksSeen...)
	tts.mu.Unlock()

	if len(chunksSeen) != 2 {
		t.Fatalf("chunksSeen = %v, want 2 chunks split on sentence boundaries", chunksSeen)
	}
	if chunksSeen[0] != "Hi!" || chunksSeen[1] != " there." {
		t.Errorf("chunksSeen = %v, want [\"Hi!\" \" there.\"]", chunksSeen)
	}
	if string(audio) != "Hi! there." {
		t.Errorf("audio = %q, want %q", audio, "Hi! there.")
	}
}

func TestPipelineOrchestrator_EmptyLLMResponseProducesNoAudio(t *testing.T) {
	llm := &mockStreamingLLM{tokens: nil}
	tts := &mockChunkedTTS{}
	s := newTestSessionForPipeline(t, llm, tts)

	p := NewPipelineOrchestrator(s)
	audioCalls := 0
	result, err := p.Run(context.Background(), s.conv, nil, func(chunk []byte) error {
		audioCalls++
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Text != "" {
		t.Errorf("Text = %q, want empty when the LLM emits zero tokens", result.Text)
	}
	if result.Cancelled {
		t.Errorf("expected cancelled=false when the LLM emits zero tokens")
	}
	if audioCalls != 0 {
		t.Errorf("audioCalls = %d, want 0: no TTS frames should be emitted", audioCalls)
	}
}

func TestPipelineOrchestrator_CancellationRecordsPlayedPrefix(t *testing.T) {
	llm := &mockStreamingLLM{
		tokens: []string{"One.", "Two.", "Three.", "Four."},
		delay:  10 * time.Millisecond,
	}
	tts := &mockChunkedTTS{}
	s := newTestSessionForPipeline(t, llm, tts)

	ctx, cancel := context.WithCancel(context.Background())
	p := NewPipelineOrchestrator(s)

	var played []byte
	chunkCount := 0
	resultCh := make(chan PipelineResult, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := p.Run(ctx, s.conv, nil, func(chunk []byte) error {
			played = append(played, chunk...)
			chunkCount++
			if chunkCount == 1 {
				cancel()
			}
			return nil
		})
		resultCh <- result
		errCh <- err
	}()

	select {
	case result := <-resultCh:
		if err := <-errCh; err != nil {
			t.Fatalf("Run: %v", err)
		}
		if !result.Cancelled {
			t.Errorf("expected Cancelled=true after barge-in-style cancellation")
		}
		if result.Text == "" {
			t.Errorf("expected played prefix to be recorded, got empty text")
		}
		if !strings.HasPrefix("One.Two.Three.Four.", result.Text) {
			t.Errorf("Text = %q is not a prefix of the full response", result.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancelled pipeline run")
	}
}

func TestPipelineOrchestrator_FallsBackToSequentialOnHandshakeFailure(t *testing.T) {
	llm := &mockStreamingLLM{tokens: []string{"Hello there."}}
	tts := &mockChunkedTTS{failFirst: true}
	s := newTestSessionForPipeline(t, llm, tts)

	p := NewPipelineOrchestrator(s)
	var audio []byte
	result, err := p.Run(context.Background(), s.conv, nil, func(chunk []byte) error {
		audio = append(audio, chunk...)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.StreamingMode != "sequential" {
		t.Errorf("StreamingMode = %q, want sequential after handshake failure", result.StreamingMode)
	}
	if string(audio) != "Hello there." {
		t.Errorf("audio = %q, want one-shot synthesis of the full text", audio)
	}
}
