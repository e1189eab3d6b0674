package orchestrator

import (
	"context"
	"testing"
)

func TestConversation(t *testing.T) {
	stt := &MockSTTProvider{transcribeResult: "hello"}
	llm := &MockLLMProvider{completeResult: "world"}
	tts := &MockTTSProvider{synthesizeResult: []byte{1, 2, 3}}

	conv := NewConversation(stt, llm, tts)
	defer conv.Close()

	t.Run("NewConversationWithConfig admits a real Session", func(t *testing.T) {
		config := DefaultConfig()
		config.MaxContextMessages = 5
		conv2 := NewConversationWithConfig(stt, llm, tts, config)
		defer conv2.Close()
		if conv2.GetConfig().MaxContextMessages != 5 {
			t.Errorf("expected 5, got %d", conv2.GetConfig().MaxContextMessages)
		}
		if conv2.session.callID == "" {
			t.Error("expected NewConversationWithConfig to admit its Session into the registry")
		}
	})

	t.Run("SetVoice", func(t *testing.T) {
		conv.SetVoice(VoiceM1)
		if conv.session.conv.GetCurrentVoice() != VoiceM1 {
			t.Errorf("expected VoiceM1, got %v", conv.session.conv.GetCurrentVoice())
		}
	})

	t.Run("SetVoiceByString", func(t *testing.T) {
		err := conv.SetVoiceByString("F2")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if conv.session.conv.GetCurrentVoice() != VoiceF2 {
			t.Errorf("expected VoiceF2, got %v", conv.session.conv.GetCurrentVoice())
		}

		err = conv.SetVoiceByString("invalid")
		if err == nil {
			t.Error("expected error for invalid voice")
		}
	})

	t.Run("SetLanguage", func(t *testing.T) {
		conv.SetLanguage(LanguageEs)
		if conv.session.conv.GetCurrentLanguage() != LanguageEs {
			t.Errorf("expected LanguageEs, got %v", conv.session.conv.GetCurrentLanguage())
		}
	})

	t.Run("SetLanguageByString", func(t *testing.T) {
		err := conv.SetLanguageByString("fr")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if conv.session.conv.GetCurrentLanguage() != LanguageFr {
			t.Errorf("expected LanguageFr, got %v", conv.session.conv.GetCurrentLanguage())
		}

		err = conv.SetLanguageByString("invalid")
		if err == nil {
			t.Error("expected error for invalid language")
		}
	})

	t.Run("SetSystemPrompt", func(t *testing.T) {
		conv.SetSystemPrompt("test prompt")
		ctx := conv.GetContext()
		found := false
		for _, m := range ctx {
			if m.Role == "system" && m.Content == "test prompt" {
				found = true
				break
			}
		}
		if !found {
			t.Error("expected system prompt to be in context")
		}
	})

	t.Run("Chat streams audio through the Session pipeline", func(t *testing.T) {
		var chunks [][]byte
		resp, err := conv.Chat(context.Background(), "hi", func(chunk []byte) error {
			chunks = append(chunks, chunk)
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp != "world" {
			t.Errorf("expected 'world', got '%s'", resp)
		}
		if len(chunks) == 0 {
			t.Error("expected Chat to stream at least one audio chunk through PipelineOrchestrator")
		}
		if conv.session.State() != StateListening {
			t.Errorf("expected Session to settle back in LISTENING after the turn, got %v", conv.session.State())
		}
	})

	t.Run("ProcessAudio drives C6 batch transcription then the pipeline", func(t *testing.T) {
		var gotChunk bool
		transcript, response, err := conv.ProcessAudio(context.Background(), []byte{1, 2, 3}, func(chunk []byte) error {
			gotChunk = true
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if transcript != "hello" {
			t.Errorf("expected 'hello', got '%s'", transcript)
		}
		if response != "world" {
			t.Errorf("expected 'world', got '%s'", response)
		}
		if !gotChunk {
			t.Error("expected ProcessAudio to stream at least one audio chunk")
		}
	})

	t.Run("TextOnly discards audio but still runs the real turn", func(t *testing.T) {
		resp, err := conv.TextOnly(context.Background(), "hi text")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp != "world" {
			t.Errorf("expected 'world', got '%s'", resp)
		}
	})

	t.Run("ClearContext", func(t *testing.T) {
		conv.ClearContext()
		ctx := conv.GetContext()
		if len(ctx) != 1 {
			t.Errorf("expected 1 message (system prompt), got %d", len(ctx))
		}
	})

	t.Run("Reset", func(t *testing.T) {
		conv.Reset()
		ctx := conv.GetContext()
		if len(ctx) != 0 {
			t.Errorf("expected 0 messages after reset, got %d", len(ctx))
		}
	})

	t.Run("Getters", func(t *testing.T) {
		conv.Chat(context.Background(), "hello", func(chunk []byte) error { return nil })
		if conv.GetSessionID() == "" {
			t.Error("expected non-empty session ID")
		}
		if conv.GetLastUserMessage() == "" {
			t.Error("expected last user message")
		}
		if conv.GetLastAssistantMessage() == "" {
			t.Error("expected last assistant message")
		}
		providers := conv.GetProviders()
		if providers["llm"] != "MockLLM" {
			t.Errorf("expected 'MockLLM', got '%s'", providers["llm"])
		}
		if conv.GetConfig().SampleRate == 0 {
			t.Error("expected non-zero sample rate")
		}
	})
}
