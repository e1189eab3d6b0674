package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// Conversation is a single-caller convenience wrapper around the real C11
// Session/C10 PipelineOrchestrator concurrency path, for callers (simple
// scripts, tests) that want one blocking call per turn
// instead of admitting into the registry and consuming Events() themselves.
// It does not bypass any of C11's state machine: Chat/TextOnly/ProcessAudio
// all run through the same Session a streaming caller would get from
// Orchestrator.NewSession.
type Conversation struct {
	orch    *Orchestrator
	session *Session
}

// NewConversation creates a Conversation with default configuration,
// admitting a new Session into the Orchestrator's C12 registry.
func NewConversation(stt STTProvider, llm LLMProvider, tts TTSProvider) *Conversation {
	return NewConversationWithConfig(stt, llm, tts, DefaultConfig())
}

// NewConversationWithConfig creates a Conversation with explicit config. The
// admission call can only fail once MaxConcurrentCalls sessions are already
// registered; a brand-new Orchestrator with no prior sessions never hits
// that limit (and MaxConcurrentCalls <= 0 means unlimited), so a failure
// here is treated as a broken invariant and panics.
func NewConversationWithConfig(stt STTProvider, llm LLMProvider, tts TTSProvider, config Config) *Conversation {
	orch := New(stt, llm, tts, config)
	conv := NewConversationSession("conv_" + fmt.Sprintf("%d", time.Now().UnixNano()))
	conv.MaxMessages = orch.config.MaxContextMessages
	conv.CurrentVoice = orch.config.VoiceStyle
	conv.CurrentLanguage = orch.config.Language

	session, err := orch.NewSession(context.Background(), conv)
	if err != nil {
		panic(fmt.Sprintf("orchestrator: NewConversation could not admit its own session: %v", err))
	}

	return &Conversation{
		orch:    orch,
		session: session,
	}
}

// Close releases the underlying Session's registry slot. Callers that create
// many short-lived Conversations (e.g. one per test) should call this when
// done with it.
func (c *Conversation) Close() {
	c.session.Close()
}

func (c *Conversation) SetVoice(voice Voice) {
	c.session.conv.mu.Lock()
	defer c.session.conv.mu.Unlock()
	c.session.conv.CurrentVoice = voice
}

func (c *Conversation) SetVoiceByString(voice string) error {
	v := Voice(voice)
	validVoices := map[Voice]bool{
		VoiceF1: true, VoiceF2: true, VoiceF3: true, VoiceF4: true, VoiceF5: true,
		VoiceM1: true, VoiceM2: true, VoiceM3: true, VoiceM4: true, VoiceM5: true,
	}
	if !validVoices[v] {
		return fmt.Errorf("invalid voice: %s (must be F1-F5 or M1-M5)", voice)
	}
	c.session.conv.mu.Lock()
	defer c.session.conv.mu.Unlock()
	c.session.conv.CurrentVoice = v
	return nil
}

func (c *Conversation) SetLanguage(language Language) {
	c.session.conv.mu.Lock()
	defer c.session.conv.mu.Unlock()
	c.session.conv.CurrentLanguage = language
}

func (c *Conversation) SetLanguageByString(language string) error {
	lang := Language(language)
	validLanguages := map[Language]bool{
		LanguageEn: true, LanguageEs: true, LanguageFr: true, LanguageDe: true,
		LanguageIt: true, LanguagePt: true, LanguageJa: true, LanguageZh: true,
	}
	if !validLanguages[lang] {
		return fmt.Errorf("invalid language: %s", language)
	}
	c.session.conv.mu.Lock()
	defer c.session.conv.mu.Unlock()
	c.session.conv.CurrentLanguage = lang
	return nil
}

func (c *Conversation) SetSystemPrompt(prompt string) {
	c.session.conv.AddMessage("system", prompt)
}

// ProcessAudio transcribes audioBytes, generates a response, and synthesizes
// it, streaming audio chunks to onAudioChunk as they are produced. It routes
// through Session.RunAudioTurn (C6 batch transcription -> C9/C10 concurrent
// LLM+TTS), the same path Write drives for a live streaming caller, rather
// than a one-shot sequential Orchestrator call.
func (c *Conversation) ProcessAudio(ctx context.Context, audioBytes []byte, onAudioChunk func([]byte) error) (string, string, error) {
	transcript, response, err := c.session.RunAudioTurn(audioBytes, onAudioChunk)
	if err != nil {
		return "", "", err
	}

	c.orch.logger.Info("audio processed", "sessionID", c.session.conv.ID, "transcriptLen", len(transcript), "responseLen", len(response))

	return transcript, response, nil
}

// Chat appends text as a user turn and drives it through
// Session.RunTextTurn, streaming synthesized audio to onAudioChunk as C9/C10
// produce it rather than waiting for the full response before TTS starts.
func (c *Conversation) Chat(ctx context.Context, text string, onAudioChunk func([]byte) error) (string, error) {
	c.orch.logger.Info("chat message received", "sessionID", c.session.conv.ID, "messageLen", len(text))

	response, err := c.session.RunTextTurn(ctx, text, onAudioChunk)
	if err != nil {
		c.orch.logger.Error("chat turn failed", "sessionID", c.session.conv.ID, "error", err)
		return "", err
	}

	c.orch.logger.Info("chat response generated", "sessionID", c.session.conv.ID, "responseLen", len(response))
	return response, nil
}

// TextOnly drives a text turn through the same Session/PipelineOrchestrator
// path as Chat, but discards any synthesized audio — useful for callers that
// only want the transcript (e.g. a text console).
func (c *Conversation) TextOnly(ctx context.Context, text string) (string, error) {
	c.orch.logger.Info("text-only message received", "sessionID", c.session.conv.ID, "messageLen", len(text))

	response, err := c.session.RunTextTurn(ctx, text, func([]byte) error { return nil })
	if err != nil {
		c.orch.logger.Error("text-only turn failed", "sessionID", c.session.conv.ID, "error", err)
		return "", err
	}

	c.orch.logger.Info("text-only response generated", "sessionID", c.session.conv.ID, "responseLen", len(response))
	return response, nil
}

func (c *Conversation) GetContext() []Message {
	return c.session.conv.GetContextCopy()
}

func (c *Conversation) GetLastUserMessage() string {
	return c.session.conv.GetLastUserMessage()
}

func (c *Conversation) GetLastAssistantMessage() string {
	c.session.conv.mu.RLock()
	defer c.session.conv.mu.RUnlock()
	return c.session.conv.LastAssistant
}

func (c *Conversation) ClearContext() {
	c.session.conv.mu.Lock()
	defer c.session.conv.mu.Unlock()

	system := []Message{}
	for _, msg := range c.session.conv.Context {
		if msg.Role == "system" {
			system = append(system, msg)
		}
	}
	c.session.conv.Context = system
	c.session.conv.LastUser = ""
	c.session.conv.LastAssistant = ""
}

func (c *Conversation) Reset() {
	c.session.conv.mu.Lock()
	defer c.session.conv.mu.Unlock()
	c.session.conv.Context = []Message{}
	c.session.conv.LastUser = ""
	c.session.conv.LastAssistant = ""
	c.session.conv.CurrentVoice = VoiceF1
	c.session.conv.CurrentLanguage = LanguageEn
}

func (c *Conversation) GetSessionID() string {
	return c.session.conv.ID
}

func (c *Conversation) GetProviders() map[string]string {
	return c.orch.GetProviders()
}

func (c *Conversation) GetConfig() Config {
	return c.orch.GetConfig()
}
