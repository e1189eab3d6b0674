package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openaisdk "github.com/sashabaranov/go-openai"
	"github.com/tapanibot/voxloop/pkg/orchestrator"
)

// GroqLLM talks to Groq's OpenAI-compatible chat completions endpoint.
type GroqLLM struct {
	apiKey string
	url    string
	model  string
}

func NewGroqLLM(apiKey string, model string) *GroqLLM {
	if model == "" {
		model = "llama3-70b-8192"
	}
	return &GroqLLM{
		apiKey: apiKey,
		url:    "https://api.groq.com/openai/v1/chat/completions",
		model:  model,
	}
}

func (l *GroqLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	payload := map[string]interface{}{
		"model":    l.model,
		"messages": messages,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("groq llm error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from groq")
	}

	return result.Choices[0].Message.Content, nil
}

func (l *GroqLLM) Name() string {
	return "groq-llm"
}

// GenerateStream reuses the OpenAI client against Groq's compatible
// endpoint, since Groq speaks the same chat-completions stream protocol.
func (l *GroqLLM) GenerateStream(ctx context.Context, messages []orchestrator.Message, onToken func(token string, done bool) error) (string, error) {
	cfg := openaisdk.DefaultConfig(l.apiKey)
	cfg.BaseURL = "https://api.groq.com/openai/v1"
	client := openaisdk.NewClientWithConfig(cfg)

	chatMessages := make([]openaisdk.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		chatMessages = append(chatMessages, openaisdk.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	stream, err := client.CreateChatCompletionStream(ctx, openaisdk.ChatCompletionRequest{
		Model:    l.model,
		Messages: chatMessages,
	})
	if err != nil {
		return "", fmt.Errorf("groq stream start: %w", err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), fmt.Errorf("groq stream recv: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		token := resp.Choices[0].Delta.Content
		if token == "" {
			continue
		}
		full.WriteString(token)
		if err := onToken(token, false); err != nil {
			return full.String(), err
		}
	}

	if err := onToken("", true); err != nil {
		return full.String(), err
	}
	return full.String(), nil
}
