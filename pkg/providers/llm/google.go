package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tapanibot/voxloop/pkg/orchestrator"
)

// buildGeminiPayload assembles the {"contents": [...]} request body by
// appending one raw JSON message object per turn via sjson's "-1"
// append-to-array path rather than marshaling a fully-typed struct. gjson.Get
// reads the matching response shape below, so request and response sides of
// this adapter share the same dynamic-JSON library.
func buildGeminiPayload(messages []orchestrator.Message) ([]byte, error) {
	var body []byte
	for _, m := range messages {
		role := m.Role
		if role == "system" {
			role = "user" // Gemini doesn't always handle system role in the same way in all models
		}
		if role == "assistant" {
			role = "model"
		}
		msgJSON, err := json.Marshal(map[string]interface{}{
			"role":  role,
			"parts": []map[string]string{{"text": m.Content}},
		})
		if err != nil {
			return nil, err
		}
		body, err = sjson.SetRawBytes(body, "contents.-1", msgJSON)
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

type GoogleLLM struct {
	apiKey string
	url    string
	model  string
}

func NewGoogleLLM(apiKey string, model string) *GoogleLLM {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GoogleLLM{
		apiKey: apiKey,
		url:    "https://generativelanguage.googleapis.com/v1beta/models/" + model + ":generateContent",
		model:  model,
	}
}

func (l *GoogleLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	body, err := buildGeminiPayload(messages)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url+"?key="+l.apiKey, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("google llm error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response from google llm")
	}

	return result.Candidates[0].Content.Parts[0].Text, nil
}

func (l *GoogleLLM) Name() string {
	return "google-llm"
}

// GenerateStream hits Gemini's streamGenerateContent endpoint with
// alt=sse and parses each server-sent "data: {...}" line as it arrives.
// Gemini has no first-party streaming Go SDK in use here, so this speaks
// the wire protocol directly (see DESIGN.md).
func (l *GoogleLLM) GenerateStream(ctx context.Context, messages []orchestrator.Message, onToken func(token string, done bool) error) (string, error) {
	payload, err := buildGeminiPayload(messages)
	if err != nil {
		return "", err
	}

	streamURL := strings.Replace(l.url, ":generateContent", ":streamGenerateContent", 1) + "?alt=sse&key=" + l.apiKey

	req, err := http.NewRequestWithContext(ctx, "POST", streamURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("google llm stream error (status %d): %v", resp.StatusCode, errResp)
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		text := gjson.Get(data, "candidates.0.content.parts.0.text").String()
		if text == "" {
			continue
		}
		full.WriteString(text)
		if err := onToken(text, false); err != nil {
			return full.String(), err
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), err
	}

	if err := onToken("", true); err != nil {
		return full.String(), err
	}
	return full.String(), nil
}
