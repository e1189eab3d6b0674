package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/tapanibot/voxloop/pkg/orchestrator"
)

const (
	deepgramStreamEndpoint = "wss://api.deepgram.com/v1/listen"
	deepgramReconnects     = 3
	deepgramBackoffBase    = 100 * time.Millisecond
	deepgramBackoffCap     = 2 * time.Second
)

// DeepgramStreamingSTT implements orchestrator.StreamingSTTProvider against
// Deepgram's streaming websocket endpoint, reconnecting with exponential
// backoff (base 100ms, doubling, capped at 2s) for up to 3 attempts when the
// connection drops mid-session.
type DeepgramStreamingSTT struct {
	apiKey     string
	model      string
	sampleRate int
}

func NewDeepgramStreamingSTT(apiKey string) *DeepgramStreamingSTT {
	return &DeepgramStreamingSTT{
		apiKey:     apiKey,
		model:      "nova-2",
		sampleRate: 16000,
	}
}

func (s *DeepgramStreamingSTT) Name() string { return "deepgram-stream-stt" }

// Transcribe satisfies orchestrator.STTProvider by spinning up a one-shot
// streaming session and waiting for its first final transcript.
func (s *DeepgramStreamingSTT) Transcribe(ctx context.Context, audioPCM []byte, lang orchestrator.Language) (string, error) {
	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)

	audioCh, err := s.StreamTranscribe(ctx, lang, func(transcript string, isFinal bool) error {
		if isFinal {
			select {
			case resultCh <- transcript:
			default:
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	go func() {
		select {
		case audioCh <- audioPCM:
		case <-ctx.Done():
		}
	}()

	select {
	case r := <-resultCh:
		return r, nil
	case err := <-errCh:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *DeepgramStreamingSTT) buildURL(lang orchestrator.Language) string {
	u, _ := url.Parse(deepgramStreamEndpoint)
	q := u.Query()
	q.Set("model", s.model)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("smart_format", "true")
	q.Set("sample_rate", strconv.Itoa(s.sampleRate))
	if lang != "" {
		q.Set("language", string(lang))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type deepgramStreamResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// StreamTranscribe dials Deepgram and returns a channel the caller feeds raw
// PCM into; onTranscript fires for every interim/final result. The
// connection is reconnected transparently (deepgramReconnects attempts,
// exponential backoff) if the read or write loop drops mid-session; audio
// sent during a reconnect gap is dropped rather than buffered indefinitely.
func (s *DeepgramStreamingSTT) StreamTranscribe(ctx context.Context, lang orchestrator.Language, onTranscript func(transcript string, isFinal bool) error) (chan<- []byte, error) {
	conn, err := s.dial(ctx, lang)
	if err != nil {
		return nil, err
	}

	audio := make(chan []byte, 256)

	go s.runSession(ctx, conn, lang, audio, onTranscript)

	return audio, nil
}

func (s *DeepgramStreamingSTT) dial(ctx context.Context, lang orchestrator.Language) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+s.apiKey)

	conn, _, err := websocket.Dial(ctx, s.buildURL(lang), &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	return conn, nil
}

func (s *DeepgramStreamingSTT) runSession(ctx context.Context, conn *websocket.Conn, lang orchestrator.Language, audio <-chan []byte, onTranscript func(string, bool) error) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var resp deepgramStreamResponse
			if err := json.Unmarshal(msg, &resp); err != nil {
				continue
			}
			if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
				continue
			}
			_ = onTranscript(resp.Channel.Alternatives[0].Transcript, resp.IsFinal)
		}
	}()

	attempt := 0
	for {
		select {
		case chunk, ok := <-audio:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				if attempt >= deepgramReconnects {
					conn.Close(websocket.StatusAbnormalClosure, "reconnect attempts exhausted")
					return
				}
				backoff := deepgramBackoffBase << attempt
				if backoff > deepgramBackoffCap {
					backoff = deepgramBackoffCap
				}
				attempt++
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				newConn, dialErr := s.dial(ctx, lang)
				if dialErr != nil {
					continue
				}
				conn = newConn
				go func() {
					for {
						_, msg, err := conn.Read(ctx)
						if err != nil {
							return
						}
						var resp deepgramStreamResponse
						if err := json.Unmarshal(msg, &resp); err != nil {
							continue
						}
						if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
							continue
						}
						_ = onTranscript(resp.Channel.Alternatives[0].Transcript, resp.IsFinal)
					}
				}()
				continue
			}
			attempt = 0
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "context cancelled")
			return
		case <-done:
			return
		}
	}
}
