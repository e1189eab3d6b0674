package orchestrator

import (
	"context"
	"strings"
)

// EmotionHint is a TTS tone profile derived from the last user turn. It is
// an optional signal rather than a required parameter: callers with no
// opinion on tone get TTSProvider's plain Synthesize/StreamSynthesize
// behavior.
type EmotionHint struct {
	Stability       float64
	SimilarityBoost float64
	Style           float64
}

// DefaultEmotionHint is the neutral profile used when no sentiment signal is
// available.
var DefaultEmotionHint = EmotionHint{Stability: 0.5, SimilarityBoost: 0.75, Style: 0.0}

// EmotionAwareTTS is implemented by TTS adapters that can vary delivery
// (stability/similarity/style) based on an EmotionHint. Adapters that don't
// implement it are driven through the plain TTSProvider methods, the same
// way an LLMProvider without StreamingLLMProvider falls back to Complete.
type EmotionAwareTTS interface {
	TTSProvider
	StreamSynthesizeWithEmotion(ctx context.Context, text string, voice Voice, lang Language, hint EmotionHint, onChunk func([]byte) error) error
}

var positiveWords = map[string]bool{
	"great": true, "good": true, "thanks": true, "thank": true, "awesome": true,
	"love": true, "happy": true, "excellent": true, "wonderful": true, "glad": true,
	"yes": true, "perfect": true, "nice": true,
}

var negativeWords = map[string]bool{
	"bad": true, "angry": true, "upset": true, "hate": true, "terrible": true,
	"awful": true, "no": true, "wrong": true, "broken": true, "frustrated": true,
	"annoyed": true, "worst": true,
}

// deriveEmotionHint applies a naive bag-of-words polarity score to text and
// maps it onto a tone profile: negative turns get a more stable, less
// stylized delivery; positive turns get more expressive style and a lower
// stability floor.
func deriveEmotionHint(text string) EmotionHint {
	if strings.TrimSpace(text) == "" {
		return DefaultEmotionHint
	}

	score := 0
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'")
		if positiveWords[word] {
			score++
		}
		if negativeWords[word] {
			score--
		}
	}

	switch {
	case score > 0:
		return EmotionHint{Stability: 0.35, SimilarityBoost: 0.8, Style: 0.4}
	case score < 0:
		return EmotionHint{Stability: 0.7, SimilarityBoost: 0.7, Style: 0.1}
	default:
		return DefaultEmotionHint
	}
}
