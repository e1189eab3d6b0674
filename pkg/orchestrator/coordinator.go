package orchestrator

import "strings"

// StreamCoordinator buffers LLM tokens into chunks suitable for pushing to
// TTS (C9). It is strictly push-only and retains no state across turns — a
// fresh StreamCoordinator is created per orchestrator run.
//
// Flush rules, evaluated on every incoming token:
//  1. buffered length >= chunk size: flush.
//  2. buffered text ends with a sentence boundary (. ! ?): flush.
//  3. buffered length > clauseMinChars and ends with a comma: flush.
//  4. on stream end, flush whatever remains (once).
type StreamCoordinator struct {
	buf            strings.Builder
	chunkSize      int
	clauseMinChars int
}

// NewStreamCoordinator builds a coordinator using the chunking parameters in
// cfg.
func NewStreamCoordinator(cfg Config) *StreamCoordinator {
	return &StreamCoordinator{
		chunkSize:      cfg.StreamChunkSize,
		clauseMinChars: cfg.StreamClauseMinChars,
	}
}

// Push appends a token and returns (chunk, true) if a flush rule fired.
func (c *StreamCoordinator) Push(token string) (string, bool) {
	c.buf.WriteString(token)
	text := c.buf.String()

	if len(text) >= c.chunkSize {
		return c.drain(), true
	}
	if endsWithSentenceBoundary(text) {
		return c.drain(), true
	}
	if len(text) > c.clauseMinChars && strings.HasSuffix(text, ",") {
		return c.drain(), true
	}
	return "", false
}

// Flush drains and returns any remaining buffered text (rule 4). Returns
// ("", false) if nothing is buffered.
func (c *StreamCoordinator) Flush() (string, bool) {
	if c.buf.Len() == 0 {
		return "", false
	}
	return c.drain(), true
}

func (c *StreamCoordinator) drain() string {
	text := c.buf.String()
	c.buf.Reset()
	return text
}

func endsWithSentenceBoundary(text string) bool {
	if text == "" {
		return false
	}
	last := text[len(text)-1]
	return last == '.' || last == '!' || last == '?'
}
