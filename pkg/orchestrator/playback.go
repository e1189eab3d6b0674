package orchestrator

import (
	"sync"
	"time"
)

// PlaybackController drives the jitter buffer (C1) on behalf of the
// orchestrator, tracking playback identity/timing and reporting interrupt
// latency for the stop-latency SLO.
type PlaybackController struct {
	mu            sync.Mutex
	buffer        *JitterBuffer
	isPlaying     bool
	playbackID    int64
	playbackStart time.Time
	lastStopMS    int64
}

// NewPlaybackController wraps buf.
func NewPlaybackController(buf *JitterBuffer) *PlaybackController {
	return &PlaybackController{buffer: buf}
}

// Start begins a new playback run under playbackID and streams chunk-by-chunk
// through the jitter buffer into sink until drained, interrupted, or ctxDone
// fires.
func (p *PlaybackController) Start(playbackID int64, sink func(chunk []byte) error, ctxDone <-chan struct{}) error {
	p.mu.Lock()
	p.isPlaying = true
	p.playbackID = playbackID
	p.playbackStart = time.Now()
	p.mu.Unlock()

	err := p.buffer.StartPlayback(sink, ctxDone)

	p.mu.Lock()
	p.isPlaying = false
	p.mu.Unlock()

	return err
}

// Enqueue pushes one chunk of audio to the underlying jitter buffer.
func (p *PlaybackController) Enqueue(chunk []byte) {
	p.buffer.Add(chunk)
}

// IsPlaying reports whether a playback run is currently active.
func (p *PlaybackController) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isPlaying
}

// PlaybackID returns the id of the current (or most recent) playback run.
func (p *PlaybackController) PlaybackID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playbackID
}

// Interrupt stops playback immediately and records the wall-clock latency
// of the stop for SLO reporting (target sub-10ms for the buffer clear, but
// this measures the whole interrupt call).
func (p *PlaybackController) Interrupt() int64 {
	start := time.Now()
	p.buffer.Interrupt()
	p.mu.Lock()
	p.isPlaying = false
	elapsed := time.Since(start).Milliseconds()
	p.lastStopMS = elapsed
	p.mu.Unlock()
	return elapsed
}

// StopLatencyMS returns the wall-clock duration of the most recent Interrupt
// call, used by callers to check the sub-150ms barge-in SLO.
func (p *PlaybackController) StopLatencyMS() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastStopMS
}

// Reset prepares the controller (and its buffer) for a fresh playback run.
func (p *PlaybackController) Reset() {
	p.buffer.Reset()
	p.mu.Lock()
	p.isPlaying = false
	p.mu.Unlock()
}
