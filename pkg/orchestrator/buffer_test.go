package orchestrator

import (
	"testing"
	"time"
)

func testBufferConfig() Config {
	return Config{
		ChunkSizeMS:    20,
		JitterBufferMS: 40,
		MaxBufferMS:    100,
	}
}

func TestJitterBuffer_OverrunDropsOldestAndCounts(t *testing.T) {
	b := NewJitterBuffer(testBufferConfig())

	for i := 0; i < 10; i++ {
		b.Add([]byte{byte(i)})
	}

	if b.BufferedMS() > 100 {
		t.Errorf("BufferedMS() = %d, want <= max_buffer_ms (100)", b.BufferedMS())
	}
	if b.Overruns() == 0 {
		t.Errorf("expected overruns after exceeding max_buffer_ms, got 0")
	}
}

func TestJitterBuffer_InterruptStopsPlaybackAndClears(t *testing.T) {
	b := NewJitterBuffer(testBufferConfig())
	for i := 0; i < 5; i++ {
		b.Add([]byte{byte(i)})
	}

	done := make(chan error, 1)
	played := 0
	go func() {
		done <- b.StartPlayback(func(chunk []byte) error {
			played++
			return nil
		}, nil)
	}()

	// Give playback a moment to start, then interrupt immediately.
	time.Sleep(5 * time.Millisecond)
	b.Interrupt()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("StartPlayback returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartPlayback did not return after Interrupt")
	}

	if b.BufferedMS() != 0 {
		t.Errorf("BufferedMS() after Interrupt = %d, want 0", b.BufferedMS())
	}
}

func TestJitterBuffer_Reset(t *testing.T) {
	b := NewJitterBuffer(testBufferConfig())
	b.Add([]byte{1, 2, 3})
	b.Interrupt()

	b.Reset()

	stats := b.Stats()
	if stats.BufferedMS != 0 || stats.Overruns != 0 || stats.Underruns != 0 {
		t.Errorf("Stats() after Reset = %+v, want all zero", stats)
	}
}

func TestJitterBuffer_StopIsIdempotent(t *testing.T) {
	b := NewJitterBuffer(testBufferConfig())
	b.Stop(false)
	b.Stop(false) // must not panic on double-close
}
