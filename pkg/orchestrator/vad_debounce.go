package orchestrator

import "time"

// DebouncedVAD wraps a VADProvider (the local-energy fallback, or any
// upstream-event-driven implementation) with debounce and
// minimum-speech-duration filtering rules.
//
// Debounce: any event arriving within debounce_ms of the previous one is
// ignored. Minimum duration: a speech_ended (and its matching started) is
// discarded if the active interval was shorter than min_speech_duration_ms;
// such intervals are counted as "filtered". The raised edge (speech_started)
// fires immediately — it is never held back by the minimum-duration check —
// only the falling edge waits for it.
type DebouncedVAD struct {
	inner VADProvider

	debounce     time.Duration
	minSpeechDur time.Duration

	lastEventAt   time.Time
	speechStartAt time.Time
	pendingStart  bool

	filtered int
}

// NewDebouncedVAD wraps inner using the VAD parameters in cfg.
func NewDebouncedVAD(inner VADProvider, cfg Config) *DebouncedVAD {
	return &DebouncedVAD{
		inner:        inner,
		debounce:     time.Duration(cfg.VADDebounceMS) * time.Millisecond,
		minSpeechDur: time.Duration(cfg.VADMinSpeechDurationMS) * time.Millisecond,
	}
}

// Process runs the wrapped VAD and applies debounce/minimum-duration
// filtering on top of its raw events.
func (d *DebouncedVAD) Process(chunk []byte) (*VADEvent, error) {
	event, err := d.inner.Process(chunk)
	if err != nil || event == nil {
		return event, err
	}

	now := time.Now()

	switch event.Type {
	case VADSpeechStart:
		if !d.lastEventAt.IsZero() && now.Sub(d.lastEventAt) < d.debounce {
			return nil, nil
		}
		d.lastEventAt = now
		d.speechStartAt = now
		d.pendingStart = true
		// Raised edge fires immediately: barge-in latency is not paid twice.
		return event, nil

	case VADSpeechEnd:
		if !d.pendingStart {
			return nil, nil
		}
		duration := now.Sub(d.speechStartAt)
		d.pendingStart = false
		if duration < d.minSpeechDur {
			d.filtered++
			return nil, nil
		}
		if !d.lastEventAt.IsZero() && now.Sub(d.lastEventAt) < d.debounce {
			return nil, nil
		}
		d.lastEventAt = now
		return event, nil

	default:
		return event, nil
	}
}

// Filtered returns the number of speech intervals discarded for being
// shorter than min_speech_duration_ms.
func (d *DebouncedVAD) Filtered() int {
	return d.filtered
}

func (d *DebouncedVAD) Name() string { return "debounced(" + d.inner.Name() + ")" }

func (d *DebouncedVAD) Reset() {
	d.inner.Reset()
	d.lastEventAt = time.Time{}
	d.speechStartAt = time.Time{}
	d.pendingStart = false
}

func (d *DebouncedVAD) Clone() VADProvider {
	return &DebouncedVAD{
		inner:        d.inner.Clone(),
		debounce:     d.debounce,
		minSpeechDur: d.minSpeechDur,
	}
}
