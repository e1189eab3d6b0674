package audio

import "time"

// Frame is one slice of audio in a declared codec.
type Frame struct {
	Payload   []byte
	Codec     Codec
	Timestamp time.Time
	Duration  time.Duration
}

// NewFrame wraps payload with a codec descriptor and the current time.
func NewFrame(payload []byte, codec Codec, duration time.Duration) Frame {
	return Frame{
		Payload:   payload,
		Codec:     codec,
		Timestamp: time.Now(),
		Duration:  duration,
	}
}

// Validate reports a reason the frame should be rejected, or "" if it is
// well-formed (non-empty payload, size consistent with its codec/duration).
func (f Frame) Validate() string {
	if len(f.Payload) == 0 {
		return "empty payload"
	}
	if f.Duration <= 0 {
		return "non-positive duration"
	}
	expected := BytesPerFrame(f.Codec, int(f.Duration.Milliseconds()))
	if expected > 0 && len(f.Payload) != expected {
		return "payload size does not match codec/duration"
	}
	return ""
}
