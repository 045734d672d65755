package pipeline

import "time"

// Frame is one chunk of 16-bit PCM audio received from the transport.
// Frames are produced by the receive loop, consumed exclusively by the
// AudioBuffer, and discarded after hand-off to recognition.
type Frame struct {
	Payload    []byte
	SampleRate int
	Duration   time.Duration
	Seq        uint64
}

// VADState classifies the rolling audio window.
type VADState int

const (
	Silence VADState = iota
	Speech
)

func (s VADState) String() string {
	if s == Speech {
		return "speech"
	}
	return "silence"
}
