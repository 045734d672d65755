package pipeline

import (
	"sync"
	"time"

	"voice-server/internal/voice/audio"
)

// BufferConfig holds AudioBuffer tunables. Durations describe audio time,
// derived from frame durations, not wall clock.
type BufferConfig struct {
	WindowDuration   time.Duration // aggregation target before hand-off to STT
	SilenceThreshold float64       // normalized RMS below which a frame is silence
	ZeroCrossingMin  float64       // ZCR above which a low-energy frame still counts as speech
	MinSilence       time.Duration // sustained silence confirming end of utterance
	SpeechDebounce   time.Duration // sustained speech confirming a real utterance
	MaxBytes         int           // byte ceiling; oldest frames are evicted past it
}

// DefaultBufferConfig returns the tuning used for 8kHz telephony audio.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		WindowDuration:   200 * time.Millisecond,
		SilenceThreshold: 0.01,
		ZeroCrossingMin:  0.25,
		MinSilence:       500 * time.Millisecond,
		SpeechDebounce:   300 * time.Millisecond,
		MaxBytes:         640 * 1024,
	}
}

type bufferedFrame struct {
	frame  Frame
	speech bool
}

// AudioBuffer accumulates inbound audio frames, runs voice activity
// detection, and releases aggregated windows for recognition. Push never
// blocks or fails: past the byte ceiling the oldest frames are evicted and
// counted, never surfaced as an error.
type AudioBuffer struct {
	mu     sync.Mutex
	config BufferConfig

	frames     []bufferedFrame
	bytes      int
	hasSpeech  bool
	endpointed bool

	state      VADState
	speechRun  time.Duration
	silenceRun time.Duration

	lastSpeechAt  time.Time
	lastSilenceAt time.Time

	received  uint64
	drained   uint64
	overflow  uint64
	endpoints uint64

	now func() time.Time
}

// NewAudioBuffer creates an AudioBuffer with the given configuration.
func NewAudioBuffer(config BufferConfig) *AudioBuffer {
	return &AudioBuffer{
		config: config,
		now:    time.Now,
	}
}

// Push appends a frame and updates VAD state. Silence frames arriving
// outside an utterance carry nothing for recognition and are dropped.
func (b *AudioBuffer) Push(frame Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.received++
	speech := b.classify(frame.Payload)

	if speech {
		b.speechRun += frame.Duration
		b.silenceRun = 0
		b.lastSpeechAt = b.now()
		if b.state == Silence && b.speechRun >= b.config.SpeechDebounce {
			b.state = Speech
		}
	} else {
		b.silenceRun += frame.Duration
		b.speechRun = 0
		b.lastSilenceAt = b.now()
		if b.state == Speech && b.silenceRun >= b.config.MinSilence {
			b.state = Silence
			if b.hasSpeech {
				b.endpointed = true
				b.endpoints++
			}
			return
		}
		if b.state == Silence {
			// Not inside an utterance; nothing to hold for recognition.
			return
		}
	}

	b.frames = append(b.frames, bufferedFrame{frame: frame, speech: speech})
	b.bytes += len(frame.Payload)
	b.hasSpeech = b.hasSpeech || speech

	for b.bytes > b.config.MaxBytes && len(b.frames) > 0 {
		b.bytes -= len(b.frames[0].frame.Payload)
		b.frames = b.frames[1:]
		b.overflow++
	}
}

// Drain returns and clears all buffered frames once a full aggregation
// window has accumulated, or immediately after a speech-to-silence
// transition. It returns nil when neither has happened. Frames come back
// in sequence order; on endpointing the trailing silence is trimmed.
func (b *AudioBuffer) Drain() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) == 0 || !b.hasSpeech {
		b.endpointed = false
		return nil
	}

	if b.endpointed {
		last := len(b.frames) - 1
		for last >= 0 && !b.frames[last].speech {
			last--
		}
		if last < 0 {
			// The speech was already drained on a window boundary; only
			// trailing silence is left.
			b.clearLocked()
			return nil
		}
		out := b.take(last + 1)
		b.clearLocked()
		return out
	}

	if b.bufferedDurationLocked() >= b.config.WindowDuration {
		out := b.take(len(b.frames))
		b.frames = nil
		b.bytes = 0
		b.hasSpeech = b.state == Speech
		return out
	}

	return nil
}

// Reset clears buffered frames and VAD state at a turn boundary. Cumulative
// counters survive for post-call reporting.
func (b *AudioBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearLocked()
	b.state = Silence
	b.speechRun = 0
	b.silenceRun = 0
}

// State returns the current VAD classification.
func (b *AudioBuffer) State() VADState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OverflowCount returns the number of frames evicted due to the byte
// ceiling.
func (b *AudioBuffer) OverflowCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflow
}

// BufferedBytes returns the current queue size in bytes.
func (b *AudioBuffer) BufferedBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

// LastSpeech returns when a speech frame was last observed.
func (b *AudioBuffer) LastSpeech() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSpeechAt
}

// LastSilence returns when a silence frame was last observed.
func (b *AudioBuffer) LastSilence() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSilenceAt
}

// BufferStats is a snapshot of buffer counters.
type BufferStats struct {
	Received       uint64
	Drained        uint64
	Overflow       uint64
	Endpoints      uint64
	BufferedBytes  int
	BufferedFrames int
	State          VADState
}

// Stats returns a snapshot of the buffer counters.
func (b *AudioBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Received:       b.received,
		Drained:        b.drained,
		Overflow:       b.overflow,
		Endpoints:      b.endpoints,
		BufferedBytes:  b.bytes,
		BufferedFrames: len(b.frames),
		State:          b.state,
	}
}

func (b *AudioBuffer) classify(pcm []byte) bool {
	rms := audio.RMS(pcm)
	if rms >= b.config.SilenceThreshold {
		return true
	}
	// Low energy but high-frequency content: keep fricatives from being
	// clipped off word endings.
	return rms >= b.config.SilenceThreshold/2 && audio.ZeroCrossingRate(pcm) >= b.config.ZeroCrossingMin
}

func (b *AudioBuffer) bufferedDurationLocked() time.Duration {
	var total time.Duration
	for _, f := range b.frames {
		total += f.frame.Duration
	}
	return total
}

func (b *AudioBuffer) take(n int) []Frame {
	out := make([]Frame, 0, n)
	for _, f := range b.frames[:n] {
		out = append(out, f.frame)
	}
	b.drained += uint64(n)
	return out
}

func (b *AudioBuffer) clearLocked() {
	b.frames = nil
	b.bytes = 0
	b.hasSpeech = false
	b.endpointed = false
}
