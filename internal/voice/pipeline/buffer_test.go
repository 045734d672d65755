package pipeline

import (
	"math"
	"testing"
	"time"
)

func testBufferConfig() BufferConfig {
	return BufferConfig{
		WindowDuration:   200 * time.Millisecond,
		SilenceThreshold: 0.01,
		ZeroCrossingMin:  0.25,
		MinSilence:       250 * time.Millisecond,
		SpeechDebounce:   80 * time.Millisecond,
		MaxBytes:         64 * 1024,
	}
}

// speechFrame is 40ms of a loud 400Hz tone at 8kHz.
func speechFrame(seq uint64) Frame {
	const samples = 320
	payload := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		s := int16(16000 * math.Sin(2*math.Pi*400*float64(i)/8000))
		payload[i*2] = byte(s)
		payload[i*2+1] = byte(s >> 8)
	}
	return Frame{Payload: payload, SampleRate: 8000, Duration: 40 * time.Millisecond, Seq: seq}
}

// silenceFrame is 40ms of zeros.
func silenceFrame(seq uint64) Frame {
	return Frame{Payload: make([]byte, 640), SampleRate: 8000, Duration: 40 * time.Millisecond, Seq: seq}
}

func TestDrainOnEndpoint(t *testing.T) {
	b := NewAudioBuffer(testBufferConfig())

	seq := uint64(0)
	for i := 0; i < 5; i++ {
		b.Push(speechFrame(seq))
		seq++
	}
	// 300ms of silence crosses the 250ms endpoint threshold.
	for i := 0; i < 8; i++ {
		b.Push(silenceFrame(seq))
		seq++
	}

	frames := b.Drain()
	if len(frames) != 5 {
		t.Fatalf("expected 5 speech frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f.Seq != uint64(i) {
			t.Errorf("frame %d out of order: seq %d", i, f.Seq)
		}
	}
	if b.State() != Silence {
		t.Errorf("expected Silence after endpoint, got %v", b.State())
	}

	if got := b.Drain(); len(got) != 0 {
		t.Errorf("expected empty drain after endpoint, got %d frames", len(got))
	}

	// Trailing silence outside an utterance never accumulates.
	b.Push(silenceFrame(seq))
	if got := b.Drain(); len(got) != 0 {
		t.Errorf("expected empty drain for silence-only input, got %d frames", len(got))
	}
}

func TestDrainOnAggregationWindow(t *testing.T) {
	b := NewAudioBuffer(testBufferConfig())

	// Four 40ms frames are below the 200ms window.
	for i := 0; i < 4; i++ {
		b.Push(speechFrame(uint64(i)))
	}
	if got := b.Drain(); got != nil {
		t.Fatalf("expected nil below window, got %d frames", len(got))
	}

	b.Push(speechFrame(4))
	frames := b.Drain()
	if len(frames) != 5 {
		t.Fatalf("expected 5 frames at window, got %d", len(frames))
	}

	if got := b.Drain(); len(got) != 0 {
		t.Errorf("expected empty drain until new frames arrive, got %d", len(got))
	}
}

func TestEndpointAfterWindowDrainReturnsNil(t *testing.T) {
	b := NewAudioBuffer(testBufferConfig())

	seq := uint64(0)
	for i := 0; i < 5; i++ {
		b.Push(speechFrame(seq))
		seq++
	}
	if got := b.Drain(); len(got) != 5 {
		t.Fatalf("expected window drain of 5 frames, got %d", len(got))
	}

	// The endpoint arrives after the speech already left on the window
	// boundary, so only trailing silence is buffered.
	for i := 0; i < 7; i++ {
		b.Push(silenceFrame(seq))
		seq++
	}
	if b.State() != Silence {
		t.Fatalf("expected Silence after endpoint, got %v", b.State())
	}
	if got := b.Drain(); got != nil {
		t.Errorf("expected nil drain for silence-only tail, got %d frames", len(got))
	}
	if got := b.BufferedBytes(); got != 0 {
		t.Errorf("expected buffer cleared, got %d bytes", got)
	}
}

func TestSubDebounceBlipDoesNotEndpoint(t *testing.T) {
	b := NewAudioBuffer(testBufferConfig())

	// A single 40ms blip is shorter than the 80ms debounce.
	b.Push(speechFrame(0))
	for i := 1; i < 10; i++ {
		b.Push(silenceFrame(uint64(i)))
	}

	if b.State() != Silence {
		t.Errorf("expected Silence after blip, got %v", b.State())
	}
	if got := b.Drain(); len(got) != 0 {
		t.Errorf("expected no drain for sub-debounce blip, got %d frames", len(got))
	}
}

func TestOverflowEvictsOldestFIFO(t *testing.T) {
	cfg := testBufferConfig()
	cfg.MaxBytes = 640 * 3 // room for three frames
	cfg.WindowDuration = 120 * time.Millisecond
	b := NewAudioBuffer(cfg)

	for i := 0; i < 5; i++ {
		b.Push(speechFrame(uint64(i)))
	}

	if got := b.OverflowCount(); got != 2 {
		t.Fatalf("expected overflow count 2, got %d", got)
	}
	if got := b.BufferedBytes(); got > cfg.MaxBytes {
		t.Fatalf("buffer exceeds ceiling: %d > %d", got, cfg.MaxBytes)
	}

	frames := b.Drain()
	if len(frames) != 3 {
		t.Fatalf("expected 3 surviving frames, got %d", len(frames))
	}
	if frames[0].Seq != 2 {
		t.Errorf("expected oldest frames evicted first, first surviving seq = %d", frames[0].Seq)
	}
}

func TestResetClearsStateKeepsCounters(t *testing.T) {
	cfg := testBufferConfig()
	cfg.MaxBytes = 640
	b := NewAudioBuffer(cfg)

	for i := 0; i < 3; i++ {
		b.Push(speechFrame(uint64(i)))
	}
	overflowBefore := b.OverflowCount()
	if overflowBefore == 0 {
		t.Fatal("expected overflow before reset")
	}

	b.Reset()

	if got := b.BufferedBytes(); got != 0 {
		t.Errorf("expected empty buffer after reset, got %d bytes", got)
	}
	if b.State() != Silence {
		t.Errorf("expected Silence after reset, got %v", b.State())
	}
	if got := b.OverflowCount(); got != overflowBefore {
		t.Errorf("expected overflow counter preserved, got %d want %d", got, overflowBefore)
	}
	if got := b.Drain(); got != nil {
		t.Errorf("expected nil drain after reset, got %d frames", len(got))
	}
}
