package audio

import (
	"math"
	"testing"
)

func pcmFromSamples(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

// sinePCM generates one second of a sine tone at the given frequency and
// amplitude, sampled at 8kHz.
func sinePCM(freq float64, amplitude int16) []byte {
	const rate = 8000
	samples := make([]int16, rate)
	for i := range samples {
		samples[i] = int16(float64(amplitude) * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return pcmFromSamples(samples)
}

func TestMuLawRoundTrip(t *testing.T) {
	original := pcmFromSamples([]int16{0, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000})

	decoded := DecodeMuLaw(EncodeMuLaw(original))

	if len(decoded) != len(original) {
		t.Fatalf("expected %d bytes, got %d", len(original), len(decoded))
	}
	for i := 0; i < len(original); i += 2 {
		want := int16(original[i]) | int16(original[i+1])<<8
		got := int16(decoded[i]) | int16(decoded[i+1])<<8
		diff := int32(want) - int32(got)
		if diff < 0 {
			diff = -diff
		}
		// mu-law is lossy; error grows with amplitude but stays within
		// one quantization step
		limit := int32(want)/16 + 64
		if limit < 0 {
			limit = -limit
		}
		if diff > limit {
			t.Errorf("sample %d: want %d, got %d (diff %d)", i/2, want, got, diff)
		}
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("expected 0 RMS for empty input, got %f", got)
	}
	if got := RMS(pcmFromSamples(make([]int16, 160))); got != 0 {
		t.Errorf("expected 0 RMS for silence, got %f", got)
	}

	loud := RMS(sinePCM(400, 16000))
	quiet := RMS(sinePCM(400, 100))
	if loud <= quiet {
		t.Errorf("expected louder signal to have higher RMS: loud=%f quiet=%f", loud, quiet)
	}
	if quiet >= 0.01 {
		t.Errorf("expected near-silent tone below default threshold, got %f", quiet)
	}
	if loud < 0.2 {
		t.Errorf("expected loud tone well above threshold, got %f", loud)
	}
}

func TestZeroCrossingRate(t *testing.T) {
	low := ZeroCrossingRate(sinePCM(100, 16000))
	high := ZeroCrossingRate(sinePCM(3000, 16000))
	if high <= low {
		t.Errorf("expected higher ZCR for higher frequency: high=%f low=%f", high, low)
	}
	if got := ZeroCrossingRate(pcmFromSamples([]int16{5})); got != 0 {
		t.Errorf("expected 0 ZCR for single sample, got %f", got)
	}
}

func TestBase64RoundTrip(t *testing.T) {
	payload := []byte{0x00, 0x7f, 0x80, 0xff}
	decoded, err := Base64ToBytes(BytesToBase64(payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(decoded) != string(payload) {
		t.Errorf("round trip mismatch: %v != %v", decoded, payload)
	}
}
