package audio

import (
	"encoding/base64"
	"math"
)

// Package audio provides audio format conversion and signal measurement
// helpers for the 8kHz mu-law telephony stream.

// DecodeMuLaw converts 8-bit mu-law samples to 16-bit little-endian PCM at
// the same sample rate.
func DecodeMuLaw(mulaw []byte) []byte {
	pcm := make([]byte, len(mulaw)*2)
	for i, mulawByte := range mulaw {
		sample := mulawToLinear(mulawByte)
		// Little-endian 16-bit PCM
		pcm[i*2] = byte(sample)
		pcm[i*2+1] = byte(sample >> 8)
	}
	return pcm
}

// EncodeMuLaw converts 16-bit little-endian PCM samples to 8-bit mu-law.
func EncodeMuLaw(pcm []byte) []byte {
	mulaw := make([]byte, len(pcm)/2)
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		mulaw[i/2] = linearToMulaw(sample)
	}
	return mulaw
}

func Base64ToBytes(base64String string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64String)
}

func BytesToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// RMS returns the normalized root-mean-square energy of 16-bit
// little-endian PCM audio, in the range [0, 1].
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(samples)) / 32767.0
}

// ZeroCrossingRate returns the fraction of adjacent sample pairs whose sign
// differs, in the range [0, 1]. High-frequency content such as fricatives
// shows a high rate even at low energy.
func ZeroCrossingRate(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples < 2 {
		return 0
	}
	crossings := 0
	prev := int16(pcm[0]) | int16(pcm[1])<<8
	for i := 1; i < samples; i++ {
		cur := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		if (prev < 0) != (cur < 0) {
			crossings++
		}
		prev = cur
	}
	return float64(crossings) / float64(samples-1)
}

func mulawToLinear(mulawByte byte) int16 {
	const BIAS = 0x84

	// Invert all bits
	mulawByte = ^mulawByte

	// Extract sign, exponent, and mantissa
	sign := mulawByte & 0x80
	exponent := (mulawByte >> 4) & 0x07
	mantissa := mulawByte & 0x0F

	// Compute sample
	sample := int16(mantissa<<3 | 0x84)
	sample <<= exponent
	sample -= BIAS

	if sign != 0 {
		return -sample
	}
	return sample
}

func linearToMulaw(sample int16) byte {
	const BIAS = 0x84
	const CLIP = 32635

	sign := uint8(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}

	if sample > CLIP {
		sample = CLIP
	}

	sample += BIAS

	// Find the position of the most significant bit
	var exponent uint8
	for mask := int16(0x4000); mask != 0 && (sample&mask) == 0; mask >>= 1 {
		exponent++
	}

	mantissa := uint8((sample >> (exponent + 3)) & 0x0F)
	exponent = 7 - exponent

	return ^(sign | (exponent << 4) | mantissa)
}
