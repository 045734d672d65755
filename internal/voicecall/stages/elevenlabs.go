package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"voice-server/internal/observability"
)

const elevenLabsBaseURL = "https://api.elevenlabs.io/v1"

// ttsChunkSize is one 20ms frame of 8kHz mu-law.
const ttsChunkSize = 160

// ElevenLabsConfig holds synthesis settings for one voice.
type ElevenLabsConfig struct {
	VoiceID string
	ModelID string // e.g. "eleven_turbo_v2_5"
	// OutputFormat must stay ulaw_8000 so chunks go straight to the
	// telephony stream without resampling.
	OutputFormat string
}

// ElevenLabsSynthesizer streams synthesized speech over chunked HTTP and
// yields transport-ready mu-law frames.
type ElevenLabsSynthesizer struct {
	apiKey     string
	config     ElevenLabsConfig
	httpClient *http.Client
	logger     *observability.Logger
}

func NewElevenLabsSynthesizer(apiKey string, config ElevenLabsConfig, logger *observability.Logger) (*ElevenLabsSynthesizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("ElevenLabs API key is required")
	}
	if config.VoiceID == "" {
		return nil, fmt.Errorf("ElevenLabs voice ID is required")
	}
	if config.ModelID == "" {
		config.ModelID = "eleven_turbo_v2_5"
	}
	if config.OutputFormat == "" {
		config.OutputFormat = "ulaw_8000"
	}
	return &ElevenLabsSynthesizer{
		apiKey:     apiKey,
		config:     config,
		httpClient: &http.Client{},
		logger:     logger,
	}, nil
}

type elevenLabsRequest struct {
	Text          string `json:"text"`
	ModelID       string `json:"model_id"`
	VoiceSettings struct {
		Stability       float64 `json:"stability"`
		SimilarityBoost float64 `json:"similarity_boost"`
	} `json:"voice_settings"`
}

// Synthesize streams audio for the given text. The returned channel closes
// when synthesis completes, fails, or ctx is cancelled; cancelling ctx aborts
// the underlying request mid-stream.
func (e *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	reqBody := elevenLabsRequest{Text: text, ModelID: e.config.ModelID}
	reqBody.VoiceSettings.Stability = 0.5
	reqBody.VoiceSettings.SimilarityBoost = 0.75

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=%s",
		elevenLabsBaseURL, e.config.VoiceID, e.config.OutputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesis request: %w", err)
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ElevenLabs request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("ElevenLabs error %d: %s", resp.StatusCode, string(respBody))
	}

	chunks := make(chan []byte, 32)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		buf := make([]byte, ttsChunkSize)
		for {
			n, err := io.ReadFull(resp.Body, buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF && err != io.ErrUnexpectedEOF && ctx.Err() == nil {
					e.logger.Error(ctx, "ElevenLabs stream read error", err)
				}
				return
			}
		}
	}()

	return chunks, nil
}
