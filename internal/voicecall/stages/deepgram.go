package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"voice-server/internal/observability"

	"github.com/gorilla/websocket"
)

const deepgramListenURL = "wss://api.deepgram.com/v1/listen"

// DeepgramConfig holds configuration for one streaming recognition session.
type DeepgramConfig struct {
	Model      string // e.g. "nova-2-phonecall"
	Language   string
	SampleRate int
	// Endpointing is Deepgram's server-side silence window in ms; the
	// pipeline still does its own endpointing and only uses finals.
	Endpointing int
}

// DeepgramRecognizer streams linear16 audio over a websocket and yields
// interim/final transcript events.
type DeepgramRecognizer struct {
	apiKey string
	config DeepgramConfig
	logger *observability.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewDeepgramRecognizer(apiKey string, config DeepgramConfig, logger *observability.Logger) (*DeepgramRecognizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Deepgram API key is required")
	}
	if config.Model == "" {
		config.Model = "nova-2-phonecall"
	}
	if config.Language == "" {
		config.Language = "en"
	}
	if config.SampleRate == 0 {
		config.SampleRate = 8000
	}
	if config.Endpointing == 0 {
		config.Endpointing = 300
	}
	return &DeepgramRecognizer{apiKey: apiKey, config: config, logger: logger}, nil
}

// deepgramEvent is the subset of the streaming response the pipeline reads.
type deepgramEvent struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Start opens the websocket and begins reading transcript events. The
// returned channel closes when the stream ends or ctx is cancelled.
func (d *DeepgramRecognizer) Start(ctx context.Context) (<-chan TranscriptEvent, error) {
	query := url.Values{}
	query.Set("model", d.config.Model)
	query.Set("language", d.config.Language)
	query.Set("encoding", "linear16")
	query.Set("sample_rate", fmt.Sprintf("%d", d.config.SampleRate))
	query.Set("channels", "1")
	query.Set("interim_results", "true")
	query.Set("punctuate", "true")
	query.Set("endpointing", fmt.Sprintf("%d", d.config.Endpointing))

	dialer := websocket.Dialer{}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	conn, _, err := dialer.DialContext(ctx, deepgramListenURL+"?"+query.Encode(), headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	events := make(chan TranscriptEvent, 16)

	// Keepalive loop: Deepgram closes idle streams without it.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.mu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
				d.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer close(events)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					d.logger.Error(ctx, "Deepgram read error", err)
				}
				return
			}

			var event deepgramEvent
			if err := json.Unmarshal(msg, &event); err != nil {
				d.logger.Error(ctx, "Failed to parse Deepgram event", err)
				continue
			}
			if len(event.Channel.Alternatives) == 0 {
				continue
			}
			alt := event.Channel.Alternatives[0]
			if alt.Transcript == "" {
				continue
			}

			select {
			case events <- TranscriptEvent{Text: alt.Transcript, Final: event.IsFinal, Confidence: alt.Confidence}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

// SendAudio forwards one PCM window as a binary frame.
func (d *DeepgramRecognizer) SendAudio(ctx context.Context, pcm []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return fmt.Errorf("recognition stream not started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

// Close signals end of audio and closes the stream.
func (d *DeepgramRecognizer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	// Best effort: tell Deepgram the stream is done before closing.
	_ = d.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	err := d.conn.Close()
	d.conn = nil
	return err
}
