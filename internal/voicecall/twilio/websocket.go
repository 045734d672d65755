package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"voice-server/internal/observability"
	"voice-server/internal/voice/audio"
	"voice-server/internal/voice/pipeline"

	"github.com/gorilla/websocket"
)

// ErrStreamClosed is returned by Receive once the caller hangs up and the
// media stream sends its stop event.
var ErrStreamClosed = errors.New("media stream closed")

// MediaEvent is the envelope Twilio sends over the media-stream websocket.
type MediaEvent struct {
	Event string `json:"event"`
	Start struct {
		StreamSid string `json:"streamSid"`
		CallSid   string `json:"callSid"`
	} `json:"start,omitempty"`
	Media struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Stop struct {
		StreamSid string `json:"streamSid"`
	} `json:"stop,omitempty"`
	Mark struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

// Transport wraps one media-stream websocket. Reads are single-goroutine by
// contract (the owning connection's receive loop); writes are serialized
// through the mutex so playback and control events can come from anywhere.
// Outbound writes need the stream identifier from the start event, so they
// block until it arrives.
type Transport struct {
	conn   *websocket.Conn
	logger *observability.Logger

	writeMutex sync.Mutex
	mu         sync.Mutex
	streamSid  string
	callSid    string
	started    chan struct{}
	startOnce  sync.Once
	seq        uint64
	lastUnixNs atomic.Int64
}

func NewTransport(conn *websocket.Conn, logger *observability.Logger) *Transport {
	t := &Transport{conn: conn, logger: logger, started: make(chan struct{})}
	t.touch()
	return t
}

func (t *Transport) touch() {
	t.lastUnixNs.Store(time.Now().UnixNano())
}

// LastActivity reports when the stream last produced an inbound event. The
// idle reaper uses it to cull abandoned connections.
func (t *Transport) LastActivity() time.Time {
	return time.Unix(0, t.lastUnixNs.Load())
}

// StreamSID returns the media stream identifier, empty until the start event
// arrives.
func (t *Transport) StreamSID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamSid
}

// CallSID returns the signaling call identifier, empty until the start event.
func (t *Transport) CallSID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callSid
}

// awaitStart blocks until the start event has announced the stream, then
// returns its identifier.
func (t *Transport) awaitStart(ctx context.Context) (string, error) {
	select {
	case <-t.started:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamSid, nil
}

// Receive blocks for the next audio frame. Start and mark events are
// consumed internally; a stop event or closed socket yields ErrStreamClosed.
func (t *Transport) Receive(ctx context.Context) (pipeline.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return pipeline.Frame{}, err
		}

		_, msg, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return pipeline.Frame{}, ErrStreamClosed
			}
			return pipeline.Frame{}, fmt.Errorf("media stream read error: %w", err)
		}
		t.touch()

		var event MediaEvent
		if err := json.Unmarshal(msg, &event); err != nil {
			t.logger.Error(ctx, "Failed to parse media stream event", err)
			continue
		}

		switch event.Event {
		case "start":
			t.mu.Lock()
			t.streamSid = event.Start.StreamSid
			t.callSid = event.Start.CallSid
			t.mu.Unlock()
			t.startOnce.Do(func() { close(t.started) })
			t.logger.Info(ctx, fmt.Sprintf("Media stream started: %s", event.Start.StreamSid))

		case "media":
			payload, err := audio.Base64ToBytes(event.Media.Payload)
			if err != nil {
				t.logger.Error(ctx, "Failed to decode audio payload", err)
				continue
			}
			t.seq++
			// One mu-law byte per sample; decode to PCM16 for the pipeline.
			return pipeline.Frame{
				Payload:    audio.DecodeMuLaw(payload),
				SampleRate: 8000,
				Duration:   time.Duration(len(payload)) * time.Second / 8000,
				Seq:        t.seq,
			}, nil

		case "mark":
			t.logger.Debug(ctx, fmt.Sprintf("Playback mark reached: %s", event.Mark.Name))

		case "stop":
			t.logger.Info(ctx, fmt.Sprintf("Media stream stopped: %s", event.Stop.StreamSid))
			return pipeline.Frame{}, ErrStreamClosed

		default:
			t.logger.Debug(ctx, fmt.Sprintf("Unknown media stream event: %s", event.Event))
		}
	}
}

// Send pushes one mu-law chunk to the caller. It waits for the start event
// when playback gets ahead of the stream announcing itself.
func (t *Transport) Send(ctx context.Context, mulaw []byte) error {
	streamSid, err := t.awaitStart(ctx)
	if err != nil {
		return err
	}
	msg := map[string]interface{}{
		"event":     "media",
		"streamSid": streamSid,
		"media": map[string]string{
			"payload": audio.BytesToBase64(mulaw),
		},
	}
	return t.writeJSON(ctx, msg)
}

// SendMark asks Twilio to echo the mark back once everything queued before it
// has been played.
func (t *Transport) SendMark(ctx context.Context, name string) error {
	streamSid, err := t.awaitStart(ctx)
	if err != nil {
		return err
	}
	msg := map[string]interface{}{
		"event":     "mark",
		"streamSid": streamSid,
		"mark":      map[string]string{"name": name},
	}
	return t.writeJSON(ctx, msg)
}

// Clear flushes Twilio's playback queue. Used on barge-in so the caller
// stops hearing the interrupted reply immediately.
func (t *Transport) Clear(ctx context.Context) error {
	streamSid, err := t.awaitStart(ctx)
	if err != nil {
		return err
	}
	msg := map[string]interface{}{
		"event":     "clear",
		"streamSid": streamSid,
	}
	return t.writeJSON(ctx, msg)
}

func (t *Transport) writeJSON(ctx context.Context, msg map[string]interface{}) error {
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal media stream message: %w", err)
	}

	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()
	if err := t.conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
		t.logger.Error(ctx, "Failed to write to media stream", err)
		return err
	}
	return nil
}

// Close sends a close frame and tears down the socket. Safe to call more
// than once.
func (t *Transport) Close() error {
	t.writeMutex.Lock()
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMutex.Unlock()
	return t.conn.Close()
}
