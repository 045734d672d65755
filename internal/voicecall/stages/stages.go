package stages

import (
	"context"
	"errors"
	"time"

	"voice-server/internal/voicecall/session"
)

// Package stages defines the contracts for the external pipeline
// collaborators: speech recognition, response generation, speech synthesis,
// calendar booking, and the observability sink. The pipeline core depends
// only on these interfaces.

var (
	// ErrBookingConflict is data for the response stage, not a fatal
	// error: the caller is re-prompted for another time.
	ErrBookingConflict = errors.New("booking conflict")
)

// TranscriptEvent is one recognition result. Only final events drive the
// orchestrator; interim events exist for observability.
type TranscriptEvent struct {
	Text       string
	Final      bool
	Confidence float64
}

// Recognizer is a streaming speech-to-text session for one call.
type Recognizer interface {
	// Start opens the recognition stream. Events are delivered on the
	// returned channel until the stream or ctx ends.
	Start(ctx context.Context) (<-chan TranscriptEvent, error)
	// SendAudio forwards one aggregated PCM window to the recognizer.
	SendAudio(ctx context.Context, pcm []byte) error
	Close() error
}

// Reply is the structured output of the response stage.
type Reply struct {
	Text        string
	Intent      session.Intent
	Appointment *session.AppointmentContext
}

// Responder generates the next system reply from a finalized transcript and
// the running conversation context. Implementations must honor ctx
// cancellation promptly.
type Responder interface {
	Generate(ctx context.Context, transcript string, history []session.Turn, appointment session.AppointmentContext) (Reply, error)
}

// Synthesizer converts reply text into a stream of transport-ready audio
// chunks. The channel closes when synthesis completes or ctx is cancelled.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)
}

// TimeWindow brackets an availability query.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// Slot is one bookable opening.
type Slot struct {
	Start time.Time
	End   time.Time
}

// BookingDetails carries what the calendar needs to create an event.
type BookingDetails struct {
	ServiceType  string
	CallerNumber string
	Notes        string
}

// Confirmation identifies a created booking.
type Confirmation struct {
	EventID string
	Start   time.Time
}

// Calendar is the external booking collaborator.
type Calendar interface {
	CheckAvailability(ctx context.Context, window TimeWindow) ([]Slot, error)
	Book(ctx context.Context, slot Slot, details BookingDetails) (Confirmation, error)
}

// Sink receives per-stage latency observations. Implementations must never
// block the pipeline.
type Sink interface {
	Emit(callID, stage string, duration time.Duration, breached bool)
}
