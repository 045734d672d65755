package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of one call.
type Status string

const (
	StatusInitiating  Status = "initiating"
	StatusListening   Status = "listening"
	StatusResponding  Status = "responding"
	StatusInterrupted Status = "interrupted"
	StatusEnding      Status = "ending"
	StatusClosed      Status = "closed"
	StatusFailed      Status = "failed"
)

// Intent is the running classification of what the caller wants.
type Intent string

const (
	IntentUnknown    Intent = "unknown"
	IntentBooking    Intent = "booking"
	IntentReschedule Intent = "reschedule"
	IntentCancel     Intent = "cancel"
	IntentInquiry    Intent = "inquiry"
	IntentHandoff    Intent = "handoff"
)

// Speaker identifies who produced a conversation turn.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerSystem Speaker = "system"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotResponding     = errors.New("session is not responding")
)

// validTransitions is the edge table for the call state machine. Failed is
// reachable from any non-terminal state and handled separately.
var validTransitions = map[Status][]Status{
	StatusInitiating:  {StatusListening, StatusEnding},
	StatusListening:   {StatusResponding, StatusEnding},
	StatusResponding:  {StatusListening, StatusInterrupted, StatusEnding},
	StatusInterrupted: {StatusListening, StatusEnding},
	StatusEnding:      {StatusClosed},
}

// Turn is one utterance in the conversation. Immutable once appended.
type Turn struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	// FirstSeq/LastSeq reference the audio frames behind a caller turn.
	FirstSeq uint64 `json:"first_seq,omitempty"`
	LastSeq  uint64 `json:"last_seq,omitempty"`
}

// AppointmentContext carries booking details accumulated across turns.
type AppointmentContext struct {
	ServiceType  string    `json:"service_type,omitempty"`
	ProposedTime time.Time `json:"proposed_time,omitempty"`
	Confirmed    bool      `json:"confirmed"`
	Notes        string    `json:"notes,omitempty"`
}

// Session is the authoritative mutable record of one call: history,
// detected intent, booking context, and lifecycle status. Exactly one
// Session exists per live connection; the owning Connection serializes
// mutation through the internal lock.
type Session struct {
	mu sync.Mutex

	callSID    string
	streamID   string
	fromNumber string
	toNumber   string

	status      Status
	turns       []Turn
	intent      Intent
	appointment AppointmentContext

	createdAt     time.Time
	updatedAt     time.Time
	endedAt       time.Time
	interruptions int
	turnLatencies []time.Duration
}

// New creates a Session in the Initiating state.
func New(callSID, streamID, fromNumber, toNumber string) *Session {
	now := time.Now()
	return &Session{
		callSID:    callSID,
		streamID:   streamID,
		fromNumber: fromNumber,
		toNumber:   toNumber,
		status:     StatusInitiating,
		intent:     IntentUnknown,
		createdAt:  now,
		updatedAt:  now,
	}
}

// Transition moves the session to the given status, enforcing the state
// machine. Failed is reachable from any non-terminal state; Closed and
// Failed are terminal.
func (s *Session) Transition(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusClosed || s.status == StatusFailed {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, s.status)
	}
	if to == StatusFailed {
		s.setStatusLocked(to)
		return nil
	}
	for _, allowed := range validTransitions[s.status] {
		if allowed == to {
			s.setStatusLocked(to)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, to)
}

func (s *Session) setStatusLocked(to Status) {
	s.status = to
	s.updatedAt = time.Now()
	if to == StatusClosed || to == StatusFailed {
		s.endedAt = s.updatedAt
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// AppendTurn adds an utterance to the conversation history. The history is
// append-only; turns are never rewritten.
func (s *Session) AppendTurn(turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	s.turns = append(s.turns, turn)
	s.updatedAt = time.Now()
}

// History returns a copy of the conversation turns in order.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// SetIntent overwrites the detected intent. Intent mutations are driven by
// the response stage and only permitted while responding.
func (s *Session) SetIntent(intent Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusResponding {
		return fmt.Errorf("%w: cannot set intent in %s", ErrNotResponding, s.status)
	}
	if intent != IntentUnknown {
		s.intent = intent
		s.updatedAt = time.Now()
	}
	return nil
}

// Intent returns the current detected intent.
func (s *Session) Intent() Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intent
}

// SetAppointment overwrites the booking context, keyed by the latest turn.
// Only permitted while responding.
func (s *Session) SetAppointment(appointment AppointmentContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusResponding {
		return fmt.Errorf("%w: cannot set appointment in %s", ErrNotResponding, s.status)
	}
	s.appointment = appointment
	s.updatedAt = time.Now()
	return nil
}

// Appointment returns the current booking context.
func (s *Session) Appointment() AppointmentContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appointment
}

// RecordInterruption counts a caller barge-in.
func (s *Session) RecordInterruption() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptions++
	s.updatedAt = time.Now()
}

// RecordTurnLatency stores one end-to-end turn latency sample.
func (s *Session) RecordTurnLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnLatencies = append(s.turnLatencies, d)
}

// CallSID returns the signaling-layer call identifier.
func (s *Session) CallSID() string { return s.callSID }

// StreamID returns the media-stream identifier.
func (s *Session) StreamID() string { return s.streamID }

// MaskedFrom returns the caller number in masked form. Raw numbers never
// leave the pipeline.
func (s *Session) MaskedFrom() string { return MaskNumber(s.fromNumber) }

// MaskedTo returns the callee number in masked form.
func (s *Session) MaskedTo() string { return MaskNumber(s.toNumber) }

// FromNumber returns the raw caller number for collaborators inside the
// pipeline boundary (SMS confirmations).
func (s *Session) FromNumber() string { return s.fromNumber }

// Snapshot is a read-only view of the session for logging and reporting.
type Snapshot struct {
	CallSID       string             `json:"call_sid"`
	StreamID      string             `json:"stream_id"`
	From          string             `json:"from"`
	To            string             `json:"to"`
	Status        Status             `json:"status"`
	Intent        Intent             `json:"intent"`
	Appointment   AppointmentContext `json:"appointment"`
	Turns         []Turn             `json:"turns"`
	Interruptions int                `json:"interruptions"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	Duration      time.Duration      `json:"duration"`
	TurnLatencies []time.Duration    `json:"turn_latencies"`
}

// Snapshot returns a consistent copy of the session with masked numbers.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := s.endedAt
	if end.IsZero() {
		end = time.Now()
	}
	turns := make([]Turn, len(s.turns))
	copy(turns, s.turns)
	latencies := make([]time.Duration, len(s.turnLatencies))
	copy(latencies, s.turnLatencies)

	return Snapshot{
		CallSID:       s.callSID,
		StreamID:      s.streamID,
		From:          MaskNumber(s.fromNumber),
		To:            MaskNumber(s.toNumber),
		Status:        s.status,
		Intent:        s.intent,
		Appointment:   s.appointment,
		Turns:         turns,
		Interruptions: s.interruptions,
		CreatedAt:     s.createdAt,
		UpdatedAt:     s.updatedAt,
		Duration:      end.Sub(s.createdAt),
		TurnLatencies: latencies,
	}
}

// MaskNumber hides all but the last four digits of a phone number.
func MaskNumber(number string) string {
	digits := 0
	for _, r := range number {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits <= 4 {
		return "***"
	}
	seen := 0
	masked := make([]rune, 0, len(number))
	for _, r := range number {
		if r >= '0' && r <= '9' {
			seen++
			if seen > digits-4 {
				masked = append(masked, r)
				continue
			}
			masked = append(masked, '*')
			continue
		}
		masked = append(masked, r)
	}
	return string(masked)
}
