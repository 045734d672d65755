package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voice-server/internal/voicecall/session"

	"github.com/google/uuid"
)

// CallRecord is the persisted summary of one finished call. Phone numbers
// are stored masked; the transcript is encrypted at rest.
type CallRecord struct {
	ID                  uuid.UUID      `db:"id"`
	CallSID             string         `db:"call_sid"`
	StreamID            string         `db:"stream_id"`
	FromMasked          string         `db:"from_masked"`
	ToMasked            string         `db:"to_masked"`
	Status              string         `db:"status"`
	Intent              string         `db:"intent"`
	DurationMS          int64          `db:"duration_ms"`
	Interruptions       int            `db:"interruptions"`
	TranscriptEncrypted []byte         `db:"transcript_encrypted"`
	ServiceType         sql.NullString `db:"service_type"`
	AppointmentAt       sql.NullTime   `db:"appointment_at"`
	AppointmentBooked   bool           `db:"appointment_booked"`
	CreatedAt           time.Time      `db:"created_at"`
}

const sqlCreateCallRecord = `
INSERT INTO call_records (call_sid, stream_id, from_masked, to_masked, status, intent,
	duration_ms, interruptions, transcript_encrypted, service_type, appointment_at, appointment_booked)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING id, call_sid, stream_id, from_masked, to_masked, status, intent,
	duration_ms, interruptions, transcript_encrypted, service_type, appointment_at, appointment_booked, created_at`

// SaveCall persists a finished call from its session snapshot.
func (s *Store) SaveCall(ctx context.Context, snap session.Snapshot) (*CallRecord, error) {
	transcript, err := json.Marshal(snap.Turns)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transcript: %w", err)
	}
	sealed, err := s.cipher.Encrypt(transcript)
	if err != nil {
		s.logger.Error(ctx, "failed to encrypt transcript", err)
		return nil, fmt.Errorf("failed to encrypt transcript: %w", err)
	}

	var serviceType sql.NullString
	if snap.Appointment.ServiceType != "" {
		serviceType = sql.NullString{String: snap.Appointment.ServiceType, Valid: true}
	}
	var appointmentAt sql.NullTime
	if !snap.Appointment.ProposedTime.IsZero() {
		appointmentAt = sql.NullTime{Time: snap.Appointment.ProposedTime, Valid: true}
	}

	var record CallRecord
	err = s.db.GetContext(ctx, &record, sqlCreateCallRecord,
		snap.CallSID, snap.StreamID, snap.From, snap.To, string(snap.Status), string(snap.Intent),
		snap.Duration.Milliseconds(), snap.Interruptions, sealed,
		serviceType, appointmentAt, snap.Appointment.Confirmed)
	if err != nil {
		s.logger.Error(ctx, "failed to save call record", err)
		return nil, fmt.Errorf("failed to save call record: %w", err)
	}
	return &record, nil
}

const sqlGetCallRecordByStreamID = `
SELECT * FROM call_records WHERE stream_id = $1`

func (s *Store) GetCallByStreamID(ctx context.Context, streamID string) (*CallRecord, error) {
	var record CallRecord
	err := s.db.GetContext(ctx, &record, sqlGetCallRecordByStreamID, streamID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get call record", err)
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}
	return &record, nil
}

const sqlListRecentCalls = `
SELECT * FROM call_records ORDER BY created_at DESC LIMIT $1`

func (s *Store) ListRecentCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []CallRecord
	err := s.db.SelectContext(ctx, &records, sqlListRecentCalls, limit)
	if err != nil {
		s.logger.Error(ctx, "failed to list call records", err)
		return nil, fmt.Errorf("failed to list call records: %w", err)
	}
	return records, nil
}

const sqlUpdateCallStatus = `
UPDATE call_records SET status = $2 WHERE call_sid = $1`

// UpdateCallStatus records the final status delivered by the signaling
// status webhook, which can arrive after the media stream closed.
func (s *Store) UpdateCallStatus(ctx context.Context, callSID, status string) error {
	_, err := s.db.ExecContext(ctx, sqlUpdateCallStatus, callSID, status)
	if err != nil {
		s.logger.Error(ctx, "failed to update call status", err)
		return fmt.Errorf("failed to update call status: %w", err)
	}
	return nil
}

// Transcript decrypts a record's transcript back into turns.
func (s *Store) Transcript(record *CallRecord) ([]session.Turn, error) {
	plaintext, err := s.cipher.Decrypt(record.TranscriptEncrypted)
	if err != nil {
		return nil, err
	}
	var turns []session.Turn
	if err := json.Unmarshal(plaintext, &turns); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transcript: %w", err)
	}
	return turns, nil
}
