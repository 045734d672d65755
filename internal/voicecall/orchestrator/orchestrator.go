package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"voice-server/internal/observability"
	"voice-server/internal/voice/pipeline"
	"voice-server/internal/voicecall/session"
	"voice-server/internal/voicecall/stages"
)

// Sender is the outbound half of the call transport.
type Sender interface {
	Send(ctx context.Context, mulaw []byte) error
	Clear(ctx context.Context) error
}

type Config struct {
	RetryLimit        int
	Greeting          string
	FallbackUtterance string
	ConflictUtterance string
	DrainInterval     time.Duration
	BargeInPoll       time.Duration
	SlotLength        time.Duration
}

// Orchestrator drives turn-taking for one call: forward drained audio to
// recognition, answer each finalized transcript, stream synthesis back, and
// cancel all of it the moment the caller starts talking over the reply.
// Turns are processed strictly in arrival order by a single loop; nothing
// here is shared across calls.
type Orchestrator struct {
	buffer      *pipeline.AudioBuffer
	sess        *session.Session
	tracker     *pipeline.LatencyTracker
	recognizer  stages.Recognizer
	responder   stages.Responder
	fallback    stages.Responder
	synthesizer stages.Synthesizer
	calendar    stages.Calendar
	sender      Sender
	sink        stages.Sink
	config      Config
	logger      *observability.Logger
}

func New(buffer *pipeline.AudioBuffer, sess *session.Session, tracker *pipeline.LatencyTracker,
	recognizer stages.Recognizer, responder stages.Responder, fallback stages.Responder,
	synthesizer stages.Synthesizer, calendar stages.Calendar, sender Sender, sink stages.Sink,
	config Config, logger *observability.Logger) *Orchestrator {
	if config.RetryLimit <= 0 {
		config.RetryLimit = 3
	}
	if config.DrainInterval == 0 {
		config.DrainInterval = 20 * time.Millisecond
	}
	if config.BargeInPoll == 0 {
		config.BargeInPoll = 20 * time.Millisecond
	}
	if config.SlotLength == 0 {
		config.SlotLength = 30 * time.Minute
	}
	if config.FallbackUtterance == "" {
		config.FallbackUtterance = "I'm sorry, I'm having trouble right now. Let me have someone call you back shortly."
	}
	if config.ConflictUtterance == "" {
		config.ConflictUtterance = "I'm sorry, that time was just taken. Is there another time that works for you?"
	}
	return &Orchestrator{
		buffer:      buffer,
		sess:        sess,
		tracker:     tracker,
		recognizer:  recognizer,
		responder:   responder,
		fallback:    fallback,
		synthesizer: synthesizer,
		calendar:    calendar,
		sender:      sender,
		sink:        sink,
		config:      config,
		logger:      logger,
	}
}

// Run blocks until the call ends or ctx is cancelled. Transport send
// failures propagate; stage failures are absorbed into fallback turns.
func (o *Orchestrator) Run(ctx context.Context) error {
	events, err := o.recognizer.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start recognition: %w", err)
	}
	defer o.recognizer.Close()

	if o.config.Greeting != "" {
		if err := o.speak(ctx, o.config.Greeting); err != nil && ctx.Err() == nil {
			return fmt.Errorf("greeting playback failed: %w", err)
		}
		o.tracker.ResetTurn()
	}

	ticker := time.NewTicker(o.config.DrainInterval)
	defer ticker.Stop()

	var firstSeq, lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			for _, frame := range o.buffer.Drain() {
				if firstSeq == 0 {
					firstSeq = frame.Seq
					o.tracker.Mark(pipeline.StageRecognition)
				}
				lastSeq = frame.Seq
				if err := o.recognizer.SendAudio(ctx, frame.Payload); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					o.logger.Error(ctx, "Failed to forward audio to recognition", err)
				}
			}

		case event, ok := <-events:
			if !ok {
				return nil
			}
			if !event.Final || strings.TrimSpace(event.Text) == "" {
				continue
			}
			o.tracker.Record(pipeline.StageRecognition)
			if err := o.handleTurn(ctx, strings.TrimSpace(event.Text), firstSeq, lastSeq); err != nil {
				return err
			}
			firstSeq, lastSeq = 0, 0
		}
	}
}

// handleTurn answers one finalized caller utterance. Barge-in cancels the
// in-flight work through the turn context; the partial reply is discarded
// and never appended to history.
func (o *Orchestrator) handleTurn(ctx context.Context, transcript string, firstSeq, lastSeq uint64) error {
	if err := o.sess.Transition(session.StatusResponding); err != nil {
		return err
	}
	o.sess.AppendTurn(session.Turn{
		Speaker:  session.SpeakerCaller,
		Text:     transcript,
		FirstSeq: firstSeq,
		LastSeq:  lastSeq,
	})

	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()

	interrupted := make(chan struct{})
	watchDone := make(chan struct{})
	go o.watchBargeIn(turnCtx, cancelTurn, interrupted, watchDone)

	reply := o.generate(turnCtx, transcript)
	reply = o.applyBooking(turnCtx, reply)
	o.recordReply(turnCtx, reply)

	speakErr := o.speak(turnCtx, reply.Text)

	cancelTurn()
	<-watchDone

	bargedIn := false
	select {
	case <-interrupted:
		bargedIn = true
	default:
	}

	switch {
	case bargedIn:
		o.sess.RecordInterruption()
		if err := o.sess.Transition(session.StatusInterrupted); err != nil {
			return err
		}
		if err := o.sender.Clear(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("failed to flush playback after barge-in: %w", err)
		}
		o.logger.Info(ctx, "Caller barged in, reply discarded")

	case speakErr != nil && ctx.Err() == nil:
		return fmt.Errorf("playback failed: %w", speakErr)

	default:
		o.sess.AppendTurn(session.Turn{Speaker: session.SpeakerSystem, Text: reply.Text})
	}

	o.finishTurn(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return o.sess.Transition(session.StatusListening)
}

// generate runs the response stage with retries, then the fallback engine,
// then the canned utterance. It always returns something speakable.
func (o *Orchestrator) generate(ctx context.Context, transcript string) stages.Reply {
	o.tracker.Mark(pipeline.StageResponse)
	defer o.tracker.Record(pipeline.StageResponse)

	history := o.sess.History()
	appointment := o.sess.Appointment()

	var lastErr error
	for attempt := 0; attempt < o.config.RetryLimit; attempt++ {
		if ctx.Err() != nil {
			return stages.Reply{Text: "", Intent: session.IntentUnknown}
		}
		reply, err := o.responder.Generate(ctx, transcript, history, appointment)
		if err == nil {
			return reply
		}
		lastErr = err
		o.logger.Warn(ctx, fmt.Sprintf("Response attempt %d failed: %v", attempt+1, err))
	}

	if o.fallback != nil && ctx.Err() == nil {
		reply, err := o.fallback.Generate(ctx, transcript, history, appointment)
		if err == nil {
			return reply
		}
		lastErr = err
	}

	o.logger.Error(ctx, "All response attempts exhausted, using canned utterance", lastErr)
	return stages.Reply{Text: o.config.FallbackUtterance, Intent: session.IntentUnknown}
}

// applyBooking takes a confirmed appointment to the calendar. A conflict is
// data, not failure: the reply becomes a re-prompt and the appointment stays
// unconfirmed.
func (o *Orchestrator) applyBooking(ctx context.Context, reply stages.Reply) stages.Reply {
	if o.calendar == nil || reply.Appointment == nil || !reply.Appointment.Confirmed ||
		reply.Appointment.ProposedTime.IsZero() || ctx.Err() != nil {
		return reply
	}

	slot := stages.Slot{
		Start: reply.Appointment.ProposedTime,
		End:   reply.Appointment.ProposedTime.Add(o.config.SlotLength),
	}
	confirmation, err := o.calendar.Book(ctx, slot, stages.BookingDetails{
		ServiceType:  reply.Appointment.ServiceType,
		CallerNumber: o.sess.FromNumber(),
		Notes:        reply.Appointment.Notes,
	})
	switch {
	case errors.Is(err, stages.ErrBookingConflict):
		reply.Text = o.config.ConflictUtterance
		reply.Appointment.Confirmed = false
	case err != nil:
		o.logger.Error(ctx, "Calendar booking failed", err)
		reply.Text = o.config.FallbackUtterance
		reply.Appointment.Confirmed = false
	default:
		o.logger.Info(ctx, fmt.Sprintf("Appointment booked: %s", confirmation.EventID))
		reply.Appointment.Notes = strings.TrimSpace(reply.Appointment.Notes + " event:" + confirmation.EventID)
	}
	return reply
}

func (o *Orchestrator) recordReply(ctx context.Context, reply stages.Reply) {
	if err := o.sess.SetIntent(reply.Intent); err != nil {
		o.logger.Debug(ctx, fmt.Sprintf("Intent not recorded: %v", err))
	}
	if reply.Appointment != nil {
		if err := o.sess.SetAppointment(*reply.Appointment); err != nil {
			o.logger.Debug(ctx, fmt.Sprintf("Appointment not recorded: %v", err))
		}
	}
}

// speak streams synthesis to the caller chunk by chunk, starting playback
// before synthesis completes.
func (o *Orchestrator) speak(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}

	o.tracker.Mark(pipeline.StageSynthesis)
	chunks, err := o.synthesizer.Synthesize(ctx, text)
	if err != nil {
		return fmt.Errorf("synthesis failed: %w", err)
	}

	first := true
	for chunk := range chunks {
		if first {
			o.tracker.Record(pipeline.StageSynthesis)
			o.tracker.Mark(pipeline.StagePlayback)
			first = false
		}
		if err := o.sender.Send(ctx, chunk); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if !first {
		o.tracker.Record(pipeline.StagePlayback)
	}
	return ctx.Err()
}

// watchBargeIn polls VAD while a reply is in flight and cancels the turn the
// moment sustained caller speech appears.
func (o *Orchestrator) watchBargeIn(ctx context.Context, cancelTurn context.CancelFunc, interrupted chan<- struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.config.BargeInPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.buffer.State() == pipeline.Speech {
				close(interrupted)
				cancelTurn()
				return
			}
		}
	}
}

// finishTurn archives latency and emits per-stage observations.
func (o *Orchestrator) finishTurn(ctx context.Context) {
	summary := o.tracker.TurnSummary()
	o.sess.RecordTurnLatency(summary.Total)
	if o.sink != nil {
		for stage, d := range summary.Stages {
			o.sink.Emit(o.sess.CallSID(), stage, d, false)
		}
		o.sink.Emit(o.sess.CallSID(), "turn", summary.Total, summary.OverBudget)
	}
	if summary.OverBudget {
		o.logger.Warn(ctx, fmt.Sprintf("Turn exceeded latency budget: %v", summary.Total))
	}
	o.tracker.ResetTurn()
}
