package orchestrator

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"voice-server/internal/observability"
	"voice-server/internal/voice/pipeline"
	"voice-server/internal/voicecall/session"
	"voice-server/internal/voicecall/stages"
)

type fakeRecognizer struct {
	events chan stages.TranscriptEvent

	mu     sync.Mutex
	audio  [][]byte
	closed bool
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{events: make(chan stages.TranscriptEvent, 16)}
}

func (f *fakeRecognizer) Start(ctx context.Context) (<-chan stages.TranscriptEvent, error) {
	return f.events, nil
}

func (f *fakeRecognizer) SendAudio(ctx context.Context, pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, pcm)
	return nil
}

func (f *fakeRecognizer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeResponder struct {
	mu      sync.Mutex
	replies []stages.Reply
	errs    []error
	calls   int
}

func (f *fakeResponder) Generate(ctx context.Context, transcript string, history []session.Turn, appointment session.AppointmentContext) (stages.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return stages.Reply{}, f.errs[i]
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	if len(f.replies) > 0 {
		return f.replies[len(f.replies)-1], nil
	}
	return stages.Reply{Text: "okay", Intent: session.IntentInquiry}, nil
}

func (f *fakeResponder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSynthesizer struct {
	chunkCount int
	chunkDelay time.Duration
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	out := make(chan []byte, f.chunkCount)
	go func() {
		defer close(out)
		for i := 0; i < f.chunkCount; i++ {
			if f.chunkDelay > 0 {
				select {
				case <-time.After(f.chunkDelay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- make([]byte, 160):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type fakeSender struct {
	mu     sync.Mutex
	sent   int
	clears int
}

func (f *fakeSender) Send(ctx context.Context, mulaw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	return nil
}

func (f *fakeSender) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeSender) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent, f.clears
}

type fakeCalendar struct {
	bookErr error

	mu    sync.Mutex
	books int
}

func (f *fakeCalendar) CheckAvailability(ctx context.Context, window stages.TimeWindow) ([]stages.Slot, error) {
	return nil, nil
}

func (f *fakeCalendar) Book(ctx context.Context, slot stages.Slot, details stages.BookingDetails) (stages.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.books++
	if f.bookErr != nil {
		return stages.Confirmation{}, f.bookErr
	}
	return stages.Confirmation{EventID: "evt-1", Start: slot.Start}, nil
}

func (f *fakeCalendar) bookCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.books
}

type harness struct {
	orchestrator *Orchestrator
	buffer       *pipeline.AudioBuffer
	sess         *session.Session
	recognizer   *fakeRecognizer
	responder    *fakeResponder
	sender       *fakeSender
	cancel       context.CancelFunc
	runErr       chan error
}

func newHarness(t *testing.T, responder *fakeResponder, synthesizer stages.Synthesizer, calendar stages.Calendar, config Config) *harness {
	t.Helper()

	buffer := pipeline.NewAudioBuffer(pipeline.BufferConfig{
		WindowDuration:   200 * time.Millisecond,
		SilenceThreshold: 0.01,
		ZeroCrossingMin:  0.25,
		MinSilence:       200 * time.Millisecond,
		SpeechDebounce:   40 * time.Millisecond,
		MaxBytes:         1 << 20,
	})
	sess := session.New("CA1", "MZ1", "+15551234567", "+15559876543")
	if err := sess.Transition(session.StatusListening); err != nil {
		t.Fatalf("session setup: %v", err)
	}
	tracker := pipeline.NewLatencyTracker(1500 * time.Millisecond)
	recognizer := newFakeRecognizer()
	sender := &fakeSender{}

	config.DrainInterval = 10 * time.Millisecond
	config.BargeInPoll = 10 * time.Millisecond

	o := New(buffer, sess, tracker, recognizer, responder, nil, synthesizer, calendar,
		sender, nil, config, observability.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-runErr:
		case <-time.After(3 * time.Second):
			t.Error("orchestrator did not stop")
		}
	})

	return &harness{
		orchestrator: o,
		buffer:       buffer,
		sess:         sess,
		recognizer:   recognizer,
		responder:    responder,
		sender:       sender,
		cancel:       cancel,
		runErr:       runErr,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func speechPayload(duration time.Duration) []byte {
	samples := int(8000 * duration.Seconds())
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*400*float64(i)/8000))
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(v >> 8)
	}
	return pcm
}

func TestTurnAppendsHistoryAndStreamsReply(t *testing.T) {
	responder := &fakeResponder{replies: []stages.Reply{{Text: "we open at nine", Intent: session.IntentInquiry}}}
	h := newHarness(t, responder, &fakeSynthesizer{chunkCount: 3}, nil, Config{})

	h.recognizer.events <- stages.TranscriptEvent{Text: "when do you open", Final: true, Confidence: 0.9}

	waitFor(t, "system reply in history", func() bool { return len(h.sess.History()) == 2 })
	history := h.sess.History()
	if history[0].Speaker != session.SpeakerCaller || history[0].Text != "when do you open" {
		t.Errorf("unexpected caller turn: %+v", history[0])
	}
	if history[1].Speaker != session.SpeakerSystem || history[1].Text != "we open at nine" {
		t.Errorf("unexpected system turn: %+v", history[1])
	}

	waitFor(t, "reply audio sent", func() bool { sent, _ := h.sender.counts(); return sent == 3 })
	waitFor(t, "session back to listening", func() bool { return h.sess.Status() == session.StatusListening })
	if h.sess.Intent() != session.IntentInquiry {
		t.Errorf("expected inquiry intent, got %s", h.sess.Intent())
	}
}

func TestTurnsProcessedInArrivalOrder(t *testing.T) {
	responder := &fakeResponder{replies: []stages.Reply{
		{Text: "first answer", Intent: session.IntentInquiry},
		{Text: "second answer", Intent: session.IntentInquiry},
		{Text: "third answer", Intent: session.IntentInquiry},
	}}
	// Slow synthesis keeps each turn in flight while the next transcript
	// is already queued.
	h := newHarness(t, responder, &fakeSynthesizer{chunkCount: 2, chunkDelay: 20 * time.Millisecond}, nil, Config{})

	h.recognizer.events <- stages.TranscriptEvent{Text: "question one", Final: true}
	h.recognizer.events <- stages.TranscriptEvent{Text: "question two", Final: true}
	h.recognizer.events <- stages.TranscriptEvent{Text: "question three", Final: true}

	waitFor(t, "all turns in history", func() bool { return len(h.sess.History()) == 6 })

	want := []struct {
		speaker session.Speaker
		text    string
	}{
		{session.SpeakerCaller, "question one"},
		{session.SpeakerSystem, "first answer"},
		{session.SpeakerCaller, "question two"},
		{session.SpeakerSystem, "second answer"},
		{session.SpeakerCaller, "question three"},
		{session.SpeakerSystem, "third answer"},
	}
	history := h.sess.History()
	for i, w := range want {
		if history[i].Speaker != w.speaker || history[i].Text != w.text {
			t.Errorf("turn %d: got %s %q, want %s %q",
				i, history[i].Speaker, history[i].Text, w.speaker, w.text)
		}
	}

	waitFor(t, "all reply audio sent", func() bool { sent, _ := h.sender.counts(); return sent == 6 })
	waitFor(t, "session back to listening", func() bool { return h.sess.Status() == session.StatusListening })
}

func TestInterimTranscriptsAreIgnored(t *testing.T) {
	responder := &fakeResponder{}
	h := newHarness(t, responder, &fakeSynthesizer{chunkCount: 1}, nil, Config{})

	h.recognizer.events <- stages.TranscriptEvent{Text: "when do", Final: false}
	h.recognizer.events <- stages.TranscriptEvent{Text: "   ", Final: true}

	time.Sleep(200 * time.Millisecond)
	if got := responder.callCount(); got != 0 {
		t.Errorf("expected no response calls for interim/empty events, got %d", got)
	}
	if len(h.sess.History()) != 0 {
		t.Errorf("expected empty history, got %d turns", len(h.sess.History()))
	}
}

func TestBookingConflictRepromptsAndKeepsIntent(t *testing.T) {
	proposed := time.Now().Add(24 * time.Hour).Truncate(time.Hour)
	responder := &fakeResponder{replies: []stages.Reply{{
		Text:   "you're booked for tuesday",
		Intent: session.IntentBooking,
		Appointment: &session.AppointmentContext{
			ServiceType:  "cleaning",
			ProposedTime: proposed,
			Confirmed:    true,
		},
	}}}
	calendar := &fakeCalendar{bookErr: stages.ErrBookingConflict}
	h := newHarness(t, responder, &fakeSynthesizer{chunkCount: 1}, calendar, Config{})

	h.recognizer.events <- stages.TranscriptEvent{Text: "book a cleaning for tuesday", Final: true}

	waitFor(t, "re-prompt in history", func() bool { return len(h.sess.History()) == 2 })
	reprompt := h.sess.History()[1]
	if reprompt.Text == "you're booked for tuesday" {
		t.Error("conflicted booking must not be confirmed to the caller")
	}
	if h.sess.Intent() != session.IntentBooking {
		t.Errorf("expected booking intent preserved, got %s", h.sess.Intent())
	}
	if h.sess.Appointment().Confirmed {
		t.Error("expected appointment unconfirmed after conflict")
	}
}

func TestBookingSuccessConfirms(t *testing.T) {
	proposed := time.Now().Add(24 * time.Hour).Truncate(time.Hour)
	responder := &fakeResponder{replies: []stages.Reply{{
		Text:   "you're all set for tuesday",
		Intent: session.IntentBooking,
		Appointment: &session.AppointmentContext{
			ServiceType:  "cleaning",
			ProposedTime: proposed,
			Confirmed:    true,
		},
	}}}
	calendar := &fakeCalendar{}
	h := newHarness(t, responder, &fakeSynthesizer{chunkCount: 1}, calendar, Config{})

	h.recognizer.events <- stages.TranscriptEvent{Text: "tuesday works", Final: true}

	waitFor(t, "confirmation in history", func() bool { return len(h.sess.History()) == 2 })
	if !h.sess.Appointment().Confirmed {
		t.Error("expected appointment confirmed after successful booking")
	}
	if calendar.bookCount() != 1 {
		t.Errorf("expected exactly one booking call, got %d", calendar.bookCount())
	}
}

func TestRetriesExhaustedFallsBackToCannedUtterance(t *testing.T) {
	boom := errors.New("model unavailable")
	responder := &fakeResponder{errs: []error{boom, boom, boom}}
	h := newHarness(t, responder, &fakeSynthesizer{chunkCount: 1}, nil, Config{
		RetryLimit:        3,
		FallbackUtterance: "sorry, someone will call you back",
	})

	h.recognizer.events <- stages.TranscriptEvent{Text: "hello", Final: true}

	waitFor(t, "fallback reply in history", func() bool { return len(h.sess.History()) == 2 })
	if got := h.sess.History()[1].Text; got != "sorry, someone will call you back" {
		t.Errorf("expected canned fallback, got %q", got)
	}
	if got := responder.callCount(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	if h.sess.Status() == session.StatusFailed {
		t.Error("stage failure must not fail the call")
	}
}

func TestBargeInDiscardsPartialReply(t *testing.T) {
	responder := &fakeResponder{replies: []stages.Reply{{Text: "a very long winded answer", Intent: session.IntentInquiry}}}
	// Slow synthesis leaves a wide window for the caller to interrupt.
	h := newHarness(t, responder, &fakeSynthesizer{chunkCount: 100, chunkDelay: 30 * time.Millisecond}, nil, Config{})

	h.recognizer.events <- stages.TranscriptEvent{Text: "tell me everything", Final: true}
	waitFor(t, "playback to start", func() bool { sent, _ := h.sender.counts(); return sent > 0 })

	// Caller starts talking over the reply.
	for i := uint64(1); i <= 3; i++ {
		h.buffer.Push(pipeline.Frame{
			Payload:    speechPayload(40 * time.Millisecond),
			SampleRate: 8000,
			Duration:   40 * time.Millisecond,
			Seq:        i,
		})
	}

	waitFor(t, "interruption recorded", func() bool { return h.sess.Snapshot().Interruptions == 1 })
	waitFor(t, "playback flushed", func() bool { _, clears := h.sender.counts(); return clears == 1 })
	waitFor(t, "session back to listening", func() bool { return h.sess.Status() == session.StatusListening })

	if len(h.sess.History()) != 1 {
		t.Errorf("interrupted reply must not enter history, got %d turns", len(h.sess.History()))
	}
}
