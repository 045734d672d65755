package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"voice-server/internal/observability"
	"voice-server/internal/voice/pipeline"
	"voice-server/internal/voicecall/session"
	"voice-server/internal/voicecall/twilio"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames []pipeline.Frame
	closed chan struct{}
	once   sync.Once
	last   time.Time
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{closed: make(chan struct{}), last: time.Now()}
}

func (f *fakeTransport) Receive(ctx context.Context) (pipeline.Frame, error) {
	f.mu.Lock()
	if len(f.frames) > 0 {
		frame := f.frames[0]
		f.frames = f.frames[1:]
		f.mu.Unlock()
		return frame, nil
	}
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return pipeline.Frame{}, ctx.Err()
	case <-f.closed:
		return pipeline.Frame{}, twilio.ErrStreamClosed
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeTransport) setLastActivity(t time.Time) {
	f.mu.Lock()
	f.last = t
	f.mu.Unlock()
}

// idleDuty blocks until the call context ends.
type idleDuty struct{}

func (idleDuty) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func testLogger(t *testing.T) *observability.Logger {
	t.Helper()
	return observability.NewLogger()
}

func testFactory(logger *observability.Logger) ConnectionFactory {
	return func(streamID string, call PendingCall, transport Transport) (*Connection, error) {
		sess := session.New(call.CallSID, streamID, call.FromNumber, call.ToNumber)
		buffer := pipeline.NewAudioBuffer(pipeline.DefaultBufferConfig())
		tracker := pipeline.NewLatencyTracker(1500 * time.Millisecond)
		return NewConnection(streamID, transport, buffer, sess, tracker, idleDuty{}, nil,
			ConnectionConfig{TeardownGrace: time.Second, MonitorInterval: time.Hour}, logger), nil
	}
}

func newTestManager(t *testing.T, maxCalls int) *Manager {
	t.Helper()
	logger := testLogger(t)
	manager, err := NewManager(ManagerConfig{
		MaxConcurrentCalls: maxCalls,
		IdleTimeout:        time.Minute,
		TokenSecret:        []byte("test-secret"),
		TokenTTL:           time.Minute,
	}, testFactory(logger), logger)
	if err != nil {
		t.Fatalf("create manager: %v", err)
	}
	return manager
}

func register(t *testing.T, m *Manager, streamID string) string {
	t.Helper()
	token, err := m.Register(streamID, PendingCall{
		CallSID:    "CA-" + streamID,
		FromNumber: "+15551234567",
		ToNumber:   "+15559876543",
	})
	if err != nil {
		t.Fatalf("register %s: %v", streamID, err)
	}
	return token
}

func TestAdmitAndRelease(t *testing.T) {
	manager := newTestManager(t, 5)
	token := register(t, manager, "MZ1")

	connection, err := manager.Admit(context.Background(), "MZ1", token, newFakeTransport())
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if manager.Count() != 1 {
		t.Errorf("expected 1 live call, got %d", manager.Count())
	}
	if _, ok := manager.Get("MZ1"); !ok {
		t.Error("expected stream retrievable after admit")
	}

	manager.Release("MZ1")
	select {
	case <-connection.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("teardown did not complete")
	}
	if manager.Count() != 0 {
		t.Errorf("expected 0 live calls after release, got %d", manager.Count())
	}
	if got := connection.Session().Status(); got != session.StatusClosed {
		t.Errorf("expected closed session after release, got %s", got)
	}

	// Releasing again must be a no-op.
	manager.Release("MZ1")
	manager.Release("never-admitted")
}

func TestAdmitRejectsBadToken(t *testing.T) {
	manager := newTestManager(t, 5)
	register(t, manager, "MZ1")

	_, err := manager.Admit(context.Background(), "MZ1", "not-a-token", newFakeTransport())
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("expected authentication failure, got %v", err)
	}
}

func TestAdmitRejectsTokenForDifferentStream(t *testing.T) {
	manager := newTestManager(t, 5)
	token := register(t, manager, "MZ1")
	register(t, manager, "MZ2")

	_, err := manager.Admit(context.Background(), "MZ2", token, newFakeTransport())
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("expected mismatch rejection, got %v", err)
	}
}

func TestAdmitRejectsUnregisteredStream(t *testing.T) {
	manager := newTestManager(t, 5)
	// Token is validly signed but the stream was never announced.
	token := register(t, manager, "MZ1")
	manager.Release("MZ1")

	_, err := manager.Admit(context.Background(), "MZ1", token, newFakeTransport())
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("expected unregistered rejection, got %v", err)
	}
}

func TestCapacityCeiling(t *testing.T) {
	manager := newTestManager(t, 2)

	for _, id := range []string{"MZ1", "MZ2"} {
		token := register(t, manager, id)
		if _, err := manager.Admit(context.Background(), id, token, newFakeTransport()); err != nil {
			t.Fatalf("admit %s: %v", id, err)
		}
	}

	token := register(t, manager, "MZ3")
	_, err := manager.Admit(context.Background(), "MZ3", token, newFakeTransport())
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected capacity rejection, got %v", err)
	}

	// Releasing one slot lets the held-back call in.
	manager.Release("MZ1")
	token = register(t, manager, "MZ3")
	if _, err := manager.Admit(context.Background(), "MZ3", token, newFakeTransport()); err != nil {
		t.Errorf("expected admission after release, got %v", err)
	}
}

func TestReleaseByCallSID(t *testing.T) {
	manager := newTestManager(t, 5)
	token := register(t, manager, "MZ1")

	connection, err := manager.Admit(context.Background(), "MZ1", token, newFakeTransport())
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	manager.ReleaseByCallSID("CA-MZ1")
	select {
	case <-connection.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("release by call SID did not tear down the connection")
	}
	if manager.Count() != 0 {
		t.Errorf("expected 0 live calls, got %d", manager.Count())
	}

	// Unknown call SIDs are a no-op.
	manager.ReleaseByCallSID("CA-unknown")
}

func TestReaperReleasesIdleConnections(t *testing.T) {
	manager := newTestManager(t, 5)
	token := register(t, manager, "MZ1")

	transport := newFakeTransport()
	connection, err := manager.Admit(context.Background(), "MZ1", token, transport)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	transport.setLastActivity(time.Now().Add(-2 * time.Minute))
	manager.reap(context.Background())

	select {
	case <-connection.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("reaper did not tear down idle connection")
	}
	if manager.Count() != 0 {
		t.Errorf("expected idle connection removed, got %d", manager.Count())
	}
	if got := connection.Session().Status(); got != session.StatusClosed {
		t.Errorf("expected closed session after reaping, got %s", got)
	}
}
