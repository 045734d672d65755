package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"voice-server/internal/observability"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrCapacityExceeded     = errors.New("connection capacity exceeded")
	ErrAuthenticationFailed = errors.New("stream authentication failed")
)

// PendingCall is what the signaling webhook registers before the media
// stream connects. Admission refuses streams that were never announced.
type PendingCall struct {
	CallSID      string
	FromNumber   string
	ToNumber     string
	RegisteredAt time.Time
}

// ConnectionFactory builds the Connection for an admitted stream. Injected
// so the manager stays free of pipeline wiring.
type ConnectionFactory func(streamID string, call PendingCall, transport Transport) (*Connection, error)

type ManagerConfig struct {
	MaxConcurrentCalls int
	IdleTimeout        time.Duration
	ReapInterval       time.Duration
	TokenSecret        []byte
	TokenTTL           time.Duration
}

// Manager is the bounded pool of live connections. Admission is atomic with
// respect to the capacity counter; release is idempotent; a background
// reaper force-releases half-open streams that went silent.
type Manager struct {
	config  ManagerConfig
	factory ConnectionFactory
	logger  *observability.Logger

	mu          sync.Mutex
	connections map[string]*Connection
	pending     map[string]PendingCall
}

func NewManager(config ManagerConfig, factory ConnectionFactory, logger *observability.Logger) (*Manager, error) {
	if config.MaxConcurrentCalls <= 0 {
		config.MaxConcurrentCalls = 50
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = time.Minute
	}
	if config.ReapInterval == 0 {
		config.ReapInterval = 15 * time.Second
	}
	if config.TokenTTL == 0 {
		config.TokenTTL = 5 * time.Minute
	}
	if len(config.TokenSecret) == 0 {
		return nil, fmt.Errorf("stream token secret is required")
	}
	return &Manager{
		config:      config,
		factory:     factory,
		logger:      logger,
		connections: make(map[string]*Connection),
		pending:     make(map[string]PendingCall),
	}, nil
}

// Register announces an inbound call and returns the signed token the media
// stream must present when it connects.
func (m *Manager) Register(streamID string, call PendingCall) (string, error) {
	if call.RegisteredAt.IsZero() {
		call.RegisteredAt = time.Now()
	}
	m.mu.Lock()
	m.pending[streamID] = call
	m.mu.Unlock()

	claims := jwt.RegisteredClaims{
		Subject:   streamID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.config.TokenTTL)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.config.TokenSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign stream token: %w", err)
	}
	return signed, nil
}

// Admit authenticates the stream and, under capacity, builds and starts its
// Connection. The capacity check and registration are one critical section
// so concurrent arrivals cannot over-admit.
func (m *Manager) Admit(ctx context.Context, streamID, token string, transport Transport) (*Connection, error) {
	call, err := m.authenticate(streamID, token)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if len(m.connections) >= m.config.MaxConcurrentCalls {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d live calls", ErrCapacityExceeded, m.config.MaxConcurrentCalls)
	}
	if _, exists := m.connections[streamID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: stream %s already connected", ErrAuthenticationFailed, streamID)
	}
	// Reserve the slot before building the connection so a slow factory
	// cannot let a concurrent arrival steal it.
	m.connections[streamID] = nil
	delete(m.pending, streamID)
	m.mu.Unlock()

	connection, err := m.factory(streamID, call, transport)
	if err == nil {
		err = connection.Start(ctx)
	}
	if err != nil {
		m.mu.Lock()
		delete(m.connections, streamID)
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to start connection: %w", err)
	}

	m.mu.Lock()
	m.connections[streamID] = connection
	m.mu.Unlock()

	m.logger.Info(ctx, fmt.Sprintf("Admitted stream %s (%d live calls)", streamID, m.Count()))
	return connection, nil
}

func (m *Manager) authenticate(streamID, token string) (PendingCall, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.config.TokenSecret, nil
	})
	if err != nil || !parsed.Valid {
		return PendingCall{}, fmt.Errorf("%w: invalid token", ErrAuthenticationFailed)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject != streamID {
		return PendingCall{}, fmt.Errorf("%w: token does not match stream", ErrAuthenticationFailed)
	}

	m.mu.Lock()
	call, ok := m.pending[streamID]
	m.mu.Unlock()
	if !ok {
		return PendingCall{}, fmt.Errorf("%w: stream %s was never registered", ErrAuthenticationFailed, streamID)
	}
	return call, nil
}

// Release tears down and deregisters a connection. Safe to call repeatedly
// and for unknown streams.
func (m *Manager) Release(streamID string) {
	m.mu.Lock()
	connection, ok := m.connections[streamID]
	delete(m.connections, streamID)
	delete(m.pending, streamID)
	m.mu.Unlock()

	if ok && connection != nil {
		connection.Teardown()
	}
}

// ReleaseByCallSID tears down the connection serving the given signaling
// call, if one is live. The status webhook uses it when Twilio reports a
// terminal call state before the media stream noticed.
func (m *Manager) ReleaseByCallSID(callSID string) {
	m.mu.Lock()
	var streamID string
	for id, connection := range m.connections {
		if connection != nil && connection.sess.CallSID() == callSID {
			streamID = id
			break
		}
	}
	m.mu.Unlock()

	if streamID != "" {
		m.Release(streamID)
	}
}

// ReleaseAll tears down every live connection. Called on server shutdown.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	streamIDs := make([]string, 0, len(m.connections))
	for streamID := range m.connections {
		streamIDs = append(streamIDs, streamID)
	}
	m.mu.Unlock()

	for _, streamID := range streamIDs {
		m.Release(streamID)
	}
}

// Get returns the live connection for a stream, if any.
func (m *Manager) Get(streamID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	connection, ok := m.connections[streamID]
	if !ok || connection == nil {
		return nil, false
	}
	return connection, true
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// RunReaper periodically force-releases connections whose transport went
// silent past the idle threshold, and expires stale pending registrations.
// Blocks until ctx is cancelled.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(m.config.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reap(ctx)
		}
	}
}

func (m *Manager) reap(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var idle []string
	for streamID, connection := range m.connections {
		if connection != nil && connection.IdleSince(now) > m.config.IdleTimeout {
			idle = append(idle, streamID)
		}
	}
	for streamID, call := range m.pending {
		if now.Sub(call.RegisteredAt) > m.config.TokenTTL {
			delete(m.pending, streamID)
		}
	}
	m.mu.Unlock()

	for _, streamID := range idle {
		m.logger.Warn(ctx, fmt.Sprintf("Reaping idle stream %s", streamID))
		m.Release(streamID)
	}
}
