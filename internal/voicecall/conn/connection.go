package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"voice-server/internal/observability"
	"voice-server/internal/voice/pipeline"
	"voice-server/internal/voicecall/session"
	"voice-server/internal/voicecall/twilio"
)

// Transport is the media-stream boundary the connection supervises.
type Transport interface {
	Receive(ctx context.Context) (pipeline.Frame, error)
	Close() error
	LastActivity() time.Time
}

// Duty is the orchestration work a connection runs alongside its receive
// loop. It returns when the call ends or ctx is cancelled.
type Duty interface {
	Run(ctx context.Context) error
}

// BreachSink receives latency health samples from the monitor loop.
type BreachSink interface {
	Emit(callID, stage string, duration time.Duration, breached bool)
}

// Connection owns one call end to end: the transport, the audio buffer, the
// session record, and the latency tracker, plus the three goroutines that
// animate them (receive, orchestrate, monitor). The three are siblings: the
// first to exit triggers teardown of the other two. Teardown is idempotent
// and releases everything exactly once.
type Connection struct {
	streamID  string
	transport Transport
	buffer    *pipeline.AudioBuffer
	sess      *session.Session
	tracker   *pipeline.LatencyTracker
	duty      Duty
	sink      BreachSink
	logger    *observability.Logger

	teardownGrace   time.Duration
	monitorInterval time.Duration

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closer   sync.Once
	done     chan struct{}
	startErr error
	started  bool
	mu       sync.Mutex
}

type ConnectionConfig struct {
	TeardownGrace   time.Duration
	MonitorInterval time.Duration
}

func NewConnection(streamID string, transport Transport, buffer *pipeline.AudioBuffer,
	sess *session.Session, tracker *pipeline.LatencyTracker, duty Duty,
	sink BreachSink, cfg ConnectionConfig, logger *observability.Logger) *Connection {
	if cfg.TeardownGrace == 0 {
		cfg.TeardownGrace = 5 * time.Second
	}
	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = 2 * time.Second
	}
	return &Connection{
		streamID:        streamID,
		transport:       transport,
		buffer:          buffer,
		sess:            sess,
		tracker:         tracker,
		duty:            duty,
		sink:            sink,
		logger:          logger,
		teardownGrace:   cfg.TeardownGrace,
		monitorInterval: cfg.MonitorInterval,
		done:            make(chan struct{}),
	}
}

// Start launches the three duties. It returns immediately; use Done to wait
// for the call to finish.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("connection %s already started", c.streamID)
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.sess.Transition(session.StatusListening); err != nil {
		cancel()
		return err
	}

	c.wg.Add(3)
	go c.receiveLoop(runCtx)
	go c.orchestrateLoop(runCtx)
	go c.monitorLoop(runCtx)
	return nil
}

func (c *Connection) receiveLoop(ctx context.Context) {
	// Done before Teardown so the teardown wait does not count this
	// goroutine against itself.
	defer c.Teardown()
	defer c.wg.Done()

	for {
		frame, err := c.transport.Receive(ctx)
		if err != nil {
			switch {
			case errors.Is(err, twilio.ErrStreamClosed):
				c.logger.Info(ctx, "Caller hung up, ending call")
				c.endSession(ctx, session.StatusEnding)
			case ctx.Err() != nil:
				// Teardown already in progress.
			default:
				c.logger.Error(ctx, "Transport failure", err)
				c.endSession(ctx, session.StatusFailed)
			}
			return
		}
		c.buffer.Push(frame)
	}
}

func (c *Connection) orchestrateLoop(ctx context.Context) {
	defer c.Teardown()
	defer c.wg.Done()

	if err := c.duty.Run(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error(ctx, "Orchestration failed", err)
		c.endSession(ctx, session.StatusFailed)
	}
}

func (c *Connection) monitorLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary := c.tracker.TurnSummary()
			if c.sink != nil && summary.Total > 0 {
				c.sink.Emit(c.sess.CallSID(), "turn", summary.Total, summary.OverBudget)
			}
			if summary.OverBudget {
				c.logger.Warn(ctx, fmt.Sprintf("Turn latency over budget: %v", summary.Total))
			}
		}
	}
}

// endSession moves the session toward the requested terminal path, tolerating
// races with the other duties.
func (c *Connection) endSession(ctx context.Context, to session.Status) {
	if err := c.sess.Transition(to); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
		c.logger.Error(ctx, "Session transition failed during teardown", err)
	}
	if to == session.StatusEnding {
		if err := c.sess.Transition(session.StatusClosed); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
			c.logger.Error(ctx, "Session close failed during teardown", err)
		}
	}
}

// Teardown cancels all duties, waits up to the grace period for them to
// exit, and closes the transport. Safe to call from any goroutine, any
// number of times.
func (c *Connection) Teardown() {
	c.closer.Do(func() {
		ctx := context.Background()
		c.logger.Info(ctx, fmt.Sprintf("Tearing down connection %s", c.streamID))

		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		finished := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(c.teardownGrace):
			c.logger.Warn(ctx, fmt.Sprintf("Duties for %s did not exit within grace period, force-closing", c.streamID))
		}

		// The session must end terminal no matter which duty, or which
		// manager path, initiated teardown.
		c.endSession(ctx, session.StatusEnding)

		if err := c.transport.Close(); err != nil {
			c.logger.Debug(ctx, fmt.Sprintf("Transport close: %v", err))
		}
		c.buffer.Reset()
		close(c.done)
	})
}

// Done closes once teardown completes.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Session exposes the call record for reporting after the call ends.
func (c *Connection) Session() *session.Session { return c.sess }

// Tracker exposes the latency tracker for the end-of-call summary.
func (c *Connection) Tracker() *pipeline.LatencyTracker { return c.tracker }

// IdleSince reports how long the transport has been silent.
func (c *Connection) IdleSince(now time.Time) time.Duration {
	return now.Sub(c.transport.LastActivity())
}
