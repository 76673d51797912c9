// Package channel provides the persistent duplex transport to the
// conversational agent.
//
// A Channel owns one connection per interview session: framing, heartbeat,
// bounded reconnection with exponential backoff, and status reporting. The
// connection factory and timer service are injected so the state machine is
// testable without a network or wall-clock waits.
package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kaiwalabs/reviewloop/internal/models"
)

// State is the channel's internal connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFallback     State = "fallback"
)

// Reconnection policy constants.
const (
	// ReconnectMaxAttempts bounds reconnection attempts after an unexpected
	// close or error. Once exhausted the channel is permanently in fallback
	// status until the session is torn down.
	ReconnectMaxAttempts = 3
	// ReconnectBaseDelay is the delay before the first reconnection attempt.
	ReconnectBaseDelay = 1000 * time.Millisecond
	// ReconnectBackoffFactor compounds the delay on consecutive failures.
	ReconnectBackoffFactor = 1.5
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultDialTimeout bounds a single connection attempt.
	DefaultDialTimeout = 10 * time.Second
)

// Error variables.
var (
	// ErrChannelClosed is returned by Open after Close has been called.
	ErrChannelClosed = errors.New("channel closed")
	// ErrChannelFallback is returned by Open once the reconnection bound is
	// exhausted. The fallback state is permanent for the channel's lifetime.
	ErrChannelFallback = errors.New("channel permanently in fallback")
)

// Conn is a single established duplex connection.
type Conn interface {
	// Read blocks for the next frame payload.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one frame payload.
	Write(ctx context.Context, data []byte) error
	// Close releases the connection.
	Close() error
}

// Dialer establishes connections for the channel. Injected so reconnection
// behavior can be driven deterministically in tests.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// ReconnectDelay computes the delay before reconnection attempt n (1-based):
// base * factor^(n-1). Strictly increasing in n.
func ReconnectDelay(attempt int, base time.Duration) time.Duration {
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= ReconnectBackoffFactor
	}
	return time.Duration(d)
}

// Opts holds configuration options for a Channel.
type Opts struct {
	Timer        TimerService
	OnStatus     func(models.ConnectionStatus)
	OnFrame      func(*models.Frame)
	BaseDelay    time.Duration
	MaxAttempts  int
	WriteTimeout time.Duration
	DialTimeout  time.Duration
}

// Option defines a configuration option for a Channel.
type Option func(*Opts)

// WithTimer injects the timer service used for reconnection scheduling.
func WithTimer(t TimerService) Option {
	return func(o *Opts) { o.Timer = t }
}

// WithOnStatus sets the status observer. Status changes are reported
// monotonically to this single callback, not polled. The callback runs
// synchronously from channel internals and must not call back into the Channel.
func WithOnStatus(fn func(models.ConnectionStatus)) Option {
	return func(o *Opts) { o.OnStatus = fn }
}

// WithOnFrame sets the inbound frame handler. Frames are delivered in arrival
// order from a single goroutine. Ping frames are answered internally and not
// delivered.
func WithOnFrame(fn func(*models.Frame)) Option {
	return func(o *Opts) { o.OnFrame = fn }
}

// WithBaseDelay overrides the reconnection base delay.
func WithBaseDelay(d time.Duration) Option {
	return func(o *Opts) { o.BaseDelay = d }
}

// WithMaxAttempts overrides the reconnection attempt bound.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithWriteTimeout overrides the per-write timeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *Opts) { o.WriteTimeout = d }
}

// Channel owns one persistent duplex connection and its reconnection state.
type Channel struct {
	dialer       Dialer
	timer        TimerService
	ownTimer     bool
	onStatus     func(models.ConnectionStatus)
	onFrame      func(*models.Frame)
	baseDelay    time.Duration
	maxAttempts  int
	writeTimeout time.Duration
	dialTimeout  time.Duration

	mu               sync.Mutex
	state            State
	lastReported     models.ConnectionStatus
	conn             Conn
	attempt          int
	reconnectTimerID string
	readCancel       context.CancelFunc
	closed           bool
}

// NewChannel creates a channel over the given dialer.
func NewChannel(dialer Dialer, opts ...Option) *Channel {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	ownTimer := false
	if cfg.Timer == nil {
		cfg.Timer = NewSimpleTimer()
		ownTimer = true
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = ReconnectBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = ReconnectMaxAttempts
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return &Channel{
		dialer:       dialer,
		timer:        cfg.Timer,
		ownTimer:     ownTimer,
		onStatus:     cfg.OnStatus,
		onFrame:      cfg.OnFrame,
		baseDelay:    cfg.BaseDelay,
		maxAttempts:  cfg.MaxAttempts,
		writeTimeout: cfg.WriteTimeout,
		dialTimeout:  cfg.DialTimeout,
		state:        StateDisconnected,
	}
}

// Open establishes the connection. It is idempotent: calling while already
// connecting or connected is a no-op returning success. A dial failure does
// not surface as an error; it enters the reconnection path like any other
// connection loss. Once the channel is in fallback, Open refuses with
// ErrChannelFallback.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	switch c.state {
	case StateConnecting, StateConnected, StateReconnecting:
		c.mu.Unlock()
		return nil
	case StateFallback:
		// The reconnection bound was exhausted. Fallback holds until the
		// channel is torn down and a fresh one created.
		c.mu.Unlock()
		return ErrChannelFallback
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	conn, err := c.dialer.Dial(dialCtx)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		if err == nil {
			_ = conn.Close()
		}
		return ErrChannelClosed
	}
	if err != nil {
		slog.Warn("Channel.Open: dial failed, scheduling reconnect", "error", err)
		c.setStateLocked(StateDisconnected)
		c.scheduleReconnectLocked()
		return nil
	}
	c.adoptConnLocked(conn)
	return nil
}

// Send transmits one user message. Valid only while connected: it returns
// false immediately (without error) otherwise, signaling the caller to use the
// fallback transport.
func (c *Channel) Send(text string) bool {
	return c.writeFrame(models.NewMessageFrame(models.NewMessage(models.RoleUser, text)))
}

// SendInit transmits the session-opening frame with business context and the
// transcript accumulated so far.
func (c *Channel) SendInit(meta map[string]any, transcript models.Transcript) bool {
	return c.writeFrame(models.NewInitFrame(meta, transcript))
}

// RequestReview asks the agent to generate review text over the channel.
// The review arrives later as a review frame.
func (c *Channel) RequestReview() bool {
	return c.writeFrame(models.NewGenerateReviewFrame())
}

// Status returns the currently reported connection status.
func (c *Channel) Status() models.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return statusFor(c.state)
}

// Close tears the channel down: pending reconnection timers are cancelled and
// the connection released. Frames arriving from a closed channel are ignored.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.reconnectTimerID != "" {
		_ = c.timer.Cancel(c.reconnectTimerID)
		c.reconnectTimerID = ""
	}
	conn := c.conn
	c.conn = nil
	cancel := c.readCancel
	c.readCancel = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if c.ownTimer {
		c.timer.Stop()
	}
	slog.Debug("Channel.Close: channel torn down")
	return nil
}

// adoptConnLocked installs a fresh connection and starts its read loop.
// Caller holds mu.
func (c *Channel) adoptConnLocked(conn Conn) {
	c.conn = conn
	c.attempt = 0
	c.reconnectTimerID = ""
	readCtx, cancel := context.WithCancel(context.Background())
	c.readCancel = cancel
	c.setStateLocked(StateConnected)
	go c.readLoop(readCtx, conn)
}

// writeFrame encodes and sends a frame on the current connection, reporting
// success via the boolean contract of Send.
func (c *Channel) writeFrame(frame models.Frame) bool {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	c.mu.Unlock()

	data, err := frame.Encode()
	if err != nil {
		slog.Error("Channel.writeFrame: encode failed", "error", err, "type", frame.Type)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		slog.Warn("Channel.writeFrame: write failed", "error", err, "type", frame.Type)
		c.handleConnFailure(conn, err)
		return false
	}
	return true
}

// readLoop pumps inbound frames for one connection. Frames are processed in
// arrival order. Exiting the loop for any reason other than teardown enters
// the reconnection path.
func (c *Channel) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.handleConnFailure(conn, err)
			return
		}

		frame, perr := models.ParseInboundFrame(data)
		if perr != nil {
			// Protocol errors fail closed: log, drop the frame, no state change.
			slog.Warn("Channel.readLoop: dropping invalid frame", "error", perr)
			continue
		}

		if frame.Type == models.FramePing {
			pong := models.NewPongFrame(time.Now().UnixMilli())
			if b, err := pong.Encode(); err == nil {
				writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
				if werr := conn.Write(writeCtx, b); werr != nil {
					slog.Debug("Channel.readLoop: pong write failed", "error", werr)
				}
				cancel()
			}
			continue
		}

		c.mu.Lock()
		stale := c.closed || c.conn != conn
		handler := c.onFrame
		c.mu.Unlock()
		if stale {
			return
		}
		if handler != nil {
			handler(frame)
		}
	}
}

// handleConnFailure reacts to a transport-level close or error. Failures on a
// superseded or torn-down connection are ignored.
func (c *Channel) handleConnFailure(conn Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	slog.Warn("Channel: connection lost", "error", cause)
	c.conn = nil
	if c.readCancel != nil {
		c.readCancel()
		c.readCancel = nil
	}
	c.setStateLocked(StateDisconnected)
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	_ = conn.Close()
}

// scheduleReconnectLocked advances the retry counter and either schedules the
// next attempt or transitions permanently to fallback. Caller holds mu.
func (c *Channel) scheduleReconnectLocked() {
	c.attempt++
	if c.attempt > c.maxAttempts {
		slog.Warn("Channel: reconnection attempts exhausted, entering fallback", "attempts", c.maxAttempts)
		c.setStateLocked(StateFallback)
		return
	}
	delay := ReconnectDelay(c.attempt, c.baseDelay)
	c.setStateLocked(StateReconnecting)
	slog.Info("Channel: scheduling reconnect", "attempt", c.attempt, "delay", delay)
	id, err := c.timer.ScheduleAfter(delay, c.redial)
	if err != nil {
		slog.Error("Channel: failed to schedule reconnect", "error", err)
		c.setStateLocked(StateFallback)
		return
	}
	c.reconnectTimerID = id
}

// redial performs one scheduled reconnection attempt.
func (c *Channel) redial() {
	c.mu.Lock()
	if c.closed || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimerID = ""
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	conn, err := c.dialer.Dial(dialCtx)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		slog.Warn("Channel.redial: attempt failed", "attempt", c.attempt, "error", err)
		c.setStateLocked(StateDisconnected)
		c.scheduleReconnectLocked()
		return
	}
	slog.Info("Channel.redial: reconnected", "attempt", c.attempt)
	c.adoptConnLocked(conn)
}

// setStateLocked transitions the state machine and reports the mapped status
// to the observer when it changes. Caller holds mu.
func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	status := statusFor(s)
	if status == c.lastReported {
		return
	}
	c.lastReported = status
	if c.onStatus != nil {
		c.onStatus(status)
	}
}

// statusFor maps internal states to the observer-facing status values.
// Reconnecting is reported as connecting.
func statusFor(s State) models.ConnectionStatus {
	switch s {
	case StateConnecting, StateReconnecting:
		return models.StatusConnecting
	case StateConnected:
		return models.StatusConnected
	case StateFallback:
		return models.StatusFallback
	default:
		return models.StatusDisconnected
	}
}
