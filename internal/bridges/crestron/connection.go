package crestron

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for processor communication.
const (
	// DefaultReconnectDelay is the fixed delay before every reconnect attempt.
	// It never grows: the processor link is essential and retried forever.
	DefaultReconnectDelay = 2 * time.Second

	// defaultConnectTimeout is the maximum time to wait for a dial.
	defaultConnectTimeout = 10 * time.Second

	// defaultReadTimeout is how long the socket may sit idle before a
	// timeout is logged. A timeout never tears the session down.
	defaultReadTimeout = 5 * time.Minute

	// defaultWriteTimeout bounds a single command write.
	defaultWriteTimeout = 5 * time.Second

	// readBufferSize is the size of the socket read buffer.
	readBufferSize = 1024
)

// State is the lifecycle state of the processor session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config holds processor connection settings.
type Config struct {
	// Host is the processor address. Empty disables the integration.
	Host string

	// Port is the processor TCP port.
	Port int

	// ConnectTimeout bounds each dial. Default: 10 seconds.
	ConnectTimeout time.Duration

	// ReadTimeout is the idle period after which a socket timeout is
	// logged. Default: 5 minutes.
	ReadTimeout time.Duration

	// WriteTimeout bounds each command write. Default: 5 seconds.
	WriteTimeout time.Duration

	// ReconnectDelay is the fixed wait before each reconnect attempt.
	// Default: 2 seconds.
	ReconnectDelay time.Duration
}

// Address returns the host:port dial address.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Enabled reports whether a host is configured.
func (c Config) Enabled() bool {
	return c.Host != ""
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
}

// Stats holds operational statistics.
type Stats struct {
	BytesRx             uint64
	MessagesRx          uint64
	CommandsTx          uint64
	CommandsDropped     uint64 // Sends attempted while disconnected
	ErrorsTotal         uint64
	Timeouts            uint64 // Idle read timeouts (logged only)
	ReconnectsTotal     uint64 // Successful reconnections
	ReconnectsCoalesced uint64 // Triggers absorbed by an in-flight reconnect
	FramesDiscarded     uint64 // Oversized partial frames thrown away
	LastActivity        time.Time
	State               State
	Reconnecting        bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// MessageSink receives every decoded inbound message.
// *Dispatcher satisfies it.
type MessageSink interface {
	Dispatch(msg Message) int
}

// Sender is the outbound side of a Connection, as used by accessories.
type Sender interface {
	Send(ctx context.Context, cmd Command) error
}

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Ensure Connection implements Sender.
var _ Sender = (*Connection)(nil)

// Connection owns the single TCP session to a Crestron processor.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Inbound messages are delivered to the sink from the read goroutine,
//     one at a time and in wire order.
//
// Auto-Reconnection:
//   - A read error, a remote close or a failed write schedules a reconnect.
//   - Each attempt waits ReconnectDelay, then dials. Attempts repeat forever.
//   - Only one reconnect loop runs at a time; extra triggers are absorbed.
//   - Close cancels a pending reconnect.
type Connection struct {
	cfg  Config
	sink MessageSink
	dial dialFunc

	// Session state
	connMu sync.RWMutex
	conn   net.Conn
	state  State

	// Serialises writes so frames never interleave
	writeMu sync.Mutex

	started      atomic.Bool
	reconnecting atomic.Bool

	onStateChange func(State)
	callbackMu    sync.RWMutex

	// Shutdown coordination
	done   *closeOnce
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	// Statistics
	bytesRx             atomic.Uint64
	messagesRx          atomic.Uint64
	commandsTx          atomic.Uint64
	commandsDropped     atomic.Uint64
	errorsTotal         atomic.Uint64
	timeouts            atomic.Uint64
	reconnectsTotal     atomic.Uint64
	reconnectsCoalesced atomic.Uint64
	framesDiscarded     atomic.Uint64
	lastActivity        atomic.Int64
}

// NewConnection creates a connection that publishes inbound messages to sink.
// Nothing is dialled until Start.
func NewConnection(cfg Config, sink MessageSink) (*Connection, error) {
	if sink == nil {
		return nil, fmt.Errorf("message sink is required")
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	var dialer net.Dialer
	return &Connection{
		cfg:    cfg,
		sink:   sink,
		dial:   dialer.DialContext,
		state:  StateDisconnected,
		done:   newCloseOnce(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start dials the processor.
//
// An empty host returns ErrDisabled and nothing is dialled. A failed
// initial dial is not an error: it is logged and handed to the reconnect
// loop, which retries until it succeeds or Close is called.
func (c *Connection) Start(ctx context.Context) error {
	if !c.cfg.Enabled() {
		return ErrDisabled
	}
	if c.isClosed() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	c.setState(StateConnecting)
	conn, err := c.dialWithTimeout(ctx)
	if err != nil {
		c.errorsTotal.Add(1)
		c.logError("connect failed, will retry", err,
			"address", c.cfg.Address(),
			"retry_in", c.cfg.ReconnectDelay.String(),
		)
		c.setState(StateDisconnected)
		c.scheduleReconnect()
		return nil
	}

	c.install(conn)
	c.logInfo("connected to processor", "address", c.cfg.Address())
	return nil
}

// install makes conn the live session and starts its read loop.
func (c *Connection) install(conn net.Conn) {
	c.connMu.Lock()
	if c.isClosed() {
		c.connMu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.wg.Add(1)
	c.connMu.Unlock()

	c.lastActivity.Store(time.Now().Unix())
	c.notifyState(StateConnected)

	go c.readLoop(conn)
}

// readLoop reads from one session until it fails or the connection closes.
func (c *Connection) readLoop(conn net.Conn) {
	defer c.wg.Done()

	var framer Framer
	buf := make([]byte, readBufferSize)

	for {
		if c.isClosed() {
			return
		}

		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			c.connectionLost(conn, fmt.Errorf("set read deadline: %w", err))
			return
		}

		n, err := conn.Read(buf)
		if n > 0 {
			c.handleChunk(&framer, buf[:n])
		}
		if err == nil {
			continue
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.timeouts.Add(1)
			c.logDebug("socket timeout", "idle", c.cfg.ReadTimeout.String())
			continue
		}

		if c.isClosed() {
			return
		}
		if errors.Is(err, io.EOF) {
			c.logInfo("processor closed connection", "address", c.cfg.Address())
		} else {
			c.errorsTotal.Add(1)
			c.logError("read failed", err, "address", c.cfg.Address())
		}
		c.connectionLost(conn, err)
		return
	}
}

// handleChunk frames a read and dispatches each complete message.
func (c *Connection) handleChunk(framer *Framer, chunk []byte) {
	c.bytesRx.Add(uint64(len(chunk)))
	c.lastActivity.Store(time.Now().Unix())

	discardedBefore := framer.Discarded()
	msgs := framer.Feed(chunk)
	if d := framer.Discarded() - discardedBefore; d > 0 {
		c.framesDiscarded.Add(d)
		c.logWarn("discarding oversized partial frame", "limit", MaxResidual)
	}

	for _, msg := range msgs {
		c.messagesRx.Add(1)
		c.sink.Dispatch(msg)
	}
}

// connectionLost tears down conn and schedules a reconnect if conn was the
// live session. Later calls for the same conn are no-ops.
func (c *Connection) connectionLost(conn net.Conn, cause error) {
	c.connMu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.state = StateDisconnected
	}
	c.connMu.Unlock()

	conn.Close()
	if !current || c.isClosed() {
		return
	}

	c.notifyState(StateDisconnected)
	c.logWarn("connection lost, will reconnect",
		"cause", cause,
		"retry_in", c.cfg.ReconnectDelay.String(),
	)
	c.scheduleReconnect()
}

// scheduleReconnect starts the reconnect loop unless one is already running.
// It returns false when the trigger was absorbed by an in-flight reconnect.
func (c *Connection) scheduleReconnect() bool {
	if c.isClosed() {
		return false
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		c.reconnectsCoalesced.Add(1)
		c.logDebug("reconnect already in flight")
		return false
	}

	c.wg.Add(1)
	go c.reconnectLoop()
	return true
}

// reconnectLoop waits the fixed delay and dials, forever, until a dial
// succeeds or the connection is closed.
func (c *Connection) reconnectLoop() {
	defer c.wg.Done()

	timer := time.NewTimer(c.cfg.ReconnectDelay)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-c.done.Done():
			c.reconnecting.Store(false)
			return
		case <-timer.C:
		}

		c.setState(StateConnecting)
		c.logInfo("attempting reconnection", "attempt", attempt, "address", c.cfg.Address())

		conn, err := c.dialWithTimeout(c.ctx)
		if err != nil {
			c.errorsTotal.Add(1)
			c.logError("reconnect failed", err,
				"attempt", attempt,
				"retry_in", c.cfg.ReconnectDelay.String(),
			)
			c.setState(StateDisconnected)
			timer.Reset(c.cfg.ReconnectDelay)
			continue
		}

		// Clear the flag before the new session can fail and ask again.
		c.reconnecting.Store(false)
		c.reconnectsTotal.Add(1)
		c.install(conn)
		c.logInfo("reconnection successful",
			"attempts", attempt,
			"total_reconnects", c.reconnectsTotal.Load(),
		)
		return
	}
}

// dialWithTimeout dials the processor, bounded by ConnectTimeout.
func (c *Connection) dialWithTimeout(ctx context.Context) (net.Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.dial(ctx, "tcp", c.cfg.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, c.cfg.Address(), err)
	}
	return conn, nil
}

// Send writes cmd to the processor.
//
// While disconnected the command is dropped and ErrNotConnected returned;
// there is no queue and nothing is replayed after reconnecting. A write
// failure is treated as a lost connection.
func (c *Connection) Send(ctx context.Context, cmd Command) error {
	if cmd.DeviceType == "" || cmd.Name == "" {
		return fmt.Errorf("%w: %q", ErrInvalidCommand, cmd.String())
	}
	if c.isClosed() {
		return ErrClosed
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSendFailed, ctx.Err())
	default:
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		c.commandsDropped.Add(1)
		c.logDebug("dropping command while disconnected", "command", cmd.String())
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	frame := cmd.Encode()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrSendFailed, err)
	}
	if _, err := conn.Write(frame); err != nil {
		c.errorsTotal.Add(1)
		c.connectionLost(conn, err)
		return fmt.Errorf("%w: write: %w", ErrSendFailed, err)
	}

	c.commandsTx.Add(1)
	c.lastActivity.Store(time.Now().Unix())
	c.logDebug("command sent", "command", cmd.String())
	return nil
}

// Close stops the connection, cancels any pending reconnect and waits for
// background goroutines. Safe to call multiple times.
func (c *Connection) Close() error {
	c.done.Close()
	c.cancel()

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.connMu.Unlock()

	if conn != nil {
		conn.Close()
	}

	c.wg.Wait()

	if wasConnected {
		c.notifyState(StateDisconnected)
	}
	c.logInfo("connection closed")
	return nil
}

func (c *Connection) setState(s State) {
	c.connMu.Lock()
	changed := c.state != s
	c.state = s
	c.connMu.Unlock()

	if changed {
		c.notifyState(s)
	}
}

func (c *Connection) notifyState(s State) {
	c.callbackMu.RLock()
	cb := c.onStateChange
	c.callbackMu.RUnlock()

	if cb != nil {
		cb(s)
	}
}

// isClosed returns true if Close has been called.
func (c *Connection) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// SetOnStateChange registers a callback for session state transitions.
func (c *Connection) SetOnStateChange(callback func(State)) {
	c.callbackMu.Lock()
	c.onStateChange = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger for this connection.
func (c *Connection) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// Config returns the effective configuration, defaults applied.
func (c *Connection) Config() Config {
	return c.cfg
}

// State returns the current session state.
func (c *Connection) State() State {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.state
}

// IsConnected returns true if a session is live.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Stats returns current operational statistics.
func (c *Connection) Stats() Stats {
	return Stats{
		BytesRx:             c.bytesRx.Load(),
		MessagesRx:          c.messagesRx.Load(),
		CommandsTx:          c.commandsTx.Load(),
		CommandsDropped:     c.commandsDropped.Load(),
		ErrorsTotal:         c.errorsTotal.Load(),
		Timeouts:            c.timeouts.Load(),
		ReconnectsTotal:     c.reconnectsTotal.Load(),
		ReconnectsCoalesced: c.reconnectsCoalesced.Load(),
		FramesDiscarded:     c.framesDiscarded.Load(),
		LastActivity:        time.Unix(c.lastActivity.Load(), 0),
		State:               c.State(),
		Reconnecting:        c.reconnecting.Load(),
	}
}

// HealthCheck reports whether the processor session is live.
func (c *Connection) HealthCheck(_ context.Context) error {
	if !c.cfg.Enabled() {
		return ErrDisabled
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (c *Connection) logDebug(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (c *Connection) logInfo(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (c *Connection) logWarn(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (c *Connection) logError(msg string, err error, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}

func (c *Connection) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}
