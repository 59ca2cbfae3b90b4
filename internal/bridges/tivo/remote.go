package tivo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
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

// Default timeouts and limits for receiver communication.
const (
	// defaultConnectTimeout is the maximum time to wait for a connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultReadTimeout bounds each read. The receiver is silent between
	// events, so reads time out routinely while idle.
	defaultReadTimeout = 90 * time.Second

	// defaultWriteTimeout is the timeout for write operations.
	defaultWriteTimeout = 5 * time.Second

	// defaultReconnectDelay is the initial delay between reconnection attempts.
	defaultReconnectDelay = 5 * time.Second

	// defaultMaxReconnectDelay caps the reconnection backoff.
	defaultMaxReconnectDelay = 2 * time.Minute

	// defaultMaxReconnectAttempts is how many consecutive failed
	// reconnections are tolerated before the link is declared lost.
	defaultMaxReconnectAttempts = 10

	// readBufferSize is the buffered reader size for incoming lines.
	readBufferSize = 256

	// maxLineBytes caps a single status line. Anything longer means the
	// stream is desynchronised.
	maxLineBytes = 512

	// eventQueueSize is the buffer size for the status event queue.
	eventQueueSize = 100
)

// RemoteConfig holds receiver connection configuration.
type RemoteConfig struct {
	// Address is the receiver's TCP address, host:port. The remote
	// control protocol listens on port 31339.
	Address string

	// ConnectTimeout is the maximum time to wait for a connection.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// ReadTimeout bounds each read operation. Default: 90 seconds.
	ReadTimeout time.Duration

	// ReconnectInitialDelay is the initial delay between reconnection
	// attempts. Default: 5 seconds.
	ReconnectInitialDelay time.Duration

	// ReconnectMaxDelay caps the reconnection backoff. Default: 2 minutes.
	ReconnectMaxDelay time.Duration

	// MaxReconnectAttempts is the number of consecutive failed
	// reconnections after which the link is declared lost and the fatal
	// callback fires. Default: 10.
	MaxReconnectAttempts int
}

// RemoteStats holds operational statistics.
type RemoteStats struct {
	CommandsTx      uint64
	EventsRx        uint64
	EventsDropped   uint64 // Events dropped due to full dispatch queue
	ErrorsTotal     uint64
	ReconnectsTotal uint64 // Successful reconnections
	LastActivity    time.Time
	Connected       bool
	Reconnecting    bool // True if currently attempting to reconnect
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Connector is the receiver session contract consumed by the bridge.
// It allows mocking the remote in tests.
type Connector interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, cmd Command) error
	SetOnEvent(callback func(StatusEvent))
	SetOnFatal(callback func(error))
	IsConnected() bool
	Stats() RemoteStats
	Close() error
}

// Ensure Remote implements Connector.
var _ Connector = (*Remote)(nil)

// Remote maintains the TCP session with the receiver's remote control
// service.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Status events are delivered on a single dispatch goroutine, in the
//     order the receiver sent them.
//
// Auto-Reconnection:
//   - When the connection is lost, the remote reconnects with exponential
//     backoff starting at ReconnectInitialDelay up to ReconnectMaxDelay.
//   - After MaxReconnectAttempts consecutive failures the link is declared
//     lost: the fatal callback fires once and the remote stays down.
type Remote struct {
	cfg  RemoteConfig
	conn net.Conn

	// Connection state
	connMu    sync.RWMutex
	connected bool

	// Connect() is single-shot; the remote owns reconnection afterwards.
	started atomic.Bool

	// Reconnection state
	reconnecting   atomic.Bool  // True while reconnection is in progress
	reconnectCount atomic.Int32 // Consecutive reconnection attempts

	// Event callback and fatal escalation
	onEvent    func(StatusEvent)
	onFatal    func(error)
	callbackMu sync.RWMutex
	fatalOnce  sync.Once

	// Event queue drained by a single worker, preserving receiver order
	eventQueue chan StatusEvent

	// Shutdown coordination (closeOnce prevents double-close panics)
	done *closeOnce
	wg   sync.WaitGroup

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex

	// Statistics (atomic for performance)
	commandsTx      atomic.Uint64
	eventsRx        atomic.Uint64
	eventsDropped   atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64 // Unix timestamp
}

// NewRemote creates a remote for the receiver at cfg.Address.
// Call Connect to establish the session.
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ReconnectInitialDelay == 0 {
		cfg.ReconnectInitialDelay = defaultReconnectDelay
	}
	if cfg.ReconnectMaxDelay == 0 {
		cfg.ReconnectMaxDelay = defaultMaxReconnectDelay
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}

	return &Remote{
		cfg:        cfg,
		done:       newCloseOnce(),
		eventQueue: make(chan StatusEvent, eventQueueSize),
	}
}

// Connect establishes the TCP session with the receiver and starts the
// receive and dispatch loops.
//
// There is no handshake: the receiver pushes a CH_STATUS line as soon as
// the session opens, which the receive loop picks up like any other
// event. Connect may be called once; reconnection after a lost link is
// handled internally.
func (r *Remote) Connect(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: already connected", ErrConnectionFailed)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	connectCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(connectCtx, "tcp", r.cfg.Address)
	if err != nil {
		r.started.Store(false)
		return fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, r.cfg.Address, err)
	}

	r.connMu.Lock()
	r.conn = conn
	r.connected = true
	r.connMu.Unlock()
	r.lastActivity.Store(time.Now().Unix())

	// Single dispatch worker keeps events in receiver order
	r.wg.Add(1)
	go r.dispatchLoop()

	r.wg.Add(1)
	go r.receiveLoop()

	r.logInfo("connected to receiver", "address", r.cfg.Address)
	return nil
}

// receiveLoop continuously reads status lines from the receiver.
// On connection loss it reconnects with exponential backoff; when the
// attempt budget is exhausted it reports a fatal error and exits.
func (r *Remote) receiveLoop() {
	defer r.wg.Done()

	reader := bufio.NewReaderSize(r.currentConn(), readBufferSize)
	var pending strings.Builder

	for {
		select {
		case <-r.done.Done():
			return
		default:
		}

		line, err := r.readLine(reader, &pending)
		if err != nil {
			if r.handleReadError(err) {
				if r.isClosed() {
					return // Shutdown requested, exit cleanly
				}

				if !r.reconnect() {
					return // Shutdown or link declared lost
				}

				// Fresh connection needs a fresh reader
				reader = bufio.NewReaderSize(r.currentConn(), readBufferSize)
				pending.Reset()
			}
			continue
		}

		if line == "" {
			continue
		}

		r.handleStatusLine(line)
	}
}

// readLine reads one CR-terminated line, accumulating across reads in
// pending. A deadline bounds each call; on timeout any partial line stays
// in pending so nothing is lost when the receiver is mid-write. Lines
// over maxLineBytes return ErrLineTooLong, which is fatal to the
// connection.
func (r *Remote) readLine(reader *bufio.Reader, pending *strings.Builder) (string, error) {
	conn := r.currentConn()
	if conn == nil {
		return "", ErrNotConnected
	}

	if err := conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout)); err != nil {
		return "", fmt.Errorf("set read deadline: %w", err)
	}

	for {
		chunk, err := reader.ReadSlice('\r')
		pending.Write(chunk)

		if pending.Len() > maxLineBytes {
			pending.Reset()
			return "", ErrLineTooLong
		}

		if err == nil {
			line := strings.TrimSpace(pending.String())
			pending.Reset()
			return line, nil
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue // No delimiter yet, keep accumulating
		}

		return "", err
	}
}

// handleReadError processes a read error and returns true if the
// connection must be re-established.
func (r *Remote) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if r.isClosed() {
		return true // Clean shutdown
	}

	// An oversized line means the stream is desynchronised. Close the
	// socket immediately and reconnect for clean framing.
	if errors.Is(err, ErrLineTooLong) {
		r.logError("status line too long, closing connection", err)
		r.errorsTotal.Add(1)
		r.closeOldConnection()
		r.handleDisconnect()
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false // The receiver is silent while idle, not an error
	}

	r.logError("read failed", err)
	r.errorsTotal.Add(1)
	r.handleDisconnect()
	return true
}

// handleStatusLine parses a status line and queues the event for dispatch.
func (r *Remote) handleStatusLine(line string) {
	ev := ParseStatusLine(line)

	r.eventsRx.Add(1)
	r.lastActivity.Store(time.Now().Unix())

	r.callbackMu.RLock()
	hasCallback := r.onEvent != nil
	r.callbackMu.RUnlock()

	if hasCallback {
		// Non-blocking queue with drop on overflow
		select {
		case r.eventQueue <- ev:
		default:
			r.logError("event queue full, dropping status event", nil)
			r.eventsDropped.Add(1)
			r.errorsTotal.Add(1)
		}
	}
}

// dispatchLoop delivers queued events to the callback one at a time.
func (r *Remote) dispatchLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.done.Done():
			r.drainEventQueue()
			return
		case ev := <-r.eventQueue:
			r.callbackMu.RLock()
			callback := r.onEvent
			r.callbackMu.RUnlock()

			if callback != nil {
				func() {
					defer func() {
						if rec := recover(); rec != nil {
							r.logError("event callback panic", fmt.Errorf("%v", rec))
						}
					}()
					callback(ev)
				}()
			}
		}
	}
}

// handleDisconnect handles connection loss ahead of reconnection.
func (r *Remote) handleDisconnect() {
	r.connMu.Lock()
	wasConnected := r.connected
	r.connected = false
	r.connMu.Unlock()

	if wasConnected {
		r.logInfo("connection lost, will attempt reconnection")
	}
}

// reconnect attempts to re-establish the receiver connection with
// exponential backoff. Returns true on success, false if shutdown was
// signalled or the attempt budget ran out (which reports a fatal error).
func (r *Remote) reconnect() bool {
	// Prevent multiple concurrent reconnection attempts
	if !r.reconnecting.CompareAndSwap(false, true) {
		return r.waitForReconnection()
	}
	defer r.reconnecting.Store(false)

	backoff := r.cfg.ReconnectInitialDelay

	for {
		if r.isClosed() {
			return false
		}

		attempt := r.reconnectCount.Add(1)
		r.logInfo("attempting reconnection",
			"attempt", attempt,
			"max_attempts", r.cfg.MaxReconnectAttempts,
			"backoff", backoff.String())

		r.closeOldConnection()

		conn, err := r.dialWithTimeout()
		if err != nil {
			r.logError("reconnect: dial failed", err)
			r.errorsTotal.Add(1)

			if r.cfg.MaxReconnectAttempts > 0 && int(attempt) >= r.cfg.MaxReconnectAttempts {
				r.handleFatal(fmt.Errorf("%w: %d reconnection attempts failed",
					ErrLinkLost, attempt))
				return false
			}

			backoff = r.nextBackoff(backoff)
			if backoff == 0 {
				return false // Shutdown signalled
			}
			continue
		}

		r.finalizeReconnection(conn)
		return true
	}
}

// waitForReconnection waits for another goroutine to complete reconnection.
func (r *Remote) waitForReconnection() bool {
	for r.reconnecting.Load() && !r.isClosed() {
		time.Sleep(100 * time.Millisecond)
	}
	return !r.isClosed() && r.IsConnected()
}

// closeOldConnection closes the existing connection if any.
func (r *Remote) closeOldConnection() {
	r.connMu.Lock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.connMu.Unlock()
}

// dialWithTimeout attempts to dial the receiver with the connect timeout.
func (r *Remote) dialWithTimeout() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", r.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dial tcp://%s: %w", r.cfg.Address, err)
	}
	return conn, nil
}

// nextBackoff sleeps for the current backoff and returns the next one,
// or 0 if shutdown was signalled while waiting.
func (r *Remote) nextBackoff(backoff time.Duration) time.Duration {
	select {
	case <-r.done.Done():
		return 0
	case <-time.After(backoff):
	}

	next := time.Duration(float64(backoff) * 1.5)
	if next > r.cfg.ReconnectMaxDelay {
		next = r.cfg.ReconnectMaxDelay
	}
	return next
}

// finalizeReconnection adopts the new connection and updates stats.
func (r *Remote) finalizeReconnection(conn net.Conn) {
	r.connMu.Lock()
	r.conn = conn
	r.connected = true
	r.connMu.Unlock()

	r.reconnectCount.Store(0)
	r.reconnectsTotal.Add(1)
	r.lastActivity.Store(time.Now().Unix())

	r.logInfo("reconnection successful", "total_reconnects", r.reconnectsTotal.Load())
}

// handleFatal reports an unrecoverable transport failure exactly once.
func (r *Remote) handleFatal(err error) {
	r.fatalOnce.Do(func() {
		r.connMu.Lock()
		r.connected = false
		r.connMu.Unlock()

		r.logError("receiver link lost", err)

		r.callbackMu.RLock()
		onFatal := r.onFatal
		r.callbackMu.RUnlock()

		if onFatal != nil {
			onFatal(err)
		}
	})
}

// drainEventQueue discards any remaining queued events during shutdown.
func (r *Remote) drainEventQueue() {
	for {
		select {
		case <-r.eventQueue:
		default:
			return
		}
	}
}

// isClosed returns true if the remote has been closed.
func (r *Remote) isClosed() bool {
	select {
	case <-r.done.Done():
		return true
	default:
		return false
	}
}

// currentConn returns the active connection, or nil.
func (r *Remote) currentConn() net.Conn {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	return r.conn
}

// Close gracefully closes the receiver session.
//
// It signals the receive and dispatch loops to stop and closes the
// underlying connection, which also unblocks any pending read. Safe to
// call multiple times.
func (r *Remote) Close() error {
	r.done.Close()

	r.connMu.Lock()
	r.connected = false
	conn := r.conn
	r.connMu.Unlock()

	if conn != nil {
		conn.Close()
	}

	r.wg.Wait()

	r.logInfo("receiver connection closed")
	return nil
}

// Send writes a command to the receiver.
//
// Delivery is fire-and-forget: the receiver acknowledges channel changes
// with an asynchronous CH_STATUS or CH_FAILED line, which arrives through
// the event callback rather than as a return value here.
func (r *Remote) Send(ctx context.Context, cmd Command) error {
	if !r.IsConnected() {
		return ErrNotConnected
	}

	line, err := cmd.Encode()
	if err != nil {
		return err
	}

	// Check context before touching the connection
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSendFailed, ctx.Err())
	default:
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	r.connMu.RLock()
	conn := r.conn
	r.connMu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrSendFailed, err)
	}

	if _, err := conn.Write([]byte(line)); err != nil {
		r.errorsTotal.Add(1)
		return fmt.Errorf("%w: write: %w", ErrSendFailed, err)
	}

	r.commandsTx.Add(1)
	r.lastActivity.Store(time.Now().Unix())

	return nil
}

// SetOnEvent sets the callback for received status events.
//
// Events are delivered one at a time from a dedicated goroutine, in the
// order the receiver sent them. Panics in the callback are recovered and
// logged.
func (r *Remote) SetOnEvent(callback func(StatusEvent)) {
	r.callbackMu.Lock()
	r.onEvent = callback
	r.callbackMu.Unlock()
}

// SetOnFatal sets the callback invoked when the receiver link is declared
// lost. It fires at most once.
func (r *Remote) SetOnFatal(callback func(error)) {
	r.callbackMu.Lock()
	r.onFatal = callback
	r.callbackMu.Unlock()
}

// SetLogger sets the logger for this remote.
func (r *Remote) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

// IsConnected returns true if connected to the receiver.
func (r *Remote) IsConnected() bool {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	return r.connected
}

// Stats returns current operational statistics.
func (r *Remote) Stats() RemoteStats {
	var lastActivity time.Time
	if ts := r.lastActivity.Load(); ts != 0 {
		lastActivity = time.Unix(ts, 0)
	}

	return RemoteStats{
		CommandsTx:      r.commandsTx.Load(),
		EventsRx:        r.eventsRx.Load(),
		EventsDropped:   r.eventsDropped.Load(),
		ErrorsTotal:     r.errorsTotal.Load(),
		ReconnectsTotal: r.reconnectsTotal.Load(),
		LastActivity:    lastActivity,
		Connected:       r.IsConnected(),
		Reconnecting:    r.reconnecting.Load(),
	}
}

// logInfo logs an info message if logger is set.
func (r *Remote) logInfo(msg string, keysAndValues ...any) {
	r.loggerMu.RLock()
	logger := r.logger
	r.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (r *Remote) logError(msg string, err error) {
	r.loggerMu.RLock()
	logger := r.logger
	r.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
