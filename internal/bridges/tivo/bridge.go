package tivo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Bridge operation constants.
const (
	// commandTimeout is the timeout for writing a command to the receiver.
	commandTimeout = 5 * time.Second

	// commandQueueSize is the buffer for decoded commands awaiting dispatch.
	commandQueueSize = 64
)

// State is the bridge lifecycle state.
type State int32

const (
	// StateCreated means the bridge exists but Start has not been called.
	StateCreated State = iota

	// StateStarting means Start is connecting to the receiver. Receiver
	// events are already handled; inbound MQTT commands are not.
	StateStarting

	// StateRunning means the bridge is fully operational.
	StateRunning

	// StateStopping means Stop is releasing resources.
	StateStopping

	// StateStopped means the bridge shut down cleanly.
	StateStopped

	// StateFaulted means the receiver transport failed permanently.
	// Terminal: the process is expected to exit and be restarted by a
	// supervisor.
	StateFaulted
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Bridge orchestrates bidirectional translation between the receiver's
// remote control protocol and MQTT. It handles:
//   - Receiving control payloads via MQTT and dispatching typed commands
//     to the receiver
//   - Receiving receiver status events and publishing channel state to MQTT
//   - Health reporting, fatal escalation, and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	bridgeID  string
	topicRoot string
	mqtt      MQTTClient
	remote    Connector
	health    *HealthReporter
	history   ChannelRecorder // Optional channel history persistence
	telemetry Telemetry       // Optional time-series telemetry

	// Lifecycle state (stores a State value)
	state atomic.Int32

	// Decoded commands awaiting dispatch, drained by a single worker so
	// commands reach the receiver in broker-delivery order.
	commandQueue    chan Command
	commandsDropped atomic.Uint64

	// Fatal escalation. fatalCh is buffered; the top-level runner selects
	// on Fatal() and terminates the process.
	fatalCh   chan error
	faultOnce sync.Once
	faultMu   sync.Mutex
	faultErr  error

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	// Logger
	logger   Logger
	loggerMu sync.RWMutex
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool

	// Disconnect closes the connection gracefully.
	Disconnect(quiesce uint)
}

// ChannelRecorder persists channel changes reported by the receiver.
// This is optional - if nil, the bridge operates without history.
type ChannelRecorder interface {
	// RecordChannelChange stores one channel change. reason is the
	// receiver-reported cause (e.g. "LOCAL", "REMOTE", "RECORDING").
	RecordChannelChange(ctx context.Context, channel, subchannel int, hasSubchannel bool, reason string) error
}

// Telemetry records operational measurements.
// This is optional - if nil, the bridge operates without telemetry.
type Telemetry interface {
	// RecordChannelStatus records a channel status event.
	RecordChannelStatus(channel, subchannel int, hasSubchannel bool)

	// RecordCommand records a dispatched command by type.
	RecordCommand(commandType string)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// BridgeID is the bridge identifier used in health messages.
	BridgeID string

	// TopicRoot is this receiver's namespace on the MQTT tree
	// (e.g., "tivo/livingroom"). Immutable for the bridge's lifetime.
	TopicRoot string

	// Version is the bridge software version, for health messages.
	Version string

	// ReceiverAddress is the receiver's TCP address, for health reporting.
	ReceiverAddress string

	// HealthInterval is how often to publish health status.
	HealthInterval time.Duration

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Remote is the receiver session.
	Remote Connector

	// Logger is optional structured logger.
	Logger Logger

	// History is optional channel change persistence.
	History ChannelRecorder

	// Telemetry is optional time-series telemetry.
	Telemetry Telemetry
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.TopicRoot == "" {
		return nil, fmt.Errorf("topic root is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Remote == nil {
		return nil, fmt.Errorf("receiver remote is required")
	}

	// Create bridge-level context for command cancellation on shutdown
	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		bridgeID:     opts.BridgeID,
		topicRoot:    opts.TopicRoot,
		mqtt:         opts.MQTTClient,
		remote:       opts.Remote,
		history:      opts.History,   // May be nil (optional)
		telemetry:    opts.Telemetry, // May be nil (optional)
		commandQueue: make(chan Command, commandQueueSize),
		fatalCh:      make(chan error, 1),
		done:         make(chan struct{}),
		ctx:          ctx,
		ctxCancel:    ctxCancel,
		logger:       opts.Logger,
	}
	b.state.Store(int32(StateCreated))

	// Create health reporter
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:        opts.BridgeID,
		Version:         opts.Version,
		TopicRoot:       opts.TopicRoot,
		ReceiverAddress: opts.ReceiverAddress,
		Interval:        opts.HealthInterval,
		Publisher:       opts.MQTTClient,
		Remote:          opts.Remote,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Fatal returns a channel that receives the fatal error when the receiver
// transport fails permanently. The top-level runner is expected to exit
// the process with a non-zero status when this fires.
func (b *Bridge) Fatal() <-chan error {
	return b.fatalCh
}

// Start begins bridge operation: it connects the receiver session,
// subscribes to the control topics, and starts health reporting.
//
// The connect is fire-and-continue with respect to the receiver's own
// chatter: status events flow asynchronously once the session is up and
// Start does not wait for the first one.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		return ErrAlreadyStarted
	}

	// Publish starting status
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	// Receiver events are handled from Starting onward. They may race the
	// connect call: the receiver pushes a status line as soon as the
	// session opens.
	b.remote.SetOnEvent(b.handleStatusEvent)
	b.remote.SetOnFatal(b.fault)

	if err := b.remote.Connect(ctx); err != nil {
		b.fault(err)
		return fmt.Errorf("connect to receiver: %w", err)
	}

	// Subscribe to control topics
	controlTopic := CommandSubscribeTopic(b.topicRoot)
	if err := b.mqtt.Subscribe(controlTopic, 1, b.handleMQTTMessage); err != nil {
		b.fault(err)
		return fmt.Errorf("subscribe to controls: %w", err)
	}
	b.logInfo("subscribed to controls", "topic", controlTopic)

	// Start the command dispatch worker
	b.wg.Add(1)
	go b.dispatchLoop()

	// Start health reporting
	b.health.Start(ctx)

	if !b.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		// The receiver faulted while we were starting up.
		return fmt.Errorf("bridge faulted during startup")
	}

	// Publish initial healthy status
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish healthy status", err)
	}

	b.logInfo("bridge started",
		"bridge_id", b.bridgeID,
		"topic_root", b.topicRoot)

	return nil
}

// Stop gracefully shuts down the bridge. The receiver session is released
// exactly once regardless of which state triggered shutdown; queued
// commands are not drained.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		stopping := b.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) ||
			b.state.CompareAndSwap(int32(StateStarting), int32(StateStopping))

		close(b.done)

		// Cancel bridge context to abort in-flight dispatches
		b.ctxCancel()

		// Stop health reporting (publishes "stopping" status)
		b.health.Stop()

		// A faulted bridge should leave the retained health topic showing
		// the fault, not "stopping".
		if !stopping && b.State() == StateFaulted {
			b.faultMu.Lock()
			faultErr := b.faultErr
			b.faultMu.Unlock()
			if faultErr != nil {
				//nolint:errcheck // Best-effort during shutdown
				b.health.PublishUnhealthy(faultErr.Error())
			}
		}

		// Release the receiver session
		if err := b.remote.Close(); err != nil {
			b.logError("failed to close receiver session", err)
		}

		// Wait for the dispatch worker
		b.wg.Wait()

		if stopping {
			b.state.Store(int32(StateStopped))
		}

		b.logInfo("bridge stopped", "state", b.State().String())
	})
}

// handleMQTTMessage decodes an inbound control payload and queues the
// resulting command for dispatch. Runs on the MQTT client's delivery
// goroutine, so it never blocks: a full queue drops the command.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	if b.State() != StateRunning {
		b.logDebug("ignoring control message, bridge not running",
			"topic", topic,
			"state", b.State().String())
		return
	}

	token, ok := CommandToken(b.topicRoot, topic)
	if !ok {
		b.logDebug("ignoring message on unexpected topic", "topic", topic)
		return
	}

	cmd, ok := DecodeCommand(token, string(payload))
	if !ok {
		// Malformed payloads are silently ignored; MQTT has no NACK.
		b.logDebug("undecodable control payload",
			"topic", topic,
			"payload", string(payload))
		return
	}

	select {
	case b.commandQueue <- cmd:
	default:
		b.commandsDropped.Add(1)
		b.logWarn("command queue full, dropping command",
			"command", cmd.Type.String())
	}
}

// dispatchLoop sends queued commands to the receiver one at a time,
// preserving broker-delivery order.
func (b *Bridge) dispatchLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case cmd := <-b.commandQueue:
			if b.State() != StateRunning {
				b.logDebug("discarding queued command, bridge not running",
					"command", cmd.Type.String())
				continue
			}
			b.sendCommand(cmd)
		}
	}
}

// sendCommand writes one command to the receiver. Failures are logged and
// swallowed: retry is the session's concern, and a dead link surfaces
// through the fatal path instead.
func (b *Bridge) sendCommand(cmd Command) {
	if b.telemetry != nil {
		b.telemetry.RecordCommand(cmd.Type.String())
	}

	// Derive timeout from bridge context so dispatches abort on shutdown
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if err := b.remote.Send(ctx, cmd); err != nil {
		b.logError("command dispatch failed", err)
		return
	}

	b.logDebug("command dispatched", "command", cmd.Type.String())
}

// handleStatusEvent translates a receiver status event into a channel
// state publication. Runs on the remote's dispatch goroutine, one event
// at a time, in receiver order.
func (b *Bridge) handleStatusEvent(ev StatusEvent) {
	state := b.State()
	if state != StateStarting && state != StateRunning {
		return
	}

	if ev.Type == EventChannelStatus && b.telemetry != nil {
		b.telemetry.RecordChannelStatus(ev.Channel, ev.Subchannel, ev.HasSubchannel)
	}

	pub, ok := TranslateStatus(b.topicRoot, ev)
	if !ok {
		b.logDebug("unpublished status event",
			"event", ev.Type.String(),
			"raw", ev.Raw)
		return
	}

	// Publish is best-effort: the MQTT client owns broker reconnection.
	if err := b.mqtt.Publish(pub.Topic, []byte(pub.Payload), pub.QoS, pub.Retained); err != nil {
		b.logError("failed to publish channel state", err)
	} else {
		b.logInfo("channel state published",
			"topic", pub.Topic,
			"payload", pub.Payload)
	}

	if b.history != nil {
		if err := b.history.RecordChannelChange(b.ctx, ev.Channel, ev.Subchannel, ev.HasSubchannel, ev.Reason); err != nil {
			b.logDebug("failed to record channel change", "error", err)
		}
	}
}

// fault escalates a fatal receiver transport error: the bridge transitions
// to Faulted and the error surfaces on Fatal() exactly once. Fatal errors
// arriving after shutdown began are logged and otherwise ignored.
func (b *Bridge) fault(err error) {
	b.faultOnce.Do(func() {
		if !b.state.CompareAndSwap(int32(StateRunning), int32(StateFaulted)) &&
			!b.state.CompareAndSwap(int32(StateStarting), int32(StateFaulted)) {
			b.logDebug("fatal error after shutdown began", "error", err)
			return
		}

		b.faultMu.Lock()
		b.faultErr = err
		b.faultMu.Unlock()

		b.logError("receiver transport failed, bridge faulted", err)

		// Best-effort: consumers learn the cause before the process exits
		//nolint:errcheck
		b.health.PublishUnhealthy(err.Error())

		select {
		case b.fatalCh <- err:
		default:
		}
	})
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning message if logger is set.
func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// BridgeMetrics contains a snapshot of bridge counters.
type BridgeMetrics struct {
	State           string
	Connected       bool
	CommandsTx      uint64
	CommandsDropped uint64
	EventsRx        uint64
	EventsDropped   uint64
	Reconnects      uint64
}

// GetMetrics returns current bridge metrics.
func (b *Bridge) GetMetrics() BridgeMetrics {
	stats := b.remote.Stats()

	return BridgeMetrics{
		State:           b.State().String(),
		Connected:       stats.Connected,
		CommandsTx:      stats.CommandsTx,
		CommandsDropped: b.commandsDropped.Load(),
		EventsRx:        stats.EventsRx,
		EventsDropped:   stats.EventsDropped,
		Reconnects:      stats.ReconnectsTotal,
	}
}
