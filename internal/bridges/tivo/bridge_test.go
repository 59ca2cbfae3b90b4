package tivo

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []mockSubscription
	connected     bool
	handlers      map[string]func(topic string, payload []byte)
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockSubscription struct {
	Topic string
	QoS   byte
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, mockSubscription{Topic: topic, QoS: qos})
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) Disconnect(quiesce uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish{}, m.published...)
}

func (m *MockMQTTClient) GetSubscriptions() []mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockSubscription{}, m.subscriptions...)
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// SimulateMessage delivers an MQTT message to any handler whose
// subscription pattern matches the topic ('+' matches one level).
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	var matched []func(topic string, payload []byte)
	for pattern, handler := range m.handlers {
		if topicMatches(pattern, topic) {
			matched = append(matched, handler)
		}
	}
	m.mu.Unlock()

	for _, handler := range matched {
		handler(topic, payload)
	}
}

// topicMatches reports whether an MQTT topic matches a subscription
// pattern with single-level '+' wildcards.
func topicMatches(pattern, topic string) bool {
	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")
	if len(patternParts) != len(topicParts) {
		return false
	}
	for i, pp := range patternParts {
		if pp != "+" && pp != topicParts[i] {
			return false
		}
	}
	return true
}

// MockConnector implements Connector for testing.
type MockConnector struct {
	mu           sync.Mutex
	connected    bool
	stats        RemoteStats
	sentCommands []Command
	onEvent      func(StatusEvent)
	onFatal      func(error)
	sendError    error
	connectError error
	connectCalls int
	closeCalls   int
}

func NewMockConnector() *MockConnector {
	return &MockConnector{}
}

func (m *MockConnector) Connect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCalls++
	if m.connectError != nil {
		return m.connectError
	}
	m.connected = true
	return nil
}

func (m *MockConnector) Send(_ context.Context, cmd Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendError != nil {
		return m.sendError
	}
	m.sentCommands = append(m.sentCommands, cmd)
	return nil
}

func (m *MockConnector) SetOnEvent(callback func(StatusEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = callback
}

func (m *MockConnector) SetOnFatal(callback func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFatal = callback
}

func (m *MockConnector) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockConnector) Stats() RemoteStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.stats
	stats.Connected = m.connected
	return stats
}

func (m *MockConnector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	m.connected = false
	return nil
}

func (m *MockConnector) GetSentCommands() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Command{}, m.sentCommands...)
}

func (m *MockConnector) ClearSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentCommands = nil
}

func (m *MockConnector) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendError = err
}

func (m *MockConnector) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

// SimulateEvent delivers a status event to the bridge, synchronously,
// the way the remote's dispatch goroutine would.
func (m *MockConnector) SimulateEvent(ev StatusEvent) {
	m.mu.Lock()
	fn := m.onEvent
	m.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// SimulateFatal delivers a fatal transport error to the bridge.
func (m *MockConnector) SimulateFatal(err error) {
	m.mu.Lock()
	fn := m.onFatal
	m.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// mockRecorder implements ChannelRecorder for testing.
type mockRecorder struct {
	mu      sync.Mutex
	entries []recordedChange
	err     error
}

type recordedChange struct {
	Channel       int
	Subchannel    int
	HasSubchannel bool
	Reason        string
}

func (m *mockRecorder) RecordChannelChange(_ context.Context, channel, subchannel int, hasSubchannel bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, recordedChange{
		Channel:       channel,
		Subchannel:    subchannel,
		HasSubchannel: hasSubchannel,
		Reason:        reason,
	})
	return nil
}

func (m *mockRecorder) getEntries() []recordedChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordedChange{}, m.entries...)
}

// mockTelemetry implements Telemetry for testing.
type mockTelemetry struct {
	mu       sync.Mutex
	commands []string
	channels []int
}

func (m *mockTelemetry) RecordChannelStatus(channel, _ int, _ bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, channel)
}

func (m *mockTelemetry) RecordCommand(commandType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, commandType)
}

// testBridgeOptions returns working options for a livingroom receiver.
func testBridgeOptions(mqtt MQTTClient, remote Connector) BridgeOptions {
	return BridgeOptions{
		BridgeID:        "tivo-livingroom",
		TopicRoot:       "tivo/livingroom",
		Version:         "1.0.0",
		ReceiverAddress: "10.0.0.50:31339",
		MQTTClient:      mqtt,
		Remote:          remote,
	}
}

func TestNewBridge(t *testing.T) {
	mqtt := NewMockMQTTClient()
	remote := NewMockConnector()

	b, err := NewBridge(testBridgeOptions(mqtt, remote))
	if err != nil {
		t.Fatalf("NewBridge() error: %v", err)
	}

	if b == nil {
		t.Fatal("NewBridge() returned nil")
	}
	if b.health == nil {
		t.Error("NewBridge() did not create health reporter")
	}
	if b.State() != StateCreated {
		t.Errorf("State() = %v, want %v", b.State(), StateCreated)
	}
}

func TestNewBridgeMissingTopicRoot(t *testing.T) {
	opts := testBridgeOptions(NewMockMQTTClient(), NewMockConnector())
	opts.TopicRoot = ""

	if _, err := NewBridge(opts); err == nil {
		t.Error("NewBridge() expected error for empty topic root")
	}
}

func TestNewBridgeMissingMQTT(t *testing.T) {
	opts := testBridgeOptions(nil, NewMockConnector())

	if _, err := NewBridge(opts); err == nil {
		t.Error("NewBridge() expected error for nil MQTT client")
	}
}

func TestNewBridgeMissingRemote(t *testing.T) {
	opts := testBridgeOptions(NewMockMQTTClient(), nil)

	if _, err := NewBridge(opts); err == nil {
		t.Error("NewBridge() expected error for nil remote")
	}
}

func TestBridgeStartStop(t *testing.T) {
	mqtt := NewMockMQTTClient()
	remote := NewMockConnector()

	b, err := NewBridge(testBridgeOptions(mqtt, remote))
	if err != nil {
		t.Fatalf("NewBridge() error: %v", err)
	}

	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if b.State() != StateRunning {
		t.Errorf("State() = %v, want %v", b.State(), StateRunning)
	}

	// Verify the controls subscription was made
	subs := mqtt.GetSubscriptions()
	if len(subs) != 1 {
		t.Fatalf("Expected 1 subscription, got %d", len(subs))
	}
	if subs[0].Topic != "tivo/livingroom/controls/+/set" {
		t.Errorf("subscription topic = %q, want tivo/livingroom/controls/+/set", subs[0].Topic)
	}
	if subs[0].QoS != 1 {
		t.Errorf("subscription QoS = %d, want 1", subs[0].QoS)
	}

	// Verify health messages were published
	hasHealth := false
	for _, p := range mqtt.GetPublished() {
		if p.Topic == HealthTopic("tivo/livingroom") {
			hasHealth = true
			break
		}
	}
	if !hasHealth {
		t.Error("Expected health message to be published")
	}

	b.Stop()

	if b.State() != StateStopped {
		t.Errorf("State() after Stop = %v, want %v", b.State(), StateStopped)
	}
	if remote.CloseCalls() != 1 {
		t.Errorf("remote Close calls = %d, want 1", remote.CloseCalls())
	}

	// Calling Stop again should be safe (sync.Once)
	b.Stop()

	if remote.CloseCalls() != 1 {
		t.Errorf("remote Close calls after second Stop = %d, want 1", remote.CloseCalls())
	}
}

func TestBridgeStartTwice(t *testing.T) {
	mqtt := NewMockMQTTClient()
	remote := NewMockConnector()

	b, _ := NewBridge(testBridgeOptions(mqtt, remote))

	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	if err := b.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
}

func TestBridgeStartConnectFailure(t *testing.T) {
	mqtt := NewMockMQTTClient()
	remote := NewMockConnector()
	remote.connectError = errors.New("connection refused")

	b, _ := NewBridge(testBridgeOptions(mqtt, remote))

	err := b.Start(context.Background())
	if err == nil {
		t.Fatal("Start() expected error when receiver connect fails")
	}

	if b.State() != StateFaulted {
		t.Errorf("State() = %v, want %v", b.State(), StateFaulted)
	}

	// The fatal channel carries the cause for the top-level runner
	select {
	case <-b.Fatal():
	case <-time.After(time.Second):
		t.Error("Fatal() did not fire after connect failure")
	}
}

func TestBridgeCommandDispatch(t *testing.T) {
	mqtt := NewMockMQTTClient()
	remote := NewMockConnector()

	b, _ := NewBridge(testBridgeOptions(mqtt, remote))

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	mqtt.ClearPublished()

	b.handleMQTTMessage("tivo/livingroom/controls/setCh/set", []byte("12.3"))

	// Dispatch is asynchronous through the command queue
	time.Sleep(50 * time.Millisecond)

	commands := remote.GetSentCommands()
	if len(commands) != 1 {
		t.Fatalf("Expected 1 command sent, got %d", len(commands))
	}

	want := Command{Type: CommandSetChannel, Channel: 12, Subchannel: 3, HasSubchannel: true}
	if commands[0] != want {
		t.Errorf("sent command = %+v, want %+v", commands[0], want)
	}

	// A command must not produce a direct MQTT publication
	for _, p := range mqtt.GetPublished() {
		if strings.HasSuffix(p.Topic, "/currentChannel") {
			t.Errorf("command dispatch published to %q", p.Topic)
		}
	}
}

func TestBridgeCommandOrdering(t *testing.T) {
	mqtt := NewMockMQTTClient()
	remote := NewMockConnector()

	b, _ := NewBridge(testBridgeOptions(mqtt, remote))

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	payloads := []string{"1", "2", "3", "4", "5"}
	for _, p := range payloads {
		b.handleMQTTMessage("tivo/livingroom/controls/setCh/set", []byte(p))
	}

	time.Sleep(100 * time.Millisecond)

	commands := remote.GetSentCommands()
	if len(commands) != len(payloads) {
		t.Fatalf("Expected %d commands, got %d", len(payloads), len(commands))
	}
	for i, cmd := range commands {
		if cmd.Channel != i+1 {
			t.Errorf("command %d channel = %d, want %d (broker order must hold)", i, cmd.Channel, i+1)
		}
	}
}

func TestBridgeOpaqueCommands(t *testing.T) {
	mqtt := NewMockMQTTClient()
	remote := NewMockConnector()

	b, _ := NewBridge(testBridgeOptions(mqtt, remote))

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	b.handleMQTTMessage("tivo/livingroom/controls/irCode/set", []byte("CHANNELUP"))
	b.handleMQTTMessage("tivo/livingroom/controls/teleport/set", []byte("LIVETV"))
	b.handleMQTTMessage("tivo/livingroom/controls/keyboard/set", []byte("A"))

	time.Sleep(50 * time.Millisecond)

	commands := remote.GetSentCommands()
	if len(commands) != 3 {
		t.Fatalf("Expected 3 commands sent, got %d", len(commands))
	}

	want := []Command{
		{Type: CommandIRCode, Code: "CHANNELUP"},
		{Type: CommandTeleport, Code: "LIVETV"},
		{Type: CommandKeyboard, Code: "A"},
	}
	for i, cmd := range commands {
		if cmd != want[i] {
			t.Errorf("command %d = %+v, want %+v", i, cmd, want[i])
		}
	}
}

func TestBridgeCommandNotRunning(t *testing.T) {
	mqtt := NewMockMQTTClient()
	remote := NewMockConnector()

	b, _ := NewBridge(testBridgeOptions(mqtt, remote))

	// Never started: messages must be ignored
	b.handleMQTTMessage("tivo/livingroom/controls/setCh/set", []byte("5"))

	time.Sleep(50 * time.Millisecond)

	if n := len(remote.GetSentCommands()); n != 0 {
		t.Errorf("Expected 0 commands before Start, got %d", n)
	}
}

func TestBridgeUndecodablePayload(t *testing.T) {
	mqtt := NewMockMQTTClient()
	remote := NewMockConnector()

	b, _ := NewBridge(testBridgeOptions(mqtt, remote))

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	b.handleMQTTMessage("tivo/livingroom/controls/setCh/set", []byte("abc"))
	b.handleMQTTMessage("tivo/livingroom/controls/setCh/set", []byte("5.xyz"))
	b.handleMQTTMessage("tivo/livingroom/controls/irCode/set", []byte(""))

	time.Sleep(50 * time.Millisecond)

	if n := len(remote.GetSentCommands()); n != 0 {
		t.Errorf("Expected 0 commands for undecodable payloads, got %d", n)
	}
}

func TestBridgeUnknownToken(t *testing.T) {
	mqtt := NewMockMQTTClient()
	remote := NewMockConnector()

	b, _ := NewBridge(testBridgeOptions(mqtt, remote))

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	// Unknown command token is normal "not for us" traffic
	b.handleMQTTMessage("tivo/livingroom/controls/volume/set", []byte("10"))

	time.Sleep(50 * time.Millisecond)

	if n := len(remote.GetSentCommands()); n != 0 {
		t.Errorf("Expected 0 commands for unknown token, got %d", n)
	}
}

func TestBridgeDispatchErrorNotFatal(t *testing.T) {
	mqtt := NewMockMQTTClient()
	remote := NewMockConnector()

	b, _ := NewBridge(testBridgeOptions(mqtt, remote))

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	remote.SetSendError(errors.New("receiver rejected command"))

	b.handleMQTTMessage("tivo/livingroom/controls/setCh/set", []byte("5"))

	time.Sleep(50 * time.Millisecond)

	if b.State() != StateRunning {
		t.Errorf("State() = %v, want %v (dispatch errors are not fatal)", b.State(), StateRunning)
	}

	select {
	case err := <-b.Fatal():
		t.Errorf("Fatal() fired for a dispatch error: %v", err)
	default:
	}
}

func TestBridgeStatusEventPublishes(t *testing.T) {
	mqtt := NewMockMQTTClient()
	remote := NewMockConnector()
	recorder := &mockRecorder{}

	opts := testBridgeOptions(mqtt, remote)
	opts.History = recorder

	b, _ := NewBridge(opts)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	mqtt.ClearPublished()

	remote.SimulateEvent(StatusEvent{
		Type:    EventChannelStatus,
		Channel: 645,
		Reason:  "LOCAL",
	})

	published := mqtt.GetPublished()
	if len(published) != 1 {
		t.Fatalf("Expected 1 publication, got %d", len(published))
	}

	pub := published[0]
	if pub.Topic != "tivo/livingroom/currentChannel" {
		t.Errorf("topic = %q, want tivo/livingroom/currentChannel", pub.Topic)
	}
	if string(pub.Payload) != "645" {
		t.Errorf("payload = %q, want 645", string(pub.Payload))
	}
	if pub.QoS != 1 {
		t.Errorf("QoS = %d, want 1", pub.QoS)
	}
	if !pub.Retained {
		t.Error("publication should be retained")
	}

	// The change lands in history too
	entries := recorder.getEntries()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 history entry, got %d", len(entries))
	}
	if entries[0].Channel != 645 || entries[0].HasSubchannel || entries[0].Reason != "LOCAL" {
		t.Errorf("history entry = %+v, want channel 645, no subchannel, reason LOCAL", entries[0])
	}
}

func TestBridgeStatusEventSubchannel(t *testing.T) {
	mqtt := NewMockMQTTClient()
	remote := NewMockConnector()

	b, _ := NewBridge(testBridgeOptions(mqtt, remote))

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	mqtt.ClearPublished()

	remote.SimulateEvent(StatusEvent{
		Type:          EventChannelStatus,
		Channel:       12,
		Subchannel:    3,
		HasSubchannel: true,
		Reason:        "REMOTE",
	})

	published := mqtt.GetPublished()
	if len(published) != 1 {
		t.Fatalf("Expected 1 publication, got %d", len(published))
	}
	if string(published[0].Payload) != "12.3" {
		t.Errorf("payload = %q, want 12.3", string(published[0].Payload))
	}
}

func TestBridgeRepeatedEventsRepublish(t *testing.T) {
	mqtt := NewMockMQTTClient()
	remote := NewMockConnector()

	b, _ := NewBridge(testBridgeOptions(mqtt, remote))

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	mqtt.ClearPublished()

	ev := StatusEvent{Type: EventChannelStatus, Channel: 7, Reason: "LOCAL"}
	remote.SimulateEvent(ev)
	remote.SimulateEvent(ev)
	remote.SimulateEvent(ev)

	// No deduplication: every event refreshes the retained value
	published := mqtt.GetPublished()
	if len(published) != 3 {
		t.Fatalf("Expected 3 publications, got %d", len(published))
	}
	for i, p := range published {
		if string(p.Payload) != "7" {
			t.Errorf("publication %d payload = %q, want 7", i, string(p.Payload))
		}
	}
}

func TestBridgeNonChannelEventsNotPublished(t *testing.T) {
	mqtt := NewMockMQTTClient()
	remote := NewMockConnector()

	b, _ := NewBridge(testBridgeOptions(mqtt, remote))

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	mqtt.ClearPublished()

	remote.SimulateEvent(StatusEvent{Type: EventLiveTVReady, Raw: "LIVETV_READY"})
	remote.SimulateEvent(StatusEvent{Type: EventChannelFailed, Reason: "NO_LIVE", Raw: "CH_FAILED NO_LIVE"})
	remote.SimulateEvent(StatusEvent{Type: EventUnknown, Raw: "PING 42"})

	for _, p := range mqtt.GetPublished() {
		if strings.HasSuffix(p.Topic, "/currentChannel") {
			t.Errorf("non-channel event published to %q payload %q", p.Topic, string(p.Payload))
		}
	}
}

func TestBridgeFatalEscalation(t *testing.T) {
	mqtt := NewMockMQTTClient()
	remote := NewMockConnector()

	b, _ := NewBridge(testBridgeOptions(mqtt, remote))

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	linkErr := ErrLinkLost
	remote.SimulateFatal(linkErr)

	if b.State() != StateFaulted {
		t.Errorf("State() = %v, want %v", b.State(), StateFaulted)
	}

	select {
	case err := <-b.Fatal():
		if !errors.Is(err, ErrLinkLost) {
			t.Errorf("Fatal() error = %v, want ErrLinkLost", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Fatal() did not fire")
	}

	// A second fatal must not fire again
	remote.SimulateFatal(errors.New("second failure"))
	select {
	case err := <-b.Fatal():
		t.Errorf("Fatal() fired twice, second error: %v", err)
	default:
	}

	// No further event processing after fault
	mqtt.ClearPublished()
	remote.SimulateEvent(StatusEvent{Type: EventChannelStatus, Channel: 5, Reason: "LOCAL"})
	for _, p := range mqtt.GetPublished() {
		if strings.HasSuffix(p.Topic, "/currentChannel") {
			t.Error("event published after fault")
		}
	}

	// Commands are discarded after fault, too
	b.handleMQTTMessage("tivo/livingroom/controls/setCh/set", []byte("5"))
	time.Sleep(50 * time.Millisecond)
	if n := len(remote.GetSentCommands()); n != 0 {
		t.Errorf("Expected 0 commands after fault, got %d", n)
	}
}

func TestBridgeFatalAfterStopIgnored(t *testing.T) {
	mqtt := NewMockMQTTClient()
	remote := NewMockConnector()

	b, _ := NewBridge(testBridgeOptions(mqtt, remote))

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	b.Stop()

	remote.SimulateFatal(ErrLinkLost)

	if b.State() != StateStopped {
		t.Errorf("State() = %v, want %v (fatal after Stop must not fault)", b.State(), StateStopped)
	}

	select {
	case err := <-b.Fatal():
		t.Errorf("Fatal() fired after Stop: %v", err)
	default:
	}
}

func TestBridgeTelemetry(t *testing.T) {
	mqtt := NewMockMQTTClient()
	remote := NewMockConnector()
	telemetry := &mockTelemetry{}

	opts := testBridgeOptions(mqtt, remote)
	opts.Telemetry = telemetry

	b, _ := NewBridge(opts)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	b.handleMQTTMessage("tivo/livingroom/controls/teleport/set", []byte("TIVO"))
	time.Sleep(50 * time.Millisecond)

	remote.SimulateEvent(StatusEvent{Type: EventChannelStatus, Channel: 42, Reason: "REMOTE"})

	telemetry.mu.Lock()
	defer telemetry.mu.Unlock()

	if len(telemetry.commands) != 1 || telemetry.commands[0] != "teleport" {
		t.Errorf("telemetry commands = %v, want [teleport]", telemetry.commands)
	}
	if len(telemetry.channels) != 1 || telemetry.channels[0] != 42 {
		t.Errorf("telemetry channels = %v, want [42]", telemetry.channels)
	}
}

func TestBridgeRecorderErrorNotFatal(t *testing.T) {
	mqtt := NewMockMQTTClient()
	remote := NewMockConnector()
	recorder := &mockRecorder{err: errors.New("database is locked")}

	opts := testBridgeOptions(mqtt, remote)
	opts.History = recorder

	b, _ := NewBridge(opts)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	mqtt.ClearPublished()

	remote.SimulateEvent(StatusEvent{Type: EventChannelStatus, Channel: 9, Reason: "LOCAL"})

	// The publish still happens even when history fails
	published := mqtt.GetPublished()
	if len(published) != 1 {
		t.Fatalf("Expected 1 publication, got %d", len(published))
	}
	if b.State() != StateRunning {
		t.Errorf("State() = %v, want %v", b.State(), StateRunning)
	}
}

func TestBridgeGetMetrics(t *testing.T) {
	mqtt := NewMockMQTTClient()
	remote := NewMockConnector()
	remote.stats = RemoteStats{
		CommandsTx:      10,
		EventsRx:        20,
		EventsDropped:   1,
		ReconnectsTotal: 2,
	}

	b, _ := NewBridge(testBridgeOptions(mqtt, remote))

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	metrics := b.GetMetrics()
	if metrics.State != "running" {
		t.Errorf("State = %q, want running", metrics.State)
	}
	if !metrics.Connected {
		t.Error("Connected = false, want true")
	}
	if metrics.CommandsTx != 10 {
		t.Errorf("CommandsTx = %d, want 10", metrics.CommandsTx)
	}
	if metrics.EventsRx != 20 {
		t.Errorf("EventsRx = %d, want 20", metrics.EventsRx)
	}
	if metrics.EventsDropped != 1 {
		t.Errorf("EventsDropped = %d, want 1", metrics.EventsDropped)
	}
	if metrics.Reconnects != 2 {
		t.Errorf("Reconnects = %d, want 2", metrics.Reconnects)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "created"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{StateStopped, "stopped"},
		{StateFaulted, "faulted"},
		{State(99), "unknown(99)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int32(tt.state), got, tt.want)
		}
	}
}
