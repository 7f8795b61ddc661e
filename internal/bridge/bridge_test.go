package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/helvarnet/helvard/internal/helvarnet"
	"github.com/helvarnet/helvard/internal/history"
	"github.com/helvarnet/helvard/internal/infrastructure/mqtt"
)

// =============================================================================
// Mocks
// =============================================================================

type publishedMessage struct {
	topic    string
	payload  []byte
	retained bool
}

// mockMQTT records publishes and captures subscription handlers.
type mockMQTT struct {
	mu        sync.Mutex
	published []publishedMessage
	handlers  map[string]mqtt.MessageHandler
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *mockMQTT) Publish(topic string, payload []byte, _ byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishedMessage{topic, payload, retained})
	return nil
}

func (m *mockMQTT) PublishRetained(topic string, payload []byte) error {
	return m.Publish(topic, payload, 1, true)
}

func (m *mockMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTT) IsConnected() bool { return true }

// deliver simulates a broker delivery to a subscribed wildcard pattern.
func (m *mockMQTT) deliver(t *testing.T, pattern, topic string, payload []byte) {
	t.Helper()
	m.mu.Lock()
	handler, ok := m.handlers[pattern]
	m.mu.Unlock()
	if !ok {
		t.Fatalf("no handler subscribed for %s", pattern)
	}
	if err := handler(topic, payload); err != nil {
		t.Fatalf("handler error: %v", err)
	}
}

// messagesOn returns all publishes to a topic, oldest first.
func (m *mockMQTT) messagesOn(topic string) []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []publishedMessage
	for _, p := range m.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// lastOnPrefix returns the most recent publish whose topic has the prefix.
func (m *mockMQTT) lastOnPrefix(prefix string) (publishedMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.published) - 1; i >= 0; i-- {
		if strings.HasPrefix(m.published[i].topic, prefix) {
			return m.published[i], true
		}
	}
	return publishedMessage{}, false
}

// routerCall records one command issued to the mock router.
type routerCall struct {
	method string
	target string
	args   []any
}

// mockRouter implements LightingRouter over in-memory registries and a
// real subscription bus.
type mockRouter struct {
	mu        sync.Mutex
	devices   map[string]helvarnet.Device
	groups    map[int]helvarnet.Group
	bus       *helvarnet.Bus
	calls     []routerCall
	failWith  error
	connected bool
}

func newMockRouter() *mockRouter {
	return &mockRouter{
		devices:   make(map[string]helvarnet.Device),
		groups:    make(map[int]helvarnet.Group),
		bus:       helvarnet.NewBus(nil),
		connected: true,
	}
}

func (r *mockRouter) addDevice(d helvarnet.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.Address.String()] = d
}

func (r *mockRouter) addGroup(g helvarnet.Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[g.ID] = g
}

func (r *mockRouter) record(method, target string, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, routerCall{method, target, args})
	return r.failWith
}

func (r *mockRouter) callsFor(method string) []routerCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []routerCall
	for _, c := range r.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (r *mockRouter) Connected() bool             { return r.connected }
func (r *mockRouter) OnDisconnect(cb func(error)) {}

func (r *mockRouter) SetDeviceLevel(_ context.Context, addr helvarnet.Address, level float64, fade int) error {
	return r.record("SetDeviceLevel", addr.String(), level, fade)
}

func (r *mockRouter) SetDeviceBrightness(_ context.Context, addr helvarnet.Address, brightness int, fade int) error {
	return r.record("SetDeviceBrightness", addr.String(), brightness, fade)
}

func (r *mockRouter) SetDeviceColorTemperature(_ context.Context, addr helvarnet.Address, mireds int, level float64, fade int) error {
	return r.record("SetDeviceColorTemperature", addr.String(), mireds, level, fade)
}

func (r *mockRouter) SetDeviceXYColor(_ context.Context, addr helvarnet.Address, x, y float64, level float64, fade int) error {
	return r.record("SetDeviceXYColor", addr.String(), x, y, level, fade)
}

func (r *mockRouter) SetGroupLevel(_ context.Context, group int, level float64, fade int) error {
	return r.record("SetGroupLevel", fmt.Sprintf("group:%d", group), level, fade)
}

func (r *mockRouter) SetGroupColorTemperature(_ context.Context, group int, mireds int, level float64, fade int) error {
	return r.record("SetGroupColorTemperature", fmt.Sprintf("group:%d", group), mireds, level, fade)
}

func (r *mockRouter) SetGroupXYColor(_ context.Context, group int, x, y float64, level float64, fade int) error {
	return r.record("SetGroupXYColor", fmt.Sprintf("group:%d", group), x, y, level, fade)
}

func (r *mockRouter) RecallScene(_ context.Context, group, block, scene, fade int) error {
	return r.record("RecallScene", fmt.Sprintf("group:%d", group), block, scene, fade)
}

func (r *mockRouter) Subscribe(key string, callback func()) helvarnet.Subscription {
	return r.bus.Subscribe(key, callback)
}

func (r *mockRouter) Unsubscribe(key string, id helvarnet.Subscription) {
	r.bus.Unsubscribe(key, id)
}

func (r *mockRouter) Devices() []helvarnet.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]helvarnet.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

func (r *mockRouter) Device(addr helvarnet.Address) (helvarnet.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[addr.String()]
	return d, ok
}

func (r *mockRouter) Groups() []helvarnet.Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]helvarnet.Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	return out
}

func (r *mockRouter) Group(id int) (helvarnet.Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	return g, ok
}

func (r *mockRouter) GroupState(id int, _ map[string]helvarnet.ColorMode) (helvarnet.GroupState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return helvarnet.GroupState{}, helvarnet.ErrUnknownGroup
	}

	state := helvarnet.GroupState{
		Capabilities: helvarnet.CapabilityBrightness,
		ActiveMode:   helvarnet.CapabilityBrightness,
	}
	var sum, on int
	for _, addr := range g.Members {
		d, ok := r.devices[addr.String()]
		if !ok || !d.IsOn() {
			continue
		}
		state.IsOn = true
		sum += d.Brightness()
		on++
	}
	if on > 0 {
		state.Brightness = (sum + on/2) / on
	}
	return state, nil
}

// =============================================================================
// Fixtures
// =============================================================================

func testAddress(t *testing.T, s string) helvarnet.Address {
	t.Helper()
	addr, err := helvarnet.ParseAddress(s)
	if err != nil {
		t.Fatalf("ParseAddress(%s) error = %v", s, err)
	}
	return addr
}

func newTestBridge(t *testing.T) (*Bridge, *mockMQTT, *mockRouter) {
	t.Helper()

	router := newMockRouter()
	router.addDevice(helvarnet.Device{
		Address:   testAddress(t, "1.1.1.1"),
		Name:      "Spots",
		IsLoad:    true,
		LoadLevel: 50.2,
	})
	router.addDevice(helvarnet.Device{
		Address: testAddress(t, "1.1.1.2"),
		Name:    "Strip",
		IsLoad:  true,
		IsColor: true,
	})
	router.addGroup(helvarnet.Group{
		ID:      5,
		Name:    "Kitchen",
		Members: []helvarnet.Address{testAddress(t, "1.1.1.1"), testAddress(t, "1.1.1.2")},
	})

	client := newMockMQTT()
	b, err := New(Options{
		MQTT:       client,
		Router:     router,
		Topics:     mqtt.Topics{},
		RouterHost: "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)

	return b, client, router
}

func decodeAck(t *testing.T, payload []byte) AckMessage {
	t.Helper()
	var ack AckMessage
	if err := json.Unmarshal(payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	return ack
}

// =============================================================================
// Startup
// =============================================================================

func TestStartPublishesInitialState(t *testing.T) {
	_, client, _ := newTestBridge(t)

	for _, topic := range []string{
		"helvard/device/1.1.1.1/state",
		"helvard/device/1.1.1.2/state",
		"helvard/group/5/state",
		"helvard/router/status",
	} {
		msgs := client.messagesOn(topic)
		if len(msgs) == 0 {
			t.Errorf("no initial publish on %s", topic)
			continue
		}
		if !msgs[0].retained {
			t.Errorf("initial publish on %s not retained", topic)
		}
	}

	var status RouterStatusMessage
	msgs := client.messagesOn("helvard/router/status")
	if err := json.Unmarshal(msgs[len(msgs)-1].payload, &status); err != nil {
		t.Fatalf("unmarshal router status: %v", err)
	}
	if status.Status != "online" {
		t.Errorf("router status = %q, want online", status.Status)
	}
	if status.Host != "10.0.0.1" {
		t.Errorf("router host = %q, want 10.0.0.1", status.Host)
	}

	var dev DeviceStateMessage
	if err := json.Unmarshal(client.messagesOn("helvard/device/1.1.1.1/state")[0].payload, &dev); err != nil {
		t.Fatalf("unmarshal device state: %v", err)
	}
	if !dev.IsOn || dev.Brightness != 128 {
		t.Errorf("device state = on:%v brightness:%d, want on:true brightness:128", dev.IsOn, dev.Brightness)
	}
}

// =============================================================================
// State change propagation
// =============================================================================

func TestDeviceChangePublishesDeviceAndGroupState(t *testing.T) {
	_, client, router := newTestBridge(t)

	// Simulate the registry updating a device and firing the bus.
	addr := testAddress(t, "1.1.1.2")
	router.addDevice(helvarnet.Device{
		Address:   addr,
		Name:      "Strip",
		IsLoad:    true,
		IsColor:   true,
		LoadLevel: 78.4,
	})
	router.bus.Notify(helvarnet.DeviceKey(addr))

	msgs := client.messagesOn("helvard/device/1.1.1.2/state")
	if len(msgs) < 2 {
		t.Fatalf("device state publishes = %d, want at least 2", len(msgs))
	}
	var dev DeviceStateMessage
	if err := json.Unmarshal(msgs[len(msgs)-1].payload, &dev); err != nil {
		t.Fatalf("unmarshal device state: %v", err)
	}
	if dev.Brightness != 200 {
		t.Errorf("Brightness = %d, want 200", dev.Brightness)
	}

	// Group aggregate covers both members that are now on: (128+200)/2.
	groupMsgs := client.messagesOn("helvard/group/5/state")
	if len(groupMsgs) < 2 {
		t.Fatalf("group state publishes = %d, want at least 2", len(groupMsgs))
	}
	var grp GroupStateMessage
	if err := json.Unmarshal(groupMsgs[len(groupMsgs)-1].payload, &grp); err != nil {
		t.Fatalf("unmarshal group state: %v", err)
	}
	if grp.Brightness != 164 {
		t.Errorf("group Brightness = %d, want 164", grp.Brightness)
	}
	if !grp.IsOn {
		t.Error("group IsOn = false, want true")
	}
}

// =============================================================================
// Device commands
// =============================================================================

func TestDeviceSetBrightness(t *testing.T) {
	_, client, router := newTestBridge(t)

	payload := []byte(`{"id":"cmd-1","brightness":128,"fade":200}`)
	client.deliver(t, "helvard/device/+/set", "helvard/device/1.1.1.1/set", payload)

	calls := router.callsFor("SetDeviceLevel")
	if len(calls) != 1 {
		t.Fatalf("SetDeviceLevel calls = %d, want 1", len(calls))
	}
	if calls[0].target != "1.1.1.1" {
		t.Errorf("target = %s, want 1.1.1.1", calls[0].target)
	}
	level := calls[0].args[0].(float64)
	if helvarnet.BrightnessFromLevel(level) != 128 {
		t.Errorf("level %v does not round-trip to brightness 128", level)
	}
	if calls[0].args[1].(int) != 200 {
		t.Errorf("fade = %v, want 200", calls[0].args[1])
	}

	ack, ok := client.lastOnPrefix("helvard/ack/")
	if !ok {
		t.Fatal("no ack published")
	}
	msg := decodeAck(t, ack.payload)
	if msg.Status != AckAccepted || msg.CommandID != "cmd-1" {
		t.Errorf("ack = %+v, want accepted cmd-1", msg)
	}
	if ack.topic != "helvard/ack/cmd-1" {
		t.Errorf("ack topic = %s, want helvard/ack/cmd-1", ack.topic)
	}
}

func TestDeviceSetOnOff(t *testing.T) {
	_, client, router := newTestBridge(t)

	client.deliver(t, "helvard/device/+/set", "helvard/device/1.1.1.1/set", []byte(`{"on":false}`))

	calls := router.callsFor("SetDeviceLevel")
	if len(calls) != 1 {
		t.Fatalf("SetDeviceLevel calls = %d, want 1", len(calls))
	}
	if calls[0].args[0].(float64) != 0 {
		t.Errorf("level = %v, want 0", calls[0].args[0])
	}

	// Generated command ID still yields an ack.
	ack, ok := client.lastOnPrefix("helvard/ack/")
	if !ok {
		t.Fatal("no ack published")
	}
	msg := decodeAck(t, ack.payload)
	if msg.CommandID == "" {
		t.Error("ack CommandID empty, want generated")
	}
}

func TestDeviceSetColorTemperature(t *testing.T) {
	_, client, router := newTestBridge(t)

	payload := []byte(`{"id":"cmd-ct","color_temp_mireds":250,"brightness":255}`)
	client.deliver(t, "helvard/device/+/set", "helvard/device/1.1.1.2/set", payload)

	calls := router.callsFor("SetDeviceColorTemperature")
	if len(calls) != 1 {
		t.Fatalf("SetDeviceColorTemperature calls = %d, want 1", len(calls))
	}
	if calls[0].args[0].(int) != 250 {
		t.Errorf("mireds = %v, want 250", calls[0].args[0])
	}
	if calls[0].args[1].(float64) != 100 {
		t.Errorf("level = %v, want 100", calls[0].args[1])
	}
}

func TestDeviceSetXYRequiresBothCoordinates(t *testing.T) {
	_, client, router := newTestBridge(t)

	client.deliver(t, "helvard/device/+/set", "helvard/device/1.1.1.2/set", []byte(`{"id":"cmd-xy","x":0.4}`))

	if calls := router.callsFor("SetDeviceXYColor"); len(calls) != 0 {
		t.Fatalf("SetDeviceXYColor calls = %d, want 0", len(calls))
	}

	msg := decodeAck(t, mustLastAck(t, client).payload)
	if msg.Status != AckFailed || msg.Error == nil || msg.Error.Code != ErrCodeInvalidParameters {
		t.Errorf("ack = %+v, want failed INVALID_PARAMETERS", msg)
	}
}

func TestDeviceSetUnknownDevice(t *testing.T) {
	_, client, router := newTestBridge(t)

	client.deliver(t, "helvard/device/+/set", "helvard/device/9.9.9.9/set", []byte(`{"id":"cmd-u","on":true}`))

	if len(router.callsFor("SetDeviceLevel")) != 0 {
		t.Fatal("unknown device should not reach the router")
	}

	msg := decodeAck(t, mustLastAck(t, client).payload)
	if msg.Status != AckFailed || msg.Error == nil || msg.Error.Code != ErrCodeUnknownTarget {
		t.Errorf("ack = %+v, want failed UNKNOWN_TARGET", msg)
	}
}

func TestDeviceSetInvalidPayload(t *testing.T) {
	_, client, router := newTestBridge(t)

	client.deliver(t, "helvard/device/+/set", "helvard/device/1.1.1.1/set", []byte(`{not json`))

	if len(router.calls) != 0 {
		t.Fatal("invalid payload should not reach the router")
	}

	msg := decodeAck(t, mustLastAck(t, client).payload)
	if msg.Status != AckFailed || msg.Error == nil || msg.Error.Code != ErrCodeInvalidPayload {
		t.Errorf("ack = %+v, want failed INVALID_PAYLOAD", msg)
	}
}

func TestDeviceSetRouterFailure(t *testing.T) {
	_, client, router := newTestBridge(t)
	router.failWith = helvarnet.ErrNotConnected

	client.deliver(t, "helvard/device/+/set", "helvard/device/1.1.1.1/set", []byte(`{"id":"cmd-f","on":true}`))

	msg := decodeAck(t, mustLastAck(t, client).payload)
	if msg.Status != AckFailed || msg.Error == nil || msg.Error.Code != ErrCodeNotConnected {
		t.Errorf("ack = %+v, want failed NOT_CONNECTED", msg)
	}
}

// =============================================================================
// Group commands
// =============================================================================

func TestGroupSetBrightness(t *testing.T) {
	_, client, router := newTestBridge(t)

	client.deliver(t, "helvard/group/+/set", "helvard/group/5/set", []byte(`{"id":"cmd-g","brightness":0}`))

	calls := router.callsFor("SetGroupLevel")
	if len(calls) != 1 {
		t.Fatalf("SetGroupLevel calls = %d, want 1", len(calls))
	}
	if calls[0].target != "group:5" {
		t.Errorf("target = %s, want group:5", calls[0].target)
	}
	if calls[0].args[0].(float64) != 0 {
		t.Errorf("level = %v, want 0", calls[0].args[0])
	}
}

func TestGroupSetUnknownGroup(t *testing.T) {
	_, client, router := newTestBridge(t)

	client.deliver(t, "helvard/group/+/set", "helvard/group/99/set", []byte(`{"id":"cmd-gu","on":true}`))

	if len(router.callsFor("SetGroupLevel")) != 0 {
		t.Fatal("unknown group should not reach the router")
	}

	msg := decodeAck(t, mustLastAck(t, client).payload)
	if msg.Status != AckFailed || msg.Error == nil || msg.Error.Code != ErrCodeUnknownTarget {
		t.Errorf("ack = %+v, want failed UNKNOWN_TARGET", msg)
	}
}

func TestGroupScene(t *testing.T) {
	_, client, router := newTestBridge(t)

	client.deliver(t, "helvard/group/+/scene", "helvard/group/5/scene", []byte(`{"id":"cmd-s","scene":3,"fade":500}`))

	calls := router.callsFor("RecallScene")
	if len(calls) != 1 {
		t.Fatalf("RecallScene calls = %d, want 1", len(calls))
	}
	if calls[0].args[0].(int) != 1 {
		t.Errorf("block = %v, want default 1", calls[0].args[0])
	}
	if calls[0].args[1].(int) != 3 {
		t.Errorf("scene = %v, want 3", calls[0].args[1])
	}
	if calls[0].args[2].(int) != 500 {
		t.Errorf("fade = %v, want 500", calls[0].args[2])
	}

	msg := decodeAck(t, mustLastAck(t, client).payload)
	if msg.Status != AckAccepted {
		t.Errorf("ack status = %s, want accepted", msg.Status)
	}
}

func TestGroupSceneOutOfRange(t *testing.T) {
	_, client, router := newTestBridge(t)

	client.deliver(t, "helvard/group/+/scene", "helvard/group/5/scene", []byte(`{"id":"cmd-s17","scene":17}`))

	if len(router.callsFor("RecallScene")) != 0 {
		t.Fatal("out-of-range scene should not reach the router")
	}

	msg := decodeAck(t, mustLastAck(t, client).payload)
	if msg.Status != AckFailed || msg.Error == nil || msg.Error.Code != ErrCodeInvalidParameters {
		t.Errorf("ack = %+v, want failed INVALID_PARAMETERS", msg)
	}
}

// =============================================================================
// History
// =============================================================================

// recordingStore captures history writes in memory.
type recordingStore struct {
	mu      sync.Mutex
	records []struct {
		target string
		snap   history.Snapshot
		source string
	}
}

func (s *recordingStore) Record(_ context.Context, target string, snap history.Snapshot, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, struct {
		target string
		snap   history.Snapshot
		source string
	}{target, snap, source})
	return nil
}

func (s *recordingStore) History(context.Context, string, int) ([]history.Entry, error) {
	return nil, nil
}

func TestStateChangesRecorded(t *testing.T) {
	router := newMockRouter()
	addr := testAddress(t, "1.1.1.1")
	router.addDevice(helvarnet.Device{Address: addr, IsLoad: true, LoadLevel: 50.2})

	store := &recordingStore{}
	client := newMockMQTT()
	b, err := New(Options{
		MQTT:   client,
		Router: router,
		Store:  store,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer b.Stop()

	router.addDevice(helvarnet.Device{Address: addr, IsLoad: true, LoadLevel: 0})
	router.bus.Notify(helvarnet.DeviceKey(addr))

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.records) < 2 {
		t.Fatalf("history records = %d, want at least 2", len(store.records))
	}

	first := store.records[0]
	if first.source != history.SourceDiscovery {
		t.Errorf("first source = %s, want discovery", first.source)
	}
	last := store.records[len(store.records)-1]
	if last.target != "1.1.1.1" || last.snap.IsOn {
		t.Errorf("last record = %+v, want 1.1.1.1 off", last)
	}
	if last.source != history.SourceNotification {
		t.Errorf("last source = %s, want notification", last.source)
	}
}

// mustLastAck fails the test if no ack has been published.
func mustLastAck(t *testing.T, client *mockMQTT) publishedMessage {
	t.Helper()
	ack, ok := client.lastOnPrefix("helvard/ack/")
	if !ok {
		t.Fatal("no ack published")
	}
	return ack
}
