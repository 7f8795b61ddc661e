package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helvarnet/helvard/internal/helvarnet"
	"github.com/helvarnet/helvard/internal/history"
	"github.com/helvarnet/helvard/internal/infrastructure/mqtt"
)

// Bridge operation constants.
const (
	// commandTimeout bounds a single router command issued for an MQTT
	// command message.
	commandTimeout = 5 * time.Second

	// historyTimeout bounds a history write so a slow disk cannot stall
	// state publishing.
	historyTimeout = 2 * time.Second

	// defaultQoS is used for all bridge publishes and subscriptions.
	defaultQoS = 1
)

// MQTTClient is the interface for MQTT operations.
// Satisfied by *mqtt.Client; allows mocking in tests.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// PublishRetained sends a retained message at QoS 1.
	PublishRetained(topic string, payload []byte) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// LightingRouter is the router surface the bridge drives.
// Satisfied by *helvarnet.Router; allows mocking in tests.
type LightingRouter interface {
	Connected() bool
	OnDisconnect(callback func(error))

	SetDeviceLevel(ctx context.Context, addr helvarnet.Address, level float64, fadeTime int) error
	SetDeviceBrightness(ctx context.Context, addr helvarnet.Address, brightness int, fadeTime int) error
	SetDeviceColorTemperature(ctx context.Context, addr helvarnet.Address, mireds int, level float64, fadeTime int) error
	SetDeviceXYColor(ctx context.Context, addr helvarnet.Address, x, y float64, level float64, fadeTime int) error
	SetGroupLevel(ctx context.Context, group int, level float64, fadeTime int) error
	SetGroupColorTemperature(ctx context.Context, group int, mireds int, level float64, fadeTime int) error
	SetGroupXYColor(ctx context.Context, group int, x, y float64, level float64, fadeTime int) error
	RecallScene(ctx context.Context, group, block, scene, fadeTime int) error

	Subscribe(key string, callback func()) helvarnet.Subscription
	Unsubscribe(key string, id helvarnet.Subscription)

	Devices() []helvarnet.Device
	Device(addr helvarnet.Address) (helvarnet.Device, bool)
	Groups() []helvarnet.Group
	Group(id int) (helvarnet.Group, bool)
	GroupState(id int, colorModes map[string]helvarnet.ColorMode) (helvarnet.GroupState, error)
}

// MetricsWriter records lighting telemetry to a time-series backend.
// Satisfied by *influxdb.Client; nil disables telemetry.
type MetricsWriter interface {
	WriteDeviceLevel(address string, level float64, brightness int)
	WriteGroupState(groupID int, isOn bool, brightness int)
	WriteSceneRecall(groupID int, scene int)
}

// Logger is the minimal logging interface the bridge needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options holds configuration for creating a bridge.
type Options struct {
	// MQTT is the broker client. Required.
	MQTT MQTTClient

	// Router is the lighting router. Required.
	Router LightingRouter

	// Topics builds the MQTT topic hierarchy.
	Topics mqtt.Topics

	// RouterHost is reported in router status messages.
	RouterHost string

	// ColorModes maps device addresses to their colour handling mode,
	// from configuration.
	ColorModes map[string]helvarnet.ColorMode

	// Store persists state history. Optional.
	Store history.Store

	// Metrics records telemetry. Optional.
	Metrics MetricsWriter

	// Logger is an optional structured logger.
	Logger Logger
}

// Bridge connects the lighting router to the MQTT bus.
// It handles:
//   - Receiving set/scene commands over MQTT and translating them to
//     router commands, with per-command acknowledgements
//   - Publishing retained device and group state on every change
//   - Router connection status publishing
//   - State history recording and optional telemetry writes
//
// Thread Safety: all methods are safe for concurrent use.
type Bridge struct {
	mqtt       MQTTClient
	router     LightingRouter
	topics     mqtt.Topics
	routerHost string
	colorModes map[string]helvarnet.ColorMode
	store      history.Store
	metrics    MetricsWriter
	logger     Logger

	// Bus subscriptions held while running, keyed by registry key.
	subs   map[string]helvarnet.Subscription
	subsMu sync.Mutex

	// memberGroups maps a device key to the group IDs it belongs to,
	// so a device change re-publishes the affected group states.
	memberGroups   map[string][]int
	memberGroupsMu sync.RWMutex

	// Shutdown coordination
	ctx       context.Context
	ctxCancel context.CancelFunc
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates a new bridge instance. Call Start() to begin operation.
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("router is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Bridge{
		mqtt:         opts.MQTT,
		router:       opts.Router,
		topics:       opts.Topics,
		routerHost:   opts.RouterHost,
		colorModes:   opts.ColorModes,
		store:        opts.Store,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		subs:         make(map[string]helvarnet.Subscription),
		memberGroups: make(map[string][]int),
		ctx:          ctx,
		ctxCancel:    cancel,
	}, nil
}

// Start begins bridge operation.
// It subscribes to the command topics, registers state change callbacks
// for every known device and group, and publishes the initial retained
// state snapshot.
func (b *Bridge) Start() error {
	if err := b.mqtt.Subscribe(b.topics.AllDeviceSets(), defaultQoS, b.handleDeviceSet); err != nil {
		return fmt.Errorf("subscribe to device commands: %w", err)
	}
	if err := b.mqtt.Subscribe(b.topics.AllGroupSets(), defaultQoS, b.handleGroupSet); err != nil {
		return fmt.Errorf("subscribe to group commands: %w", err)
	}
	if err := b.mqtt.Subscribe(b.topics.AllGroupScenes(), defaultQoS, b.handleGroupScene); err != nil {
		return fmt.Errorf("subscribe to scene commands: %w", err)
	}

	b.router.OnDisconnect(func(cause error) {
		reason := ""
		if cause != nil {
			reason = cause.Error()
		}
		b.publishRouterStatus(false, reason)
	})

	b.Resubscribe()
	b.publishAllStates()
	b.publishRouterStatus(b.router.Connected(), "")

	b.logInfo("bridge started",
		"devices", len(b.router.Devices()),
		"groups", len(b.router.Groups()))

	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()

		b.subsMu.Lock()
		for key, id := range b.subs {
			b.router.Unsubscribe(key, id)
		}
		b.subs = make(map[string]helvarnet.Subscription)
		b.subsMu.Unlock()

		b.wg.Wait()
		b.logInfo("bridge stopped")
	})
}

// Resubscribe rebuilds state change subscriptions from the current
// registries. Call after a discovery run so newly found devices and
// groups are covered.
func (b *Bridge) Resubscribe() {
	devices := b.router.Devices()
	groups := b.router.Groups()

	members := make(map[string][]int)
	for _, g := range groups {
		for _, addr := range g.Members {
			key := helvarnet.DeviceKey(addr)
			members[key] = append(members[key], g.ID)
		}
	}
	b.memberGroupsMu.Lock()
	b.memberGroups = members
	b.memberGroupsMu.Unlock()

	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	for _, d := range devices {
		key := helvarnet.DeviceKey(d.Address)
		if _, ok := b.subs[key]; ok {
			continue
		}
		addr := d.Address
		b.subs[key] = b.router.Subscribe(key, func() {
			b.onDeviceChange(addr)
		})
	}

	for _, g := range groups {
		key := helvarnet.GroupKey(g.ID)
		if _, ok := b.subs[key]; ok {
			continue
		}
		id := g.ID
		b.subs[key] = b.router.Subscribe(key, func() {
			b.onGroupChange(id)
		})
	}
}

// =============================================================================
// State publishing
// =============================================================================

// publishAllStates publishes the full retained state snapshot.
func (b *Bridge) publishAllStates() {
	for _, d := range b.router.Devices() {
		b.publishDeviceState(d, history.SourceDiscovery)
	}
	for _, g := range b.router.Groups() {
		b.publishGroupState(g.ID, history.SourceDiscovery)
	}
}

// onDeviceChange handles a state change notification for one device.
func (b *Bridge) onDeviceChange(addr helvarnet.Address) {
	d, ok := b.router.Device(addr)
	if !ok {
		return
	}
	b.publishDeviceState(d, history.SourceNotification)

	// The device's groups derive their aggregate state from it.
	b.memberGroupsMu.RLock()
	groupIDs := b.memberGroups[helvarnet.DeviceKey(addr)]
	b.memberGroupsMu.RUnlock()

	for _, id := range groupIDs {
		b.publishGroupState(id, history.SourceNotification)
	}
}

// onGroupChange handles a group notification (scene recall).
func (b *Bridge) onGroupChange(id int) {
	b.publishGroupState(id, history.SourceScene)

	if g, ok := b.router.Group(id); ok && g.LastScene > 0 {
		if b.metrics != nil {
			b.metrics.WriteSceneRecall(id, g.LastScene)
		}
	}
}

// publishDeviceState publishes the retained state message for a device
// and records it in the history store.
func (b *Bridge) publishDeviceState(d helvarnet.Device, source string) {
	msg := NewDeviceState(d)
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("marshal device state", err)
		return
	}

	topic := b.topics.DeviceState(msg.Address)
	if err := b.mqtt.PublishRetained(topic, payload); err != nil {
		b.logError("publish device state", err)
	}

	b.recordHistory(msg.Address, history.Snapshot{
		IsOn:       msg.IsOn,
		Level:      msg.Level,
		Brightness: msg.Brightness,
	}, source)

	if b.metrics != nil {
		b.metrics.WriteDeviceLevel(msg.Address, msg.Level, msg.Brightness)
	}
}

// publishGroupState publishes the retained aggregate state for a group.
func (b *Bridge) publishGroupState(id int, source string) {
	g, ok := b.router.Group(id)
	if !ok {
		return
	}
	state, err := b.router.GroupState(id, b.colorModes)
	if err != nil {
		b.logDebug("group state unavailable", "group", id, "reason", err.Error())
		return
	}

	msg := NewGroupState(g, state)
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("marshal group state", err)
		return
	}

	topic := b.topics.GroupState(id)
	if err := b.mqtt.PublishRetained(topic, payload); err != nil {
		b.logError("publish group state", err)
	}

	b.recordHistory(helvarnet.GroupKey(id), history.Snapshot{
		IsOn:       msg.IsOn,
		Brightness: msg.Brightness,
		Scene:      msg.LastScene,
	}, source)

	if b.metrics != nil {
		b.metrics.WriteGroupState(id, msg.IsOn, msg.Brightness)
	}
}

// publishRouterStatus publishes the retained router connection status.
func (b *Bridge) publishRouterStatus(online bool, reason string) {
	status := "offline"
	if online {
		status = "online"
	}

	msg := RouterStatusMessage{
		Status:    status,
		Host:      b.routerHost,
		Timestamp: time.Now().UTC(),
		Reason:    reason,
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("marshal router status", err)
		return
	}

	if err := b.mqtt.PublishRetained(b.topics.RouterStatus(), payload); err != nil {
		b.logError("publish router status", err)
	}
}

// PublishRouterOnline publishes an online router status. Call after a
// successful (re)connect.
func (b *Bridge) PublishRouterOnline() {
	b.publishRouterStatus(true, "")
}

// recordHistory persists a snapshot when a store is configured.
func (b *Bridge) recordHistory(target string, snap history.Snapshot, source string) {
	if b.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, historyTimeout)
	defer cancel()

	if err := b.store.Record(ctx, target, snap, source); err != nil {
		b.logWarn("history write failed", "target", target, "error", err)
	}
}

// =============================================================================
// Command handling
// =============================================================================

// handleDeviceSet processes a command on device/{address}/set.
func (b *Bridge) handleDeviceSet(topic string, payload []byte) error {
	addrStr, ok := targetFromTopic(topic)
	if !ok {
		b.logWarn("malformed command topic", "topic", topic)
		return nil
	}

	var cmd SetCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.publishAck(NewAckError(b.commandID(cmd.ID), addrStr, ErrCodeInvalidPayload, err.Error()))
		return nil
	}
	cmd.ID = b.commandID(cmd.ID)

	addr, err := helvarnet.ParseAddress(addrStr)
	if err != nil {
		b.publishAck(NewAckError(cmd.ID, addrStr, ErrCodeUnknownTarget, err.Error()))
		return nil
	}
	if _, ok := b.router.Device(addr); !ok {
		b.publishAck(NewAckError(cmd.ID, addrStr, ErrCodeUnknownTarget,
			fmt.Sprintf("device %s not discovered", addrStr)))
		return nil
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	err = b.executeDeviceSet(ctx, addr, cmd)
	if err != nil {
		b.publishAck(NewAckError(cmd.ID, addrStr, commandErrorCode(err), err.Error()))
		return nil
	}

	b.publishAck(NewAck(cmd.ID, addrStr))
	b.logInfo("device command executed", "command_id", cmd.ID, "address", addrStr)
	return nil
}

// executeDeviceSet translates a set command into a router command.
func (b *Bridge) executeDeviceSet(ctx context.Context, addr helvarnet.Address, cmd SetCommand) error {
	level, hasLevel := commandLevel(cmd)

	switch {
	case cmd.X != nil || cmd.Y != nil:
		if cmd.X == nil || cmd.Y == nil {
			return errInvalidParams("both x and y are required")
		}
		if !hasLevel {
			level = currentLevel(b.router, addr)
		}
		return b.router.SetDeviceXYColor(ctx, addr, *cmd.X, *cmd.Y, level, cmd.Fade)

	case cmd.ColorTempMireds != nil:
		if !hasLevel {
			level = currentLevel(b.router, addr)
		}
		return b.router.SetDeviceColorTemperature(ctx, addr, *cmd.ColorTempMireds, level, cmd.Fade)

	case hasLevel:
		return b.router.SetDeviceLevel(ctx, addr, level, cmd.Fade)

	default:
		return errInvalidParams("one of brightness, level, or on is required")
	}
}

// handleGroupSet processes a command on group/{id}/set.
func (b *Bridge) handleGroupSet(topic string, payload []byte) error {
	idStr, ok := targetFromTopic(topic)
	if !ok {
		b.logWarn("malformed command topic", "topic", topic)
		return nil
	}
	target := "group:" + idStr

	var cmd SetCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.publishAck(NewAckError(b.commandID(cmd.ID), target, ErrCodeInvalidPayload, err.Error()))
		return nil
	}
	cmd.ID = b.commandID(cmd.ID)

	id, err := strconv.Atoi(idStr)
	if err != nil || id <= 0 {
		b.publishAck(NewAckError(cmd.ID, target, ErrCodeUnknownTarget,
			fmt.Sprintf("invalid group id %q", idStr)))
		return nil
	}
	if _, ok := b.router.Group(id); !ok {
		b.publishAck(NewAckError(cmd.ID, target, ErrCodeUnknownTarget,
			fmt.Sprintf("group %d not discovered", id)))
		return nil
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	err = b.executeGroupSet(ctx, id, cmd)
	if err != nil {
		b.publishAck(NewAckError(cmd.ID, target, commandErrorCode(err), err.Error()))
		return nil
	}

	b.publishAck(NewAck(cmd.ID, target))
	b.logInfo("group command executed", "command_id", cmd.ID, "group", id)
	return nil
}

// executeGroupSet translates a set command into a router group command.
func (b *Bridge) executeGroupSet(ctx context.Context, id int, cmd SetCommand) error {
	level, hasLevel := commandLevel(cmd)

	switch {
	case cmd.X != nil || cmd.Y != nil:
		if cmd.X == nil || cmd.Y == nil {
			return errInvalidParams("both x and y are required")
		}
		if !hasLevel {
			level = 100
		}
		return b.router.SetGroupXYColor(ctx, id, *cmd.X, *cmd.Y, level, cmd.Fade)

	case cmd.ColorTempMireds != nil:
		if !hasLevel {
			level = 100
		}
		return b.router.SetGroupColorTemperature(ctx, id, *cmd.ColorTempMireds, level, cmd.Fade)

	case hasLevel:
		return b.router.SetGroupLevel(ctx, id, level, cmd.Fade)

	default:
		return errInvalidParams("one of brightness, level, or on is required")
	}
}

// handleGroupScene processes a command on group/{id}/scene.
func (b *Bridge) handleGroupScene(topic string, payload []byte) error {
	idStr, ok := targetFromTopic(topic)
	if !ok {
		b.logWarn("malformed command topic", "topic", topic)
		return nil
	}
	target := "group:" + idStr

	var cmd SceneCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.publishAck(NewAckError(b.commandID(cmd.ID), target, ErrCodeInvalidPayload, err.Error()))
		return nil
	}
	cmd.ID = b.commandID(cmd.ID)

	id, err := strconv.Atoi(idStr)
	if err != nil || id <= 0 {
		b.publishAck(NewAckError(cmd.ID, target, ErrCodeUnknownTarget,
			fmt.Sprintf("invalid group id %q", idStr)))
		return nil
	}
	if cmd.Scene < 1 || cmd.Scene > 16 {
		b.publishAck(NewAckError(cmd.ID, target, ErrCodeInvalidParameters,
			fmt.Sprintf("scene must be 1-16, got %d", cmd.Scene)))
		return nil
	}
	block := cmd.Block
	if block == 0 {
		block = 1
	}
	if block < 1 || block > 8 {
		b.publishAck(NewAckError(cmd.ID, target, ErrCodeInvalidParameters,
			fmt.Sprintf("block must be 1-8, got %d", block)))
		return nil
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if err := b.router.RecallScene(ctx, id, block, cmd.Scene, cmd.Fade); err != nil {
		b.publishAck(NewAckError(cmd.ID, target, commandErrorCode(err), err.Error()))
		return nil
	}

	b.publishAck(NewAck(cmd.ID, target))
	b.logInfo("scene recalled", "command_id", cmd.ID, "group", id, "scene", cmd.Scene)
	return nil
}

// publishAck publishes a command acknowledgement.
func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("marshal ack", err)
		return
	}

	topic := b.topics.Ack(ack.CommandID)
	if err := b.mqtt.Publish(topic, payload, defaultQoS, false); err != nil {
		b.logError("publish ack", err)
	}

	if ack.Status == AckFailed && ack.Error != nil {
		b.logWarn("command failed",
			"command_id", ack.CommandID,
			"target", ack.Target,
			"code", ack.Error.Code,
			"reason", ack.Error.Message)
	}
}

// commandID returns the given ID or generates one for correlation.
func (b *Bridge) commandID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// =============================================================================
// Helpers
// =============================================================================

// targetFromTopic extracts the target segment from a command topic of
// the form prefix/device/{target}/set or prefix/group/{target}/scene.
func targetFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 {
		return "", false
	}
	target := parts[len(parts)-2]
	if target == "" || target == "+" {
		return "", false
	}
	return target, true
}

// commandLevel resolves the level requested by a set command.
// Brightness takes priority over level, which takes priority over on.
func commandLevel(cmd SetCommand) (float64, bool) {
	switch {
	case cmd.Brightness != nil:
		return helvarnet.LevelFromBrightness(*cmd.Brightness), true
	case cmd.Level != nil:
		return *cmd.Level, true
	case cmd.On != nil:
		if *cmd.On {
			return 100, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// currentLevel returns a device's current level, or full brightness when
// the device is off (matching how colour changes behave on a dark light).
func currentLevel(router LightingRouter, addr helvarnet.Address) float64 {
	if d, ok := router.Device(addr); ok && d.IsOn() {
		return d.LoadLevel
	}
	return 100
}

// invalidParamsError marks a validation failure ahead of any router call.
type invalidParamsError struct{ msg string }

func (e invalidParamsError) Error() string { return e.msg }

func errInvalidParams(msg string) error {
	return invalidParamsError{msg: msg}
}

// commandErrorCode maps an execution error to an ack error code.
func commandErrorCode(err error) string {
	var ipe invalidParamsError
	switch {
	case errors.As(err, &ipe):
		return ErrCodeInvalidParameters
	case errors.Is(err, helvarnet.ErrNotConnected):
		return ErrCodeNotConnected
	case errors.Is(err, helvarnet.ErrConnectionLost):
		return ErrCodeNotConnected
	case errors.Is(err, helvarnet.ErrRouterError):
		return ErrCodeRouterError
	default:
		return ErrCodeRouterError
	}
}

// =============================================================================
// Logging
// =============================================================================

func (b *Bridge) logDebug(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, args...)
	}
}

func (b *Bridge) logInfo(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Info(msg, args...)
	}
}

func (b *Bridge) logWarn(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, args...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if b.logger != nil {
		b.logger.Error(msg, "error", err)
	}
}
