package helvarnet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// RouterConfig holds settings for one router connection.
type RouterConfig struct {
	// Host is the router hostname or IP address.
	Host string

	// Port is the HelvarNet TCP port. Default: 50000.
	Port int

	// ConnectTimeout bounds the initial TCP dial. Default: 10 seconds.
	ConnectTimeout time.Duration

	// QueryTimeout bounds each query round-trip. Default: 5 seconds.
	QueryTimeout time.Duration

	// DefaultFadeTime, in centiseconds, is applied to level and colour
	// commands issued with a zero fade time.
	DefaultFadeTime int

	// Logger is optional; nil disables logging.
	Logger Logger
}

// RouterStats holds operational statistics for monitoring.
type RouterStats struct {
	Transport       TransportStats
	NotificationsRx uint64
	MalformedRx     uint64
	Devices         int
	Groups          int
}

// Router is the façade callers use: connect, discover, query, command,
// subscribe. It composes transport, dispatcher, registries, and the
// subscription bus, and owns the frame pump goroutine.
//
// Registries live for the Router's lifetime: a mid-session disconnect
// leaves discovered state readable, and a subsequent Connect (a
// deliberate caller action — there is no automatic reconnect) resumes
// updating it.
//
// Thread Safety: all methods are safe for concurrent use.
type Router struct {
	cfg    RouterConfig
	logger Logger

	bus     *Bus
	devices *DeviceRegistry
	groups  *GroupRegistry

	mu         sync.Mutex
	transport  *Transport
	dispatcher *Dispatcher
	pumpWG     sync.WaitGroup

	callbackMu   sync.RWMutex
	onDisconnect []func(error)

	notificationsRx atomic.Uint64
	malformedRx     atomic.Uint64
}

// NewRouter creates a Router. Call Connect to establish the connection.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	bus := NewBus(cfg.Logger)
	devices := NewDeviceRegistry(bus, cfg.Logger)
	groups := NewGroupRegistry(devices, bus, cfg.Logger)

	return &Router{
		cfg:     cfg,
		logger:  cfg.Logger,
		bus:     bus,
		devices: devices,
		groups:  groups,
	}
}

// Connect establishes the TCP connection and starts the frame pump.
// Calling Connect while already connected is a no-op. After a
// disconnect, calling Connect again dials a fresh connection.
func (r *Router) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.transport != nil && r.transport.Connected() {
		return nil
	}

	transport, err := DialTransport(ctx, r.cfg.Host, r.cfg.Port, TransportConfig{
		ConnectTimeout: r.cfg.ConnectTimeout,
		Logger:         r.logger,
	})
	if err != nil {
		return err
	}

	dispatcher := NewDispatcher(transport, r.cfg.QueryTimeout, r.logger)
	transport.SetOnDisconnect(func(cause error) {
		// Fail in-flight queries first so no caller hangs, then tell
		// the owner. Reconnection is their decision.
		dispatcher.FailAll(cause)
		r.fireDisconnect(cause)
	})

	r.transport = transport
	r.dispatcher = dispatcher

	r.pumpWG.Add(1)
	go r.pump(transport, dispatcher)

	r.logger.Info("router connected", "host", r.cfg.Host, "port", r.cfg.Port)
	return nil
}

// Close shuts the connection down deliberately. Discovered state stays
// readable until the Router itself is discarded.
func (r *Router) Close() error {
	r.mu.Lock()
	transport := r.transport
	r.transport = nil
	r.dispatcher = nil
	r.mu.Unlock()

	if transport == nil {
		return nil
	}

	err := transport.Close()
	r.pumpWG.Wait()
	r.logger.Info("router connection closed", "host", r.cfg.Host)
	return err
}

// Connected returns true while the connection is up.
func (r *Router) Connected() bool {
	r.mu.Lock()
	transport := r.transport
	r.mu.Unlock()
	return transport != nil && transport.Connected()
}

// OnDisconnect registers a callback for unexpected connection loss.
func (r *Router) OnDisconnect(callback func(error)) {
	r.callbackMu.Lock()
	r.onDisconnect = append(r.onDisconnect, callback)
	r.callbackMu.Unlock()
}

func (r *Router) fireDisconnect(cause error) {
	r.callbackMu.RLock()
	callbacks := append([]func(error){}, r.onDisconnect...)
	r.callbackMu.RUnlock()

	for _, cb := range callbacks {
		cb(cause)
	}
}

// pump is the sole applier of incoming frames: replies go to the
// dispatcher wait table, notifications mutate the registries (which
// then notify subscribers). Runs until the frame channel closes.
func (r *Router) pump(transport *Transport, dispatcher *Dispatcher) {
	defer r.pumpWG.Done()

	for frame := range transport.Frames() {
		msg, err := DecodeFrame(frame)
		if err != nil {
			// Unparseable bytes: drop the frame, keep the connection.
			r.malformedRx.Add(1)
			r.logger.Warn("malformed frame dropped", "frame", frame, "error", err)
			continue
		}

		switch m := msg.(type) {
		case Notification:
			r.handleNotification(m)
		default:
			dispatcher.HandleReply(msg)
		}
	}
}

func (r *Router) handleNotification(n Notification) {
	r.notificationsRx.Add(1)

	if n.Group != 0 {
		if err := r.groups.ApplyNotification(n); err != nil {
			r.logger.Debug("group notification ignored", "error", err)
		}
		return
	}
	if err := r.devices.ApplyNotification(n); err != nil {
		r.logger.Debug("device notification ignored", "error", err)
	}
}

// currentDispatcher returns the live dispatcher or ErrNotConnected.
func (r *Router) currentDispatcher() (*Dispatcher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dispatcher == nil {
		return nil, ErrNotConnected
	}
	return r.dispatcher, nil
}

// Query sends a query and waits for the matching reply. Exposed for
// callers that need protocol access beyond the typed helpers.
func (r *Router) Query(ctx context.Context, cmd Command) (QueryReply, error) {
	dispatcher, err := r.currentDispatcher()
	if err != nil {
		return QueryReply{}, err
	}
	return dispatcher.Query(ctx, cmd)
}

// Send transmits a fire-and-forget command.
func (r *Router) Send(ctx context.Context, cmd Command) error {
	dispatcher, err := r.currentDispatcher()
	if err != nil {
		return err
	}
	return dispatcher.Send(ctx, cmd)
}

// SendRaw transmits an operator-supplied raw command string, appending
// the frame terminator if missing. Escape hatch for commissioning use.
func (r *Router) SendRaw(ctx context.Context, frame string) error {
	frame = strings.TrimSpace(frame)
	if frame == "" {
		return fmt.Errorf("%w: empty frame", ErrSendFailed)
	}
	if frame[len(frame)-1] != Terminator {
		frame += string(Terminator)
	}

	r.mu.Lock()
	transport := r.transport
	r.mu.Unlock()
	if transport == nil {
		return ErrNotConnected
	}
	return transport.Send(ctx, frame)
}

func (r *Router) fadeOrDefault(fadeTime int) int {
	if fadeTime == 0 {
		return r.cfg.DefaultFadeTime
	}
	return fadeTime
}

// SetDeviceLevel sets a device's load level (percent, 0-100) with the
// given fade time in centiseconds (0 selects the configured default).
func (r *Router) SetDeviceLevel(ctx context.Context, addr Address, level float64, fadeTime int) error {
	return r.Send(ctx, DirectLevelDevice(addr, level, r.fadeOrDefault(fadeTime)))
}

// SetDeviceBrightness sets a device's level from 8-bit brightness.
func (r *Router) SetDeviceBrightness(ctx context.Context, addr Address, brightness int, fadeTime int) error {
	return r.SetDeviceLevel(ctx, addr, LevelFromBrightness(brightness), fadeTime)
}

// SetDeviceColorTemperature sets a device's colour temperature (integer
// mireds) and level.
func (r *Router) SetDeviceColorTemperature(ctx context.Context, addr Address, mireds int, level float64, fadeTime int) error {
	return r.Send(ctx, DirectColorTempDevice(addr, mireds, level, r.fadeOrDefault(fadeTime)))
}

// SetDeviceXYColor sets a device's XY chromaticity and level.
func (r *Router) SetDeviceXYColor(ctx context.Context, addr Address, x, y float64, level float64, fadeTime int) error {
	return r.Send(ctx, DirectXYDevice(addr, x, y, level, r.fadeOrDefault(fadeTime)))
}

// SetGroupLevel sets a group's load level via a single native
// group-addressed command; the command is never fanned out per member.
// No local echo is recorded — state converges through notifications.
func (r *Router) SetGroupLevel(ctx context.Context, group int, level float64, fadeTime int) error {
	return r.Send(ctx, DirectLevelGroup(group, level, r.fadeOrDefault(fadeTime)))
}

// SetGroupColorTemperature sets a group's colour temperature and level.
func (r *Router) SetGroupColorTemperature(ctx context.Context, group int, mireds int, level float64, fadeTime int) error {
	return r.Send(ctx, DirectColorTempGroup(group, mireds, level, r.fadeOrDefault(fadeTime)))
}

// SetGroupXYColor sets a group's XY chromaticity and level.
func (r *Router) SetGroupXYColor(ctx context.Context, group int, x, y float64, level float64, fadeTime int) error {
	return r.Send(ctx, DirectXYGroup(group, x, y, level, r.fadeOrDefault(fadeTime)))
}

// RecallScene recalls a scene for a group.
func (r *Router) RecallScene(ctx context.Context, group, block, scene, fadeTime int) error {
	return r.Send(ctx, RecallSceneGroup(group, block, scene, r.fadeOrDefault(fadeTime)))
}

// Subscribe registers a callback invoked after any state mutation for
// the given key (DeviceKey or GroupKey).
func (r *Router) Subscribe(key string, callback func()) Subscription {
	return r.bus.Subscribe(key, callback)
}

// Unsubscribe removes a previously registered callback.
func (r *Router) Unsubscribe(key string, id Subscription) {
	r.bus.Unsubscribe(key, id)
}

// Devices returns all discovered devices in discovery order.
func (r *Router) Devices() []Device {
	return r.devices.Devices()
}

// LightDevices returns discovered devices that accept level control.
func (r *Router) LightDevices() []Device {
	return r.devices.LightDevices()
}

// Device returns the device at addr, if discovered.
func (r *Router) Device(addr Address) (Device, bool) {
	return r.devices.Get(addr)
}

// Groups returns all discovered groups in discovery order.
func (r *Router) Groups() []Group {
	return r.groups.Groups()
}

// Group returns the group with the given ID, if discovered.
func (r *Router) Group(id int) (Group, bool) {
	return r.groups.Get(id)
}

// GroupState computes a group's aggregate state from current member
// devices. See GroupRegistry.AggregateState.
func (r *Router) GroupState(id int, colorModes map[string]ColorMode) (GroupState, error) {
	return r.groups.AggregateState(id, colorModes)
}

// MemberDevices resolves a group's members, skipping absent addresses.
func (r *Router) MemberDevices(id int) []Device {
	return r.groups.MemberDevices(id)
}

// Stats returns current operational statistics.
func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		NotificationsRx: r.notificationsRx.Load(),
		MalformedRx:     r.malformedRx.Load(),
		Devices:         r.devices.Count(),
		Groups:          r.groups.Count(),
	}

	r.mu.Lock()
	transport := r.transport
	r.mu.Unlock()
	if transport != nil {
		stats.Transport = transport.Stats()
	}
	return stats
}
