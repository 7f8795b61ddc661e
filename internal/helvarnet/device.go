package helvarnet

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// ColorMode is the externally configured colour behaviour of a device.
// It affects which colour capability is advertised and controlled, not
// the protocol wire behaviour.
type ColorMode string

const (
	// ColorModeNone treats the device as brightness-only even when the
	// hardware is colour-capable.
	ColorModeNone ColorMode = "none"

	// ColorModeMireds controls colour temperature. This is the default
	// for colour-capable devices.
	ColorModeMireds ColorMode = "mireds"

	// ColorModeXY controls XY chromaticity.
	ColorModeXY ColorMode = "xy"
)

// ParseColorMode validates a colour mode string. Empty selects the
// mireds default.
func ParseColorMode(s string) (ColorMode, error) {
	switch ColorMode(s) {
	case ColorModeNone, ColorModeMireds, ColorModeXY:
		return ColorMode(s), nil
	case "":
		return ColorModeMireds, nil
	default:
		return "", fmt.Errorf("invalid color mode %q (use none, mireds, or xy)", s)
	}
}

// XY is a CIE xy chromaticity coordinate pair.
type XY struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Device is one addressable load or control point on the router.
//
// LoadLevel is the authoritative "how on" value in percent [0,100];
// Brightness derives from it deterministically. Colour fields hold the
// last state set by commands or notifications; they are never queried.
type Device struct {
	Address Address `json:"address"`
	Name    string  `json:"name,omitempty"`

	// TypeCode is the raw device type reported by the router. The low
	// byte is the protocol (1 = DALI); for DALI devices the second byte
	// is the DALI device type.
	TypeCode int `json:"type_code"`

	IsLoad   bool `json:"is_load"`
	IsSwitch bool `json:"is_switch"`
	IsColor  bool `json:"is_color"`

	LoadLevel       float64 `json:"load_level"`
	ColorTempMireds int     `json:"color_temp_mireds,omitempty"`
	XYColor         *XY     `json:"xy,omitempty"`
	LastScene       int     `json:"last_scene,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Brightness returns the 8-bit brightness derived from the load level.
func (d Device) Brightness() int {
	return int(math.Round(d.LoadLevel / 100 * maxBrightness))
}

// IsOn returns true while the load level is above zero.
func (d Device) IsOn() bool {
	return d.LoadLevel > 0
}

// DALI device types relevant to classification.
const (
	daliProtocol   = 0x01
	daliTypeRelay  = 7
	daliTypeColour = 8
)

// ClassifyTypeCode derives capability flags from a router device type
// code. Non-DALI subnets (S-DIM, DMX) are treated as plain dimmable
// loads; DALI relay units are binary-only, DALI type 8 is colour.
func ClassifyTypeCode(code int) (isLoad, isSwitch, isColor bool) {
	if code&0xFF != daliProtocol {
		return true, false, false
	}
	daliType := (code >> 8) & 0xFF
	switch daliType {
	case daliTypeRelay:
		return true, true, false
	case daliTypeColour:
		return true, false, true
	default:
		return true, false, false
	}
}

// DeviceRegistry holds discovered device state.
//
// The frame pump is the sole writer after discovery: notifications are
// applied in wire order so later updates win. Reads may come from any
// goroutine; the map is guarded by an RWMutex and methods return copies.
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices map[Address]*Device
	order   []Address // discovery order

	bus    *Bus
	logger Logger
}

// NewDeviceRegistry creates an empty device registry publishing change
// notifications to bus.
func NewDeviceRegistry(bus *Bus, logger Logger) *DeviceRegistry {
	if logger == nil {
		logger = noopLogger{}
	}
	return &DeviceRegistry{
		devices: make(map[Address]*Device),
		bus:     bus,
		logger:  logger,
	}
}

// Put inserts or replaces a device. Called during discovery.
func (r *DeviceRegistry) Put(d Device) {
	d.UpdatedAt = time.Now().UTC()

	r.mu.Lock()
	if _, exists := r.devices[d.Address]; !exists {
		r.order = append(r.order, d.Address)
	}
	stored := d
	r.devices[d.Address] = &stored
	r.mu.Unlock()
}

// Get returns a copy of the device at addr.
func (r *DeviceRegistry) Get(addr Address) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[addr]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Devices returns all devices in discovery order.
func (r *DeviceRegistry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, *r.devices[addr])
	}
	return out
}

// LightDevices returns the devices that accept level control.
func (r *DeviceRegistry) LightDevices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Device
	for _, addr := range r.order {
		if d := r.devices[addr]; d.IsLoad {
			out = append(out, *d)
		}
	}
	return out
}

// Count returns the number of discovered devices.
func (r *DeviceRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Clear empties the registry. Used when discovery is re-run.
func (r *DeviceRegistry) Clear() {
	r.mu.Lock()
	r.devices = make(map[Address]*Device)
	r.order = nil
	r.mu.Unlock()
}

// ApplyNotification updates the matching device in place from an
// asynchronous protocol notification, then notifies subscribers.
//
// Applying the same notification twice yields the same state. Unknown
// addresses return ErrUnknownAddress — the router may reference devices
// not yet discovered; callers log and carry on.
func (r *DeviceRegistry) ApplyNotification(n Notification) error {
	if n.Address.IsZero() {
		return nil // group-targeted, handled by the group registry
	}

	r.mu.Lock()
	d, ok := r.devices[n.Address]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s (event %d)", ErrUnknownAddress, n.Address, n.Event)
	}

	changed := applyParams(d, n)
	if changed {
		d.UpdatedAt = time.Now().UTC()
	}
	r.mu.Unlock()

	if changed {
		r.bus.Notify(DeviceKey(n.Address))
	}
	return nil
}

// SetLoadLevel overwrites a device's load level, clamped to [0,100],
// and notifies subscribers. Used when discovery or an explicit query
// learns the current level.
func (r *DeviceRegistry) SetLoadLevel(addr Address, level float64) error {
	r.mu.Lock()
	d, ok := r.devices[addr]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
	}
	d.LoadLevel = clampLevel(level)
	d.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	r.bus.Notify(DeviceKey(addr))
	return nil
}

// SetLastScene records a scene recall against a device and notifies
// subscribers on change. Used when a group scene recall covers the
// device as a member; its level still converges through its own
// notifications.
func (r *DeviceRegistry) SetLastScene(addr Address, scene int) error {
	r.mu.Lock()
	d, ok := r.devices[addr]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
	}
	if d.LastScene == scene {
		r.mu.Unlock()
		return nil
	}
	d.LastScene = scene
	d.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	r.bus.Notify(DeviceKey(addr))
	return nil
}

// applyParams writes the notification's recognised parameters into d.
// Returns true if any field changed.
func applyParams(d *Device, n Notification) bool {
	changed := false

	if level, ok := n.Level(); ok {
		level = clampLevel(level)
		if d.LoadLevel != level {
			d.LoadLevel = level
			changed = true
		}
	}
	if mireds, ok := n.ColorTemp(); ok && d.ColorTempMireds != mireds {
		d.ColorTempMireds = mireds
		changed = true
	}
	if x, y, ok := n.XY(); ok {
		if d.XYColor == nil || d.XYColor.X != x || d.XYColor.Y != y {
			d.XYColor = &XY{X: x, Y: y}
			changed = true
		}
	}
	if scene, ok := n.Scene(); ok && d.LastScene != scene {
		d.LastScene = scene
		changed = true
	}

	return changed
}

func clampLevel(level float64) float64 {
	if level < 0 {
		return 0
	}
	if level > 100 {
		return 100
	}
	return level
}
