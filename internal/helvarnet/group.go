package helvarnet

import (
	"fmt"
	"math"
	"sync"
)

// LightCapability is a bitmask of control capabilities a light (or a
// group of lights) advertises.
type LightCapability uint8

const (
	// CapabilityOnOff is binary control only.
	CapabilityOnOff LightCapability = 1 << iota

	// CapabilityBrightness is dimmable level control.
	CapabilityBrightness

	// CapabilityColorTemp is colour temperature control in mireds.
	CapabilityColorTemp

	// CapabilityXY is XY chromaticity control.
	CapabilityXY
)

// Has returns true if c includes cap.
func (c LightCapability) Has(other LightCapability) bool {
	return c&other != 0
}

// String returns a short name for a single capability bit.
func (c LightCapability) String() string {
	switch c {
	case CapabilityOnOff:
		return "on_off"
	case CapabilityBrightness:
		return "brightness"
	case CapabilityColorTemp:
		return "color_temp"
	case CapabilityXY:
		return "xy"
	default:
		return fmt.Sprintf("capability(%d)", uint8(c))
	}
}

// Names returns the names of all set capability bits.
func (c LightCapability) Names() []string {
	var names []string
	for _, bit := range []LightCapability{CapabilityOnOff, CapabilityBrightness, CapabilityColorTemp, CapabilityXY} {
		if c.Has(bit) {
			names = append(names, bit.String())
		}
	}
	return names
}

// GroupState is the aggregate state of a group, computed on demand from
// current member devices and never cached, so it cannot diverge from
// device state.
type GroupState struct {
	// Capabilities is the union of member capability contributions.
	Capabilities LightCapability

	// ActiveMode is the single controlling mode, selected by precedence
	// XY > COLOR_TEMP > BRIGHTNESS > ON_OFF.
	ActiveMode LightCapability

	// IsOn is true iff any member's load level is above zero.
	IsOn bool

	// Brightness is the rounded arithmetic mean of brightness over the
	// members that are currently on; 0 when no member is on. Dark
	// fixtures are excluded so the value models how bright the lit
	// lights are, not a blend including off ones.
	Brightness int
}

// Group is a router-defined logical set of devices controlled together
// via native group commands.
type Group struct {
	ID        int       `json:"id"`
	Name      string    `json:"name,omitempty"`
	Members   []Address `json:"members"`
	LastScene int       `json:"last_scene,omitempty"`
}

// GroupRegistry holds discovered groups and computes their aggregate
// state through the device registry.
//
// Thread Safety: same single-writer discipline as DeviceRegistry.
type GroupRegistry struct {
	mu     sync.RWMutex
	groups map[int]*Group
	order  []int

	devices *DeviceRegistry
	bus     *Bus
	logger  Logger
}

// NewGroupRegistry creates an empty group registry resolving members
// through devices.
func NewGroupRegistry(devices *DeviceRegistry, bus *Bus, logger Logger) *GroupRegistry {
	if logger == nil {
		logger = noopLogger{}
	}
	return &GroupRegistry{
		groups:  make(map[int]*Group),
		devices: devices,
		bus:     bus,
		logger:  logger,
	}
}

// Put inserts or replaces a group. Called during discovery.
func (r *GroupRegistry) Put(g Group) {
	r.mu.Lock()
	if _, exists := r.groups[g.ID]; !exists {
		r.order = append(r.order, g.ID)
	}
	stored := g
	stored.Members = append([]Address(nil), g.Members...)
	r.groups[g.ID] = &stored
	r.mu.Unlock()
}

// Get returns a copy of the group with the given ID.
func (r *GroupRegistry) Get(id int) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[id]
	if !ok {
		return Group{}, false
	}
	out := *g
	out.Members = append([]Address(nil), g.Members...)
	return out, true
}

// Groups returns all groups in discovery order.
func (r *GroupRegistry) Groups() []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Group, 0, len(r.order))
	for _, id := range r.order {
		g := *r.groups[id]
		g.Members = append([]Address(nil), r.groups[id].Members...)
		out = append(out, g)
	}
	return out
}

// Count returns the number of discovered groups.
func (r *GroupRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

// Clear empties the registry. Used when discovery is re-run.
func (r *GroupRegistry) Clear() {
	r.mu.Lock()
	r.groups = make(map[int]*Group)
	r.order = nil
	r.mu.Unlock()
}

// MemberDevices resolves a group's members through the device registry.
// Member addresses absent from the registry are silently skipped —
// partial discovery or device removal is never an error here.
func (r *GroupRegistry) MemberDevices(id int) []Device {
	g, ok := r.Get(id)
	if !ok {
		return nil
	}

	devices := make([]Device, 0, len(g.Members))
	for _, addr := range g.Members {
		if d, found := r.devices.Get(addr); found {
			devices = append(devices, d)
		}
	}
	return devices
}

// AggregateState computes the group's aggregate state from current
// member devices and the per-device configured colour modes (keyed by
// address string; missing entries default to mireds for colour-capable
// devices).
//
// Capability contributions per member:
//   - colour device configured xy → XY
//   - colour device configured mireds (or unconfigured) → COLOR_TEMP
//   - colour device configured none, or plain dimmable load → BRIGHTNESS
//   - ON_OFF only as the group-level fallback when nothing else applies
func (r *GroupRegistry) AggregateState(id int, colorModes map[string]ColorMode) (GroupState, error) {
	if _, ok := r.Get(id); !ok {
		return GroupState{}, fmt.Errorf("%w: %d", ErrUnknownGroup, id)
	}

	members := r.MemberDevices(id)

	var state GroupState
	var onBrightnessTotal float64
	var onCount int

	for _, d := range members {
		switch {
		case d.IsColor && effectiveColorMode(colorModes, d.Address) == ColorModeXY:
			state.Capabilities |= CapabilityXY
		case d.IsColor && effectiveColorMode(colorModes, d.Address) == ColorModeMireds:
			state.Capabilities |= CapabilityColorTemp
		case d.IsLoad && !d.IsSwitch:
			state.Capabilities |= CapabilityBrightness
		}

		if d.LoadLevel > 0 {
			state.IsOn = true
			onBrightnessTotal += float64(d.Brightness())
			onCount++
		}
	}

	if state.Capabilities == 0 {
		state.Capabilities = CapabilityOnOff
	}
	state.ActiveMode = activeMode(state.Capabilities)

	if onCount > 0 {
		state.Brightness = int(math.Round(onBrightnessTotal / float64(onCount)))
	}

	return state, nil
}

// ApplyNotification records group-level events (scene recalls) and
// notifies group subscribers. A recalled scene is propagated to the
// member devices' LastScene; their levels still converge through their
// own notifications, no level is echoed here.
func (r *GroupRegistry) ApplyNotification(n Notification) error {
	if n.Group == 0 {
		return nil
	}

	r.mu.Lock()
	g, ok := r.groups[n.Group]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d (event %d)", ErrUnknownGroup, n.Group, n.Event)
	}
	scene, found := n.Scene()
	var members []Address
	if found {
		g.LastScene = scene
		members = append([]Address(nil), g.Members...)
	}
	r.mu.Unlock()

	for _, addr := range members {
		if err := r.devices.SetLastScene(addr, scene); err != nil {
			r.logger.Debug("scene recall for unknown member",
				"group", n.Group, "address", addr.String())
		}
	}

	r.bus.Notify(GroupKey(n.Group))
	return nil
}

// effectiveColorMode resolves the configured mode for a device address,
// defaulting to mireds.
func effectiveColorMode(modes map[string]ColorMode, addr Address) ColorMode {
	if mode, ok := modes[addr.String()]; ok && mode != "" {
		return mode
	}
	return ColorModeMireds
}

// activeMode selects the controlling mode from a capability set.
// Precedence: XY > COLOR_TEMP > BRIGHTNESS > ON_OFF.
func activeMode(caps LightCapability) LightCapability {
	switch {
	case caps.Has(CapabilityXY):
		return CapabilityXY
	case caps.Has(CapabilityColorTemp):
		return CapabilityColorTemp
	case caps.Has(CapabilityBrightness):
		return CapabilityBrightness
	default:
		return CapabilityOnOff
	}
}
