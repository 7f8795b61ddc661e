package mqtt

import "fmt"

// DefaultTopicPrefix is the root of the helvard topic hierarchy when no
// prefix is configured.
const DefaultTopicPrefix = "helvard"

// Topics provides builders for helvard MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
// The topic hierarchy:
//
//	helvard/status                     service online/offline (retained)
//	helvard/device/{address}/state     device state updates (retained)
//	helvard/device/{address}/set       device command intake
//	helvard/group/{id}/state           group aggregate state (retained)
//	helvard/group/{id}/set             group command intake
//	helvard/group/{id}/scene           scene recall intake
//	helvard/ack/{correlation_id}       command acknowledgements
//	helvard/router/status              router connection health (retained)
//
// Device addresses use dotted form ("1.2.3.4"); group IDs are decimal.
type Topics struct {
	// Prefix overrides DefaultTopicPrefix when non-empty.
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix != "" {
		return t.Prefix
	}
	return DefaultTopicPrefix
}

// Status returns the service status topic used for online/offline
// announcements and the Last Will message.
//
// Example: helvard/status
func (t Topics) Status() string {
	return fmt.Sprintf("%s/status", t.prefix())
}

// RouterStatus returns the topic for router connection health.
//
// Example: helvard/router/status
func (t Topics) RouterStatus() string {
	return fmt.Sprintf("%s/router/status", t.prefix())
}

// DeviceState returns the topic for a device's state updates.
//
// Example: helvard/device/1.2.3.4/state
func (t Topics) DeviceState(address string) string {
	return fmt.Sprintf("%s/device/%s/state", t.prefix(), address)
}

// DeviceSet returns the command intake topic for a device.
//
// Example: helvard/device/1.2.3.4/set
func (t Topics) DeviceSet(address string) string {
	return fmt.Sprintf("%s/device/%s/set", t.prefix(), address)
}

// GroupState returns the topic for a group's aggregate state.
//
// Example: helvard/group/5/state
func (t Topics) GroupState(id int) string {
	return fmt.Sprintf("%s/group/%d/state", t.prefix(), id)
}

// GroupSet returns the command intake topic for a group.
//
// Example: helvard/group/5/set
func (t Topics) GroupSet(id int) string {
	return fmt.Sprintf("%s/group/%d/set", t.prefix(), id)
}

// GroupScene returns the scene recall intake topic for a group.
//
// Example: helvard/group/5/scene
func (t Topics) GroupScene(id int) string {
	return fmt.Sprintf("%s/group/%d/scene", t.prefix(), id)
}

// Ack returns the acknowledgement topic for a command correlation ID.
//
// Example: helvard/ack/req-abc123
func (t Topics) Ack(correlationID string) string {
	return fmt.Sprintf("%s/ack/%s", t.prefix(), correlationID)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllDeviceSets returns a pattern matching all device command topics.
//
// Pattern: helvard/device/+/set
func (t Topics) AllDeviceSets() string {
	return fmt.Sprintf("%s/device/+/set", t.prefix())
}

// AllGroupSets returns a pattern matching all group command topics.
//
// Pattern: helvard/group/+/set
func (t Topics) AllGroupSets() string {
	return fmt.Sprintf("%s/group/+/set", t.prefix())
}

// AllGroupScenes returns a pattern matching all scene recall topics.
//
// Pattern: helvard/group/+/scene
func (t Topics) AllGroupScenes() string {
	return fmt.Sprintf("%s/group/+/scene", t.prefix())
}

// AllDeviceStates returns a pattern matching all device state topics.
//
// Pattern: helvard/device/+/state
func (t Topics) AllDeviceStates() string {
	return fmt.Sprintf("%s/device/+/state", t.prefix())
}

// AllGroupStates returns a pattern matching all group state topics.
//
// Pattern: helvard/group/+/state
func (t Topics) AllGroupStates() string {
	return fmt.Sprintf("%s/group/+/state", t.prefix())
}

// AllTopics returns a pattern matching every helvard topic.
// Use with caution - this receives ALL traffic.
//
// Pattern: helvard/#
func (t Topics) AllTopics() string {
	return fmt.Sprintf("%s/#", t.prefix())
}
