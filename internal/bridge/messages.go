package bridge

import (
	"time"

	"github.com/helvarnet/helvard/internal/helvarnet"
)

// MQTT message types for the helvard topic hierarchy. Commands arrive on
// the .../set and .../scene topics; state and acknowledgements flow back
// on the .../state and ack/... topics.

// SetCommand is received on device/{address}/set and group/{id}/set.
//
// Exactly one of Brightness, Level, or On should drive the light level;
// ColorTempMireds or X/Y may accompany a level to change colour. Fade is
// in centiseconds (100 = 1 second); zero uses the router default.
type SetCommand struct {
	// ID correlates the command with its acknowledgement. Generated
	// when absent.
	ID string `json:"id,omitempty"`

	// Brightness sets the level on the 0-255 scale.
	Brightness *int `json:"brightness,omitempty"`

	// Level sets the load level in percent (0.0-100.0).
	Level *float64 `json:"level,omitempty"`

	// On switches the light fully on (true) or off (false).
	On *bool `json:"on,omitempty"`

	// ColorTempMireds sets the colour temperature.
	ColorTempMireds *int `json:"color_temp_mireds,omitempty"`

	// X and Y set the CIE 1931 colour point. Both must be present.
	X *float64 `json:"x,omitempty"`
	Y *float64 `json:"y,omitempty"`

	// Fade is the transition time in centiseconds. Zero uses the
	// configured default.
	Fade int `json:"fade,omitempty"`
}

// SceneCommand is received on group/{id}/scene.
type SceneCommand struct {
	// ID correlates the command with its acknowledgement. Generated
	// when absent.
	ID string `json:"id,omitempty"`

	// Scene is the scene number to recall (1-16).
	Scene int `json:"scene"`

	// Block is the scene block (1-8). Defaults to 1.
	Block int `json:"block,omitempty"`

	// Fade is the transition time in centiseconds. Zero uses the
	// configured default.
	Fade int `json:"fade,omitempty"`
}

// AckStatus represents the acknowledgement status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was sent to the router.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"
)

// Error codes for command failures.
const (
	ErrCodeInvalidPayload    = "INVALID_PAYLOAD"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeUnknownTarget     = "UNKNOWN_TARGET"
	ErrCodeNotConnected      = "NOT_CONNECTED"
	ErrCodeRouterError       = "ROUTER_ERROR"
)

// AckMessage is published on ack/{command_id} after a command is handled.
type AckMessage struct {
	// CommandID is the ID from the original command.
	CommandID string `json:"command_id"`

	// Timestamp is when the acknowledgement was sent (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Target is the device address or group key the command applied to.
	Target string `json:"target"`

	// Status indicates the acknowledgement status.
	Status AckStatus `json:"status"`

	// Error contains details if status is "failed".
	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	// Code is the error code (e.g., "UNKNOWN_TARGET", "ROUTER_ERROR").
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`
}

// NewAck creates a successful acknowledgement for a command.
func NewAck(commandID, target string) AckMessage {
	return AckMessage{
		CommandID: commandID,
		Timestamp: time.Now().UTC(),
		Target:    target,
		Status:    AckAccepted,
	}
}

// NewAckError creates a failed acknowledgement for a command.
func NewAckError(commandID, target, code, message string) AckMessage {
	return AckMessage{
		CommandID: commandID,
		Timestamp: time.Now().UTC(),
		Target:    target,
		Status:    AckFailed,
		Error: &AckError{
			Code:    code,
			Message: message,
		},
	}
}

// DeviceStateMessage is published retained on device/{address}/state.
type DeviceStateMessage struct {
	// Address is the dotted device address.
	Address string `json:"address"`

	// Name is the router-configured description, when known.
	Name string `json:"name,omitempty"`

	// Timestamp is when the state was observed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	IsOn       bool    `json:"is_on"`
	Level      float64 `json:"level"`
	Brightness int     `json:"brightness"`

	// ColorTempMireds is present for colour-capable devices.
	ColorTempMireds int `json:"color_temp_mireds,omitempty"`

	// XY is present when the device reported a colour point.
	XY *helvarnet.XY `json:"xy,omitempty"`

	// LastScene is the last scene recalled on this device, when known.
	LastScene int `json:"last_scene,omitempty"`
}

// NewDeviceState builds a state message from a registry device.
func NewDeviceState(d helvarnet.Device) DeviceStateMessage {
	return DeviceStateMessage{
		Address:         d.Address.String(),
		Name:            d.Name,
		Timestamp:       time.Now().UTC(),
		IsOn:            d.IsOn(),
		Level:           d.LoadLevel,
		Brightness:      d.Brightness(),
		ColorTempMireds: d.ColorTempMireds,
		XY:              d.XYColor,
		LastScene:       d.LastScene,
	}
}

// GroupStateMessage is published retained on group/{id}/state.
type GroupStateMessage struct {
	// ID is the lighting group identifier.
	ID int `json:"id"`

	// Name is the router-configured description, when known.
	Name string `json:"name,omitempty"`

	// Timestamp is when the state was computed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	IsOn       bool `json:"is_on"`
	Brightness int  `json:"brightness"`

	// ActiveMode is the controlling light mode for the group.
	ActiveMode string `json:"active_mode"`

	// Capabilities lists the group's capability names.
	Capabilities []string `json:"capabilities"`

	// LastScene is the last scene recalled on the group, when known.
	LastScene int `json:"last_scene,omitempty"`
}

// NewGroupState builds a state message from a group and its aggregate state.
func NewGroupState(g helvarnet.Group, state helvarnet.GroupState) GroupStateMessage {
	return GroupStateMessage{
		ID:           g.ID,
		Name:         g.Name,
		Timestamp:    time.Now().UTC(),
		IsOn:         state.IsOn,
		Brightness:   state.Brightness,
		ActiveMode:   state.ActiveMode.String(),
		Capabilities: state.Capabilities.Names(),
		LastScene:    g.LastScene,
	}
}

// RouterStatusMessage is published retained on router/status.
type RouterStatusMessage struct {
	// Status is "online" or "offline".
	Status string `json:"status"`

	// Host is the router address helvard is connected to.
	Host string `json:"host"`

	// Timestamp is when the status changed (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Reason explains an offline status, when known.
	Reason string `json:"reason,omitempty"`
}
