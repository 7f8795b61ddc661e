package helvarnet

import (
	"math"
	"strconv"
)

// HelvarNet command numbers.
//
// Control commands (11-21) change state; query commands (100+) read it.
// The direct colour commands are a router firmware extension for DALI
// device type 8 fixtures.
const (
	CmdRecallSceneGroup  = 11
	CmdRecallSceneDevice = 12
	CmdDirectLevelGroup  = 13
	CmdDirectLevelDevice = 14

	CmdDirectColorTempGroup  = 18
	CmdDirectColorTempDevice = 19
	CmdDirectXYGroup         = 20
	CmdDirectXYDevice        = 21

	CmdQueryDeviceTypesAndAddresses = 100
	CmdQueryClusters                = 101
	CmdQueryRouters                 = 102
	CmdQueryDeviceType              = 104
	CmdQueryGroupDescription        = 105
	CmdQueryDeviceDescription       = 106
	CmdQueryLastSceneInGroup        = 109
	CmdQueryDeviceState             = 110
	CmdQueryLoadLevel               = 152
	CmdQueryGroupDevices            = 164
	CmdQueryGroups                  = 165
)

// Full brightness on the 8-bit scale used by callers.
const maxBrightness = 255

// FormatLevel renders a load level percentage for the wire.
//
// Levels are transmitted with one fractional digit ("100.0", "78.4").
// Off is transmitted as bare "0", not "0.0" — observed router firmware
// behaviour; do not normalise it.
func FormatLevel(level float64) string {
	if level <= 0 {
		return "0"
	}
	if level > 100 {
		level = 100
	}
	return strconv.FormatFloat(level, 'f', 1, 64)
}

// LevelFromBrightness converts 8-bit brightness (0-255) to a load level
// percentage. The wire carries one fractional digit, so round-tripping
// through FormatLevel and BrightnessFromLevel reproduces the input.
func LevelFromBrightness(brightness int) float64 {
	if brightness <= 0 {
		return 0
	}
	if brightness > maxBrightness {
		brightness = maxBrightness
	}
	return float64(brightness) / maxBrightness * 100
}

// BrightnessFromLevel converts a load level percentage to 8-bit
// brightness using deterministic rounding.
func BrightnessFromLevel(level float64) int {
	if level <= 0 {
		return 0
	}
	if level > 100 {
		level = 100
	}
	return int(math.Round(level / 100 * maxBrightness))
}

// formatXY renders a chromaticity coordinate with four fractional digits.
func formatXY(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func fadeParam(fadeTime int) Param {
	return Param{Key: ParamFadeTime, Value: strconv.Itoa(fadeTime)}
}

func levelParam(level float64) Param {
	return Param{Key: ParamLevel, Value: FormatLevel(level)}
}

// DirectLevelDevice builds a direct level command for one device.
// Level is a percentage (0-100); fadeTime is in centiseconds.
func DirectLevelDevice(addr Address, level float64, fadeTime int) Command {
	return Command{
		Number:  CmdDirectLevelDevice,
		Address: addr,
		Params:  []Param{levelParam(level), fadeParam(fadeTime)},
	}
}

// DirectLevelGroup builds a direct level command for a group. The
// router fans it out to members natively; this client never does.
func DirectLevelGroup(group int, level float64, fadeTime int) Command {
	return Command{
		Number: CmdDirectLevelGroup,
		Group:  group,
		Params: []Param{levelParam(level), fadeParam(fadeTime)},
	}
}

// DirectColorTempDevice builds a colour temperature command for one
// device. The temperature is in integer mireds.
func DirectColorTempDevice(addr Address, mireds int, level float64, fadeTime int) Command {
	return Command{
		Number:  CmdDirectColorTempDevice,
		Address: addr,
		Params: []Param{
			{Key: ParamColorTemp, Value: strconv.Itoa(mireds)},
			levelParam(level),
			fadeParam(fadeTime),
		},
	}
}

// DirectColorTempGroup builds a colour temperature command for a group.
func DirectColorTempGroup(group int, mireds int, level float64, fadeTime int) Command {
	return Command{
		Number: CmdDirectColorTempGroup,
		Group:  group,
		Params: []Param{
			{Key: ParamColorTemp, Value: strconv.Itoa(mireds)},
			levelParam(level),
			fadeParam(fadeTime),
		},
	}
}

// DirectXYDevice builds an XY chromaticity command for one device.
func DirectXYDevice(addr Address, x, y float64, level float64, fadeTime int) Command {
	return Command{
		Number:  CmdDirectXYDevice,
		Address: addr,
		Params: []Param{
			{Key: ParamColorX, Value: formatXY(x)},
			{Key: ParamColorY, Value: formatXY(y)},
			levelParam(level),
			fadeParam(fadeTime),
		},
	}
}

// DirectXYGroup builds an XY chromaticity command for a group.
func DirectXYGroup(group int, x, y float64, level float64, fadeTime int) Command {
	return Command{
		Number: CmdDirectXYGroup,
		Group:  group,
		Params: []Param{
			{Key: ParamColorX, Value: formatXY(x)},
			{Key: ParamColorY, Value: formatXY(y)},
			levelParam(level),
			fadeParam(fadeTime),
		},
	}
}

// RecallSceneGroup builds a scene recall command for a group.
func RecallSceneGroup(group, block, scene, fadeTime int) Command {
	return Command{
		Number: CmdRecallSceneGroup,
		Group:  group,
		Params: []Param{
			{Key: ParamBlock, Value: strconv.Itoa(block)},
			{Key: ParamScene, Value: strconv.Itoa(scene)},
			fadeParam(fadeTime),
		},
	}
}

// QueryGroups builds a query for all group IDs configured on the router.
func QueryGroups() Command {
	return Command{Number: CmdQueryGroups}
}

// QueryGroupDevices builds a query for the member device addresses of a
// group.
func QueryGroupDevices(group int) Command {
	return Command{Number: CmdQueryGroupDevices, Group: group}
}

// QueryGroupDescription builds a query for a group's display name.
func QueryGroupDescription(group int) Command {
	return Command{Number: CmdQueryGroupDescription, Group: group}
}

// QueryDeviceDescription builds a query for a device's display name.
func QueryDeviceDescription(addr Address) Command {
	return Command{Number: CmdQueryDeviceDescription, Address: addr}
}

// QueryDeviceType builds a query for a device's type code, used to
// classify dimmers, relays, and colour fixtures.
func QueryDeviceType(addr Address) Command {
	return Command{Number: CmdQueryDeviceType, Address: addr}
}

// QueryLoadLevel builds a query for a device's current load level.
func QueryLoadLevel(addr Address) Command {
	return Command{Number: CmdQueryLoadLevel, Address: addr}
}

// QueryLastSceneInGroup builds a query for the last scene recalled in a
// group.
func QueryLastSceneInGroup(group int) Command {
	return Command{Number: CmdQueryLastSceneInGroup, Group: group}
}
