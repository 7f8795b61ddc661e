package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteDeviceLevel writes a device load level measurement.
//
// This is the primary method for recording lighting telemetry. The write
// is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - address: Dotted device address (e.g., "1.2.3.4")
//   - level: Load level in percent (0.0-100.0)
//   - brightness: Level mapped to the 0-255 range
//
// Example:
//
//	client.WriteDeviceLevel("1.2.3.4", 78.4, 200)
func (c *Client) WriteDeviceLevel(address string, level float64, brightness int) {
	c.WritePoint(
		"device_level",
		map[string]string{
			"address": address,
		},
		map[string]interface{}{
			"level":      level,
			"brightness": brightness,
			"is_on":      level > 0,
		},
	)
}

// WriteGroupState writes a group aggregate state measurement.
//
// Parameters:
//   - groupID: Lighting group identifier
//   - isOn: Whether any member is emitting light
//   - brightness: Mean brightness over ON members (0-255)
func (c *Client) WriteGroupState(groupID int, isOn bool, brightness int) {
	c.WritePoint(
		"group_state",
		map[string]string{
			"group": strconv.Itoa(groupID),
		},
		map[string]interface{}{
			"is_on":      isOn,
			"brightness": brightness,
		},
	)
}

// WriteSceneRecall records a scene recall event for a group.
//
// Parameters:
//   - groupID: Lighting group identifier
//   - scene: Scene number that was recalled (1-16)
func (c *Client) WriteSceneRecall(groupID int, scene int) {
	c.WritePoint(
		"scene_recall",
		map[string]string{
			"group": strconv.Itoa(groupID),
		},
		map[string]interface{}{
			"scene": scene,
		},
	)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
