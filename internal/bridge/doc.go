// Package bridge connects the HelvarNet router to the MQTT bus.
//
// The bridge is the translation layer between the two worlds:
//
//	HelvarNet Router ↔ helvarnet.Router ↔ bridge ↔ MQTT Broker
//
// Inbound, it subscribes to the command topics (device/+/set, group/+/set,
// group/+/scene), validates payloads, issues the matching router commands,
// and publishes a per-command acknowledgement on ack/{command_id}.
//
// Outbound, it subscribes to the router's state change bus and publishes
// retained device and group state messages, so consumers joining later
// see current state immediately. Router connection status is published
// retained on router/status.
//
// Every published state change is also recorded to the history store and,
// when configured, written to InfluxDB as telemetry.
package bridge
