// Package history records device and group state changes to SQLite.
//
// Every state change observed on the router connection (and every command
// helvard itself issues) is persisted as a JSON snapshot, giving a local
// audit trail that survives restarts and broker outages. The read API
// serves these entries from the /history endpoints.
//
// Targets use the same keys as the in-memory registries: dotted device
// addresses ("1.2.3.4") and group keys ("group:5").
package history
