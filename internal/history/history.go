package history

import (
	"context"
	"time"
)

// History source values.
const (
	SourceNotification = "notification"
	SourceCommand      = "command"
	SourceScene        = "scene"
	SourceDiscovery    = "discovery"
)

// Snapshot is the recorded state of a device or group at a point in time.
//
// Device snapshots carry the load level and derived brightness. Group
// snapshots additionally carry the last recalled scene when one is known.
type Snapshot struct {
	// IsOn reports whether the target was emitting light.
	IsOn bool `json:"is_on"`

	// Level is the load level in percent (0.0-100.0).
	Level float64 `json:"level"`

	// Brightness is the level mapped to the 0-255 range.
	Brightness int `json:"brightness"`

	// Scene is the last recalled scene number, 0 when not applicable.
	Scene int `json:"scene,omitempty"`
}

// Entry represents a single recorded state change.
type Entry struct {
	// ID is the auto-incremented primary key for the history row.
	ID int64 `json:"id"`

	// Target identifies the device ("1.2.3.4") or group ("group:5").
	Target string `json:"target"`

	// State is the snapshot at the time the change was observed.
	State Snapshot `json:"state"`

	// Source identifies how the change was recorded
	// (notification, command, scene, discovery).
	Source string `json:"source"`

	// CreatedAt is the timestamp of the change (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// Store records and retrieves state change history.
//
// Implementations must be thread-safe and use UTC timestamps.
type Store interface {
	// Record persists a state change for the target.
	Record(ctx context.Context, target string, state Snapshot, source string) error

	// History returns recent entries for the target, newest first.
	// The limit may be clamped by the implementation.
	History(ctx context.Context, target string, limit int) ([]Entry, error)
}
