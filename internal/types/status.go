package types

import "time"

// SystemStatus is the canonical printer/system status. Exactly one value
// holds at any instant; it is derived once per monitoring cycle.
type SystemStatus string

const (
	StatusStarting SystemStatus = "starting"
	StatusIdle     SystemStatus = "idle"
	StatusOK       SystemStatus = "ok"
	StatusFailure  SystemStatus = "failure"
	StatusError    SystemStatus = "error"
	StatusStandby  SystemStatus = "standby"
)

// StandbyMode is the standby controller's 4-state machine.
type StandbyMode string

const (
	// ModeActive: inference container running, inference permitted.
	ModeActive StandbyMode = "active"
	// ModeEntering: container stop in flight.
	ModeEntering StandbyMode = "entering"
	// ModeStandby: container confirmed stopped.
	ModeStandby StandbyMode = "standby"
	// ModeResuming: container start in flight, warm-up pending.
	ModeResuming StandbyMode = "resuming"
)

// Transitional reports whether a container operation is in flight.
func (m StandbyMode) Transitional() bool {
	return m == ModeEntering || m == ModeResuming
}

// MotionState tracks printer activity as seen by the motion detector.
// Owned by the monitor cycle; IdleFor is always derived from LastMotionAt.
type MotionState struct {
	HasMotion    bool      `json:"has_motion"`
	LastMotionAt time.Time `json:"last_motion_at"`
}

// IdleFor returns how long the printer has been still as of now.
func (m MotionState) IdleFor(now time.Time) time.Duration {
	if m.LastMotionAt.IsZero() {
		return 0
	}
	return now.Sub(m.LastMotionAt)
}

// StandbyState is a snapshot of the standby controller's state.
type StandbyState struct {
	Mode             StandbyMode   `json:"mode"`
	Enabled          bool          `json:"enabled"`
	AutoTimeout      time.Duration `json:"auto_timeout"`
	ContainerRunning bool          `json:"container_running"`
	LastActivityAt   time.Time     `json:"last_activity_at"`
}

// Statistics holds monotonically non-decreasing check counters. Reset only
// on process restart.
type Statistics struct {
	TotalChecks  uint64 `json:"total_checks"`
	FailedChecks uint64 `json:"failed_checks"`
}

// DetectionEntry is one raw entry from the inference response, carried
// through to the failure alert payload.
type DetectionEntry struct {
	Label       string     `json:"label"`
	Confidence  float64    `json:"confidence"`
	BoundingBox *PixelRect `json:"bounding_box,omitempty"`
}

// Detection is the normalized result of one inference call: the maximum
// failure confidence plus the full entry list it was folded from.
type Detection struct {
	Confidence  float64          `json:"confidence"`
	BoundingBox *PixelRect       `json:"bounding_box,omitempty"`
	Entries     []DetectionEntry `json:"detections,omitempty"`
}

// PixelRect is a rectangle in pixel coordinates, [x, y, w, h] on the wire.
type PixelRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Snapshot aggregates everything the heartbeat emitter and the dashboard
// expose. Pure read-only view assembled by the monitor.
type Snapshot struct {
	Status              SystemStatus `json:"current_status"`
	ErrorMessage        string       `json:"error_message,omitempty"`
	LastCheckAt         time.Time    `json:"last_check_time"`
	DetectionConfidence float64      `json:"detection_confidence"`
	FailureDetected     bool         `json:"failure_detected"`
	Motion              MotionState  `json:"motion"`
	Standby             StandbyState `json:"standby"`
	Stats               Statistics   `json:"statistics"`
	StreamConnected     bool         `json:"stream_connected"`
	BrokerConnected     bool         `json:"mqtt_connected"`
	InferenceHealthy    bool         `json:"ml_api_healthy"`
}
