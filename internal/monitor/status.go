package monitor

import "github.com/Dustpan95/3dprinter-Vision-Monitor/internal/types"

// statusInputs is the full snapshot of signals the status state machine
// derives from. Collected once per cycle so the precedence order is applied
// to a consistent view.
type statusInputs struct {
	prev        types.SystemStatus
	standbyMode types.StandbyMode

	frameOK     bool // fresh frame available within the grace period
	brokerOK    bool
	containerOp string // last container operation failure, empty when clean

	printing     bool // motion seen within the idle window
	inferenceRan bool
	confidence   float64
	threshold    float64
}

// deriveStatus computes the canonical system status as a pure function of
// the current inputs. Precedence: standby override, then collaborator
// health, then motion, then failure confidence.
func deriveStatus(in statusInputs) types.SystemStatus {
	// Standby override: the controller's mode is the only thing that can
	// put the system into standby, and while it holds, nothing else can
	// claim the status.
	if in.standbyMode == types.ModeStandby {
		return types.StatusStandby
	}

	if !in.frameOK || !in.brokerOK || in.containerOp != "" {
		return types.StatusError
	}

	if !in.printing {
		return types.StatusIdle
	}

	if in.inferenceRan {
		if in.confidence >= in.threshold {
			return types.StatusFailure
		}
		return types.StatusOK
	}

	// Inference skipped this cycle (gate closed or service error): a
	// previously detected failure is not cleared on missing evidence.
	if in.prev == types.StatusFailure {
		return types.StatusFailure
	}
	return types.StatusOK
}

// errorContext names the collaborator responsible for an error status.
func errorContext(in statusInputs) string {
	switch {
	case in.containerOp != "":
		return in.containerOp
	case !in.frameOK:
		return "cannot capture frame from stream"
	case !in.brokerOK:
		return "mqtt broker unreachable"
	default:
		return ""
	}
}
