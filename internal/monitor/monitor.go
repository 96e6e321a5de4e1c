// Package monitor runs the monitoring cycle: capture, motion differencing,
// gated inference, status derivation, and heartbeat emission.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/inference"
	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/motion"
	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/standby"
	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/stream"
	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/types"
)

// Publisher is the messaging surface the monitor emits to.
type Publisher interface {
	// PublishStatus announces a status change.
	PublishStatus(snap types.Snapshot) error
	// PublishFailure announces a transition into failure.
	PublishFailure(confidence float64, det types.Detection) error
	// PublishHeartbeat emits the periodic snapshot.
	PublishHeartbeat(snap types.Snapshot) error
	// Connected reports broker health.
	Connected() bool
}

// Config contains the monitor's tunables.
type Config struct {
	CheckInterval     time.Duration
	HeartbeatInterval time.Duration
	IdleWindow        time.Duration // motion recency window for "printing"
	FailureThreshold  float64
	InferenceTimeout  time.Duration
}

// Monitor owns MotionState, SystemStatus, and Statistics: they are mutated
// only by the cycle goroutine, and read by everyone else through Snapshot.
type Monitor struct {
	cfg      Config
	source   stream.Source
	detector *motion.Detector
	infer    inference.Service
	ctrl     *standby.Controller
	pub      Publisher

	mu          sync.RWMutex
	status      types.SystemStatus
	errMsg      string
	motionState types.MotionState
	stats       types.Statistics
	confidence  float64
	lastCheckAt time.Time
	inferOK     bool
	lastFrame   types.Frame
	hasFrame    bool
}

// New creates a monitor wired to its collaborators.
func New(cfg Config, source stream.Source, detector *motion.Detector, infer inference.Service, ctrl *standby.Controller, pub Publisher) *Monitor {
	return &Monitor{
		cfg:      cfg,
		source:   source,
		detector: detector,
		infer:    infer,
		ctrl:     ctrl,
		pub:      pub,
		status:   types.StatusStarting,
	}
}

// Run executes the monitoring cycle and the heartbeat loop until the context
// is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	slog.Info("monitor starting",
		"check_interval", m.cfg.CheckInterval,
		"heartbeat_interval", m.cfg.HeartbeatInterval,
		"failure_threshold", m.cfg.FailureThreshold,
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.runHeartbeat(ctx)
	}()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			slog.Info("monitor stopped")
			return nil
		case <-ticker.C:
			m.Cycle(ctx, time.Now())
		}
	}
}

// Cycle runs one monitoring pass. Exported so tests can drive it
// deterministically without the ticker.
func (m *Monitor) Cycle(ctx context.Context, now time.Time) {
	standbyState := m.ctrl.State()

	frame, frameOK := m.source.Latest()

	hasMotion := false
	if frameOK {
		hasMotion = m.detector.Detect(frame)
	} else {
		// A reconnected stream must not diff against a pre-outage frame.
		m.detector.Reset()
	}

	m.mu.Lock()
	if frameOK {
		m.lastFrame = frame
		m.hasFrame = true
	}
	m.motionState.HasMotion = hasMotion
	if hasMotion {
		m.motionState.LastMotionAt = now
	}
	printing := !m.motionState.LastMotionAt.IsZero() &&
		m.motionState.IdleFor(now) < m.cfg.IdleWindow
	prev := m.status
	m.mu.Unlock()

	// Feed the controller: it resumes on motion-in-standby and enters
	// standby on sustained stillness.
	m.ctrl.ObserveMotion(hasMotion)

	det, inferenceRan := m.maybeInfer(ctx, frame, hasMotion, standbyState.Mode)

	in := statusInputs{
		prev:         prev,
		standbyMode:  standbyState.Mode,
		frameOK:      frameOK,
		brokerOK:     m.pub.Connected(),
		containerOp:  m.ctrl.LastFailure(),
		printing:     printing,
		inferenceRan: inferenceRan,
		confidence:   det.Confidence,
		threshold:    m.cfg.FailureThreshold,
	}
	next := deriveStatus(in)

	m.mu.Lock()
	m.status = next
	m.errMsg = ""
	if next == types.StatusError {
		m.errMsg = errorContext(in)
	}
	m.lastCheckAt = now
	m.stats.TotalChecks++
	if inferenceRan {
		m.confidence = det.Confidence
	}
	entered := next == types.StatusFailure && prev != types.StatusFailure
	if entered {
		m.stats.FailedChecks++
	}
	m.mu.Unlock()

	if next != prev {
		slog.Info("status changed", "from", prev, "to", next)
		if err := m.pub.PublishStatus(m.Snapshot()); err != nil {
			slog.Warn("failed to publish status change", "error", err)
		}
	}
	if entered {
		slog.Warn("print failure detected", "confidence", det.Confidence)
		if err := m.pub.PublishFailure(det.Confidence, det); err != nil {
			slog.Error("failed to publish failure", "error", err)
		}
	}
}

// maybeInfer is the inference gate: no call leaves the process unless the
// standby mode is active and the frame showed motion. Errors and timeouts
// count as a skipped cycle, never as a failure signal.
func (m *Monitor) maybeInfer(ctx context.Context, frame types.Frame, hasMotion bool, mode types.StandbyMode) (types.Detection, bool) {
	if mode != types.ModeActive || !hasMotion {
		return types.Detection{}, false
	}

	inferCtx, cancel := context.WithTimeout(ctx, m.cfg.InferenceTimeout)
	defer cancel()

	det, err := m.infer.Detect(inferCtx, frame)
	if err != nil {
		slog.Warn("inference skipped", "error", err, "trace_id", frame.TraceID)
		m.mu.Lock()
		m.inferOK = false
		m.mu.Unlock()
		return types.Detection{}, false
	}

	m.mu.Lock()
	m.inferOK = true
	m.mu.Unlock()
	return det, true
}

func (m *Monitor) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.pub.PublishHeartbeat(m.Snapshot()); err != nil {
				// Missed heartbeats are dropped, not retried: the broker
				// reconnects on its own and the next tick tries again.
				slog.Debug("heartbeat dropped", "error", err)
			}
		}
	}
}

// Snapshot assembles the full read-only state view for the heartbeat, the
// dashboard, and the control plane.
func (m *Monitor) Snapshot() types.Snapshot {
	standbyState := m.ctrl.State()

	m.mu.RLock()
	defer m.mu.RUnlock()

	// The controller settles into standby asynchronously between cycles;
	// while it holds, the mode is authoritative over the last derived status.
	status := m.status
	if standbyState.Mode == types.ModeStandby {
		status = types.StatusStandby
	}

	inferHealthy := m.inferOK && standbyState.ContainerRunning
	return types.Snapshot{
		Status:              status,
		ErrorMessage:        m.errMsg,
		LastCheckAt:         m.lastCheckAt,
		DetectionConfidence: m.confidence,
		FailureDetected:     status == types.StatusFailure,
		Motion:              m.motionState,
		Standby:             standbyState,
		Stats:               m.stats,
		StreamConnected:     m.source.Connected(),
		BrokerConnected:     m.pub.Connected(),
		InferenceHealthy:    inferHealthy,
	}
}

// EnterStandby requests standby entry on behalf of a caller (dashboard or
// MQTT). Synchronous only up to intent submission.
func (m *Monitor) EnterStandby(source standby.TriggerSource) error {
	return m.ctrl.RequestStandby(source)
}

// ExitStandby requests a resume on behalf of a caller.
func (m *Monitor) ExitStandby(source standby.TriggerSource) error {
	return m.ctrl.RequestActive(source)
}

// LatestFrameJPEG re-encodes the most recent frame for the dashboard.
func (m *Monitor) LatestFrameJPEG() ([]byte, error) {
	m.mu.RLock()
	frame := m.lastFrame
	ok := m.hasFrame
	m.mu.RUnlock()

	if !ok {
		return nil, stream.ErrNoFrame
	}
	return frame.EncodeJPEG(95)
}
