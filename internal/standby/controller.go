// Package standby owns the inference container lifecycle: it stops the
// container when the printer has been idle long enough (freeing GPU memory
// on the shared host) and restarts it when activity returns or on command.
package standby

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/container"
	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/types"
)

// TriggerSource identifies who asked for a standby transition.
type TriggerSource string

const (
	SourceManual TriggerSource = "manual" // dashboard/API
	SourceRemote TriggerSource = "remote" // MQTT control topic
	SourceAuto   TriggerSource = "auto"   // idle timeout
	SourceMotion TriggerSource = "motion" // motion detected while in standby
)

// HealthPoller reports inference service readiness during resume warm-up.
type HealthPoller interface {
	Healthy(ctx context.Context) bool
}

// Config contains the controller's tunables.
type Config struct {
	Enabled            bool
	ContainerName      string
	AutoTimeout        time.Duration // idle time before automatic standby
	StopTimeout        time.Duration // bound on the container stop call
	StartTimeout       time.Duration // bound on the container start call
	ResumeMaxWait      time.Duration // total warm-up wait before resume fails
	HealthPollInterval time.Duration
}

type commandKind int

const (
	cmdEnter commandKind = iota
	cmdResume
	cmdObserve
)

type command struct {
	kind   commandKind
	source TriggerSource
	motion bool
}

// Controller is the standby state machine. All state mutation happens on the
// controller goroutine; external callers (monitor cycle, MQTT handler, web
// API) only enqueue intents, so near-simultaneous triggers cannot race a
// container start against a stop. Intents that do not match the current
// confirmed mode are coalesced, never queued: the controller is idempotent
// under duplicate and overlapping triggers.
type Controller struct {
	cfg     Config
	runtime container.Runtime
	health  HealthPoller

	commands chan command
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu               sync.RWMutex
	mode             types.StandbyMode
	containerRunning bool
	lastActivityAt   time.Time
	lastFailure      string
}

// New creates a standby controller. The controller starts in active mode;
// Start reconciles the container's true state before processing triggers.
func New(cfg Config, runtime container.Runtime, health HealthPoller) *Controller {
	if cfg.HealthPollInterval <= 0 {
		cfg.HealthPollInterval = time.Second
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	return &Controller{
		cfg:              cfg,
		runtime:          runtime,
		health:           health,
		commands:         make(chan command, 8),
		mode:             types.ModeActive,
		containerRunning: true,
		lastActivityAt:   time.Now(),
	}
}

// Start reconciles container state and launches the command loop. With
// standby disabled the runtime is never touched.
func (c *Controller) Start(ctx context.Context) error {
	if c.cfg.Enabled {
		c.reconcile(ctx)
	}

	c.wg.Add(1)
	go c.run(ctx)

	slog.Info("standby controller started",
		"enabled", c.cfg.Enabled,
		"container", c.cfg.ContainerName,
		"auto_timeout", c.cfg.AutoTimeout,
	)
	return nil
}

// Stop shuts the command loop down. Pending intents are dropped.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.commands) })
	c.wg.Wait()
}

// RequestStandby enqueues an intent to enter standby. Returns an error only
// when standby is disabled by configuration; acceptance of the intent does
// not imply the transition will happen (it is coalesced if the controller
// is not in active mode).
func (c *Controller) RequestStandby(source TriggerSource) error {
	if !c.cfg.Enabled {
		return fmt.Errorf("standby mode is disabled in configuration")
	}
	c.enqueue(command{kind: cmdEnter, source: source})
	return nil
}

// RequestActive enqueues an intent to leave standby.
func (c *Controller) RequestActive(source TriggerSource) error {
	if !c.cfg.Enabled {
		return fmt.Errorf("standby mode is disabled in configuration")
	}
	c.enqueue(command{kind: cmdResume, source: source})
	return nil
}

// ObserveMotion feeds the monitor cycle's motion signal into the controller.
// Motion while in standby triggers a resume; sustained stillness past the
// auto timeout triggers entry.
func (c *Controller) ObserveMotion(hasMotion bool) {
	c.enqueue(command{kind: cmdObserve, motion: hasMotion})
}

// State returns a snapshot of the standby state.
func (c *Controller) State() types.StandbyState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.StandbyState{
		Mode:             c.mode,
		Enabled:          c.cfg.Enabled,
		AutoTimeout:      c.cfg.AutoTimeout,
		ContainerRunning: c.containerRunning,
		LastActivityAt:   c.lastActivityAt,
	}
}

// Mode returns the current standby mode.
func (c *Controller) Mode() types.StandbyMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// LastFailure returns the most recent container operation failure, empty
// after a subsequent successful operation.
func (c *Controller) LastFailure() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFailure
}

// enqueue is non-blocking: if the queue is full the intent is dropped. That
// is safe because every intent is either periodic (observe) or guarded by a
// mode check that would coalesce it anyway.
func (c *Controller) enqueue(cmd command) {
	defer func() {
		// Late triggers after Stop closed the channel are dropped.
		_ = recover()
	}()
	select {
	case c.commands <- cmd:
	default:
		slog.Debug("standby command queue full, coalescing", "kind", cmd.kind)
	}
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-c.commands:
			if !ok {
				return
			}
			c.handle(ctx, cmd)
		}
	}
}

func (c *Controller) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdObserve:
		c.handleObserve(ctx, cmd.motion, time.Now())
	case cmdEnter:
		c.enterStandby(ctx, cmd.source)
	case cmdResume:
		c.resume(ctx, cmd.source)
	}
}

func (c *Controller) handleObserve(ctx context.Context, hasMotion bool, now time.Time) {
	if hasMotion {
		c.mu.Lock()
		c.lastActivityAt = now
		mode := c.mode
		c.mu.Unlock()

		if mode == types.ModeStandby {
			slog.Info("motion detected while in standby, resuming")
			c.resume(ctx, SourceMotion)
		}
		return
	}

	if !c.cfg.Enabled || c.cfg.AutoTimeout <= 0 {
		return
	}

	c.mu.RLock()
	mode := c.mode
	idle := now.Sub(c.lastActivityAt)
	c.mu.RUnlock()

	if mode == types.ModeActive && idle >= c.cfg.AutoTimeout {
		slog.Info("auto-standby triggered",
			"idle", idle.Truncate(time.Second),
			"auto_timeout", c.cfg.AutoTimeout,
		)
		c.enterStandby(ctx, SourceAuto)
	}
}

// enterStandby performs active → entering → standby. A failed or timed-out
// stop reverts to active so the controller is never stuck in a transitional
// mode.
func (c *Controller) enterStandby(ctx context.Context, source TriggerSource) {
	if !c.cfg.Enabled {
		return
	}

	c.mu.Lock()
	if c.mode != types.ModeActive {
		c.mu.Unlock()
		slog.Debug("standby request coalesced", "mode", c.mode, "source", source)
		return
	}
	c.mode = types.ModeEntering
	c.mu.Unlock()

	slog.Info("entering standby mode", "source", source, "container", c.cfg.ContainerName)

	opCtx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
	err := c.runtime.Stop(opCtx, c.cfg.ContainerName)
	cancel()

	running := c.reconcile(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil && running {
		c.mode = types.ModeActive
		c.lastFailure = fmt.Sprintf("container stop failed: %v", err)
		slog.Error("failed to enter standby, reverting to active",
			"error", err,
			"source", source,
		)
		return
	}

	// The inspected state wins over the call's return value: a stop that
	// errored but left the container down still counts as entered.
	c.mode = types.ModeStandby
	c.lastFailure = ""
	slog.Info("entered standby mode, inference container stopped", "source", source)
}

// resume performs standby → resuming → active with readiness polling. A
// failed start or a warm-up that never becomes healthy within ResumeMaxWait
// reverts to standby.
func (c *Controller) resume(ctx context.Context, source TriggerSource) {
	if !c.cfg.Enabled {
		return
	}

	c.mu.Lock()
	if c.mode != types.ModeStandby {
		c.mu.Unlock()
		slog.Debug("resume request coalesced", "mode", c.mode, "source", source)
		return
	}
	c.mode = types.ModeResuming
	c.mu.Unlock()

	slog.Info("resuming from standby", "source", source, "container", c.cfg.ContainerName)

	opCtx, cancel := context.WithTimeout(ctx, c.cfg.StartTimeout)
	err := c.runtime.Start(opCtx, c.cfg.ContainerName)
	cancel()
	c.reconcile(ctx)

	if err != nil {
		c.failResume(fmt.Sprintf("container start failed: %v", err), source)
		return
	}

	if !c.awaitReady(ctx) {
		c.failResume(fmt.Sprintf("inference service not ready within %s", c.cfg.ResumeMaxWait), source)
		return
	}

	c.mu.Lock()
	c.mode = types.ModeActive
	c.lastActivityAt = time.Now()
	c.lastFailure = ""
	c.mu.Unlock()

	slog.Info("resumed from standby, inference service ready", "source", source)
}

func (c *Controller) failResume(reason string, source TriggerSource) {
	c.mu.Lock()
	c.mode = types.ModeStandby
	c.lastFailure = reason
	c.mu.Unlock()

	slog.Error("failed to resume from standby, reverting to standby",
		"reason", reason,
		"source", source,
	)
}

// awaitReady polls the inference health endpoint until it answers healthy,
// bounded by ResumeMaxWait.
func (c *Controller) awaitReady(ctx context.Context) bool {
	deadline := time.Now().Add(c.cfg.ResumeMaxWait)

	for {
		pollCtx, cancel := context.WithTimeout(ctx, c.cfg.HealthPollInterval)
		healthy := c.health.Healthy(pollCtx)
		cancel()
		if healthy {
			return true
		}

		if time.Now().After(deadline) {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.cfg.HealthPollInterval):
		}
	}
}

// reconcile refreshes containerRunning from the runtime's true state and
// returns it. On inspect failure the previous belief is kept; the mirror is
// allowed to be transiently stale.
func (c *Controller) reconcile(ctx context.Context) bool {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	running, err := c.runtime.IsRunning(opCtx, c.cfg.ContainerName)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		slog.Warn("container state reconcile failed", "error", err)
		return c.containerRunning
	}
	c.containerRunning = running
	return running
}
