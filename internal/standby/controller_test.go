package standby

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/types"
)

// fakeRuntime mimics the container engine with a settable failure mode.
type fakeRuntime struct {
	mu       sync.Mutex
	running  bool
	starts   int
	stops    int
	startErr error
	stopErr  error
}

func (f *fakeRuntime) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.stopErr != nil {
		return f.stopErr
	}
	f.running = false
	return nil
}

func (f *fakeRuntime) IsRunning(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeRuntime) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeRuntime) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type fakeHealth struct {
	mu      sync.Mutex
	healthy bool
}

func (f *fakeHealth) Healthy(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeHealth) set(v bool) {
	f.mu.Lock()
	f.healthy = v
	f.mu.Unlock()
}

func testConfig() Config {
	return Config{
		Enabled:            true,
		ContainerName:      "ml_api",
		AutoTimeout:        time.Hour, // auto-standby off unless a test lowers it
		StopTimeout:        time.Second,
		StartTimeout:       time.Second,
		ResumeMaxWait:      200 * time.Millisecond,
		HealthPollInterval: 10 * time.Millisecond,
	}
}

func startController(t *testing.T, cfg Config, rt *fakeRuntime, h *fakeHealth) *Controller {
	t.Helper()
	c := New(cfg, rt, h)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

// waitForMode polls until the controller settles in the wanted mode.
func waitForMode(t *testing.T, c *Controller, want types.StandbyMode) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Mode() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("controller mode = %q, want %q within 2s", c.Mode(), want)
}

// waitForFailure polls until a container operation failure is recorded.
func waitForFailure(t *testing.T, c *Controller) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.LastFailure() != "" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no failure recorded within 2s")
}

func TestRequestStandbyStopsContainer(t *testing.T) {
	rt := &fakeRuntime{running: true}
	h := &fakeHealth{healthy: true}
	c := startController(t, testConfig(), rt, h)

	if err := c.RequestStandby(SourceManual); err != nil {
		t.Fatalf("RequestStandby() failed: %v", err)
	}
	waitForMode(t, c, types.ModeStandby)

	if rt.stopCount() != 1 {
		t.Errorf("stop calls = %d, want 1", rt.stopCount())
	}
	st := c.State()
	if st.ContainerRunning {
		t.Error("state still reports the container running after standby entry")
	}
}

// Duplicate triggers must coalesce: two near-simultaneous standby requests
// result in exactly one container stop.
func TestDuplicateStandbyRequestsCoalesce(t *testing.T) {
	rt := &fakeRuntime{running: true}
	h := &fakeHealth{healthy: true}
	c := startController(t, testConfig(), rt, h)

	if err := c.RequestStandby(SourceManual); err != nil {
		t.Fatalf("RequestStandby() failed: %v", err)
	}
	if err := c.RequestStandby(SourceRemote); err != nil {
		t.Fatalf("second RequestStandby() failed: %v", err)
	}
	waitForMode(t, c, types.ModeStandby)

	// Give the second (coalesced) command time to drain.
	time.Sleep(50 * time.Millisecond)
	if rt.stopCount() != 1 {
		t.Errorf("stop calls = %d, want exactly 1", rt.stopCount())
	}
}

// A failed stop that leaves the container running must revert to active and
// record the failure; the controller never parks in a transitional mode.
func TestFailedStopRevertsToActive(t *testing.T) {
	rt := &fakeRuntime{running: true, stopErr: errors.New("engine says no")}
	h := &fakeHealth{healthy: true}
	c := startController(t, testConfig(), rt, h)

	if err := c.RequestStandby(SourceManual); err != nil {
		t.Fatalf("RequestStandby() failed: %v", err)
	}
	waitForMode(t, c, types.ModeActive)

	if c.LastFailure() == "" {
		t.Error("failed stop did not record a failure")
	}
	if !c.State().ContainerRunning {
		t.Error("container reported stopped despite the failed stop")
	}
}

// A stop call that errors but actually left the container down still counts
// as entered: the inspected state wins over the call's return value.
func TestErroredStopWithContainerDownEntersStandby(t *testing.T) {
	rt := &fakeRuntime{running: true}
	h := &fakeHealth{healthy: true}
	c := startController(t, testConfig(), rt, h)

	rt.mu.Lock()
	rt.stopErr = errors.New("timeout")
	rt.running = false // engine did stop it before erroring
	rt.mu.Unlock()

	if err := c.RequestStandby(SourceManual); err != nil {
		t.Fatalf("RequestStandby() failed: %v", err)
	}
	waitForMode(t, c, types.ModeStandby)
}

func TestResumeStartsContainerAndWaitsForHealth(t *testing.T) {
	rt := &fakeRuntime{running: true}
	h := &fakeHealth{healthy: true}
	c := startController(t, testConfig(), rt, h)

	if err := c.RequestStandby(SourceManual); err != nil {
		t.Fatalf("RequestStandby() failed: %v", err)
	}
	waitForMode(t, c, types.ModeStandby)

	if err := c.RequestActive(SourceManual); err != nil {
		t.Fatalf("RequestActive() failed: %v", err)
	}
	waitForMode(t, c, types.ModeActive)

	if rt.startCount() != 1 {
		t.Errorf("start calls = %d, want 1", rt.startCount())
	}
	st := c.State()
	if !st.ContainerRunning {
		t.Error("state does not report the container running after resume")
	}
	if c.LastFailure() != "" {
		t.Errorf("resume left a stale failure: %q", c.LastFailure())
	}
}

// A resume whose warm-up never becomes healthy reverts to standby.
func TestResumeHealthTimeoutRevertsToStandby(t *testing.T) {
	rt := &fakeRuntime{running: true}
	h := &fakeHealth{healthy: true}
	c := startController(t, testConfig(), rt, h)

	if err := c.RequestStandby(SourceManual); err != nil {
		t.Fatalf("RequestStandby() failed: %v", err)
	}
	waitForMode(t, c, types.ModeStandby)

	h.set(false)
	if err := c.RequestActive(SourceManual); err != nil {
		t.Fatalf("RequestActive() failed: %v", err)
	}
	waitForFailure(t, c)

	if c.Mode() != types.ModeStandby {
		t.Errorf("mode = %q after failed warm-up, want standby", c.Mode())
	}
}

func TestFailedStartRevertsToStandby(t *testing.T) {
	rt := &fakeRuntime{running: true}
	h := &fakeHealth{healthy: true}
	c := startController(t, testConfig(), rt, h)

	if err := c.RequestStandby(SourceManual); err != nil {
		t.Fatalf("RequestStandby() failed: %v", err)
	}
	waitForMode(t, c, types.ModeStandby)

	rt.mu.Lock()
	rt.startErr = errors.New("no such container")
	rt.mu.Unlock()

	if err := c.RequestActive(SourceManual); err != nil {
		t.Fatalf("RequestActive() failed: %v", err)
	}
	waitForFailure(t, c)

	if c.Mode() != types.ModeStandby {
		t.Errorf("mode = %q after failed start, want standby", c.Mode())
	}
}

// Motion seen while in standby resumes the container automatically.
func TestMotionInStandbyResumes(t *testing.T) {
	rt := &fakeRuntime{running: true}
	h := &fakeHealth{healthy: true}
	c := startController(t, testConfig(), rt, h)

	if err := c.RequestStandby(SourceManual); err != nil {
		t.Fatalf("RequestStandby() failed: %v", err)
	}
	waitForMode(t, c, types.ModeStandby)

	c.ObserveMotion(true)
	waitForMode(t, c, types.ModeActive)

	if rt.startCount() != 1 {
		t.Errorf("start calls = %d, want 1", rt.startCount())
	}
}

// Sustained stillness past the auto timeout enters standby without a command.
func TestAutoStandbyOnSustainedStillness(t *testing.T) {
	rt := &fakeRuntime{running: true}
	h := &fakeHealth{healthy: true}
	cfg := testConfig()
	cfg.AutoTimeout = 30 * time.Millisecond
	c := startController(t, cfg, rt, h)

	deadline := time.Now().Add(2 * time.Second)
	for c.Mode() != types.ModeStandby && time.Now().Before(deadline) {
		c.ObserveMotion(false)
		time.Sleep(10 * time.Millisecond)
	}

	if c.Mode() != types.ModeStandby {
		t.Fatalf("controller never entered standby, mode = %q", c.Mode())
	}
	if rt.stopCount() != 1 {
		t.Errorf("stop calls = %d, want 1", rt.stopCount())
	}
}

// Motion keeps resetting the activity clock, so auto-standby never fires
// while the printer moves.
func TestMotionPreventsAutoStandby(t *testing.T) {
	rt := &fakeRuntime{running: true}
	h := &fakeHealth{healthy: true}
	cfg := testConfig()
	cfg.AutoTimeout = 50 * time.Millisecond
	c := startController(t, cfg, rt, h)

	for i := 0; i < 10; i++ {
		c.ObserveMotion(true)
		time.Sleep(20 * time.Millisecond)
	}

	if c.Mode() != types.ModeActive {
		t.Errorf("mode = %q after continuous motion, want active", c.Mode())
	}
	if rt.stopCount() != 0 {
		t.Errorf("stop calls = %d, want 0", rt.stopCount())
	}
}

func TestRequestsRejectedWhenDisabled(t *testing.T) {
	rt := &fakeRuntime{running: true}
	h := &fakeHealth{healthy: true}
	cfg := testConfig()
	cfg.Enabled = false
	c := startController(t, cfg, rt, h)

	if err := c.RequestStandby(SourceManual); err == nil {
		t.Error("RequestStandby() accepted while standby is disabled")
	}
	if err := c.RequestActive(SourceManual); err == nil {
		t.Error("RequestActive() accepted while standby is disabled")
	}
}
