package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/types"
)

// MockSource generates synthetic frames for testing and for running the
// monitor without a camera attached.
type MockSource struct {
	width  int
	height int
	fps    int

	cell   Cell
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	seq       uint64
	isRunning bool
	startTime time.Time

	emitted atomic.Uint64
}

// NewMockSource creates a new mock frame source.
func NewMockSource(width, height, fps int) *MockSource {
	return &MockSource{
		width:  width,
		height: height,
		fps:    fps,
		stopCh: make(chan struct{}),
	}
}

// Start begins generating frames at the target FPS.
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("source already running")
	}
	m.isRunning = true
	m.startTime = time.Now()
	m.mu.Unlock()

	slog.Info("mock source starting",
		"width", m.width,
		"height", m.height,
		"fps", m.fps,
	)

	m.wg.Add(1)
	go m.generateFrames(ctx)

	return nil
}

// Latest returns the most recently generated frame.
func (m *MockSource) Latest() (types.Frame, bool) {
	return m.cell.Latest()
}

// Connected reports whether the generator is running.
func (m *MockSource) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunning
}

// Stop stops the generator.
func (m *MockSource) Stop() error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.isRunning = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	m.cell.Invalidate()

	slog.Info("mock source stopped", "frames_emitted", m.emitted.Load())
	return nil
}

// Stats returns source statistics.
func (m *MockSource) Stats() types.StreamStats {
	m.mu.Lock()
	running := m.isRunning
	started := m.startTime
	m.mu.Unlock()

	emitted := m.emitted.Load()
	var fpsReal float64
	if running && emitted > 0 {
		if elapsed := time.Since(started).Seconds(); elapsed > 0 {
			fpsReal = float64(emitted) / elapsed
		}
	}

	var lastFrameAt time.Time
	if f, ok := m.cell.Latest(); ok {
		lastFrameAt = f.Timestamp
	}

	return types.StreamStats{
		FrameCount:  emitted,
		FPSReal:     fpsReal,
		IsConnected: running,
		LastFrameAt: lastFrameAt,
	}
}

func (m *MockSource) generateFrames(ctx context.Context) {
	defer m.wg.Done()

	fps := m.fps
	if fps <= 0 {
		fps = 5
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cell.Put(m.createFrame())
			m.emitted.Add(1)
		}
	}
}

// createFrame creates a black RGB24 frame.
func (m *MockSource) createFrame() types.Frame {
	m.mu.Lock()
	seq := m.seq
	m.seq++
	m.mu.Unlock()

	return types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     m.width,
		Height:    m.height,
		Data:      make([]byte, m.width*m.height*3),
		TraceID:   uuid.New().String(),
	}
}
