package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/types"
)

// RTSPSource implements Source using GStreamer for RTSP streaming. A
// dedicated pipeline goroutine owns the network connection, drains frames as
// fast as the transport delivers them, and publishes the newest one to a
// single-slot Cell. On connection loss it reconnects forever with bounded
// exponential backoff.
type RTSPSource struct {
	rtspURL   string
	width     int
	height    int
	targetFPS int
	grace     time.Duration

	cell Cell

	// GStreamer pipeline (owned by the pipeline goroutine)
	pipeline *gst.Pipeline
	appsink  *app.Sink

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connected atomic.Bool

	// Stats
	frameCount uint64
	bytesRead  uint64
	reconnects uint32
	started    time.Time

	retryDelay    time.Duration
	maxRetryDelay time.Duration
}

// RTSPConfig contains RTSP source configuration.
type RTSPConfig struct {
	RTSPURL     string
	Width       int
	Height      int
	FPS         int
	GracePeriod time.Duration // frame staleness tolerated by Latest
}

// NewRTSPSource creates a new RTSP frame source.
func NewRTSPSource(cfg RTSPConfig) (*RTSPSource, error) {
	if cfg.RTSPURL == "" {
		return nil, fmt.Errorf("rtsp_url is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution: %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}

	return &RTSPSource{
		rtspURL:       cfg.RTSPURL,
		width:         cfg.Width,
		height:        cfg.Height,
		targetFPS:     cfg.FPS,
		grace:         cfg.GracePeriod,
		retryDelay:    1 * time.Second,
		maxRetryDelay: 30 * time.Second,
	}, nil
}

// Start initializes GStreamer and launches the pipeline goroutine.
func (s *RTSPSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("source already started")
	}

	gst.Init(nil)

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = time.Now()

	s.wg.Add(1)
	go s.runPipeline()

	slog.Info("rtsp source starting",
		"url", s.rtspURL,
		"resolution", fmt.Sprintf("%dx%d", s.width, s.height),
		"target_fps", s.targetFPS,
	)

	return nil
}

// Latest returns the freshest frame within the staleness grace.
func (s *RTSPSource) Latest() (types.Frame, bool) {
	return s.cell.LatestWithin(s.grace, time.Now())
}

// Connected reports whether the pipeline is currently playing.
func (s *RTSPSource) Connected() bool {
	return s.connected.Load()
}

// runPipeline runs the GStreamer pipeline with unbounded reconnection.
// Retry count is intentionally unlimited: the camera may be powered off for
// hours between prints and the monitor must recover unattended.
func (s *RTSPSource) runPipeline() {
	defer s.wg.Done()

	retries := 0
	for {
		select {
		case <-s.ctx.Done():
			slog.Info("rtsp pipeline context cancelled")
			return
		default:
		}

		// The last frame stays in the cell through the outage; LatestWithin's
		// staleness grace ages it out, so a brief camera blip never drops the
		// feed for consumers.
		err := s.connectAndStream(&retries)
		s.connected.Store(false)
		if err != nil {
			slog.Error("rtsp pipeline error", "error", err)
		}

		select {
		case <-s.ctx.Done():
			return
		default:
		}

		retries++
		atomic.AddUint32(&s.reconnects, 1)

		// Exponential backoff, capped
		delay := s.retryDelay
		if retries > 1 {
			shift := uint(retries - 1)
			if shift > 5 {
				shift = 5
			}
			delay = s.retryDelay * time.Duration(1<<shift)
		}
		if delay > s.maxRetryDelay {
			delay = s.maxRetryDelay
		}

		slog.Warn("reconnecting to rtsp stream",
			"retry", retries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}
	}
}

// connectAndStream establishes the RTSP connection and streams frames until
// error, EOS, or shutdown. retries is reset once the pipeline reaches
// PLAYING so backoff starts over after a healthy period.
func (s *RTSPSource) connectAndStream(retries *int) error {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	s.pipeline = pipeline

	// protocols=4 (TCP) avoids UDP packet loss artifacts on wifi cameras
	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return fmt.Errorf("failed to create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", s.rtspURL)
	rtspsrc.SetProperty("protocols", 4)
	rtspsrc.SetProperty("latency", 200)

	rtph264depay, _ := gst.NewElement("rtph264depay")
	avdecH264, _ := gst.NewElement("avdec_h264")
	videoconvert, _ := gst.NewElement("videoconvert")
	videoscale, _ := gst.NewElement("videoscale")

	videorate, _ := gst.NewElement("videorate")
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, _ := gst.NewElement("capsfilter")
	fps := s.targetFPS
	if fps <= 0 {
		fps = 5
	}
	caps := gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1",
		s.width, s.height, fps,
	))
	capsfilter.SetProperty("caps", caps)

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	s.appsink = appsink

	// Keep only the newest buffer in the sink itself as well: the cell
	// overwrite handles Go-side staleness, drop=true handles gst-side.
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return s.onNewSample(sink)
		},
	})

	pipeline.AddMany(rtspsrc, rtph264depay, avdecH264, videoconvert, videoscale, videorate, capsfilter, appsink.Element)
	gst.ElementLinkMany(rtph264depay, avdecH264, videoconvert, videoscale, videorate, capsfilter, appsink.Element)

	// rtspsrc has dynamic pads, link on pad-added
	rtspsrc.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := rtph264depay.GetStaticPad("sink")
		if sinkPad != nil {
			srcPad.Link(sinkPad)
		}
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to set pipeline to playing: %w", err)
	}

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-s.ctx.Done():
			pipeline.SetState(gst.StateNull)
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("end of stream")
			pipeline.SetState(gst.StateNull)
			return nil

		case gst.MessageError:
			gerr := msg.ParseError()
			pipeline.SetState(gst.StateNull)
			return fmt.Errorf("pipeline error: %w", gerr)

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				_, newState := msg.ParseStateChanged()
				if newState == gst.StatePlaying {
					*retries = 0
					s.connected.Store(true)
					slog.Info("rtsp stream connected")
				}
			}
		}
	}
}

// onNewSample copies the decoded frame out of GStreamer memory and publishes
// it to the cell.
func (s *RTSPSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()

	if len(data) == 0 {
		return gst.FlowOK
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)

	s.cell.Put(types.Frame{
		Data:      frameData,
		Width:     s.width,
		Height:    s.height,
		Timestamp: time.Now(),
		Seq:       atomic.AddUint64(&s.frameCount, 1),
		TraceID:   uuid.New().String(),
	})
	atomic.AddUint64(&s.bytesRead, uint64(len(data)))

	return gst.FlowOK
}

// Stop stops the RTSP source.
func (s *RTSPSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return fmt.Errorf("source not started")
	}

	slog.Info("stopping rtsp source")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("rtsp source stopped",
			"frames_received", atomic.LoadUint64(&s.frameCount),
			"reconnects", atomic.LoadUint32(&s.reconnects),
			"uptime", time.Since(s.started),
		)
	case <-time.After(3 * time.Second):
		slog.Warn("rtsp source stop timeout, pipeline may still be running")
	}

	s.cancel = nil
	s.ctx = nil
	s.pipeline = nil
	s.appsink = nil
	s.connected.Store(false)
	s.cell.Invalidate()

	return nil
}

// Stats returns current source statistics.
func (s *RTSPSource) Stats() types.StreamStats {
	frameCount := atomic.LoadUint64(&s.frameCount)

	var fpsReal float64
	if uptime := time.Since(s.started).Seconds(); uptime > 0 {
		fpsReal = float64(frameCount) / uptime
	}

	var lastFrameAt time.Time
	if f, ok := s.cell.Latest(); ok {
		lastFrameAt = f.Timestamp
	}

	return types.StreamStats{
		FrameCount:  frameCount,
		FPSReal:     fpsReal,
		Reconnects:  atomic.LoadUint32(&s.reconnects),
		BytesRead:   atomic.LoadUint64(&s.bytesRead),
		IsConnected: s.connected.Load(),
		LastFrameAt: lastFrameAt,
	}
}
