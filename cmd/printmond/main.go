package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/config"
	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/container"
	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/control"
	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/emitter"
	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/inference"
	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/monitor"
	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/motion"
	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/standby"
	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/stream"
	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/web"
)

const defaultConfigPath = "config/printmon.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	mock := flag.Bool("mock", false, "Use a synthetic frame source instead of RTSP")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting print monitor",
		"config", *configPath,
		"debug", *debug,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Frame source
	var source stream.Source
	if *mock {
		source = stream.NewMockSource(cfg.Stream.Width, cfg.Stream.Height, cfg.Stream.FPS)
	} else {
		source, err = stream.NewRTSPSource(stream.RTSPConfig{
			RTSPURL:     cfg.Stream.RTSPURL,
			Width:       cfg.Stream.Width,
			Height:      cfg.Stream.Height,
			FPS:         cfg.Stream.FPS,
			GracePeriod: time.Duration(cfg.Stream.GracePeriodS) * time.Second,
		})
		if err != nil {
			slog.Error("failed to create rtsp source", "error", err)
			os.Exit(1)
		}
	}
	if err := source.Start(ctx); err != nil {
		slog.Error("failed to start frame source", "error", err)
		os.Exit(1)
	}

	// Inference service
	inferClient := inference.NewClient(
		cfg.Detection.Endpoint,
		time.Duration(cfg.Detection.TimeoutS)*time.Second,
	)

	// Container runtime, only when standby can use it
	var runtime container.Runtime
	var dockerRuntime *container.DockerRuntime
	if cfg.Standby.Enabled {
		dockerRuntime, err = container.NewDockerRuntime(cfg.Standby.StopTimeoutS)
		if err != nil {
			slog.Error("failed to connect to docker engine", "error", err)
			os.Exit(1)
		}
		runtime = dockerRuntime
	}

	ctrl := standby.New(standby.Config{
		Enabled:            cfg.Standby.Enabled,
		ContainerName:      cfg.Standby.ContainerName,
		AutoTimeout:        time.Duration(cfg.Standby.AutoTimeoutS) * time.Second,
		StopTimeout:        time.Duration(cfg.Standby.StopTimeoutS) * time.Second,
		ResumeMaxWait:      time.Duration(cfg.Standby.ResumeMaxWaitS) * time.Second,
		HealthPollInterval: time.Duration(cfg.Standby.HealthPollIntervalS) * time.Second,
	}, runtime, inferClient)
	if err := ctrl.Start(ctx); err != nil {
		slog.Error("failed to start standby controller", "error", err)
		os.Exit(1)
	}

	// MQTT
	emit := emitter.NewMQTTEmitter(cfg.MQTT, cfg.InstanceID)
	if err := emit.Connect(ctx); err != nil {
		slog.Error("failed to connect to mqtt broker", "error", err)
		os.Exit(1)
	}

	detector := motion.NewDetector(cfg.Motion.IntensityThreshold, cfg.Motion.PixelThreshold)

	mon := monitor.New(monitor.Config{
		CheckInterval:     time.Duration(cfg.Monitor.CheckIntervalS) * time.Second,
		HeartbeatInterval: time.Duration(cfg.MQTT.HeartbeatIntervalS) * time.Second,
		IdleWindow:        time.Duration(cfg.Motion.IdleTimeoutS) * time.Second,
		FailureThreshold:  cfg.Detection.Threshold,
		InferenceTimeout:  time.Duration(cfg.Detection.TimeoutS) * time.Second,
	}, source, detector, inferClient, ctrl, emit)

	// Control plane over the emitter's connection
	ctrlPlane := control.NewHandler(cfg.MQTT, emit.Client, control.Callbacks{
		OnStandby:   func() error { return mon.EnterStandby(standby.SourceRemote) },
		OnActive:    func() error { return mon.ExitStandby(standby.SourceRemote) },
		OnGetStatus: mon.Snapshot,
	})
	if err := ctrlPlane.Start(ctx); err != nil {
		slog.Error("failed to start control plane", "error", err)
		os.Exit(1)
	}
	// The broker drops subscriptions with the session on reconnect.
	emit.OnReconnect(ctrlPlane.Resubscribe)

	// Dashboard
	srv := web.NewServer(cfg.Web.Addr, mon)
	webErr := make(chan error, 1)
	go func() {
		webErr <- srv.Start()
	}()

	monErr := make(chan error, 1)
	go func() {
		monErr <- mon.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-webErr:
		slog.Error("web server failed", "error", err)
	case err := <-monErr:
		if err != nil {
			slog.Error("monitor failed", "error", err)
		}
	}

	shutdownTimeout := time.Duration(cfg.ShutdownTimeoutS) * time.Second
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("web server shutdown failed", "error", err)
	}
	if err := ctrlPlane.Stop(); err != nil {
		slog.Warn("control plane stop failed", "error", err)
	}
	ctrl.Stop()
	if err := source.Stop(); err != nil {
		slog.Warn("frame source stop failed", "error", err)
	}
	if err := emit.Disconnect(); err != nil {
		slog.Warn("mqtt disconnect failed", "error", err)
	}
	if dockerRuntime != nil {
		if err := dockerRuntime.Close(); err != nil {
			slog.Warn("docker client close failed", "error", err)
		}
	}

	slog.Info("print monitor stopped")
}
