package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration for correctness and fills in defaults.
// Defaults mirror the documented docker-compose environment.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "print-monitor"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	// Stream
	if cfg.Stream.RTSPURL == "" {
		cfg.Stream.RTSPURL = "rtsp://localhost:8554/stream"
	}
	if cfg.Stream.Width <= 0 || cfg.Stream.Height <= 0 {
		cfg.Stream.Width, cfg.Stream.Height = 640, 480
	}
	if cfg.Stream.FPS <= 0 {
		cfg.Stream.FPS = 5
	}
	if cfg.Stream.GracePeriodS <= 0 {
		cfg.Stream.GracePeriodS = 30
	}

	// Motion
	if cfg.Motion.IntensityThreshold <= 0 {
		cfg.Motion.IntensityThreshold = 30
	}
	if cfg.Motion.IntensityThreshold > 255 {
		return fmt.Errorf("motion.intensity_threshold must be <= 255, got %d", cfg.Motion.IntensityThreshold)
	}
	if cfg.Motion.PixelThreshold <= 0 {
		cfg.Motion.PixelThreshold = 500
	}
	if cfg.Motion.IdleTimeoutS <= 0 {
		cfg.Motion.IdleTimeoutS = 60
	}

	// Detection
	if cfg.Detection.Endpoint == "" {
		cfg.Detection.Endpoint = "http://ml_api:3333"
	}
	if cfg.Detection.Threshold == 0 {
		cfg.Detection.Threshold = 0.6
	}
	if cfg.Detection.Threshold < 0 || cfg.Detection.Threshold > 1 {
		return fmt.Errorf("detection.threshold must be within [0,1], got %v", cfg.Detection.Threshold)
	}
	if cfg.Detection.TimeoutS <= 0 {
		cfg.Detection.TimeoutS = 15
	}

	// Monitor
	if cfg.Monitor.CheckIntervalS <= 0 {
		cfg.Monitor.CheckIntervalS = 10
	}

	// Standby
	if cfg.Standby.ContainerName == "" {
		cfg.Standby.ContainerName = "ml_api"
	}
	if cfg.Standby.AutoTimeoutS <= 0 {
		cfg.Standby.AutoTimeoutS = 300
	}
	if cfg.Standby.StopTimeoutS <= 0 {
		cfg.Standby.StopTimeoutS = 10
	}
	if cfg.Standby.ResumeMaxWaitS <= 0 {
		cfg.Standby.ResumeMaxWaitS = 30
	}
	if cfg.Standby.HealthPollIntervalS <= 0 {
		cfg.Standby.HealthPollIntervalS = 1
	}
	if cfg.Standby.Enabled && cfg.Standby.AutoTimeoutS < cfg.Motion.IdleTimeoutS {
		return fmt.Errorf("standby.auto_timeout_s (%d) must be >= motion.idle_timeout_s (%d)",
			cfg.Standby.AutoTimeoutS, cfg.Motion.IdleTimeoutS)
	}

	// MQTT
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "localhost:1883"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = cfg.InstanceID
	}
	if cfg.MQTT.HeartbeatIntervalS <= 0 {
		cfg.MQTT.HeartbeatIntervalS = 30
	}
	if cfg.MQTT.Topics.Failure == "" {
		cfg.MQTT.Topics.Failure = "printer/mk4s/failure"
	}
	if cfg.MQTT.Topics.Heartbeat == "" {
		cfg.MQTT.Topics.Heartbeat = "printer/mk4s/heartbeat"
	}
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = "printer/mk4s/control"
	}

	// Web
	if cfg.Web.Addr == "" {
		cfg.Web.Addr = ":8080"
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	return nil
}
