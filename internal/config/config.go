package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the complete print monitor configuration.
type Config struct {
	InstanceID       string          `yaml:"instance_id" env:"INSTANCE_ID"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s" env:"SHUTDOWN_TIMEOUT_S"` // graceful shutdown timeout (default: 5)
	Stream           StreamConfig    `yaml:"stream"`
	Motion           MotionConfig    `yaml:"motion"`
	Detection        DetectionConfig `yaml:"detection"`
	Monitor          MonitorConfig   `yaml:"monitor"`
	Standby          StandbyConfig   `yaml:"standby"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Web              WebConfig       `yaml:"web"`
}

// StreamConfig contains camera stream settings.
type StreamConfig struct {
	RTSPURL      string `yaml:"rtsp_url" env:"RTSP_STREAM_URL"`
	Width        int    `yaml:"width" env:"STREAM_WIDTH"`
	Height       int    `yaml:"height" env:"STREAM_HEIGHT"`
	FPS          int    `yaml:"fps" env:"STREAM_FPS"`
	GracePeriodS int    `yaml:"grace_period_s" env:"STREAM_GRACE_PERIOD_S"` // frame staleness tolerated before status=error
}

// MotionConfig contains motion differencing thresholds.
type MotionConfig struct {
	IntensityThreshold int `yaml:"intensity_threshold" env:"MOTION_INTENSITY_THRESHOLD"` // per-pixel luminance delta
	PixelThreshold     int `yaml:"pixel_threshold" env:"MOTION_PIXEL_THRESHOLD"`         // changed pixels needed for motion
	IdleTimeoutS       int `yaml:"idle_timeout_s" env:"IDLE_TIMEOUT"`                    // motion recency window for "printing"
}

// DetectionConfig contains ML inference service settings.
type DetectionConfig struct {
	Endpoint  string  `yaml:"endpoint" env:"ML_API_URL"`
	Threshold float64 `yaml:"threshold" env:"DETECTION_THRESHOLD"` // failure confidence threshold
	TimeoutS  int     `yaml:"timeout_s" env:"ML_API_TIMEOUT"`
}

// MonitorConfig contains monitoring cycle settings.
type MonitorConfig struct {
	CheckIntervalS int `yaml:"check_interval_s" env:"CHECK_INTERVAL_SECONDS"`
}

// StandbyConfig contains standby mode settings.
type StandbyConfig struct {
	Enabled             bool   `yaml:"enabled" env:"STANDBY_MODE_ENABLED"`
	AutoTimeoutS        int    `yaml:"auto_timeout_s" env:"STANDBY_AUTO_TIMEOUT"`
	ContainerName       string `yaml:"container_name" env:"ML_API_CONTAINER_NAME"`
	StopTimeoutS        int    `yaml:"stop_timeout_s" env:"STANDBY_STOP_TIMEOUT_S"`
	ResumeMaxWaitS      int    `yaml:"resume_max_wait_s" env:"STANDBY_RESUME_MAX_WAIT_S"`
	HealthPollIntervalS int    `yaml:"health_poll_interval_s" env:"STANDBY_HEALTH_POLL_INTERVAL_S"`
}

// MQTTConfig contains MQTT broker settings.
type MQTTConfig struct {
	Broker             string     `yaml:"broker" env:"MQTT_BROKER"`
	Username           string     `yaml:"username" env:"MQTT_USERNAME"`
	Password           string     `yaml:"password" env:"MQTT_PASSWORD"`
	ClientID           string     `yaml:"client_id" env:"MQTT_CLIENT_ID"`
	HeartbeatIntervalS int        `yaml:"heartbeat_interval_s" env:"MQTT_HEARTBEAT_INTERVAL"`
	Topics             MQTTTopics `yaml:"topics"`
}

// MQTTTopics contains topic names.
type MQTTTopics struct {
	Failure   string `yaml:"failure" env:"MQTT_TOPIC_FAILURE"`
	Heartbeat string `yaml:"heartbeat" env:"MQTT_TOPIC_HEARTBEAT"`
	Control   string `yaml:"control" env:"MQTT_TOPIC_CONTROL"`
}

// WebConfig contains dashboard/API server settings.
type WebConfig struct {
	Addr string `yaml:"addr" env:"WEB_ADDR"`
}

// Load reads a YAML configuration file, overlays environment variables, and
// validates the result. A missing file is not an error: env-only deployments
// (the common docker-compose case) start from defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case os.IsNotExist(err):
		// env overlay + defaults only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Environment variables take priority over file values.
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
