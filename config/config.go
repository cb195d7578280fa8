// Package config defines the server configuration and its defaults.
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Config is the process configuration. Nested sections map to YAML mappings
// and to double-underscore environment keys.
type Config struct {
	LogLevel       string `koanf:"log_level"`
	LogDevelopment bool   `koanf:"log_development"`

	// HTTPAddr serves the websocket endpoint and the health routes.
	HTTPAddr string `koanf:"http_addr"`
	// RPCPort serves the gRPC health service.
	RPCPort int `koanf:"rpc_port"`
	// AdhocPort serves /metrics.
	AdhocPort int `koanf:"adhoc_port"`

	WorkersNum     int      `koanf:"workers_num"`
	MinFrameGapMS  int      `koanf:"min_frame_gap_ms"`
	JPEGQuality    int      `koanf:"jpeg_quality"`
	FrameWidth     int      `koanf:"frame_width"`
	FrameHeight    int      `koanf:"frame_height"`
	ReadLimitBytes int64    `koanf:"read_limit_bytes"`
	AllowedOrigins []string `koanf:"allowed_origins"`

	Detector DetectorConfig `koanf:"detector"`
	Pose     PoseConfig     `koanf:"pose"`
	Registry RegistryConfig `koanf:"registry"`
	MQTT     MQTTConfig     `koanf:"mqtt"`
}

type DetectorConfig struct {
	ModelPath   string  `koanf:"model_path"`
	ClassesPath string  `koanf:"classes_path"`
	Confidence  float32 `koanf:"confidence"`
	Iou         float32 `koanf:"iou"`
	InputSize   int     `koanf:"input_size"`
	UseGPU      bool    `koanf:"use_gpu"`
}

type PoseConfig struct {
	Endpoint  string `koanf:"endpoint"`
	TimeoutMS int    `koanf:"timeout_ms"`
}

// RegistryConfig points at the instance registry the heartbeat reports to.
type RegistryConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Host      string `koanf:"host"`
	Port      int    `koanf:"port"`
	IntervalS int    `koanf:"interval_s"`
}

type MQTTConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Broker   string `koanf:"broker"`
	ClientID string `koanf:"client_id"`
	Topic    string `koanf:"topic"`
	QoS      byte   `koanf:"qos"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:       "info",
		HTTPAddr:       ":8000",
		RPCPort:        50051,
		AdhocPort:      50052,
		WorkersNum:     runtime.NumCPU(),
		MinFrameGapMS:  100,
		JPEGQuality:    60,
		FrameWidth:     640,
		FrameHeight:    480,
		ReadLimitBytes: 20 * 1024 * 1024,
		Detector: DetectorConfig{
			ModelPath:   "models/ppe-yolo11n.onnx",
			ClassesPath: "classes.yaml",
			Confidence:  0.5,
			Iou:         0.45,
			InputSize:   640,
		},
		Pose: PoseConfig{
			Endpoint:  "http://127.0.0.1:8091",
			TimeoutMS: 2000,
		},
		Registry: RegistryConfig{
			Host:      "127.0.0.1",
			Port:      8500,
			IntervalS: 5,
		},
		MQTT: MQTTConfig{
			Broker:   "127.0.0.1:1883",
			ClientID: "safetymon",
			Topic:    "safetymon/events",
		},
	}
}

func (c *Config) MinFrameGap() time.Duration {
	return time.Duration(c.MinFrameGapMS) * time.Millisecond
}

func (c *Config) PoseTimeout() time.Duration {
	return time.Duration(c.Pose.TimeoutMS) * time.Millisecond
}

func (c *Config) RegistryInterval() time.Duration {
	return time.Duration(c.Registry.IntervalS) * time.Second
}

// Validate reports the first invalid setting wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	switch {
	case c.HTTPAddr == "":
		return fmt.Errorf("%w: http_addr must not be empty", ErrInvalidConfig)
	case c.WorkersNum < 1:
		return fmt.Errorf("%w: workers_num must be at least 1, got %d", ErrInvalidConfig, c.WorkersNum)
	case c.MinFrameGapMS < 0:
		return fmt.Errorf("%w: min_frame_gap_ms must not be negative, got %d", ErrInvalidConfig, c.MinFrameGapMS)
	case c.JPEGQuality < 1 || c.JPEGQuality > 100:
		return fmt.Errorf("%w: jpeg_quality must be in [1,100], got %d", ErrInvalidConfig, c.JPEGQuality)
	case c.FrameWidth <= 0 || c.FrameHeight <= 0:
		return fmt.Errorf("%w: frame size must be positive, got %dx%d", ErrInvalidConfig, c.FrameWidth, c.FrameHeight)
	case c.Detector.ModelPath == "":
		return fmt.Errorf("%w: detector.model_path must not be empty", ErrInvalidConfig)
	case c.Detector.Confidence < 0 || c.Detector.Confidence > 1:
		return fmt.Errorf("%w: detector.confidence must be between 0.0 and 1.0, got %f", ErrInvalidConfig, c.Detector.Confidence)
	case c.Detector.Iou < 0 || c.Detector.Iou > 1:
		return fmt.Errorf("%w: detector.iou must be between 0.0 and 1.0, got %f", ErrInvalidConfig, c.Detector.Iou)
	case c.Pose.Endpoint == "":
		return fmt.Errorf("%w: pose.endpoint must not be empty", ErrInvalidConfig)
	case c.MQTT.QoS > 2:
		return fmt.Errorf("%w: mqtt.qos must be 0, 1 or 2, got %d", ErrInvalidConfig, c.MQTT.QoS)
	}
	return nil
}
