// Package config defines the learner service configuration and its loader.
// Priority: defaults → YAML file → environment variables.
package config

import (
	"time"

	"github.com/google/uuid"

	"github.com/cartridge/learner/model"
)

// Config is the complete learner service configuration.
type Config struct {
	Replay      ReplayConfig     `yaml:"replay" env:"REPLAY"`
	Training    TrainingConfig   `yaml:"training" env:"TRAINING"`
	Checkpoints CheckpointConfig `yaml:"checkpoints" env:"CHECKPOINTS"`
	Weights     WeightsConfig    `yaml:"weights" env:"WEIGHTS"`
	Control     ControlConfig    `yaml:"control" env:"CONTROL"`
	Log         LogConfig        `yaml:"log" env:"LOG"`
	Metrics     MetricsConfig    `yaml:"metrics" env:"METRICS"`
	Telemetry   TelemetryConfig  `yaml:"telemetry" env:"TELEMETRY"`
}

// ReplayConfig configures the sampling client.
type ReplayConfig struct {
	// Endpoint is the replay service base URL.
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	// TLSEnabled dials the replay service with TLS.
	TLSEnabled bool `yaml:"tls_enabled" env:"TLS_ENABLED"`
	// PrefetchDepth is the bounded prefetch queue capacity.
	PrefetchDepth int `yaml:"prefetch_depth" env:"PREFETCH_DEPTH"`
	// BatchSize is the number of transitions per sample request.
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`
	// Timeout bounds one sample request.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// TrainingConfig selects the algorithm and its hyper-parameters.
type TrainingConfig struct {
	Algorithm string  `yaml:"algorithm" env:"ALGORITHM"`
	Gamma     float64 `yaml:"gamma" env:"GAMMA"`
	GAELambda float64 `yaml:"gae_lambda" env:"GAE_LAMBDA"`
	Seed      int64   `yaml:"seed" env:"SEED"`
}

// CheckpointConfig configures durable snapshot persistence.
type CheckpointConfig struct {
	// Bucket is the directory (or bucket mount) checkpoints are written to.
	Bucket        string `yaml:"bucket" env:"BUCKET"`
	IntervalSteps int64  `yaml:"interval_steps" env:"INTERVAL_STEPS"`
	KeepLast      int    `yaml:"keep_last" env:"KEEP_LAST"`
}

// WeightsConfig configures weight distribution to the actor fleet.
type WeightsConfig struct {
	Backend    string `yaml:"backend" env:"BACKEND"`
	Endpoint   string `yaml:"endpoint" env:"ENDPOINT"`
	Channel    string `yaml:"channel" env:"CHANNEL"`
	Password   string `yaml:"password" env:"PASSWORD"`
	DB         int    `yaml:"db" env:"DB"`
	TLSEnabled bool   `yaml:"tls_enabled" env:"TLS_ENABLED"`
}

// ControlConfig configures the orchestrator control channel.
type ControlConfig struct {
	// OrchestratorEndpoint is the control-plane base URL. Empty disables
	// heartbeats.
	OrchestratorEndpoint string `yaml:"orchestrator_endpoint" env:"ORCHESTRATOR_ENDPOINT"`
	// RunID identifies this training run; defaults to a fresh UUID.
	RunID             string        `yaml:"run_id" env:"RUN_ID"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Port int `yaml:"port" env:"PORT"`
}

// TelemetryConfig configures the OTel SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Replay: ReplayConfig{
			PrefetchDepth: 4,
			BatchSize:     256,
			Timeout:       30 * time.Second,
		},
		Training: TrainingConfig{
			Algorithm: "ppo",
			Gamma:     0.99,
			GAELambda: 0.95,
		},
		Checkpoints: CheckpointConfig{
			Bucket:        "checkpoints",
			IntervalSteps: 10000,
			KeepLast:      3,
		},
		Weights: WeightsConfig{
			Backend: "redis",
			Channel: "weights",
		},
		Control: ControlConfig{
			HeartbeatInterval: 30 * time.Second,
			Timeout:           10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Port: 9001,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "cartridge-learner",
			SampleRate:  1.0,
		},
	}
}

// Validate checks cross-field constraints and fills derived defaults.
func (c *Config) Validate() error {
	if c.Replay.Endpoint == "" {
		return model.NewError(model.ErrInvalidConfig, "replay.endpoint is required")
	}
	if c.Replay.PrefetchDepth < 1 {
		return model.NewError(model.ErrInvalidConfig, "replay.prefetch_depth must be at least 1")
	}
	if c.Replay.BatchSize < 1 {
		return model.NewError(model.ErrInvalidConfig, "replay.batch_size must be positive")
	}
	if c.Training.Gamma < 0 || c.Training.Gamma > 1 {
		return model.NewError(model.ErrInvalidConfig, "training.gamma must be in [0, 1]")
	}
	if c.Training.GAELambda < 0 || c.Training.GAELambda > 1 {
		return model.NewError(model.ErrInvalidConfig, "training.gae_lambda must be in [0, 1]")
	}
	if c.Training.Algorithm == "" {
		return model.NewError(model.ErrInvalidConfig, "training.algorithm is required")
	}
	if c.Checkpoints.Bucket == "" {
		return model.NewError(model.ErrInvalidConfig, "checkpoints.bucket is required")
	}
	if c.Checkpoints.IntervalSteps < 1 {
		return model.NewError(model.ErrInvalidConfig, "checkpoints.interval_steps must be at least 1")
	}
	if c.Checkpoints.KeepLast < 1 {
		return model.NewError(model.ErrInvalidConfig, "checkpoints.keep_last must be at least 1")
	}
	if c.Weights.Backend == "" {
		return model.NewError(model.ErrInvalidConfig, "weights.backend is required")
	}
	if c.Weights.Endpoint == "" {
		return model.NewError(model.ErrInvalidConfig, "weights.endpoint is required")
	}
	if c.Weights.Channel == "" {
		return model.NewError(model.ErrInvalidConfig, "weights.channel is required")
	}
	if c.Control.OrchestratorEndpoint != "" && c.Control.HeartbeatInterval < time.Second {
		return model.NewError(model.ErrInvalidConfig, "control.heartbeat_interval must be at least 1s")
	}
	if c.Control.RunID == "" {
		c.Control.RunID = uuid.NewString()
	}
	return nil
}
