package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"voxelsync.ai/internal/sim/delta"
	"voxelsync.ai/internal/sim/interest"
	"voxelsync.ai/internal/sim/interp"
	"voxelsync.ai/internal/sim/movement"
	"voxelsync.ai/internal/sim/predict"
	"voxelsync.ai/internal/sim/worldsync"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Delta         DeltaConfig         `yaml:"delta"`
	Prediction    PredictionConfig    `yaml:"prediction"`
	Interpolation InterpolationConfig `yaml:"interpolation"`
	Interest      InterestConfig      `yaml:"interest"`
	WorldSync     WorldSyncConfig     `yaml:"world_sync"`
}

type ServerConfig struct {
	TickRateHz         int `yaml:"tick_rate_hz"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`
	MaxQueue           int `yaml:"max_queue"`
}

type DeltaConfig struct {
	SignificanceThreshold float64 `yaml:"significance_threshold"`
}

type PredictionConfig struct {
	MoveSpeed          float32 `yaml:"move_speed"`
	StepSeconds        float32 `yaml:"step_seconds"`
	ReconcileThreshold float32 `yaml:"reconcile_threshold"`
	MaxInputBuffer     int     `yaml:"max_input_buffer"`
}

type InterpolationConfig struct {
	Factor     float64 `yaml:"factor"`
	MaxHistory int     `yaml:"max_history"`
	MaxGapMs   float64 `yaml:"max_gap_ms"`
}

type InterestConfig struct {
	DefaultRadius  float32 `yaml:"default_radius"`
	MoveHysteresis float32 `yaml:"move_hysteresis"`
	CellSize       float32 `yaml:"cell_size"`
}

type WorldSyncConfig struct {
	IntervalMs int `yaml:"interval_ms"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("netsync.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("netsync.yaml: %w", err)
	}
	return cfg, nil
}

func Default() Config {
	cfg := defaults()
	cfg.Normalize()
	return cfg
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			TickRateHz:         20,
			SnapshotEveryTicks: 600,
			MaxQueue:           64,
		},
		Delta: DeltaConfig{SignificanceThreshold: delta.DefaultThreshold},
		Prediction: PredictionConfig{
			MoveSpeed:          5,
			StepSeconds:        1,
			ReconcileThreshold: predict.DefaultReconcileThreshold,
			MaxInputBuffer:     1024,
		},
		Interpolation: InterpolationConfig{
			Factor:     interp.DefaultFactor,
			MaxHistory: interp.DefaultMaxHistory,
			MaxGapMs:   interp.DefaultMaxGapMs,
		},
		Interest: InterestConfig{
			DefaultRadius:  interest.DefaultRadius,
			MoveHysteresis: interest.DefaultMoveHysteresis,
			CellSize:       interest.DefaultCellSize,
		},
		WorldSync: WorldSyncConfig{IntervalMs: int(worldsync.DefaultInterval / time.Millisecond)},
	}
}

// Normalize clamps the ranged knobs. Values outside a documented range are
// pulled to the nearest bound rather than rejected.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Interpolation.Factor = min(max(c.Interpolation.Factor, 0.01), 1.0)
	c.Interpolation.MaxHistory = min(max(c.Interpolation.MaxHistory, 2), 100)
	c.WorldSync.IntervalMs = min(max(c.WorldSync.IntervalMs, 100), 5000)
	if c.Server.MaxQueue <= 0 {
		c.Server.MaxQueue = 64
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.TickRateHz <= 0 || c.Server.TickRateHz > 1000 {
		errs = append(errs, fmt.Errorf("server.tick_rate_hz must be in [1,1000], got %d", c.Server.TickRateHz))
	}
	if c.Server.SnapshotEveryTicks < 0 {
		errs = append(errs, fmt.Errorf("server.snapshot_every_ticks must be >= 0, got %d", c.Server.SnapshotEveryTicks))
	}
	if c.Delta.SignificanceThreshold <= 0 {
		errs = append(errs, fmt.Errorf("delta.significance_threshold must be > 0, got %v", c.Delta.SignificanceThreshold))
	}
	if c.Prediction.MoveSpeed < 0 {
		errs = append(errs, fmt.Errorf("prediction.move_speed must be >= 0, got %v", c.Prediction.MoveSpeed))
	}
	if c.Prediction.StepSeconds <= 0 {
		errs = append(errs, fmt.Errorf("prediction.step_seconds must be > 0, got %v", c.Prediction.StepSeconds))
	}
	if c.Prediction.ReconcileThreshold <= 0 {
		errs = append(errs, fmt.Errorf("prediction.reconcile_threshold must be > 0, got %v", c.Prediction.ReconcileThreshold))
	}
	if c.Prediction.MaxInputBuffer < 0 {
		errs = append(errs, fmt.Errorf("prediction.max_input_buffer must be >= 0, got %d", c.Prediction.MaxInputBuffer))
	}
	if c.Interpolation.MaxGapMs <= 0 {
		errs = append(errs, fmt.Errorf("interpolation.max_gap_ms must be > 0, got %v", c.Interpolation.MaxGapMs))
	}
	if c.Interest.DefaultRadius <= 0 {
		errs = append(errs, fmt.Errorf("interest.default_radius must be > 0, got %v", c.Interest.DefaultRadius))
	}
	if c.Interest.MoveHysteresis < 0 || c.Interest.MoveHysteresis >= 1 {
		errs = append(errs, fmt.Errorf("interest.move_hysteresis must be in [0,1), got %v", c.Interest.MoveHysteresis))
	}
	if c.Interest.CellSize <= 0 {
		errs = append(errs, fmt.Errorf("interest.cell_size must be > 0, got %v", c.Interest.CellSize))
	}
	return errors.Join(errs...)
}

func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.Server.TickRateHz)
}

func (c Config) MovementRule() movement.Rule {
	return movement.Rule{Speed: c.Prediction.MoveSpeed, StepSeconds: c.Prediction.StepSeconds}
}

func (c Config) PredictConfig() predict.Config {
	return predict.Config{
		Rule:               c.MovementRule(),
		ReconcileThreshold: c.Prediction.ReconcileThreshold,
		MaxInputBuffer:     c.Prediction.MaxInputBuffer,
	}
}

func (c Config) InterpConfig() interp.Config {
	return interp.Config{
		Factor:     c.Interpolation.Factor,
		MaxHistory: c.Interpolation.MaxHistory,
		MaxGapMs:   c.Interpolation.MaxGapMs,
	}
}

func (c Config) InterestConfig() interest.Config {
	return interest.Config{
		DefaultRadius:  c.Interest.DefaultRadius,
		MoveHysteresis: c.Interest.MoveHysteresis,
		CellSize:       c.Interest.CellSize,
	}
}

func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.WorldSync.IntervalMs) * time.Millisecond
}
