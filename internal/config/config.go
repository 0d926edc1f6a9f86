// Package config loads and validates the kernel's configuration.
//
// Grounded on internal/config/config.go's viper-nested-struct shape
// (SetDefault chain + single Validate(cfg) entry point), adapted from
// the worker-queue's Redis/Worker/Producer sections to the kernel's
// own Dispatch/Evolution/Capabilities/Audit sections.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Dispatch configures the Plugin Registry's fan-out discipline
// (spec §4.2, §5).
type Dispatch struct {
	MaxCascadeDepth     uint8         `mapstructure:"max_cascade_depth"`
	FanoutSemaphore     int64         `mapstructure:"fanout_semaphore"`
	BridgeSemaphore     int64         `mapstructure:"bridge_semaphore"`
	PluginEventTimeout  time.Duration `mapstructure:"plugin_event_timeout"`
	InputQueueSize      int           `mapstructure:"input_queue_size"`
	BridgeQueueSize     int           `mapstructure:"bridge_queue_size"`
	BroadcastQueueSize  int           `mapstructure:"broadcast_queue_size"`
	EventRetentionHours uint64        `mapstructure:"event_retention_hours"`
	MaxHistorySize      int           `mapstructure:"max_history_size"`
}

// Evolution holds the evolution tuning values (spec §3). Validate
// checks them at load, but the evolution engine does not read this
// block: an agent without stored params gets
// evolution.DefaultEvolutionParams().
type Evolution struct {
	Alpha           float64 `mapstructure:"alpha"`
	Beta            float64 `mapstructure:"beta"`
	ThetaMin        float64 `mapstructure:"theta_min"`
	Gamma           float64 `mapstructure:"gamma"`
	MinInteractions uint64  `mapstructure:"min_interactions"`

	WeightCognitive    float64 `mapstructure:"weight_cognitive"`
	WeightBehavioral   float64 `mapstructure:"weight_behavioral"`
	WeightSafety       float64 `mapstructure:"weight_safety"`
	WeightAutonomy     float64 `mapstructure:"weight_autonomy"`
	WeightMetaLearning float64 `mapstructure:"weight_meta_learning"`
}

type Capabilities struct {
	AllowedNetworkHosts []string      `mapstructure:"allowed_network_hosts"`
	FilesystemBase      string        `mapstructure:"filesystem_base"`
	AllowedProcesses    []string      `mapstructure:"allowed_processes"`
	ProcessMaxTimeout   time.Duration `mapstructure:"process_max_timeout"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Environment string `mapstructure:"environment"`
	Insecure    bool   `mapstructure:"insecure"`
}

type Observability struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type Audit struct {
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type Config struct {
	Redis         Redis         `mapstructure:"redis"`
	Dispatch      Dispatch      `mapstructure:"dispatch"`
	Evolution     Evolution     `mapstructure:"evolution"`
	Capabilities  Capabilities  `mapstructure:"capabilities"`
	Observability Observability `mapstructure:"observability"`
	Audit         Audit         `mapstructure:"audit"`
	PluginDir     string        `mapstructure:"plugin_dir"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Dispatch: Dispatch{
			MaxCascadeDepth:     10,
			FanoutSemaphore:     50,
			BridgeSemaphore:     20,
			PluginEventTimeout:  30 * time.Second,
			InputQueueSize:      100,
			BridgeQueueSize:     100,
			BroadcastQueueSize:  100,
			EventRetentionHours: 24,
			MaxHistorySize:      5000,
		},
		Evolution: Evolution{
			Alpha:              0.10,
			Beta:               0.05,
			ThetaMin:           0.02,
			Gamma:              0.25,
			MinInteractions:    10,
			WeightCognitive:    0.25,
			WeightBehavioral:   0.25,
			WeightSafety:       0.20,
			WeightAutonomy:     0.15,
			WeightMetaLearning: 0.15,
		},
		Capabilities: Capabilities{
			FilesystemBase:    "./data",
			ProcessMaxTimeout: 120 * time.Second,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
		Audit: Audit{
			FilePath:   "./data/audit.log",
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 30,
		},
		PluginDir: "./plugins",
	}
}

// Load reads configuration from a YAML file (if present) layered over
// defaults and environment overrides (KERNEL_ prefix, "." -> "_").
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("kernel")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)

	v.SetDefault("dispatch.max_cascade_depth", def.Dispatch.MaxCascadeDepth)
	v.SetDefault("dispatch.fanout_semaphore", def.Dispatch.FanoutSemaphore)
	v.SetDefault("dispatch.bridge_semaphore", def.Dispatch.BridgeSemaphore)
	v.SetDefault("dispatch.plugin_event_timeout", def.Dispatch.PluginEventTimeout)
	v.SetDefault("dispatch.input_queue_size", def.Dispatch.InputQueueSize)
	v.SetDefault("dispatch.bridge_queue_size", def.Dispatch.BridgeQueueSize)
	v.SetDefault("dispatch.broadcast_queue_size", def.Dispatch.BroadcastQueueSize)
	v.SetDefault("dispatch.event_retention_hours", def.Dispatch.EventRetentionHours)
	v.SetDefault("dispatch.max_history_size", def.Dispatch.MaxHistorySize)

	v.SetDefault("evolution.alpha", def.Evolution.Alpha)
	v.SetDefault("evolution.beta", def.Evolution.Beta)
	v.SetDefault("evolution.theta_min", def.Evolution.ThetaMin)
	v.SetDefault("evolution.gamma", def.Evolution.Gamma)
	v.SetDefault("evolution.min_interactions", def.Evolution.MinInteractions)
	v.SetDefault("evolution.weight_cognitive", def.Evolution.WeightCognitive)
	v.SetDefault("evolution.weight_behavioral", def.Evolution.WeightBehavioral)
	v.SetDefault("evolution.weight_safety", def.Evolution.WeightSafety)
	v.SetDefault("evolution.weight_autonomy", def.Evolution.WeightAutonomy)
	v.SetDefault("evolution.weight_meta_learning", def.Evolution.WeightMetaLearning)

	v.SetDefault("capabilities.filesystem_base", def.Capabilities.FilesystemBase)
	v.SetDefault("capabilities.process_max_timeout", def.Capabilities.ProcessMaxTimeout)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)

	v.SetDefault("audit.file_path", def.Audit.FilePath)
	v.SetDefault("audit.max_size_mb", def.Audit.MaxSizeMB)
	v.SetDefault("audit.max_backups", def.Audit.MaxBackups)
	v.SetDefault("audit.max_age_days", def.Audit.MaxAgeDays)

	v.SetDefault("plugin_dir", def.PluginDir)
}

// Validate checks config invariants, returning on the first violation
// (matches the teacher's early-return style rather than an
// accumulated multi-error).
func Validate(cfg *Config) error {
	if cfg.Dispatch.MaxCascadeDepth == 0 {
		return fmt.Errorf("dispatch.max_cascade_depth must be >= 1")
	}
	if cfg.Dispatch.FanoutSemaphore <= 0 {
		return fmt.Errorf("dispatch.fanout_semaphore must be > 0")
	}
	if cfg.Dispatch.BridgeSemaphore <= 0 {
		return fmt.Errorf("dispatch.bridge_semaphore must be > 0")
	}
	if cfg.Dispatch.PluginEventTimeout <= 0 {
		return fmt.Errorf("dispatch.plugin_event_timeout must be > 0")
	}
	if cfg.Evolution.MinInteractions == 0 {
		return fmt.Errorf("evolution.min_interactions must be > 0")
	}
	for _, f := range []float64{cfg.Evolution.Alpha, cfg.Evolution.Beta, cfg.Evolution.ThetaMin, cfg.Evolution.Gamma} {
		if f < 0 || f > 1 {
			return fmt.Errorf("evolution: alpha/beta/theta_min/gamma must be in [0,1]")
		}
	}
	sum := cfg.Evolution.WeightCognitive + cfg.Evolution.WeightBehavioral + cfg.Evolution.WeightSafety +
		cfg.Evolution.WeightAutonomy + cfg.Evolution.WeightMetaLearning
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("evolution: fitness weights must sum to ~1.0, got %f", sum)
	}
	for _, w := range []float64{cfg.Evolution.WeightCognitive, cfg.Evolution.WeightBehavioral, cfg.Evolution.WeightSafety, cfg.Evolution.WeightAutonomy, cfg.Evolution.WeightMetaLearning} {
		if w < 0 {
			return fmt.Errorf("evolution: fitness weights must be non-negative")
		}
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
