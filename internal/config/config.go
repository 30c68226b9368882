// Package config loads nanoclaw runtime configuration from file, environment,
// and flag overrides via viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied before any file or environment value.
const (
	DefaultAssistantName        = "Andy"
	DefaultMainGroupFolder      = "main"
	DefaultPlannerGroupFolder   = "andy-developer"
	DefaultWorkerGroupPrefix    = "jarvis-worker-"
	DefaultContainerNamePrefix  = "nanoclaw-"
	DefaultContainerImage       = "nanoclaw-agent:latest"
	DefaultContainerRuntime     = "docker"
	DefaultPollInterval         = 2 * time.Second
	DefaultIPCPollInterval      = 1 * time.Second
	DefaultMaxConcurrent        = 3
	DefaultHardTimeout          = 45 * time.Minute
	DefaultIdleOutputTimeout    = 5 * time.Minute
	DefaultNoContainerGrace     = 90 * time.Second
	DefaultQueuedCursorGrace    = 2 * time.Minute
	DefaultRepairHandoffGrace   = 3 * time.Minute
	DefaultLeaseTTL             = 2 * time.Minute
	DefaultRestartSuppression   = 5 * time.Minute
	DefaultShutdownDrainTimeout = 20 * time.Second
	DefaultMetricsAddr          = ":9464"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	AssistantName string `mapstructure:"assistant_name"`

	DataDir string `mapstructure:"data_dir"`
	DBPath  string `mapstructure:"db_path"`
	IPCRoot string `mapstructure:"ipc_root"`

	MainGroupFolder    string `mapstructure:"main_group_folder"`
	PlannerGroupFolder string `mapstructure:"planner_group_folder"`
	WorkerGroupPrefix  string `mapstructure:"worker_group_prefix"`

	ContainerRuntime    string   `mapstructure:"container_runtime"`
	ContainerImage      string   `mapstructure:"container_image"`
	ContainerNamePrefix string   `mapstructure:"container_name_prefix"`
	ContainerMounts     []string `mapstructure:"container_mounts"`

	PollInterval            time.Duration `mapstructure:"poll_interval"`
	IPCPollInterval         time.Duration `mapstructure:"ipc_poll_interval"`
	MaxConcurrentContainers int           `mapstructure:"max_concurrent_containers"`

	HardTimeout              time.Duration `mapstructure:"hard_timeout"`
	IdleOutputTimeout        time.Duration `mapstructure:"idle_output_timeout"`
	NoContainerGrace         time.Duration `mapstructure:"no_container_grace"`
	QueuedCursorGrace        time.Duration `mapstructure:"queued_cursor_grace"`
	RepairHandoffGrace       time.Duration `mapstructure:"repair_handoff_grace"`
	LeaseTTL                 time.Duration `mapstructure:"lease_ttl"`
	RestartSuppressionWindow time.Duration `mapstructure:"restart_suppression_window"`
	ShutdownDrainTimeout     time.Duration `mapstructure:"shutdown_drain_timeout"`

	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Load reads the config file at path (optional) plus NANOCLAW_* environment
// overrides and returns a validated Config.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("NANOCLAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDerived(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("assistant_name", DefaultAssistantName)
	v.SetDefault("data_dir", "data")
	v.SetDefault("main_group_folder", DefaultMainGroupFolder)
	v.SetDefault("planner_group_folder", DefaultPlannerGroupFolder)
	v.SetDefault("worker_group_prefix", DefaultWorkerGroupPrefix)
	v.SetDefault("container_runtime", DefaultContainerRuntime)
	v.SetDefault("container_image", DefaultContainerImage)
	v.SetDefault("container_name_prefix", DefaultContainerNamePrefix)
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("ipc_poll_interval", DefaultIPCPollInterval)
	v.SetDefault("max_concurrent_containers", DefaultMaxConcurrent)
	v.SetDefault("hard_timeout", DefaultHardTimeout)
	v.SetDefault("idle_output_timeout", DefaultIdleOutputTimeout)
	v.SetDefault("no_container_grace", DefaultNoContainerGrace)
	v.SetDefault("queued_cursor_grace", DefaultQueuedCursorGrace)
	v.SetDefault("repair_handoff_grace", DefaultRepairHandoffGrace)
	v.SetDefault("lease_ttl", DefaultLeaseTTL)
	v.SetDefault("restart_suppression_window", DefaultRestartSuppression)
	v.SetDefault("shutdown_drain_timeout", DefaultShutdownDrainTimeout)
	v.SetDefault("metrics_addr", DefaultMetricsAddr)
}

func applyDerived(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "nanoclaw.db")
	}
	if cfg.IPCRoot == "" {
		cfg.IPCRoot = filepath.Join(cfg.DataDir, "ipc")
	}
}

// Validate rejects configurations the orchestrator cannot run with.
func (c Config) Validate() error {
	if c.AssistantName == "" {
		return fmt.Errorf("assistant_name is required")
	}
	if c.MaxConcurrentContainers <= 0 {
		return fmt.Errorf("max_concurrent_containers must be positive, got %d", c.MaxConcurrentContainers)
	}
	if c.PollInterval <= 0 || c.IPCPollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.LeaseTTL <= 0 || c.HardTimeout <= 0 {
		return fmt.Errorf("lease_ttl and hard_timeout must be positive")
	}
	if c.NoContainerGrace <= 0 || c.RepairHandoffGrace <= 0 {
		return fmt.Errorf("grace windows must be positive")
	}
	return nil
}

// SnapshotDir returns the per-lane snapshot directory for in-container reads.
func (c Config) SnapshotDir(groupFolder string) string {
	return filepath.Join(c.IPCRoot, groupFolder)
}
