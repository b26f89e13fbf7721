package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Queue      QueueConfig      `yaml:"queue"`
	Sync       SyncConfig       `yaml:"sync"`
	Exports    ExportConfig     `yaml:"exports"`
	Backup     BackupConfig     `yaml:"backup"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// UpstreamConfig points the replay executor at the API that deferred
// operations are dispatched to.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type QueueConfig struct {
	BatchSize           int     `yaml:"batch_size"`
	LeaseTTLSeconds     int     `yaml:"lease_ttl_seconds"`
	ExecTimeoutSeconds  int     `yaml:"exec_timeout_seconds"`
	PriorityWeightMs    int     `yaml:"priority_weight_ms"`
	ExecutorRatePerSec  float64 `yaml:"executor_rate_per_sec"`
	EnqueueLimit        int     `yaml:"enqueue_limit"`
	EnqueueWindowSecs   int     `yaml:"enqueue_window_seconds"`
	RetryInitialDelayMs int     `yaml:"retry_initial_delay_ms"`
	RetryMaxDelayMs     int     `yaml:"retry_max_delay_ms"`
}

type SyncConfig struct {
	QueueSweepSeconds     int    `yaml:"queue_sweep_seconds"`
	ConflictSweepSeconds  int    `yaml:"conflict_sweep_seconds"`
	DeviceSweepSeconds    int    `yaml:"device_sweep_seconds"`
	CleanupSweepSeconds   int    `yaml:"cleanup_sweep_seconds"`
	QueueRetentionDays    int    `yaml:"queue_retention_days"`
	ConflictRetentionDays int    `yaml:"conflict_retention_days"`
	DeviceRetentionDays   int    `yaml:"device_retention_days"`
	MinPendingForSync     int    `yaml:"min_pending_for_sync"`
	SweepStrategy         string `yaml:"sweep_strategy"`
	JobRegistryCapacity   int    `yaml:"job_registry_capacity"`
	JobRegistryTTLMinutes int    `yaml:"job_registry_ttl_minutes"`
}

type ExportConfig struct {
	Path string `yaml:"path"`

	// ReportInterval enables periodic xlsx snapshots when set (e.g. "24h").
	ReportInterval string `yaml:"report_interval"`
}

// BackupConfig controls periodic snapshots of the SQLite sync store.
type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Interval      string `yaml:"interval"`
	StoragePath   string `yaml:"storage_path"`
	RetentionDays int    `yaml:"retention_days"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; when present its values feed the ${VAR} expansion
	// below.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	switch c.Sync.SweepStrategy {
	case "", "server_wins", "local_wins", "merge", "manual":
	default:
		return fmt.Errorf("unknown sweep strategy: %s", c.Sync.SweepStrategy)
	}

	if c.Queue.BatchSize < 0 {
		return errors.New("queue batch size must not be negative")
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "driftsync"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = 10
	}
	if c.Queue.LeaseTTLSeconds == 0 {
		c.Queue.LeaseTTLSeconds = 300
	}
	if c.Queue.ExecTimeoutSeconds == 0 {
		c.Queue.ExecTimeoutSeconds = 30
	}
	if c.Queue.PriorityWeightMs == 0 {
		c.Queue.PriorityWeightMs = 1000
	}
	if c.Queue.RetryInitialDelayMs == 0 {
		c.Queue.RetryInitialDelayMs = 1000
	}
	if c.Queue.RetryMaxDelayMs == 0 {
		c.Queue.RetryMaxDelayMs = 300000
	}
	if c.Queue.EnqueueWindowSecs == 0 {
		c.Queue.EnqueueWindowSecs = 60
	}

	if c.Sync.QueueSweepSeconds == 0 {
		c.Sync.QueueSweepSeconds = 30
	}
	if c.Sync.ConflictSweepSeconds == 0 {
		c.Sync.ConflictSweepSeconds = 300
	}
	if c.Sync.DeviceSweepSeconds == 0 {
		c.Sync.DeviceSweepSeconds = 120
	}
	if c.Sync.CleanupSweepSeconds == 0 {
		c.Sync.CleanupSweepSeconds = 3600
	}
	if c.Sync.QueueRetentionDays == 0 {
		c.Sync.QueueRetentionDays = 7
	}
	if c.Sync.ConflictRetentionDays == 0 {
		c.Sync.ConflictRetentionDays = 30
	}
	if c.Sync.DeviceRetentionDays == 0 {
		c.Sync.DeviceRetentionDays = 30
	}
	if c.Sync.MinPendingForSync == 0 {
		c.Sync.MinPendingForSync = 1
	}
	if c.Sync.SweepStrategy == "" {
		c.Sync.SweepStrategy = "server_wins"
	}
	if c.Sync.JobRegistryCapacity == 0 {
		c.Sync.JobRegistryCapacity = 1000
	}
	if c.Sync.JobRegistryTTLMinutes == 0 {
		c.Sync.JobRegistryTTLMinutes = 60
	}

	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}

	if c.Backup.Enabled {
		if c.Backup.Interval == "" {
			c.Backup.Interval = "24h"
		}
		if c.Backup.StoragePath == "" {
			c.Backup.StoragePath = "backups"
		}
		if c.Backup.RetentionDays == 0 {
			c.Backup.RetentionDays = 7
		}
	}
}

// LeaseTTL returns the drain lease duration.
func (c QueueConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// ExecTimeout returns the single-dispatch executor timeout.
func (c QueueConfig) ExecTimeout() time.Duration {
	return time.Duration(c.ExecTimeoutSeconds) * time.Second
}
