package config

import (
	"fmt"
	"strings"

	"github.com/fly-io/multiflash/pkg/writer"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Working directory; downloaded images are cached under it
	WorkDir string `mapstructure:"work-dir"`

	// S3 configuration
	S3Bucket string `mapstructure:"s3-bucket"`
	S3Region string `mapstructure:"s3-region"`

	// Flash defaults
	Verify             bool     `mapstructure:"verify"`
	UnmountOnSuccess   bool     `mapstructure:"unmount-on-success"`
	ChecksumAlgorithms []string `mapstructure:"checksum-algorithms"`
	MaxParallel        int      `mapstructure:"max-parallel"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`

	// IPC channel, set on the worker by its controller
	IPCID         string `mapstructure:"ipc-id"`
	IPCSocketRoot string `mapstructure:"ipc-socket-root"`

	LogLevel string `mapstructure:"log-level"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("sqlite-path", ".artifacts/multiflash.db")
	v.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	v.SetDefault("work-dir", "/tmp/multiflash")
	v.SetDefault("s3-bucket", "")
	v.SetDefault("s3-region", "us-east-1")
	v.SetDefault("verify", true)
	v.SetDefault("unmount-on-success", true)
	v.SetDefault("checksum-algorithms", []string{"crc32"})
	v.SetDefault("max-parallel", 0)
	v.SetDefault("fsm-max-retries", 5)
	v.SetDefault("ipc-id", "")
	v.SetDefault("ipc-socket-root", "")
	v.SetDefault("log-level", "info")
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration through v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Environment variables (MULTIFLASH_SQLITE_PATH, etc.)
	v.SetEnvPrefix("MULTIFLASH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.multiflash")

	// Read config file (ignore if not found)
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.MaxParallel < 0 {
		return fmt.Errorf("max-parallel must be non-negative")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	if _, err := writer.NormalizeChecksums(c.ChecksumAlgorithms); err != nil {
		return fmt.Errorf("checksum-algorithms: %w", err)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log-level must be one of debug, info, warn, error")
	}
	return nil
}
