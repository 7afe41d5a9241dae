package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// PoolsBackendType selects where pools and render nodes are loaded from at
// startup.
type PoolsBackendType string

const (
	PoolsBackendFile PoolsBackendType = "file"
	PoolsBackendWS   PoolsBackendType = "ws"
	PoolsBackendDB   PoolsBackendType = "db"
)

// Config holds the dispatcher configuration
type Config struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	LogDir  string `yaml:"logdir"`
	ConfDir string `yaml:"confdir"`
	PidFile string `yaml:"pidfile"`

	// Delay between two runs of the main iteration
	MasterUpdateInterval time.Duration `yaml:"master_update_interval"`

	// Communication with render nodes
	RenderNodeRequestMaxRetryCount int           `yaml:"rendernode_request_max_retry_count"`
	RenderNodeRequestDelay         time.Duration `yaml:"rendernode_request_delay"`
	RenderNodeTimeout              time.Duration `yaml:"rn_timeout"`

	// Autoretry
	MaxRetryCmdCount     int           `yaml:"max_retry_cmd_count"`
	DelayBeforeAutoRetry time.Duration `yaml:"delay_before_autoretry"`

	// A node returning at least this many errors within its recent history
	// is placed in quarantine
	RenderNodeErrorsTolerance int `yaml:"rn_nb_errors_tolerance"`

	// Persistence
	PoolsBackendType PoolsBackendType `yaml:"pools_backend_type"`
	WSBackendURL     string           `yaml:"ws_backend_url"`
	DBEnable         bool             `yaml:"db_enable"`
	DBCleanData      bool             `yaml:"db_clean_data"`
	DataDir          string           `yaml:"data_dir"`

	LicenseFile string `yaml:"license_file"`

	// Ingress
	QueueSize      int `yaml:"queue_size"`
	IngressRateRPS int `yaml:"ingress_rate_rps"`
	IngressBurst   int `yaml:"ingress_burst"`

	// Assignment transport
	SenderPoolSize int `yaml:"sender_pool_size"`
}

// Default returns the configuration used when no file overrides are given.
func Default() *Config {
	confDir := "/etc/farmd"
	return &Config{
		Port:                           8004,
		Address:                        "0.0.0.0",
		LogDir:                         "/var/log/farmd",
		ConfDir:                        confDir,
		PidFile:                        "dispatcher.pid",
		MasterUpdateInterval:           4 * time.Second,
		RenderNodeRequestMaxRetryCount: 10,
		RenderNodeRequestDelay:         500 * time.Millisecond,
		RenderNodeTimeout:              1200 * time.Second,
		MaxRetryCmdCount:               0,
		DelayBeforeAutoRetry:           20 * time.Second,
		RenderNodeErrorsTolerance:      5,
		PoolsBackendType:               PoolsBackendFile,
		DBEnable:                       true,
		DBCleanData:                    false,
		DataDir:                        "/var/lib/farmd",
		LicenseFile:                    filepath.Join(confDir, "licences.lst"),
		QueueSize:                      10000,
		IngressRateRPS:                 200,
		IngressBurst:                   400,
		SenderPoolSize:                 16,
	}
}

// Load reads a YAML config file and merges it over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the dispatcher cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MasterUpdateInterval <= 0 {
		return fmt.Errorf("master_update_interval must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive")
	}
	if c.SenderPoolSize <= 0 {
		return fmt.Errorf("sender_pool_size must be positive")
	}
	switch c.PoolsBackendType {
	case PoolsBackendFile, PoolsBackendWS, PoolsBackendDB:
	default:
		return fmt.Errorf("unknown pools_backend_type: %q", c.PoolsBackendType)
	}
	return nil
}

// WorkersFile returns the path of the file backend worker list.
func (c *Config) WorkersFile() string {
	return filepath.Join(c.ConfDir, "workers.lst")
}

// PoolsFile returns the path of the file backend pool definitions.
func (c *Config) PoolsFile() string {
	return filepath.Join(c.ConfDir, "pools.yaml")
}
