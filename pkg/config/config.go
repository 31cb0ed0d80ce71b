package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Geo        GeoConfig        `mapstructure:"geo"`
	Lock       LockConfig       `mapstructure:"lock"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// FeedConfig contains upstream feed endpoint settings
type FeedConfig struct {
	APIURL          string        `mapstructure:"api_url"`
	DumpURL         string        `mapstructure:"dump_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	ScratchDir      string        `mapstructure:"scratch_dir"`
	WindowSize      time.Duration `mapstructure:"window_size"`
}

// SyncConfig contains sync engine behavior settings
type SyncConfig struct {
	// MaxIncremental is the ceiling on the feed's reported total for a
	// delta window. Above it the run escalates to a full rebuild.
	MaxIncremental    int           `mapstructure:"max_incremental"`
	ParallelThreshold int           `mapstructure:"parallel_threshold"`
	Concurrency       int           `mapstructure:"concurrency"`
	BatchSize         int           `mapstructure:"batch_size"`
	CommitTimeout     time.Duration `mapstructure:"commit_timeout"`
	DaemonInterval    time.Duration `mapstructure:"daemon_interval"`
}

// GeoConfig contains country assigner settings
type GeoConfig struct {
	// GridCellDegrees is the cell size of the bounding-box grid index.
	GridCellDegrees   float64 `mapstructure:"grid_cell_degrees"`
	BoundaryTolerance float64 `mapstructure:"boundary_tolerance"`
}

// LockConfig contains run mutual-exclusion settings
type LockConfig struct {
	Dir     string `mapstructure:"dir"`
	JobName string `mapstructure:"job_name"`
}

// MonitoringConfig contains monitoring and metrics settings
type MonitoringConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.database", "notesync")

	// Feed defaults
	viper.SetDefault("feed.request_timeout", "60s")
	viper.SetDefault("feed.download_timeout", "30m")
	viper.SetDefault("feed.max_retries", 3)
	viper.SetDefault("feed.initial_backoff", "1s")
	viper.SetDefault("feed.scratch_dir", "/tmp/notesync")
	viper.SetDefault("feed.window_size", "24h")

	// Sync defaults
	viper.SetDefault("sync.max_incremental", 10000)
	viper.SetDefault("sync.parallel_threshold", 100)
	viper.SetDefault("sync.concurrency", 4)
	viper.SetDefault("sync.batch_size", 500)
	viper.SetDefault("sync.commit_timeout", "2m")
	viper.SetDefault("sync.daemon_interval", "5m")

	// Geo defaults
	viper.SetDefault("geo.grid_cell_degrees", 1.0)
	viper.SetDefault("geo.boundary_tolerance", 1e-9)

	// Lock defaults
	viper.SetDefault("lock.dir", "/tmp/notesync")
	viper.SetDefault("lock.job_name", "notesync")

	// Monitoring defaults
	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.metrics_port", 9090)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output_path", "stdout")
}

func validate(config *Config) error {
	if config.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if config.Feed.APIURL == "" {
		return fmt.Errorf("feed.api_url is required")
	}
	if config.Feed.DumpURL == "" {
		return fmt.Errorf("feed.dump_url is required")
	}
	if config.Feed.MaxRetries < 1 {
		return fmt.Errorf("feed.max_retries must be at least 1")
	}
	if config.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1")
	}
	if config.Sync.ParallelThreshold < 1 {
		return fmt.Errorf("sync.parallel_threshold must be at least 1")
	}
	return nil
}

// GetConnectionString returns a PostgreSQL connection string
func (c *DatabaseConfig) GetConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
