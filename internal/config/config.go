// Package config provides configuration management for mailvault.
// Settings start from built-in defaults, are optionally overlaid by a YAML
// file, and are finally overridden by environment variables with the
// MAILVAULT_ prefix.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the environment variable holding the YAML file path.
const ConfigFileEnv = "MAILVAULT_CONFIG"

// Config holds all configuration settings for mailvault.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Objects ObjectsConfig `yaml:"objects"`
	Backup  BackupConfig  `yaml:"backup"`
	Breaker BreakerConfig `yaml:"breaker"`
	Log     LogConfig     `yaml:"log"`
}

// StorageConfig selects the key-value backend holding the live stores.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // sqlite or postgres (default: sqlite)
	DataPath    string `yaml:"data_path"`    // Directory for the SQLite file (default: ./data)
	PostgresDSN string `yaml:"postgres_dsn"` // Required when Engine is postgres
}

// ObjectsConfig selects where archives are stored.
type ObjectsConfig struct {
	Backend  string `yaml:"backend"`  // sqlite or s3 (default: sqlite)
	Bucket   string `yaml:"bucket"`   // Required when Backend is s3
	Region   string `yaml:"region"`   // AWS region (default: us-east-1)
	Endpoint string `yaml:"endpoint"` // Optional S3-compatible endpoint
}

// BackupConfig contains backup configuration.
type BackupConfig struct {
	Interval        string  `yaml:"interval"`          // Scheduled backup interval (default: 24h)
	Type            string  `yaml:"type"`              // Tier of scheduled archives (default: daily)
	Generational    bool    `yaml:"generational"`      // Promote instead of plain cleanup (default: true)
	MaintenanceRate float64 `yaml:"maintenance_rate"`  // Object deletes/promotions per second, 0 = unlimited (default: 5)
	ExportPageSize  int     `yaml:"export_page_size"`  // Key listing page size (default: 1000)
	ImportBatchSize int     `yaml:"import_batch_size"` // Concurrent writes per restore batch (default: 100)
	JournalEnabled  bool    `yaml:"journal_enabled"`   // Record runs in the backup_runs table (default: true)
}

// BreakerConfig guards the object store with a circuit breaker.
type BreakerConfig struct {
	Enabled     bool   `yaml:"enabled"`      // (default: true)
	MaxFailures int    `yaml:"max_failures"` // Consecutive failures before opening (default: 5)
	Timeout     string `yaml:"timeout"`      // Open-state duration (default: 30s)
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn or error (default: info)
	Format string `yaml:"format"` // text or json (default: text)
}

// LoadConfig loads configuration from the file named by MAILVAULT_CONFIG, if
// any, and environment variables.
func LoadConfig() (*Config, error) {
	return Load("")
}

// Load reads the YAML file at path (or at $MAILVAULT_CONFIG when path is
// empty), applies environment overrides and validates the result. A missing
// path means defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv(ConfigFileEnv)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		Objects: ObjectsConfig{
			Backend: "sqlite",
			Region:  "us-east-1",
		},
		Backup: BackupConfig{
			Interval:        "24h",
			Type:            "daily",
			Generational:    true,
			MaintenanceRate: 5,
			ExportPageSize:  1000,
			ImportBatchSize: 100,
			JournalEnabled:  true,
		},
		Breaker: BreakerConfig{
			Enabled:     true,
			MaxFailures: 5,
			Timeout:     "30s",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// applyEnv overrides cfg with any MAILVAULT_ variables that are set.
func applyEnv(cfg *Config) {
	cfg.Storage.Engine = getEnv("MAILVAULT_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.DataPath = getEnv("MAILVAULT_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.PostgresDSN = getEnv("MAILVAULT_POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.Objects.Backend = getEnv("MAILVAULT_OBJECTS_BACKEND", cfg.Objects.Backend)
	cfg.Objects.Bucket = getEnv("MAILVAULT_S3_BUCKET", cfg.Objects.Bucket)
	cfg.Objects.Region = getEnv("MAILVAULT_S3_REGION", cfg.Objects.Region)
	cfg.Objects.Endpoint = getEnv("MAILVAULT_S3_ENDPOINT", cfg.Objects.Endpoint)

	cfg.Backup.Interval = getEnv("MAILVAULT_BACKUP_INTERVAL", cfg.Backup.Interval)
	cfg.Backup.Type = getEnv("MAILVAULT_BACKUP_TYPE", cfg.Backup.Type)
	cfg.Backup.Generational = getEnvBool("MAILVAULT_BACKUP_GENERATIONAL", cfg.Backup.Generational)
	cfg.Backup.MaintenanceRate = getEnvFloat("MAILVAULT_MAINTENANCE_RATE", cfg.Backup.MaintenanceRate)
	cfg.Backup.ExportPageSize = getEnvInt("MAILVAULT_EXPORT_PAGE_SIZE", cfg.Backup.ExportPageSize)
	cfg.Backup.ImportBatchSize = getEnvInt("MAILVAULT_IMPORT_BATCH_SIZE", cfg.Backup.ImportBatchSize)
	cfg.Backup.JournalEnabled = getEnvBool("MAILVAULT_JOURNAL_ENABLED", cfg.Backup.JournalEnabled)

	cfg.Breaker.Enabled = getEnvBool("MAILVAULT_BREAKER_ENABLED", cfg.Breaker.Enabled)
	cfg.Breaker.MaxFailures = getEnvInt("MAILVAULT_BREAKER_MAX_FAILURES", cfg.Breaker.MaxFailures)
	cfg.Breaker.Timeout = getEnv("MAILVAULT_BREAKER_TIMEOUT", cfg.Breaker.Timeout)

	cfg.Log.Level = getEnv("MAILVAULT_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("MAILVAULT_LOG_FORMAT", cfg.Log.Format)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("config: storage.postgres_dsn is required for the postgres engine")
		}
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}

	switch c.Objects.Backend {
	case "sqlite":
	case "s3":
		if c.Objects.Bucket == "" {
			return errors.New("config: objects.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("config: unknown objects backend %q", c.Objects.Backend)
	}

	if d, err := time.ParseDuration(c.Backup.Interval); err != nil || d <= 0 {
		return fmt.Errorf("config: invalid backup interval %q", c.Backup.Interval)
	}
	switch c.Backup.Type {
	case "daily", "weekly", "monthly", "manual":
	default:
		return fmt.Errorf("config: backup type %q cannot be scheduled", c.Backup.Type)
	}
	if c.Backup.MaintenanceRate < 0 {
		return errors.New("config: maintenance rate must not be negative")
	}

	if c.Breaker.Enabled {
		if _, err := time.ParseDuration(c.Breaker.Timeout); err != nil {
			return fmt.Errorf("config: invalid breaker timeout %q", c.Breaker.Timeout)
		}
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// SQLitePath is the database file used by the sqlite engine and backend.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.Storage.DataPath, "mailvault.db")
}

// BackupInterval returns the parsed backup interval.
func (c *Config) BackupInterval() time.Duration {
	d, _ := time.ParseDuration(c.Backup.Interval)
	return d
}

// BreakerTimeout returns the parsed breaker timeout.
func (c *Config) BreakerTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Breaker.Timeout)
	return d
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat is getEnvInt for floating-point values.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
// If the environment variable exists but cannot be parsed as a boolean,
// it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
