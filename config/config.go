package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Model    ModelConfig    `yaml:"model"`
	Cache    CacheConfig    `yaml:"cache"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	SlowRequest     time.Duration `yaml:"slow_request"`
}

type DatabaseConfig struct {
	Driver  string        `yaml:"driver"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	// CreateTable runs CREATE TABLE IF NOT EXISTS at startup instead of relying on cmd/migrate
	CreateTable bool `yaml:"create_table"`
}

type ModelConfig struct {
	Path string `yaml:"path"`
}

type CacheConfig struct {
	// Size 0 disables the record cache
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	SampleRate int    `yaml:"sample_rate"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			SlowRequest:     time.Second,
		},
		Database: DatabaseConfig{
			Driver:      "sqlite3",
			URL:         "predictions.db",
			Timeout:     5 * time.Second,
			CreateTable: true,
		},
		Model: ModelConfig{
			Path: "artifacts/loan.yaml",
		},
		Cache: CacheConfig{
			Size: 1024,
		},
		Log: LogConfig{
			Level:      "INFO",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			SampleRate: 1,
		},
	}
}

// Load reads the YAML file named by CONFIG_FILE (if any) over the defaults,
// then applies environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error

	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Database.Driver = getEnv("DATABASE_DRIVER", c.Database.Driver)
	c.Model.Path = getEnv("MODEL_PATH", c.Model.Path)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)

	if c.Server.Port, err = getIntEnv("PORT", c.Server.Port); err != nil {
		return fmt.Errorf("invalid PORT: %w", err)
	}
	if c.Cache.Size, err = getIntEnv("CACHE_SIZE", c.Cache.Size); err != nil {
		return fmt.Errorf("invalid CACHE_SIZE: %w", err)
	}
	if c.Log.SampleRate, err = getIntEnv("ERROR_SAMPLE_RATE", c.Log.SampleRate); err != nil {
		return fmt.Errorf("invalid ERROR_SAMPLE_RATE: %w", err)
	}
	if c.Database.Timeout, err = getDurationEnv("STORE_TIMEOUT", c.Database.Timeout); err != nil {
		return fmt.Errorf("invalid STORE_TIMEOUT: %w", err)
	}
	return nil
}

// Validate rejects configurations the server cannot start with
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database url is required"))
	}
	if c.Database.Driver == "" {
		errs = append(errs, errors.New("database driver is required"))
	}
	if c.Database.Timeout <= 0 {
		errs = append(errs, errors.New("database timeout must be positive"))
	}
	if c.Model.Path == "" {
		errs = append(errs, errors.New("model path is required"))
	}
	if c.Cache.Size < 0 {
		errs = append(errs, errors.New("cache size cannot be negative"))
	}

	return errors.Join(errs...)
}

// Addr returns the listen address for the HTTP server
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getDurationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}
