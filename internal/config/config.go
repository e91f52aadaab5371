package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"rently/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Broker       BrokerConfig       `yaml:"broker"`
	Backup       BackupConfig       `yaml:"backup"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Logging      LoggingConfig      `yaml:"logging"`
	API          APIConfig          `yaml:"api"`
	Reservations ReservationsConfig `yaml:"reservations"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	CatalogPath  string             `yaml:"catalog_path"`
}

type APIConfig struct {
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Port int `yaml:"port"`
}

type APIAuthConfig struct {
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

// APIClientKey binds a credential to the account it acts as.
type APIClientKey struct {
	Key       string `yaml:"key"`
	Name      string `yaml:"name"`
	AccountID int64  `yaml:"account_id"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
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
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BrokerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Interval      string `yaml:"interval"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
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

type ReservationsConfig struct {
	// Timezone anchors calendar dates to instants for the cancellation window.
	Timezone           string `yaml:"timezone"`
	CancellationWindow string `yaml:"cancellation_window"`
	LockTTL            string `yaml:"lock_ttl"`
	LockWait           string `yaml:"lock_wait"`
}

type SchedulerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
}

func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

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
	if c.Broker.Enabled && c.Broker.URL == "" {
		return errors.New("broker url is required when broker is enabled")
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return errors.New("redis address is required when redis is enabled")
	}
	if _, err := c.Reservations.Location(); err != nil {
		return err
	}
	for name, raw := range map[string]string{
		"reservations.cancellation_window": c.Reservations.CancellationWindow,
		"reservations.lock_ttl":            c.Reservations.LockTTL,
		"reservations.lock_wait":           c.Reservations.LockWait,
		"scheduler.interval":               c.Scheduler.Interval,
	} {
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %q", name, raw)
		}
	}
	return ValidateAPIKeys(c.API.Auth.APIKeys)
}

func ValidateAPIKeys(keys []APIClientKey) error {
	seen := make(map[string]bool)
	for _, k := range keys {
		if k.Key == "" {
			return fmt.Errorf("api key '%s' is empty", k.Name)
		}
		if k.AccountID <= 0 {
			return fmt.Errorf("api key '%s' has invalid account id %d", k.Name, k.AccountID)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for '%s'", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 10
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 20
	}
	if c.Broker.Exchange == "" {
		c.Broker.Exchange = "rently.reservations"
	}
	if c.Backup.Interval == "" {
		c.Backup.Interval = "24h"
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}
	if c.Reservations.Timezone == "" {
		c.Reservations.Timezone = "UTC"
	}
	if c.Reservations.CancellationWindow == "" {
		c.Reservations.CancellationWindow = models.DefaultCancellationWindow
	}
	if c.Reservations.LockTTL == "" {
		c.Reservations.LockTTL = models.DefaultLockTTL
	}
	if c.Reservations.LockWait == "" {
		c.Reservations.LockWait = models.DefaultLockWait
	}
	if c.Scheduler.Interval == "" {
		c.Scheduler.Interval = models.DefaultCompletionInterval
	}
	if c.CatalogPath == "" {
		c.CatalogPath = "configs/catalog.yaml"
	}
}

func (r ReservationsConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid reservations timezone %q: %w", r.Timezone, err)
	}
	return loc, nil
}

// Durations returns the parsed cancellation window, lock TTL and lock wait.
// Call only on a validated config.
func (r ReservationsConfig) Durations() (window, ttl, wait time.Duration) {
	window, _ = time.ParseDuration(r.CancellationWindow)
	ttl, _ = time.ParseDuration(r.LockTTL)
	wait, _ = time.ParseDuration(r.LockWait)
	return window, ttl, wait
}

func (s SchedulerConfig) IntervalDuration() time.Duration {
	d, err := time.ParseDuration(s.Interval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}
