// Package config loads meetsync settings from a YAML file with MEETSYNC_*
// environment overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cyp0633/meetsync/davclient"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is where the CLI looks for a config file.
	DefaultPath = "./meetsync.yaml"

	DefaultContainer     = "meetings"
	DefaultTimeout       = 30 * time.Second
	DefaultConcurrency   = 4
	DefaultCatchUpSpec   = "@every 5m"
	DefaultCatchUpLimit  = 100
	DefaultStorageDriver = DriverSQLite
	DefaultSQLitePath    = "./meetsync.db"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the meetsync configuration.
type Config struct {
	Remote        RemoteConfig   `yaml:"remote"`
	Storage       StorageConfig  `yaml:"storage"`
	Sync          SyncConfig     `yaml:"sync"`
	CatchUp       CatchUpConfig  `yaml:"catchup"`
	Organizations []Organization `yaml:"organizations"`
	LogLevel      string         `yaml:"log_level"`
}

// RemoteConfig describes the CalDAV server.
type RemoteConfig struct {
	BaseURL          string        `yaml:"base_url"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	Timeout          time.Duration `yaml:"timeout"`
	DefaultContainer string        `yaml:"default_container"`
}

// StorageConfig selects the local store.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `yaml:"dsn"`
}

// SyncConfig tunes batch pushes.
type SyncConfig struct {
	Concurrency       int     `yaml:"concurrency"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// Schedule is a cron spec for organization passes; empty disables them.
	Schedule string `yaml:"schedule"`
}

// CatchUpConfig tunes the periodic webhook catch-up.
type CatchUpConfig struct {
	Schedule string `yaml:"schedule"`
	Limit    int    `yaml:"limit"`
}

// Organization overrides the container or credentials of one organization
// and opts it into scheduled passes.
type Organization struct {
	ID        string `yaml:"id"`
	Container string `yaml:"container"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Remote: RemoteConfig{
			Timeout:          DefaultTimeout,
			DefaultContainer: DefaultContainer,
		},
		Storage: StorageConfig{
			Driver: DefaultStorageDriver,
			DSN:    DefaultSQLitePath,
		},
		Sync: SyncConfig{
			Concurrency: DefaultConcurrency,
		},
		CatchUp: CatchUpConfig{
			Schedule: DefaultCatchUpSpec,
			Limit:    DefaultCatchUpLimit,
		},
		LogLevel: "info",
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			// Config file doesn't exist - use defaults
		default:
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if cfg.Remote.DefaultContainer == "" {
		cfg.Remote.DefaultContainer = DefaultContainer
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Remote.BaseURL = stringEnv("MEETSYNC_REMOTE_URL", c.Remote.BaseURL)
	c.Remote.Username = stringEnv("MEETSYNC_REMOTE_USERNAME", c.Remote.Username)
	c.Remote.Password = stringEnv("MEETSYNC_REMOTE_PASSWORD", c.Remote.Password)
	c.Remote.Timeout = durationEnv("MEETSYNC_REMOTE_TIMEOUT", c.Remote.Timeout)
	c.Remote.DefaultContainer = stringEnv("MEETSYNC_CONTAINER", c.Remote.DefaultContainer)
	c.Storage.Driver = stringEnv("MEETSYNC_STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.DSN = stringEnv("MEETSYNC_STORAGE_DSN", c.Storage.DSN)
	c.Sync.Concurrency = intEnv("MEETSYNC_SYNC_CONCURRENCY", c.Sync.Concurrency)
	c.Sync.RequestsPerSecond = floatEnv("MEETSYNC_SYNC_RPS", c.Sync.RequestsPerSecond)
	c.Sync.Burst = intEnv("MEETSYNC_SYNC_BURST", c.Sync.Burst)
	c.Sync.Schedule = stringEnv("MEETSYNC_SYNC_SCHEDULE", c.Sync.Schedule)
	c.CatchUp.Schedule = stringEnv("MEETSYNC_CATCHUP_SCHEDULE", c.CatchUp.Schedule)
	c.CatchUp.Limit = intEnv("MEETSYNC_CATCHUP_LIMIT", c.CatchUp.Limit)
	c.LogLevel = stringEnv("MEETSYNC_LOG_LEVEL", c.LogLevel)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Remote.BaseURL == "" {
		errs = append(errs, errors.New("remote.base_url is required"))
	} else if u, err := url.Parse(c.Remote.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("remote.base_url %q must be an absolute URL", c.Remote.BaseURL))
	}
	if c.Remote.Timeout < 0 {
		errs = append(errs, errors.New("remote.timeout cannot be negative"))
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for driver %s", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	if c.Sync.Concurrency < 0 {
		errs = append(errs, errors.New("sync.concurrency cannot be negative"))
	}
	if c.Sync.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("sync.requests_per_second cannot be negative"))
	}
	if c.Sync.Schedule != "" {
		if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid sync.schedule: %w", err))
		}
	}
	if c.CatchUp.Schedule != "" {
		if _, err := cron.ParseStandard(c.CatchUp.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid catchup.schedule: %w", err))
		}
	}
	if c.CatchUp.Limit < 0 {
		errs = append(errs, errors.New("catchup.limit cannot be negative"))
	}

	seen := make(map[string]bool)
	for i, org := range c.Organizations {
		if org.ID == "" {
			errs = append(errs, fmt.Errorf("organizations[%d].id is required", i))
			continue
		}
		if seen[org.ID] {
			errs = append(errs, fmt.Errorf("organization %q is listed twice", org.ID))
		}
		seen[org.ID] = true
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", s)
	}
	return level, nil
}

func (c *Config) organization(id string) (Organization, bool) {
	for _, org := range c.Organizations {
		if org.ID == id {
			return org, true
		}
	}
	return Organization{}, false
}

// ContainerFor returns the container name for an organization.
func (c *Config) ContainerFor(organizationID string) string {
	if org, ok := c.organization(organizationID); ok && org.Container != "" {
		return org.Container
	}
	return c.Remote.DefaultContainer
}

// Credentials returns the organization's credentials, falling back to the
// remote section.
func (c *Config) Credentials(_ context.Context, organizationID string) (davclient.Credentials, error) {
	creds := davclient.Credentials{Username: c.Remote.Username, Password: c.Remote.Password}
	if org, ok := c.organization(organizationID); ok && org.Username != "" {
		creds = davclient.Credentials{Username: org.Username, Password: org.Password}
	}
	if creds.Username == "" {
		return creds, fmt.Errorf("no credentials configured for organization %q", organizationID)
	}
	return creds, nil
}

// OrganizationIDs returns the organizations listed in the file, in order.
func (c *Config) OrganizationIDs() []string {
	ids := make([]string, 0, len(c.Organizations))
	for _, org := range c.Organizations {
		ids = append(ids, org.ID)
	}
	return ids
}

func stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
