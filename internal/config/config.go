// ABOUTME: Configuration loading and parsing for widget-console
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/widget-console/internal/backend"
	"github.com/2389/widget-console/internal/permission"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "WIDGET_CONSOLE_CONFIG"

// Config represents the complete widget-console configuration
type Config struct {
	Backend     BackendConfig     `yaml:"backend" toml:"backend"`
	Session     SessionConfig     `yaml:"session" toml:"session"`
	Guard       GuardConfig       `yaml:"guard" toml:"guard"`
	Permissions PermissionsConfig `yaml:"permissions" toml:"permissions"`
	Store       StoreConfig       `yaml:"store" toml:"store"`
	Web         WebConfig         `yaml:"web" toml:"web"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// BackendConfig describes the REST backend the console talks to
type BackendConfig struct {
	BaseURL      string            `yaml:"base_url" toml:"base_url"`
	UserAgent    string            `yaml:"user_agent" toml:"user_agent"`
	CSRFAttempts int               `yaml:"csrf_attempts" toml:"csrf_attempts"`
	Endpoints    backend.Endpoints `yaml:"endpoints" toml:"endpoints"`

	Timeout     time.Duration `yaml:"-" toml:"-"`
	CSRFBackoff time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TimeoutRaw     string `yaml:"timeout" toml:"timeout"`
	CSRFBackoffRaw string `yaml:"csrf_backoff" toml:"csrf_backoff"`
}

// SessionConfig holds session clock timing
type SessionConfig struct {
	PollInterval     time.Duration `yaml:"-" toml:"-"`
	WarningThreshold time.Duration `yaml:"-" toml:"-"`
	RequestTimeout   time.Duration `yaml:"-" toml:"-"`

	PollIntervalRaw     string `yaml:"poll_interval" toml:"poll_interval"`
	WarningThresholdRaw string `yaml:"warning_threshold" toml:"warning_threshold"`
	RequestTimeoutRaw   string `yaml:"request_timeout" toml:"request_timeout"`
}

// GuardConfig holds route guard tuning
type GuardConfig struct {
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts"`

	GraceWindow  time.Duration `yaml:"-" toml:"-"`
	RefreshEvery time.Duration `yaml:"-" toml:"-"`

	GraceWindowRaw  string `yaml:"grace_window" toml:"grace_window"`
	RefreshEveryRaw string `yaml:"refresh_every" toml:"refresh_every"`
}

// PermissionsConfig layers extra aliases over the built-in table
type PermissionsConfig struct {
	Aliases permission.Aliases `yaml:"aliases" toml:"aliases"`
}

// StoreConfig selects where tokens live
type StoreConfig struct {
	// Driver is one of memory, file or sqlite
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
	// SessionPath is the file driver's session-scoped file
	SessionPath string `yaml:"session_path" toml:"session_path"`
}

// WebConfig holds the console-web listener settings
type WebConfig struct {
	Addr         string `yaml:"addr" toml:"addr"`
	CookieSecure bool   `yaml:"cookie_secure" toml:"cookie_secure"`
	HelpDir      string `yaml:"help_dir" toml:"help_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Store drivers
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// Defaults returns a configuration that works against a local backend.
func Defaults() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8000",
			CSRFAttempts:   2,
			Endpoints:      backend.DefaultEndpoints(),
			TimeoutRaw:     "10s",
			CSRFBackoffRaw: "250ms",
		},
		Session: SessionConfig{
			PollIntervalRaw:     "10s",
			WarningThresholdRaw: "5m",
			RequestTimeoutRaw:   "15s",
		},
		Guard: GuardConfig{
			MaxAttempts:     3,
			GraceWindowRaw:  "5s",
			RefreshEveryRaw: "1s",
		},
		Store:   StoreConfig{Driver: DriverFile},
		Web:     WebConfig{Addr: "127.0.0.1:8090"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML. Values
// missing from the file keep their defaults. Environment variables in the
// format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(string(data), strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes config text; isTOML selects the format.
func Parse(text string, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(text)

	cfg := Defaults()
	if isTOML {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return finish(cfg)
}

// LoadOrDefault loads path when set, otherwise returns defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return finish(Defaults())
	}
	return Load(path)
}

func finish(cfg *Config) (*Config, error) {
	cfg.Backend.Endpoints = cfg.Backend.Endpoints.WithDefaults()

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return errors.New("backend.base_url is required")
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend.base_url must be an http(s) URL, got %q", c.Backend.BaseURL)
	}

	if c.Backend.CSRFAttempts < 1 {
		return errors.New("backend.csrf_attempts must be at least 1")
	}
	if c.Guard.MaxAttempts < 1 {
		return errors.New("guard.max_attempts must be at least 1")
	}

	switch c.Store.Driver {
	case DriverMemory, DriverFile:
	case DriverSQLite:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("store.driver must be memory, file or sqlite, got %q", c.Store.Driver)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"backend.timeout", cfg.Backend.TimeoutRaw, &cfg.Backend.Timeout},
		{"backend.csrf_backoff", cfg.Backend.CSRFBackoffRaw, &cfg.Backend.CSRFBackoff},
		{"session.poll_interval", cfg.Session.PollIntervalRaw, &cfg.Session.PollInterval},
		{"session.warning_threshold", cfg.Session.WarningThresholdRaw, &cfg.Session.WarningThreshold},
		{"session.request_timeout", cfg.Session.RequestTimeoutRaw, &cfg.Session.RequestTimeout},
		{"guard.grace_window", cfg.Guard.GraceWindowRaw, &cfg.Guard.GraceWindow},
		{"guard.refresh_every", cfg.Guard.RefreshEveryRaw, &cfg.Guard.RefreshEvery},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}

// Aliases returns the built-in alias table with configured entries layered on top.
func (c *Config) Aliases() permission.Aliases {
	return permission.DefaultAliases().Merge(c.Permissions.Aliases)
}

// FindConfigPath returns the config file to load.
// Priority: explicit flag > WIDGET_CONSOLE_CONFIG > ./console.yaml > XDG_CONFIG_HOME/widget-console/config.yaml.
// An empty result means no file was found and defaults apply.
func FindConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}
	for _, candidate := range []string{"console.yaml", "console.toml"} {
		if fileExists(candidate) {
			return candidate
		}
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	for _, name := range []string{"config.yaml", "config.toml"} {
		candidate := filepath.Join(configDir, "widget-console", name)
		if fileExists(candidate) {
			return candidate
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
