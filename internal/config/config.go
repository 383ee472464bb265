package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/caarlos0/env"
	"gopkg.in/yaml.v3"
)

// Defaults applied by DefaultConfig and Normalize.
const (
	DefaultListen         = "127.0.0.1:8080"
	DefaultTimezone       = "Europe/Kyiv"
	DefaultEndpoint       = "https://schedule.kse.ua/uk/index/ical"
	DefaultHorizonDays    = 30
	DefaultMaxGroups      = 20
	DefaultRefreshCron    = "*/30 * * * *"
	DefaultRequestTimeout = 15 * time.Second
	DefaultCacheDir       = "cache"
	DefaultGroupsFile     = "groups.txt"
	DefaultSelectionFile  = "selection"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for timestamps without TZID and for
	// grouping events into days.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Endpoint is the calendar export URL; group ids and the end date are
	// appended as query parameters.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// HorizonDays is how far ahead the requested window ends.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// MaxGroups is the largest selection the API accepts and a refresh
	// fetches.
	MaxGroups int `yaml:"max_groups" json:"max_groups"`

	// RefreshCron is a cron-style schedule string (e.g. "*/30 * * * *")
	// used for periodic refresh. "-" disables scheduled refresh.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// RequestTimeout bounds a single retrieval.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// CacheDir stores the last response per URL for conditional requests.
	// "-" disables the cache. Relative paths resolve against the config
	// file's directory.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// GroupsFile is the "id : name" group directory.
	GroupsFile string `yaml:"groups_file" json:"groups_file"`

	// SelectionFile persists the selected group ids.
	SelectionFile string `yaml:"selection_file" json:"selection_file"`

	// SortWithinDay orders each day's events by start time instead of feed
	// order.
	SortWithinDay bool `yaml:"sort_within_day" json:"sort_within_day"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	// dir is the directory of the file the config was loaded from.
	dir string
}

// envOverrides lists the KSE_* variables that take precedence over the
// file. Unset variables leave the file value alone.
type envOverrides struct {
	Listen         string `env:"KSE_LISTEN"`
	Timezone       string `env:"KSE_TIMEZONE"`
	Endpoint       string `env:"KSE_ENDPOINT"`
	HorizonDays    int    `env:"KSE_HORIZON_DAYS"`
	MaxGroups      int    `env:"KSE_MAX_GROUPS"`
	RefreshCron    string `env:"KSE_REFRESH"`
	RequestTimeout string `env:"KSE_REQUEST_TIMEOUT"`
	CacheDir       string `env:"KSE_CACHE_DIR"`
	GroupsFile     string `env:"KSE_GROUPS_FILE"`
	SelectionFile  string `env:"KSE_SELECTION_FILE"`
	SortWithinDay  string `env:"KSE_SORT_WITHIN_DAY"`
	LogLevel       string `env:"KSE_LOG_LEVEL"`
	LogFormat      string `env:"KSE_LOG_FORMAT"`
	BasicAuthUser  string `env:"KSE_BASIC_AUTH_USERNAME"`
	BasicAuthPass  string `env:"KSE_BASIC_AUTH_PASSWORD"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:         DefaultListen,
		Timezone:       DefaultTimezone,
		Endpoint:       DefaultEndpoint,
		HorizonDays:    DefaultHorizonDays,
		MaxGroups:      DefaultMaxGroups,
		RefreshCron:    DefaultRefreshCron,
		RequestTimeout: DefaultRequestTimeout,
		CacheDir:       DefaultCacheDir,
		GroupsFile:     DefaultGroupsFile,
		SelectionFile:  DefaultSelectionFile,
		SortWithinDay:  false,
		LogLevel:       DefaultLogLevel,
		LogFormat:      DefaultLogFormat,
		BasicAuth:      nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = DefaultHorizonDays
	}
	if c.MaxGroups <= 0 {
		c.MaxGroups = DefaultMaxGroups
	}
	if c.RefreshCron == "" {
		c.RefreshCron = DefaultRefreshCron
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.CacheDir == "" {
		c.CacheDir = DefaultCacheDir
	}
	if c.GroupsFile == "" {
		c.GroupsFile = DefaultGroupsFile
	}
	if c.SelectionFile == "" {
		c.SelectionFile = DefaultSelectionFile
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = DefaultLogLevel
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		c.LogFormat = DefaultLogFormat
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" && c.BasicAuth.Password == "" {
		c.BasicAuth = nil
	}
}

// ApplyEnv overlays KSE_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	setString(&c.Listen, o.Listen)
	setString(&c.Timezone, o.Timezone)
	setString(&c.Endpoint, o.Endpoint)
	setString(&c.RefreshCron, o.RefreshCron)
	setString(&c.CacheDir, o.CacheDir)
	setString(&c.GroupsFile, o.GroupsFile)
	setString(&c.SelectionFile, o.SelectionFile)
	setString(&c.LogLevel, o.LogLevel)
	setString(&c.LogFormat, o.LogFormat)

	if o.HorizonDays > 0 {
		c.HorizonDays = o.HorizonDays
	}
	if o.MaxGroups > 0 {
		c.MaxGroups = o.MaxGroups
	}
	if o.RequestTimeout != "" {
		d, err := time.ParseDuration(o.RequestTimeout)
		if err != nil {
			return fmt.Errorf("KSE_REQUEST_TIMEOUT: %w", err)
		}
		c.RequestTimeout = d
	}
	if o.SortWithinDay != "" {
		v, err := strconv.ParseBool(o.SortWithinDay)
		if err != nil {
			return fmt.Errorf("KSE_SORT_WITHIN_DAY: %w", err)
		}
		c.SortWithinDay = v
	}
	if o.BasicAuthUser != "" || o.BasicAuthPass != "" {
		c.BasicAuth = &BasicAuthConfig{Username: o.BasicAuthUser, Password: o.BasicAuthPass}
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// ResolvePath makes p absolute relative to the config file's directory.
// Empty and "-" are returned as "" (disabled).
func (c *Config) ResolvePath(p string) string {
	if p == "" || p == "-" {
		return ""
	}
	if filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - In both cases KSE_* environment overrides are applied and defaults
//     normalized. Overrides are never written back to the file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	cfg, err := readOrCreate(path)
	if err != nil {
		return cfg, err
	}
	cfg.dir = filepath.Dir(path)

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

func readOrCreate(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".kseschedule-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
