package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"lovecal/internal/apperr"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// RedisConfig points at the durable settings store. An empty Addr selects
// the in-memory stores (development / -once runs).
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// RemoteConfig describes the remote document store API.
type RemoteConfig struct {
	BaseURL  string        `yaml:"base_url" json:"base_url" validate:"omitempty,url"`
	Token    string        `yaml:"token" json:"token"`
	PageSize int           `yaml:"page_size" json:"page_size" validate:"gt=0,max=1000"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// SyncConfig controls the sync coordinator.
type SyncConfig struct {
	// Interval is the minimum time between two remote refreshes of the same
	// entity type.
	Interval time.Duration `yaml:"interval" json:"interval" validate:"gt=0"`
	// Scopes lists the couple ids refreshed by the cron scheduler.
	Scopes []string `yaml:"scopes" json:"scopes"`
	// SingleFlight deduplicates concurrent syncs of the same key.
	SingleFlight bool `yaml:"single_flight" json:"single_flight"`
}

// CacheConfig holds the validity windows of the TTL caches.
type CacheConfig struct {
	BudgetTTL     time.Duration `yaml:"budget_ttl" json:"budget_ttl" validate:"gt=0"`
	CoupleTTL     time.Duration `yaml:"couple_ttl" json:"couple_ttl" validate:"gt=0"`
	CalendarIDTTL time.Duration `yaml:"calendar_id_ttl" json:"calendar_id_ttl" validate:"gt=0"`
}

// FeedConfig is an external ICS subscription merged into the occurrence
// view (holidays, shift plans).
type FeedConfig struct {
	ID  string `yaml:"id" json:"id" validate:"required"`
	URL string `yaml:"url" json:"url" validate:"required,url"`
}

// CalendarConfig controls the batch calendar client.
type CalendarConfig struct {
	// Provider is "ics" (local file) or "http" (remote batch endpoint).
	Provider     string `yaml:"provider" json:"provider" validate:"oneof=ics http"`
	ICSPath      string `yaml:"ics_path" json:"ics_path"`
	BaseURL      string `yaml:"base_url" json:"base_url" validate:"omitempty,url"`
	Token        string `yaml:"token" json:"token"`
	CalendarID   string `yaml:"calendar_id" json:"calendar_id" validate:"required"`
	CallsPerMin  int    `yaml:"calls_per_minute" json:"calls_per_minute" validate:"gt=0"`
	ChunkSize    int    `yaml:"chunk_size" json:"chunk_size" validate:"gt=0,max=50"`
	BatchPolicy  string `yaml:"batch_policy" json:"batch_policy" validate:"oneof=fail_fast best_effort"`
	HorizonDays  int    `yaml:"horizon_days" json:"horizon_days" validate:"gt=0"`
	MaxRecurring int    `yaml:"max_occurrences" json:"max_occurrences" validate:"gt=0"`

	Feeds        []FeedConfig `yaml:"feeds" json:"feeds" validate:"dive"`
	FeedCacheDir string       `yaml:"feed_cache_dir" json:"feed_cache_dir"`
}

// GeneratorConfig points at the generative text provider.
type GeneratorConfig struct {
	Endpoint string        `yaml:"endpoint" json:"endpoint" validate:"omitempty,url"`
	APIKey   string        `yaml:"api_key" json:"api_key"`
	Model    string        `yaml:"model" json:"model"`
	Language string        `yaml:"language" json:"language" validate:"oneof=en de"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen" validate:"required"`

	// Timezone is the IANA timezone used as canonical display zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// used for the periodic full sync.
	RefreshCron string `yaml:"refresh" json:"refresh" validate:"required"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level" validate:"oneof=debug info warn error"`

	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Remote    RemoteConfig    `yaml:"remote" json:"remote"`
	Sync      SyncConfig      `yaml:"sync" json:"sync"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Calendar  CalendarConfig  `yaml:"calendar" json:"calendar"`
	Generator GeneratorConfig `yaml:"generator" json:"generator"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		Timezone:    "Europe/Berlin",
		RefreshCron: "*/15 * * * *",
		LogLevel:    "info",
		Redis: RedisConfig{
			KeyPrefix: "lovecal:",
		},
		Remote: RemoteConfig{
			PageSize: 500,
			Timeout:  15 * time.Second,
		},
		Sync: SyncConfig{
			Interval:     5 * time.Minute,
			Scopes:       []string{},
			SingleFlight: true,
		},
		Cache: CacheConfig{
			BudgetTTL:     5 * time.Minute,
			CoupleTTL:     5 * time.Minute,
			CalendarIDTTL: 24 * time.Hour,
		},
		Calendar: CalendarConfig{
			Provider:     "ics",
			ICSPath:      "./var/calendar.ics",
			CalendarID:   "primary",
			CallsPerMin:  100,
			ChunkSize:    50,
			BatchPolicy:  "fail_fast",
			HorizonDays:  30,
			MaxRecurring: 500,
			Feeds:        []FeedConfig{},
			FeedCacheDir: "./var/feed-cache",
		},
		Generator: GeneratorConfig{
			Model:    "gemini-pro",
			Language: "en",
			Timeout:  20 * time.Second,
		},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = def.Redis.KeyPrefix
	}
	if c.Remote.PageSize <= 0 {
		c.Remote.PageSize = def.Remote.PageSize
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = def.Remote.Timeout
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = def.Sync.Interval
	}
	if c.Sync.Scopes == nil {
		c.Sync.Scopes = []string{}
	}
	if c.Cache.BudgetTTL <= 0 {
		c.Cache.BudgetTTL = def.Cache.BudgetTTL
	}
	if c.Cache.CoupleTTL <= 0 {
		c.Cache.CoupleTTL = def.Cache.CoupleTTL
	}
	if c.Cache.CalendarIDTTL <= 0 {
		c.Cache.CalendarIDTTL = def.Cache.CalendarIDTTL
	}

	cal := &c.Calendar
	if cal.Provider == "" {
		cal.Provider = def.Calendar.Provider
	}
	if cal.ICSPath == "" {
		cal.ICSPath = def.Calendar.ICSPath
	}
	if cal.CalendarID == "" {
		cal.CalendarID = def.Calendar.CalendarID
	}
	if cal.CallsPerMin <= 0 {
		cal.CallsPerMin = def.Calendar.CallsPerMin
	}
	// Provider limit: never more than 50 operations per round trip.
	if cal.ChunkSize <= 0 || cal.ChunkSize > 50 {
		cal.ChunkSize = def.Calendar.ChunkSize
	}
	if cal.BatchPolicy == "" {
		cal.BatchPolicy = def.Calendar.BatchPolicy
	}
	if cal.HorizonDays <= 0 {
		cal.HorizonDays = def.Calendar.HorizonDays
	}
	if cal.MaxRecurring <= 0 {
		cal.MaxRecurring = def.Calendar.MaxRecurring
	}
	if cal.Feeds == nil {
		cal.Feeds = []FeedConfig{}
	}
	if cal.FeedCacheDir == "" {
		cal.FeedCacheDir = def.Calendar.FeedCacheDir
	}

	if c.Generator.Model == "" {
		c.Generator.Model = def.Generator.Model
	}
	if c.Generator.Language == "" {
		c.Generator.Language = def.Generator.Language
	}
	if c.Generator.Timeout <= 0 {
		c.Generator.Timeout = def.Generator.Timeout
	}
}

var validate = validator.New()

// Validate checks the normalized config. Failures are returned as an
// apperr ValidationError carrying one message per offending field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return apperr.ValidationFromValidator("config", err)
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML over DefaultConfig
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	// Start from the defaults so keys missing from the file (including
	// booleans like sync.single_flight) keep their default values.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
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

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data to path through a temp file in the same
// directory followed by a rename, leaving the file with 0600 permissions.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".lovecal-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
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

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
