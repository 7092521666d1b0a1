package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DateLayout is the format of school-year boundary dates.
const DateLayout = "2006-01-02"

// CalendarConfig describes the remote school calendar feed.
type CalendarConfig struct {
	// URL is the ICS feed endpoint. webcal:// is accepted.
	URL string `yaml:"url" mapstructure:"url"`

	// SchoolYearStart / SchoolYearEnd bound school days (inclusive, YYYY-MM-DD).
	SchoolYearStart string `yaml:"school_year_start" mapstructure:"school_year_start"`
	SchoolYearEnd   string `yaml:"school_year_end" mapstructure:"school_year_end"`

	// MaxAge is how old the cached calendar may get before a refresh.
	MaxAge time.Duration `yaml:"max_age" mapstructure:"max_age"`

	// RefreshCron is the cron spec of the staleness check job.
	RefreshCron string `yaml:"refresh" mapstructure:"refresh"`

	// CacheDir holds the HTTP cache of the raw feed.
	CacheDir string `yaml:"cache_dir" mapstructure:"cache_dir"`

	// LookaheadDays is how many upcoming school days a reschedule considers.
	LookaheadDays int `yaml:"lookahead_days" mapstructure:"lookahead_days"`
}

// RedisConfig is used when Store.Driver is "redis".
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

// StoreConfig selects the key/value backend for persisted state.
type StoreConfig struct {
	// Driver is one of "sqlite" (default), "redis", "memory".
	Driver string      `yaml:"driver" mapstructure:"driver"`
	Path   string      `yaml:"path" mapstructure:"path"`
	Redis  RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// NotificationsConfig sizes the notification queue.
type NotificationsConfig struct {
	Ceiling       int           `yaml:"ceiling" mapstructure:"ceiling"`
	SafetyMargin  int           `yaml:"safety_margin" mapstructure:"safety_margin"`
	ChainSize     int           `yaml:"chain_size" mapstructure:"chain_size"`
	ChainInterval time.Duration `yaml:"chain_interval" mapstructure:"chain_interval"`
	SnoozeDelay   time.Duration `yaml:"snooze_delay" mapstructure:"snooze_delay"`
}

// SlackConfig enables delivery of fired alarms to a Slack channel.
type SlackConfig struct {
	Token   string `yaml:"token" mapstructure:"token"`
	Channel string `yaml:"channel" mapstructure:"channel"`
}

// BasicAuthConfig protects the HTTP API. PasswordHash is an argon2id hash
// produced by `schoolalarm hash-password`.
type BasicAuthConfig struct {
	Username     string `yaml:"username" mapstructure:"username"`
	PasswordHash string `yaml:"password_hash" mapstructure:"password_hash"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" mapstructure:"listen"`

	// Timezone is the IANA zone in which school days and alarm times are
	// interpreted. Floating and all-day ICS values use it too.
	Timezone string `yaml:"timezone" mapstructure:"timezone"`

	Calendar      CalendarConfig      `yaml:"calendar" mapstructure:"calendar"`
	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	Notifications NotificationsConfig `yaml:"notifications" mapstructure:"notifications"`
	Slack         SlackConfig         `yaml:"slack" mapstructure:"slack"`
	BasicAuth     *BasicAuthConfig    `yaml:"basic_auth,omitempty" mapstructure:"basic_auth"`
	Log           LogConfig           `yaml:"log" mapstructure:"log"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:8080",
		Timezone: "America/Los_Angeles",
		Calendar: CalendarConfig{
			SchoolYearStart: "2026-08-19",
			SchoolYearEnd:   "2027-06-10",
			MaxAge:          24 * time.Hour,
			RefreshCron:     "*/15 * * * *",
			CacheDir:        "./var/ics-cache",
			LookaheadDays:   60,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "./var/schoolalarm.db",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "schoolalarm:",
			},
		},
		Notifications: NotificationsConfig{
			Ceiling:       64,
			SafetyMargin:  4,
			ChainSize:     3,
			ChainInterval: 30 * time.Second,
			SnoozeDelay:   9 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("listen", d.Listen)
	v.SetDefault("timezone", d.Timezone)

	v.SetDefault("calendar.url", "")
	v.SetDefault("calendar.school_year_start", d.Calendar.SchoolYearStart)
	v.SetDefault("calendar.school_year_end", d.Calendar.SchoolYearEnd)
	v.SetDefault("calendar.max_age", d.Calendar.MaxAge)
	v.SetDefault("calendar.refresh", d.Calendar.RefreshCron)
	v.SetDefault("calendar.cache_dir", d.Calendar.CacheDir)
	v.SetDefault("calendar.lookahead_days", d.Calendar.LookaheadDays)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.redis.addr", d.Store.Redis.Addr)
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", d.Store.Redis.Prefix)

	v.SetDefault("notifications.ceiling", d.Notifications.Ceiling)
	v.SetDefault("notifications.safety_margin", d.Notifications.SafetyMargin)
	v.SetDefault("notifications.chain_size", d.Notifications.ChainSize)
	v.SetDefault("notifications.chain_interval", d.Notifications.ChainInterval)
	v.SetDefault("notifications.snooze_delay", d.Notifications.SnoozeDelay)

	v.SetDefault("slack.token", "")
	v.SetDefault("slack.channel", "")

	v.SetDefault("basic_auth.username", "")
	v.SetDefault("basic_auth.password_hash", "")

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.Calendar.MaxAge <= 0 {
		c.Calendar.MaxAge = d.Calendar.MaxAge
	}
	if c.Calendar.RefreshCron == "" {
		c.Calendar.RefreshCron = d.Calendar.RefreshCron
	}
	if c.Calendar.LookaheadDays <= 0 {
		c.Calendar.LookaheadDays = d.Calendar.LookaheadDays
	}
	switch c.Store.Driver {
	case "sqlite", "redis", "memory":
	default:
		c.Store.Driver = d.Store.Driver
	}
	n := &c.Notifications
	if n.Ceiling <= 0 {
		n.Ceiling = d.Notifications.Ceiling
	}
	if n.SafetyMargin < 0 || n.SafetyMargin >= n.Ceiling {
		n.SafetyMargin = d.Notifications.SafetyMargin
	}
	if n.ChainSize <= 0 {
		n.ChainSize = d.Notifications.ChainSize
	}
	if n.ChainInterval <= 0 {
		n.ChainInterval = d.Notifications.ChainInterval
	}
	if n.SnoozeDelay <= 0 {
		n.SnoozeDelay = d.Notifications.SnoozeDelay
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.PasswordHash == "") {
		c.BasicAuth = nil
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: invalid timezone %q: %w", c.Timezone, err)
	}
	start, err := time.Parse(DateLayout, c.Calendar.SchoolYearStart)
	if err != nil {
		return fmt.Errorf("config: invalid calendar.school_year_start: %w", err)
	}
	end, err := time.Parse(DateLayout, c.Calendar.SchoolYearEnd)
	if err != nil {
		return fmt.Errorf("config: invalid calendar.school_year_end: %w", err)
	}
	if end.Before(start) {
		return errors.New("config: calendar.school_year_end is before school_year_start")
	}
	return nil
}

// Location returns the configured time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// SchoolYear returns the school-year bounds as day starts in Location().
func (c *Config) SchoolYear() (time.Time, time.Time) {
	loc := c.Location()
	start, _ := time.ParseInLocation(DateLayout, c.Calendar.SchoolYearStart, loc)
	end, _ := time.ParseInLocation(DateLayout, c.Calendar.SchoolYearEnd, loc)
	return start, end
}

// Load reads configuration with the precedence env > file > defaults.
//
// Behavior:
//   - If the file does not exist, a default config file is written with
//     0600 permissions and defaults (plus env) are used.
//   - Environment variables use the SCHOOLALARM_ prefix, e.g.
//     SCHOOLALARM_CALENDAR_URL.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		// First run: create default config file.
		if err := Save(path, DefaultConfig()); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SCHOOLALARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
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

	tmp, err := os.CreateTemp(dir, ".schoolalarm-config-*.tmp")
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
