// Package config loads tankwatch configuration from an optional YAML file
// and TANKWATCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"tankwatch/internal/app"
	"tankwatch/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g.
// TANKWATCH_PORTAL_USERNAME or TANKWATCH_STORE_DSN.
const EnvPrefix = "TANKWATCH"

// Store backends.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Config is the full process configuration.
type Config struct {
	Log      LogConfig       `mapstructure:"log"`
	HTTP     HTTPConfig      `mapstructure:"http"`
	Portal   AccountConfig   `mapstructure:"portal"`
	Accounts []AccountConfig `mapstructure:"accounts"`
	Polling  PollingConfig   `mapstructure:"polling"`
	Store    StoreConfig     `mapstructure:"store"`
	InfluxDB InfluxDBConfig  `mapstructure:"influxdb"`
	Kafka    KafkaConfig     `mapstructure:"kafka"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HTTPConfig configures the API server. ControlTokenHash is a bcrypt hash;
// when empty the control endpoints are open.
type HTTPConfig struct {
	Addr             string        `mapstructure:"addr"`
	ControlTokenHash string        `mapstructure:"control_token_hash"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

// AccountConfig is one portal login. Portal is a single-account shorthand
// that can be set entirely from the environment.
type AccountConfig struct {
	ID       string `mapstructure:"id"`
	Region   string `mapstructure:"region"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	BaseURL  string `mapstructure:"base_url"`
}

// PollingConfig holds the user settings and scheduler limits. Zero
// durations and deltas fall back to region defaults.
type PollingConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	ThresholdMode      string        `mapstructure:"threshold_mode"`
	MinDelta           float64       `mapstructure:"min_delta"`
	MaxDelta           float64       `mapstructure:"max_delta"`
	IncludeUnmonitored bool          `mapstructure:"include_unmonitored"`
	ConfirmAfter       int           `mapstructure:"confirm_after"`
	PruneMissingAfter  int           `mapstructure:"prune_missing_after"`
	Parallelism        int           `mapstructure:"parallelism"`
	RetryBase          time.Duration `mapstructure:"retry_base"`
	RetryMax           time.Duration `mapstructure:"retry_max"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	StaleAfter         time.Duration `mapstructure:"stale_after"`
}

type StoreConfig struct {
	Type string `mapstructure:"type"`
	Path string `mapstructure:"path"`
	DSN  string `mapstructure:"dsn"`
}

// InfluxDBConfig enables the InfluxDB sink when URL is set.
type InfluxDBConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

// KafkaConfig enables the Kafka sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.control_token_hash", "")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	// Registered so AutomaticEnv can see them.
	v.SetDefault("portal.id", "")
	v.SetDefault("portal.region", domain.RegionUS.Code)
	v.SetDefault("portal.username", "")
	v.SetDefault("portal.password", "")
	v.SetDefault("portal.base_url", "")

	v.SetDefault("polling.interval", 0)
	v.SetDefault("polling.threshold_mode", string(domain.ThresholdDynamic))
	v.SetDefault("polling.min_delta", 0)
	v.SetDefault("polling.max_delta", 0)
	v.SetDefault("polling.include_unmonitored", false)
	v.SetDefault("polling.confirm_after", app.DefaultConfirmAfter)
	v.SetDefault("polling.prune_missing_after", 0)
	v.SetDefault("polling.parallelism", 4)
	v.SetDefault("polling.retry_base", 0)
	v.SetDefault("polling.retry_max", app.DefaultRetryMax)
	v.SetDefault("polling.fetch_timeout", app.DefaultFetchTimeout)
	v.SetDefault("polling.request_timeout", 60*time.Second)
	v.SetDefault("polling.stale_after", app.DefaultStaleAfter)

	v.SetDefault("store.type", StoreFile)
	v.SetDefault("store.path", "tankwatch-state.json")
	v.SetDefault("store.dsn", "")

	v.SetDefault("influxdb.url", "")
	v.SetDefault("influxdb.token", "")
	v.SetDefault("influxdb.org", "")
	v.SetDefault("influxdb.bucket", "tankwatch")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "tankwatch.snapshots")
	v.SetDefault("kafka.client_id", "tankwatch")
}

// Load reads the config file at path, or tankwatch.yaml from the working
// directory and /etc/tankwatch when path is empty. A missing default file is
// not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tankwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tankwatch")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize folds the single-account shorthand into Accounts and assigns
// missing account ids.
func (c *Config) normalize() {
	if c.Portal.Username != "" {
		c.Accounts = append([]AccountConfig{c.Portal}, c.Accounts...)
	}
	seen := make(map[string]int)
	for i := range c.Accounts {
		a := &c.Accounts[i]
		a.Region = strings.ToLower(strings.TrimSpace(a.Region))
		if a.Region == "" {
			a.Region = domain.RegionUS.Code
		}
		if a.ID != "" {
			continue
		}
		seen[a.Region]++
		a.ID = a.Region
		if n := seen[a.Region]; n > 1 {
			a.ID = fmt.Sprintf("%s-%d", a.Region, n)
		}
	}
	c.Store.Type = strings.ToLower(c.Store.Type)
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	if len(c.Accounts) == 0 {
		return errors.New("config: at least one portal account is required")
	}
	ids := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if _, err := domain.LookupRegion(a.Region); err != nil {
			return fmt.Errorf("config: accounts[%d]: %w", i, err)
		}
		if a.Username == "" || a.Password == "" {
			return fmt.Errorf("config: accounts[%d]: username and password are required", i)
		}
		if ids[a.ID] {
			return fmt.Errorf("config: accounts[%d]: duplicate id %q", i, a.ID)
		}
		ids[a.ID] = true
	}

	switch c.Store.Type {
	case StoreMemory:
	case StoreFile:
		if c.Store.Path == "" {
			return errors.New("config: store.path is required for the file store")
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			return errors.New("config: store.dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: store.type %q: must be memory, file or postgres", c.Store.Type)
	}

	if c.Polling.ConfirmAfter < 0 || c.Polling.PruneMissingAfter < 0 {
		return errors.New("config: polling.confirm_after and polling.prune_missing_after must be >= 0")
	}
	if c.InfluxDB.URL != "" && (c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		return errors.New("config: influxdb.org and influxdb.bucket are required when influxdb.url is set")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("config: kafka.topic is required when kafka.brokers is set")
	}
	if _, err := c.Settings(); err != nil {
		return fmt.Errorf("config: polling: %w", err)
	}
	return nil
}

// Settings returns the initial user settings. A zero interval takes the
// first account's region default.
func (c *Config) Settings() (app.Settings, error) {
	p := c.Polling
	s := app.Settings{
		Interval:           p.Interval,
		ThresholdMode:      domain.ThresholdMode(strings.ToLower(p.ThresholdMode)),
		IncludeUnmonitored: p.IncludeUnmonitored,
	}
	if s.Interval == 0 && len(c.Accounts) > 0 {
		if r, err := domain.LookupRegion(c.Accounts[0].Region); err == nil {
			s.Interval = r.DefaultInterval
		}
	}
	if p.MinDelta != 0 {
		s.MinDelta = domain.Float(p.MinDelta)
	}
	if p.MaxDelta != 0 {
		s.MaxDelta = domain.Float(p.MaxDelta)
	}
	if err := s.Validate(); err != nil {
		return app.Settings{}, err
	}
	return s, nil
}

// Scheduler returns the scheduler limits.
func (c *Config) Scheduler() app.SchedulerConfig {
	return app.SchedulerConfig{
		RetryBase:         c.Polling.RetryBase,
		RetryMax:          c.Polling.RetryMax,
		FetchTimeout:      c.Polling.FetchTimeout,
		StaleAfter:        c.Polling.StaleAfter,
		PruneMissingAfter: c.Polling.PruneMissingAfter,
	}
}
