// Package config loads engine configuration from a YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/kelmah/offlinesync/internal/errors"
	offsync "github.com/kelmah/offlinesync/internal/sync"
	"github.com/kelmah/offlinesync/internal/sync/network"
	"github.com/kelmah/offlinesync/internal/sync/scheduler"
)

// PathEnv names the environment variable holding the config file path.
const PathEnv = "OFFLINESYNC_CONFIG"

// Duration is a time.Duration written as a string ("30s", "1h") in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Strategy overrides one network class's cycle sizing.
type Strategy struct {
	BatchSize    int      `yaml:"batch_size"`
	Concurrency  int      `yaml:"concurrency"`
	Pause        Duration `yaml:"pause"`
	PriorityOnly bool     `yaml:"priority_only"`
}

// Config is the file layout.
type Config struct {
	Storage struct {
		DataDir   string   `yaml:"data_dir"`
		Retention Duration `yaml:"retention"`
		Cleanup   Duration `yaml:"cleanup_interval"`
	} `yaml:"storage"`

	API struct {
		BaseURL   string `yaml:"base_url"`
		Token     string `yaml:"token"`
		ProbeURL  string `yaml:"probe_url"`
		UserAgent string `yaml:"user_agent"`
	} `yaml:"api"`

	Sync struct {
		UserID       string              `yaml:"user_id"`
		StartOffline bool                `yaml:"start_offline"`
		Tick         Duration            `yaml:"tick_interval"`
		EnqueueDelay Duration            `yaml:"enqueue_delay"`
		MaxRetries   int                 `yaml:"max_retries"`
		RetryDelays  []Duration          `yaml:"retry_delays"`
		EventBuffer  int                 `yaml:"event_buffer"`
		Strategies   map[string]Strategy `yaml:"strategies"`
	} `yaml:"sync"`

	Server struct {
		ListenAddr string `yaml:"listen_addr"`
		Metrics    bool   `yaml:"metrics"`
	} `yaml:"server"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Storage.DataDir = "./data"
	cfg.API.BaseURL = "http://localhost:5000/api"
	cfg.Server.ListenAddr = "127.0.0.1:8090"
	cfg.LogLevel = "info"
	return cfg
}

// Load reads path (or $OFFLINESYNC_CONFIG when path is empty) over the
// defaults, then applies environment overrides. A missing path is not an
// error; a path that cannot be read or parsed is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = strings.TrimSpace(os.Getenv(PathEnv))
	}
	if path != "" {
		buff, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to read config file", err)
		}
		if err := yaml.Unmarshal(buff, cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to parse config file", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := getenv("DB_PATH"); v != "" {
		c.Storage.DataDir = v
	}
	if v := getenv("API_BASE_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := getenv("API_TOKEN"); v != "" {
		c.API.Token = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Sync.MaxRetries < 0 {
		return apperrors.New(apperrors.ErrInvalid, "sync.max_retries must not be negative")
	}
	if c.Sync.EventBuffer < 0 {
		return apperrors.New(apperrors.ErrInvalid, "sync.event_buffer must not be negative")
	}
	for i, d := range c.Sync.RetryDelays {
		if d < 0 {
			return apperrors.Newf(apperrors.ErrInvalid, "sync.retry_delays[%d] must not be negative", i)
		}
	}
	for name, st := range c.Sync.Strategies {
		if !knownClass(network.Class(name)) {
			return apperrors.Newf(apperrors.ErrInvalid, "sync.strategies: unknown network class %q", name)
		}
		if st.BatchSize < 0 || st.Concurrency < 0 || st.Pause < 0 {
			return apperrors.Newf(apperrors.ErrInvalid, "sync.strategies.%s: values must not be negative", name)
		}
	}
	return nil
}

func knownClass(c network.Class) bool {
	for _, known := range scheduler.Classes {
		if c == known {
			return true
		}
	}
	return false
}

// Service converts the file layout into service configuration. Strategy
// overrides replace the default entry for their class only.
func (c *Config) Service() offsync.Config {
	sc := offsync.DefaultConfig()
	sc.DataDir = c.Storage.DataDir
	sc.APIBaseURL = c.API.BaseURL
	sc.APIToken = c.API.Token
	sc.ProbeURL = c.API.ProbeURL
	if c.API.UserAgent != "" {
		sc.UserAgent = c.API.UserAgent
	}
	if c.Sync.UserID != "" {
		sc.UserID = c.Sync.UserID
	}
	sc.Online = !c.Sync.StartOffline
	if c.Sync.Tick > 0 {
		sc.TickInterval = time.Duration(c.Sync.Tick)
	}
	if c.Sync.EnqueueDelay > 0 {
		sc.EnqueueTriggerDelay = time.Duration(c.Sync.EnqueueDelay)
	}
	if c.Storage.Retention > 0 {
		sc.RetentionWindow = time.Duration(c.Storage.Retention)
	}
	if c.Storage.Cleanup > 0 {
		sc.CleanupInterval = time.Duration(c.Storage.Cleanup)
	}
	if c.Sync.MaxRetries > 0 {
		sc.MaxRetries = c.Sync.MaxRetries
	}
	if c.Sync.EventBuffer > 0 {
		sc.EventBuffer = c.Sync.EventBuffer
	}
	if len(c.Sync.RetryDelays) > 0 {
		sc.RetryDelays = make([]time.Duration, len(c.Sync.RetryDelays))
		for i, d := range c.Sync.RetryDelays {
			sc.RetryDelays[i] = time.Duration(d)
		}
	}
	if len(c.Sync.Strategies) > 0 {
		sc.Strategies = scheduler.DefaultStrategies()
		for name, st := range c.Sync.Strategies {
			sc.Strategies[network.Class(name)] = scheduler.Strategy{
				BatchSize:    st.BatchSize,
				Concurrency:  st.Concurrency,
				Pause:        time.Duration(st.Pause),
				PriorityOnly: st.PriorityOnly,
			}
		}
	}
	return sc
}
