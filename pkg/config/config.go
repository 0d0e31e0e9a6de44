package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Reconnect struct {
	Enabled        bool          `yaml:"enabled"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type Log struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Tracing bool   `yaml:"tracing"`
}

type Config struct {
	APIURL         string        `yaml:"api_url"`
	WSURL          string        `yaml:"ws_url"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	DedupeInFlight bool          `yaml:"dedupe_inflight"`
	DefaultPair    string        `yaml:"default_pair"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Reconnect      Reconnect     `yaml:"reconnect"`
	Log            Log           `yaml:"log"`
}

func Default() *Config {
	return &Config{
		APIURL:      "http://127.0.0.1:8080",
		WSURL:       "ws://127.0.0.1:8080/ws",
		DefaultPair: "BTCUSDT",
		Reconnect: Reconnect{
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
		Log: Log{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), a .env file if present and finally the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// existing environment variables win over .env
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("MDSYNC_API_URL"); ok {
		c.APIURL = v
	}
	if v, ok := os.LookupEnv("MDSYNC_WS_URL"); ok {
		c.WSURL = v
	}
	if v, ok := os.LookupEnv("MDSYNC_CACHE_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MDSYNC_CACHE_TTL: %w", err)
		}
		c.CacheTTL = d
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := os.LookupEnv("LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	if v, ok := os.LookupEnv("LOG_TRACING_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOG_TRACING_ENABLED: %w", err)
		}
		c.Log.Tracing = enabled
	}
	return nil
}

func (c *Config) Validate() error {
	if err := checkURL(c.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("api_url: %w", err)
	}
	if err := checkURL(c.WSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("ws_url: %w", err)
	}
	if c.CacheTTL < 0 {
		return errors.New("cache_ttl cannot be negative")
	}
	if c.RequestTimeout < 0 {
		return errors.New("request_timeout cannot be negative")
	}

	if c.Reconnect.Enabled {
		if c.Reconnect.InitialBackoff <= 0 {
			return errors.New("reconnect.initial_backoff must be greater than 0")
		}
		if c.Reconnect.MaxBackoff < c.Reconnect.InitialBackoff {
			return fmt.Errorf("reconnect.max_backoff %s is below initial_backoff %s",
				c.Reconnect.MaxBackoff, c.Reconnect.InitialBackoff)
		}
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}

	return nil
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%q has no host", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("%q must use scheme %v", raw, schemes)
}
