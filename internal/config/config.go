// Package config loads hub configuration from a TOML file with environment
// variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full hub configuration. Zero values fall back to defaults.
type Config struct {
	Server struct {
		Addr         string `toml:"addr"`
		CallbackBase string `toml:"callback_base"`
	} `toml:"server"`

	Database struct {
		Path string `toml:"path"`
	} `toml:"database"`

	Callback struct {
		Secret string   `toml:"secret"`
		TTL    duration `toml:"ttl"`
	} `toml:"callback"`

	Dispatch struct {
		MaxInflight    int      `toml:"max_inflight"`
		ForwardTimeout duration `toml:"forward_timeout"`
	} `toml:"dispatch"`

	Automation struct {
		CheckInterval duration `toml:"check_interval"`
	} `toml:"automation"`

	Report struct {
		Timeout      duration `toml:"timeout"`
		PollInterval duration `toml:"poll_interval"`
	} `toml:"report"`

	Agents    []SeedAgent    `toml:"agents"`
	Schedules []SeedSchedule `toml:"schedules"`
}

// SeedAgent registers an agent at startup if it is not already present.
type SeedAgent struct {
	Name         string   `toml:"name"`
	Type         string   `toml:"type"`
	EndpointURL  string   `toml:"endpoint_url"`
	APIKey       string   `toml:"api_key"`
	Description  string   `toml:"description"`
	Capabilities []string `toml:"capabilities"`
}

// SeedSchedule creates a recurring analysis at startup if absent.
type SeedSchedule struct {
	Name       string `toml:"name"`
	CronExpr   string `toml:"cron"`
	TaskType   string `toml:"task_type"`
	BusinessID string `toml:"business_id"`
	Params     string `toml:"params"`
}

// duration lets TOML carry values like "30s" or "1h".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) Or(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.Server.Addr = ":8080"
	c.Server.CallbackBase = "http://localhost:8080/mcp/callback"
	c.Database.Path = "mcphub.db"
	return c
}

// Load reads path and applies environment overrides. An empty path yields the
// defaults, still with overrides applied.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &c)
		if err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			return Config{}, fmt.Errorf("load config %s: unknown key %s", path, undec[0])
		}
	}
	applyEnv(&c)
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// applyEnv lets deployment override file values; the callback secret in
// particular should not live in a config file.
func applyEnv(c *Config) {
	if v := os.Getenv("MCPHUB_CALLBACK_SECRET"); v != "" {
		c.Callback.Secret = v
	}
	if v := os.Getenv("MCPHUB_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("MCPHUB_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("MCPHUB_CALLBACK_BASE"); v != "" {
		c.Server.CallbackBase = v
	}
}

func (c Config) validate() error {
	if c.Callback.Secret == "" {
		return fmt.Errorf("callback secret is required (set callback.secret or MCPHUB_CALLBACK_SECRET)")
	}
	if c.Server.CallbackBase == "" {
		return fmt.Errorf("server.callback_base is required")
	}
	for _, s := range c.Schedules {
		if s.CronExpr == "" || s.TaskType == "" {
			return fmt.Errorf("schedule %q needs cron and task_type", s.Name)
		}
	}
	return nil
}
