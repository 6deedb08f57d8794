package infra

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every application setting. Secrets can be overridden through
// environment variables after the file is loaded.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	API struct {
		Binance struct {
			WSURL     string   `yaml:"ws_url"`
			RestURL   string   `yaml:"rest_url"`
			APIKey    string   `yaml:"api_key"`
			SecretKey string   `yaml:"secret_key"`
			Symbols   []string `yaml:"symbols"`
		} `yaml:"binance"`
	} `yaml:"api"`

	Engine struct {
		InboxSize        int `yaml:"inbox_size"`
		OrderQueueSize   int `yaml:"order_queue_size"`
		SubscriberBuffer int `yaml:"subscriber_buffer"`
		RetireGraceSec   int `yaml:"retire_grace_sec"`
	} `yaml:"engine"`

	Resync struct {
		TimeoutSec  int `yaml:"timeout_sec"`
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"resync"`

	Storage struct {
		Path string `yaml:"path"` // empty: resolved under the user config dir
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.API.Binance.WSURL == "" || (!hasPrefix(c.API.Binance.WSURL, "ws://") && !hasPrefix(c.API.Binance.WSURL, "wss://")) {
		return fmt.Errorf("invalid Binance WS URL: %s", c.API.Binance.WSURL)
	}
	if c.API.Binance.RestURL == "" || (!hasPrefix(c.API.Binance.RestURL, "http://") && !hasPrefix(c.API.Binance.RestURL, "https://")) {
		return fmt.Errorf("invalid Binance REST URL: %s", c.API.Binance.RestURL)
	}
	if c.Resync.TimeoutSec < 0 || c.Resync.MaxAttempts < 0 {
		return fmt.Errorf("resync settings must be non-negative")
	}
	if c.Engine.RetireGraceSec < 0 {
		return fmt.Errorf("retire grace must be non-negative")
	}
	return nil
}

// RetireGrace returns the terminal-order retirement grace window.
func (c *Config) RetireGrace() time.Duration {
	return time.Duration(c.Engine.RetireGraceSec) * time.Second
}

// ResyncTimeout returns the per-attempt resync timeout.
func (c *Config) ResyncTimeout() time.Duration {
	return time.Duration(c.Resync.TimeoutSec) * time.Second
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv applies environment variables over file values when set.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("ORDER_SYNC_BINANCE_KEY"); key != "" {
		cfg.API.Binance.APIKey = key
	}
	if secret := os.Getenv("ORDER_SYNC_BINANCE_SECRET"); secret != "" {
		cfg.API.Binance.SecretKey = secret
	}
}
