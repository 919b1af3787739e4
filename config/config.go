// Package config loads the bridge's options.json. The key names (including
// the historical "adress" spellings) match the add-on's existing config
// files, so upgrades keep working without edits.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	DefaultQueueSize     = 20
	DefaultPingInterval  = 30 // seconds
	DefaultRetryMinDelay = 2  // seconds
	DefaultRetryMaxDelay = 60 // seconds
	DefaultKodiHTTPPort  = 8080
	DefaultKodiWSPort    = 9090
)

type Config struct {
	KodiAddress  string `json:"kodi_adress"`
	KodiHTTPPort int    `json:"kodi_http_port"`
	KodiWSPort   int    `json:"kodi_ws_port"`
	KodiUsername string `json:"kodi_username"`
	KodiPassword string `json:"kodi_password"`

	HomeAddress string `json:"home_adress"`
	HomeSSL     bool   `json:"home_ssl"`

	QueueSize     int    `json:"queue_size"`
	PingInterval  int    `json:"ping_interval"`   // seconds
	RetryMinDelay int    `json:"retry_min_delay"` // seconds
	RetryMaxDelay int    `json:"retry_max_delay"` // seconds
	WebListen     string `json:"web_listen"`      // empty disables the status server

	// The access token is supplied out-of-band (flag or environment), never
	// stored in options.json.
	Token string `json:"-"`
}

// Load reads and validates a JSON config file, applying defaults for
// anything unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.KodiHTTPPort == 0 {
		c.KodiHTTPPort = DefaultKodiHTTPPort
	}
	if c.KodiWSPort == 0 {
		c.KodiWSPort = DefaultKodiWSPort
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.RetryMinDelay <= 0 {
		c.RetryMinDelay = DefaultRetryMinDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
}

// Validate checks fields the bridge cannot default its way around.
func (c *Config) Validate() error {
	if c.HomeAddress == "" {
		return fmt.Errorf("home_adress is required")
	}
	if !strings.HasPrefix(c.HomeAddress, "ws://") && !strings.HasPrefix(c.HomeAddress, "wss://") {
		return fmt.Errorf("home_adress must be a ws:// or wss:// URL, got %q", c.HomeAddress)
	}
	if c.RetryMaxDelay < c.RetryMinDelay {
		return fmt.Errorf("retry_max_delay (%d) must be >= retry_min_delay (%d)", c.RetryMaxDelay, c.RetryMinDelay)
	}
	return nil
}

// HomeURL returns the Home Assistant websocket URL, upgraded to wss:// when
// home_ssl is set.
func (c *Config) HomeURL() string {
	if c.HomeSSL && strings.HasPrefix(c.HomeAddress, "ws://") {
		return "wss://" + strings.TrimPrefix(c.HomeAddress, "ws://")
	}
	return c.HomeAddress
}

// PingIntervalDuration returns the Kodi liveness probe interval.
func (c *Config) PingIntervalDuration() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}

// RetryMin returns the minimum backoff delay.
func (c *Config) RetryMin() time.Duration {
	return time.Duration(c.RetryMinDelay) * time.Second
}

// RetryMax returns the maximum backoff delay.
func (c *Config) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxDelay) * time.Second
}
