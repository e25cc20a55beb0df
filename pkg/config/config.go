// Package config loads the service configuration from a TOML file and the
// environment
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/silviot/callbridge/pkg/factory"
	"github.com/silviot/callbridge/pkg/provider"
)

// Config is the service configuration
type Config struct {
	Port     string `toml:"port"`
	LogLevel string `toml:"log_level"`

	DefaultKind string            `toml:"default_kind"`
	Routes      map[string]string `toml:"routes"`

	Direct  DirectConfig  `toml:"direct"`
	LiveKit LiveKitConfig `toml:"livekit"`
	Metrics MetricsConfig `toml:"metrics"`
}

// DirectConfig configures the peer-to-peer backend
type DirectConfig struct {
	STUN []string `toml:"stun"`
	// SignalURL is the relay the adapter dials; empty means this service
	SignalURL     string `toml:"signal_url"`
	ICEServersURL string `toml:"ice_servers_url"`
	ICEToken      string `toml:"ice_token"`
	STTURL        string `toml:"stt_url"`
	STTToken      string `toml:"stt_token"`
}

// LiveKitConfig configures the LiveKit backend
type LiveKitConfig struct {
	URL       string        `toml:"url"`
	APIKey    string        `toml:"api_key"`
	APISecret string        `toml:"api_secret"`
	TokenTTL  time.Duration `toml:"token_ttl"`
}

// MetricsConfig configures call quality sampling
type MetricsConfig struct {
	Interval time.Duration `toml:"interval"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Port:        "8080",
		LogLevel:    "info",
		DefaultKind: string(provider.KindDirect),
		Direct: DirectConfig{
			STUN: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		},
		Metrics: MetricsConfig{Interval: 5 * time.Second},
	}
}

// Load reads path, if not empty, over the defaults and applies environment
// overrides. CALLBRIDGE_CONFIG names the file when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CALLBRIDGE_CONFIG")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults, without the environment
func Parse(data string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LIVEKIT_URL"); v != "" {
		cfg.LiveKit.URL = v
	}
	if v := os.Getenv("LIVEKIT_API_KEY"); v != "" {
		cfg.LiveKit.APIKey = v
	}
	if v := os.Getenv("LIVEKIT_API_SECRET"); v != "" {
		cfg.LiveKit.APISecret = v
	}
	if v := os.Getenv("CALLBRIDGE_STT_URL"); v != "" {
		cfg.Direct.STTURL = v
	}
	if v := os.Getenv("CALLBRIDGE_ICE_URL"); v != "" {
		cfg.Direct.ICEServersURL = v
	}
}

// Validate checks the routing table names known backends
func (c *Config) Validate() error {
	if c.Metrics.Interval < 0 {
		return fmt.Errorf("config: negative metrics interval %s", c.Metrics.Interval)
	}
	_, err := factory.New(factory.Config{Routes: c.FactoryRoutes(), Default: provider.Kind(c.DefaultKind)})
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// FactoryRoutes returns the routing table in factory terms
func (c *Config) FactoryRoutes() map[factory.Category]provider.Kind {
	routes := make(map[factory.Category]provider.Kind, len(c.Routes))
	for category, kind := range c.Routes {
		routes[factory.Category(category)] = provider.Kind(kind)
	}
	return routes
}
