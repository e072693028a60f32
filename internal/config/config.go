// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the session-multiplexing core.
type Config struct {
	// Port is the listen port for the client-facing WebSocket endpoint.
	Port int `envconfig:"PORT" default:"8080"`

	// BrowserEndpointHost/Port locate the upstream browser pool that hands
	// out per-token CDP endpoints.
	BrowserEndpointHost string `envconfig:"BROWSER_ENDPOINT_HOST" default:"127.0.0.1"`
	BrowserEndpointPort int    `envconfig:"BROWSER_ENDPOINT_PORT" default:"9222"`

	// Screencast tuning.
	ScreencastQuality       int `envconfig:"SCREENCAST_QUALITY" default:"60"`
	ScreencastEveryNthFrame int `envconfig:"SCREENCAST_EVERY_NTH_FRAME" default:"3"`

	// Default viewport applied on attach and on every page switch.
	ViewportWidth  int `envconfig:"VIEWPORT_WIDTH" default:"1280"`
	ViewportHeight int `envconfig:"VIEWPORT_HEIGHT" default:"720"`

	// ActionTimeout bounds a single client action at the wsapi layer; the
	// underlying CDP call is left to complete and its result discarded.
	ActionTimeout time.Duration `envconfig:"ACTION_TIMEOUT" default:"10s"`

	// Ambient logging knobs.
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string `envconfig:"LOG_FORMAT" default:"text"`
	LogCDPMessages bool   `envconfig:"LOG_CDP_MESSAGES" default:"false"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Port <= 0 {
		return fmt.Errorf("PORT must be greater than 0")
	}
	if cfg.BrowserEndpointHost == "" {
		return fmt.Errorf("BROWSER_ENDPOINT_HOST is required")
	}
	if cfg.BrowserEndpointPort <= 0 {
		return fmt.Errorf("BROWSER_ENDPOINT_PORT must be greater than 0")
	}
	if cfg.ScreencastQuality <= 0 || cfg.ScreencastQuality > 100 {
		return fmt.Errorf("SCREENCAST_QUALITY must be between 1 and 100")
	}
	if cfg.ScreencastEveryNthFrame <= 0 {
		return fmt.Errorf("SCREENCAST_EVERY_NTH_FRAME must be greater than 0")
	}
	if cfg.ViewportWidth <= 0 || cfg.ViewportHeight <= 0 {
		return fmt.Errorf("VIEWPORT_WIDTH and VIEWPORT_HEIGHT must be greater than 0")
	}
	if cfg.ActionTimeout <= 0 {
		return fmt.Errorf("ACTION_TIMEOUT must be greater than 0")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}
	return nil
}
