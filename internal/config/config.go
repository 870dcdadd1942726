// Package config holds the already-parsed configuration the emulator
// components are constructed from.
package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

// AppVersion identifies this emulator build. Reported by GET /info.
const AppVersion = "0.2.0"

// Config carries the listener and API-surface settings. Values come from the
// environment; the command-line entry point may override them from flags.
type Config struct {
	// APIPort is the port the emulated Catenis API (and the WebSocket
	// notification endpoint sharing its socket) listens on.
	APIPort int `env:"CTN_EMU_API_PORT,default=3500"`

	// CmdPort is the port the control-plane command server listens on.
	CmdPort int `env:"CTN_EMU_CMD_PORT,default=3501"`

	// APIVersion is the version segment of the emulated API base path
	// ("/api/<APIVersion>/").
	APIVersion string `env:"CTN_EMU_API_VERSION,default=0.13"`

	// Debug switches the logger to development output.
	Debug bool `env:"CTN_EMU_DEBUG,default=false"`
}

// Load hydrates a Config from the process environment.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no listener could be built from.
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", c.APIPort)
	}
	if c.CmdPort <= 0 || c.CmdPort > 65535 {
		return fmt.Errorf("invalid command port: %d", c.CmdPort)
	}
	if c.APIPort == c.CmdPort {
		return fmt.Errorf("API and command ports must differ: %d", c.APIPort)
	}
	if c.APIVersion == "" {
		return fmt.Errorf("API version must not be empty")
	}
	return nil
}

// APIBasePath returns the base path all emulated API methods hang off of,
// with a trailing slash ("/api/0.13/").
func (c *Config) APIBasePath() string {
	return fmt.Sprintf("/api/%s/", c.APIVersion)
}
