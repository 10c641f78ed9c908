// Package config loads the server configuration from YAML with sane
// defaults for local development.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/MJE43/crash-engine-go/internal/engine"
	"github.com/MJE43/crash-engine-go/internal/fair"
)

// Config is the full server configuration.
type Config struct {
	ListenAddr   string        `yaml:"listen_addr"`
	DatabasePath string        `yaml:"database_path"`
	Round        engine.Config `yaml:"round"`
	Fair         fair.Config   `yaml:"fair"`
}

// Default returns the development configuration.
func Default() Config {
	return Config{
		ListenAddr:   ":8080",
		DatabasePath: "crash.db",
		Round: engine.Config{
			BettingWindow: 5 * time.Second,
			Cooldown:      3 * time.Second,
			TickInterval:  50 * time.Millisecond,
		},
		Fair: fair.DefaultConfig(),
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}
