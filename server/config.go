// Package server wires the collaboration primitives (persistence, document
// service, session manager, logger) into one explicit Context and loads the
// config that shapes them; the Context is threaded through cmd/collabd
// instead of living in package-level state.
package server

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the optional YAML config file shape.
type Config struct {
	ListenAddr            string `yaml:"listen_addr"`
	Storage               string `yaml:"storage"`
	BadgerDir             string `yaml:"badger_dir"`
	ReplayLimit           int    `yaml:"replay_limit"`
	OutboundQueueCapacity int    `yaml:"outbound_queue_capacity"`
}

// DefaultConfig returns the built-in defaults: in-memory storage, a 500-op
// replay bound, and a 256-message outbound queue per connection.
func DefaultConfig() Config {
	return Config{
		ListenAddr:            ":8080",
		Storage:               "memory",
		BadgerDir:             "./data",
		ReplayLimit:           500,
		OutboundQueueCapacity: 256,
	}
}

// LoadConfig reads and parses a YAML config file at path, starting from
// DefaultConfig so an absent field keeps its default.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "server: read config")
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "server: parse config")
	}
	return cfg, nil
}

// Validate rejects a Config with an unrecognized storage backend.
func (c Config) Validate() error {
	switch c.Storage {
	case "memory", "badger":
	default:
		return errors.Errorf("server: unknown storage backend %q", c.Storage)
	}
	if c.ReplayLimit <= 0 {
		return errors.New("server: replay_limit must be positive")
	}
	if c.OutboundQueueCapacity <= 0 {
		return errors.New("server: outbound_queue_capacity must be positive")
	}
	return nil
}
