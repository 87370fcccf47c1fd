package ws

import (
	"log/slog"
)

// Config holds configuration for the ws backend.
type Config struct {
	// URI is the WebSocket endpoint to read from, for example
	// "ws://localhost:8765". Required before the first read.
	URI string

	// Logger receives structured logs. Default: a no-op logger.
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{}
}

// ConfigFromMap builds a Config from a flat string map.
// Supported keys: uri.
func ConfigFromMap(configMap map[string]string) (Config, error) {
	config := DefaultConfig()
	if v, ok := configMap["uri"]; ok && v != "" {
		config.URI = v
	}
	return config, nil
}
