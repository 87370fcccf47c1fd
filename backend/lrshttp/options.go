package lrshttp

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/grokify/ralph"
)

// Config holds configuration for the lrs backend.
type Config struct {
	// BaseURL is the root URL of the Learning Record Store.
	// Default: "http://0.0.0.0:8100"
	BaseURL string

	// Username and Password authenticate requests with HTTP basic
	// auth. Empty credentials send no authentication.
	Username string
	Password string

	// HeartbeatPath is the liveness endpoint probed by Status.
	// Default: "/__heartbeat__"
	HeartbeatPath string

	// StatementsPath is the xAPI statements resource.
	// Default: "/xAPI/statements"
	StatementsPath string

	// XAPIVersion is sent as the X-Experience-API-Version header.
	// Default: "1.0.3"
	XAPIVersion string

	// ChunkSize is the number of statements fetched or posted per
	// request. Default: 500
	ChunkSize int

	// Timeout bounds each HTTP request. Zero means no timeout.
	Timeout time.Duration

	// Logger receives structured logs. Default: a no-op logger.
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://0.0.0.0:8100",
		HeartbeatPath:  "/__heartbeat__",
		StatementsPath: "/xAPI/statements",
		XAPIVersion:    "1.0.3",
		ChunkSize:      500,
	}
}

// ConfigFromMap builds a Config from a flat string map, starting from
// the defaults.
func ConfigFromMap(configMap map[string]string) (Config, error) {
	config := DefaultConfig()

	if v, ok := configMap["base_url"]; ok && v != "" {
		config.BaseURL = v
	}
	if v, ok := configMap["username"]; ok && v != "" {
		config.Username = v
	}
	if v, ok := configMap["password"]; ok && v != "" {
		config.Password = v
	}
	if v, ok := configMap["heartbeat_path"]; ok && v != "" {
		config.HeartbeatPath = v
	}
	if v, ok := configMap["statements_path"]; ok && v != "" {
		config.StatementsPath = v
	}
	if v, ok := configMap["xapi_version"]; ok && v != "" {
		config.XAPIVersion = v
	}
	if v, ok := configMap["chunk_size"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%w: invalid chunk_size %q", ralph.ErrParameter, v)
		}
		config.ChunkSize = n
	}
	if v, ok := configMap["timeout"]; ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, fmt.Errorf("%w: invalid timeout %q", ralph.ErrParameter, v)
		}
		config.Timeout = d
	}

	return config, nil
}
