package es

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/grokify/ralph"
)

// Config holds configuration for the es backend.
type Config struct {
	// Hosts are the cluster node URLs.
	// Default: ["http://localhost:9200"]
	Hosts []string

	// Username and Password enable basic authentication when set.
	Username string
	Password string

	// CACertPath points to a PEM certificate authority bundle for
	// clusters behind TLS with a private authority.
	CACertPath string

	// Index is the default index for read and write operations.
	// Default: "statements"
	Index string

	// AllowYellow accepts a yellow cluster as healthy. Single node
	// clusters never reach green.
	AllowYellow bool

	// Refresh is the refresh policy applied after bulk writes: "true",
	// "false" or "wait_for".
	// Default: "false"
	Refresh string

	// PointInTimeKeepAlive is how long a point in time opened for a
	// paginated read is kept alive between pages.
	// Default: "1m"
	PointInTimeKeepAlive string

	// ChunkSize is the number of records fetched or sent per request.
	// Default: 500
	ChunkSize int

	// Logger receives structured logs. Default: a no-op logger.
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Hosts:                []string{"http://localhost:9200"},
		Index:                "statements",
		Refresh:              "false",
		PointInTimeKeepAlive: "1m",
		ChunkSize:            500,
	}
}

// ConfigFromMap builds a Config from a flat string map, starting from
// the defaults. Numeric values that do not parse to a positive number
// are rejected.
func ConfigFromMap(configMap map[string]string) (Config, error) {
	config := DefaultConfig()

	if v, ok := configMap["hosts"]; ok && v != "" {
		var hosts []string
		for _, host := range strings.Split(v, ",") {
			if host = strings.TrimSpace(host); host != "" {
				hosts = append(hosts, host)
			}
		}
		if len(hosts) > 0 {
			config.Hosts = hosts
		}
	}
	if v, ok := configMap["username"]; ok && v != "" {
		config.Username = v
	}
	if v, ok := configMap["password"]; ok && v != "" {
		config.Password = v
	}
	if v, ok := configMap["ca_cert_path"]; ok && v != "" {
		config.CACertPath = v
	}
	if v, ok := configMap["index"]; ok && v != "" {
		config.Index = v
	}
	if v, ok := configMap["allow_yellow"]; ok {
		config.AllowYellow = v == "true" || v == "1"
	}
	if v, ok := configMap["refresh"]; ok && v != "" {
		switch v {
		case "true", "false", "wait_for":
			config.Refresh = v
		default:
			return Config{}, fmt.Errorf("%w: invalid refresh %q", ralph.ErrParameter, v)
		}
	}
	if v, ok := configMap["pit_keep_alive"]; ok && v != "" {
		config.PointInTimeKeepAlive = v
	}
	if v, ok := configMap["chunk_size"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%w: invalid chunk_size %q", ralph.ErrParameter, v)
		}
		config.ChunkSize = n
	}

	return config, nil
}
