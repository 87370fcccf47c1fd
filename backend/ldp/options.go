package ldp

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/grokify/ralph"
	"github.com/grokify/ralph/history"
)

// ErrStreamRequired is returned when an operation needs a stream and
// neither the service name nor the stream id resolves to one.
var ErrStreamRequired = fmt.Errorf("%w: both a service name and a stream are required", ralph.ErrParameter)

// Config holds configuration for the ldp backend.
type Config struct {
	// Endpoint is the OVH API endpoint, an alias such as "ovh-eu" or
	// a full URL. Default: "ovh-eu"
	Endpoint string

	// ApplicationKey, ApplicationSecret and ConsumerKey authenticate
	// the OVH API application.
	ApplicationKey    string
	ApplicationSecret string
	ConsumerKey       string

	// ServiceName is the Logs Data Platform account name.
	ServiceName string

	// StreamID is the default stream holding the archives.
	StreamID string

	// ChunkSize is the block size for raw reads.
	// Default: 4096
	ChunkSize int

	// Timeout bounds individual OVH API requests. Archive downloads
	// are not bounded; cancel their context instead.
	Timeout time.Duration

	// Decompress unpacks the gzip archives while streaming.
	Decompress bool

	// History records completed reads.
	// Default: an in-process log.
	History history.Log

	// Logger receives structured logs. Default: a no-op logger.
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Endpoint:  "ovh-eu",
		ChunkSize: 4096,
	}
}

// ConfigFromMap builds a Config from a flat string map, starting from
// the defaults.
func ConfigFromMap(configMap map[string]string) (Config, error) {
	config := DefaultConfig()

	if v, ok := configMap["endpoint"]; ok && v != "" {
		config.Endpoint = v
	}
	if v, ok := configMap["application_key"]; ok && v != "" {
		config.ApplicationKey = v
	}
	if v, ok := configMap["application_secret"]; ok && v != "" {
		config.ApplicationSecret = v
	}
	if v, ok := configMap["consumer_key"]; ok && v != "" {
		config.ConsumerKey = v
	}
	if v, ok := configMap["service_name"]; ok && v != "" {
		config.ServiceName = v
	}
	if v, ok := configMap["stream_id"]; ok && v != "" {
		config.StreamID = v
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
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%w: invalid timeout %q", ralph.ErrParameter, v)
		}
		config.Timeout = d
	}
	if v, ok := configMap["decompress"]; ok {
		config.Decompress = v == "true" || v == "1"
	}
	if v, ok := configMap["history_path"]; ok && v != "" {
		config.History = history.NewFile(v)
	}

	return config, nil
}
