package clickhouse

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/grokify/ralph"
)

// Config holds configuration for the clickhouse backend.
type Config struct {
	// Addr is the native protocol address of the server.
	// Default: "localhost:9000"
	Addr string

	// Database is the default database.
	// Default: "xapi"
	Database string

	// EventTable is the default table for read and write operations.
	// Default: "xapi_events_all"
	EventTable string

	// Username and Password authenticate the connection.
	// Default username: "default"
	Username string
	Password string

	// ChunkSize is the number of records sent per insert batch.
	// Default: 500
	ChunkSize int

	// Logger receives structured logs. Default: a no-op logger.
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:       "localhost:9000",
		Database:   "xapi",
		EventTable: "xapi_events_all",
		Username:   "default",
		ChunkSize:  500,
	}
}

// ConfigFromMap builds a Config from a flat string map, starting from
// the defaults. Numeric values that do not parse to a positive number
// are rejected.
func ConfigFromMap(configMap map[string]string) (Config, error) {
	config := DefaultConfig()

	if v, ok := configMap["addr"]; ok && v != "" {
		config.Addr = v
	}
	if v, ok := configMap["database"]; ok && v != "" {
		config.Database = v
	}
	if v, ok := configMap["event_table"]; ok && v != "" {
		config.EventTable = v
	}
	if v, ok := configMap["username"]; ok && v != "" {
		config.Username = v
	}
	if v, ok := configMap["password"]; ok && v != "" {
		config.Password = v
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
