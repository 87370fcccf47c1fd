package mongo

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/grokify/ralph"
)

// Config holds configuration for the mongo backend.
type Config struct {
	// URI is the MongoDB connection string.
	// Default: "mongodb://localhost:27017/"
	URI string

	// Database is the default database.
	// Default: "statements"
	Database string

	// Collection is the default collection for read and write
	// operations.
	// Default: "marsha"
	Collection string

	// ChunkSize is the number of records fetched or sent per request.
	// Default: 500
	ChunkSize int

	// Logger receives structured logs. Default: a no-op logger.
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		URI:        "mongodb://localhost:27017/",
		Database:   "statements",
		Collection: "marsha",
		ChunkSize:  500,
	}
}

// ConfigFromMap builds a Config from a flat string map, starting from
// the defaults. Numeric values that do not parse to a positive number
// are rejected.
func ConfigFromMap(configMap map[string]string) (Config, error) {
	config := DefaultConfig()

	if v, ok := configMap["uri"]; ok && v != "" {
		config.URI = v
	}
	if v, ok := configMap["database"]; ok && v != "" {
		config.Database = v
	}
	if v, ok := configMap["collection"]; ok && v != "" {
		config.Collection = v
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
