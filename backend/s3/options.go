package s3

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/grokify/ralph"
	"github.com/grokify/ralph/history"
)

// ErrBucketRequired is returned when no default bucket is configured.
var ErrBucketRequired = fmt.Errorf("%w: a default bucket is required", ralph.ErrParameter)

// Config holds configuration for the s3 backend.
type Config struct {
	// Bucket is the default bucket for list, read and write
	// operations. Required.
	Bucket string

	// Region is the AWS region of the bucket.
	// Default: "us-east-1"
	Region string

	// Endpoint overrides the AWS endpoint, for S3-compatible services
	// such as MinIO or Ceph RGW.
	Endpoint string

	// AccessKeyID and SecretAccessKey are static credentials. When
	// empty, the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// SessionToken is the session token for temporary credentials.
	SessionToken string

	// UsePathStyle switches to path-style addressing, required by most
	// S3-compatible services.
	UsePathStyle bool

	// ChunkSize is the block size for raw reads.
	// Default: 4096
	ChunkSize int

	// PartSize is the part size for multipart uploads.
	// Default: 5MB
	PartSize int64

	// Concurrency is the number of parallel part uploads.
	// Default: 5
	Concurrency int

	// History records completed reads and writes.
	// Default: an in-process log.
	History history.Log

	// Logger receives structured logs. Default: a no-op logger.
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Region:      "us-east-1",
		ChunkSize:   4096,
		PartSize:    5 * 1024 * 1024,
		Concurrency: 5,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return ErrBucketRequired
	}
	return nil
}

// ConfigFromMap builds a Config from a flat string map, starting from
// the defaults. Numeric values that do not parse to a positive number
// are rejected.
func ConfigFromMap(configMap map[string]string) (Config, error) {
	config := DefaultConfig()

	if v, ok := configMap["bucket"]; ok && v != "" {
		config.Bucket = v
	}
	if v, ok := configMap["region"]; ok && v != "" {
		config.Region = v
	}
	if v, ok := configMap["endpoint"]; ok && v != "" {
		config.Endpoint = v
	}
	if v, ok := configMap["access_key_id"]; ok && v != "" {
		config.AccessKeyID = v
	}
	if v, ok := configMap["secret_access_key"]; ok && v != "" {
		config.SecretAccessKey = v
	}
	if v, ok := configMap["session_token"]; ok && v != "" {
		config.SessionToken = v
	}
	if v, ok := configMap["use_path_style"]; ok {
		config.UsePathStyle = v == "true" || v == "1"
	}
	if v, ok := configMap["chunk_size"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%w: invalid chunk_size %q", ralph.ErrParameter, v)
		}
		config.ChunkSize = n
	}
	if v, ok := configMap["part_size"]; ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%w: invalid part_size %q", ralph.ErrParameter, v)
		}
		config.PartSize = n
	}
	if v, ok := configMap["concurrency"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%w: invalid concurrency %q", ralph.ErrParameter, v)
		}
		config.Concurrency = n
	}
	if v, ok := configMap["history_path"]; ok && v != "" {
		config.History = history.NewFile(v)
	}

	return config, nil
}
