package sftp

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/grokify/ralph"
	"github.com/grokify/ralph/history"
)

// Config holds configuration for the sftp backend.
type Config struct {
	// Addr is the SSH endpoint, host:port.
	// Default: "localhost:22"
	Addr string

	// User is the SSH user name.
	User string

	// Password authenticates with a password when set.
	Password string

	// PrivateKeyPath authenticates with the PEM key at this path when
	// set. Password and key may both be offered; the server picks.
	PrivateKeyPath string

	// KnownHostsPath verifies the server's host key against an
	// OpenSSH known_hosts file. Required unless Insecure is set.
	KnownHostsPath string

	// Insecure disables host key verification.
	Insecure bool

	// Path is the default remote directory for list, read and write
	// operations. Relative targets are resolved against it.
	// Default: "."
	Path string

	// ChunkSize is the block size for raw reads.
	// Default: 4096
	ChunkSize int

	// History records completed reads and writes.
	// Default: an in-process log.
	History history.Log

	// Logger receives structured logs. Default: a no-op logger.
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:      "localhost:22",
		Path:      ".",
		ChunkSize: 4096,
	}
}

// ConfigFromMap builds a Config from a flat string map, starting from
// the defaults.
func ConfigFromMap(configMap map[string]string) (Config, error) {
	config := DefaultConfig()

	if v, ok := configMap["addr"]; ok && v != "" {
		config.Addr = v
	}
	if v, ok := configMap["user"]; ok && v != "" {
		config.User = v
	}
	if v, ok := configMap["password"]; ok && v != "" {
		config.Password = v
	}
	if v, ok := configMap["private_key_path"]; ok && v != "" {
		config.PrivateKeyPath = v
	}
	if v, ok := configMap["known_hosts_path"]; ok && v != "" {
		config.KnownHostsPath = v
	}
	if v, ok := configMap["insecure"]; ok && v != "" {
		insecure, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: invalid insecure %q", ralph.ErrParameter, v)
		}
		config.Insecure = insecure
	}
	if v, ok := configMap["path"]; ok && v != "" {
		config.Path = v
	}
	if v, ok := configMap["chunk_size"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%w: invalid chunk_size %q", ralph.ErrParameter, v)
		}
		config.ChunkSize = n
	}
	if v, ok := configMap["history_path"]; ok && v != "" {
		config.History = history.NewFile(v)
	}

	return config, nil
}
