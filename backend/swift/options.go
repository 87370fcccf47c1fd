package swift

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/grokify/ralph"
	"github.com/grokify/ralph/history"
)

// ErrContainerRequired is returned when no default container is
// configured.
var ErrContainerRequired = fmt.Errorf("%w: a default container is required", ralph.ErrParameter)

// Config holds configuration for the swift backend.
type Config struct {
	// AuthURL is the Keystone authentication endpoint.
	// Default: "https://auth.cloud.ovh.net/"
	AuthURL string

	// Username and Password authenticate the Swift user.
	Username string
	Password string

	// AuthVersion is the Keystone API version.
	// Default: 3
	AuthVersion int

	// TenantID and TenantName identify the project owning the
	// container.
	TenantID   string
	TenantName string

	// ProjectDomainName is the domain of the project.
	// Default: "Default"
	ProjectDomainName string

	// Region is the region of the container.
	Region string

	// ObjectStorageURL overrides the storage URL returned by the
	// authentication service.
	ObjectStorageURL string

	// UserDomainName is the domain of the user.
	// Default: "Default"
	UserDomainName string

	// Container is the default container for list, read and write
	// operations. Required.
	Container string

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
		AuthURL:           "https://auth.cloud.ovh.net/",
		AuthVersion:       3,
		ProjectDomainName: "Default",
		UserDomainName:    "Default",
		ChunkSize:         4096,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Container == "" {
		return ErrContainerRequired
	}
	return nil
}

// ConfigFromMap builds a Config from a flat string map, starting from
// the defaults.
func ConfigFromMap(configMap map[string]string) (Config, error) {
	config := DefaultConfig()

	if v, ok := configMap["auth_url"]; ok && v != "" {
		config.AuthURL = v
	}
	if v, ok := configMap["username"]; ok && v != "" {
		config.Username = v
	}
	if v, ok := configMap["password"]; ok && v != "" {
		config.Password = v
	}
	if v, ok := configMap["auth_version"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%w: invalid auth_version %q", ralph.ErrParameter, v)
		}
		config.AuthVersion = n
	}
	if v, ok := configMap["tenant_id"]; ok && v != "" {
		config.TenantID = v
	}
	if v, ok := configMap["tenant_name"]; ok && v != "" {
		config.TenantName = v
	}
	if v, ok := configMap["project_domain_name"]; ok && v != "" {
		config.ProjectDomainName = v
	}
	if v, ok := configMap["region"]; ok && v != "" {
		config.Region = v
	}
	if v, ok := configMap["object_storage_url"]; ok && v != "" {
		config.ObjectStorageURL = v
	}
	if v, ok := configMap["user_domain_name"]; ok && v != "" {
		config.UserDomainName = v
	}
	if v, ok := configMap["container"]; ok && v != "" {
		config.Container = v
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
