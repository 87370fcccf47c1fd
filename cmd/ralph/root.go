package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/grokify/mogo/log/slogutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/grokify/ralph"

	// Data backends register themselves on import.
	_ "github.com/grokify/ralph/backend/clickhouse"
	_ "github.com/grokify/ralph/backend/es"
	_ "github.com/grokify/ralph/backend/fs"
	_ "github.com/grokify/ralph/backend/ldp"
	_ "github.com/grokify/ralph/backend/lrshttp"
	_ "github.com/grokify/ralph/backend/mongo"
	_ "github.com/grokify/ralph/backend/s3"
	_ "github.com/grokify/ralph/backend/sftp"
	_ "github.com/grokify/ralph/backend/swift"
	_ "github.com/grokify/ralph/backend/ws"
)

const envPrefix = "RALPH"

// rootOptions carries the persistent flags shared by every
// subcommand.
type rootOptions struct {
	backend    string
	configFile string
	verbose    bool

	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "ralph",
		Short: "move learning event records between data backends",
		Long: "ralph reads and writes learning event records through a set of\n" +
			"pluggable data backends: document stores, object storage, log\n" +
			"archives, files and live streams.\n\n" +
			"Available backends: " + strings.Join(ralph.Backends(), ", "),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.loadConfig()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.backend, "backend", "b", "fs",
		"name of the backend to use")
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "",
		"configuration file (default: ralph.yaml in . or ~/.config/ralph)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false,
		"log activity to stderr")

	cmd.AddCommand(
		newStatusCmd(opts),
		newListCmd(opts),
		newReadCmd(opts),
		newWriteCmd(opts),
	)
	return cmd
}

// loadConfig reads the configuration file, when one is found, and
// prepares the environment overlay.
func (o *rootOptions) loadConfig() error {
	v := viper.New()
	if o.configFile != "" {
		v.SetConfigFile(o.configFile)
	} else {
		v.SetConfigName("ralph")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/ralph")
		}
		v.AddConfigPath("/etc/ralph")
	}
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if o.configFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("%w: reading configuration: %w", ralph.ErrParameter, err)
		}
	}
	o.v = v
	return nil
}

// backendConfig assembles the flat string map for the selected
// backend: the backends.<name> section of the configuration file,
// overlaid with RALPH_<NAME>_<KEY> environment variables.
func (o *rootOptions) backendConfig() map[string]string {
	config := map[string]string{}
	if o.v != nil {
		for key, value := range o.v.GetStringMapString("backends." + o.backend) {
			config[key] = value
		}
	}

	prefix := envPrefix + "_" + strings.ToUpper(o.backend) + "_"
	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, prefix))
		config[key] = value
	}
	return config
}

// openBackend resolves the selected backend through the registry.
func (o *rootOptions) openBackend() (ralph.Backend, error) {
	backend, err := ralph.Open(o.backend, o.backendConfig())
	if err != nil {
		if errors.Is(err, ralph.ErrUnknownBackend) {
			return nil, fmt.Errorf("%w: unknown backend %q, available: %s",
				ralph.ErrParameter, o.backend, strings.Join(ralph.Backends(), ", "))
		}
		return nil, err
	}
	o.logger().Debug("using backend", slog.String("backend", backend.Name()))
	return backend, nil
}

// logger returns the CLI logger: stderr text when verbose, discard
// otherwise.
func (o *rootOptions) logger() *slog.Logger {
	if o.verbose {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slogutil.Null()
}
