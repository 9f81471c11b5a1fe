package main

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ipsix/fleetaudit/internal/config"
	"github.com/ipsix/fleetaudit/internal/logging"
)

type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "fleetaudit",
		Short:         "Discover systems from management servers and fingerprint installed products",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultConfigPath, "Path to config file (JSON or YAML)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "Env file loaded before the config")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override daemon.log_level")

	cmd.AddCommand(
		newServeCmd(opts),
		newConnectCmd(opts),
		newFingerprintCmd(opts),
		newValidateCmd(opts),
		newStorageCheckCmd(opts),
	)
	return cmd
}

// load reads the env file, then the config. With allowMissing a config file
// that does not exist yields the defaults.
func (o *rootOptions) load(allowMissing bool) (config.Config, func(), error) {
	restore, err := loadEnvFile(o.envFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		if allowMissing && errors.Is(err, fs.ErrNotExist) {
			cfg = config.Default()
		} else {
			restore()
			return config.Config{}, nil, err
		}
	}
	if o.logLevel != "" {
		cfg.Daemon.LogLevel = o.logLevel
	}
	return cfg, restore, nil
}

func newLogger(cfg config.Config, out io.Writer) *logging.Logger {
	return logging.NewWithOptions(logging.Options{
		Level:    cfg.Daemon.LogLevel,
		Format:   cfg.Daemon.LogFormat,
		FilePath: cfg.Daemon.LogFile,
		Output:   out,
	})
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadEnvFile(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	previous := map[string]*string{}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, seen := previous[key]; !seen {
			if existing, ok := os.LookupEnv(key); ok {
				prior := existing
				previous[key] = &prior
			} else {
				previous[key] = nil
			}
		}
		_ = os.Setenv(key, strings.TrimSpace(value))
	}
	return func() {
		for key, value := range previous {
			if value == nil {
				_ = os.Unsetenv(key)
				continue
			}
			_ = os.Setenv(key, *value)
		}
	}, nil
}
