package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/TheEntropyCollective/peersync/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/peersync/pkg/infrastructure/logging"
)

// globalOptions holds the persistent flags shared by every command
type globalOptions struct {
	configPath string
	verbose    bool
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "peersync",
		Short: "Keep a local directory synchronized with a peer-to-peer store",
		Long: `peersync watches a local directory and an IPFS node and reconciles
changes made on either side.

Run "peersync config init" once, then "peersync run" to start the engine.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to configuration file (default ~/.peersync/config.json)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Output in JSON format")

	root.AddCommand(
		newRunCmd(opts),
		newSyncCmd(opts),
		newDesyncCmd(opts),
		newStatusCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

func (o *globalOptions) path() (string, error) {
	if o.configPath != "" {
		return o.configPath, nil
	}
	return config.GetDefaultConfigPath()
}

// load reads the configuration file, applying environment overrides
func (o *globalOptions) load() (*config.Config, error) {
	path, err := o.path()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section
func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseLogFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	var output io.Writer = os.Stderr
	if cfg.Output == "file" {
		output, err = logging.CreateFileOutput(cfg.File)
		if err != nil {
			return nil, err
		}
	}

	logging.InitGlobalLogger(&logging.Config{Level: level, Format: format, Output: output})
	return logging.GetGlobalLogger(), nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
