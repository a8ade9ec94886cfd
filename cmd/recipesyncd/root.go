package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/recipesync/internal/config"
	"github.com/kimhsiao/recipesync/internal/logging"
)

// rootOptions holds global flags and the resolved configuration.
type rootOptions struct {
	ConfigFile string
	DataDir    string
	LogLevel   string

	cfg       *config.Config
	logCloser io.Closer
}

// validFormats are the output formats accepted by -o.
var validFormats = []string{"text", "json", "yaml"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "recipesyncd",
		Short: "Offline-first recipe sync daemon",
		Long: `recipesyncd drains the local queue of recipe, photo and collection
mutations to the configured remote store.

Configuration is read from --config, or config.yaml in the data directory,
and RECIPESYNC_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logCloser != nil {
				return opts.logCloser.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "override data_dir")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log.level (debug|info|warn|error)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newRemoteCommand(opts))

	return cmd
}

// load resolves configuration and initializes logging.
func (o *rootOptions) load() error {
	cfg, err := config.Load(config.Options{File: o.ConfigFile})
	if err != nil {
		return err
	}
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	if cfg.Log.File != "" {
		o.logCloser = logging.InitFile(logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		}, level, false)
	} else {
		logging.Init(os.Stderr, level)
	}

	o.cfg = cfg
	return nil
}

func checkFormat(format string) error {
	for _, f := range validFormats {
		if f == format {
			return nil
		}
	}
	return fmt.Errorf("invalid output format %q: must be one of %v", format, validFormats)
}

// printStructured writes v as JSON or YAML. YAML output keeps the JSON
// field names.
func printStructured(w io.Writer, format string, v interface{}) error {
	switch format {
	case "yaml":
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}
