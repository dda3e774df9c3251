package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tracecluster/tracecluster/internal/config"
	"github.com/tracecluster/tracecluster/internal/store"
)

// app carries the state shared by every subcommand.
type app struct {
	configPath string
	logLevel   string
	dbPath     string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "tracecluster",
		Short: "Group VMs into partitions by the similarity of their traffic peers",
		Long: `tracecluster extracts, for every VM, the set of IPs it exchanges traffic with,
signs the sets with MinHash and groups VMs whose sets are similar using LSH.

Examples:
  tracecluster features --trace trace.csv --metadata ip_vm.csv
  tracecluster partition --threshold 0.7 --algorithm union_set
  tracecluster evaluate --labels labels.csv
  tracecluster show --format yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to TOML configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "Path to the run store")

	root.AddCommand(
		newFeaturesCmd(a),
		newPartitionCmd(a),
		newEvaluateCmd(a),
		newShowCmd(a),
	)
	return root
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setup builds the logger and the effective configuration. Flags that were
// set on cmd override the file.
func (a *app) setup(cmd *cobra.Command, override func(*config.Config) error) error {
	a.logger = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: parseLevel(a.logLevel),
	}))
	slog.SetDefault(a.logger)

	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Storage.DBPath = config.ExpandPath(a.dbPath)
	}
	if override != nil {
		if err := override(cfg); err != nil {
			return err
		}
	}
	cfg.ExpandPaths()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg
	return nil
}

// loadConfig reads path, or the default config file when it exists, or
// falls back to defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		def := config.DefaultPaths().ConfigFile
		if _, err := os.Stat(def); err != nil {
			cfg := config.DefaultConfig()
			return &cfg, nil
		}
		path = def
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	return cfg, nil
}

func (a *app) openStore() (*store.Store, error) {
	return store.Open(a.cfg.Storage.DBPath, a.logger)
}

// flagOverrides copies flag values into the config only for flags the user set.
type flagOverrides struct {
	cmd *cobra.Command
	err error
}

func (o *flagOverrides) str(name string, dst *string) {
	if o.err != nil || !o.cmd.Flags().Changed(name) {
		return
	}
	*dst, o.err = o.cmd.Flags().GetString(name)
}

func (o *flagOverrides) integer(name string, dst *int) {
	if o.err != nil || !o.cmd.Flags().Changed(name) {
		return
	}
	*dst, o.err = o.cmd.Flags().GetInt(name)
}

func (o *flagOverrides) integer64(name string, dst *int64) {
	if o.err != nil || !o.cmd.Flags().Changed(name) {
		return
	}
	*dst, o.err = o.cmd.Flags().GetInt64(name)
}

func (o *flagOverrides) float(name string, dst *float64) {
	if o.err != nil || !o.cmd.Flags().Changed(name) {
		return
	}
	*dst, o.err = o.cmd.Flags().GetFloat64(name)
}

func (o *flagOverrides) boolean(name string, dst *bool) {
	if o.err != nil || !o.cmd.Flags().Changed(name) {
		return
	}
	*dst, o.err = o.cmd.Flags().GetBool(name)
}

func (o *flagOverrides) negated(name string, dst *bool) {
	if o.err != nil || !o.cmd.Flags().Changed(name) {
		return
	}
	var v bool
	v, o.err = o.cmd.Flags().GetBool(name)
	*dst = !v
}

func addInputFlags(cmd *cobra.Command) {
	cmd.Flags().String("trace", "", "Trace CSV with source and destination IP columns")
	cmd.Flags().String("metadata", "", "CSV mapping ip to vmid")
	cmd.Flags().Bool("external-only", false, "Ignore private, reserved and loopback peers")
	cmd.Flags().Bool("no-header", false, "Trace CSV has no header row")
	cmd.Flags().Bool("rebuild", false, "Re-extract features even when a cached copy exists")
}

func applyInputFlags(o *flagOverrides, cfg *config.Config) {
	o.str("trace", &cfg.Input.Trace)
	o.str("metadata", &cfg.Input.Metadata)
	o.boolean("external-only", &cfg.Input.ExternalOnly)
	o.negated("no-header", &cfg.Input.HasHeader)
}

var (
	errNoInput  = errors.New("trace and metadata paths are required to extract features")
	errNoLabels = errors.New("a labels file is required")
)

func writeLine(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format+"\n", args...)
}
