// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/tracecluster/tracecluster/internal/evaluate"
	"github.com/tracecluster/tracecluster/internal/partition"
	"github.com/tracecluster/tracecluster/internal/store"
	"github.com/tracecluster/tracecluster/pkg/lsh"
	"github.com/tracecluster/tracecluster/pkg/minhash"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Paths holds XDG-compliant paths for tracecluster.
type Paths struct {
	ConfigDir  string // ~/.config/tracecluster
	DataDir    string // ~/.local/share/tracecluster
	ConfigFile string // ~/.config/tracecluster/config.toml
	DBPath     string // ~/.local/share/tracecluster/tracecluster.db
	OutputDir  string // ~/.local/share/tracecluster/results
}

// ExpandPath expands ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
// Panics if home directory cannot be determined when ~ expansion is needed.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Sprintf("failed to get home directory: %v", err))
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

// DefaultPaths returns the default XDG-compliant paths.
// Panics if the user's home directory cannot be determined.
func DefaultPaths() Paths {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Sprintf("failed to get home directory: %v", err))
	}
	configDir := filepath.Join(home, ".config", "tracecluster")
	dataDir := filepath.Join(home, ".local", "share", "tracecluster")

	return Paths{
		ConfigDir:  configDir,
		DataDir:    dataDir,
		ConfigFile: filepath.Join(configDir, "config.toml"),
		DBPath:     filepath.Join(dataDir, "tracecluster.db"),
		OutputDir:  filepath.Join(dataDir, "results"),
	}
}

// EnsureDirectories creates config and data directories if they don't exist.
func (p Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0700); err != nil {
		return err
	}
	return os.MkdirAll(p.DataDir, 0700)
}

// Config holds configuration for the tracecluster CLI.
type Config struct {
	Index      IndexConfig      `toml:"index"`
	Partition  PartitionConfig  `toml:"partition"`
	Input      InputConfig      `toml:"input"`
	Storage    StorageConfig    `toml:"storage"`
	Evaluation EvaluationConfig `toml:"evaluation"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// IndexConfig holds MinHash and LSH settings.
type IndexConfig struct {
	NumPerm     int     `toml:"num_perm"`
	Seed        int64   `toml:"seed"`
	Mode        string  `toml:"mode"`
	Threshold   float64 `toml:"threshold"`
	ForestTrees int     `toml:"forest_trees"`
	TopK        int     `toml:"top_k"`
	Verify      bool    `toml:"verify"`
}

// PartitionConfig holds partition builder settings.
type PartitionConfig struct {
	Algorithm string `toml:"algorithm"`
	Workers   int    `toml:"workers"`
}

// InputConfig holds the trace and metadata sources.
type InputConfig struct {
	Trace        string `toml:"trace"`
	Metadata     string `toml:"metadata"`
	HasHeader    bool   `toml:"has_header"`
	ExternalOnly bool   `toml:"external_only"`
}

// StorageConfig holds the run store and result file locations.
type StorageConfig struct {
	DBPath       string `toml:"db_path"`
	OutputDir    string `toml:"output_dir"`
	OutputFormat string `toml:"output_format"`
}

// EvaluationConfig holds the ground-truth labels source.
type EvaluationConfig struct {
	Labels      string `toml:"labels"`
	LabelColumn string `toml:"label_column"`
}

// MetricsConfig holds the Prometheus textfile destination. Empty disables it.
type MetricsConfig struct {
	Textfile string `toml:"textfile"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	paths := DefaultPaths()
	return Config{
		Index: IndexConfig{
			NumPerm:     minhash.DefaultNumPerm,
			Seed:        minhash.DefaultSeed,
			Mode:        string(lsh.ModeThreshold),
			Threshold:   0.5,
			ForestTrees: lsh.DefaultTrees,
			TopK:        10,
		},
		Partition: PartitionConfig{
			Algorithm: string(partition.AlgorithmUnionSet),
		},
		Input: InputConfig{
			HasHeader: true,
		},
		Storage: StorageConfig{
			DBPath:       paths.DBPath,
			OutputDir:    paths.OutputDir,
			OutputFormat: string(store.FormatJSON),
		},
		Evaluation: EvaluationConfig{
			LabelColumn: evaluate.DefaultLabelColumn,
		},
	}
}

// Load loads a Config from a TOML file on top of DefaultConfig.
// Paths with ~ are expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	cfg.ExpandPaths()

	return &cfg, nil
}

// ExpandPaths expands ~ in every file path setting.
func (c *Config) ExpandPaths() {
	for _, p := range []*string{
		&c.Input.Trace,
		&c.Input.Metadata,
		&c.Storage.DBPath,
		&c.Storage.OutputDir,
		&c.Evaluation.Labels,
		&c.Metrics.Textfile,
	} {
		*p = ExpandPath(*p)
	}
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	if c.Index.NumPerm < 2 {
		return fmt.Errorf("%w: index.num_perm must be at least 2, got %d", ErrInvalidConfig, c.Index.NumPerm)
	}
	mode, err := lsh.ParseMode(c.Index.Mode)
	if err != nil {
		return fmt.Errorf("%w: index.mode: %v", ErrInvalidConfig, err)
	}
	switch mode {
	case lsh.ModeThreshold:
		if c.Index.Threshold < 0 || c.Index.Threshold > 1 {
			return fmt.Errorf("%w: index.threshold must be in [0, 1], got %v", ErrInvalidConfig, c.Index.Threshold)
		}
	case lsh.ModeTopK:
		if c.Index.ForestTrees < 1 || c.Index.ForestTrees > c.Index.NumPerm {
			return fmt.Errorf("%w: index.forest_trees must be in [1, num_perm], got %d", ErrInvalidConfig, c.Index.ForestTrees)
		}
		if c.Index.TopK < 1 {
			return fmt.Errorf("%w: index.top_k must be positive, got %d", ErrInvalidConfig, c.Index.TopK)
		}
	}
	if _, err := partition.ParseAlgorithm(c.Partition.Algorithm); err != nil {
		return fmt.Errorf("%w: partition.algorithm: %v", ErrInvalidConfig, err)
	}
	if c.Partition.Workers < 0 {
		return fmt.Errorf("%w: partition.workers must not be negative", ErrInvalidConfig)
	}
	if _, err := store.ParseFormat(c.Storage.OutputFormat); err != nil {
		return fmt.Errorf("%w: storage.output_format: %v", ErrInvalidConfig, err)
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("%w: storage.db_path is required", ErrInvalidConfig)
	}
	return nil
}
