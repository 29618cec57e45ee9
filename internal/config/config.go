// Package config handles configuration management for econstats.
//
// Configuration is loaded from a YAML file and CLI flags. CLI flags take
// precedence over file values. Nothing in this package reads environment
// variables: the resolved Config is the only source of settings and is passed
// explicitly to every component that needs one.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for econstats.
type Config struct {
	Storage  StorageConfig   `mapstructure:"storage"`
	Source   SourceConfig    `mapstructure:"source"`
	Datasets []DatasetConfig `mapstructure:"datasets"`
	Load     LoadConfig      `mapstructure:"load"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Log      LogConfig       `mapstructure:"log"`
	Export   ExportConfig    `mapstructure:"export"`
	API      APIConfig       `mapstructure:"api"`
}

// StorageConfig selects the relational backend.
type StorageConfig struct {
	// Kind is one of "sqlite", "postgres", "mssql".
	Kind string `mapstructure:"kind"`

	// DSN is handed to the backend verbatim.
	DSN string `mapstructure:"dsn"`

	// MaxConns caps the backend pool (0 = backend default).
	MaxConns int `mapstructure:"max_conns"`
}

// SourceConfig controls the Source Adapter.
type SourceConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	DataDir           string        `mapstructure:"data_dir"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	UserAgent         string        `mapstructure:"user_agent"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseBackoff       time.Duration `mapstructure:"base_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	S3Mirror          S3Config      `mapstructure:"s3_mirror"`
}

// S3Config names an optional S3 destination. An empty Bucket disables it.
type S3Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	Region string `mapstructure:"region"`
}

// Enabled reports whether a bucket is configured.
func (s S3Config) Enabled() bool { return strings.TrimSpace(s.Bucket) != "" }

// DatasetConfig describes one published table to ingest.
type DatasetConfig struct {
	// Name identifies the dataset in logs and reports.
	Name string `mapstructure:"name"`

	// Table is the source table code (e.g. "18100004").
	Table string `mapstructure:"table"`

	// Kind is "cpi", "retail_industry" or "retail_province".
	Kind string `mapstructure:"kind"`

	// Destination is the local file name of the persisted raw copy.
	Destination string `mapstructure:"destination"`

	// Columns overrides the raw column names of the kind.
	Columns ColumnsConfig `mapstructure:"columns"`

	// Filters overrides the variant filters of the kind (raw column -> kept value).
	Filters map[string]string `mapstructure:"filters"`
}

// ColumnsConfig maps semantic columns to raw column names.
type ColumnsConfig struct {
	Date      string `mapstructure:"date"`
	Geography string `mapstructure:"geography"`
	Category  string `mapstructure:"category"`
	Value     string `mapstructure:"value"`
}

// LoadConfig controls the dimension and fact loaders.
type LoadConfig struct {
	BatchSize       int `mapstructure:"batch_size"`
	CheckpointEvery int `mapstructure:"checkpoint_every"`
	DimensionChunk  int `mapstructure:"dimension_chunk"`
}

// MetricsConfig controls the optional Datadog backend.
type MetricsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Job        string        `mapstructure:"job"`
	Env        string        `mapstructure:"env"`
	Tags       []string      `mapstructure:"tags"`
	FlushEvery time.Duration `mapstructure:"flush_every"`
}

// LogConfig controls logging verbosity and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// ExportConfig controls parquet export.
type ExportConfig struct {
	Dir string   `mapstructure:"dir"`
	S3  S3Config `mapstructure:"s3"`
}

// APIConfig controls the HTTP query surface.
type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

// DefaultDatasets returns the three published tables the pipeline ingests
// when no datasets are configured.
func DefaultDatasets() []DatasetConfig {
	return []DatasetConfig{
		{Name: "cpi", Table: "18100004", Kind: "cpi", Destination: "cpi_monthly.csv"},
		{Name: "retail_industry", Table: "20100008", Kind: "retail_industry", Destination: "retail_sales_industry.csv"},
		{Name: "retail_province", Table: "20100056", Kind: "retail_province", Destination: "retail_sales_province.csv"},
	}
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Kind: "sqlite",
			DSN:  "econstats.db",
		},
		Source: SourceConfig{
			BaseURL:           "https://www150.statcan.gc.ca/n1/tbl/csv",
			DataDir:           "data/raw",
			Timeout:           5 * time.Minute,
			RequestsPerSecond: 1,
			UserAgent:         "econstats-etl",
			MaxAttempts:       3,
			BaseBackoff:       2 * time.Second,
			MaxBackoff:        60 * time.Second,
		},
		Datasets: DefaultDatasets(),
		Load: LoadConfig{
			BatchSize:       1000,
			CheckpointEvery: 10000,
			DimensionChunk:  500,
		},
		Metrics: MetricsConfig{
			Job:        "econstats",
			Env:        "unknown",
			FlushEvery: 60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
		Export: ExportConfig{
			Dir: "data/export",
		},
		API: APIConfig{
			Addr: ":8080",
		},
	}
}

// Load reads configuration from config files.
// Config file locations (in order of precedence):
// 1. Path specified by configFile parameter
// 2. ./econstats.yaml
// 3. ~/.config/econstats/config.yaml
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("econstats")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "econstats"))
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Slices decode element-wise into existing values, so defaults for
	// datasets are applied after unmarshalling.
	cfg := DefaultConfig()
	cfg.Datasets = nil
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if len(cfg.Datasets) == 0 {
		cfg.Datasets = DefaultDatasets()
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	switch c.Storage.Kind {
	case "sqlite", "postgres", "mssql":
	case "":
		return fmt.Errorf("storage.kind is required")
	default:
		return fmt.Errorf("unsupported storage.kind %q", c.Storage.Kind)
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		return fmt.Errorf("storage.dsn is required")
	}
	if c.Load.BatchSize < 1 {
		return fmt.Errorf("load.batch_size must be at least 1")
	}
	if c.Load.CheckpointEvery < c.Load.BatchSize {
		return fmt.Errorf("load.checkpoint_every must be >= load.batch_size")
	}
	if c.Load.DimensionChunk < 1 {
		return fmt.Errorf("load.dimension_chunk must be at least 1")
	}
	return nil
}

// ValidateRun checks configuration required for the run and fetch commands.
func (c *Config) ValidateRun() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Source.BaseURL) == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if strings.TrimSpace(c.Source.DataDir) == "" {
		return fmt.Errorf("source.data_dir is required")
	}
	if len(c.Datasets) == 0 {
		return fmt.Errorf("at least one dataset is required")
	}
	seen := make(map[string]struct{}, len(c.Datasets))
	for i, d := range c.Datasets {
		if d.Name == "" || d.Table == "" || d.Destination == "" {
			return fmt.Errorf("datasets[%d]: name, table and destination are required", i)
		}
		switch d.Kind {
		case "cpi", "retail_industry", "retail_province":
		default:
			return fmt.Errorf("datasets[%d]: unsupported kind %q", i, d.Kind)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("datasets[%d]: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	return nil
}

// ValidateExport checks configuration required for the export command.
func (c *Config) ValidateExport() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Export.Dir) == "" {
		return fmt.Errorf("export.dir is required")
	}
	return nil
}

// Dataset returns the dataset config with the given name.
func (c *Config) Dataset(name string) (DatasetConfig, bool) {
	for _, d := range c.Datasets {
		if d.Name == name {
			return d, true
		}
	}
	return DatasetConfig{}, false
}
