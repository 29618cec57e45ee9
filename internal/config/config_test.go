package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Storage.Kind != "sqlite" {
		t.Errorf("Expected Storage.Kind 'sqlite', got '%s'", cfg.Storage.Kind)
	}
	if cfg.Load.BatchSize != 1000 {
		t.Errorf("Expected Load.BatchSize 1000, got %d", cfg.Load.BatchSize)
	}
	if cfg.Load.CheckpointEvery != 10000 {
		t.Errorf("Expected Load.CheckpointEvery 10000, got %d", cfg.Load.CheckpointEvery)
	}
	if len(cfg.Datasets) != 3 {
		t.Fatalf("Expected 3 default datasets, got %d", len(cfg.Datasets))
	}
	if cfg.Datasets[0].Table != "18100004" || cfg.Datasets[0].Destination != "cpi_monthly.csv" {
		t.Errorf("unexpected cpi dataset: %+v", cfg.Datasets[0])
	}
	if cfg.Source.Timeout != 5*time.Minute {
		t.Errorf("Expected Source.Timeout 5m, got %s", cfg.Source.Timeout)
	}
	if err := cfg.ValidateRun(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantError bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "missing kind", mutate: func(c *Config) { c.Storage.Kind = "" }, wantError: true},
		{name: "unknown kind", mutate: func(c *Config) { c.Storage.Kind = "mysql" }, wantError: true},
		{name: "missing dsn", mutate: func(c *Config) { c.Storage.DSN = " " }, wantError: true},
		{name: "zero batch", mutate: func(c *Config) { c.Load.BatchSize = 0 }, wantError: true},
		{name: "checkpoint below batch", mutate: func(c *Config) { c.Load.CheckpointEvery = 10 }, wantError: true},
		{name: "zero dimension chunk", mutate: func(c *Config) { c.Load.DimensionChunk = 0 }, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantError {
				t.Errorf("Validate() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestConfigValidateRun(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantError bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "no datasets", mutate: func(c *Config) { c.Datasets = nil }, wantError: true},
		{name: "bad kind", mutate: func(c *Config) { c.Datasets[0].Kind = "gdp" }, wantError: true},
		{name: "missing table", mutate: func(c *Config) { c.Datasets[1].Table = "" }, wantError: true},
		{name: "duplicate name", mutate: func(c *Config) { c.Datasets[2].Name = "cpi" }, wantError: true},
		{name: "missing base url", mutate: func(c *Config) { c.Source.BaseURL = "" }, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.ValidateRun()
			if (err != nil) != tt.wantError {
				t.Errorf("ValidateRun() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "econstats.yaml")

	configContent := `
storage:
  kind: postgres
  dsn: postgres://etl@localhost/stats
load:
  batch_size: 500
  checkpoint_every: 5000
source:
  timeout: 30s
datasets:
  - name: cpi
    table: "18100004"
    kind: cpi
    destination: cpi.csv
    filters:
      Adjustments: Unadjusted
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Storage.Kind != "postgres" {
		t.Errorf("Expected Storage.Kind 'postgres', got '%s'", cfg.Storage.Kind)
	}
	if cfg.Load.BatchSize != 500 || cfg.Load.CheckpointEvery != 5000 {
		t.Errorf("unexpected load config: %+v", cfg.Load)
	}
	if cfg.Load.DimensionChunk != 500 {
		t.Errorf("Expected default DimensionChunk to survive, got %d", cfg.Load.DimensionChunk)
	}
	if cfg.Source.Timeout != 30*time.Second {
		t.Errorf("Expected Source.Timeout 30s, got %s", cfg.Source.Timeout)
	}
	if len(cfg.Datasets) != 1 || cfg.Datasets[0].Destination != "cpi.csv" {
		t.Fatalf("unexpected datasets: %+v", cfg.Datasets)
	}
	// viper may lower-case map keys; raw column matching is case-insensitive.
	got := ""
	for k, v := range cfg.Datasets[0].Filters {
		if strings.EqualFold(k, "Adjustments") {
			got = v
		}
	}
	if got != "Unadjusted" {
		t.Errorf("Expected filter value 'Unadjusted', got %q (%v)", got, cfg.Datasets[0].Filters)
	}
}

func TestDatasetLookup(t *testing.T) {
	cfg := DefaultConfig()
	d, ok := cfg.Dataset("retail_province")
	if !ok || d.Table != "20100056" {
		t.Fatalf("Dataset(retail_province) = %+v, %v", d, ok)
	}
	if _, ok := cfg.Dataset("nope"); ok {
		t.Fatal("expected miss")
	}
}
