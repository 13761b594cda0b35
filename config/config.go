// Package config loads the sink's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the sync sink.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Database DatabaseConfig `yaml:"database"`
	Sync     SyncConfig     `yaml:"sync"`
}

// ServiceConfig contains service-level settings.
type ServiceConfig struct {
	Name       string `yaml:"name"`
	HealthPort string `yaml:"health_port"`
}

// DatabaseConfig contains the DuckDB database and schema settings.
type DatabaseConfig struct {
	// Path to the DuckDB database file.
	Path string `yaml:"path"`
	// Schema the raw landing tables live in.
	RawSchema string `yaml:"raw_schema"`
	// Schema the typed final tables live in.
	FinalSchema string `yaml:"final_schema"`
}

// SyncConfig contains per-run ingestion settings.
type SyncConfig struct {
	// Path to the JSON catalog describing every stream of the run.
	CatalogPath string `yaml:"catalog_path"`
	// Namespace applied to records and catalog streams that omit one.
	DefaultNamespace string `yaml:"default_namespace"`
	// Records buffered per stream before a flush.
	BatchSize int `yaml:"batch_size"`
}

// LoadConfig loads configuration from a YAML file and applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.Service.Name == "" {
		config.Service.Name = "duckdb-sync-consumer"
	}
	if config.Service.HealthPort == "" {
		config.Service.HealthPort = "8095"
	}
	if config.Database.RawSchema == "" {
		config.Database.RawSchema = "raw"
	}
	if config.Database.FinalSchema == "" {
		config.Database.FinalSchema = "main"
	}
	if config.Sync.DefaultNamespace == "" {
		config.Sync.DefaultNamespace = "public"
	}
	if config.Sync.BatchSize == 0 {
		config.Sync.BatchSize = 1000
	}

	return &config, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Sync.CatalogPath == "" {
		return fmt.Errorf("sync.catalog_path is required")
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.Database.RawSchema == c.Database.FinalSchema {
		return fmt.Errorf("database.raw_schema and database.final_schema must differ")
	}
	return nil
}
