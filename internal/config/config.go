// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"wfsharvest/internal/geo"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	WFS      WFSConfig      `mapstructure:"wfs"`
	Grid     GridConfig     `mapstructure:"grid"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Validation ValidateConfig `mapstructure:"validate"`
	Merge    MergeConfig    `mapstructure:"merge"`
	Output   OutputConfig   `mapstructure:"output"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// WFSConfig describes the remote feature service.
type WFSConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	Layer          string  `mapstructure:"layer"`
	Version        string  `mapstructure:"version"`
	SRS            string  `mapstructure:"srs"`
	OutputFormat   string  `mapstructure:"output_format"`
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RPS            float64 `mapstructure:"rps"`
	SwapAxes       bool    `mapstructure:"swap_axes"`
}

// GridConfig defines the harvest extent and the root tile size.
type GridConfig struct {
	West  float64 `mapstructure:"west"`
	South float64 `mapstructure:"south"`
	East  float64 `mapstructure:"east"`
	North float64 `mapstructure:"north"`
	Step  float64 `mapstructure:"step"`
}

// FetchConfig governs the tile fetch and subdivision pipeline.
type FetchConfig struct {
	Concurrency     int     `mapstructure:"concurrency"`
	MaxFeatures     int     `mapstructure:"max_features"`
	SaturationRatio float64 `mapstructure:"saturation_ratio"`
	MaxDepth        int     `mapstructure:"max_depth"`
	MaxRetries      int     `mapstructure:"max_retries"`
	BackoffBaseMs   int     `mapstructure:"backoff_base_ms"`
}

// ValidateConfig governs the artifact validation phase.
type ValidateConfig struct {
	ChunkSize int `mapstructure:"chunk_size"`
}

// MergeConfig governs the merge phase.
type MergeConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

// OutputConfig sets paths for the harvest directory and final datasets.
type OutputConfig struct {
	HarvestDir  string `mapstructure:"harvest_dir"`
	MergedPath  string `mapstructure:"merged_path"`
	DedupedPath string `mapstructure:"deduped_path"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WFSHARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("wfs.version", "2.0.0")
	v.SetDefault("wfs.srs", "EPSG:4326")
	v.SetDefault("wfs.output_format", "application/json")
	v.SetDefault("wfs.user_agent", "wfsharvest/0.1")
	v.SetDefault("wfs.timeout_seconds", 30)
	v.SetDefault("wfs.rps", 0)
	v.SetDefault("wfs.swap_axes", false)
	v.SetDefault("grid.step", 0.05)
	v.SetDefault("fetch.concurrency", 6)
	v.SetDefault("fetch.max_features", 1000)
	v.SetDefault("fetch.saturation_ratio", 0.4)
	v.SetDefault("fetch.max_depth", 5)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_base_ms", 1000)
	v.SetDefault("validate.chunk_size", 500)
	v.SetDefault("merge.batch_size", 1000)
	v.SetDefault("output.harvest_dir", "data/harvest")
	v.SetDefault("output.merged_path", "data/merged.sqlite")
	v.SetDefault("output.deduped_path", "data/deduped.sqlite")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.WFS.BaseURL == "" {
		return fmt.Errorf("wfs.base_url is required")
	}
	if c.WFS.Layer == "" {
		return fmt.Errorf("wfs.layer is required")
	}
	if c.WFS.TimeoutSeconds <= 0 {
		return fmt.Errorf("wfs.timeout_seconds must be > 0")
	}
	if err := c.Extent().Validate(); err != nil {
		return fmt.Errorf("grid extent: %w", err)
	}
	if c.Grid.Step <= 0 {
		return fmt.Errorf("grid.step must be > 0")
	}
	if c.Fetch.Concurrency <= 0 {
		return fmt.Errorf("fetch.concurrency must be > 0")
	}
	if c.Fetch.MaxFeatures <= 0 {
		return fmt.Errorf("fetch.max_features must be > 0")
	}
	if c.Fetch.SaturationRatio <= 0 || c.Fetch.SaturationRatio > 1 {
		return fmt.Errorf("fetch.saturation_ratio must be in (0, 1]")
	}
	if c.Fetch.MaxRetries <= 0 {
		return fmt.Errorf("fetch.max_retries must be > 0")
	}
	if c.Output.HarvestDir == "" {
		return fmt.Errorf("output.harvest_dir is required")
	}
	if c.Output.MergedPath == "" || c.Output.DedupedPath == "" {
		return fmt.Errorf("output.merged_path and output.deduped_path are required")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the status server is enabled")
	}
	return nil
}

// Extent returns the configured harvest extent.
func (c Config) Extent() geo.Extent {
	return geo.Extent{
		West:  c.Grid.West,
		South: c.Grid.South,
		East:  c.Grid.East,
		North: c.Grid.North,
	}
}

// HTTPTimeout converts the WFS timeout into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.WFS.TimeoutSeconds) * time.Second
}

// BackoffBase converts the retry backoff base into a duration.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Fetch.BackoffBaseMs) * time.Millisecond
}
