// Package config loads the process configuration from YAML and applies
// defaults for anything unset.
package config

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/guido-cesarano/dualpipe/pkg/coordinator"
	"github.com/guido-cesarano/dualpipe/pkg/syncer"
)

// Duration wraps time.Duration so YAML values like "10s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// PipelineConfig configures one processing lane.
type PipelineConfig struct {
	Workers int      `yaml:"workers"`
	Timeout Duration `yaml:"timeout"`
}

// SyncConfig is the YAML shape of a per-data-type sync policy.
type SyncConfig struct {
	Strategy             string             `yaml:"strategy"`
	ConfidenceThreshold  float64            `yaml:"confidence_threshold"`
	MaxSyncTime          Duration           `yaml:"max_sync_time"`
	FieldWeights         map[string]float64 `yaml:"field_weights"`
	CriticalFields       []string           `yaml:"critical_fields"`
	IgnoreFields         []string           `yaml:"ignore_fields"`
	AutoResolveConflicts *bool              `yaml:"auto_resolve_conflicts"`
}

// Config is the full process configuration.
type Config struct {
	Server struct {
		Addr        string `yaml:"addr"`
		MetricsAddr string `yaml:"metrics_addr"`
	} `yaml:"server"`

	Pipelines struct {
		RealTime      PipelineConfig `yaml:"real_time"`
		Comprehensive PipelineConfig `yaml:"comprehensive"`
	} `yaml:"pipelines"`

	MaxQueueSize     int      `yaml:"max_queue_size"`
	CompletedHistory int      `yaml:"completed_history"`
	PollInterval     Duration `yaml:"poll_interval"`

	SubmitRate  float64 `yaml:"submit_rate"`
	SubmitBurst int     `yaml:"submit_burst"`

	Sync map[string]SyncConfig `yaml:"sync"`
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	c.Server.Addr = ":8081"
	c.Server.MetricsAddr = ":8080"
	c.Pipelines.RealTime = PipelineConfig{Workers: 4, Timeout: Duration(10 * time.Second)}
	c.Pipelines.Comprehensive = PipelineConfig{Workers: 2, Timeout: Duration(30 * time.Minute)}
	c.MaxQueueSize = 100
	c.CompletedHistory = 500
	c.PollInterval = Duration(250 * time.Millisecond)
	return c
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// CoordinatorOptions maps the configuration onto coordinator.Options.
func (c Config) CoordinatorOptions() coordinator.Options {
	return coordinator.Options{
		RealTimeWorkers:      c.Pipelines.RealTime.Workers,
		ComprehensiveWorkers: c.Pipelines.Comprehensive.Workers,
		RealTimeTimeout:      time.Duration(c.Pipelines.RealTime.Timeout),
		ComprehensiveTimeout: time.Duration(c.Pipelines.Comprehensive.Timeout),
		MaxQueueSize:         c.MaxQueueSize,
		CompletedHistory:     c.CompletedHistory,
		PollInterval:         time.Duration(c.PollInterval),
		SubmitRate:           rate.Limit(c.SubmitRate),
		SubmitBurst:          c.SubmitBurst,
		SyncConfigs:          c.SyncerConfigs(),
	}
}

// SyncerConfigs merges the configured sync policies over the built-in
// per-data-type defaults.
func (c Config) SyncerConfigs() map[string]syncer.Config {
	out := syncer.DefaultConfigs()
	for dataType, sc := range c.Sync {
		cfg := syncer.DefaultConfig()
		if existing, ok := out[dataType]; ok {
			cfg = existing
		}
		if sc.Strategy != "" {
			cfg.Strategy = syncer.Strategy(sc.Strategy)
		}
		if sc.ConfidenceThreshold > 0 {
			cfg.ConfidenceThreshold = sc.ConfidenceThreshold
		}
		if sc.MaxSyncTime > 0 {
			cfg.MaxSyncTime = time.Duration(sc.MaxSyncTime)
		}
		if sc.FieldWeights != nil {
			cfg.FieldWeights = sc.FieldWeights
		}
		if sc.CriticalFields != nil {
			cfg.CriticalFields = sc.CriticalFields
		}
		if sc.IgnoreFields != nil {
			cfg.IgnoreFields = sc.IgnoreFields
		}
		if sc.AutoResolveConflicts != nil {
			cfg.AutoResolveConflicts = *sc.AutoResolveConflicts
		}
		out[dataType] = cfg
	}
	return out
}
