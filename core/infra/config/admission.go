package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AdmissionConfig carries the tunable parts of job admission.
type AdmissionConfig struct {
	ComputeTypes      []string       `yaml:"compute_types"`
	Algorithms        []string       `yaml:"algorithms"`
	AggregationLevels map[string]int `yaml:"aggregation_levels"`
	Liveness          LivenessConfig `yaml:"liveness"`
	Cache             CacheConfig    `yaml:"cache"`
}

type LivenessConfig struct {
	WindowSeconds int64    `yaml:"window_seconds"`
	Roles         []string `yaml:"roles"`
}

type CacheConfig struct {
	TimeoutMillis int64 `yaml:"timeout_ms"`
}

// Window returns the heartbeat freshness window.
func (l LivenessConfig) Window() time.Duration {
	return time.Duration(l.WindowSeconds) * time.Second
}

// Timeout returns the cache round-trip bound.
func (c CacheConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

// LoadAdmission reads the admission YAML file. A missing file yields defaults
// without error; a malformed one yields defaults and the parse error.
func LoadAdmission(path string) (*AdmissionConfig, error) {
	if path == "" {
		return DefaultAdmission(), nil
	}
	// #nosec G304 -- admission config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultAdmission(), nil
		}
		return DefaultAdmission(), fmt.Errorf("read admission config: %w", err)
	}
	return ParseAdmission(data)
}

// ParseAdmission parses admission config data from YAML/JSON bytes.
func ParseAdmission(data []byte) (*AdmissionConfig, error) {
	if len(data) == 0 {
		return DefaultAdmission(), nil
	}
	if err := checkDocument("admission", data); err != nil {
		return DefaultAdmission(), err
	}
	var cfg AdmissionConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultAdmission(), fmt.Errorf("parse admission config: %w", err)
	}
	def := DefaultAdmission()
	if len(cfg.ComputeTypes) == 0 {
		cfg.ComputeTypes = def.ComputeTypes
	}
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = def.Algorithms
	}
	if len(cfg.AggregationLevels) == 0 {
		cfg.AggregationLevels = def.AggregationLevels
	}
	if cfg.Liveness.WindowSeconds <= 0 {
		cfg.Liveness.WindowSeconds = def.Liveness.WindowSeconds
	}
	if len(cfg.Liveness.Roles) == 0 {
		cfg.Liveness.Roles = def.Liveness.Roles
	}
	if cfg.Cache.TimeoutMillis <= 0 {
		cfg.Cache.TimeoutMillis = def.Cache.TimeoutMillis
	}
	return &cfg, nil
}

// DefaultAdmission returns the built-in admission settings.
func DefaultAdmission() *AdmissionConfig {
	return &AdmissionConfig{
		ComputeTypes: []string{"python2", "r", "tensorflow", "spark"},
		Algorithms:   []string{"density", "commuting", "migration"},
		AggregationLevels: map[string]int{
			"national":   1,
			"region":     1,
			"department": 2,
			"commune":    2,
			"antenna":    3,
		},
		Liveness: LivenessConfig{
			WindowSeconds: 300,
			Roles:         []string{"compute", "scheduler"},
		},
		Cache: CacheConfig{TimeoutMillis: 3000},
	}
}
