package pcluster

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads a YAML file over [DefaultConfig]. Keys absent from the
// file keep their defaults. The result is validated but zero-valued fields
// are left for Cluster to fill in.
//
//	algorithm: hac
//	metric:
//	  kind: mahalanobis
//	hac:
//	  linkage: complete
//	  merge_threshold: .inf
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("pcluster: parsing %s: %w", path, err)
	}

	check := cfg
	applyDefaults(&check)
	if err := validateConfig(&check); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigOrDefault loads config from file, or returns the default if the
// file cannot be read or parsed.
func LoadConfigOrDefault(path string) Config {
	cfg, err := LoadConfig(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// ApplyEnv overrides cfg from PCLUSTER_ALGORITHM, PCLUSTER_METRIC and
// PCLUSTER_WORKERS when they are set.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv("PCLUSTER_ALGORITHM"); v != "" {
		cfg.Algorithm = Algorithm(strings.ToLower(strings.TrimSpace(v)))
	}
	if v := os.Getenv("PCLUSTER_METRIC"); v != "" {
		cfg.Metric.Kind = MetricKind(strings.ToLower(strings.TrimSpace(v)))
	}
	if v := os.Getenv("PCLUSTER_WORKERS"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: PCLUSTER_WORKERS=%q", ErrInvalidConfig, v)
		}
		cfg.Workers = n
	}
	return nil
}
