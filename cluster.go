package pcluster

import (
	"fmt"
	"runtime"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config controls a clustering run through [Cluster].
// Start with [DefaultConfig] and override the fields you need.
type Config struct {
	// Algorithm selects the clusterer. "auto" picks HAC for datasets of up
	// to 2000 rows and EM above that. Default: "auto".
	Algorithm Algorithm `yaml:"algorithm" json:"algorithm"`

	// Metric describes the distance or similarity function.
	// Default: euclidean.
	Metric MetricSpec `yaml:"metric" json:"metric"`

	// LearnMetric trains the metric from the dataset labels and the
	// constraints before clustering. The metric must be trainable.
	// Default: false.
	LearnMetric bool `yaml:"learn_metric" json:"learn_metric"`

	// HAC configures agglomerative clustering.
	HAC HACConfig `yaml:"hac" json:"hac"`

	// EM configures soft k-means.
	EM EMConfig `yaml:"em" json:"em"`

	// Workers is the goroutine count handed to the algorithm when its own
	// Workers is 0. 0 means runtime.NumCPU().
	Workers int `yaml:"workers" json:"workers"`

	// Logger is handed to the metric and the algorithm when they have none.
	// nil disables logging.
	Logger *zerolog.Logger `yaml:"-" json:"-"`
}

// Result is the output of [Cluster].
type Result struct {
	// Assignments maps each row to a cluster in [0, NumClusters).
	Assignments []int
	NumClusters int
	// Algorithm is the algorithm that ran, never "auto".
	Algorithm Algorithm
	// RunID identifies the run, for example as a storage key.
	RunID string
	// Metric is the state of the metric used, trained if LearnMetric was set.
	Metric *MetricState
	// HAC or EM holds the algorithm-specific result.
	HAC *HACResult
	EM  *EMResult
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		Algorithm: AlgorithmAuto,
		Metric:    MetricSpec{Kind: MetricEuclidean},
		HAC:       DefaultHACConfig(),
		EM:        DefaultEMConfig(),
	}
}

// validateConfig checks that cfg fields are valid and returns a descriptive error if not.
func validateConfig(cfg *Config) error {
	switch cfg.Algorithm {
	case AlgorithmAuto, AlgorithmHAC, AlgorithmEM:
	default:
		return fmt.Errorf("%w: invalid Algorithm %q", ErrInvalidConfig, cfg.Algorithm)
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("%w: Workers must be >= 0, got %d", ErrInvalidConfig, cfg.Workers)
	}
	if err := validateHACConfig(&cfg.HAC); err != nil {
		return err
	}
	return validateEMConfig(&cfg.EM)
}

// applyDefaults fills in zero-valued config fields with their defaults.
func applyDefaults(cfg *Config) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmAuto
	}
	if cfg.Metric.Kind == "" {
		cfg.Metric.Kind = MetricEuclidean
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.HAC.Workers == 0 {
		cfg.HAC.Workers = cfg.Workers
	}
	if cfg.EM.Workers == 0 {
		cfg.EM.Workers = cfg.Workers
	}
	if cfg.HAC.Logger == nil {
		cfg.HAC.Logger = cfg.Logger
	}
	if cfg.EM.Logger == nil {
		cfg.EM.Logger = cfg.Logger
	}
	applyHACDefaults(&cfg.HAC)
	applyEMDefaults(&cfg.EM)
}

// emptyResult returns a Result with zero-length slices for n rows.
func emptyResult(n int) *Result {
	return &Result{
		Assignments: make([]int, n),
		RunID:       uuid.NewString(),
	}
}

// Cluster groups the rows of data into k clusters respecting the pairwise
// constraints in cs, which may be nil. Returns an error if the config is
// invalid or the constraints contradict each other.
func Cluster(data *Dataset, cs *ConstraintSet, k int, cfg Config) (*Result, error) {
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	if data == nil || data.NumRows() == 0 {
		return emptyResult(0), nil
	}
	if k < 1 {
		return nil, fmt.Errorf("%w: k must be >= 1, got %d", ErrInvalidConfig, k)
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}

	metric, err := NewMetric(cfg.Metric)
	if err != nil {
		return nil, err
	}
	if cfg.Logger != nil {
		if s, ok := metric.(interface{ SetLogger(zerolog.Logger) }); ok {
			s.SetLogger(*cfg.Logger)
		}
	}
	if err := BuildMetric(metric, data); err != nil {
		return nil, err
	}
	if cfg.LearnMetric {
		if err := LearnMetric(metric, data, cs); err != nil {
			return nil, fmt.Errorf("pcluster: learning %s: %w", metric.Name(), err)
		}
	}

	algo, err := selectAlgorithm(cfg, data.NumRows())
	if err != nil {
		return nil, err
	}

	res := &Result{Algorithm: algo, RunID: uuid.NewString()}
	switch algo {
	case AlgorithmEM:
		s, err := NewSoftKMeans(data, metric, cfg.EM)
		if err != nil {
			return nil, err
		}
		em, err := s.Run(cs, k)
		if err != nil {
			return nil, err
		}
		res.EM = em
		res.Assignments = em.Assignments
		res.NumClusters = k
	default:
		h, err := NewHAC(data, metric, cfg.HAC)
		if err != nil {
			return nil, err
		}
		hac, err := h.Run(cs, k)
		if err != nil {
			return nil, err
		}
		res.HAC = hac
		res.Assignments = hac.Assignments
		res.NumClusters = hac.NumClusters
	}

	if res.Metric, err = ExportState(metric); err != nil {
		return nil, err
	}
	return res, nil
}

// ClusterDense clusters dense unlabeled rows under constraint tuples.
func ClusterDense(data [][]float64, constraints []Tuple, k int, cfg Config) (*Result, error) {
	cs, err := ConstraintsFromTuples(constraints)
	if err != nil {
		return nil, err
	}
	return Cluster(FromDense(data), cs, k, cfg)
}
