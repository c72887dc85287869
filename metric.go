package pcluster

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
)

// Metric is a pluggable distance/similarity function over rows.
//
// IsDistanceBased governs sign conventions in the algorithms: for a
// distance-based metric lower Distance means closer, for a similarity-based
// metric higher Similarity means closer. Both methods are always available;
// one is derived from the other.
//
// Distance and Similarity must be pure functions of the two rows and the
// current metric state: they never modify their arguments and are safe for
// concurrent use once the metric is built.
type Metric interface {
	Name() string
	// NumAttributes is the dimensionality the metric was built for.
	NumAttributes() int
	// BuildMetric prepares the metric for rows of numAttributes attributes,
	// resetting any learned state.
	BuildMetric(numAttributes int) error
	Distance(a, b Instance) (float64, error)
	Similarity(a, b Instance) (float64, error)
	IsDistanceBased() bool
	// Centroid returns the representative of rows, weighting each by
	// weights[i] (nil means row weights). fast enables the sparse
	// accumulation path; normalized requests a unit-length result where the
	// metric defines one.
	Centroid(rows []Instance, weights []float64, fast, normalized bool) (Instance, error)
}

// DatasetBuilder is implemented by metrics that derive state from the whole
// dataset (for example corpus statistics for divergence metrics).
type DatasetBuilder interface {
	BuildMetricFromDataset(d *Dataset) error
}

// Learner is implemented by metrics whose weights can be trained from
// labeled rows and pairwise constraints.
type Learner interface {
	Learn(d *Dataset, cs *ConstraintSet) error
	Trained() bool
}

// Weighted is implemented by metrics with a per-attribute weight vector.
type Weighted interface {
	Weights() []float64
	SetWeights(w []float64) error
}

// BuildMetric prepares m for the rows of d, using dataset statistics when
// the metric supports them.
func BuildMetric(m Metric, d *Dataset) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if s, ok := m.(interface{ setClassIndex(int) }); ok {
		s.setClassIndex(d.ClassIndex)
	}
	if b, ok := m.(DatasetBuilder); ok {
		return b.BuildMetricFromDataset(d)
	}
	return m.BuildMetric(d.NumAttributes())
}

// LearnMetric trains m from labeled rows and constraints. Metrics without
// trainable state return ErrNotTrainable.
func LearnMetric(m Metric, d *Dataset, cs *ConstraintSet) error {
	l, ok := m.(Learner)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTrainable, m.Name())
	}
	if m.NumAttributes() != d.NumAttributes() {
		if err := BuildMetric(m, d); err != nil {
			return err
		}
	}
	return l.Learn(d, cs)
}

// Conversion turns a distance into a similarity.
type Conversion string

const (
	// ConversionLaplacian maps d to 1/(1+d).
	ConversionLaplacian Conversion = "laplacian"
	// ConversionUnit maps d to 2(1-d), for distances in [0,1].
	ConversionUnit Conversion = "unit"
	// ConversionExponential maps d to exp(-d).
	ConversionExponential Conversion = "exponential"
)

func (c Conversion) apply(d float64) (float64, error) {
	switch c {
	case ConversionLaplacian, "":
		return 1 / (1 + d), nil
	case ConversionUnit:
		return 2 * (1 - d), nil
	case ConversionExponential:
		return math.Exp(-d), nil
	default:
		return 0, fmt.Errorf("%w: unknown conversion %q", ErrInvalidConfig, string(c))
	}
}

// baseMetric holds the state shared by every metric: dimensionality, the
// label column to skip and an optional per-attribute weight vector.
type baseMetric struct {
	numAttributes int
	classIndex    int
	weights       []float64
	built         bool
	trained       bool
	logger        zerolog.Logger
}

func newBaseMetric() baseMetric {
	return baseMetric{classIndex: -1, logger: zerolog.Nop()}
}

func (b *baseMetric) NumAttributes() int { return b.numAttributes }

// Trained reports whether weights were learned or set externally.
func (b *baseMetric) Trained() bool { return b.trained }

// SetLogger attaches a logger for numerical-repair warnings.
func (b *baseMetric) SetLogger(l zerolog.Logger) { b.logger = l }

func (b *baseMetric) setClassIndex(i int) { b.classIndex = i }

// ClassIndex returns the label column skipped by the metric, or -1.
func (b *baseMetric) ClassIndex() int { return b.classIndex }

func (b *baseMetric) build(numAttributes int) error {
	if numAttributes <= 0 {
		return fmt.Errorf("%w: metric needs at least one attribute, got %d", ErrInvalidConfig, numAttributes)
	}
	if b.classIndex >= numAttributes {
		b.classIndex = -1
	}
	b.numAttributes = numAttributes
	b.weights = make([]float64, numAttributes)
	for i := range b.weights {
		b.weights[i] = 1
	}
	b.built = true
	b.trained = false
	return nil
}

// Weights returns a copy of the per-attribute weights.
func (b *baseMetric) Weights() []float64 {
	out := make([]float64, len(b.weights))
	copy(out, b.weights)
	return out
}

// SetWeights replaces the per-attribute weights. Negative weights are
// rejected.
func (b *baseMetric) SetWeights(w []float64) error {
	if !b.built {
		return ErrNotTrained
	}
	if len(w) != b.numAttributes {
		return fmt.Errorf("%w: %d weights for %d attributes", ErrAttributeMismatch, len(w), b.numAttributes)
	}
	for i, v := range w {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: weight %d is %f", ErrInvalidConfig, i, v)
		}
	}
	b.weights = append(b.weights[:0], w...)
	b.trained = true
	return nil
}

// check validates that the metric is built and both rows match it.
func (b *baseMetric) check(x, y Instance) error {
	if !b.built {
		return ErrNotTrained
	}
	if err := checkDims(x, y); err != nil {
		return err
	}
	if x.NumAttributes() != b.numAttributes {
		return fmt.Errorf("%w: row has %d attributes, metric built for %d", ErrAttributeMismatch, x.NumAttributes(), b.numAttributes)
	}
	return nil
}

// active lists attribute indices the metric reads.
func (b *baseMetric) active() []int {
	out := make([]int, 0, b.numAttributes)
	for i := 0; i < b.numAttributes; i++ {
		if i != b.classIndex {
			out = append(out, i)
		}
	}
	return out
}

// centroid is the shared weighted-mean centroid with optional L2
// normalization.
func (b *baseMetric) centroid(rows []Instance, weights []float64, fast, normalized bool) (Instance, error) {
	c, err := WeightedMean(rows, weights, b.classIndex, fast)
	if err != nil {
		return nil, err
	}
	if normalized {
		if err := NormalizeL2(c, b.classIndex); err != nil {
			return c, err
		}
	}
	return c, nil
}
