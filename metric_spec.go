package pcluster

import (
	"fmt"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// MetricKind names a built-in metric.
type MetricKind string

const (
	MetricEuclidean   MetricKind = "euclidean"
	MetricDotProduct  MetricKind = "dotp"
	MetricKL          MetricKind = "kl"
	MetricMahalanobis MetricKind = "mahalanobis"
)

// MetricSpec describes a metric declaratively, for configuration files and
// persisted state.
type MetricSpec struct {
	// Kind selects the metric. Default: euclidean.
	Kind MetricKind `yaml:"kind" json:"kind"`

	// Conversion derives similarity from distance for distance-based
	// metrics. Default: laplacian.
	Conversion Conversion `yaml:"conversion,omitempty" json:"conversion,omitempty"`

	// NotLengthNormalized disables cosine normalization of dotp.
	NotLengthNormalized bool `yaml:"not_length_normalized,omitempty" json:"not_length_normalized,omitempty"`

	// Smoothing, Mu, Lambda, IDivergence and JensenShannon configure kl.
	Smoothing     Smoothing `yaml:"smoothing,omitempty" json:"smoothing,omitempty"`
	Mu            float64   `yaml:"mu,omitempty" json:"mu,omitempty"`
	Lambda        float64   `yaml:"lambda,omitempty" json:"lambda,omitempty"`
	IDivergence   bool      `yaml:"i_divergence,omitempty" json:"i_divergence,omitempty"`
	JensenShannon bool      `yaml:"jensen_shannon,omitempty" json:"jensen_shannon,omitempty"`

	// Regularizer ("rayleigh" or "l1") and its scale configure euclidean
	// weight learning.
	Regularizer      string  `yaml:"regularizer,omitempty" json:"regularizer,omitempty"`
	RegularizerScale float64 `yaml:"regularizer_scale,omitempty" json:"regularizer_scale,omitempty"`

	// MaxRepairAttempts bounds mahalanobis matrix regularization.
	MaxRepairAttempts int `yaml:"max_repair_attempts,omitempty" json:"max_repair_attempts,omitempty"`
}

// NewMetric constructs an unbuilt metric from spec.
func NewMetric(spec MetricSpec) (Metric, error) {
	if spec.Conversion != "" {
		if _, err := spec.Conversion.apply(0); err != nil {
			return nil, err
		}
	}
	switch spec.Kind {
	case MetricEuclidean, "":
		e := NewEuclidean()
		if spec.Conversion != "" {
			e.Conversion = spec.Conversion
		}
		reg, err := NewRegularizer(spec.Regularizer, spec.RegularizerScale)
		if err != nil {
			return nil, err
		}
		e.Regularizer = reg
		return e, nil
	case MetricDotProduct:
		p := NewDotProduct()
		p.LengthNormalized = !spec.NotLengthNormalized
		return p, nil
	case MetricKL:
		k := NewKL()
		if spec.Smoothing != "" {
			k.Smoothing = spec.Smoothing
		}
		switch k.Smoothing {
		case SmoothingNone, SmoothingDirichlet, SmoothingJelinekMercer:
		default:
			return nil, fmt.Errorf("%w: unknown smoothing %q", ErrInvalidConfig, string(k.Smoothing))
		}
		if spec.Mu != 0 {
			k.Mu = spec.Mu
		}
		if spec.Lambda != 0 {
			k.Lambda = spec.Lambda
		}
		if k.Mu < 0 || k.Lambda < 0 || k.Lambda > 1 {
			return nil, fmt.Errorf("%w: kl needs mu >= 0 and lambda in [0,1], got mu=%f lambda=%f", ErrInvalidConfig, k.Mu, k.Lambda)
		}
		k.IDivergence = spec.IDivergence
		k.JensenShannon = spec.JensenShannon
		if spec.Conversion != "" {
			k.Conversion = spec.Conversion
		}
		return k, nil
	case MetricMahalanobis:
		m := NewMahalanobis()
		m.MaxRepairAttempts = spec.MaxRepairAttempts
		if spec.Conversion != "" {
			m.Conversion = spec.Conversion
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown metric kind %q", ErrInvalidConfig, string(spec.Kind))
	}
}

// SpecOf reconstructs the spec of a built-in metric.
func SpecOf(m Metric) (MetricSpec, error) {
	switch v := m.(type) {
	case *Euclidean:
		s := MetricSpec{Kind: MetricEuclidean, Conversion: v.Conversion}
		switch r := v.Regularizer.(type) {
		case Rayleigh:
			s.Regularizer, s.RegularizerScale = r.Name(), r.S
		case L1:
			s.Regularizer = r.Name()
		}
		return s, nil
	case *DotProduct:
		return MetricSpec{Kind: MetricDotProduct, NotLengthNormalized: !v.LengthNormalized}, nil
	case *KL:
		return MetricSpec{
			Kind:          MetricKL,
			Conversion:    v.Conversion,
			Smoothing:     v.Smoothing,
			Mu:            v.Mu,
			Lambda:        v.Lambda,
			IDivergence:   v.IDivergence,
			JensenShannon: v.JensenShannon,
		}, nil
	case *Mahalanobis:
		return MetricSpec{Kind: MetricMahalanobis, Conversion: v.Conversion, MaxRepairAttempts: v.MaxRepairAttempts}, nil
	default:
		return MetricSpec{}, fmt.Errorf("%w: no spec for metric %T", ErrInvalidConfig, m)
	}
}

// MetricState is the serializable state of a built metric.
type MetricState struct {
	Spec          MetricSpec `json:"spec"`
	NumAttributes int        `json:"num_attributes"`
	ClassIndex    int        `json:"class_index"`
	Trained       bool       `json:"trained"`
	Weights       []float64  `json:"weights,omitempty"`
	// Matrix is the row-major Mahalanobis weight matrix over the non-label
	// attributes.
	Matrix []float64 `json:"matrix,omitempty"`
	// Background is the KL corpus distribution.
	Background []float64 `json:"background,omitempty"`
}

// ExportState captures the state of a built metric.
func ExportState(m Metric) (*MetricState, error) {
	spec, err := SpecOf(m)
	if err != nil {
		return nil, err
	}
	st := &MetricState{Spec: spec, NumAttributes: m.NumAttributes(), ClassIndex: -1}
	if b, ok := m.(interface{ ClassIndex() int }); ok {
		st.ClassIndex = b.ClassIndex()
	}
	if t, ok := m.(interface{ Trained() bool }); ok {
		st.Trained = t.Trained()
	}
	switch v := m.(type) {
	case *Mahalanobis:
		if v.matrix != nil {
			n := v.matrix.SymmetricDim()
			st.Matrix = make([]float64, 0, n*n)
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					st.Matrix = append(st.Matrix, v.matrix.At(i, j))
				}
			}
		}
	case *KL:
		st.Weights = v.Weights()
		st.Background = append([]float64(nil), v.background...)
	case Weighted:
		st.Weights = v.Weights()
	}
	return st, nil
}

// RestoreMetric rebuilds a metric from exported state.
func RestoreMetric(st *MetricState, logger *zerolog.Logger) (Metric, error) {
	m, err := NewMetric(st.Spec)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		if s, ok := m.(interface{ SetLogger(zerolog.Logger) }); ok {
			s.SetLogger(*logger)
		}
	}
	if s, ok := m.(interface{ setClassIndex(int) }); ok {
		s.setClassIndex(st.ClassIndex)
	}
	if err := m.BuildMetric(st.NumAttributes); err != nil {
		return nil, err
	}

	switch v := m.(type) {
	case *Mahalanobis:
		if len(st.Matrix) > 0 {
			n := len(v.activeIdx)
			if len(st.Matrix) != n*n {
				return nil, fmt.Errorf("%w: stored matrix has %d entries, want %d", ErrAttributeMismatch, len(st.Matrix), n*n)
			}
			if err := v.SetMatrix(symmetrize(mat.NewDense(n, n, append([]float64(nil), st.Matrix...)))); err != nil {
				return nil, err
			}
		}
		v.trained = st.Trained
	case *KL:
		if len(st.Background) > 0 {
			if len(st.Background) != st.NumAttributes {
				return nil, fmt.Errorf("%w: stored background has %d entries, want %d", ErrAttributeMismatch, len(st.Background), st.NumAttributes)
			}
			v.background = append([]float64(nil), st.Background...)
		}
		if st.Weights != nil {
			if err := v.SetWeights(st.Weights); err != nil {
				return nil, err
			}
		}
		v.trained = st.Trained
	case *Euclidean:
		if st.Weights != nil {
			if err := v.SetWeights(st.Weights); err != nil {
				return nil, err
			}
		}
		v.trained = st.Trained
	case *DotProduct:
		if st.Weights != nil {
			if err := v.SetWeights(st.Weights); err != nil {
				return nil, err
			}
		}
		v.trained = st.Trained
	}
	return m, nil
}
