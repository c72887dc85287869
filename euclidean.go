package pcluster

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Euclidean is the weighted Euclidean distance sqrt(Σ w_a (x_a - y_a)²).
// Weights start at 1 and can be learned with Learn.
type Euclidean struct {
	baseMetric

	// Conversion derives Similarity from Distance. Default: laplacian.
	Conversion Conversion

	// MustLinkWeight and CannotLinkWeight scale the contribution of
	// violated constraints during learning. Default: 1.
	MustLinkWeight   float64
	CannotLinkWeight float64

	// LogTermWeight scales the log-determinant term of the learning
	// objective. Default: 1.
	LogTermWeight float64

	// Regularizer, when set, switches learning to the regularized closed
	// form and is reported through Penalty.
	Regularizer Regularizer

	// RegularizerWeight scales the regularizer term. Default: 1.
	RegularizerWeight float64
}

// NewEuclidean returns an unbuilt Euclidean metric with default settings.
func NewEuclidean() *Euclidean {
	return &Euclidean{
		baseMetric:        newBaseMetric(),
		Conversion:        ConversionLaplacian,
		MustLinkWeight:    1,
		CannotLinkWeight:  1,
		LogTermWeight:     1,
		RegularizerWeight: 1,
	}
}

func (e *Euclidean) Name() string          { return "euclidean" }
func (e *Euclidean) IsDistanceBased() bool { return true }

func (e *Euclidean) BuildMetric(numAttributes int) error { return e.build(numAttributes) }

func (e *Euclidean) Distance(a, b Instance) (float64, error) {
	if err := e.check(a, b); err != nil {
		return 0, err
	}
	return math.Sqrt(e.squared(a, b)), nil
}

func (e *Euclidean) Similarity(a, b Instance) (float64, error) {
	d, err := e.Distance(a, b)
	if err != nil {
		return 0, err
	}
	return e.Conversion.apply(d)
}

// squared returns Σ w_a (a_a - b_a)² with sparse merge paths.
func (e *Euclidean) squared(a, b Instance) float64 {
	var sum float64
	add := func(idx int, d float64) {
		if idx != e.classIndex {
			sum += e.weights[idx] * d * d
		}
	}
	switch {
	case a.IsSparse() && b.IsSparse():
		i, j := 0, 0
		for i < a.NumValues() || j < b.NumValues() {
			ia, ib := math.MaxInt, math.MaxInt
			if i < a.NumValues() {
				ia = a.Index(i)
			}
			if j < b.NumValues() {
				ib = b.Index(j)
			}
			switch {
			case ia < ib:
				add(ia, a.ValueSparse(i))
				i++
			case ib < ia:
				add(ib, b.ValueSparse(j))
				j++
			default:
				add(ia, a.ValueSparse(i)-b.ValueSparse(j))
				i++
				j++
			}
		}
	case a.IsSparse() || b.IsSparse():
		if !a.IsSparse() {
			a, b = b, a
		}
		// a sparse, b dense: walk b densely, consuming a's stored positions.
		pos := 0
		for idx := 0; idx < b.NumAttributes(); idx++ {
			av := 0.0
			if pos < a.NumValues() && a.Index(pos) == idx {
				av = a.ValueSparse(pos)
				pos++
			}
			add(idx, av-b.Value(idx))
		}
	default:
		for idx := 0; idx < a.NumAttributes(); idx++ {
			add(idx, a.Value(idx)-b.Value(idx))
		}
	}
	return sum
}

// Centroid returns the weighted mean. normalized divides the result by its
// L2 norm.
func (e *Euclidean) Centroid(rows []Instance, weights []float64, fast, normalized bool) (Instance, error) {
	return e.centroid(rows, weights, fast, normalized)
}

// Penalty returns the regularizer value of the current weights, or 0.
func (e *Euclidean) Penalty() float64 {
	if e.Regularizer == nil || !e.built {
		return 0
	}
	active := e.active()
	w := make([]float64, len(active))
	for k, i := range active {
		w[k] = e.weights[i]
	}
	return e.RegularizerWeight * e.Regularizer.Value(w)
}

// Learn fits per-attribute weights in closed form. Labeled rows (class
// index set) are grouped by label and each contributes its squared
// deviation from its class mean; each violated constraint adds its full
// penalty term once.
// The estimate for attribute a is LogTermWeight·n / Σdiff_a, or the root of
// the regularized quadratic when a Regularizer is set. Attributes whose
// accumulated deviation is not positive keep their previous weight.
func (e *Euclidean) Learn(d *Dataset, cs *ConstraintSet) error {
	if !e.built {
		return ErrNotTrained
	}
	labels := d.Labels()
	if labels == nil && cs.Len() == 0 {
		return fmt.Errorf("%w: no labels or constraints to learn from", ErrInvalidConfig)
	}
	if m := cs.MaxIndex(); m >= d.NumRows() {
		return fmt.Errorf("%w: constraint references row %d of %d", ErrIndexOutOfRange, m, d.NumRows())
	}

	diff := make([]float64, e.numAttributes)
	n := 0

	if labels != nil {
		groups := groupByLabel(labels)
		for _, members := range groups {
			rows := make([]Instance, len(members))
			for k, i := range members {
				rows[k] = d.Rows[i]
			}
			mean, err := WeightedMean(rows, nil, e.classIndex, true)
			if err != nil {
				return err
			}
			for _, r := range rows {
				addSquaredDiff(diff, r, mean, e.classIndex)
				n++
			}
		}
	}

	if cs.Len() > 0 {
		maxDiff := maxSquaredSpread(d, e.classIndex)
		for _, c := range cs.Constraints() {
			a, b := d.Rows[c.Pair.First], d.Rows[c.Pair.Second]
			sameLabel := labels != nil && labels[c.Pair.First] == labels[c.Pair.Second]
			switch {
			case c.Link == MustLink && (labels == nil || !sameLabel):
				tmp := make([]float64, e.numAttributes)
				addSquaredDiff(tmp, a, b, e.classIndex)
				for i := range diff {
					diff[i] += e.MustLinkWeight * c.Cost * tmp[i]
				}
			case c.Link == CannotLink && sameLabel:
				tmp := make([]float64, e.numAttributes)
				addSquaredDiff(tmp, a, b, e.classIndex)
				for i := range diff {
					diff[i] += e.CannotLinkWeight * c.Cost * (maxDiff[i] - tmp[i])
				}
			}
		}
		if n == 0 {
			n = d.NumRows()
		}
	}

	next := make([]float64, e.numAttributes)
	kept := 0
	for i := range next {
		if i == e.classIndex {
			next[i] = e.weights[i]
			continue
		}
		if diff[i] <= 0 {
			next[i] = e.weights[i]
			kept++
			continue
		}
		if e.Regularizer != nil {
			ratio := e.LogTermWeight * float64(n) / (2 * diff[i])
			next[i] = ratio + math.Sqrt(ratio*ratio+e.RegularizerWeight*float64(n)/diff[i])
		} else {
			next[i] = e.LogTermWeight * float64(n) / diff[i]
		}
	}
	if kept > 0 {
		e.logger.Warn().Int("attributes", kept).Msg("non-positive deviation, keeping previous weights")
	}
	e.weights = next
	e.trained = true
	e.logger.Debug().
		Float64("mean_weight", stat.Mean(next, nil)).
		Float64("penalty", e.Penalty()).
		Msg("euclidean weights learned")
	return nil
}

// addSquaredDiff adds (a_i - b_i)² into acc for every non-label attribute.
func addSquaredDiff(acc []float64, a, b Instance, classIndex int) {
	for i := range acc {
		if i == classIndex {
			continue
		}
		d := a.Value(i) - b.Value(i)
		acc[i] += d * d
	}
}

// maxSquaredSpread returns (max_a - min_a)² per attribute over d.
func maxSquaredSpread(d *Dataset, classIndex int) []float64 {
	dims := d.NumAttributes()
	lo := make([]float64, dims)
	hi := make([]float64, dims)
	for i := range lo {
		lo[i], hi[i] = math.Inf(1), math.Inf(-1)
	}
	for _, r := range d.Rows {
		for i := 0; i < dims; i++ {
			v := r.Value(i)
			lo[i] = math.Min(lo[i], v)
			hi[i] = math.Max(hi[i], v)
		}
	}
	out := make([]float64, dims)
	for i := range out {
		if i != classIndex && len(d.Rows) > 0 {
			s := hi[i] - lo[i]
			out[i] = s * s
		}
	}
	return out
}

// groupByLabel returns row indices per label in first-seen label order.
func groupByLabel(labels []float64) [][]int {
	pos := make(map[float64]int)
	var groups [][]int
	for i, l := range labels {
		k, ok := pos[l]
		if !ok {
			k = len(groups)
			pos[l] = k
			groups = append(groups, nil)
		}
		groups[k] = append(groups[k], i)
	}
	return groups
}
