package pcluster

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Smoothing selects how a row's value vector is turned into a probability
// distribution before divergence is computed.
type Smoothing string

const (
	// SmoothingNone uses v_t / Σv.
	SmoothingNone Smoothing = "unsmoothed"
	// SmoothingDirichlet uses (v_t + μ·p_t) / (Σv + μ) with p the corpus
	// distribution.
	SmoothingDirichlet Smoothing = "dirichlet"
	// SmoothingJelinekMercer uses (1-λ)·v_t/Σv + λ·p_t.
	SmoothingJelinekMercer Smoothing = "jelinek_mercer"
)

// KL is the Kullback-Leibler divergence metric over non-negative rows, with
// optional smoothing against corpus statistics, the I-divergence correction
// and a symmetric Jensen-Shannon mode. It is distance-based. KL without
// JensenShannon is not symmetric.
type KL struct {
	baseMetric

	Smoothing Smoothing
	// Mu is the Dirichlet prior mass. Default: 1.
	Mu float64
	// Lambda is the Jelinek-Mercer interpolation weight. Default: 0.5.
	Lambda float64
	// IDivergence adds Σ w_t (q_t - p_t) to the divergence.
	IDivergence bool
	// JensenShannon computes the symmetric JS divergence in bits instead.
	JensenShannon bool
	// Conversion derives Similarity from Distance. Default: laplacian.
	Conversion Conversion

	// background is the corpus distribution over attributes.
	background []float64
}

// NewKL returns an unbuilt, unsmoothed KL metric.
func NewKL() *KL {
	return &KL{
		baseMetric: newBaseMetric(),
		Smoothing:  SmoothingNone,
		Mu:         1,
		Lambda:     0.5,
		Conversion: ConversionLaplacian,
	}
}

func (k *KL) Name() string {
	if k.JensenShannon {
		return "js"
	}
	return "kl"
}

func (k *KL) IsDistanceBased() bool { return true }

// BuildMetric sets a uniform corpus distribution.
func (k *KL) BuildMetric(numAttributes int) error {
	if err := k.build(numAttributes); err != nil {
		return err
	}
	active := k.active()
	k.background = make([]float64, numAttributes)
	for _, i := range active {
		k.background[i] = 1 / float64(len(active))
	}
	return nil
}

// BuildMetricFromDataset computes the corpus distribution from the weighted
// attribute totals of d.
func (k *KL) BuildMetricFromDataset(d *Dataset) error {
	k.classIndex = d.ClassIndex
	if err := k.BuildMetric(d.NumAttributes()); err != nil {
		return err
	}
	totals := make([]float64, d.NumAttributes())
	for ri, r := range d.Rows {
		for pos := 0; pos < r.NumValues(); pos++ {
			idx := r.Index(pos)
			if idx == k.classIndex {
				continue
			}
			v := r.ValueSparse(pos)
			if v < 0 {
				return fmt.Errorf("%w: row %d attribute %d is negative (%f)", ErrUnsupportedAttribute, ri, idx, v)
			}
			totals[idx] += r.Weight() * v
		}
	}
	sum := floats.Sum(totals)
	if sum == 0 {
		return nil
	}
	floats.Scale(1/sum, totals)
	k.background = totals
	return nil
}

// ConvertInstance returns the smoothed distribution of inst as a new dense
// row. inst is not modified.
func (k *KL) ConvertInstance(inst Instance) (Instance, error) {
	if !k.built {
		return nil, ErrNotTrained
	}
	p, err := k.distribution(inst)
	if err != nil {
		return nil, err
	}
	return NewDenseInstance(p, inst.Weight()), nil
}

func (k *KL) distribution(inst Instance) ([]float64, error) {
	p := make([]float64, k.numAttributes)
	var total float64
	for pos := 0; pos < inst.NumValues(); pos++ {
		idx := inst.Index(pos)
		if idx == k.classIndex {
			continue
		}
		v := inst.ValueSparse(pos)
		if v < 0 {
			return nil, fmt.Errorf("%w: attribute %d is negative (%f)", ErrUnsupportedAttribute, idx, v)
		}
		p[idx] = v
		total += v
	}

	switch k.Smoothing {
	case SmoothingNone, "":
		if total == 0 {
			return nil, ErrZeroNorm
		}
		floats.Scale(1/total, p)
	case SmoothingDirichlet:
		for i := range p {
			if i == k.classIndex {
				continue
			}
			p[i] = (p[i] + k.Mu*k.background[i]) / (total + k.Mu)
		}
	case SmoothingJelinekMercer:
		for i := range p {
			if i == k.classIndex {
				continue
			}
			ml := 0.0
			if total > 0 {
				ml = p[i] / total
			}
			p[i] = (1-k.Lambda)*ml + k.Lambda*k.background[i]
		}
	default:
		return nil, fmt.Errorf("%w: unknown smoothing %q", ErrInvalidConfig, string(k.Smoothing))
	}
	return p, nil
}

// Distance returns KL(a‖b), or the Jensen-Shannon divergence in bits. When
// b has no mass where a does, KL is math.MaxFloat64.
func (k *KL) Distance(a, b Instance) (float64, error) {
	if err := k.check(a, b); err != nil {
		return 0, err
	}
	p, err := k.distribution(a)
	if err != nil {
		return 0, err
	}
	q, err := k.distribution(b)
	if err != nil {
		return 0, err
	}
	if k.JensenShannon {
		return k.js(p, q), nil
	}

	var sum float64
	for i := range p {
		if i == k.classIndex {
			continue
		}
		w := k.weights[i]
		if k.IDivergence {
			sum += w * (q[i] - p[i])
		}
		if p[i] == 0 {
			continue
		}
		if q[i] == 0 {
			return math.MaxFloat64, nil
		}
		sum += w * p[i] * math.Log(p[i]/q[i])
	}
	return math.Max(sum, 0), nil
}

func (k *KL) js(p, q []float64) float64 {
	var sum float64
	for i := range p {
		if i == k.classIndex {
			continue
		}
		m := p[i] + q[i]
		if m == 0 {
			continue
		}
		term := -m * math.Log(m/2)
		if p[i] > 0 {
			term += p[i] * math.Log(p[i])
		}
		if q[i] > 0 {
			term += q[i] * math.Log(q[i])
		}
		sum += k.weights[i] * term
	}
	return math.Max(0.5*sum/math.Ln2, 0)
}

func (k *KL) Similarity(a, b Instance) (float64, error) {
	d, err := k.Distance(a, b)
	if err != nil {
		return 0, err
	}
	return k.Conversion.apply(d)
}

// Centroid returns the weighted mean. normalized rescales it to unit mass.
func (k *KL) Centroid(rows []Instance, weights []float64, fast, normalized bool) (Instance, error) {
	c, err := WeightedMean(rows, weights, k.classIndex, fast)
	if err != nil || !normalized {
		return c, err
	}
	var total float64
	for pos := 0; pos < c.NumValues(); pos++ {
		if c.Index(pos) != k.classIndex {
			total += c.ValueSparse(pos)
		}
	}
	if total == 0 {
		return c, ErrZeroNorm
	}
	for pos := 0; pos < c.NumValues(); pos++ {
		if c.Index(pos) != k.classIndex {
			c.SetValueSparse(pos, c.ValueSparse(pos)/total)
		}
	}
	return c, nil
}
