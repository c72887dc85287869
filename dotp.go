package pcluster

import "math"

// DotProduct is the weighted dot-product similarity. With LengthNormalized
// set (the default) it is the cosine of the angle between the rows.
// Distance is 1 - Similarity. It has no trainable state.
type DotProduct struct {
	baseMetric

	// LengthNormalized divides the dot product by both weighted norms.
	LengthNormalized bool
}

// NewDotProduct returns an unbuilt cosine metric.
func NewDotProduct() *DotProduct {
	return &DotProduct{baseMetric: newBaseMetric(), LengthNormalized: true}
}

func (p *DotProduct) Name() string          { return "dotp" }
func (p *DotProduct) IsDistanceBased() bool { return false }

func (p *DotProduct) BuildMetric(numAttributes int) error { return p.build(numAttributes) }

// Similarity returns the weighted cosine. A zero vector has similarity 0
// with everything.
func (p *DotProduct) Similarity(a, b Instance) (float64, error) {
	if err := p.check(a, b); err != nil {
		return 0, err
	}
	w := p.weights
	if !p.trained {
		w = nil
	}
	s := dot(a, b, w, p.classIndex)
	if !p.LengthNormalized {
		return s, nil
	}
	na := dot(a, a, w, p.classIndex)
	nb := dot(b, b, w, p.classIndex)
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return s / math.Sqrt(na*nb), nil
}

func (p *DotProduct) Distance(a, b Instance) (float64, error) {
	s, err := p.Similarity(a, b)
	if err != nil {
		return 0, err
	}
	return 1 - s, nil
}

// Centroid returns the weighted mean, L2-normalized when normalized is set.
func (p *DotProduct) Centroid(rows []Instance, weights []float64, fast, normalized bool) (Instance, error) {
	return p.centroid(rows, weights, fast, normalized)
}
