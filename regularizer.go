package pcluster

import (
	"fmt"
	"math"
)

// Regularizer scores a weight vector and its gradient. Higher values are
// preferred; metric learners add Value to their objective.
type Regularizer interface {
	Name() string
	Value(w []float64) float64
	Gradient(w []float64) []float64
}

// Rayleigh is the log-density of a Rayleigh prior with scale S on each
// weight: Σ (log w - w²/2S²) - 2n·log S.
type Rayleigh struct {
	// S is the scale. Zero means 1.
	S float64
}

func (r Rayleigh) scale() float64 {
	if r.S == 0 {
		return 1
	}
	return r.S
}

func (r Rayleigh) Name() string { return "rayleigh" }

// Value returns -Inf if any weight is non-positive.
func (r Rayleigh) Value(w []float64) float64 {
	s := r.scale()
	var sum float64
	for _, v := range w {
		if v <= 0 {
			return math.Inf(-1)
		}
		sum += math.Log(v) - v*v/(2*s*s)
	}
	return sum - float64(len(w))*2*math.Log(s)
}

func (r Rayleigh) Gradient(w []float64) []float64 {
	s := r.scale()
	g := make([]float64, len(w))
	for i, v := range w {
		g[i] = 1/v - v/(s*s)
	}
	return g
}

// L1 penalizes small weights: -Σ 1/|w|.
type L1 struct{}

func (L1) Name() string { return "l1" }

func (L1) Value(w []float64) float64 {
	var sum float64
	for _, v := range w {
		sum -= 1 / math.Abs(v)
	}
	return sum
}

func (L1) Gradient(w []float64) []float64 {
	g := make([]float64, len(w))
	for i, v := range w {
		g[i] = math.Copysign(1/(v*v), v)
	}
	return g
}

// NewRegularizer resolves a regularizer by name. An empty name returns nil.
func NewRegularizer(name string, scale float64) (Regularizer, error) {
	switch name {
	case "":
		return nil, nil
	case "rayleigh":
		return Rayleigh{S: scale}, nil
	case "l1":
		return L1{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown regularizer %q", ErrInvalidConfig, name)
	}
}
