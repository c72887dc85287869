package pcluster

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// WeightedMean returns Σ w_i·x_i / Σ w_i over rows, skipping classIndex.
// A nil weights slice uses each row's own Weight(). When fast is set and the
// rows are sparse only stored positions are visited; otherwise every
// attribute is read through Value. Both paths produce the same values. The
// result is sparse when the first row is sparse, dense otherwise, and has
// weight 1.
func WeightedMean(rows []Instance, weights []float64, classIndex int, fast bool) (Instance, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyDataset
	}
	if weights != nil && len(weights) != len(rows) {
		return nil, fmt.Errorf("pcluster: %d weights for %d rows", len(weights), len(rows))
	}
	dims := rows[0].NumAttributes()
	sum := make([]float64, dims)
	var total float64

	for i, r := range rows {
		if r.NumAttributes() != dims {
			return nil, fmt.Errorf("%w: row %d has %d attributes, want %d", ErrAttributeMismatch, i, r.NumAttributes(), dims)
		}
		w := r.Weight()
		if weights != nil {
			w = weights[i]
		}
		if w == 0 {
			continue
		}
		total += w
		accumulate(sum, r, w, fast)
	}
	if total == 0 {
		return nil, ErrZeroWeight
	}
	if classIndex >= 0 && classIndex < dims {
		sum[classIndex] = 0
	}
	floats.Scale(1/total, sum)
	return fromValues(sum, rows[0].IsSparse(), 1), nil
}

// accumulate adds w·r into sum.
func accumulate(sum []float64, r Instance, w float64, fast bool) {
	switch {
	case fast && r.IsSparse():
		for pos := 0; pos < r.NumValues(); pos++ {
			sum[r.Index(pos)] += w * r.ValueSparse(pos)
		}
	case !r.IsSparse():
		if d, ok := r.(*DenseInstance); ok {
			floats.AddScaled(sum, w, d.Values())
			return
		}
		fallthrough
	default:
		for i := range sum {
			if v := r.Value(i); v != 0 {
				sum[i] += w * v
			}
		}
	}
}

// fromValues wraps values in the requested representation.
func fromValues(values []float64, sparse bool, weight float64) Instance {
	if sparse {
		return SparseFromDense(values, weight)
	}
	return NewDenseInstance(values, weight)
}

// SumInstances adds w·inst into acc, accumulating the weight field as well,
// and returns the accumulator. A nil acc starts a new dense accumulator.
func SumInstances(acc *DenseInstance, inst Instance) *DenseInstance {
	if acc == nil {
		acc = NewDenseInstance(make([]float64, inst.NumAttributes()), 0)
	}
	w := inst.Weight()
	accumulate(acc.values, inst, w, true)
	acc.weight += w
	return acc
}

// NormalizeL2 divides every non-label value of inst by its L2 norm. It
// modifies inst in place and returns ErrZeroNorm for a zero vector.
func NormalizeL2(inst Instance, classIndex int) error {
	var sq float64
	for pos := 0; pos < inst.NumValues(); pos++ {
		if inst.Index(pos) == classIndex {
			continue
		}
		v := inst.ValueSparse(pos)
		sq += v * v
	}
	if sq == 0 {
		return ErrZeroNorm
	}
	norm := math.Sqrt(sq)
	for pos := 0; pos < inst.NumValues(); pos++ {
		if inst.Index(pos) == classIndex {
			continue
		}
		inst.SetValueSparse(pos, inst.ValueSparse(pos)/norm)
	}
	return nil
}

// NormalizeByWeight divides every non-label value of inst by its weight and
// resets the weight to 1, turning a weighted sum into a mean. It modifies
// inst in place.
func NormalizeByWeight(inst Instance, classIndex int) error {
	w := inst.Weight()
	if w == 0 {
		return ErrZeroWeight
	}
	for pos := 0; pos < inst.NumValues(); pos++ {
		if inst.Index(pos) == classIndex {
			continue
		}
		inst.SetValueSparse(pos, inst.ValueSparse(pos)/w)
	}
	inst.SetWeight(1)
	return nil
}

// dot returns Σ a_i·b_i·w_i over active attributes. weights may be nil.
// Sparse operands iterate stored positions only.
func dot(a, b Instance, weights []float64, classIndex int) float64 {
	switch {
	case a.IsSparse() && b.IsSparse():
		var sum float64
		i, j := 0, 0
		for i < a.NumValues() && j < b.NumValues() {
			ia, ib := a.Index(i), b.Index(j)
			switch {
			case ia < ib:
				i++
			case ib < ia:
				j++
			default:
				if ia != classIndex {
					sum += weightAt(weights, ia) * a.ValueSparse(i) * b.ValueSparse(j)
				}
				i++
				j++
			}
		}
		return sum
	case a.IsSparse() || b.IsSparse():
		if !a.IsSparse() {
			a, b = b, a
		}
		var sum float64
		for pos := 0; pos < a.NumValues(); pos++ {
			idx := a.Index(pos)
			if idx == classIndex {
				continue
			}
			sum += weightAt(weights, idx) * a.ValueSparse(pos) * b.Value(idx)
		}
		return sum
	default:
		da, okA := a.(*DenseInstance)
		db, okB := b.(*DenseInstance)
		if okA && okB && weights == nil && classIndex < 0 {
			return floats.Dot(da.values, db.values)
		}
		var sum float64
		for i := 0; i < a.NumAttributes(); i++ {
			if i == classIndex {
				continue
			}
			sum += weightAt(weights, i) * a.Value(i) * b.Value(i)
		}
		return sum
	}
}

func weightAt(weights []float64, i int) float64 {
	if weights == nil {
		return 1
	}
	return weights[i]
}
