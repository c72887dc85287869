package pcluster

import (
	"fmt"
	"sort"
)

// Instance is a single dataset row. Dense and sparse rows share this
// interface so metric and vector code never type-switches on representation.
//
// Positions (0..NumValues()-1) address the stored values: for a dense row
// position and attribute index coincide, for a sparse row Index(pos) maps a
// position to its attribute index.
type Instance interface {
	// NumAttributes is the full dimensionality, including the label slot.
	NumAttributes() int
	// Value returns the value of attribute i (0 for absent sparse entries).
	Value(i int) float64
	// Weight is the aggregation weight of the row. Default 1.
	Weight() float64
	SetWeight(w float64)
	// NumValues is the number of stored positions.
	NumValues() int
	// Index returns the attribute index stored at position pos.
	Index(pos int) int
	// ValueSparse returns the value stored at position pos.
	ValueSparse(pos int) float64
	// SetValueSparse overwrites the value stored at position pos.
	SetValueSparse(pos int, v float64)
	// ToDense returns a freshly allocated dense copy of all attribute values.
	ToDense() []float64
	IsSparse() bool
	Copy() Instance
}

// DenseInstance stores every attribute value.
type DenseInstance struct {
	values []float64
	weight float64
}

// NewDenseInstance wraps values (not copied) with the given weight.
func NewDenseInstance(values []float64, weight float64) *DenseInstance {
	return &DenseInstance{values: values, weight: weight}
}

func (d *DenseInstance) NumAttributes() int                { return len(d.values) }
func (d *DenseInstance) Value(i int) float64               { return d.values[i] }
func (d *DenseInstance) Weight() float64                   { return d.weight }
func (d *DenseInstance) SetWeight(w float64)               { d.weight = w }
func (d *DenseInstance) NumValues() int                    { return len(d.values) }
func (d *DenseInstance) Index(pos int) int                 { return pos }
func (d *DenseInstance) ValueSparse(pos int) float64       { return d.values[pos] }
func (d *DenseInstance) SetValueSparse(pos int, v float64) { d.values[pos] = v }
func (d *DenseInstance) IsSparse() bool                    { return false }

func (d *DenseInstance) ToDense() []float64 {
	out := make([]float64, len(d.values))
	copy(out, d.values)
	return out
}

func (d *DenseInstance) Copy() Instance {
	return &DenseInstance{values: d.ToDense(), weight: d.weight}
}

// Values exposes the backing slice. Callers must not retain it across
// destructive normalization.
func (d *DenseInstance) Values() []float64 { return d.values }

// SparseInstance stores only non-zero positions. indices is strictly
// increasing.
type SparseInstance struct {
	indices       []int
	values        []float64
	numAttributes int
	weight        float64
}

// NewSparseInstance builds a sparse row. Entries whose value is zero are
// dropped; indices must be strictly increasing and inside [0, numAttributes).
func NewSparseInstance(indices []int, values []float64, numAttributes int, weight float64) (*SparseInstance, error) {
	if len(indices) != len(values) {
		return nil, fmt.Errorf("pcluster: sparse row has %d indices but %d values", len(indices), len(values))
	}
	s := &SparseInstance{numAttributes: numAttributes, weight: weight}
	prev := -1
	for k, idx := range indices {
		if idx <= prev || idx >= numAttributes {
			return nil, fmt.Errorf("pcluster: sparse index %d out of order or range (numAttributes=%d)", idx, numAttributes)
		}
		prev = idx
		if values[k] == 0 {
			continue
		}
		s.indices = append(s.indices, idx)
		s.values = append(s.values, values[k])
	}
	return s, nil
}

// SparseFromDense converts a dense vector to its sparse form.
func SparseFromDense(values []float64, weight float64) *SparseInstance {
	s := &SparseInstance{numAttributes: len(values), weight: weight}
	for i, v := range values {
		if v != 0 {
			s.indices = append(s.indices, i)
			s.values = append(s.values, v)
		}
	}
	return s
}

func (s *SparseInstance) NumAttributes() int                { return s.numAttributes }
func (s *SparseInstance) Weight() float64                   { return s.weight }
func (s *SparseInstance) SetWeight(w float64)               { s.weight = w }
func (s *SparseInstance) NumValues() int                    { return len(s.indices) }
func (s *SparseInstance) Index(pos int) int                 { return s.indices[pos] }
func (s *SparseInstance) ValueSparse(pos int) float64       { return s.values[pos] }
func (s *SparseInstance) SetValueSparse(pos int, v float64) { s.values[pos] = v }
func (s *SparseInstance) IsSparse() bool                    { return true }

func (s *SparseInstance) Value(i int) float64 {
	pos := sort.SearchInts(s.indices, i)
	if pos < len(s.indices) && s.indices[pos] == i {
		return s.values[pos]
	}
	return 0
}

func (s *SparseInstance) ToDense() []float64 {
	out := make([]float64, s.numAttributes)
	for k, idx := range s.indices {
		out[idx] = s.values[k]
	}
	return out
}

func (s *SparseInstance) Copy() Instance {
	c := &SparseInstance{
		indices:       make([]int, len(s.indices)),
		values:        make([]float64, len(s.values)),
		numAttributes: s.numAttributes,
		weight:        s.weight,
	}
	copy(c.indices, s.indices)
	copy(c.values, s.values)
	return c
}

// checkDims returns ErrAttributeMismatch if a and b differ in dimensionality.
func checkDims(a, b Instance) error {
	if a.NumAttributes() != b.NumAttributes() {
		return fmt.Errorf("%w: %d vs %d", ErrAttributeMismatch, a.NumAttributes(), b.NumAttributes())
	}
	return nil
}
