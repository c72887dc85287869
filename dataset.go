package pcluster

import "fmt"

// AttributeKind describes how an attribute column is typed. Only numeric
// columns are usable by the clustering math.
type AttributeKind int

const (
	Numeric AttributeKind = iota
	Nominal
	String
)

func (k AttributeKind) String() string {
	switch k {
	case Numeric:
		return "numeric"
	case Nominal:
		return "nominal"
	case String:
		return "string"
	default:
		return fmt.Sprintf("AttributeKind(%d)", int(k))
	}
}

// Dataset is the tabular input consumed by the clustering algorithms.
type Dataset struct {
	// Rows holds one Instance per row. All rows must share NumAttributes.
	Rows []Instance

	// ClassIndex is the label column or -1 for unlabeled data. When set it
	// must be the last attribute. Metric and vector code skip it.
	ClassIndex int

	// Kinds optionally types each attribute column. A nil slice means every
	// column is numeric.
	Kinds []AttributeKind
}

// NewDataset wraps rows with the given class index (-1 for none).
func NewDataset(rows []Instance, classIndex int) *Dataset {
	return &Dataset{Rows: rows, ClassIndex: classIndex}
}

// FromDense builds an unlabeled dataset of dense unit-weight rows. The
// input slices are copied.
func FromDense(data [][]float64) *Dataset {
	rows := make([]Instance, len(data))
	for i, row := range data {
		v := make([]float64, len(row))
		copy(v, row)
		rows[i] = NewDenseInstance(v, 1)
	}
	return &Dataset{Rows: rows, ClassIndex: -1}
}

// NumRows returns the number of rows.
func (d *Dataset) NumRows() int { return len(d.Rows) }

// NumAttributes returns the dimensionality of the first row, or 0.
func (d *Dataset) NumAttributes() int {
	if len(d.Rows) == 0 {
		return 0
	}
	return d.Rows[0].NumAttributes()
}

// IsSparse reports whether the first row is sparse.
func (d *Dataset) IsSparse() bool {
	return len(d.Rows) > 0 && d.Rows[0].IsSparse()
}

// Validate checks dimensional consistency, class index placement and
// attribute kinds.
func (d *Dataset) Validate() error {
	if len(d.Rows) == 0 {
		return nil
	}
	dims := d.Rows[0].NumAttributes()
	for i, r := range d.Rows {
		if r.NumAttributes() != dims {
			return fmt.Errorf("%w: row %d has %d attributes, want %d", ErrAttributeMismatch, i, r.NumAttributes(), dims)
		}
		if r.Weight() < 0 {
			return fmt.Errorf("pcluster: row %d has negative weight %f", i, r.Weight())
		}
	}
	if d.ClassIndex != -1 && d.ClassIndex != dims-1 {
		return fmt.Errorf("%w: class index %d must be -1 or the last attribute (%d)", ErrInvalidConfig, d.ClassIndex, dims-1)
	}
	if d.Kinds != nil {
		if len(d.Kinds) != dims {
			return fmt.Errorf("%w: %d attribute kinds for %d attributes", ErrAttributeMismatch, len(d.Kinds), dims)
		}
		for i, k := range d.Kinds {
			if i != d.ClassIndex && k != Numeric {
				return fmt.Errorf("%w: attribute %d is %s", ErrUnsupportedAttribute, i, k)
			}
		}
	}
	return nil
}

// Labels returns the class value of every row, or nil if the dataset is
// unlabeled.
func (d *Dataset) Labels() []float64 {
	if d.ClassIndex < 0 {
		return nil
	}
	out := make([]float64, len(d.Rows))
	for i, r := range d.Rows {
		out[i] = r.Value(d.ClassIndex)
	}
	return out
}

// Subset returns a dataset view over the given row indices. Rows are shared.
func (d *Dataset) Subset(idx []int) *Dataset {
	rows := make([]Instance, len(idx))
	for k, i := range idx {
		rows[k] = d.Rows[i]
	}
	return &Dataset{Rows: rows, ClassIndex: d.ClassIndex, Kinds: d.Kinds}
}
