package pcluster

import "errors"

// Configuration errors.
var (
	ErrAttributeMismatch    = errors.New("pcluster: attribute count mismatch")
	ErrUnsupportedAttribute = errors.New("pcluster: unsupported attribute type")
	ErrNotTrainable         = errors.New("pcluster: metric is not trainable")
	ErrNotTrained           = errors.New("pcluster: metric has not been built")
	ErrInvalidConfig        = errors.New("pcluster: invalid config")
	ErrEmptyDataset         = errors.New("pcluster: empty dataset")
)

// Constraint consistency errors.
var (
	ErrSelfPair                 = errors.New("pcluster: constraint pairs a row with itself")
	ErrConflictingConstraint    = errors.New("pcluster: pair already holds a different link")
	ErrContradictoryConstraints = errors.New("pcluster: must-link and cannot-link constraints contradict")
	ErrIndexOutOfRange          = errors.New("pcluster: row index out of range")
)

// Numerical degeneracy errors.
var (
	ErrZeroNorm       = errors.New("pcluster: zero-norm vector")
	ErrZeroWeight     = errors.New("pcluster: zero-weight vector")
	ErrSingularMatrix = errors.New("pcluster: singular weight matrix")
	ErrTooFewClusters = errors.New("pcluster: merge requires at least 2 clusters")
)

// ErrOscillation is returned by the EM loop when FailOnOscillation is set and
// the objective moved against the metric's direction.
var ErrOscillation = errors.New("pcluster: objective oscillation")
