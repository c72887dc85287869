package pcluster

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	defaultRepairAttempts = 1000
	// singularDet is the determinant magnitude below which the weight
	// matrix is regularized toward the identity.
	singularDet = 1e-8
	// scatterSingularDet is the same bound for the learned scatter matrix.
	scatterSingularDet = 1e-5
)

// Mahalanobis is the full-matrix distance sqrt((x-y)ᵀ W (x-y)) over the
// non-label attributes. W is kept positive semi-definite: negative
// eigencomponents are zeroed, near-singular matrices are regularized toward
// a scaled identity, and if that fails the factor V·sqrt(Λ) from the
// eigendecomposition is used instead of the Cholesky factor.
type Mahalanobis struct {
	baseMetric

	// Conversion derives Similarity from Distance. Default: laplacian.
	Conversion Conversion

	// MaxRepairAttempts bounds the regularization loop. 0 means 1000; a
	// negative value disables regularization.
	MaxRepairAttempts int

	activeIdx []int
	matrix    *mat.SymDense
	factor    *mat.Dense
	repaired  bool
	fallback  bool
}

// NewMahalanobis returns an unbuilt metric. BuildMetric sets W = I.
func NewMahalanobis() *Mahalanobis {
	return &Mahalanobis{baseMetric: newBaseMetric(), Conversion: ConversionLaplacian}
}

func (m *Mahalanobis) Name() string          { return "mahalanobis" }
func (m *Mahalanobis) IsDistanceBased() bool { return true }

func (m *Mahalanobis) BuildMetric(numAttributes int) error {
	if err := m.build(numAttributes); err != nil {
		return err
	}
	m.activeIdx = m.active()
	n := len(m.activeIdx)
	id := mat.NewSymDense(n, nil)
	f := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		id.SetSym(i, i, 1)
		f.Set(i, i, 1)
	}
	m.matrix, m.factor = id, f
	m.repaired, m.fallback = false, false
	return nil
}

// Matrix returns a copy of the current weight matrix over the non-label
// attributes.
func (m *Mahalanobis) Matrix() *mat.SymDense {
	if m.matrix == nil {
		return nil
	}
	out := mat.NewSymDense(m.matrix.SymmetricDim(), nil)
	out.CopySym(m.matrix)
	return out
}

// Repaired reports whether the last SetMatrix had to project or regularize.
func (m *Mahalanobis) Repaired() bool { return m.repaired }

// UsedFallback reports whether the eigen factorization replaced Cholesky.
func (m *Mahalanobis) UsedFallback() bool { return m.fallback }

// Weights returns the diagonal of W, expanded to every attribute.
func (m *Mahalanobis) Weights() []float64 {
	out := make([]float64, m.numAttributes)
	for k, i := range m.activeIdx {
		out[i] = m.matrix.At(k, k)
	}
	return out
}

// SetWeights installs a diagonal weight matrix.
func (m *Mahalanobis) SetWeights(w []float64) error {
	if !m.built {
		return ErrNotTrained
	}
	if len(w) != m.numAttributes {
		return fmt.Errorf("%w: %d weights for %d attributes", ErrAttributeMismatch, len(w), m.numAttributes)
	}
	d := mat.NewSymDense(len(m.activeIdx), nil)
	for k, i := range m.activeIdx {
		d.SetSym(k, k, w[i])
	}
	return m.SetMatrix(d)
}

// SetMatrix installs W, repairing it into a usable positive semi-definite
// form. Repairs are logged; only an eigendecomposition failure is an error.
func (m *Mahalanobis) SetMatrix(w mat.Symmetric) error {
	if !m.built {
		return ErrNotTrained
	}
	n := len(m.activeIdx)
	if w.SymmetricDim() != n {
		return fmt.Errorf("%w: matrix is %dx%d, want %dx%d", ErrAttributeMismatch, w.SymmetricDim(), w.SymmetricDim(), n, n)
	}
	W := mat.NewSymDense(n, nil)
	W.CopySym(w)
	m.repaired, m.fallback = false, false

	var es mat.EigenSym
	if !es.Factorize(W, true) {
		return fmt.Errorf("%w: eigendecomposition failed", ErrSingularMatrix)
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	negative := 0
	for i, v := range vals {
		if v < 0 {
			vals[i] = 0
			negative++
		}
	}
	if negative > 0 {
		W = rebuildSym(&vecs, vals)
		m.repaired = true
		m.logger.Warn().Int("negative_eigenvalues", negative).Msg("weight matrix not PSD, zeroed negative eigencomponents")
	}
	projected := mat.NewSymDense(n, nil)
	projected.CopySym(W)

	det := mat.Det(W)
	if negative > 0 || det < math.Pow(10, -2*float64(n)) {
		attempts := m.MaxRepairAttempts
		if attempts == 0 {
			attempts = defaultRepairAttempts
		}
		var steps int
		det, steps = regularize(W, singularDet, attempts)
		if math.Abs(det) < singularDet {
			m.useEigenFactor(projected, &vecs, vals)
			m.logger.Warn().Float64("det", det).Msg("weight matrix singular after regularization, using eigen factorization")
			return nil
		}
		if steps > 0 {
			m.repaired = true
			m.logger.Warn().Float64("det", det).Int("steps", steps).Msg("weight matrix regularized toward identity")
		}
	}

	var ch mat.Cholesky
	if !ch.Factorize(W) {
		es.Factorize(W, true)
		vals = es.Values(nil)
		es.VectorsTo(&vecs)
		for i, v := range vals {
			vals[i] = math.Max(v, 0)
		}
		m.useEigenFactor(W, &vecs, vals)
		m.logger.Warn().Msg("cholesky failed, using eigen factorization")
		return nil
	}
	var l mat.TriDense
	ch.LTo(&l)
	m.matrix = W
	m.factor = mat.DenseCopyOf(&l)
	m.trained = true
	return nil
}

func (m *Mahalanobis) useEigenFactor(w *mat.SymDense, vecs *mat.Dense, vals []float64) {
	n := len(vals)
	f := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			f.Set(i, j, vecs.At(i, j)*math.Sqrt(vals[j]))
		}
	}
	m.matrix = w
	m.factor = f
	m.fallback = true
	m.repaired = true
	m.trained = true
}

// regularize adds 0.01·tr(W)·I to W until |det| reaches minDet or attempts
// run out. It returns the final determinant and the number of steps taken.
// attempts < 0 disables it.
func regularize(W *mat.SymDense, minDet float64, attempts int) (float64, int) {
	n := W.SymmetricDim()
	step := 0.01 * mat.Trace(W)
	if step <= 0 {
		step = 0.01 * float64(n)
	}
	det := mat.Det(W)
	k := 0
	for ; k < attempts && math.Abs(det) < minDet; k++ {
		for i := 0; i < n; i++ {
			W.SetSym(i, i, W.At(i, i)+step)
		}
		det = mat.Det(W)
	}
	return det, k
}

// rebuildSym returns V·diag(vals)·Vᵀ, symmetrized.
func rebuildSym(vecs *mat.Dense, vals []float64) *mat.SymDense {
	n := len(vals)
	var tmp, full mat.Dense
	tmp.Mul(vecs, mat.NewDiagDense(n, vals))
	full.Mul(&tmp, vecs.T())
	return symmetrize(&full)
}

func symmetrize(a mat.Matrix) *mat.SymDense {
	n, _ := a.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, (a.At(i, j)+a.At(j, i))/2)
		}
	}
	return s
}

// diff returns a - b over the active attributes.
func (m *Mahalanobis) diff(a, b Instance) *mat.VecDense {
	v := mat.NewVecDense(len(m.activeIdx), nil)
	for k, i := range m.activeIdx {
		v.SetVec(k, a.Value(i)-b.Value(i))
	}
	return v
}

func (m *Mahalanobis) Distance(a, b Instance) (float64, error) {
	if err := m.check(a, b); err != nil {
		return 0, err
	}
	var y mat.VecDense
	y.MulVec(m.factor.T(), m.diff(a, b))
	return math.Sqrt(mat.Dot(&y, &y)), nil
}

func (m *Mahalanobis) Similarity(a, b Instance) (float64, error) {
	d, err := m.Distance(a, b)
	if err != nil {
		return 0, err
	}
	return m.Conversion.apply(d)
}

// Project maps inst into the space where Euclidean distance equals this
// metric: Fᵀx over the non-label attributes.
func (m *Mahalanobis) Project(inst Instance) ([]float64, error) {
	if !m.built {
		return nil, ErrNotTrained
	}
	if inst.NumAttributes() != m.numAttributes {
		return nil, fmt.Errorf("%w: row has %d attributes, metric built for %d", ErrAttributeMismatch, inst.NumAttributes(), m.numAttributes)
	}
	x := mat.NewVecDense(len(m.activeIdx), nil)
	for k, i := range m.activeIdx {
		x.SetVec(k, inst.Value(i))
	}
	var y mat.VecDense
	y.MulVec(m.factor.T(), x)
	return append([]float64(nil), y.RawVector().Data...), nil
}

func (m *Mahalanobis) Centroid(rows []Instance, weights []float64, fast, normalized bool) (Instance, error) {
	return m.centroid(rows, weights, fast, normalized)
}

// Learn sets W to the inverse of the averaged within-class scatter of the
// labeled rows plus half the outer products of must-linked row differences.
// A singular scatter matrix is regularized; if inversion still fails W
// falls back to the identity.
func (m *Mahalanobis) Learn(d *Dataset, cs *ConstraintSet) error {
	if !m.built {
		return ErrNotTrained
	}
	if hi := cs.MaxIndex(); hi >= d.NumRows() {
		return fmt.Errorf("%w: constraint references row %d of %d", ErrIndexOutOfRange, hi, d.NumRows())
	}
	n := len(m.activeIdx)
	scatter := mat.NewSymDense(n, nil)
	count := 0.0

	if labels := d.Labels(); labels != nil {
		for _, members := range groupByLabel(labels) {
			rows := make([]Instance, len(members))
			for k, i := range members {
				rows[k] = d.Rows[i]
			}
			mean, err := WeightedMean(rows, nil, m.classIndex, true)
			if err != nil {
				return err
			}
			for _, r := range rows {
				v := m.diff(r, mean)
				scatter.SymRankOne(scatter, 1, v)
				count++
			}
		}
	}
	for _, c := range cs.ByLink(MustLink) {
		v := m.diff(d.Rows[c.Pair.First], d.Rows[c.Pair.Second])
		scatter.SymRankOne(scatter, 0.5*c.Cost, v)
		count++
	}
	if count == 0 {
		return fmt.Errorf("%w: no labels or must-links to learn from", ErrInvalidConfig)
	}
	scatter.ScaleSym(1/count, scatter)

	attempts := m.MaxRepairAttempts
	if attempts == 0 {
		attempts = defaultRepairAttempts
	}
	if det, _ := regularize(scatter, scatterSingularDet, attempts); math.Abs(det) < scatterSingularDet {
		m.logger.Warn().Float64("det", det).Msg("scatter matrix singular after regularization")
	}

	var inv mat.Dense
	if err := inv.Inverse(scatter); err != nil {
		m.logger.Warn().Err(err).Msg("scatter inversion failed, using identity")
		id := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			id.SetSym(i, i, 1)
		}
		return m.SetMatrix(id)
	}
	return m.SetMatrix(symmetrize(&inv))
}
