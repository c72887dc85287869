package pcluster

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRand() *rand.Rand { return rand.New(rand.NewSource(42)) }

func lineBlobs() *Dataset {
	return FromDense([][]float64{{0}, {0.5}, {1}, {10}, {10.5}, {11}})
}

func runEM(t *testing.T, d *Dataset, m Metric, cs *ConstraintSet, k int, cfg EMConfig) *EMResult {
	t.Helper()
	s, err := NewSoftKMeans(d, m, cfg)
	require.NoError(t, err)
	res, err := s.Run(cs, k)
	require.NoError(t, err)
	return res
}

func assertPartition(t *testing.T, got []int, groups ...[]int) {
	t.Helper()
	for _, g := range groups {
		for _, i := range g[1:] {
			assert.Equal(t, got[g[0]], got[i], "rows %d and %d", g[0], i)
		}
	}
	for a := 0; a < len(groups); a++ {
		for b := a + 1; b < len(groups); b++ {
			assert.NotEqual(t, got[groups[a][0]], got[groups[b][0]])
		}
	}
}

func TestSoftKMeans_TwoBlobs(t *testing.T) {
	cfg := DefaultEMConfig()
	cfg.Workers = 3
	res := runEM(t, lineBlobs(), NewEuclidean(), nil, 2, cfg)

	assertPartition(t, res.Assignments, []int{0, 1, 2}, []int{3, 4, 5})
	assert.True(t, res.Converged)
	assert.Zero(t, res.Oscillations)
	assert.Equal(t, 10.0, res.Kappa)
	assert.Len(t, res.ObjectiveTrace, res.Iterations)

	for i, p := range res.Posteriors {
		assert.InDelta(t, 1, p[0]+p[1], 1e-9, "row %d", i)
	}

	c := []float64{res.Centroids[0].Value(0), res.Centroids[1].Value(0)}
	if c[0] > c[1] {
		c[0], c[1] = c[1], c[0]
	}
	assert.InDelta(t, 0.5, c[0], 1e-3)
	assert.InDelta(t, 10.5, c[1], 1e-3)

	post, err := res.Assign(dense(0.2))
	require.NoError(t, err)
	assert.Greater(t, post[res.Assignments[0]], 0.99)
}

func TestSoftKMeans_Deterministic(t *testing.T) {
	run := func(workers int) *EMResult {
		cfg := DefaultEMConfig()
		cfg.Workers = workers
		return runEM(t, randomPoints(newRand(), 40, 3), NewEuclidean(), nil, 3, cfg)
	}
	a, b := run(1), run(4)
	assert.Equal(t, a.Assignments, b.Assignments)
	assert.Equal(t, a.ObjectiveTrace, b.ObjectiveTrace)
}

func TestSoftKMeans_SeededFromNeighborhoods(t *testing.T) {
	cs := NewConstraintSet()
	require.NoError(t, cs.Add(0, 1, MustLink, 1))
	require.NoError(t, cs.Add(3, 4, MustLink, 1))

	cfg := DefaultEMConfig()
	cfg.MaxIterations = 1
	res := runEM(t, lineBlobs(), NewEuclidean(), cs, 2, cfg)

	// Seeds are the neighborhood means 0.25 and 10.25; one step keeps the
	// blobs apart.
	assertPartition(t, res.Assignments, []int{0, 1, 2}, []int{3, 4, 5})
	assert.False(t, res.Converged)
	assert.Equal(t, 1, res.Iterations)
}

func TestSoftKMeans_Spherical(t *testing.T) {
	d := FromDense([][]float64{
		{1, 0.1}, {1, 0}, {0.9, 0.1},
		{0, 1}, {0.1, 1}, {0.1, 0.9},
	})
	cs := NewConstraintSet()
	require.NoError(t, cs.Add(0, 1, MustLink, 1))
	require.NoError(t, cs.Add(3, 4, MustLink, 1))

	cfg := DefaultEMConfig()
	cfg.Spherical = true
	res := runEM(t, d, NewDotProduct(), cs, 2, cfg)

	assertPartition(t, res.Assignments, []int{0, 1, 2}, []int{3, 4, 5})
	assert.Equal(t, 128.0, res.Kappa)
	assert.Zero(t, res.Oscillations)
	for _, c := range res.Centroids {
		v := c.ToDense()
		assert.InDelta(t, 1, math.Hypot(v[0], v[1]), 1e-9)
	}
	assert.Equal(t, 0.1, d.Rows[0].Value(1), "input rows are not normalized in place")
}

func TestSoftKMeans_ConstraintPenalty(t *testing.T) {
	cs := NewConstraintSet()
	require.NoError(t, cs.Add(0, 1, MustLink, 1))
	require.NoError(t, cs.Add(2, 3, CannotLink, 1))

	cfg := DefaultEMConfig()
	cfg.ConstraintPenalty = true
	res := runEM(t, lineBlobs(), NewEuclidean(), cs, 2, cfg)
	assertPartition(t, res.Assignments, []int{0, 1, 2}, []int{3, 4, 5})
}

// driftMetric reports a distance that grows with every call, so the
// distance objective rises even while kappa is fixed.
type driftMetric struct {
	Euclidean
	calls int
}

func (m *driftMetric) Distance(a, b Instance) (float64, error) {
	m.calls++
	return 1 + 0.01*float64(m.calls), nil
}

func TestSoftKMeans_Oscillation(t *testing.T) {
	newMetric := func() *driftMetric {
		m := &driftMetric{Euclidean: *NewEuclidean()}
		require.NoError(t, m.BuildMetric(1))
		return m
	}

	cfg := DefaultEMConfig()
	cfg.Workers = 1
	cfg.MaxIterations = 20
	res := runEM(t, lineBlobs(), newMetric(), nil, 2, cfg)
	// Kappa reaches its ceiling of 10 on iteration 5; every later
	// iteration is compared under fixed kappa.
	assert.Equal(t, 15, res.Oscillations)
	assert.False(t, res.Converged)

	cfg.FailOnOscillation = true
	s, err := NewSoftKMeans(lineBlobs(), newMetric(), cfg)
	require.NoError(t, err)
	_, err = s.Run(nil, 2)
	assert.ErrorIs(t, err, ErrOscillation)
}

func TestSoftKMeans_Anneal(t *testing.T) {
	sim := &emRun{SoftKMeans: &SoftKMeans{cfg: DefaultEMConfig()}}
	dist := &emRun{SoftKMeans: &SoftKMeans{cfg: DefaultEMConfig()}, decreases: true}

	k := 2.0
	var simSeq []float64
	for i := 0; i < 8; i++ {
		k = sim.anneal(k)
		simSeq = append(simSeq, k)
	}
	assert.Equal(t, []float64{4, 8, 16, 32, 64, 128, 128, 128}, simSeq)

	k = 2
	var distSeq []float64
	for i := 0; i < 6; i++ {
		k = dist.anneal(k)
		distSeq = append(distSeq, k)
	}
	assert.Equal(t, []float64{4, 6, 8, 10, 10, 10}, distSeq)

	assert.True(t, dist.wrongDirection(1, 2))
	assert.False(t, dist.wrongDirection(2, 1))
	assert.True(t, sim.wrongDirection(2, 1))
	assert.False(t, sim.wrongDirection(1, 1))
}

func TestSoftmax(t *testing.T) {
	out := make([]float64, 2)
	logSum := softmax([]float64{1, 1}, 3, false, out)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, out, 1e-12)
	assert.InDelta(t, 3+math.Log(2), logSum, 1e-12)

	// exp(-2000) underflows without the shift.
	logSum = softmax([]float64{1000, 1001}, 2, true, out)
	assert.InDelta(t, 1/(1+math.Exp(-2)), out[0], 1e-12)
	assert.False(t, math.IsNaN(logSum))

	logSum = softmax([]float64{math.Inf(1), math.Inf(1)}, 2, true, out)
	assert.True(t, math.IsNaN(logSum))
	assert.Equal(t, []float64{0.5, 0.5}, out)
}

func TestSoftKMeans_Errors(t *testing.T) {
	_, err := NewSoftKMeans(FromDense(nil), NewEuclidean(), DefaultEMConfig())
	assert.ErrorIs(t, err, ErrEmptyDataset)

	cfg := DefaultEMConfig()
	cfg.Tolerance = -1
	_, err = NewSoftKMeans(lineBlobs(), NewEuclidean(), cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	s, err := NewSoftKMeans(lineBlobs(), NewEuclidean(), DefaultEMConfig())
	require.NoError(t, err)
	_, err = s.Run(nil, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
