package pcluster

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sixPoints() *Dataset {
	return FromDense([][]float64{
		{0, 0}, {0, 1}, {1, 0},
		{10, 10}, {10, 11}, {11, 10},
	})
}

func runHAC(t *testing.T, d *Dataset, cs *ConstraintSet, k int, cfg HACConfig) (*HAC, *HACResult) {
	t.Helper()
	cfg.Workers = 2
	h, err := NewHAC(d, NewEuclidean(), cfg)
	require.NoError(t, err)
	res, err := h.Run(cs, k)
	require.NoError(t, err)
	return h, res
}

func TestHAC_TwoObviousClusters(t *testing.T) {
	for _, linkage := range []Linkage{LinkageSingle, LinkageComplete, LinkageAverage} {
		t.Run(string(linkage), func(t *testing.T) {
			cfg := DefaultHACConfig()
			cfg.Linkage = linkage
			h, res := runHAC(t, sixPoints(), nil, 2, cfg)

			assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, res.Assignments)
			assert.Equal(t, 2, res.NumClusters)
			assert.Equal(t, TerminationTarget, res.Termination)
			assert.Len(t, res.Merges, 4)
			assert.Equal(t, HACDone, h.State())

			c, ok := h.AssignmentOf(dense(10, 11))
			require.True(t, ok)
			assert.Equal(t, 1, c)
			_, ok = h.AssignmentOf(dense(5, 5))
			assert.False(t, ok)
		})
	}
}

func TestHAC_CannotLinkSplitsObviousCluster(t *testing.T) {
	for _, linkage := range []Linkage{LinkageSingle, LinkageComplete, LinkageAverage} {
		t.Run(string(linkage), func(t *testing.T) {
			cs := NewConstraintSet()
			require.NoError(t, cs.Add(1, 2, CannotLink, 1))
			cfg := DefaultHACConfig()
			cfg.Linkage = linkage
			_, res := runHAC(t, sixPoints(), cs, 2, cfg)

			assert.Equal(t, 2, res.NumClusters)
			assert.NotEqual(t, res.Assignments[1], res.Assignments[2])
		})
	}
}

func TestHAC_MustLinkSeeding(t *testing.T) {
	cs := NewConstraintSet()
	require.NoError(t, cs.Add(0, 1, MustLink, 1))
	require.NoError(t, cs.Add(2, 3, MustLink, 1))

	_, res := runHAC(t, sixPoints(), cs, 2, DefaultHACConfig())
	a := res.Assignments
	assert.Equal(t, a[0], a[1])
	assert.Equal(t, a[2], a[3])
	assert.NotEqual(t, a[0], a[2], "selected neighborhoods stay apart")

	seeded := 0
	for _, m := range res.Merges {
		if m.Seeded {
			seeded++
			assert.Zero(t, m.Distance)
		}
	}
	assert.Equal(t, 2, seeded)
}

func TestHAC_SeedingDisabledIgnoresMustLinks(t *testing.T) {
	cs := NewConstraintSet()
	require.NoError(t, cs.Add(0, 3, MustLink, 1))
	cfg := DefaultHACConfig()
	cfg.Seedable = false
	_, res := runHAC(t, sixPoints(), cs, 2, cfg)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, res.Assignments)
}

func TestHAC_Termination(t *testing.T) {
	t.Run("threshold", func(t *testing.T) {
		cfg := DefaultHACConfig()
		cfg.Linkage = LinkageComplete
		cfg.MergeThreshold = 5
		_, res := runHAC(t, sixPoints(), nil, 1, cfg)
		assert.Equal(t, TerminationThreshold, res.Termination)
		assert.Equal(t, 2, res.NumClusters)
		for _, m := range res.Merges {
			assert.LessOrEqual(t, m.Distance, 5.0)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		cs := NewConstraintSet()
		require.NoError(t, cs.Add(0, 1, CannotLink, 1))
		require.NoError(t, cs.Add(0, 2, CannotLink, 1))
		require.NoError(t, cs.Add(1, 2, CannotLink, 1))
		d := FromDense([][]float64{{0}, {1}, {2}})
		_, res := runHAC(t, d, cs, 1, DefaultHACConfig())
		assert.Equal(t, TerminationExhausted, res.Termination)
		assert.Equal(t, 3, res.NumClusters)
		assert.Empty(t, res.Merges)
	})

	t.Run("target above row count", func(t *testing.T) {
		d := FromDense([][]float64{{0}, {1}, {2}})
		_, res := runHAC(t, d, nil, 5, DefaultHACConfig())
		assert.Equal(t, 3, res.NumClusters)
		assert.Equal(t, 3, res.TargetClusters)
		assert.Equal(t, []int{0, 1, 2}, res.Assignments)
	})
}

func TestHAC_Dendrogram(t *testing.T) {
	for _, linkage := range []Linkage{LinkageSingle, LinkageComplete, LinkageAverage} {
		t.Run(string(linkage), func(t *testing.T) {
			cfg := DefaultHACConfig()
			cfg.Linkage = linkage
			_, res := runHAC(t, sixPoints(), nil, 1, cfg)

			require.Len(t, res.Dendrogram, 5)
			last := res.Dendrogram[4]
			assert.Equal(t, 6.0, last[3])
			assert.Equal(t, 10, res.Merges[4].Node, "node IDs run from n")
			for i := 1; i < len(res.Dendrogram); i++ {
				assert.LessOrEqual(t, res.Dendrogram[i-1][2], res.Dendrogram[i][2], "merge distances are monotone")
			}
			assert.Equal(t, []int{0, 0, 0, 0, 0, 0}, res.Assignments)
		})
	}
}

func TestHAC_Errors(t *testing.T) {
	_, err := NewHAC(FromDense(nil), NewEuclidean(), DefaultHACConfig())
	assert.ErrorIs(t, err, ErrEmptyDataset)

	cfg := DefaultHACConfig()
	cfg.Linkage = "ward"
	_, err = NewHAC(sixPoints(), NewEuclidean(), cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	h, err := NewHAC(sixPoints(), NewEuclidean(), DefaultHACConfig())
	require.NoError(t, err)
	_, err = h.Run(nil, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = h.Run(nil, 2)
	require.NoError(t, err)
	_, err = h.Run(nil, 2)
	assert.ErrorIs(t, err, ErrInvalidConfig, "a HAC runs once")

	cs := NewConstraintSet()
	require.NoError(t, cs.Add(0, 1, MustLink, 1))
	require.NoError(t, cs.Add(1, 2, MustLink, 1))
	require.NoError(t, cs.Add(0, 2, CannotLink, 1))
	h, err = NewHAC(sixPoints(), NewEuclidean(), DefaultHACConfig())
	require.NoError(t, err)
	_, err = h.Run(cs, 2)
	assert.ErrorIs(t, err, ErrContradictoryConstraints)

	cs = NewConstraintSet()
	require.NoError(t, cs.Add(0, 9, CannotLink, 1))
	cfg = DefaultHACConfig()
	cfg.Seedable = false
	h, err = NewHAC(sixPoints(), NewEuclidean(), cfg)
	require.NoError(t, err)
	_, err = h.Run(cs, 2)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestHAC_MergeStepNeedsTwoClusters(t *testing.T) {
	h, err := NewHAC(FromDense([][]float64{{1, 2}}), NewEuclidean(), DefaultHACConfig())
	require.NoError(t, err)
	res, err := h.Run(nil, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NumClusters)

	_, err = h.mergeStep()
	assert.ErrorIs(t, err, ErrTooFewClusters)
}

func randomPoints(rng *rand.Rand, n, dims int) *Dataset {
	data := make([][]float64, n)
	for i := range data {
		data[i] = make([]float64, dims)
		for j := range data[i] {
			data[i][j] = rng.NormFloat64() * 3
		}
	}
	return FromDense(data)
}

func TestHAC_RespectsConstraintsOnRandomData(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 5; trial++ {
		d := randomPoints(rng, 30, 3)
		cs := NewConstraintSet()
		for c := 0; c < 8; c++ {
			i, j := rng.Intn(30), rng.Intn(30)
			if i == j {
				continue
			}
			link := CannotLink
			if c%2 == 0 {
				link = MustLink
			}
			_ = cs.Add(i, j, link, 1)
		}
		if CheckConsistency(30, cs) != nil {
			continue
		}

		for _, linkage := range []Linkage{LinkageSingle, LinkageComplete, LinkageAverage} {
			cfg := DefaultHACConfig()
			cfg.Linkage = linkage
			h, err := NewHAC(d, NewEuclidean(), cfg)
			require.NoError(t, err)
			res, err := h.Run(cs, 3)
			if err != nil {
				assert.ErrorIs(t, err, ErrContradictoryConstraints)
				continue
			}
			a := res.Assignments
			for _, c := range cs.Constraints() {
				switch c.Link {
				case MustLink:
					assert.Equal(t, a[c.Pair.First], a[c.Pair.Second], "trial %d %s must-link %s", trial, linkage, c.Pair)
				case CannotLink:
					assert.NotEqual(t, a[c.Pair.First], a[c.Pair.Second], "trial %d %s cannot-link %s", trial, linkage, c.Pair)
				}
			}
			if res.Termination == TerminationTarget {
				assert.Equal(t, 3, res.NumClusters)
			}
		}
	}
}

func TestHAC_DeterministicBySeed(t *testing.T) {
	// Integer lattice points produce many exact ties.
	var data [][]float64
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			data = append(data, []float64{float64(x), float64(y)})
		}
	}
	run := func(seed int64) *HACResult {
		cfg := DefaultHACConfig()
		cfg.Seed = seed
		_, res := runHAC(t, FromDense(data), nil, 3, cfg)
		return res
	}
	a, b := run(7), run(7)
	assert.Equal(t, a.Assignments, b.Assignments)
	assert.Equal(t, a.Merges, b.Merges)
}

func TestHAC_AverageLinkageDistance(t *testing.T) {
	// {0,1} merge first; the average distance to 5 is (5+4)/2.
	d := FromDense([][]float64{{0}, {1}, {5}})
	_, res := runHAC(t, d, nil, 1, DefaultHACConfig())
	require.Len(t, res.Merges, 2)
	assert.InDelta(t, 1, res.Merges[0].Distance, 1e-12)
	assert.InDelta(t, 4.5, res.Merges[1].Distance, 1e-12)
	assert.False(t, math.IsInf(res.Merges[1].Distance, 0))
}

func TestHAC_DisjointSupportKL(t *testing.T) {
	// The two groups share no attribute, so every cross pair is at
	// math.MaxFloat64: finite, unlike a cannot-link.
	disjoint := func() *Dataset {
		return FromDense([][]float64{
			{1, 1, 0, 0}, {2, 1, 0, 0}, {1, 2, 0, 0},
			{0, 0, 1, 1}, {0, 0, 2, 1}, {0, 0, 1, 2},
		})
	}
	for _, linkage := range []Linkage{LinkageSingle, LinkageComplete, LinkageAverage} {
		t.Run(string(linkage), func(t *testing.T) {
			cfg := DefaultHACConfig()
			cfg.Linkage = linkage
			h, err := NewHAC(disjoint(), NewKL(), cfg)
			require.NoError(t, err)
			res, err := h.Run(nil, 1)
			require.NoError(t, err)
			assert.Equal(t, TerminationTarget, res.Termination)
			assert.Equal(t, 1, res.NumClusters)
			last := res.Merges[len(res.Merges)-1]
			assert.False(t, math.IsInf(last.Distance, 0))

			h, err = NewHAC(disjoint(), NewKL(), cfg)
			require.NoError(t, err)
			res, err = h.Run(nil, 2)
			require.NoError(t, err)
			assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, res.Assignments)
		})
	}
}

func TestHAC_AverageLinkStaysFinite(t *testing.T) {
	h := &HAC{cfg: DefaultHACConfig()}
	assert.Equal(t, math.MaxFloat64, h.link(math.MaxFloat64, math.MaxFloat64, 3, 2))
	assert.InDelta(t, 4.5, h.link(5, 4, 1, 1), 1e-12)
	assert.True(t, math.IsInf(h.link(math.Inf(1), 1, 2, 2), 1), "cannot-links propagate")
}

func TestHAC_BuildResultDropsEmptyClusters(t *testing.T) {
	h, _ := runHAC(t, sixPoints(), nil, 2, DefaultHACConfig())
	h.clusters = append(h.clusters, &hacCluster{node: 99})
	res := h.buildResult(TerminationTarget, 3)
	assert.Equal(t, 2, res.NumClusters)
	assert.Equal(t, 2, res.TargetClusters)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, res.Assignments)
}
