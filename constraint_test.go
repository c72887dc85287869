package pcluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPair(t *testing.T) {
	tests := []struct {
		name    string
		i, j    int
		want    Pair
		wantErr error
	}{
		{"ordered", 1, 4, Pair{1, 4}, nil},
		{"reversed", 4, 1, Pair{1, 4}, nil},
		{"self", 3, 3, Pair{}, ErrSelfPair},
		{"negative", -1, 2, Pair{}, ErrIndexOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewPair(tt.i, tt.j)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConstraintSet_LookupIsSymmetric(t *testing.T) {
	cs := NewConstraintSet()
	require.NoError(t, cs.Add(5, 2, MustLink, 0))
	require.NoError(t, cs.Add(0, 7, CannotLink, 2.5))

	for i := 0; i < 8; i++ {
		for j := 0; j < 8; j++ {
			a, okA := cs.Lookup(i, j)
			b, okB := cs.Lookup(j, i)
			assert.Equal(t, okA, okB, "(%d,%d)", i, j)
			assert.Equal(t, a, b, "(%d,%d)", i, j)
		}
	}

	c, ok := cs.Lookup(2, 5)
	require.True(t, ok)
	assert.Equal(t, MustLink, c.Link)
	assert.Equal(t, 1.0, c.Cost, "zero cost defaults to 1")
	assert.Equal(t, CannotLink, cs.Link(7, 0))
	assert.Equal(t, Neutral, cs.Link(1, 3))
}

func TestConstraintSet_AddConflict(t *testing.T) {
	cs := NewConstraintSet()
	require.NoError(t, cs.Add(1, 2, MustLink, 1))
	require.NoError(t, cs.Add(2, 1, MustLink, 3))

	c, _ := cs.Lookup(1, 2)
	assert.Equal(t, 3.0, c.Cost, "repeated link keeps the larger cost")

	err := cs.Add(1, 2, CannotLink, 1)
	assert.ErrorIs(t, err, ErrConflictingConstraint)
	assert.Equal(t, 1, cs.Len())

	assert.ErrorIs(t, cs.Add(4, 4, MustLink, 1), ErrSelfPair)
}

func TestConstraintSet_InferredNeverOverwrites(t *testing.T) {
	cs := NewConstraintSet()
	require.NoError(t, cs.Add(0, 1, CannotLink, 2))

	p, _ := NewPair(0, 1)
	assert.False(t, cs.addInferred(p, MustLink))
	c, _ := cs.Lookup(0, 1)
	assert.Equal(t, CannotLink, c.Link)
	assert.False(t, c.Inferred)

	q, _ := NewPair(1, 2)
	assert.True(t, cs.addInferred(q, MustLink))
	c, _ = cs.Lookup(2, 1)
	assert.True(t, c.Inferred)
}

func TestConstraintsOrdering(t *testing.T) {
	cs, err := ConstraintsFromTuples([]Tuple{
		{I: 3, J: 1, Link: CannotLink},
		{I: 0, J: 2, Link: MustLink},
		{I: 0, J: 1, Link: MustLink},
	})
	require.NoError(t, err)

	got := cs.Constraints()
	require.Len(t, got, 3)
	assert.Equal(t, Pair{0, 1}, got[0].Pair)
	assert.Equal(t, Pair{0, 2}, got[1].Pair)
	assert.Equal(t, Pair{1, 3}, got[2].Pair)
	assert.Len(t, cs.ByLink(MustLink), 2)
	assert.Equal(t, 3, cs.MaxIndex())
}

func TestConstraintsFromLabels(t *testing.T) {
	cs, err := ConstraintsFromLabels(map[int]float64{0: 1, 2: 1, 5: 0})
	require.NoError(t, err)

	assert.Equal(t, 3, cs.Len())
	assert.Equal(t, MustLink, cs.Link(0, 2))
	assert.Equal(t, CannotLink, cs.Link(0, 5))
	assert.Equal(t, CannotLink, cs.Link(2, 5))
}

func TestSeedLabels(t *testing.T) {
	d := FromDense([][]float64{{0, 0, 1}, {1, 1, 2}, {2, 2, 1}})
	_, err := SeedLabels(d, []int{0})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	d.ClassIndex = 2
	labels, err := SeedLabels(d, []int{0, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[int]float64{0: 1, 1: 2, 2: 1}, labels)

	_, err = SeedLabels(d, []int{3})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestCheckConsistency(t *testing.T) {
	cs, err := ConstraintsFromTuples([]Tuple{
		{I: 0, J: 1, Link: MustLink},
		{I: 1, J: 2, Link: MustLink},
		{I: 3, J: 4, Link: CannotLink},
	})
	require.NoError(t, err)
	assert.NoError(t, CheckConsistency(5, cs))

	require.NoError(t, cs.Add(0, 2, CannotLink, 1))
	assert.ErrorIs(t, CheckConsistency(5, cs), ErrContradictoryConstraints)
	assert.ErrorIs(t, CheckConsistency(3, cs), ErrIndexOutOfRange)
}
