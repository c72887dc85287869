package pcluster

import (
	"fmt"
	"sort"
)

// LinkType is the relation a pairwise constraint asserts.
type LinkType int

const (
	// Neutral records an explicit "don't care" for a pair.
	Neutral LinkType = iota
	// MustLink asserts the two rows share a cluster.
	MustLink
	// CannotLink asserts the two rows are in different clusters.
	CannotLink
)

func (l LinkType) String() string {
	switch l {
	case Neutral:
		return "neutral"
	case MustLink:
		return "must-link"
	case CannotLink:
		return "cannot-link"
	default:
		return fmt.Sprintf("LinkType(%d)", int(l))
	}
}

// Pair is a canonical row pair with First < Second, so (a,b) and (b,a) map to
// the same key.
type Pair struct {
	First, Second int
}

// NewPair canonicalizes (i, j). A self-pair or a negative index is an error.
func NewPair(i, j int) (Pair, error) {
	if i == j {
		return Pair{}, fmt.Errorf("%w: %d", ErrSelfPair, i)
	}
	if i < 0 || j < 0 {
		return Pair{}, fmt.Errorf("%w: (%d, %d)", ErrIndexOutOfRange, i, j)
	}
	if i > j {
		i, j = j, i
	}
	return Pair{First: i, Second: j}, nil
}

func (p Pair) String() string { return fmt.Sprintf("(%d,%d)", p.First, p.Second) }

// Constraint is a typed relation between two rows with an optional cost.
type Constraint struct {
	Pair Pair
	Link LinkType
	Cost float64
	// Inferred marks constraints added by transitive closure.
	Inferred bool
}

// Tuple is the raw ingestion form of a constraint: (I, J, Link, Cost).
// A zero Cost means 1.
type Tuple struct {
	I, J int
	Link LinkType
	Cost float64
}

// ConstraintSet maps canonical pairs to at most one constraint each.
// It is not safe for concurrent mutation.
type ConstraintSet struct {
	m map[Pair]Constraint
}

// NewConstraintSet returns an empty set.
func NewConstraintSet() *ConstraintSet {
	return &ConstraintSet{m: make(map[Pair]Constraint)}
}

// Len returns the number of stored pairs.
func (cs *ConstraintSet) Len() int {
	if cs == nil {
		return 0
	}
	return len(cs.m)
}

// Add stores an explicit constraint between rows i and j. Adding the same
// link twice keeps the larger cost; a different link for a pair that already
// holds one returns ErrConflictingConstraint.
func (cs *ConstraintSet) Add(i, j int, link LinkType, cost float64) error {
	p, err := NewPair(i, j)
	if err != nil {
		return err
	}
	if cost == 0 {
		cost = 1
	}
	if cur, ok := cs.m[p]; ok {
		if cur.Link != link {
			return fmt.Errorf("%w: %s is %s, cannot add %s", ErrConflictingConstraint, p, cur.Link, link)
		}
		if cost > cur.Cost {
			cur.Cost = cost
		}
		cur.Inferred = false
		cs.m[p] = cur
		return nil
	}
	cs.m[p] = Constraint{Pair: p, Link: link, Cost: cost}
	return nil
}

// addInferred stores an inferred constraint unless the pair already holds
// one. It reports whether the existing entry, if any, agrees with link.
func (cs *ConstraintSet) addInferred(p Pair, link LinkType) bool {
	if cur, ok := cs.m[p]; ok {
		return cur.Link == link || cur.Link == Neutral
	}
	cs.m[p] = Constraint{Pair: p, Link: link, Cost: 1, Inferred: true}
	return true
}

// Lookup returns the constraint between i and j in either order.
func (cs *ConstraintSet) Lookup(i, j int) (Constraint, bool) {
	if cs == nil || i == j {
		return Constraint{}, false
	}
	if i > j {
		i, j = j, i
	}
	c, ok := cs.m[Pair{First: i, Second: j}]
	return c, ok
}

// Link returns the link between i and j, or Neutral if none is stored.
func (cs *ConstraintSet) Link(i, j int) LinkType {
	c, _ := cs.Lookup(i, j)
	return c.Link
}

// Constraints returns every stored constraint ordered by pair.
func (cs *ConstraintSet) Constraints() []Constraint {
	if cs == nil {
		return nil
	}
	out := make([]Constraint, 0, len(cs.m))
	for _, c := range cs.m {
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Pair.First != out[b].Pair.First {
			return out[a].Pair.First < out[b].Pair.First
		}
		return out[a].Pair.Second < out[b].Pair.Second
	})
	return out
}

// ByLink returns the stored constraints of one link type ordered by pair.
func (cs *ConstraintSet) ByLink(link LinkType) []Constraint {
	var out []Constraint
	for _, c := range cs.Constraints() {
		if c.Link == link {
			out = append(out, c)
		}
	}
	return out
}

// MaxIndex returns the largest row index referenced, or -1.
func (cs *ConstraintSet) MaxIndex() int {
	hi := -1
	if cs == nil {
		return hi
	}
	for p := range cs.m {
		if p.Second > hi {
			hi = p.Second
		}
	}
	return hi
}

// Clone returns an independent copy.
func (cs *ConstraintSet) Clone() *ConstraintSet {
	out := NewConstraintSet()
	if cs == nil {
		return out
	}
	for p, c := range cs.m {
		out.m[p] = c
	}
	return out
}

// ConstraintsFromTuples builds a set from explicit (i, j, link, cost) tuples.
func ConstraintsFromTuples(tuples []Tuple) (*ConstraintSet, error) {
	cs := NewConstraintSet()
	for _, t := range tuples {
		if err := cs.Add(t.I, t.J, t.Link, t.Cost); err != nil {
			return nil, err
		}
	}
	return cs, nil
}

// ConstraintsFromLabels synthesizes constraints from labeled seed rows: rows
// sharing a label are must-linked, rows with different labels cannot-linked.
func ConstraintsFromLabels(labels map[int]float64) (*ConstraintSet, error) {
	idx := make([]int, 0, len(labels))
	for i := range labels {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	cs := NewConstraintSet()
	for a := 0; a < len(idx); a++ {
		for b := a + 1; b < len(idx); b++ {
			link := CannotLink
			if labels[idx[a]] == labels[idx[b]] {
				link = MustLink
			}
			if err := cs.Add(idx[a], idx[b], link, 1); err != nil {
				return nil, err
			}
		}
	}
	return cs, nil
}

// SeedLabels collects the class value of each listed row of a labeled
// dataset, for use with ConstraintsFromLabels.
func SeedLabels(d *Dataset, rows []int) (map[int]float64, error) {
	if d.ClassIndex < 0 {
		return nil, fmt.Errorf("%w: dataset has no class attribute", ErrInvalidConfig)
	}
	out := make(map[int]float64, len(rows))
	for _, i := range rows {
		if i < 0 || i >= d.NumRows() {
			return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, i)
		}
		out[i] = d.Rows[i].Value(d.ClassIndex)
	}
	return out, nil
}

// CheckConsistency verifies that no cannot-link joins two rows connected by
// a path of must-links. n is the number of rows.
func CheckConsistency(n int, cs *ConstraintSet) error {
	if cs.Len() == 0 {
		return nil
	}
	if m := cs.MaxIndex(); m >= n {
		return fmt.Errorf("%w: constraint references row %d of %d", ErrIndexOutOfRange, m, n)
	}
	uf := NewUnionFind(n)
	for _, c := range cs.ByLink(MustLink) {
		uf.Union(c.Pair.First, c.Pair.Second)
	}
	for _, c := range cs.ByLink(CannotLink) {
		if uf.Connected(c.Pair.First, c.Pair.Second) {
			return fmt.Errorf("%w: cannot-link %s joins a must-link component", ErrContradictoryConstraints, c.Pair)
		}
	}
	return nil
}
