package pcluster

import (
	"fmt"
	"sort"
)

// Neighborhood is a connected component of the must-link graph.
type Neighborhood struct {
	// ID is the discovery index of the component.
	ID int
	// Members lists row indices in DFS finishing order.
	Members []int
	// Sum is the weighted sum of the member rows; its weight is the total
	// member weight.
	Sum *DenseInstance
}

// Size returns the member count.
func (nb *Neighborhood) Size() int { return len(nb.Members) }

// Resolution is the output of constraint propagation.
type Resolution struct {
	// Neighborhoods in discovery order.
	Neighborhoods []*Neighborhood
	// Selected holds neighborhood IDs chosen as initial clusters, largest
	// first. Cluster j of an initialization corresponds to Selected[j].
	Selected []int
	// NeighborhoodOf maps each row to its neighborhood ID, or -1.
	NeighborhoodOf []int
	// Assignment maps each row to its initial cluster (index into Selected),
	// or -1 when the row is unconstrained or its neighborhood was not chosen.
	Assignment []int
	// Closure is the input constraint set enlarged with inferred links.
	Closure *ConstraintSet
}

const (
	white = iota
	gray
	black
)

// ResolveNeighborhoods finds must-link neighborhoods over the rows of d,
// selects up to k of them as initial clusters and computes the transitive
// closure of the constraints. k <= 0 selects every neighborhood. The input
// set is not modified.
func ResolveNeighborhoods(d *Dataset, cs *ConstraintSet, k int) (*Resolution, error) {
	n := d.NumRows()
	if m := cs.MaxIndex(); m >= n {
		return nil, fmt.Errorf("%w: constraint references row %d of %d", ErrIndexOutOfRange, m, n)
	}

	adj := make([][]int, n)
	for _, c := range cs.ByLink(MustLink) {
		a, b := c.Pair.First, c.Pair.Second
		adj[a] = append(adj[a], b)
		adj[b] = append(adj[b], a)
	}

	res := &Resolution{
		NeighborhoodOf: make([]int, n),
		Assignment:     make([]int, n),
	}
	for i := range res.NeighborhoodOf {
		res.NeighborhoodOf[i] = -1
		res.Assignment[i] = -1
	}

	color := make([]int, n)
	for u := 0; u < n; u++ {
		if adj[u] == nil || color[u] != white {
			continue
		}
		nb := &Neighborhood{ID: len(res.Neighborhoods)}
		visit(u, adj, color, func(v int) {
			res.NeighborhoodOf[v] = nb.ID
			nb.Members = append(nb.Members, v)
			nb.Sum = SumInstances(nb.Sum, d.Rows[v])
		})
		if d.ClassIndex >= 0 {
			nb.Sum.values[d.ClassIndex] = 0
		}
		res.Neighborhoods = append(res.Neighborhoods, nb)
	}

	order := make([]int, len(res.Neighborhoods))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return res.Neighborhoods[order[a]].Size() > res.Neighborhoods[order[b]].Size()
	})
	if k > 0 && len(order) > k {
		order = order[:k]
	}
	res.Selected = order
	for j, id := range res.Selected {
		for _, v := range res.Neighborhoods[id].Members {
			res.Assignment[v] = j
		}
	}

	closure, err := closeConstraints(cs, res)
	if err != nil {
		return nil, err
	}
	res.Closure = closure
	return res, nil
}

// visit runs an iterative depth-first traversal from root, calling finish on
// each vertex as it turns black.
func visit(root int, adj [][]int, color []int, finish func(int)) {
	type frame struct{ v, next int }
	stack := []frame{{v: root}}
	color[root] = gray
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(adj[top.v]) {
			w := adj[top.v][top.next]
			top.next++
			if color[w] == white {
				color[w] = gray
				stack = append(stack, frame{v: w})
			}
			continue
		}
		color[top.v] = black
		finish(top.v)
		stack = stack[:len(stack)-1]
	}
}

// closeConstraints adds must-links between all members of each neighborhood,
// cannot-links between members of distinct selected neighborhoods, and
// cannot-links between every member pair of two neighborhoods that an
// explicit cannot-link already separates. Existing entries are kept.
func closeConstraints(cs *ConstraintSet, res *Resolution) (*ConstraintSet, error) {
	closure := cs.Clone()

	for _, nb := range res.Neighborhoods {
		for a := 0; a < len(nb.Members); a++ {
			for b := a + 1; b < len(nb.Members); b++ {
				p, _ := NewPair(nb.Members[a], nb.Members[b])
				if !closure.addInferred(p, MustLink) {
					return nil, fmt.Errorf("%w: rows %s share neighborhood %d", ErrContradictoryConstraints, p, nb.ID)
				}
			}
		}
	}

	separate := func(x, y *Neighborhood) error {
		for _, a := range x.Members {
			for _, b := range y.Members {
				p, _ := NewPair(a, b)
				if !closure.addInferred(p, CannotLink) {
					return fmt.Errorf("%w: rows %s are in neighborhoods %d and %d", ErrContradictoryConstraints, p, x.ID, y.ID)
				}
			}
		}
		return nil
	}

	for i := 0; i < len(res.Selected); i++ {
		for j := i + 1; j < len(res.Selected); j++ {
			if err := separate(res.Neighborhoods[res.Selected[i]], res.Neighborhoods[res.Selected[j]]); err != nil {
				return nil, err
			}
		}
	}

	seen := make(map[Pair]bool)
	for _, c := range cs.ByLink(CannotLink) {
		na, nb := res.NeighborhoodOf[c.Pair.First], res.NeighborhoodOf[c.Pair.Second]
		if na < 0 || nb < 0 {
			continue
		}
		key, _ := NewPair(na, nb)
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := separate(res.Neighborhoods[na], res.Neighborhoods[nb]); err != nil {
			return nil, err
		}
	}
	return closure, nil
}
