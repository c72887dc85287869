package pcluster

// UnionFind is a disjoint-set forest with path compression and union by
// size. It holds 2*n - 1 slots so that merge-tree nodes can be numbered in
// scipy style: rows are 0..n-1 and every Merge allocates the next ID from n
// upwards.
type UnionFind struct {
	parent []int
	size   []int
	// nextLabel is the ID the next Merge assigns, starting at n.
	nextLabel int
}

// NewUnionFind creates a UnionFind for n rows.
func NewUnionFind(n int) *UnionFind {
	total := 2*n - 1
	if total < 1 {
		total = 1
	}
	parent := make([]int, total)
	size := make([]int, total)
	for i := range parent {
		parent[i] = -1 // -1 means "is a root"
	}
	for i := 0; i < n; i++ {
		size[i] = 1
	}
	return &UnionFind{
		parent:    parent,
		size:      size,
		nextLabel: n,
	}
}

// Find returns the root of the set containing x, with path compression.
func (uf *UnionFind) Find(x int) int {
	root := x
	for uf.parent[root] != -1 {
		root = uf.parent[root]
	}
	for uf.parent[x] != -1 {
		x, uf.parent[x] = uf.parent[x], root
	}
	return root
}

// Union merges the sets containing x and y by attaching the smaller tree
// under the larger. Returns the new root.
func (uf *UnionFind) Union(x, y int) int {
	rootX := uf.Find(x)
	rootY := uf.Find(y)
	if rootX == rootY {
		return rootX
	}
	if uf.size[rootX] < uf.size[rootY] {
		rootX, rootY = rootY, rootX
	}
	uf.parent[rootY] = rootX
	uf.size[rootX] += uf.size[rootY]
	return rootX
}

// Connected reports whether x and y are in the same set.
func (uf *UnionFind) Connected(x, y int) bool {
	return uf.Find(x) == uf.Find(y)
}

// Size returns the number of rows in the set containing x.
func (uf *UnionFind) Size(x int) int {
	return uf.size[uf.Find(x)]
}

// Merge joins the sets rooted at x and y under a freshly allocated node ID
// and returns the two old roots, the new ID and the merged size. It is used
// to number dendrogram nodes; unlike Union the new root is always the new
// node. Merging a set with itself returns newID -1.
func (uf *UnionFind) Merge(x, y int) (rootX, rootY, newID, size int) {
	rootX, rootY = uf.Find(x), uf.Find(y)
	if rootX == rootY || uf.nextLabel >= len(uf.parent) {
		return rootX, rootY, -1, uf.size[rootX]
	}
	newID = uf.nextLabel
	uf.nextLabel++
	size = uf.size[rootX] + uf.size[rootY]
	uf.size[newID] = size
	uf.parent[rootX] = newID
	uf.parent[rootY] = newID
	return rootX, rootY, newID, size
}
