package pcluster

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"github.com/rs/zerolog"
)

// Linkage selects how the distance between two clusters is derived from the
// distances between their members.
type Linkage string

const (
	LinkageSingle   Linkage = "single"
	LinkageComplete Linkage = "complete"
	LinkageAverage  Linkage = "average"
)

// Termination records why a HAC run stopped merging.
type Termination string

const (
	// TerminationTarget means the requested number of clusters was reached.
	TerminationTarget Termination = "target"
	// TerminationThreshold means the closest pair was farther apart than
	// MergeThreshold.
	TerminationThreshold Termination = "threshold"
	// TerminationExhausted means every remaining pair is separated by a
	// cannot-link (infinite distance).
	TerminationExhausted Termination = "exhausted"
)

// HACState is the lifecycle stage of a HAC run.
type HACState int

const (
	HACInitialized HACState = iota
	HACMerging
	HACDone
)

// HACConfig controls agglomerative clustering.
// Start with [DefaultHACConfig] and override the fields you need.
type HACConfig struct {
	// Linkage is the inter-cluster distance rule. Default: "average".
	Linkage Linkage `yaml:"linkage" json:"linkage"`

	// MergeThreshold stops merging before any merge whose distance exceeds
	// it. 0 means no threshold. Default: +Inf.
	MergeThreshold float64 `yaml:"merge_threshold" json:"merge_threshold"`

	// Seedable pre-merges every must-link neighborhood before agglomeration
	// and keeps the selected neighborhoods apart. When false, only
	// cannot-links are enforced. Default: true.
	Seedable bool `yaml:"seedable" json:"seedable"`

	// Seed drives tie-breaking between equally close pairs. Default: 100.
	Seed int64 `yaml:"seed" json:"seed"`

	// Workers is the goroutine count for the distance matrix. 0 means
	// runtime.NumCPU().
	Workers int `yaml:"workers" json:"workers"`

	// Logger receives warnings about early termination and numeric repairs.
	// nil disables logging.
	Logger *zerolog.Logger `yaml:"-" json:"-"`
}

// DefaultHACConfig returns a HACConfig with reasonable defaults.
func DefaultHACConfig() HACConfig {
	return HACConfig{
		Linkage:        LinkageAverage,
		MergeThreshold: math.Inf(1),
		Seedable:       true,
		Seed:           100,
	}
}

func validateHACConfig(cfg *HACConfig) error {
	switch cfg.Linkage {
	case LinkageSingle, LinkageComplete, LinkageAverage:
	default:
		return fmt.Errorf("%w: invalid linkage %q", ErrInvalidConfig, cfg.Linkage)
	}
	if math.IsNaN(cfg.MergeThreshold) || cfg.MergeThreshold < 0 {
		return fmt.Errorf("%w: MergeThreshold must be >= 0, got %f", ErrInvalidConfig, cfg.MergeThreshold)
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("%w: Workers must be >= 0, got %d", ErrInvalidConfig, cfg.Workers)
	}
	return nil
}

func applyHACDefaults(cfg *HACConfig) {
	if cfg.Linkage == "" {
		cfg.Linkage = LinkageAverage
	}
	if cfg.MergeThreshold == 0 {
		cfg.MergeThreshold = math.Inf(1)
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU()
	}
}

// HACCluster is one cluster of a HAC result.
type HACCluster struct {
	// Node is the dendrogram node ID: a row index for singletons, n or
	// above for merged clusters.
	Node int
	// Members lists row indices; the first member is the representative.
	Members []int
}

// Merge is one agglomeration step.
type Merge struct {
	Left, Right int // dendrogram node IDs
	Node        int
	Distance    float64
	Size        int
	// Seeded marks merges performed while collapsing must-link
	// neighborhoods rather than by distance.
	Seeded bool
}

// HACResult is the output of a HAC run.
type HACResult struct {
	// Assignments maps each row to a cluster index in [0, NumClusters).
	// Clusters are numbered by their smallest member row.
	Assignments []int
	Clusters    []*HACCluster
	// Merges lists every merge in execution order, seeded ones first.
	Merges []Merge
	// Dendrogram holds Merges in scipy format: [left, right, distance,
	// size]. Seeded merges have distance 0.
	Dendrogram  [][4]float64
	Termination Termination
	NumClusters int
	// TargetClusters is the requested cluster count after capping it to the
	// number of non-empty clusters that can exist.
	TargetClusters int
}

// HAC is a constrained agglomerative clusterer over a fixed dataset.
//
// Cluster distances are stored in the row of each cluster's representative
// (its first member) of an n×n matrix. After every merge the row of the
// surviving representative is rewritten with the linkage rule, so the stored
// value always equals the linkage distance between the two clusters, except
// where a cannot-link has set it to +Inf.
type HAC struct {
	data   *Dataset
	metric Metric
	cfg    HACConfig
	logger zerolog.Logger
	rng    *rand.Rand
	state  HACState

	n        int
	dist     []float64
	clusters []*hacCluster
	uf       *UnionFind
	merges   []Merge
	index    *RowIndex
	result   *HACResult
}

type hacCluster struct {
	members []int
	node    int
}

func (c *hacCluster) rep() int { return c.members[0] }

// NewHAC returns a HAC over data using metric. The metric is built for data
// if it has not been built for rows of this width yet.
func NewHAC(data *Dataset, metric Metric, cfg HACConfig) (*HAC, error) {
	applyHACDefaults(&cfg)
	if err := validateHACConfig(&cfg); err != nil {
		return nil, err
	}
	if data == nil || data.NumRows() == 0 {
		return nil, ErrEmptyDataset
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}
	if metric.NumAttributes() != data.NumAttributes() {
		if err := BuildMetric(metric, data); err != nil {
			return nil, err
		}
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &HAC{
		data:   data,
		metric: metric,
		cfg:    cfg,
		logger: logger.With().Str("module", "hac").Str("linkage", string(cfg.Linkage)).Logger(),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		n:      data.NumRows(),
	}, nil
}

// State returns the lifecycle stage.
func (h *HAC) State() HACState { return h.state }

// Run clusters the rows into k clusters under cs. cs may be nil. A HAC can
// be run only once.
func (h *HAC) Run(cs *ConstraintSet, k int) (*HACResult, error) {
	if h.state != HACInitialized || h.dist != nil {
		return nil, fmt.Errorf("%w: HAC has already run", ErrInvalidConfig)
	}
	if k < 1 {
		return nil, fmt.Errorf("%w: k must be >= 1, got %d", ErrInvalidConfig, k)
	}
	if cs == nil {
		cs = NewConstraintSet()
	}
	if err := h.initialize(cs, k); err != nil {
		return nil, err
	}

	target := k
	if target > len(h.clusters) {
		h.logger.Warn().Int("k", k).Int("clusters", len(h.clusters)).Msg("fewer clusters than requested; lowering target")
		target = len(h.clusters)
	}

	h.state = HACMerging
	termination := TerminationTarget
	for len(h.clusters) > target {
		stop, err := h.mergeStep()
		if err != nil {
			return nil, err
		}
		if stop != "" {
			termination = stop
			h.logger.Warn().
				Str("termination", string(stop)).
				Int("clusters", len(h.clusters)).
				Int("target", target).
				Msg("merging stopped before reaching target")
			break
		}
	}
	h.state = HACDone

	h.result = h.buildResult(termination, target)
	h.index = IndexDataset(h.data)
	return h.result, nil
}

// initialize builds the distance matrix, collapses must-link neighborhoods
// and marks cannot-linked clusters as infinitely far apart.
func (h *HAC) initialize(cs *ConstraintSet, k int) error {
	dist, err := PairwiseDistancesParallel(h.data.Rows, h.metric, h.cfg.Workers)
	if err != nil {
		return err
	}
	nan := 0
	for i, d := range dist {
		if math.IsNaN(d) {
			dist[i] = math.Inf(1)
			nan++
		}
	}
	if nan > 0 {
		h.logger.Warn().Int("count", nan).Msg("NaN distances replaced by +Inf")
	}
	h.dist = dist
	h.uf = NewUnionFind(h.n)

	clusterOf := make([]*hacCluster, h.n)
	h.clusters = make([]*hacCluster, h.n)
	for i := 0; i < h.n; i++ {
		clusterOf[i] = &hacCluster{members: []int{i}, node: i}
		h.clusters[i] = clusterOf[i]
	}

	cannot := cs
	if h.cfg.Seedable && cs.Len() > 0 {
		res, err := ResolveNeighborhoods(h.data, cs, k)
		if err != nil {
			return err
		}
		for _, nb := range res.Neighborhoods {
			head := clusterOf[nb.Members[0]]
			for _, v := range nb.Members[1:] {
				h.absorb(head, clusterOf[v], 0, true)
				h.remove(clusterOf[v])
				clusterOf[v] = head
			}
		}
		cannot = res.Closure
		h.logger.Debug().
			Int("neighborhoods", len(res.Neighborhoods)).
			Int("selected", len(res.Selected)).
			Msg("seeded from must-link neighborhoods")
	} else if cs.MaxIndex() >= h.n {
		return fmt.Errorf("%w: constraint references row %d of %d", ErrIndexOutOfRange, cs.MaxIndex(), h.n)
	}

	inf := math.Inf(1)
	for _, c := range cannot.ByLink(CannotLink) {
		ca, cb := clusterOf[c.Pair.First], clusterOf[c.Pair.Second]
		if ca == cb {
			return fmt.Errorf("%w: cannot-linked rows %s share a cluster", ErrContradictoryConstraints, c.Pair)
		}
		h.setDist(ca.rep(), cb.rep(), inf)
	}
	return nil
}

// mergeStep merges the closest pair of clusters. It returns a non-empty
// Termination instead of merging when no admissible pair remains.
func (h *HAC) mergeStep() (Termination, error) {
	if len(h.clusters) < 2 {
		return "", fmt.Errorf("%w: %d clusters", ErrTooFewClusters, len(h.clusters))
	}

	type candidate struct{ a, b int }
	best := math.Inf(1)
	var ties []candidate
	for a := 0; a < len(h.clusters); a++ {
		ra := h.clusters[a].rep()
		for b := a + 1; b < len(h.clusters); b++ {
			d := h.dist[ra*h.n+h.clusters[b].rep()]
			switch {
			case d < best:
				best = d
				ties = append(ties[:0], candidate{a, b})
			case d == best && !math.IsInf(d, 1):
				ties = append(ties, candidate{a, b})
			}
		}
	}

	if len(ties) == 0 {
		return TerminationExhausted, nil
	}
	if best > h.cfg.MergeThreshold {
		return TerminationThreshold, nil
	}

	pick := ties[0]
	if len(ties) > 1 {
		pick = ties[h.rng.Intn(len(ties))]
	}
	c1, c2 := h.clusters[pick.a], h.clusters[pick.b]
	h.absorb(c1, c2, best, false)
	h.clusters = append(h.clusters[:pick.b], h.clusters[pick.b+1:]...)
	return "", nil
}

// absorb merges c2 into c1. The linkage update uses the sizes before the
// merge and rewrites the representative row of c1, which stays c1's first
// member.
func (h *HAC) absorb(c1, c2 *hacCluster, d float64, seeded bool) {
	r1, r2 := c1.rep(), c2.rep()
	n1, n2 := float64(len(c1.members)), float64(len(c2.members))

	for _, other := range h.clusters {
		if other == c1 || other == c2 {
			continue
		}
		r := other.rep()
		h.setDist(r1, r, h.link(h.dist[r1*h.n+r], h.dist[r2*h.n+r], n1, n2))
	}

	_, _, node, size := h.uf.Merge(c1.node, c2.node)
	h.merges = append(h.merges, Merge{
		Left:     c1.node,
		Right:    c2.node,
		Node:     node,
		Distance: d,
		Size:     size,
		Seeded:   seeded,
	})
	c1.node = node
	c1.members = append(c1.members, c2.members...)
}

func (h *HAC) remove(c *hacCluster) {
	for i, x := range h.clusters {
		if x == c {
			h.clusters = append(h.clusters[:i], h.clusters[i+1:]...)
			return
		}
	}
}

func (h *HAC) link(d1, d2, n1, n2 float64) float64 {
	switch h.cfg.Linkage {
	case LinkageSingle:
		if math.IsInf(d1, 1) || math.IsInf(d2, 1) {
			return math.Inf(1)
		}
		return math.Min(d1, d2)
	case LinkageComplete:
		return math.Max(d1, d2)
	default:
		// Weights are applied before summing so math.MaxFloat64 distances
		// stay finite; +Inf is reserved for cannot-links.
		d := d1*(n1/(n1+n2)) + d2*(n2/(n1+n2))
		if math.IsInf(d, 1) && !math.IsInf(d1, 1) && !math.IsInf(d2, 1) {
			return math.MaxFloat64
		}
		return d
	}
}

func (h *HAC) setDist(a, b int, d float64) {
	h.dist[a*h.n+b] = d
	h.dist[b*h.n+a] = d
}

// buildResult numbers the surviving clusters by smallest member. Clusters
// only grow through absorb, so the empty-cluster drop is a guard against
// bookkeeping bugs.
func (h *HAC) buildResult(termination Termination, target int) *HACResult {
	var clusters []*HACCluster
	for _, c := range h.clusters {
		if len(c.members) == 0 {
			h.logger.Warn().Int("node", c.node).Msg("dropping empty cluster")
			target--
			continue
		}
		clusters = append(clusters, &HACCluster{Node: c.node, Members: append([]int(nil), c.members...)})
	}
	sort.Slice(clusters, func(a, b int) bool {
		return minInt(clusters[a].Members) < minInt(clusters[b].Members)
	})

	res := &HACResult{
		Assignments:    make([]int, h.n),
		Clusters:       clusters,
		Merges:         h.merges,
		Termination:    termination,
		NumClusters:    len(clusters),
		TargetClusters: target,
	}
	for id, c := range clusters {
		for _, v := range c.Members {
			res.Assignments[v] = id
		}
	}
	res.Dendrogram = make([][4]float64, len(h.merges))
	for i, m := range h.merges {
		res.Dendrogram[i] = [4]float64{float64(m.Left), float64(m.Right), m.Distance, float64(m.Size)}
	}
	return res
}

// AssignmentOf returns the cluster of a row equal to inst after Run.
func (h *HAC) AssignmentOf(inst Instance) (int, bool) {
	if h.result == nil {
		return -1, false
	}
	i, ok := h.index.Lookup(inst)
	if !ok {
		return -1, false
	}
	return h.result.Assignments[i], true
}

func minInt(xs []int) int {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}
