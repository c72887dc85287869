package pcluster

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
)

// EMConfig controls constrained soft k-means.
// Start with [DefaultEMConfig] and override the fields you need.
type EMConfig struct {
	// Spherical clusters L2-normalized copies of the rows and keeps every
	// centroid at unit length. Pair it with a similarity metric such as dot
	// product. Default: false.
	Spherical bool `yaml:"spherical" json:"spherical"`

	// InitialKappa is the starting inverse temperature. Must be > 0.
	// Default: 2.
	InitialKappa float64 `yaml:"initial_kappa" json:"initial_kappa"`

	// MaxKappaSim caps kappa for similarity metrics, where kappa doubles
	// every iteration. Default: 100.
	MaxKappaSim float64 `yaml:"max_kappa_sim" json:"max_kappa_sim"`

	// MaxKappaDist caps kappa for distance metrics, where kappa grows by 2
	// every iteration. Default: 10.
	MaxKappaDist float64 `yaml:"max_kappa_dist" json:"max_kappa_dist"`

	// Tolerance is the objective change below which the run has converged.
	// Default: 1e-3.
	Tolerance float64 `yaml:"tolerance" json:"tolerance"`

	// Perturbation is the width p of the multiplicative noise
	// [1-p/2, 1+p/2] applied to the global centroid to fill centroids that
	// no neighborhood seeds. Default: 0.7.
	Perturbation float64 `yaml:"perturbation" json:"perturbation"`

	// Seed drives the centroid perturbation. Default: 42.
	Seed int64 `yaml:"seed" json:"seed"`

	// FastMode accumulates sparse rows over stored values only.
	// Default: true.
	FastMode bool `yaml:"fast_mode" json:"fast_mode"`

	// MaxIterations bounds the EM loop. Default: 1000.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`

	// ConstraintPenalty adds constraint terms to the E-step energy: a
	// satisfied must-link adds MustLinkWeight, a violated cannot-link
	// subtracts CannotLinkWeight (signs flip for distance metrics).
	// Default: false.
	ConstraintPenalty bool    `yaml:"constraint_penalty" json:"constraint_penalty"`
	MustLinkWeight    float64 `yaml:"must_link_weight" json:"must_link_weight"`
	CannotLinkWeight  float64 `yaml:"cannot_link_weight" json:"cannot_link_weight"`

	// FailOnOscillation turns an objective moving the wrong way under fixed
	// kappa into ErrOscillation instead of a logged warning.
	FailOnOscillation bool `yaml:"fail_on_oscillation" json:"fail_on_oscillation"`

	// Workers is the goroutine count for the E- and M-steps. 0 means
	// runtime.NumCPU().
	Workers int `yaml:"workers" json:"workers"`

	// Logger receives per-iteration progress at debug level and
	// oscillation or numeric fallbacks at warn level. nil disables logging.
	Logger *zerolog.Logger `yaml:"-" json:"-"`
}

// DefaultEMConfig returns an EMConfig with reasonable defaults.
func DefaultEMConfig() EMConfig {
	return EMConfig{
		InitialKappa:     2,
		MaxKappaSim:      100,
		MaxKappaDist:     10,
		Tolerance:        1e-3,
		Perturbation:     0.7,
		Seed:             42,
		FastMode:         true,
		MaxIterations:    1000,
		MustLinkWeight:   1,
		CannotLinkWeight: 1,
	}
}

func validateEMConfig(cfg *EMConfig) error {
	if !(cfg.InitialKappa > 0) {
		return fmt.Errorf("%w: InitialKappa must be > 0, got %f", ErrInvalidConfig, cfg.InitialKappa)
	}
	if cfg.MaxKappaSim < 0 || cfg.MaxKappaDist < 0 {
		return fmt.Errorf("%w: kappa ceilings must be >= 0", ErrInvalidConfig)
	}
	if !(cfg.Tolerance > 0) {
		return fmt.Errorf("%w: Tolerance must be > 0, got %f", ErrInvalidConfig, cfg.Tolerance)
	}
	if cfg.Perturbation < 0 || cfg.Perturbation >= 2 {
		return fmt.Errorf("%w: Perturbation must be in [0, 2), got %f", ErrInvalidConfig, cfg.Perturbation)
	}
	if cfg.MaxIterations < 1 {
		return fmt.Errorf("%w: MaxIterations must be >= 1, got %d", ErrInvalidConfig, cfg.MaxIterations)
	}
	if cfg.MustLinkWeight < 0 || cfg.CannotLinkWeight < 0 {
		return fmt.Errorf("%w: constraint weights must be >= 0", ErrInvalidConfig)
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("%w: Workers must be >= 0, got %d", ErrInvalidConfig, cfg.Workers)
	}
	return nil
}

func applyEMDefaults(cfg *EMConfig) {
	if cfg.InitialKappa == 0 {
		cfg.InitialKappa = 2
	}
	if cfg.MaxKappaSim == 0 {
		cfg.MaxKappaSim = 100
	}
	if cfg.MaxKappaDist == 0 {
		cfg.MaxKappaDist = 10
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = 1e-3
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 1000
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU()
	}
}

// EMResult is the output of a soft k-means run.
type EMResult struct {
	// Posteriors[i][j] is the probability that row i belongs to cluster j.
	Posteriors [][]float64
	// Assignments is the argmax of each posterior row.
	Assignments []int
	Centroids   []Instance
	// Objective is the value of the final E-step. It increases as the fit
	// improves for similarity metrics and decreases for distance metrics.
	Objective      float64
	ObjectiveTrace []float64
	Iterations     int
	Converged      bool
	// Oscillations counts iterations where the objective moved the wrong way
	// while kappa was unchanged.
	Oscillations int
	// Kappa is the value used by the final E-step.
	Kappa float64

	metric     Metric
	classIndex int
	spherical  bool
}

// Posterior returns the cluster distribution of row i.
func (r *EMResult) Posterior(i int) []float64 { return r.Posteriors[i] }

// Assign returns the cluster distribution of an unseen row under the final
// centroids and kappa.
func (r *EMResult) Assign(inst Instance) ([]float64, error) {
	if r.spherical {
		inst = inst.Copy()
		if err := NormalizeL2(inst, r.classIndex); err != nil {
			return nil, err
		}
	}
	energy := make([]float64, len(r.Centroids))
	for j, c := range r.Centroids {
		e, err := pointEnergy(r.metric, inst, c)
		if err != nil {
			return nil, err
		}
		energy[j] = e
	}
	post := make([]float64, len(energy))
	softmax(energy, r.Kappa, r.metric.IsDistanceBased(), post)
	return post, nil
}

// SoftKMeans is constrained soft k-means with deterministic annealing.
type SoftKMeans struct {
	data   *Dataset
	metric Metric
	cfg    EMConfig
	logger zerolog.Logger
}

// NewSoftKMeans returns a soft k-means clusterer over data using metric.
// The metric is built for data if it has not been built for rows of this
// width yet.
func NewSoftKMeans(data *Dataset, metric Metric, cfg EMConfig) (*SoftKMeans, error) {
	applyEMDefaults(&cfg)
	if err := validateEMConfig(&cfg); err != nil {
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
	return &SoftKMeans{
		data:   data,
		metric: metric,
		cfg:    cfg,
		logger: logger.With().Str("module", "em").Str("metric", metric.Name()).Logger(),
	}, nil
}

type emPartner struct {
	row  int
	link LinkType
}

// emRun holds the mutable state of one Run.
type emRun struct {
	*SoftKMeans
	rows      []Instance
	k         int
	centroids []Instance
	post      [][]float64
	hard      []int
	partners  [][]emPartner
	decreases bool
}

// Run clusters the rows into k soft clusters under cs. cs may be nil.
func (s *SoftKMeans) Run(cs *ConstraintSet, k int) (*EMResult, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: k must be >= 1, got %d", ErrInvalidConfig, k)
	}
	if cs == nil {
		cs = NewConstraintSet()
	}
	r := &emRun{
		SoftKMeans: s,
		k:          k,
		decreases:  s.metric.IsDistanceBased(),
	}
	r.prepareRows()
	if err := r.initialize(cs); err != nil {
		return nil, err
	}
	return r.loop()
}

// prepareRows uses the rows as given, or L2-normalized copies for the
// spherical variant.
func (r *emRun) prepareRows() {
	if !r.cfg.Spherical {
		r.rows = r.data.Rows
		return
	}
	r.rows = make([]Instance, len(r.data.Rows))
	zero := 0
	for i, row := range r.data.Rows {
		c := row.Copy()
		if err := NormalizeL2(c, r.data.ClassIndex); err != nil {
			zero++
		}
		r.rows[i] = c
	}
	if zero > 0 {
		r.logger.Warn().Int("rows", zero).Msg("zero-length rows left unnormalized")
	}
}

// initialize seeds centroids from must-link neighborhoods and fills the
// rest by perturbing the global centroid.
func (r *emRun) initialize(cs *ConstraintSet) error {
	n := len(r.rows)
	r.post = make([][]float64, n)
	for i := range r.post {
		r.post[i] = make([]float64, r.k)
	}
	r.hard = make([]int, n)
	for i := range r.hard {
		r.hard[i] = -1
	}

	work := &Dataset{Rows: r.rows, ClassIndex: r.data.ClassIndex}
	closure := cs
	if cs.Len() > 0 {
		res, err := ResolveNeighborhoods(work, cs, r.k)
		if err != nil {
			return err
		}
		closure = res.Closure
		for j, id := range res.Selected {
			c := res.Neighborhoods[id].Sum.Copy()
			if err := r.normalizeSeed(c); err != nil {
				return fmt.Errorf("pcluster: seeding cluster %d: %w", j, err)
			}
			r.centroids = append(r.centroids, c)
		}
		for i, j := range res.Assignment {
			if j >= 0 {
				r.post[i][j] = 1
				r.hard[i] = j
			}
		}
		r.logger.Debug().Int("neighborhoods", len(res.Neighborhoods)).Int("seeded", len(res.Selected)).Msg("seeded centroids")
	}

	if len(r.centroids) < r.k {
		if err := r.perturbGlobal(work); err != nil {
			return err
		}
	}

	if r.cfg.ConstraintPenalty {
		r.logger.Warn().
			Float64("must_link_weight", r.cfg.MustLinkWeight).
			Float64("cannot_link_weight", r.cfg.CannotLinkWeight).
			Msg("constraint penalty enabled in E-step energy")
		r.partners = make([][]emPartner, n)
		for _, c := range closure.Constraints() {
			if c.Link == Neutral {
				continue
			}
			a, b := c.Pair.First, c.Pair.Second
			r.partners[a] = append(r.partners[a], emPartner{row: b, link: c.Link})
			r.partners[b] = append(r.partners[b], emPartner{row: a, link: c.Link})
		}
	}
	return nil
}

func (r *emRun) normalizeSeed(c Instance) error {
	if r.decreases {
		return NormalizeByWeight(c, r.data.ClassIndex)
	}
	c.SetWeight(1)
	return NormalizeL2(c, r.data.ClassIndex)
}

// perturbGlobal fills the remaining centroids with copies of the global
// centroid scaled per attribute by 1 + p*(u - 0.5), u uniform in [0, 1).
func (r *emRun) perturbGlobal(work *Dataset) error {
	global, err := WeightedMean(work.Rows, nil, work.ClassIndex, r.cfg.FastMode)
	if err != nil {
		return err
	}
	base := global.ToDense()
	if !r.decreases {
		normalizeValues(base, work.ClassIndex)
	}
	rng := rand.New(rand.NewSource(r.cfg.Seed))
	for len(r.centroids) < r.k {
		values := make([]float64, len(base))
		for a, v := range base {
			values[a] = v * (1 + r.cfg.Perturbation*(rng.Float64()-0.5))
		}
		if !r.decreases {
			normalizeValues(values, work.ClassIndex)
		}
		r.centroids = append(r.centroids, fromValues(values, work.IsSparse(), 1))
	}
	return nil
}

// normalizeValues scales values to unit L2 norm, ignoring skip. A zero
// vector is left as is.
func normalizeValues(values []float64, skip int) {
	var sq float64
	for i, v := range values {
		if i != skip {
			sq += v * v
		}
	}
	if sq == 0 {
		return
	}
	norm := math.Sqrt(sq)
	for i := range values {
		if i != skip {
			values[i] /= norm
		}
	}
}

func (r *emRun) loop() (*EMResult, error) {
	kappa := r.cfg.InitialKappa
	res := &EMResult{
		metric:     r.metric,
		classIndex: r.data.ClassIndex,
		spherical:  r.cfg.Spherical,
	}

	old := math.Inf(1)
	if !r.decreases {
		old = math.Inf(-1)
	}
	oldKappa := math.NaN()

	for res.Iterations < r.cfg.MaxIterations {
		obj, err := r.expectation(kappa)
		if err != nil {
			return nil, err
		}
		if err := r.maximization(); err != nil {
			return nil, err
		}
		res.Iterations++
		res.ObjectiveTrace = append(res.ObjectiveTrace, obj)
		res.Objective = obj
		res.Kappa = kappa

		r.logger.Debug().
			Int("iteration", res.Iterations).
			Float64("objective", obj).
			Float64("kappa", kappa).
			Msg("EM iteration")

		if kappa == oldKappa && r.wrongDirection(old, obj) {
			res.Oscillations++
			r.logger.Warn().
				Int("iteration", res.Iterations).
				Float64("previous", old).
				Float64("objective", obj).
				Msg("objective oscillation")
			if r.cfg.FailOnOscillation {
				return nil, fmt.Errorf("%w: iteration %d moved from %g to %g", ErrOscillation, res.Iterations, old, obj)
			}
		}

		converged := math.Abs(old-obj) <= r.cfg.Tolerance
		old, oldKappa = obj, kappa
		kappa = r.anneal(kappa)
		if converged {
			res.Converged = true
			break
		}
	}
	if !res.Converged {
		r.logger.Warn().Int("iterations", res.Iterations).Msg("EM stopped at MaxIterations without converging")
	}

	res.Posteriors = r.post
	res.Centroids = r.centroids
	res.Assignments = make([]int, len(r.post))
	for i, p := range r.post {
		res.Assignments[i] = floats.MaxIdx(p)
	}
	return res, nil
}

// wrongDirection reports whether obj moved against the metric's improving
// direction by more than rounding noise.
func (r *emRun) wrongDirection(old, obj float64) bool {
	slack := 1e-9 * (1 + math.Abs(old))
	if r.decreases {
		return obj > old+slack
	}
	return obj < old-slack
}

func (r *emRun) anneal(kappa float64) float64 {
	if r.decreases {
		if kappa < r.cfg.MaxKappaDist {
			return kappa + 2
		}
		return kappa
	}
	if kappa < r.cfg.MaxKappaSim {
		return kappa * 2
	}
	return kappa
}

// expectation recomputes every posterior row and returns the objective.
// Rows are independent; each worker writes only its own rows.
func (r *emRun) expectation(kappa float64) (float64, error) {
	n := len(r.rows)
	terms := make([]float64, n)
	fallback := make([]bool, n)
	errs := make([]error, n)

	forEachRange(n, r.cfg.Workers, func(start, end int) {
		energy := make([]float64, r.k)
		for i := start; i < end; i++ {
			for j, c := range r.centroids {
				e, err := pointEnergy(r.metric, r.rows[i], c)
				if err != nil {
					errs[i] = err
					return
				}
				energy[j] = e + r.penalty(i, j)
			}
			logSum := softmax(energy, kappa, r.decreases, r.post[i])
			if math.IsNaN(logSum) {
				fallback[i] = true
				continue
			}
			if r.decreases {
				terms[i] = -logSum
			} else {
				terms[i] = logSum
			}
		}
	})

	var obj float64
	nFallback := 0
	for i := range terms {
		if errs[i] != nil {
			return 0, fmt.Errorf("pcluster: row %d: %w", i, errs[i])
		}
		if fallback[i] {
			nFallback++
		}
		obj += terms[i]
	}
	if nFallback > 0 {
		r.logger.Warn().Int("rows", nFallback).Msg("non-finite energies; using uniform posteriors")
	}

	for i, p := range r.post {
		r.hard[i] = floats.MaxIdx(p)
	}
	return obj, nil
}

// penalty is the constraint term added to the energy of row i for cluster
// j, judged against the partners' current hard assignments.
func (r *emRun) penalty(i, j int) float64 {
	if r.partners == nil {
		return 0
	}
	var p float64
	for _, q := range r.partners[i] {
		if r.hard[q.row] != j {
			continue
		}
		switch q.link {
		case MustLink:
			p += r.cfg.MustLinkWeight
		case CannotLink:
			p -= r.cfg.CannotLinkWeight
		}
	}
	if r.decreases {
		return -p
	}
	return p
}

// maximization recomputes every centroid from posterior-weighted rows into
// a fresh slice, then swaps it in. A cluster with no posterior mass keeps
// its previous centroid.
func (r *emRun) maximization() error {
	next := make([]Instance, r.k)
	errs := make([]error, r.k)
	empty := make([]bool, r.k)

	forEachRange(r.k, r.cfg.Workers, func(start, end int) {
		weights := make([]float64, len(r.rows))
		for j := start; j < end; j++ {
			for i, p := range r.post {
				weights[i] = p[j]
			}
			c, err := r.metric.Centroid(r.rows, weights, r.cfg.FastMode, r.cfg.Spherical)
			switch {
			case errors.Is(err, ErrZeroWeight):
				empty[j] = true
				next[j] = r.centroids[j]
			case errors.Is(err, ErrZeroNorm):
				next[j] = c
			case err != nil:
				errs[j] = err
			default:
				next[j] = c
			}
		}
	})

	for j, err := range errs {
		if err != nil {
			return fmt.Errorf("pcluster: centroid %d: %w", j, err)
		}
		if empty[j] {
			r.logger.Warn().Int("cluster", j).Msg("cluster has no posterior mass; keeping previous centroid")
		}
	}
	r.centroids = next
	return nil
}

// pointEnergy is the similarity for similarity metrics and the squared
// distance for distance metrics.
func pointEnergy(m Metric, x, c Instance) (float64, error) {
	if m.IsDistanceBased() {
		d, err := m.Distance(x, c)
		return d * d, err
	}
	return m.Similarity(x, c)
}

// softmax writes exp(±kappa·energy) normalized to sum 1 into out and
// returns log Σ exp(±kappa·energy), the sign being negative for distance
// energies. The exponent is shifted by its maximum before exponentiation.
// When no exponent is finite, out becomes uniform and NaN is returned.
func softmax(energy []float64, kappa float64, decreases bool, out []float64) float64 {
	sign := 1.0
	if decreases {
		sign = -1
	}
	top := math.Inf(-1)
	for j, e := range energy {
		out[j] = sign * kappa * e
		if out[j] > top {
			top = out[j]
		}
	}
	if math.IsInf(top, 0) || math.IsNaN(top) {
		for j := range out {
			out[j] = 1 / float64(len(out))
		}
		return math.NaN()
	}
	var sum float64
	for j, a := range out {
		if math.IsNaN(a) {
			a = math.Inf(-1)
		}
		out[j] = math.Exp(a - top)
		sum += out[j]
	}
	floats.Scale(1/sum, out)
	return top + math.Log(sum)
}
