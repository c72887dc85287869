// Package pcluster implements semi-supervised clustering under pairwise
// must-link and cannot-link constraints.
//
// Constraints are resolved into neighborhoods: the connected components of
// the must-link graph, plus the cannot-links implied between them. Two
// clusterers consume the resolved constraints. Hierarchical agglomerative
// clustering (HAC) seeds from the neighborhoods and never merges across a
// cannot-link. Soft k-means (EM) seeds its centroids from the largest
// neighborhoods and anneals an inverse temperature kappa until the
// objective settles.
//
// Basic usage:
//
//	cs := pcluster.NewConstraintSet()
//	_ = cs.Add(0, 1, pcluster.MustLink, 1)
//	_ = cs.Add(0, 7, pcluster.CannotLink, 1)
//
//	cfg := pcluster.DefaultConfig()
//	cfg.Metric = pcluster.MetricSpec{Kind: pcluster.MetricEuclidean}
//	result, err := pcluster.Cluster(pcluster.FromDense(data), cs, 3, cfg)
//	// result.Assignments[i] is the cluster of row i
//
// # Metrics
//
// Euclidean, dot product (cosine by default), KL or Jensen-Shannon
// divergence and Mahalanobis distance are built in. Euclidean and
// Mahalanobis can be trained from labels and constraints; set
// Config.LearnMetric or call [LearnMetric]. Trained state round-trips
// through [ExportState] and [RestoreMetric], and the store subpackage
// persists it.
//
// # Algorithm selection
//
// By default (Algorithm: "auto"), Cluster runs HAC on small datasets,
// which needs memory quadratic in the row count, and EM on larger ones.
// Set Config.Algorithm to force one:
//
//	cfg.Algorithm = pcluster.AlgorithmHAC
//	cfg.Algorithm = pcluster.AlgorithmEM
package pcluster
