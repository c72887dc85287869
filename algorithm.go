package pcluster

import "fmt"

// Algorithm selects the clustering strategy used by Cluster.
type Algorithm string

const (
	AlgorithmAuto Algorithm = "auto"
	AlgorithmHAC  Algorithm = "hac"
	AlgorithmEM   Algorithm = "em"
)

// autoHACMaxRows is the largest dataset for which AlgorithmAuto picks HAC.
// HAC keeps an n×n matrix and scans it on every merge.
const autoHACMaxRows = 2000

// selectAlgorithm resolves AlgorithmAuto into a concrete algorithm based on
// the number of rows, and rejects unknown choices.
func selectAlgorithm(cfg Config, n int) (Algorithm, error) {
	switch cfg.Algorithm {
	case AlgorithmAuto:
		if n <= autoHACMaxRows {
			return AlgorithmHAC, nil
		}
		return AlgorithmEM, nil
	case AlgorithmHAC, AlgorithmEM:
		return cfg.Algorithm, nil
	default:
		return "", fmt.Errorf("%w: invalid Algorithm %q", ErrInvalidConfig, cfg.Algorithm)
	}
}
