package pcluster

import (
	"sync"
)

// PairwiseDistances computes the full n×n distance matrix over rows as a
// flat row-major slice. Only d(i,j) for i < j is evaluated and mirrored, so
// an asymmetric metric is read in row-index order. The diagonal is 0.
func PairwiseDistances(rows []Instance, metric Metric) ([]float64, error) {
	n := len(rows)
	result := make([]float64, n*n)

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d, err := metric.Distance(rows[i], rows[j])
			if err != nil {
				return nil, err
			}
			result[i*n+j] = d
			result[j*n+i] = d
		}
	}

	return result, nil
}

// PairwiseDistancesParallel computes the same matrix as PairwiseDistances
// using multiple goroutines. numWorkers <= 1 falls back to the sequential
// version. The result is bitwise identical to PairwiseDistances; the first
// error encountered by any worker is returned.
func PairwiseDistancesParallel(rows []Instance, metric Metric, numWorkers int) ([]float64, error) {
	n := len(rows)
	if numWorkers <= 1 || n <= 1 {
		return PairwiseDistances(rows, metric)
	}

	result := make([]float64, n*n)

	// Each worker owns a contiguous range of source rows and writes
	// dist(i,j) for j > i. Cells (i,j) and (j,i) belong to exactly one
	// source row, so writes never overlap.
	var (
		mu       sync.Mutex
		firstErr error
	)
	forEachRange(n, numWorkers, func(start, end int) {
		for i := start; i < end; i++ {
			for j := i + 1; j < n; j++ {
				d, err := metric.Distance(rows[i], rows[j])
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
				result[i*n+j] = d
				result[j*n+i] = d
			}
		}
	})

	if firstErr != nil {
		return nil, firstErr
	}
	return result, nil
}

// forEachRange splits [0, n) into numWorkers contiguous ranges and runs fn on
// each in its own goroutine, waiting for all of them. numWorkers <= 1 runs fn
// once on the calling goroutine.
func forEachRange(n, numWorkers int, fn func(start, end int)) {
	if numWorkers <= 1 || n <= 1 {
		fn(0, n)
		return
	}

	var wg sync.WaitGroup
	rowsPerWorker := (n + numWorkers - 1) / numWorkers

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if endRow > n {
			endRow = n
		}
		if startRow >= n {
			break
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(startRow, endRow)
	}

	wg.Wait()
}
