// Package store persists learned metric state and clustering runs in an
// embedded BadgerDB.
//
// Values are JSON documents. Metrics are keyed by a caller-chosen name, runs
// by their RunID:
//
//	s, err := store.Open(store.Options{Dir: "/var/lib/pcluster"})
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	res, _ := pcluster.Cluster(data, cs, k, cfg)
//	_ = s.SaveRun(res)
//	_ = s.SaveMetric("topics", res.Metric)
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TrevorS/pcluster"
)

var (
	ErrNotFound    = errors.New("store: not found")
	ErrClosed      = errors.New("store: closed")
	ErrInvalidKey  = errors.New("store: invalid key")
	ErrInvalidData = errors.New("store: invalid data")
)

const (
	prefixMetric = byte('m')
	prefixRun    = byte('r')
)

// Options configures Open.
type Options struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in RAM; data is lost on Close.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// Logger receives badger's internal messages. nil discards them.
	Logger *zerolog.Logger
}

// Store is safe for concurrent use.
type Store struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// Run is the persisted form of a clustering result.
type Run struct {
	ID          string                `json:"id"`
	Algorithm   pcluster.Algorithm    `json:"algorithm"`
	NumClusters int                   `json:"num_clusters"`
	Assignments []int                 `json:"assignments"`
	Metric      *pcluster.MetricState `json:"metric,omitempty"`
	// Termination is set for HAC runs.
	Termination pcluster.Termination `json:"termination,omitempty"`
	// Objective, Iterations and Converged are set for EM runs.
	Objective  float64   `json:"objective,omitempty"`
	Iterations int       `json:"iterations,omitempty"`
	Converged  bool      `json:"converged,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Open opens or creates a store.
func Open(opts Options) (*Store, error) {
	bo := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bo = bo.WithInMemory(true)
	}
	if opts.SyncWrites {
		bo = bo.WithSyncWrites(true)
	}
	if opts.Logger != nil {
		bo = bo.WithLogger(badgerLogger{opts.Logger.With().Str("module", "badger").Logger()})
	} else {
		bo = bo.WithLogger(nil)
	}

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open BadgerDB: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a store that lives only in RAM, for tests.
func OpenInMemory() (*Store, error) {
	return Open(Options{InMemory: true})
}

// Close releases the database. Further calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return s.db.Close()
}

func metricKey(name string) []byte {
	return append([]byte{prefixMetric}, []byte(name)...)
}

func runKey(id string) []byte {
	return append([]byte{prefixRun}, []byte(id)...)
}

// SaveMetric stores st under name, replacing any previous state.
func (s *Store) SaveMetric(name string, st *pcluster.MetricState) error {
	if name == "" {
		return ErrInvalidKey
	}
	if st == nil {
		return ErrInvalidData
	}
	return s.put(metricKey(name), st)
}

// LoadMetric returns the state stored under name.
func (s *Store) LoadMetric(name string) (*pcluster.MetricState, error) {
	var st pcluster.MetricState
	if err := s.get(metricKey(name), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// RestoreMetric loads the state stored under name and rebuilds the metric.
func (s *Store) RestoreMetric(name string, logger *zerolog.Logger) (pcluster.Metric, error) {
	st, err := s.LoadMetric(name)
	if err != nil {
		return nil, err
	}
	return pcluster.RestoreMetric(st, logger)
}

// ListMetrics returns the stored metric names in order.
func (s *Store) ListMetrics() ([]string, error) {
	return s.keys(prefixMetric)
}

// DeleteMetric removes the state stored under name.
func (s *Store) DeleteMetric(name string) error {
	return s.delete(metricKey(name))
}

// SaveRun stores the outcome of res under its RunID.
func (s *Store) SaveRun(res *pcluster.Result) error {
	if res == nil {
		return ErrInvalidData
	}
	if _, err := uuid.Parse(res.RunID); err != nil {
		return fmt.Errorf("%w: run ID %q: %v", ErrInvalidKey, res.RunID, err)
	}
	run := Run{
		ID:          res.RunID,
		Algorithm:   res.Algorithm,
		NumClusters: res.NumClusters,
		Assignments: res.Assignments,
		Metric:      res.Metric,
		CreatedAt:   time.Now().UTC(),
	}
	if res.HAC != nil {
		run.Termination = res.HAC.Termination
	}
	if res.EM != nil {
		run.Objective = res.EM.Objective
		run.Iterations = res.EM.Iterations
		run.Converged = res.EM.Converged
	}
	return s.put(runKey(run.ID), &run)
}

// LoadRun returns the run stored under id.
func (s *Store) LoadRun(id string) (*Run, error) {
	var run Run
	if err := s.get(runKey(id), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the stored run IDs in order.
func (s *Store) ListRuns() ([]string, error) {
	return s.keys(prefixRun)
}

// DeleteRun removes the run stored under id.
func (s *Store) DeleteRun(id string) error {
	return s.delete(runKey(id))
}

func (s *Store) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (s *Store) get(key []byte, v any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, v); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidData, err)
			}
			return nil
		})
	})
}

func (s *Store) delete(key []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

func (s *Store) keys(prefix byte) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte{prefix}
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			out = append(out, string(it.Item().Key()[1:]))
		}
		return nil
	})
	return out, err
}

// badgerLogger adapts zerolog to badger.Logger.
type badgerLogger struct {
	l zerolog.Logger
}

func (b badgerLogger) Errorf(format string, args ...any)   { b.l.Error().Msgf(format, args...) }
func (b badgerLogger) Warningf(format string, args ...any) { b.l.Warn().Msgf(format, args...) }
func (b badgerLogger) Infof(format string, args ...any)    { b.l.Info().Msgf(format, args...) }
func (b badgerLogger) Debugf(format string, args ...any)   { b.l.Debug().Msgf(format, args...) }
