package pcluster

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// RowIndex maps row contents to row indices. Keys hash the non-label values
// and the weight of a row; rows whose hashes collide are told apart by exact
// comparison, so the index never confuses two distinct rows.
type RowIndex struct {
	classIndex int
	buckets    map[uint64][]indexedRow
}

type indexedRow struct {
	row  int
	inst Instance
}

// NewRowIndex returns an empty index that ignores classIndex (-1 for none).
func NewRowIndex(classIndex int) *RowIndex {
	return &RowIndex{classIndex: classIndex, buckets: make(map[uint64][]indexedRow)}
}

// IndexDataset indexes every row of d. Duplicate rows keep the first index.
func IndexDataset(d *Dataset) *RowIndex {
	idx := NewRowIndex(d.ClassIndex)
	for i, r := range d.Rows {
		idx.Add(i, r)
	}
	return idx
}

// Add records inst as row i. It reports false if an identical row is
// already indexed, in which case the earlier index is kept.
func (ri *RowIndex) Add(i int, inst Instance) bool {
	h := ri.hash(inst)
	for _, e := range ri.buckets[h] {
		if ri.equal(e.inst, inst) {
			return false
		}
	}
	ri.buckets[h] = append(ri.buckets[h], indexedRow{row: i, inst: inst})
	return true
}

// Lookup returns the index of a row equal to inst.
func (ri *RowIndex) Lookup(inst Instance) (int, bool) {
	for _, e := range ri.buckets[ri.hash(inst)] {
		if ri.equal(e.inst, inst) {
			return e.row, true
		}
	}
	return -1, false
}

// Len returns the number of distinct indexed rows.
func (ri *RowIndex) Len() int {
	n := 0
	for _, b := range ri.buckets {
		n += len(b)
	}
	return n
}

// hash digests (index, value) of every stored non-zero, non-label value, so
// dense and sparse forms of the same row hash alike.
func (ri *RowIndex) hash(inst Instance) uint64 {
	d := xxhash.New()
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(inst.NumAttributes()))
	binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(inst.Weight()))
	_, _ = d.Write(buf[:])
	for pos := 0; pos < inst.NumValues(); pos++ {
		idx := inst.Index(pos)
		v := inst.ValueSparse(pos)
		if idx == ri.classIndex || v == 0 {
			continue
		}
		binary.LittleEndian.PutUint64(buf[:8], uint64(idx))
		binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(v))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

func (ri *RowIndex) equal(a, b Instance) bool {
	if a.NumAttributes() != b.NumAttributes() || a.Weight() != b.Weight() {
		return false
	}
	for i := 0; i < a.NumAttributes(); i++ {
		if i != ri.classIndex && a.Value(i) != b.Value(i) {
			return false
		}
	}
	return true
}
