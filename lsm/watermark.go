package lsm

import "github.com/google/btree"

// Watermark is a multiset of the read timestamps held by open snapshots.
type Watermark struct {
	readers *btree.BTreeG[uint64]
	counts  map[uint64]int
}

func NewWatermark() *Watermark {
	return &Watermark{
		readers: btree.NewOrderedG[uint64](8),
		counts:  make(map[uint64]int),
	}
}

// AddReader registers one more snapshot at ts.
func (w *Watermark) AddReader(ts uint64) {
	if w.counts[ts] == 0 {
		w.readers.ReplaceOrInsert(ts)
	}
	w.counts[ts]++
}

// RemoveReader drops one snapshot at ts.
func (w *Watermark) RemoveReader(ts uint64) {
	n, ok := w.counts[ts]
	if !ok {
		return
	}
	if n > 1 {
		w.counts[ts] = n - 1
		return
	}
	delete(w.counts, ts)
	w.readers.Delete(ts)
}

// Watermark returns the lowest registered read timestamp.
func (w *Watermark) Watermark() (uint64, bool) {
	return w.readers.Min()
}

// NumRetainedSnapshots is the number of distinct timestamps held.
func (w *Watermark) NumRetainedSnapshots() int {
	return len(w.counts)
}
