package lsm

import (
	"bytes"
	"container/heap"
	"sort"
)

// StorageIterator is the cursor every source exposes: a memtable range, a
// block, a table, a level, or a merge of any of these. Key and Value are
// only meaningful while Valid is true.
type StorageIterator interface {
	Key() Key
	Value() []byte
	Valid() bool
	Next() error
}

type heapItem struct {
	idx  int // lower index = newer source
	iter StorageIterator
}

type iterHeap []*heapItem

func (h iterHeap) Len() int { return len(h) }
func (h iterHeap) Less(i, j int) bool {
	if c := CompareKeys(h[i].iter.Key(), h[j].iter.Key()); c != 0 {
		return c < 0
	}
	// Equal keys: prefer the newer source
	return h[i].idx < h[j].idx
}
func (h iterHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *iterHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *iterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// MergeIterator merges sorted, possibly overlapping sources. Sources are
// passed newest first; on equal keys the earlier source wins.
type MergeIterator struct {
	heap     iterHeap
	current  *heapItem
	collapse bool
}

// NewMergeIterator yields one entry per raw key: the head chosen by
// (Key, source order). Every other version of that raw key, in any source,
// is skipped. Feed it sources already limited to the visible timestamps.
func NewMergeIterator(iters []StorageIterator) *MergeIterator {
	return newMergeIterator(iters, true)
}

// NewVersionMergeIterator keeps every distinct (raw, ts) version and drops
// only exact duplicates, which is what compaction needs.
func NewVersionMergeIterator(iters []StorageIterator) *MergeIterator {
	return newMergeIterator(iters, false)
}

func newMergeIterator(iters []StorageIterator, collapse bool) *MergeIterator {
	m := &MergeIterator{collapse: collapse}
	for i, it := range iters {
		if it.Valid() {
			m.heap = append(m.heap, &heapItem{idx: i, iter: it})
		}
	}
	heap.Init(&m.heap)
	// All sources exhausted: the merge is invalid from the start.
	if m.heap.Len() > 0 {
		m.current = heap.Pop(&m.heap).(*heapItem)
	}
	return m
}

func (m *MergeIterator) same(a, b Key) bool {
	if m.collapse {
		return bytes.Equal(a.Raw, b.Raw)
	}
	return CompareKeys(a, b) == 0
}

func (m *MergeIterator) Key() Key      { return m.current.iter.Key() }
func (m *MergeIterator) Value() []byte { return m.current.iter.Value() }

func (m *MergeIterator) Valid() bool {
	return m.current != nil && m.current.iter.Valid()
}

func (m *MergeIterator) Next() error {
	cur := m.current
	key := cur.iter.Key().Clone()

	// Skip entries of the same key in other sources
	for m.heap.Len() > 0 {
		top := m.heap[0]
		if !m.same(top.iter.Key(), key) {
			break
		}
		if err := top.iter.Next(); err != nil {
			heap.Pop(&m.heap)
			return err
		}
		if top.iter.Valid() {
			heap.Fix(&m.heap, 0)
		} else {
			heap.Pop(&m.heap)
		}
	}

	if err := cur.iter.Next(); err != nil {
		m.current = nil
		return err
	}
	for m.collapse && cur.iter.Valid() && bytes.Equal(cur.iter.Key().Raw, key.Raw) {
		if err := cur.iter.Next(); err != nil {
			m.current = nil
			return err
		}
	}

	if cur.iter.Valid() {
		heap.Push(&m.heap, cur)
	}
	m.current = nil
	if m.heap.Len() > 0 {
		m.current = heap.Pop(&m.heap).(*heapItem)
	}
	return nil
}

// TwoMergeIterator overlays a on b. On equal raw keys a wins and b's entry
// is skipped.
type TwoMergeIterator struct {
	a, b    StorageIterator
	chooseA bool
}

// NewTwoMergeIterator builds the overlay of a on top of b.
func NewTwoMergeIterator(a, b StorageIterator) (*TwoMergeIterator, error) {
	t := &TwoMergeIterator{a: a, b: b}
	if err := t.skipB(); err != nil {
		return nil, err
	}
	t.chooseA = t.pickA()
	return t, nil
}

func (t *TwoMergeIterator) skipB() error {
	for t.a.Valid() && t.b.Valid() && bytes.Equal(t.a.Key().Raw, t.b.Key().Raw) {
		if err := t.b.Next(); err != nil {
			return err
		}
	}
	return nil
}

func (t *TwoMergeIterator) pickA() bool {
	if !t.a.Valid() {
		return false
	}
	if !t.b.Valid() {
		return true
	}
	return bytes.Compare(t.a.Key().Raw, t.b.Key().Raw) < 0
}

func (t *TwoMergeIterator) current() StorageIterator {
	if t.chooseA {
		return t.a
	}
	return t.b
}

func (t *TwoMergeIterator) Key() Key      { return t.current().Key() }
func (t *TwoMergeIterator) Value() []byte { return t.current().Value() }
func (t *TwoMergeIterator) Valid() bool   { return t.current().Valid() }

func (t *TwoMergeIterator) Next() error {
	if err := t.current().Next(); err != nil {
		return err
	}
	if err := t.skipB(); err != nil {
		return err
	}
	t.chooseA = t.pickA()
	return nil
}

// ConcatIterator chains tables with disjoint, ascending key ranges,
// opening each table only when the previous one is exhausted.
type ConcatIterator struct {
	current *SSTableIterator
	nextIdx int
	tables  []*SSTable
}

// NewConcatIteratorSeekToFirst positions on the first entry of tables.
func NewConcatIteratorSeekToFirst(tables []*SSTable) (*ConcatIterator, error) {
	c := &ConcatIterator{tables: tables}
	if len(tables) == 0 {
		return c, nil
	}
	it, err := NewSSTableIteratorSeekToFirst(tables[0])
	if err != nil {
		return nil, err
	}
	c.current, c.nextIdx = it, 1
	return c, c.moveUntilValid()
}

// NewConcatIteratorSeekToKey positions on the first entry >= key.
func NewConcatIteratorSeekToKey(tables []*SSTable, key Key) (*ConcatIterator, error) {
	c := &ConcatIterator{tables: tables}
	idx := sort.Search(len(tables), func(i int) bool {
		return CompareKeys(tables[i].LastKey(), key) >= 0
	})
	if idx >= len(tables) {
		c.nextIdx = len(tables)
		return c, nil
	}
	it, err := NewSSTableIteratorSeekToKey(tables[idx], key)
	if err != nil {
		return nil, err
	}
	c.current, c.nextIdx = it, idx+1
	return c, c.moveUntilValid()
}

func (c *ConcatIterator) moveUntilValid() error {
	for c.current != nil && !c.current.Valid() {
		if c.nextIdx >= len(c.tables) {
			c.current = nil
			return nil
		}
		it, err := NewSSTableIteratorSeekToFirst(c.tables[c.nextIdx])
		if err != nil {
			return err
		}
		c.current = it
		c.nextIdx++
	}
	return nil
}

func (c *ConcatIterator) Key() Key      { return c.current.Key() }
func (c *ConcatIterator) Value() []byte { return c.current.Value() }
func (c *ConcatIterator) Valid() bool   { return c.current != nil && c.current.Valid() }

func (c *ConcatIterator) Next() error {
	if err := c.current.Next(); err != nil {
		return err
	}
	return c.moveUntilValid()
}

// visibleIterator hides versions committed after readTs.
type visibleIterator struct {
	inner  StorageIterator
	readTs uint64
}

func newVisibleIterator(inner StorageIterator, readTs uint64) (*visibleIterator, error) {
	v := &visibleIterator{inner: inner, readTs: readTs}
	return v, v.skipInvisible()
}

func (v *visibleIterator) skipInvisible() error {
	for v.inner.Valid() && v.inner.Key().Ts > v.readTs {
		if err := v.inner.Next(); err != nil {
			return err
		}
	}
	return nil
}

func (v *visibleIterator) Key() Key      { return v.inner.Key() }
func (v *visibleIterator) Value() []byte { return v.inner.Value() }
func (v *visibleIterator) Valid() bool   { return v.inner.Valid() }

func (v *visibleIterator) Next() error {
	if err := v.inner.Next(); err != nil {
		return err
	}
	return v.skipInvisible()
}

// LsmIterator turns a merged, version-collapsed stream into the user view:
// tombstones are hidden and iteration stops at the upper bound.
type LsmIterator struct {
	inner StorageIterator
	upper Bound
}

func newLsmIterator(inner StorageIterator, upper Bound) (*LsmIterator, error) {
	it := &LsmIterator{inner: inner, upper: upper}
	return it, it.skipDeleted()
}

func (it *LsmIterator) skipDeleted() error {
	for it.Valid() && len(it.inner.Value()) == 0 {
		if err := it.inner.Next(); err != nil {
			return err
		}
	}
	return nil
}

func (it *LsmIterator) Valid() bool {
	return it.inner.Valid() && !beyondUpper(it.inner.Key().Raw, it.upper)
}

func (it *LsmIterator) Key() Key      { return it.inner.Key() }
func (it *LsmIterator) Value() []byte { return it.inner.Value() }

func (it *LsmIterator) Next() error {
	if err := it.inner.Next(); err != nil {
		return err
	}
	return it.skipDeleted()
}

// FusedIterator makes errors sticky and Next on an exhausted cursor a no-op.
type FusedIterator struct {
	iter StorageIterator
	err  error
}

// NewFusedIterator wraps iter.
func NewFusedIterator(iter StorageIterator) *FusedIterator {
	return &FusedIterator{iter: iter}
}

func (f *FusedIterator) Valid() bool   { return f.err == nil && f.iter.Valid() }
func (f *FusedIterator) Key() Key      { return f.iter.Key() }
func (f *FusedIterator) Value() []byte { return f.iter.Value() }
func (f *FusedIterator) Err() error    { return f.err }

func (f *FusedIterator) Next() error {
	if f.err != nil {
		return f.err
	}
	if !f.iter.Valid() {
		return nil
	}
	if err := f.iter.Next(); err != nil {
		f.err = err
	}
	return f.err
}
