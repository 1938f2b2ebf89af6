package lsm

import (
	"math/rand/v2"
	"sync/atomic"
)

const (
	maxHeight      = 20
	heightIncrease = ^uint32(0) / 3
	// nodeOverhead approximates the per-entry memory beyond key and value bytes.
	nodeOverhead = 48
)

type node struct {
	key   Key
	value atomic.Pointer[[]byte]
	tower []atomic.Pointer[node]
}

func newNode(key Key, value []byte, height int) *node {
	n := &node{key: key, tower: make([]atomic.Pointer[node], height)}
	n.value.Store(&value)
	return n
}

func (n *node) loadValue() []byte {
	return *n.value.Load()
}

// SkipList is a concurrent sorted map from Key to value. Inserts are
// lock-free: nodes are linked bottom-up with CAS and are never unlinked,
// so a pointer to a node stays a valid cursor for as long as it is held.
type SkipList struct {
	head   *node
	height atomic.Int32
	size   atomic.Int64
	count  atomic.Int64
}

// NewSkipList creates an empty skip list.
func NewSkipList() *SkipList {
	s := &SkipList{head: newNode(Key{}, nil, maxHeight)}
	s.height.Store(1)
	return s
}

func randomHeight() int {
	h := 1
	for h < maxHeight && rand.Uint32() <= heightIncrease {
		h++
	}
	return h
}

// findSpliceForLevel returns (before, after) with before.key < key < after.key
// on level, or (n, n) if a node with an equal key exists.
func (s *SkipList) findSpliceForLevel(key Key, before *node, level int) (*node, *node) {
	for {
		next := before.tower[level].Load()
		if next == nil {
			return before, nil
		}
		cmp := CompareKeys(key, next.key)
		if cmp == 0 {
			return next, next
		}
		if cmp < 0 {
			return before, next
		}
		before = next
	}
}

// Put inserts key or overwrites the value of an existing equal key.
// Safe for concurrent use.
func (s *SkipList) Put(key Key, value []byte) {
	height := randomHeight()
	listHeight := s.height.Load()
	for int32(height) > listHeight {
		if s.height.CompareAndSwap(listHeight, int32(height)) {
			listHeight = int32(height)
			break
		}
		listHeight = s.height.Load()
	}

	var prev, next [maxHeight + 1]*node
	prev[listHeight] = s.head
	for i := int(listHeight) - 1; i >= 0; i-- {
		prev[i], next[i] = s.findSpliceForLevel(key, prev[i+1], i)
		if prev[i] == next[i] {
			s.overwrite(prev[i], value)
			return
		}
	}

	x := newNode(key, value, height)
	// Insert from the base level up. Once x is in the base level, a
	// concurrent Put of the same key finds it there and overwrites instead.
	for i := 0; i < height; i++ {
		for {
			x.tower[i].Store(next[i])
			if prev[i].tower[i].CompareAndSwap(next[i], x) {
				break
			}
			prev[i], next[i] = s.findSpliceForLevel(key, prev[i], i)
			if prev[i] == next[i] {
				if i != 0 {
					panic("lsm: skiplist duplicate key above base level")
				}
				s.overwrite(prev[i], value)
				return
			}
		}
	}
	s.size.Add(int64(len(key.Raw) + sizeOfU64 + len(value) + nodeOverhead))
	s.count.Add(1)
}

func (s *SkipList) overwrite(n *node, value []byte) {
	n.value.Store(&value)
	s.size.Add(int64(len(value)))
}

// seekGE returns the first node whose key is >= key, or nil.
func (s *SkipList) seekGE(key Key) *node {
	x := s.head
	for level := int(s.height.Load()) - 1; level >= 0; level-- {
		for {
			next := x.tower[level].Load()
			if next == nil || CompareKeys(next.key, key) >= 0 {
				break
			}
			x = next
		}
	}
	return x.tower[0].Load()
}

// Get returns the value stored under exactly key.
func (s *SkipList) Get(key Key) ([]byte, bool) {
	n := s.seekGE(key)
	if n == nil || CompareKeys(n.key, key) != 0 {
		return nil, false
	}
	return n.loadValue(), true
}

// Size is the approximate memory held by entries.
func (s *SkipList) Size() int64 { return s.size.Load() }

// Len is the number of distinct keys.
func (s *SkipList) Len() int64 { return s.count.Load() }

// Empty reports whether the list holds no entries.
func (s *SkipList) Empty() bool { return s.head.tower[0].Load() == nil }

// SkipListIterator is a cursor over the list. It holds the node it is on,
// which stays linked for the life of the list.
type SkipListIterator struct {
	list *SkipList
	n    *node
}

// NewIterator returns an unpositioned iterator.
func (s *SkipList) NewIterator() *SkipListIterator {
	return &SkipListIterator{list: s}
}

func (it *SkipListIterator) Seek(key Key)  { it.n = it.list.seekGE(key) }
func (it *SkipListIterator) SeekToFirst()  { it.n = it.list.head.tower[0].Load() }
func (it *SkipListIterator) Valid() bool   { return it.n != nil }
func (it *SkipListIterator) Key() Key      { return it.n.key }
func (it *SkipListIterator) Value() []byte { return it.n.loadValue() }
func (it *SkipListIterator) Next()         { it.n = it.n.tower[0].Load() }
