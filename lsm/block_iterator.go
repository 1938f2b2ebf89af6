package lsm

import "sort"

// BlockIterator walks the entries of one decoded block.
type BlockIterator struct {
	block    *Block
	firstRaw []byte
	key      Key
	value    []byte
	idx      int
	err      error
}

func newBlockIterator(block *Block) *BlockIterator {
	it := &BlockIterator{block: block}
	if first, err := block.firstKey(); err != nil {
		it.err = err
	} else {
		it.firstRaw = first.Raw
	}
	return it
}

// NewBlockIteratorSeekToFirst positions a new iterator on the first entry.
func NewBlockIteratorSeekToFirst(block *Block) *BlockIterator {
	it := newBlockIterator(block)
	it.SeekToFirst()
	return it
}

// NewBlockIteratorSeekToKey positions a new iterator on the first entry >= key.
func NewBlockIteratorSeekToKey(block *Block, key Key) *BlockIterator {
	it := newBlockIterator(block)
	it.SeekToKey(key)
	return it
}

// SeekToFirst moves to the first entry.
func (it *BlockIterator) SeekToFirst() {
	it.seekTo(0)
}

// SeekToKey moves to the first entry whose key is >= key.
func (it *BlockIterator) SeekToKey(key Key) {
	if it.err != nil {
		return
	}
	idx := sort.Search(it.block.NumEntries(), func(i int) bool {
		k, _, err := it.block.entryAt(i, it.firstRaw)
		if err != nil {
			it.err = err
			return true
		}
		return CompareKeys(k, key) >= 0
	})
	it.seekTo(idx)
}

func (it *BlockIterator) seekTo(idx int) {
	it.idx = idx
	if it.err != nil || idx >= it.block.NumEntries() {
		it.key, it.value = Key{}, nil
		return
	}
	it.key, it.value, it.err = it.block.entryAt(idx, it.firstRaw)
}

func (it *BlockIterator) Key() Key      { return it.key }
func (it *BlockIterator) Value() []byte { return it.value }

func (it *BlockIterator) Valid() bool {
	return it.err == nil && it.idx < it.block.NumEntries()
}

func (it *BlockIterator) Next() error {
	it.seekTo(it.idx + 1)
	return it.err
}
