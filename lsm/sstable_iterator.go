package lsm

// SSTableIterator walks a table block by block.
type SSTableIterator struct {
	table  *SSTable
	blk    *BlockIterator
	blkIdx int
}

// NewSSTableIteratorSeekToFirst positions a new iterator on the table's first entry.
func NewSSTableIteratorSeekToFirst(table *SSTable) (*SSTableIterator, error) {
	it := &SSTableIterator{table: table}
	if err := it.SeekToFirst(); err != nil {
		return nil, err
	}
	return it, nil
}

// NewSSTableIteratorSeekToKey positions a new iterator on the first entry >= key.
func NewSSTableIteratorSeekToKey(table *SSTable, key Key) (*SSTableIterator, error) {
	it := &SSTableIterator{table: table}
	if err := it.SeekToKey(key); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *SSTableIterator) loadBlock(idx int) (*Block, error) {
	it.blkIdx = idx
	return it.table.ReadBlockCached(idx)
}

// SeekToFirst moves to the first entry of the table.
func (it *SSTableIterator) SeekToFirst() error {
	blk, err := it.loadBlock(0)
	if err != nil {
		return err
	}
	it.blk = NewBlockIteratorSeekToFirst(blk)
	return it.blk.err
}

// SeekToKey moves to the first entry whose key is >= key.
func (it *SSTableIterator) SeekToKey(key Key) error {
	blk, err := it.loadBlock(it.table.FindBlockIdx(key))
	if err != nil {
		return err
	}
	it.blk = NewBlockIteratorSeekToKey(blk, key)
	if it.blk.err != nil {
		return it.blk.err
	}
	if !it.blk.Valid() {
		return it.nextBlock()
	}
	return nil
}

func (it *SSTableIterator) nextBlock() error {
	if it.blkIdx+1 >= it.table.NumBlocks() {
		it.blkIdx = it.table.NumBlocks()
		return nil
	}
	blk, err := it.loadBlock(it.blkIdx + 1)
	if err != nil {
		return err
	}
	it.blk = NewBlockIteratorSeekToFirst(blk)
	return it.blk.err
}

func (it *SSTableIterator) Key() Key      { return it.blk.Key() }
func (it *SSTableIterator) Value() []byte { return it.blk.Value() }

func (it *SSTableIterator) Valid() bool {
	return it.blk != nil && it.blkIdx < it.table.NumBlocks() && it.blk.Valid()
}

func (it *SSTableIterator) Next() error {
	if err := it.blk.Next(); err != nil {
		return err
	}
	if !it.blk.Valid() {
		return it.nextBlock()
	}
	return nil
}
