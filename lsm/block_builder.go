package lsm

import "encoding/binary"

// BlockBuilder packs sorted entries into a Block until the size budget is hit.
type BlockBuilder struct {
	data      []byte
	offsets   []uint16
	blockSize int
	firstKey  Key
	lastKey   Key
}

// NewBlockBuilder creates a builder targeting blockSize encoded bytes.
func NewBlockBuilder(blockSize int) *BlockBuilder {
	return &BlockBuilder{
		data:      make([]byte, 0, blockSize),
		blockSize: blockSize,
	}
}

func (bb *BlockBuilder) estimatedSize() int {
	return sizeOfU16 + len(bb.offsets)*sizeOfU16 + len(bb.data)
}

// Add appends an entry. It returns false, leaving the block untouched, when
// the entry would push a non-empty block past its budget. Keys must arrive
// in ascending Key order.
func (bb *BlockBuilder) Add(key Key, value []byte) bool {
	entrySize := key.encodedLen() + len(value) + 3*sizeOfU16
	if bb.estimatedSize()+entrySize+sizeOfU16 > bb.blockSize && !bb.IsEmpty() {
		return false
	}

	overlap := 0
	if bb.IsEmpty() {
		bb.firstKey = key.Clone()
	} else {
		overlap = commonPrefix(bb.firstKey.Raw, key.Raw)
	}
	bb.offsets = append(bb.offsets, uint16(len(bb.data)))
	bb.data = binary.BigEndian.AppendUint16(bb.data, uint16(overlap))
	bb.data = binary.BigEndian.AppendUint16(bb.data, uint16(len(key.Raw)-overlap))
	bb.data = append(bb.data, key.Raw[overlap:]...)
	bb.data = binary.BigEndian.AppendUint64(bb.data, key.Ts)
	bb.data = binary.BigEndian.AppendUint16(bb.data, uint16(len(value)))
	bb.data = append(bb.data, value...)

	bb.lastKey = key.Clone()
	return true
}

// IsEmpty reports whether nothing has been added.
func (bb *BlockBuilder) IsEmpty() bool {
	return len(bb.offsets) == 0
}

// Build finalizes the block. Building an empty block is a caller bug.
func (bb *BlockBuilder) Build() *Block {
	if bb.IsEmpty() {
		panic("lsm: block builder finalized with no entries")
	}
	return &Block{data: bb.data, offsets: bb.offsets}
}

func commonPrefix(a, b []byte) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
