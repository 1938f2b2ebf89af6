package lsm

import (
	"encoding/binary"

	"github.com/intellect4all/mvcc-lsm/common"
	"github.com/pingcap/errors"
)

const (
	sizeOfU16 = 2
	sizeOfU32 = 4
	sizeOfU64 = 8
)

// Block is a prefix-compressed sorted run of entries.
//
// Layout (big-endian):
//
//	entry:  [overlap u16][suffix_len u16][suffix][ts u64][value_len u16][value]
//	block:  [entry...][offset u16 ...][count u16]
//
// The overlap is the length of the prefix shared with the block's first key.
type Block struct {
	data    []byte
	offsets []uint16
}

// Encode serializes the block.
func (b *Block) Encode() []byte {
	buf := make([]byte, 0, len(b.data)+len(b.offsets)*sizeOfU16+sizeOfU16)
	buf = append(buf, b.data...)
	for _, off := range b.offsets {
		buf = binary.BigEndian.AppendUint16(buf, off)
	}
	return binary.BigEndian.AppendUint16(buf, uint16(len(b.offsets)))
}

// DecodeBlock parses an encoded block. The returned block aliases buf.
func DecodeBlock(buf []byte) (*Block, error) {
	if len(buf) < sizeOfU16 {
		return nil, errors.Wrap(common.ErrCorruption, "block too short")
	}
	count := int(binary.BigEndian.Uint16(buf[len(buf)-sizeOfU16:]))
	dataEnd := len(buf) - sizeOfU16 - count*sizeOfU16
	if dataEnd < 0 {
		return nil, errors.Wrapf(common.ErrCorruption, "block offset array of %d entries exceeds %d bytes", count, len(buf))
	}
	offsets := make([]uint16, count)
	for i := range offsets {
		off := binary.BigEndian.Uint16(buf[dataEnd+i*sizeOfU16:])
		if int(off) >= dataEnd {
			return nil, errors.Wrapf(common.ErrCorruption, "block entry offset %d out of range", off)
		}
		offsets[i] = off
	}
	return &Block{data: buf[:dataEnd], offsets: offsets}, nil
}

// NumEntries returns the number of entries in the block.
func (b *Block) NumEntries() int {
	return len(b.offsets)
}

// Size is the encoded size of the block.
func (b *Block) Size() int {
	return len(b.data) + len(b.offsets)*sizeOfU16 + sizeOfU16
}

// entryAt decodes the entry at idx. firstRaw is the raw part of the first
// key, used to rebuild the shared prefix; pass nil for idx 0.
func (b *Block) entryAt(idx int, firstRaw []byte) (Key, []byte, error) {
	p := b.data[b.offsets[idx]:]
	if len(p) < 2*sizeOfU16 {
		return Key{}, nil, errors.Wrap(common.ErrCorruption, "truncated block entry header")
	}
	overlap := int(binary.BigEndian.Uint16(p))
	suffixLen := int(binary.BigEndian.Uint16(p[sizeOfU16:]))
	p = p[2*sizeOfU16:]
	if overlap > len(firstRaw) || len(p) < suffixLen+sizeOfU64+sizeOfU16 {
		return Key{}, nil, errors.Wrap(common.ErrCorruption, "truncated block entry key")
	}
	raw := make([]byte, overlap+suffixLen)
	copy(raw, firstRaw[:overlap])
	copy(raw[overlap:], p[:suffixLen])
	p = p[suffixLen:]
	ts := binary.BigEndian.Uint64(p)
	valueLen := int(binary.BigEndian.Uint16(p[sizeOfU64:]))
	p = p[sizeOfU64+sizeOfU16:]
	if len(p) < valueLen {
		return Key{}, nil, errors.Wrap(common.ErrCorruption, "truncated block entry value")
	}
	return Key{Raw: raw, Ts: ts}, p[:valueLen:valueLen], nil
}

// firstKey decodes the key of entry 0.
func (b *Block) firstKey() (Key, error) {
	if len(b.offsets) == 0 {
		return Key{}, errors.Wrap(common.ErrCorruption, "empty block")
	}
	k, _, err := b.entryAt(0, nil)
	return k, err
}
