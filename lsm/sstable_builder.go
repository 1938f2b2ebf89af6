package lsm

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"

	"golang.org/x/time/rate"
)

// SSTableBuilder constructs a new SSTable from entries added in Key order.
type SSTableBuilder struct {
	builder   *BlockBuilder
	data      []byte
	meta      []BlockMeta
	keyHashes []uint64
	lastRaw   []byte
	maxTs     uint64
	blockSize int
	bloomFPR  float64
}

// NewSSTableBuilder creates a builder producing blocks of about blockSize bytes.
func NewSSTableBuilder(blockSize int, bloomFPR float64) *SSTableBuilder {
	return &SSTableBuilder{
		builder:   NewBlockBuilder(blockSize),
		blockSize: blockSize,
		bloomFPR:  bloomFPR,
	}
}

// Add appends an entry, starting a new block when the current one is full.
// MUST be called in sorted key order!
func (b *SSTableBuilder) Add(key Key, value []byte) {
	if key.Ts > b.maxTs {
		b.maxTs = key.Ts
	}
	// Versions of one raw key share a fingerprint
	if len(b.keyHashes) == 0 || !bytes.Equal(b.lastRaw, key.Raw) {
		b.keyHashes = append(b.keyHashes, KeyHash(key.Raw))
		b.lastRaw = append(b.lastRaw[:0], key.Raw...)
	}

	if b.builder.Add(key, value) {
		return
	}
	b.finishBlock()
	if !b.builder.Add(key, value) {
		panic("lsm: entry rejected by an empty block")
	}
}

// EstimatedSize is the number of data bytes produced so far.
func (b *SSTableBuilder) EstimatedSize() int {
	return len(b.data) + b.builder.estimatedSize()
}

// IsEmpty reports whether nothing has been added.
func (b *SSTableBuilder) IsEmpty() bool {
	return len(b.meta) == 0 && b.builder.IsEmpty()
}

func (b *SSTableBuilder) finishBlock() {
	if b.builder.IsEmpty() {
		return
	}
	bb := b.builder
	b.builder = NewBlockBuilder(b.blockSize)
	encoded := bb.Build().Encode()
	b.meta = append(b.meta, BlockMeta{
		Offset:   uint32(len(b.data)),
		FirstKey: bb.firstKey,
		LastKey:  bb.lastKey,
	})
	b.data = append(b.data, encoded...)
	b.data = binary.BigEndian.AppendUint32(b.data, crc32.ChecksumIEEE(encoded))
}

// encode lays out the whole file:
//
//	[block crc]...[meta section][meta_offset u32][filter section][filter_offset u32]
func (b *SSTableBuilder) encode() []byte {
	buf := b.data
	metaOffset := len(buf)
	buf = encodeBlockMeta(buf, b.meta, b.maxTs)
	buf = binary.BigEndian.AppendUint32(buf, uint32(metaOffset))

	filterOffset := len(buf)
	filter := BuildBloomFilter(b.keyHashes, b.bloomFPR).Encode()
	buf = append(buf, filter...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(filter))
	return binary.BigEndian.AppendUint32(buf, uint32(filterOffset))
}

// Build finalizes the table, writes and syncs it to path, then opens it.
// The file only appears at path once it is complete. Building an empty
// table is a caller bug.
func (b *SSTableBuilder) Build(ctx context.Context, id uint64, cache *BlockCache, path string, limiter *rate.Limiter) (*SSTable, error) {
	b.finishBlock()
	if len(b.meta) == 0 {
		panic("lsm: sstable builder finalized with no entries")
	}
	if err := writeFileSynced(ctx, path, b.encode(), limiter); err != nil {
		return nil, err
	}
	return OpenSSTable(id, cache, path)
}
