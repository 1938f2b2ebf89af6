package lsm

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"sort"
	"sync/atomic"

	"github.com/intellect4all/mvcc-lsm/common"
	"github.com/pingcap/errors"
)

// BlockMeta locates one block and records its key range.
type BlockMeta struct {
	Offset   uint32
	FirstKey Key
	LastKey  Key
}

// encodeBlockMeta appends
// [count u32][offset u32, first key, last key]...[max_ts u64][crc u32].
// A key is written as [raw_len u16][raw][ts u64].
func encodeBlockMeta(buf []byte, meta []BlockMeta, maxTs uint64) []byte {
	start := len(buf)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(meta)))
	for _, m := range meta {
		buf = binary.BigEndian.AppendUint32(buf, m.Offset)
		buf = appendKey(buf, m.FirstKey)
		buf = appendKey(buf, m.LastKey)
	}
	buf = binary.BigEndian.AppendUint64(buf, maxTs)
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf[start:]))
}

func appendKey(buf []byte, k Key) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(k.Raw)))
	buf = append(buf, k.Raw...)
	return binary.BigEndian.AppendUint64(buf, k.Ts)
}

func decodeBlockMeta(buf []byte) ([]BlockMeta, uint64, error) {
	if len(buf) < sizeOfU32+sizeOfU64+sizeOfU32 {
		return nil, 0, errors.Wrap(common.ErrCorruption, "block meta too short")
	}
	body := buf[:len(buf)-sizeOfU32]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(buf[len(body):]) {
		return nil, 0, errors.Wrap(common.ErrCorruption, "block meta checksum mismatch")
	}
	maxTs := binary.BigEndian.Uint64(body[len(body)-sizeOfU64:])
	p := body[:len(body)-sizeOfU64]
	count := int(binary.BigEndian.Uint32(p))
	p = p[sizeOfU32:]

	meta := make([]BlockMeta, 0, count)
	for i := 0; i < count; i++ {
		if len(p) < sizeOfU32 {
			return nil, 0, errors.Wrap(common.ErrCorruption, "truncated block meta")
		}
		m := BlockMeta{Offset: binary.BigEndian.Uint32(p)}
		p = p[sizeOfU32:]
		var err error
		if m.FirstKey, p, err = readKey(p); err != nil {
			return nil, 0, err
		}
		if m.LastKey, p, err = readKey(p); err != nil {
			return nil, 0, err
		}
		meta = append(meta, m)
	}
	return meta, maxTs, nil
}

func readKey(p []byte) (Key, []byte, error) {
	if len(p) < sizeOfU16 {
		return Key{}, nil, errors.Wrap(common.ErrCorruption, "truncated key length")
	}
	n := int(binary.BigEndian.Uint16(p))
	p = p[sizeOfU16:]
	if len(p) < n+sizeOfU64 {
		return Key{}, nil, errors.Wrap(common.ErrCorruption, "truncated key")
	}
	raw := append([]byte(nil), p[:n]...)
	return Key{Raw: raw, Ts: binary.BigEndian.Uint64(p[n:])}, p[n+sizeOfU64:], nil
}

// SSTable is an immutable sorted file on disk. Opening it loads the block
// metadata and the filter; blocks are read on demand through the cache.
type SSTable struct {
	id         uint64
	file       *os.File
	path       string
	size       int64
	blockMeta  []BlockMeta
	metaOffset int64
	bloom      *BloomFilter
	firstKey   Key
	lastKey    Key
	maxTs      uint64
	cache      *BlockCache

	obsolete atomic.Bool
}

// OpenSSTable opens an existing SSTable and loads its metadata into memory.
func OpenSSTable(id uint64, cache *BlockCache, path string) (*SSTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sstable %s", path)
	}
	t, err := openSSTable(id, cache, path, file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return t, nil
}

func openSSTable(id uint64, cache *BlockCache, path string, file *os.File) (*SSTable, error) {
	stat, err := file.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat sstable %s", path)
	}
	size := stat.Size()
	t := &SSTable{id: id, file: file, path: path, size: size, cache: cache}

	filterOffset, err := t.readU32(size - sizeOfU32)
	if err != nil {
		return nil, err
	}
	filterEnd := size - sizeOfU32
	if filterOffset+sizeOfU32 > filterEnd || filterOffset < sizeOfU32 {
		return nil, errors.Wrapf(common.ErrCorruption, "sstable %s: bad filter offset %d", path, filterOffset)
	}
	filterSection, err := t.read(filterOffset, filterEnd-filterOffset)
	if err != nil {
		return nil, err
	}
	filter := filterSection[:len(filterSection)-sizeOfU32]
	if crc32.ChecksumIEEE(filter) != binary.BigEndian.Uint32(filterSection[len(filter):]) {
		return nil, errors.Wrapf(common.ErrCorruption, "sstable %s: filter checksum mismatch", path)
	}
	t.bloom = DecodeBloomFilter(filter)

	metaEnd := filterOffset - sizeOfU32
	metaOffset, err := t.readU32(metaEnd)
	if err != nil {
		return nil, err
	}
	if metaOffset > metaEnd {
		return nil, errors.Wrapf(common.ErrCorruption, "sstable %s: bad meta offset %d", path, metaOffset)
	}
	metaSection, err := t.read(metaOffset, metaEnd-metaOffset)
	if err != nil {
		return nil, err
	}
	if t.blockMeta, t.maxTs, err = decodeBlockMeta(metaSection); err != nil {
		return nil, errors.Wrapf(err, "sstable %s", path)
	}
	if len(t.blockMeta) == 0 {
		return nil, errors.Wrapf(common.ErrCorruption, "sstable %s has no blocks", path)
	}
	t.metaOffset = metaOffset
	t.firstKey = t.blockMeta[0].FirstKey
	t.lastKey = t.blockMeta[len(t.blockMeta)-1].LastKey
	return t, nil
}

func (t *SSTable) read(off, n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := t.file.ReadAt(buf, off); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d bytes at %d from %s", n, off, t.path)
	}
	return buf, nil
}

func (t *SSTable) readU32(off int64) (int64, error) {
	if off < 0 {
		return 0, errors.Wrapf(common.ErrCorruption, "sstable %s too small", t.path)
	}
	buf, err := t.read(off, sizeOfU32)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint32(buf)), nil
}

// ReadBlock reads block idx from disk and verifies its checksum.
func (t *SSTable) ReadBlock(idx int) (*Block, error) {
	start := int64(t.blockMeta[idx].Offset)
	end := t.metaOffset
	if idx+1 < len(t.blockMeta) {
		end = int64(t.blockMeta[idx+1].Offset)
	}
	if end-start < sizeOfU32 {
		return nil, errors.Wrapf(common.ErrCorruption, "sstable %s: block %d too short", t.path, idx)
	}
	buf, err := t.read(start, end-start)
	if err != nil {
		return nil, err
	}
	data := buf[:len(buf)-sizeOfU32]
	if crc32.ChecksumIEEE(data) != binary.BigEndian.Uint32(buf[len(data):]) {
		return nil, errors.Wrapf(common.ErrCorruption, "sstable %s: block %d checksum mismatch", t.path, idx)
	}
	blk, err := DecodeBlock(data)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable %s: block %d", t.path, idx)
	}
	return blk, nil
}

// ReadBlockCached reads block idx through the shared block cache.
func (t *SSTable) ReadBlockCached(idx int) (*Block, error) {
	return t.cache.GetOrLoad(t.id, idx, func() (*Block, error) {
		return t.ReadBlock(idx)
	})
}

// FindBlockIdx returns the block that may contain key: the last block whose
// first key is <= key, or 0.
func (t *SSTable) FindBlockIdx(key Key) int {
	idx := sort.Search(len(t.blockMeta), func(i int) bool {
		return CompareKeys(t.blockMeta[i].FirstKey, key) > 0
	})
	return max(idx-1, 0)
}

// MayContain consults the filter for a raw key.
func (t *SSTable) MayContain(raw []byte) bool {
	return t.bloom.MayContain(raw)
}

// Overlaps reports whether the table's raw key range intersects (lower, upper).
func (t *SSTable) Overlaps(lower, upper Bound) bool {
	return rangeOverlap(lower, upper, t.firstKey.Raw, t.lastKey.Raw)
}

// Get returns the newest version of raw with ts <= readTs.
func (t *SSTable) Get(raw []byte, readTs uint64) (Key, []byte, bool, error) {
	if !rangeOverlap(IncludedBound(raw), IncludedBound(raw), t.firstKey.Raw, t.lastKey.Raw) || !t.MayContain(raw) {
		return Key{}, nil, false, nil
	}
	it, err := NewSSTableIteratorSeekToKey(t, NewKey(raw, readTs))
	if err != nil {
		return Key{}, nil, false, err
	}
	if !it.Valid() || !bytes.Equal(it.Key().Raw, raw) {
		return Key{}, nil, false, nil
	}
	return it.Key(), it.Value(), true, nil
}

func (t *SSTable) ID() uint64     { return t.id }
func (t *SSTable) Path() string   { return t.path }
func (t *SSTable) Size() int64    { return t.size }
func (t *SSTable) NumBlocks() int { return len(t.blockMeta) }
func (t *SSTable) FirstKey() Key  { return t.firstKey }
func (t *SSTable) LastKey() Key   { return t.lastKey }
func (t *SSTable) MaxTs() uint64  { return t.maxTs }

// Close closes the file handle. An obsolete table is also unlinked.
func (t *SSTable) Close() error {
	err := t.file.Close()
	if t.obsolete.Load() {
		if rmErr := os.Remove(t.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	return errors.Wrapf(err, "failed to close sstable %s", t.path)
}
