package lsm

import (
	"github.com/coocood/bbloom"
	"github.com/dgryski/go-farm"
)

// BloomFilter answers "definitely absent" for raw keys of one table.
// Hashes are farm fingerprints of the raw key, so every version of a key
// maps to the same bits.
type BloomFilter struct {
	bf *bbloom.Bloom
}

// KeyHash fingerprints a raw key for the filter.
func KeyHash(raw []byte) uint64 {
	return farm.Fingerprint64(raw)
}

// BuildBloomFilter sizes a filter for len(hashes) keys at the given
// false positive rate and adds every hash.
func BuildBloomFilter(hashes []uint64, falsePositiveRate float64) *BloomFilter {
	n := max(len(hashes), 1)
	bf := bbloom.New(float64(n), falsePositiveRate)
	for _, h := range hashes {
		bf.Add(h)
	}
	return &BloomFilter{bf: &bf}
}

// MayContain returns false only if raw was never added.
func (b *BloomFilter) MayContain(raw []byte) bool {
	return b.bf.Has(KeyHash(raw))
}

// Encode serializes the filter.
func (b *BloomFilter) Encode() []byte {
	return b.bf.BinaryMarshal()
}

// DecodeBloomFilter deserializes a filter written by Encode.
func DecodeBloomFilter(data []byte) *BloomFilter {
	bf := new(bbloom.Bloom)
	bf.BinaryUnmarshal(data)
	return &BloomFilter{bf: bf}
}
