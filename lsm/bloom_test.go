package lsm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	hashes := make([]uint64, 0, 5000)
	for i := 0; i < 5000; i++ {
		hashes = append(hashes, KeyHash([]byte(fmt.Sprintf("key_%d", i))))
	}
	filter := DecodeBloomFilter(BuildBloomFilter(hashes, 0.01).Encode())
	for i := 0; i < 5000; i++ {
		assert.True(t, filter.MayContain([]byte(fmt.Sprintf("key_%d", i))), "key_%d", i)
	}
}

func TestBloomFilterFalsePositiveRate(t *testing.T) {
	const n = 10000
	hashes := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		hashes = append(hashes, KeyHash([]byte(fmt.Sprintf("present_%d", i))))
	}
	filter := BuildBloomFilter(hashes, 0.01)

	falsePositives := 0
	for i := 0; i < n; i++ {
		if filter.MayContain([]byte(fmt.Sprintf("absent_%d", i))) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / n
	t.Logf("false positive rate: %.4f", rate)
	assert.Less(t, rate, 0.05)
}

func TestBloomFilterEmpty(t *testing.T) {
	filter := DecodeBloomFilter(BuildBloomFilter(nil, 0.01).Encode())
	assert.False(t, filter.MayContain([]byte("anything")))
}
