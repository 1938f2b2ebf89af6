package benchmark

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyGeneratorSequentialKeysSort(t *testing.T) {
	kg := NewKeyGenerator(1000, 24, DistSequential, 1)

	prev := kg.GenerateSequential(0)
	require.Len(t, prev, 24)
	for i := 1; i < 1000; i++ {
		k := kg.GenerateSequential(i)
		require.Len(t, k, 24)
		require.Negative(t, bytes.Compare(prev, k), "key %d out of order", i)
		prev = k
	}
}

func TestKeyGeneratorShortKeySizeKeepsPrefix(t *testing.T) {
	kg := NewKeyGenerator(100, 4, DistUniform, 1)
	assert.Equal(t, []byte("user0000000042"), kg.GenerateSequential(42))
}

func TestKeyGeneratorSequentialWraps(t *testing.T) {
	kg := NewKeyGenerator(3, 16, DistSequential, 1)
	var got [][]byte
	for i := 0; i < 4; i++ {
		got = append(got, kg.NextKey())
	}
	assert.Equal(t, kg.GenerateSequential(1), got[0])
	assert.Equal(t, kg.GenerateSequential(0), got[2])
	assert.Equal(t, kg.GenerateSequential(1), got[3])
}

func TestKeyGeneratorIndicesInRange(t *testing.T) {
	for _, dist := range []KeyDistribution{DistUniform, DistZipfian, DistLatest} {
		t.Run(string(dist), func(t *testing.T) {
			kg := NewKeyGenerator(500, 16, dist, 7)
			for i := 0; i < 10000; i++ {
				idx := kg.nextIndex()
				require.GreaterOrEqual(t, idx, 0)
				require.Less(t, idx, 500)
			}
		})
	}
}

func TestKeyGeneratorZipfianIsSkewed(t *testing.T) {
	kg := NewKeyGenerator(10000, 16, DistZipfian, 7)
	hot := 0
	const n = 20000
	for i := 0; i < n; i++ {
		if kg.nextIndex() < 10 {
			hot++
		}
	}
	// Ten keys out of ten thousand take far more than their uniform share.
	assert.Greater(t, hot, n/10)
}

func TestKeyGeneratorDeterministic(t *testing.T) {
	a := NewKeyGenerator(1000, 16, DistUniform, 99)
	b := NewKeyGenerator(1000, 16, DistUniform, 99)
	for i := 0; i < 100; i++ {
		require.Equal(t, a.NextKey(), b.NextKey())
	}
	assert.Equal(t, a.Value(37), b.Value(37))
	assert.Len(t, a.Value(37), 37)
}
