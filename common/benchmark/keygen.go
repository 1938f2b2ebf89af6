package benchmark

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// KeyDistribution defines how keys are accessed
type KeyDistribution string

const (
	DistUniform    KeyDistribution = "uniform"    // All keys equally likely
	DistZipfian    KeyDistribution = "zipfian"    // A few hot keys
	DistSequential KeyDistribution = "sequential" // Sequential access
	DistLatest     KeyDistribution = "latest"     // Recent keys (time-series)
)

// KeyGenerator produces keys of a fixed size following a distribution.
// It is safe for concurrent use.
type KeyGenerator struct {
	numKeys      int
	keySize      int
	distribution KeyDistribution

	mu   sync.Mutex
	rng  *rand.Rand
	zipf *rand.Zipf

	seqCounter atomic.Int64
}

func NewKeyGenerator(numKeys, keySize int, distribution KeyDistribution, seed uint64) *KeyGenerator {
	numKeys = max(numKeys, 1)
	kg := &KeyGenerator{
		numKeys:      numKeys,
		keySize:      keySize,
		distribution: distribution,
		rng:          rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	if distribution == DistZipfian {
		kg.zipf = rand.NewZipf(kg.rng, 1.1, 1, uint64(numKeys-1))
	}
	return kg
}

func (kg *KeyGenerator) nextIndex() int {
	if kg.distribution == DistSequential {
		return int(kg.seqCounter.Add(1) % int64(kg.numKeys))
	}

	kg.mu.Lock()
	defer kg.mu.Unlock()
	switch kg.distribution {
	case DistZipfian:
		return int(kg.zipf.Uint64())
	case DistLatest:
		// Half-normal offset back from the newest key
		spread := max(kg.numKeys/10, 100)
		offset := int(math.Abs(kg.rng.NormFloat64()) * float64(spread))
		return max(kg.numKeys-1-offset, 0)
	default:
		return kg.rng.IntN(kg.numKeys)
	}
}

// NextKey returns the next key to access.
func (kg *KeyGenerator) NextKey() []byte {
	return kg.formatKey(kg.nextIndex())
}

// GenerateSequential returns the n-th key of the keyspace.
func (kg *KeyGenerator) GenerateSequential(n int) []byte {
	return kg.formatKey(n)
}

// Value fills a value of size bytes.
func (kg *KeyGenerator) Value(size int) []byte {
	kg.mu.Lock()
	defer kg.mu.Unlock()
	v := make([]byte, size)
	for i := 0; i+8 <= size; i += 8 {
		binary.LittleEndian.PutUint64(v[i:], kg.rng.Uint64())
	}
	for i := size &^ 7; i < size; i++ {
		v[i] = byte(kg.rng.Uint32())
	}
	return v
}

// formatKey keeps numeric order and byte order aligned so sequential
// loads arrive sorted. Keys never shrink below the numbered prefix.
func (kg *KeyGenerator) formatKey(n int) []byte {
	key := []byte(fmt.Sprintf("user%010d", n))
	if len(key) >= kg.keySize {
		return key
	}
	padding := make([]byte, kg.keySize-len(key))
	if len(padding) >= 8 {
		binary.BigEndian.PutUint64(padding, uint64(n))
	} else {
		for i := range padding {
			padding[i] = byte(n + i)
		}
	}
	return append(key, padding...)
}
