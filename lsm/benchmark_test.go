package lsm

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/montanaflynn/stats"
	"go.uber.org/zap"
)

func benchKey(i int) []byte   { return []byte(fmt.Sprintf("key%010d", i)) }
func benchValue(i int) []byte { return []byte(fmt.Sprintf("value%010d", i)) }

func openBenchLSM(b *testing.B) *LSM {
	b.Helper()
	config := DefaultConfig()
	config.Logger = zap.NewNop()
	lsm, err := Open(b.TempDir(), config)
	if err != nil {
		b.Fatalf("Failed to open LSM: %v", err)
	}
	b.Cleanup(func() { lsm.Close() })
	return lsm
}

func populate(b *testing.B, lsm *LSM, numKeys int) {
	b.Helper()
	for i := 0; i < numKeys; i++ {
		if err := lsm.Put(benchKey(i), benchValue(i)); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
	// Let background flushes settle
	time.Sleep(300 * time.Millisecond)
}

func reportOpsPerSec(b *testing.B) {
	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "ops/sec")
}

func BenchmarkWriteHeavy(b *testing.B) {
	lsm := openBenchLSM(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := lsm.Put(benchKey(i), benchValue(i)); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
	b.StopTimer()
	reportOpsPerSec(b)
}

func BenchmarkReadHeavy(b *testing.B) {
	lsm := openBenchLSM(b)
	numKeys := 10000
	populate(b, lsm, numKeys)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := benchKey(rand.IntN(numKeys))
		_, found, err := lsm.Get(key)
		if err != nil {
			b.Fatalf("Get failed: %v", err)
		}
		if !found {
			b.Fatalf("Key not found: %s", key)
		}
	}
	b.StopTimer()
	reportOpsPerSec(b)
}

func BenchmarkBalanced(b *testing.B) {
	lsm := openBenchLSM(b)
	numKeys := 5000
	populate(b, lsm, numKeys)

	// 50% reads, 50% writes
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if rand.Float32() < 0.5 {
			lsm.Get(benchKey(rand.IntN(numKeys)))
		} else {
			idx := rand.IntN(numKeys * 2)
			lsm.Put(benchKey(idx), benchValue(idx))
		}
	}
	b.StopTimer()
	reportOpsPerSec(b)
}

func BenchmarkWriteBatch(b *testing.B) {
	for _, size := range []int{1, 16, 128} {
		b.Run(fmt.Sprintf("batch%d", size), func(b *testing.B) {
			lsm := openBenchLSM(b)
			batch := make([]WriteBatchRecord, size)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				for j := range batch {
					idx := i*size + j
					batch[j] = PutRecord(benchKey(idx), benchValue(idx))
				}
				if err := lsm.WriteBatch(batch); err != nil {
					b.Fatalf("WriteBatch failed: %v", err)
				}
			}
			b.StopTimer()
			b.ReportMetric(float64(b.N*size)/b.Elapsed().Seconds(), "keys/sec")
		})
	}
}

func BenchmarkReadLatency(b *testing.B) {
	lsm := openBenchLSM(b)
	numKeys := 10000
	populate(b, lsm, numKeys)

	latencies := make([]float64, 0, 1000)
	b.ResetTimer()
	for i := 0; i < 1000; i++ {
		start := time.Now()
		lsm.Get(benchKey(rand.IntN(numKeys)))
		latencies = append(latencies, float64(time.Since(start).Microseconds()))
	}
	b.StopTimer()

	for _, p := range []float64{50, 95, 99} {
		v, err := stats.Percentile(latencies, p)
		if err != nil {
			b.Fatalf("Percentile failed: %v", err)
		}
		b.ReportMetric(v, fmt.Sprintf("p%.0f_µs", p))
	}
}

func BenchmarkNegativeLookup(b *testing.B) {
	lsm := openBenchLSM(b)
	numKeys := 10000
	populate(b, lsm, numKeys)

	// Query for non-existent keys (10000+)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, found, err := lsm.Get(benchKey(numKeys + i))
		if err != nil {
			b.Fatalf("Get failed: %v", err)
		}
		if found {
			b.Fatalf("Non-existent key found!")
		}
	}
	b.StopTimer()
	reportOpsPerSec(b)
}

func BenchmarkUpdateExisting(b *testing.B) {
	lsm := openBenchLSM(b)
	numKeys := 1000
	populate(b, lsm, numKeys)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := lsm.Put(benchKey(rand.IntN(numKeys)), []byte(fmt.Sprintf("newvalue%010d", i))); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
	b.StopTimer()
	reportOpsPerSec(b)
}

func BenchmarkScan(b *testing.B) {
	lsm := openBenchLSM(b)
	numKeys := 10000
	populate(b, lsm, numKeys)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := rand.IntN(numKeys - 100)
		it, err := lsm.Scan(IncludedBound(benchKey(start)), ExcludedBound(benchKey(start+100)))
		if err != nil {
			b.Fatalf("Scan failed: %v", err)
		}
		n := 0
		for ; it.Valid(); it.Next() {
			n++
		}
		it.Close()
		if n != 100 {
			b.Fatalf("Scan returned %d keys, want 100", n)
		}
	}
	b.StopTimer()
	reportOpsPerSec(b)
}

func BenchmarkTxnCommit(b *testing.B) {
	lsm := openBenchLSM(b)
	numKeys := 1000
	populate(b, lsm, numKeys)

	b.ResetTimer()
	conflicts := 0
	for i := 0; i < b.N; i++ {
		txn, err := lsm.NewTransaction()
		if err != nil {
			b.Fatalf("NewTransaction failed: %v", err)
		}
		idx := rand.IntN(numKeys)
		if _, _, err := txn.Get(benchKey(idx)); err != nil {
			b.Fatalf("Get failed: %v", err)
		}
		txn.Put(benchKey(idx), benchValue(i))
		if err := txn.Commit(); err != nil {
			conflicts++
		}
	}
	b.StopTimer()
	reportOpsPerSec(b)
	b.ReportMetric(float64(conflicts), "conflicts")
}
