package benchmark_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/docker/go-units"
	"github.com/intellect4all/mvcc-lsm/common"
	"github.com/intellect4all/mvcc-lsm/common/benchmark"
	"github.com/intellect4all/mvcc-lsm/lsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func smallConfig() lsm.Config {
	config := lsm.DefaultConfig()
	config.MemTableSize = 64 * units.KiB
	config.TargetSSTSize = 64 * units.KiB
	config.BlockCacheSize = units.MiB
	config.Logger = zap.NewNop()
	return config
}

func openEngine(t *testing.T, config lsm.Config) func() (common.StorageEngine, error) {
	return func() (common.StorageEngine, error) {
		return lsm.NewAdapter(t.TempDir(), config)
	}
}

func quickConfig(name string, workload benchmark.WorkloadType) benchmark.Config {
	return benchmark.Config{
		Name:            name,
		WorkloadType:    workload,
		KeyDistribution: benchmark.DistUniform,
		NumKeys:         2000,
		KeySize:         16,
		ValueSize:       64,
		ScanLen:         10,
		Duration:        150 * time.Millisecond,
		Concurrency:     4,
		PreloadKeys:     1000,
		Seed:            1,
	}
}

func TestBenchmarkRun(t *testing.T) {
	for _, workload := range []benchmark.WorkloadType{
		benchmark.WorkloadWriteOnly,
		benchmark.WorkloadReadOnly,
		benchmark.WorkloadBalanced,
		benchmark.WorkloadScanHeavy,
	} {
		t.Run(string(workload), func(t *testing.T) {
			engine, err := openEngine(t, smallConfig())()
			require.NoError(t, err)
			defer engine.Close()

			result, err := benchmark.NewBenchmark(engine, quickConfig("run", workload), nil).Run()
			require.NoError(t, err)

			assert.Positive(t, result.TotalOps)
			assert.Zero(t, result.ErrorOps)
			assert.Equal(t, result.WriteOps+result.ReadOps+result.ScanOps, result.TotalOps)
			assert.GreaterOrEqual(t, result.EngineStats.LatestCommitTs, uint64(1000))

			switch workload {
			case benchmark.WorkloadWriteOnly:
				assert.Zero(t, result.ReadOps)
				assert.Equal(t, int(result.WriteOps), result.WriteLatency.Count)
			case benchmark.WorkloadReadOnly:
				assert.Zero(t, result.WriteOps)
				assert.Equal(t, int(result.ReadOps), result.ReadLatency.Count)
			case benchmark.WorkloadScanHeavy:
				assert.Positive(t, result.ScanOps)
				assert.Zero(t, result.ReadOps)
			}
		})
	}
}

func TestBenchmarkWarmupIsNotMeasured(t *testing.T) {
	engine, err := openEngine(t, smallConfig())()
	require.NoError(t, err)
	defer engine.Close()

	config := quickConfig("warmup", benchmark.WorkloadWriteOnly)
	config.PreloadKeys = 0
	config.Warmup = 100 * time.Millisecond
	result, err := benchmark.NewBenchmark(engine, config, nil).Run()
	require.NoError(t, err)

	// Every write, warm-up included, consumed a commit timestamp.
	assert.Greater(t, result.EngineStats.LatestCommitTs, uint64(result.WriteOps))
}

func TestComparisonSuite(t *testing.T) {
	leveled := smallConfig()
	none := smallConfig()
	none.CompactionStyle = lsm.CompactionNone

	suite := benchmark.NewComparisonSuite(zap.NewNop())
	suite.SetWorkloads([]benchmark.Config{
		quickConfig("writes", benchmark.WorkloadWriteHeavy),
		quickConfig("reads", benchmark.WorkloadReadHeavy),
	})
	require.Len(t, suite.Workloads(), 2)

	variants := []benchmark.Variant{
		{Name: "leveled", Open: openEngine(t, leveled)},
		{Name: "none", Open: openEngine(t, none)},
	}
	results := suite.RunComparison(variants)
	require.Len(t, results, 2)
	for _, v := range variants {
		require.Len(t, results[v.Name], 2)
		for _, r := range results[v.Name] {
			require.NotNil(t, r)
			assert.Positive(t, r.TotalOps)
		}
	}

	var buf bytes.Buffer
	suite.PrintComparisonTable(&buf, []string{"leveled", "none"}, results)
	out := buf.String()
	assert.Contains(t, out, "THROUGHPUT")
	assert.Contains(t, out, "leveled")
	assert.Contains(t, out, "writes")

	buf.Reset()
	benchmark.PrintResult(&buf, results["none"][0])
	assert.Contains(t, buf.String(), "Results for: writes")
	assert.Contains(t, buf.String(), "Write Latency")
}

func TestComparisonSuiteRecordsFailedVariant(t *testing.T) {
	bad := smallConfig()
	bad.BlockSize = 1

	suite := benchmark.NewComparisonSuite(nil)
	suite.SetWorkloads([]benchmark.Config{quickConfig("writes", benchmark.WorkloadWriteOnly)})
	results := suite.RunComparison([]benchmark.Variant{{Name: "bad", Open: openEngine(t, bad)}})

	require.Len(t, results["bad"], 1)
	assert.Nil(t, results["bad"][0])

	var buf bytes.Buffer
	suite.PrintComparisonTable(&buf, []string{"bad"}, results)
	assert.Contains(t, buf.String(), "N/A")
}
