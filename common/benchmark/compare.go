package benchmark

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/intellect4all/mvcc-lsm/common"
	"go.uber.org/zap"
)

// Variant is one engine setup taking part in a comparison, for example
// the same engine with a different compaction strategy.
type Variant struct {
	Name string
	Open func() (common.StorageEngine, error)
}

// ComparisonSuite runs every workload against every variant. Each
// (variant, workload) pair gets a freshly opened engine.
type ComparisonSuite struct {
	configs []Config
	logger  *zap.Logger
}

func NewComparisonSuite(logger *zap.Logger) *ComparisonSuite {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ComparisonSuite{
		configs: StandardWorkloads(),
		logger:  logger,
	}
}

// SetWorkloads sets custom workload configurations
func (cs *ComparisonSuite) SetWorkloads(configs []Config) {
	cs.configs = configs
}

// Workloads returns the configured workloads.
func (cs *ComparisonSuite) Workloads() []Config {
	return cs.configs
}

// StandardWorkloads returns common benchmark scenarios
func StandardWorkloads() []Config {
	base := Config{
		KeyDistribution: DistUniform,
		NumKeys:         1000000,
		KeySize:         16,
		ValueSize:       100,
		Duration:        60 * time.Second,
		Warmup:          5 * time.Second,
		Concurrency:     8,
		PreloadKeys:     100000,
		Seed:            12345,
	}

	writeHeavy := base
	writeHeavy.Name = "write-heavy-uniform"
	writeHeavy.WorkloadType = WorkloadWriteHeavy

	readHeavy := base
	readHeavy.Name = "read-heavy-zipfian"
	readHeavy.WorkloadType = WorkloadReadHeavy
	readHeavy.KeyDistribution = DistZipfian
	readHeavy.PreloadKeys = 500000

	balanced := base
	balanced.Name = "balanced-uniform"
	balanced.WorkloadType = WorkloadBalanced

	scans := base
	scans.Name = "scan-heavy-latest"
	scans.WorkloadType = WorkloadScanHeavy
	scans.KeyDistribution = DistLatest
	scans.ScanLen = 100
	scans.PreloadKeys = 500000

	sequential := base
	sequential.Name = "write-only-sequential"
	sequential.WorkloadType = WorkloadWriteOnly
	sequential.KeyDistribution = DistSequential
	sequential.ValueSize = 1000
	sequential.Duration = 30 * time.Second
	sequential.Concurrency = 1
	sequential.PreloadKeys = 0

	return []Config{writeHeavy, readHeavy, balanced, scans, sequential}
}

// QuickWorkloads returns faster workloads for testing. 50k keys of
// ~130 bytes is enough to force several memtable flushes with a 4MiB
// memtable.
func QuickWorkloads() []Config {
	base := Config{
		KeyDistribution: DistUniform,
		NumKeys:         50000,
		KeySize:         16,
		ValueSize:       100,
		Duration:        15 * time.Second,
		Warmup:          2 * time.Second,
		Concurrency:     8,
		Seed:            12345,
	}

	writeHeavy := base
	writeHeavy.Name = "quick-write-heavy"
	writeHeavy.WorkloadType = WorkloadWriteHeavy
	writeHeavy.PreloadKeys = 5000

	balanced := base
	balanced.Name = "quick-balanced"
	balanced.WorkloadType = WorkloadBalanced
	balanced.PreloadKeys = 10000

	readHeavy := base
	readHeavy.Name = "quick-read-heavy"
	readHeavy.WorkloadType = WorkloadReadHeavy
	readHeavy.KeyDistribution = DistZipfian
	readHeavy.PreloadKeys = 30000

	scans := base
	scans.Name = "quick-scan-heavy"
	scans.WorkloadType = WorkloadScanHeavy
	scans.ScanLen = 50
	scans.PreloadKeys = 30000

	return []Config{writeHeavy, balanced, readHeavy, scans}
}

// RunComparison runs all workloads against every variant. The result map
// is keyed by variant name and holds one result per workload, nil where
// the run failed.
func (cs *ComparisonSuite) RunComparison(variants []Variant) map[string][]*Result {
	results := make(map[string][]*Result, len(variants))

	for _, v := range variants {
		logger := cs.logger.With(zap.String("variant", v.Name))
		variantResults := make([]*Result, len(cs.configs))

		for i, config := range cs.configs {
			result, err := cs.runOne(v, config, logger)
			if err != nil {
				logger.Error("benchmark failed", zap.String("workload", config.Name), zap.Error(err))
				continue
			}
			variantResults[i] = result
		}
		results[v.Name] = variantResults
	}

	return results
}

func (cs *ComparisonSuite) runOne(v Variant, config Config, logger *zap.Logger) (*Result, error) {
	engine, err := v.Open()
	if err != nil {
		return nil, err
	}
	result, err := NewBenchmark(engine, config, logger).Run()
	if closeErr := engine.Close(); err == nil {
		err = closeErr
	}
	return result, err
}

// PrintResult writes a human-readable report of one run.
func PrintResult(w io.Writer, r *Result) {
	fmt.Fprintf(w, "\nResults for: %s\n", r.Config.Name)
	fmt.Fprintf(w, "  Throughput: %.0f ops/sec\n", r.OpsPerSec)
	fmt.Fprintf(w, "  Total Ops: %d (writes: %d, reads: %d, scans: %d, errors: %d)\n",
		r.TotalOps, r.WriteOps, r.ReadOps, r.ScanOps, r.ErrorOps)

	printLatency(w, "Write", r.WriteOps, r.WriteLatency)
	printLatency(w, "Read", r.ReadOps, r.ReadLatency)
	printLatency(w, "Scan", r.ScanOps, r.ScanLatency)

	fmt.Fprintf(w, "  Amplification:\n")
	fmt.Fprintf(w, "    Write: %.2fx\n", r.WriteAmplification)
	fmt.Fprintf(w, "    Space: %.2fx\n", r.SpaceAmplification)
	fmt.Fprintf(w, "  Disk Usage: %s\n", units.BytesSize(float64(r.EngineStats.TotalDiskSize)))
	fmt.Fprintf(w, "  Commit ts: %d, watermark: %d\n", r.EngineStats.LatestCommitTs, r.EngineStats.Watermark)
}

func printLatency(w io.Writer, name string, ops int64, s LatencyStats) {
	if ops == 0 {
		return
	}
	fmt.Fprintf(w, "  %s Latency:\n", name)
	fmt.Fprintf(w, "    min:  %10s\n", s.Min)
	fmt.Fprintf(w, "    mean: %10s\n", s.Mean)
	fmt.Fprintf(w, "    p50:  %10s\n", s.P50)
	fmt.Fprintf(w, "    p95:  %10s\n", s.P95)
	fmt.Fprintf(w, "    p99:  %10s\n", s.P99)
	fmt.Fprintf(w, "    p999: %10s\n", s.P999)
	fmt.Fprintf(w, "    max:  %10s\n", s.Max)
}

// PrintComparisonTable prints throughput, p99 and amplification tables
// with one column per variant, in the order given.
func (cs *ComparisonSuite) PrintComparisonTable(out io.Writer, variants []string, results map[string][]*Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	table := func(title string, cell func(r *Result) string) {
		fmt.Fprintf(w, "\n=== %s ===\n", title)
		fmt.Fprintf(w, "Workload\t")
		for _, v := range variants {
			fmt.Fprintf(w, "%s\t", v)
		}
		fmt.Fprintln(w)
		for i, config := range cs.configs {
			fmt.Fprintf(w, "%s\t", config.Name)
			for _, v := range variants {
				rs := results[v]
				if i < len(rs) && rs[i] != nil {
					fmt.Fprintf(w, "%s\t", cell(rs[i]))
				} else {
					fmt.Fprintf(w, "N/A\t")
				}
			}
			fmt.Fprintln(w)
		}
		w.Flush()
	}

	table("THROUGHPUT (ops/sec)", func(r *Result) string {
		return fmt.Sprintf("%.0f", r.OpsPerSec)
	})
	table("WRITE P99 LATENCY", func(r *Result) string {
		if r.WriteOps == 0 {
			return "N/A"
		}
		return r.WriteLatency.P99.String()
	})
	table("READ P99 LATENCY", func(r *Result) string {
		if r.ReadOps == 0 {
			return "N/A"
		}
		return r.ReadLatency.P99.String()
	})
	table("WRITE AMPLIFICATION", func(r *Result) string {
		return fmt.Sprintf("%.2fx", r.WriteAmplification)
	})
	table("SPACE AMPLIFICATION", func(r *Result) string {
		return fmt.Sprintf("%.2fx", r.SpaceAmplification)
	})
}
