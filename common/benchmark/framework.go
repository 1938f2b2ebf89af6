package benchmark

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/intellect4all/mvcc-lsm/common"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

// WorkloadType defines the access pattern
type WorkloadType string

const (
	WorkloadWriteHeavy WorkloadType = "write-heavy" // 95% writes
	WorkloadReadHeavy  WorkloadType = "read-heavy"  // 95% reads
	WorkloadBalanced   WorkloadType = "balanced"    // 50/50
	WorkloadReadOnly   WorkloadType = "read-only"   // 100% reads
	WorkloadWriteOnly  WorkloadType = "write-only"  // 100% writes
	WorkloadScanHeavy  WorkloadType = "scan-heavy"  // 80% short scans, 20% writes
)

// Config defines a benchmark scenario
type Config struct {
	Name string

	WorkloadType    WorkloadType
	KeyDistribution KeyDistribution

	NumKeys   int // Total unique keys in dataset
	KeySize   int // Bytes
	ValueSize int // Bytes
	ScanLen   int // Entries read per scan

	Duration    time.Duration // How long to run
	Warmup      time.Duration // Unmeasured run before Duration
	Concurrency int           // Number of concurrent workers

	PreloadKeys int // Keys to load before benchmark starts

	Seed uint64
}

type Result struct {
	Config Config

	// Throughput
	TotalOps  int64
	WriteOps  int64
	ReadOps   int64
	ScanOps   int64
	ErrorOps  int64
	Duration  time.Duration
	OpsPerSec float64

	WriteLatency LatencyStats
	ReadLatency  LatencyStats
	ScanLatency  LatencyStats

	WriteAmplification float64
	SpaceAmplification float64

	TotalDiskMB float64

	EngineStats common.Stats
}

type Benchmark struct {
	engine common.StorageEngine
	config Config
	logger *zap.Logger

	writeLatencies *LatencyHistogram
	readLatencies  *LatencyHistogram
	scanLatencies  *LatencyHistogram

	writeCount atomic.Int64
	readCount  atomic.Int64
	scanCount  atomic.Int64
	errorCount atomic.Int64

	keyGen *KeyGenerator
}

func NewBenchmark(engine common.StorageEngine, config Config, logger *zap.Logger) *Benchmark {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.ScanLen <= 0 {
		config.ScanLen = 100
	}
	return &Benchmark{
		engine:         engine,
		config:         config,
		logger:         logger.With(zap.String("workload", config.Name)),
		writeLatencies: NewLatencyHistogram(),
		readLatencies:  NewLatencyHistogram(),
		scanLatencies:  NewLatencyHistogram(),
		keyGen:         NewKeyGenerator(config.NumKeys, config.KeySize, config.KeyDistribution, config.Seed),
	}
}

// Run executes the benchmark
func (b *Benchmark) Run() (*Result, error) {
	if b.config.PreloadKeys > 0 {
		b.logger.Info("preloading", zap.Int("keys", b.config.PreloadKeys))
		if err := b.preload(); err != nil {
			return nil, errors.Annotate(err, "preload failed")
		}
	}

	if b.config.Warmup > 0 {
		b.logger.Info("warming up", zap.Duration("duration", b.config.Warmup))
		b.runWorkload(b.config.Warmup)
		b.reset()
	}

	b.logger.Info("running", zap.Duration("duration", b.config.Duration), zap.Int("workers", b.config.Concurrency))
	start := time.Now()
	b.runWorkload(b.config.Duration)
	duration := time.Since(start)

	return b.calculateResults(duration, b.engine.Stats()), nil
}

func (b *Benchmark) reset() {
	b.writeLatencies = NewLatencyHistogram()
	b.readLatencies = NewLatencyHistogram()
	b.scanLatencies = NewLatencyHistogram()
	b.writeCount.Store(0)
	b.readCount.Store(0)
	b.scanCount.Store(0)
	b.errorCount.Store(0)
}

// preload fills the database with initial data
func (b *Benchmark) preload() error {
	value := b.keyGen.Value(b.config.ValueSize)
	for i := 0; i < b.config.PreloadKeys; i++ {
		if err := b.engine.Put(b.keyGen.GenerateSequential(i), value); err != nil {
			return err
		}
		if i > 0 && i%100000 == 0 {
			b.logger.Debug("preload progress", zap.Int("loaded", i))
		}
	}
	return b.engine.Sync()
}

// runWorkload executes the workload for the given duration
func (b *Benchmark) runWorkload(duration time.Duration) {
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < b.config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			b.worker(workerID, stop)
		}(i)
	}

	time.Sleep(duration)
	close(stop)
	wg.Wait()
}

// worker performs operations until stopped
func (b *Benchmark) worker(id int, stop <-chan struct{}) {
	rng := rand.New(rand.NewPCG(b.config.Seed, uint64(id)))
	value := b.keyGen.Value(b.config.ValueSize)

	for {
		select {
		case <-stop:
			return
		default:
		}
		p := rng.Float64()
		switch b.config.WorkloadType {
		case WorkloadWriteOnly:
			b.doWrite(value)
		case WorkloadReadOnly:
			b.doRead()
		case WorkloadWriteHeavy:
			b.pick(p < 0.95, value)
		case WorkloadReadHeavy:
			b.pick(p < 0.05, value)
		case WorkloadScanHeavy:
			if p < 0.20 {
				b.doWrite(value)
			} else {
				b.doScan()
			}
		default:
			b.pick(p < 0.50, value)
		}
	}
}

func (b *Benchmark) pick(write bool, value []byte) {
	if write {
		b.doWrite(value)
	} else {
		b.doRead()
	}
}

func (b *Benchmark) doWrite(value []byte) {
	key := b.keyGen.NextKey()

	start := time.Now()
	err := b.engine.Put(key, value)
	latency := time.Since(start)

	if err != nil {
		b.errorCount.Add(1)
		return
	}
	b.writeLatencies.Record(latency)
	b.writeCount.Add(1)
}

func (b *Benchmark) doRead() {
	key := b.keyGen.NextKey()

	start := time.Now()
	_, err := b.engine.Get(key)
	latency := time.Since(start)

	if err != nil && errors.Cause(err) != common.ErrKeyNotFound {
		b.errorCount.Add(1)
		return
	}
	b.readLatencies.Record(latency)
	b.readCount.Add(1)
}

func (b *Benchmark) doScan() {
	key := b.keyGen.NextKey()

	start := time.Now()
	it, err := b.engine.Scan(key, nil)
	if err != nil {
		b.errorCount.Add(1)
		return
	}
	n := 0
	for n < b.config.ScanLen && it.Next() {
		n++
	}
	err = it.Error()
	it.Close()
	latency := time.Since(start)

	if err != nil {
		b.errorCount.Add(1)
		return
	}
	b.scanLatencies.Record(latency)
	b.scanCount.Add(1)
}

func (b *Benchmark) calculateResults(duration time.Duration, endStats common.Stats) *Result {
	writeOps := b.writeCount.Load()
	readOps := b.readCount.Load()
	scanOps := b.scanCount.Load()
	totalOps := writeOps + readOps + scanOps

	return &Result{
		Config:    b.config,
		TotalOps:  totalOps,
		WriteOps:  writeOps,
		ReadOps:   readOps,
		ScanOps:   scanOps,
		ErrorOps:  b.errorCount.Load(),
		Duration:  duration,
		OpsPerSec: float64(totalOps) / duration.Seconds(),

		WriteLatency: b.writeLatencies.Stats(),
		ReadLatency:  b.readLatencies.Stats(),
		ScanLatency:  b.scanLatencies.Stats(),

		WriteAmplification: endStats.WriteAmp,
		SpaceAmplification: endStats.SpaceAmp,

		TotalDiskMB: float64(endStats.TotalDiskSize) / (1 << 20),
		EngineStats: endStats,
	}
}
