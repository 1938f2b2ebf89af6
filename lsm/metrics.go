package lsm

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "mvcc_lsm"

// engineMetrics holds the collectors of one engine. They are only exported
// when Config.Registerer is set.
type engineMetrics struct {
	opCounter          *prometheus.CounterVec
	txnCounter         *prometheus.CounterVec
	flushDuration      prometheus.Histogram
	compactionDuration prometheus.Histogram
	bytesWritten       *prometheus.CounterVec
	tablesGauge        *prometheus.GaugeVec
	memtableGauge      *prometheus.GaugeVec
	tsGauge            *prometheus.GaugeVec
}

func newEngineMetrics() *engineMetrics {
	return &engineMetrics{
		opCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "engine",
				Name:      "ops_total",
				Help:      "Counter of user operations.",
			}, []string{"type"}),

		txnCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "txn",
				Name:      "commits_total",
				Help:      "Counter of transaction commits by result.",
			}, []string{"result"}),

		flushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "flush",
				Name:      "duration_seconds",
				Help:      "Bucketed histogram of memtable flush time.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
			}),

		compactionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "compaction",
				Name:      "duration_seconds",
				Help:      "Bucketed histogram of compaction time.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
			}),

		bytesWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "disk",
				Name:      "written_bytes_total",
				Help:      "Bytes written to table files.",
			}, []string{"source"}),

		tablesGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "levels",
				Name:      "tables",
				Help:      "Number of tables per level.",
			}, []string{"level"}),

		memtableGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "memtable",
				Name:      "count",
				Help:      "Number of memtables by kind.",
			}, []string{"type"}),

		tsGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "mvcc",
				Name:      "ts",
				Help:      "Record of timestamp metadata.",
			}, []string{"type"}),
	}
}

func (m *engineMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.opCounter, m.txnCounter, m.flushDuration, m.compactionDuration,
		m.bytesWritten, m.tablesGauge, m.memtableGauge, m.tsGauge,
	}
}

func (m *engineMetrics) register(r prometheus.Registerer) error {
	if r == nil {
		return nil
	}
	for _, c := range m.collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *engineMetrics) unregister(r prometheus.Registerer) {
	if r == nil {
		return
	}
	for _, c := range m.collectors() {
		r.Unregister(c)
	}
}

// observeState refreshes the gauges that describe state.
func (m *engineMetrics) observeState(state *storageState) {
	m.tablesGauge.WithLabelValues("0").Set(float64(len(state.l0)))
	for i, ids := range state.levels {
		m.tablesGauge.WithLabelValues(strconv.Itoa(i + 1)).Set(float64(len(ids)))
	}
	m.memtableGauge.WithLabelValues("immutable").Set(float64(len(state.immMemtables)))
}
