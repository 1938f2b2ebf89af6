package benchmark

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// LatencyHistogram collects raw latency samples in microseconds.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples stats.Float64Data
}

type LatencyStats struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	P999  time.Duration
}

func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{
		samples: make(stats.Float64Data, 0, 1<<16),
	}
}

func (h *LatencyHistogram) Record(d time.Duration) {
	h.mu.Lock()
	h.samples = append(h.samples, float64(d)/float64(time.Microsecond))
	h.mu.Unlock()
}

func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	data := make(stats.Float64Data, len(h.samples))
	copy(data, h.samples)
	h.mu.Unlock()

	if data.Len() == 0 {
		return LatencyStats{}
	}
	us := func(v float64, err error) time.Duration {
		if err != nil {
			return 0
		}
		return time.Duration(v * float64(time.Microsecond))
	}
	return LatencyStats{
		Count: data.Len(),
		Min:   us(data.Min()),
		Max:   us(data.Max()),
		Mean:  us(data.Mean()),
		P50:   us(data.Percentile(50)),
		P95:   us(data.Percentile(95)),
		P99:   us(data.Percentile(99)),
		P999:  us(data.Percentile(99.9)),
	}
}
