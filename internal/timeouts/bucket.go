package timeouts

import (
	"math"
	"sort"
	"sync"
	"time"
)

// maxBucketSamples bounds the rolling sample per (model, effort) bucket.
// Old samples are evicted FIFO, so bucket memory never grows unbounded.
const maxBucketSamples = 512

// latencyBucket holds the observed latency history for one (model,
// reasoning-effort) pair. Buckets are created lazily on first observation and
// never destroyed.
type latencyBucket struct {
	mu sync.RWMutex

	samples []float64 // latency in milliseconds, ring over next
	next    int
	full    bool

	successes int64
	failures  int64
}

func newLatencyBucket() *latencyBucket {
	return &latencyBucket{
		samples: make([]float64, 0, maxBucketSamples),
	}
}

// record adds one observation. Only successful calls contribute a latency
// sample; failures are tallied but must not drag the estimate toward the
// failure timeout.
func (b *latencyBucket) record(latency time.Duration, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !success {
		b.failures++
		return
	}
	b.successes++

	ms := float64(latency.Milliseconds())
	if len(b.samples) < maxBucketSamples {
		b.samples = append(b.samples, ms)
		return
	}
	b.samples[b.next] = ms
	b.next = (b.next + 1) % maxBucketSamples
	b.full = true
}

// stats returns sample count, mean, coefficient of variation, and the p95
// latency in milliseconds. The read path takes only the read lock so it never
// blocks concurrent writers for long.
func (b *latencyBucket) stats() bucketStats {
	b.mu.RLock()
	n := len(b.samples)
	snapshot := make([]float64, n)
	copy(snapshot, b.samples)
	successes, failures := b.successes, b.failures
	b.mu.RUnlock()

	st := bucketStats{
		Samples:   n,
		Successes: successes,
		Failures:  failures,
	}
	if n == 0 {
		return st
	}

	var sum float64
	for _, v := range snapshot {
		sum += v
	}
	st.MeanMs = sum / float64(n)

	var sq float64
	for _, v := range snapshot {
		d := v - st.MeanMs
		sq += d * d
	}
	stddev := math.Sqrt(sq / float64(n))
	if st.MeanMs > 0 {
		st.VariationCoeff = stddev / st.MeanMs
	}

	sort.Float64s(snapshot)
	idx := int(math.Ceil(0.95*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	st.P95Ms = snapshot[idx]

	return st
}

type bucketStats struct {
	Samples        int
	Successes      int64
	Failures       int64
	MeanMs         float64
	P95Ms          float64
	VariationCoeff float64
}

// BucketSummary is the per-bucket view exposed by HealthMetrics. It carries
// aggregates only, never raw samples.
type BucketSummary struct {
	Samples    int     `json:"samples"`
	Successes  int64   `json:"successes"`
	Failures   int64   `json:"failures"`
	MeanMs     float64 `json:"mean_ms"`
	P95Ms      float64 `json:"p95_ms"`
	Confidence float64 `json:"confidence"`
}
