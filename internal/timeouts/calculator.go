// Package timeouts derives per-request deadlines for upstream inference
// calls from request shape and observed latency history. It is fully
// in-process: no store dependency, and its telemetry hooks are guarded so
// they can never block or panic the caller.
package timeouts

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// minSamplesForConfidence is how many observations a bucket needs before
	// the empirical estimate carries any weight at all.
	minSamplesForConfidence = 10

	// fullConfidenceSamples is where sample count stops adding confidence.
	fullConfidenceSamples = 100

	// referenceTokens is the generation size the baseline table assumes.
	// Larger requests get sub-linearly more time.
	referenceTokens = 1024

	// maxTokenFactor caps how much token count can inflate the baseline.
	maxTokenFactor = 4.0

	// loadHeadroom is the maximum timeout inflation under full system load,
	// modeling queueing delay.
	loadHeadroom = 0.5

	// p95SafetyMargin pads the empirical estimate so a p95-sized response
	// does not race the deadline.
	p95SafetyMargin = 1.5

	minTimeout = 1 * time.Second
	maxTimeout = 5 * time.Minute
)

// Request describes the shape of an outbound inference call.
type Request struct {
	Model           string
	ReasoningEffort string
	TokenCount      int
	SystemLoad      float64 // 0..1 fraction; resolved from the load source when zero
}

// Decision is the computed deadline for one call. It is never persisted.
type Decision struct {
	Timeout    time.Duration
	Confidence float64
	Basis      Request
}

// Observer receives telemetry from the calculator. Implementations are
// dispatched through a guard that catches panics and logs them; an observer
// can never break or delay the request path.
type Observer interface {
	TimeoutComputed(Decision)
	OutcomeRecorded(model, effort string, latency time.Duration, success bool)
}

// Calculator maintains latency buckets per (model, reasoning-effort) and
// blends their history with a static baseline table.
type Calculator struct {
	mu      sync.RWMutex
	buckets map[string]*latencyBucket

	baselines map[string]time.Duration
	loadFn    func() float64
	observers []Observer
	logger    zerolog.Logger
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithLoadSource sets the function consulted for current system load when a
// request does not carry its own.
func WithLoadSource(fn func() float64) Option {
	return func(c *Calculator) { c.loadFn = fn }
}

// WithObserver registers a telemetry observer.
func WithObserver(obs Observer) Option {
	return func(c *Calculator) { c.observers = append(c.observers, obs) }
}

// WithBaseline overrides the baseline timeout for a (model, effort) pair.
func WithBaseline(model, effort string, timeout time.Duration) Option {
	return func(c *Calculator) { c.baselines[baselineKey(model, effort)] = timeout }
}

// NewCalculator creates a new adaptive timeout calculator
func NewCalculator(logger zerolog.Logger, opts ...Option) *Calculator {
	c := &Calculator{
		buckets:   make(map[string]*latencyBucket),
		baselines: defaultBaselines(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// defaultBaselines is the static lookup table by (model, reasoning effort).
// The empty-model rows are the fallback for models without their own entry.
func defaultBaselines() map[string]time.Duration {
	return map[string]time.Duration{
		baselineKey("", ""):       30 * time.Second,
		baselineKey("", "low"):    20 * time.Second,
		baselineKey("", "medium"): 45 * time.Second,
		baselineKey("", "high"):   90 * time.Second,
	}
}

// Compute derives the deadline and confidence for one call. The static
// baseline is scaled by token count (sub-linear) and system load, then
// blended with the bucket's empirical p95 according to confidence: a sparse
// or noisy bucket leaves the baseline dominant, a deep consistent one lets
// the empirical estimate take over.
func (c *Calculator) Compute(req Request) Decision {
	load := req.SystemLoad
	if load == 0 && c.loadFn != nil {
		load = c.loadFn()
	}
	load = clamp01(load)

	base := c.baseline(req.Model, req.ReasoningEffort)
	scaled := float64(base) * tokenFactor(req.TokenCount) * (1 + load*loadHeadroom)

	st := c.bucket(req.Model, req.ReasoningEffort).stats()
	confidence := confidenceFrom(st)

	estimate := scaled
	if confidence > 0 {
		empirical := st.P95Ms * p95SafetyMargin * float64(time.Millisecond)
		estimate = confidence*empirical + (1-confidence)*scaled
	}

	timeout := time.Duration(estimate)
	if timeout < minTimeout {
		timeout = minTimeout
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	decision := Decision{
		Timeout:    timeout,
		Confidence: confidence,
		Basis: Request{
			Model:           req.Model,
			ReasoningEffort: req.ReasoningEffort,
			TokenCount:      req.TokenCount,
			SystemLoad:      load,
		},
	}

	c.notify(func(obs Observer) { obs.TimeoutComputed(decision) })
	return decision
}

// RecordOutcome feeds one observed call back into the bucket. It never
// panics and never blocks the caller's return path: recording failures are
// swallowed and logged.
func (c *Calculator) RecordOutcome(model, effort string, latency time.Duration, success bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("timeout outcome recording panicked")
		}
	}()

	c.bucket(model, effort).record(latency, success)
	c.notify(func(obs Observer) { obs.OutcomeRecorded(model, effort, latency, success) })
}

// HealthMetrics summarizes the calculator for observability. Raw samples are
// never exposed, and the read path takes only read locks.
func (c *Calculator) HealthMetrics() HealthMetrics {
	var load float64
	if c.loadFn != nil {
		load = clamp01(c.loadFn())
	}

	c.mu.RLock()
	keys := make([]string, 0, len(c.buckets))
	bs := make([]*latencyBucket, 0, len(c.buckets))
	for k, b := range c.buckets {
		keys = append(keys, k)
		bs = append(bs, b)
	}
	c.mu.RUnlock()

	metrics := HealthMetrics{
		SystemLoad: load,
		Buckets:    make(map[string]BucketSummary, len(keys)),
	}
	for i, k := range keys {
		st := bs[i].stats()
		metrics.Buckets[k] = BucketSummary{
			Samples:    st.Samples,
			Successes:  st.Successes,
			Failures:   st.Failures,
			MeanMs:     st.MeanMs,
			P95Ms:      st.P95Ms,
			Confidence: confidenceFrom(st),
		}
	}
	return metrics
}

// HealthMetrics is the observability view of the calculator.
type HealthMetrics struct {
	SystemLoad float64                  `json:"system_load"`
	Buckets    map[string]BucketSummary `json:"buckets"`
}

func (c *Calculator) bucket(model, effort string) *latencyBucket {
	key := baselineKey(model, effort)

	c.mu.RLock()
	b, ok := c.buckets[key]
	c.mu.RUnlock()
	if ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok = c.buckets[key]; ok {
		return b
	}
	b = newLatencyBucket()
	c.buckets[key] = b
	return b
}

func (c *Calculator) baseline(model, effort string) time.Duration {
	if d, ok := c.baselines[baselineKey(model, effort)]; ok {
		return d
	}
	if d, ok := c.baselines[baselineKey("", effort)]; ok {
		return d
	}
	return c.baselines[baselineKey("", "")]
}

// notify dispatches to every observer behind a panic guard. A broken
// observer is logged and skipped, never propagated.
func (c *Calculator) notify(fn func(Observer)) {
	for _, obs := range c.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error().Interface("panic", r).Msg("timeout observer panicked")
				}
			}()
			fn(obs)
		}()
	}
}

// confidenceFrom scores how much the empirical estimate should be trusted:
// nothing below the minimum sample count, then growing with depth and
// shrinking with variance.
func confidenceFrom(st bucketStats) float64 {
	if st.Samples < minSamplesForConfidence {
		return 0
	}
	depth := float64(st.Samples) / fullConfidenceSamples
	if depth > 1 {
		depth = 1
	}
	confidence := depth / (1 + st.VariationCoeff)
	return clamp01(confidence)
}

// tokenFactor scales the baseline sub-linearly with expected generation
// size: sqrt of the ratio over the reference count, capped.
func tokenFactor(tokenCount int) float64 {
	if tokenCount <= referenceTokens {
		return 1
	}
	factor := math.Sqrt(float64(tokenCount) / referenceTokens)
	if factor > maxTokenFactor {
		return maxTokenFactor
	}
	return factor
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func baselineKey(model, effort string) string {
	return model + "|" + effort
}
