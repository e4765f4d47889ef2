// Package metrics aggregates request outcomes into run statistics.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Aggregator folds request outcomes into running statistics.
//
// Every Record call is a single mutation under one mutex, so a Snapshot never
// observes a partially applied outcome. Only counters, sums, extrema and
// fixed-size HDR histograms are kept; individual outcomes are not retained.
//
// Mean and max are exact (integer sum and running maximum) and therefore
// independent of the order outcomes arrive in. Percentiles come from HDR
// histograms and are likewise order independent.
type Aggregator struct {
	mu sync.Mutex

	total      int64
	success    int64
	bytes      int64
	latencySum time.Duration
	latencyMin time.Duration
	latencyMax time.Duration
	hist       *hdrhistogram.Histogram

	failures map[FailureKind]int64
	statuses map[int]int64
	requests map[string]*requestAgg
	buckets  map[int64]*bucketAgg

	first time.Time
	last  time.Time

	phase        Phase
	phaseHistory []PhaseChange

	start  time.Time
	config Config
}

// Config contains configuration for the aggregator.
type Config struct {
	// BucketInterval is the width of time-series buckets (default: 1s)
	BucketInterval time.Duration

	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BucketInterval:   time.Second,
		HistogramMin:     1,
		HistogramMax:     3600000000, // 1 hour in microseconds
		HistogramSigFigs: 3,
	}
}

type requestAgg struct {
	total      int64
	success    int64
	latencySum time.Duration
	latencyMin time.Duration
	latencyMax time.Duration
	hist       *hdrhistogram.Histogram
}

type bucketAgg struct {
	requests   int64
	successes  int64
	latencySum time.Duration
}

// NewAggregator creates an aggregator with the default configuration.
// Time buckets are measured from start.
func NewAggregator(start time.Time) *Aggregator {
	return NewAggregatorWithConfig(start, DefaultConfig())
}

// NewAggregatorWithConfig creates an aggregator with a custom configuration.
func NewAggregatorWithConfig(start time.Time, config Config) *Aggregator {
	def := DefaultConfig()
	if config.BucketInterval <= 0 {
		config.BucketInterval = def.BucketInterval
	}
	if config.HistogramMin <= 0 {
		config.HistogramMin = def.HistogramMin
	}
	if config.HistogramMax <= config.HistogramMin {
		config.HistogramMax = def.HistogramMax
	}
	if config.HistogramSigFigs <= 0 {
		config.HistogramSigFigs = def.HistogramSigFigs
	}

	return &Aggregator{
		hist:         config.newHistogram(),
		failures:     make(map[FailureKind]int64),
		statuses:     make(map[int]int64),
		requests:     make(map[string]*requestAgg),
		buckets:      make(map[int64]*bucketAgg),
		phase:        PhaseInit,
		phaseHistory: make([]PhaseChange, 0),
		start:        start,
		config:       config,
	}
}

func (c Config) newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(c.HistogramMin, c.HistogramMax, c.HistogramSigFigs)
}

// Record folds one outcome into the statistics.
func (a *Aggregator) Record(o Outcome) {
	latency := o.Latency
	if latency < 0 {
		latency = 0
	}
	micros := a.clamp(latency.Microseconds())
	ok := o.Succeeded()

	a.mu.Lock()
	defer a.mu.Unlock()

	first := a.total == 0
	a.total++
	a.bytes += o.Bytes
	if ok {
		a.success++
	} else {
		a.failures[o.Failure]++
	}
	a.statuses[o.Status]++

	a.latencySum += latency
	if first || latency < a.latencyMin {
		a.latencyMin = latency
	}
	if latency > a.latencyMax {
		a.latencyMax = latency
	}
	_ = a.hist.RecordValue(micros)

	if first || o.Timestamp.Before(a.first) {
		a.first = o.Timestamp
	}
	if first || o.Timestamp.After(a.last) {
		a.last = o.Timestamp
	}

	a.recordRequest(o.Name, latency, micros, ok)
	a.recordBucket(o.Timestamp, latency, ok)
}

func (a *Aggregator) clamp(micros int64) int64 {
	if micros < a.config.HistogramMin {
		return a.config.HistogramMin
	}
	if micros > a.config.HistogramMax {
		return a.config.HistogramMax
	}
	return micros
}

func (a *Aggregator) recordRequest(name string, latency time.Duration, micros int64, ok bool) {
	if name == "" {
		return
	}
	r, exists := a.requests[name]
	if !exists {
		r = &requestAgg{hist: a.config.newHistogram(), latencyMin: latency}
		a.requests[name] = r
	}
	r.total++
	if ok {
		r.success++
	}
	r.latencySum += latency
	if latency < r.latencyMin {
		r.latencyMin = latency
	}
	if latency > r.latencyMax {
		r.latencyMax = latency
	}
	_ = r.hist.RecordValue(micros)
}

func (a *Aggregator) recordBucket(ts time.Time, latency time.Duration, ok bool) {
	offset := ts.Sub(a.start)
	idx := int64(offset / a.config.BucketInterval)
	if offset < 0 && offset%a.config.BucketInterval != 0 {
		idx--
	}
	b, exists := a.buckets[idx]
	if !exists {
		b = &bucketAgg{}
		a.buckets[idx] = b
	}
	b.requests++
	if ok {
		b.successes++
	}
	b.latencySum += latency
}

// Snapshot returns a consistent copy of the aggregated statistics.
func (a *Aggregator) Snapshot() *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := &Snapshot{
		TotalRequests:   a.total,
		SuccessRequests: a.success,
		FailedRequests:  a.total - a.success,
		TotalBytes:      a.bytes,
		Latency:         latencyStats(a.hist, a.total, a.latencySum, a.latencyMin, a.latencyMax),
		Failures:        make(map[FailureKind]int64, len(a.failures)),
		StatusCodes:     make(map[int]int64, len(a.statuses)),
		Requests:        make(map[string]RequestStats, len(a.requests)),
		FirstRequest:    a.first,
		LastRequest:     a.last,
	}

	if a.total > 0 {
		snap.SuccessPercent = float64(a.success) * 100 / float64(a.total)
	}
	if window := a.last.Sub(a.first).Seconds(); window > 0 {
		snap.RPS = float64(a.total) / window
	}

	for k, v := range a.failures {
		snap.Failures[k] = v
	}
	for k, v := range a.statuses {
		snap.StatusCodes[k] = v
	}
	for name, r := range a.requests {
		snap.Requests[name] = RequestStats{
			Name:            name,
			TotalRequests:   r.total,
			SuccessRequests: r.success,
			Latency:         latencyStats(r.hist, r.total, r.latencySum, r.latencyMin, r.latencyMax),
		}
	}

	return snap
}

func latencyStats(h *hdrhistogram.Histogram, count int64, sum, min, max time.Duration) LatencyStats {
	if count == 0 {
		return LatencyStats{}
	}
	micro := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	return LatencyStats{
		Min:    min,
		Max:    max,
		Mean:   sum / time.Duration(count),
		StdDev: time.Duration(h.StdDev() * float64(time.Microsecond)),
		P50:    micro(h.ValueAtQuantile(50)),
		P75:    micro(h.ValueAtQuantile(75)),
		P95:    micro(h.ValueAtQuantile(95)),
		P99:    micro(h.ValueAtQuantile(99)),
		Count:  count,
	}
}

// TimeSeries returns the non-empty time buckets in chronological order.
func (a *Aggregator) TimeSeries() []TimeBucket {
	a.mu.Lock()
	defer a.mu.Unlock()

	idxs := make([]int64, 0, len(a.buckets))
	for idx := range a.buckets {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	out := make([]TimeBucket, 0, len(idxs))
	for _, idx := range idxs {
		b := a.buckets[idx]
		out = append(out, TimeBucket{
			Offset:      time.Duration(idx) * a.config.BucketInterval,
			Requests:    b.requests,
			Successes:   b.successes,
			Failures:    b.requests - b.successes,
			MeanLatency: b.latencySum / time.Duration(b.requests),
		})
	}
	return out
}

// SetPhase updates the current phase; repeated phases are ignored.
func (a *Aggregator) SetPhase(phase Phase, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.phase == phase {
		return
	}
	a.phase = phase
	a.phaseHistory = append(a.phaseHistory, PhaseChange{
		Phase:     phase,
		Timestamp: at,
		Requests:  a.total,
	})
}

// Phase returns the current phase.
func (a *Aggregator) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// PhaseHistory returns the history of phase changes.
func (a *Aggregator) PhaseHistory() []PhaseChange {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]PhaseChange, len(a.phaseHistory))
	copy(result, a.phaseHistory)
	return result
}
