package metrics

import "time"

// FailureKind classifies why a request did not succeed.
type FailureKind string

const (
	// FailureNone marks a successful request.
	FailureNone FailureKind = ""

	// FailureTransport means no response was obtained (connection refused, DNS, reset).
	FailureTransport FailureKind = "transport"

	// FailureTimeout means the request was cut off by a timeout or run cancellation.
	FailureTimeout FailureKind = "timeout"

	// FailureCheck means a response arrived but did not satisfy a check.
	FailureCheck FailureKind = "check"
)

// Outcome is the immutable record of one executed request.
//
// Status is 0 when no response was received.
type Outcome struct {
	Name      string        `json:"name"`
	Status    int           `json:"status"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
	Bytes     int64         `json:"bytes"`
	Failure   FailureKind   `json:"failure,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// Succeeded reports whether the outcome carries no failure marker.
func (o Outcome) Succeeded() bool {
	return o.Failure == FailureNone
}

// Phase represents a phase of the injection profile.
type Phase string

const (
	// PhaseInit is the phase before the first user is spawned
	PhaseInit Phase = "init"

	// PhaseRampUp is a segment whose arrival rate increases
	PhaseRampUp Phase = "ramp-up"

	// PhaseSteady is a segment at a constant arrival rate
	PhaseSteady Phase = "steady"

	// PhaseRampDown is a segment whose arrival rate decreases
	PhaseRampDown Phase = "ramp-down"

	// PhaseDraining is after the last spawn while users are still running
	PhaseDraining Phase = "draining"

	// PhaseDone indicates every user has terminated
	PhaseDone Phase = "done"
)

// PhaseChange records when a phase transition occurred.
type PhaseChange struct {
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
	Requests  int64     `json:"requests"`
}

// Snapshot is a consistent point-in-time view of the aggregated metrics.
type Snapshot struct {
	TotalRequests   int64 `json:"totalRequests" yaml:"totalRequests"`
	SuccessRequests int64 `json:"successRequests" yaml:"successRequests"`
	FailedRequests  int64 `json:"failedRequests" yaml:"failedRequests"`
	TotalBytes      int64 `json:"totalBytes" yaml:"totalBytes"`

	// SuccessPercent is 0 when no request was recorded
	SuccessPercent float64 `json:"successPercent" yaml:"successPercent"`

	Latency LatencyStats `json:"latency" yaml:"latency"`

	// Failures counts failed requests by kind
	Failures map[FailureKind]int64 `json:"failures,omitempty" yaml:"failures,omitempty"`

	// StatusCodes counts responses by HTTP status (0 = no response)
	StatusCodes map[int]int64 `json:"statusCodes,omitempty" yaml:"statusCodes,omitempty"`

	// Requests breaks statistics down by request name
	Requests map[string]RequestStats `json:"requests,omitempty" yaml:"requests,omitempty"`

	// FirstRequest and LastRequest bound the recorded timestamps
	FirstRequest time.Time `json:"firstRequest" yaml:"firstRequest"`
	LastRequest  time.Time `json:"lastRequest" yaml:"lastRequest"`

	// RPS is TotalRequests over the FirstRequest..LastRequest window
	RPS float64 `json:"rps" yaml:"rps"`
}

// FailedPercent is the complement of SuccessPercent for non-empty snapshots.
func (s *Snapshot) FailedPercent() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return 100 - s.SuccessPercent
}

// LatencyStats contains latency statistics.
type LatencyStats struct {
	Min    time.Duration `json:"min" yaml:"min"`
	Max    time.Duration `json:"max" yaml:"max"`
	Mean   time.Duration `json:"mean" yaml:"mean"`
	StdDev time.Duration `json:"stdDev" yaml:"stdDev"`
	P50    time.Duration `json:"p50" yaml:"p50"`
	P75    time.Duration `json:"p75" yaml:"p75"`
	P95    time.Duration `json:"p95" yaml:"p95"`
	P99    time.Duration `json:"p99" yaml:"p99"`
	Count  int64         `json:"count" yaml:"count"`
}

// RequestStats contains statistics for a specific request name.
type RequestStats struct {
	Name            string       `json:"name" yaml:"name"`
	TotalRequests   int64        `json:"totalRequests" yaml:"totalRequests"`
	SuccessRequests int64        `json:"successRequests" yaml:"successRequests"`
	Latency         LatencyStats `json:"latency" yaml:"latency"`
}

// TimeBucket aggregates the requests whose timestamp falls in one interval.
type TimeBucket struct {
	// Offset of the bucket start from the aggregator start
	Offset      time.Duration `json:"offset" yaml:"offset"`
	Requests    int64         `json:"requests" yaml:"requests"`
	Successes   int64         `json:"successes" yaml:"successes"`
	Failures    int64         `json:"failures" yaml:"failures"`
	MeanLatency time.Duration `json:"meanLatency" yaml:"meanLatency"`
}
