// Package assertion evaluates global pass/fail rules against a metrics snapshot.
package assertion

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wesleyorama2/apptload/internal/config"
	"github.com/wesleyorama2/apptload/internal/performance/metrics"
)

// ErrAssertionFailed is returned when at least one rule is violated.
var ErrAssertionFailed = errors.New("assertion failed")

// Metric names a global statistic.
type Metric string

// Latency metrics are compared in milliseconds.
const (
	MetricMin    Metric = "min"    // fastest response
	MetricMax    Metric = "max"    // slowest response
	MetricMean   Metric = "mean"   // mean response time
	MetricStdDev Metric = "stddev" // response time standard deviation
	MetricP50    Metric = "p50"    // 50th percentile response time
	MetricP75    Metric = "p75"    // 75th percentile response time
	MetricP95    Metric = "p95"    // 95th percentile response time
	MetricP99    Metric = "p99"    // 99th percentile response time

	MetricSuccessPercent Metric = "successPercent" // share of successful requests, 0-100
	MetricFailedPercent  Metric = "failedPercent"  // share of failed requests, 0-100
	MetricCount          Metric = "count"          // total requests recorded
	MetricRPS            Metric = "rps"            // requests per second over the run
)

// aliases maps accepted spellings onto metrics.
var aliases = map[string]Metric{
	"min":            MetricMin,
	"max":            MetricMax,
	"mean":           MetricMean,
	"avg":            MetricMean,
	"stddev":         MetricStdDev,
	"p50":            MetricP50,
	"med":            MetricP50,
	"p75":            MetricP75,
	"p95":            MetricP95,
	"p99":            MetricP99,
	"successpercent": MetricSuccessPercent,
	"failedpercent":  MetricFailedPercent,
	"count":          MetricCount,
	"rps":            MetricRPS,
	"rate":           MetricRPS,
}

// IsLatency reports whether the metric is a response time, measured in milliseconds.
func (m Metric) IsLatency() bool {
	switch m {
	case MetricMin, MetricMax, MetricMean, MetricStdDev, MetricP50, MetricP75, MetricP95, MetricP99:
		return true
	}
	return false
}

// Op is a comparison operator.
type Op string

const (
	OpLess         Op = "<"
	OpLessEqual    Op = "<="
	OpGreater      Op = ">"
	OpGreaterEqual Op = ">="
	OpEqual        Op = "=="
	OpNotEqual     Op = "!="
)

// Rule is a predicate over one global metric.
//
// Latency thresholds are in milliseconds, percentages in 0..100.
type Rule struct {
	Metric    Metric  `json:"metric" yaml:"metric"`
	Op        Op      `json:"op" yaml:"op"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

// MeanBelow passes when the mean response time is strictly below d.
func MeanBelow(d time.Duration) Rule {
	return Rule{Metric: MetricMean, Op: OpLess, Threshold: millis(d)}
}

// MaxBelow passes when the maximum response time is strictly below d.
func MaxBelow(d time.Duration) Rule {
	return Rule{Metric: MetricMax, Op: OpLess, Threshold: millis(d)}
}

// SuccessPercentAbove passes when more than pct percent of requests succeeded.
func SuccessPercentAbove(pct float64) Rule {
	return Rule{Metric: MetricSuccessPercent, Op: OpGreater, Threshold: pct}
}

func (r Rule) String() string {
	if r.Metric.IsLatency() {
		return fmt.Sprintf("%s %s %sms", r.Metric, r.Op, formatFloat(r.Threshold))
	}
	return fmt.Sprintf("%s %s %s", r.Metric, r.Op, formatFloat(r.Threshold))
}

// Validate checks the rule is well formed.
func (r Rule) Validate() error {
	if _, ok := aliases[strings.ToLower(string(r.Metric))]; !ok {
		return &config.ValidationError{Field: "assertion.metric", Message: fmt.Sprintf("unknown metric %q", r.Metric)}
	}
	switch r.Op {
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpEqual, OpNotEqual:
	default:
		return &config.ValidationError{Field: "assertion.op", Message: fmt.Sprintf("unknown operator %q", r.Op)}
	}
	if math.IsNaN(r.Threshold) {
		return &config.ValidationError{Field: "assertion.threshold", Message: "threshold is not a number"}
	}
	return nil
}

var expression = regexp.MustCompile(`^(\w+)\s*([<>=!]+)\s*(.+)$`)

// Parse reads an expression like "mean < 2000ms", "p95 <= 1.5s" or
// "successPercent > 95". Latency thresholds without a unit are milliseconds.
func Parse(expr string) (Rule, error) {
	matches := expression.FindStringSubmatch(strings.TrimSpace(expr))
	if len(matches) != 4 {
		return Rule{}, &config.ValidationError{Field: "assertion", Message: fmt.Sprintf("invalid expression %q", expr)}
	}

	metric, ok := aliases[strings.ToLower(matches[1])]
	if !ok {
		return Rule{}, &config.ValidationError{Field: "assertion", Message: fmt.Sprintf("unknown metric %q in %q", matches[1], expr)}
	}

	op := Op(matches[2])
	switch op {
	case "=":
		op = OpEqual
	case "<>":
		op = OpNotEqual
	}

	value := strings.TrimSpace(matches[3])
	var threshold float64
	if metric.IsLatency() {
		if d, err := time.ParseDuration(value); err == nil {
			threshold = millis(d)
		} else if f, ferr := strconv.ParseFloat(value, 64); ferr == nil {
			threshold = f
		} else {
			return Rule{}, &config.ValidationError{Field: "assertion", Message: fmt.Sprintf("invalid duration %q in %q", value, expr)}
		}
	} else {
		f, err := strconv.ParseFloat(strings.TrimSuffix(value, "%"), 64)
		if err != nil {
			return Rule{}, &config.ValidationError{Field: "assertion", Message: fmt.Sprintf("invalid number %q in %q", value, expr)}
		}
		threshold = f
	}

	rule := Rule{Metric: metric, Op: op, Threshold: threshold}
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// ParseAll parses every expression, collecting all errors.
func ParseAll(exprs []string) ([]Rule, error) {
	errs := &config.ValidationErrors{}
	rules := make([]Rule, 0, len(exprs))
	for i, expr := range exprs {
		r, err := Parse(expr)
		if err != nil {
			errs.Add(fmt.Sprintf("assertions[%d]", i), err.Error())
			continue
		}
		rules = append(rules, r)
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

// Result is the evaluation of one rule.
type Result struct {
	Rule     Rule    `json:"rule" yaml:"rule"`
	Passed   bool    `json:"passed" yaml:"passed"`
	Observed float64 `json:"observed" yaml:"observed"`
}

func (r Result) String() string {
	status := "OK"
	if !r.Passed {
		status = "KO"
	}
	unit := ""
	if r.Rule.Metric.IsLatency() {
		unit = "ms"
	}
	return fmt.Sprintf("%s: %s (actual %s%s)", status, r.Rule, formatFloat(r.Observed), unit)
}

// Verdict is the outcome of evaluating a rule set.
type Verdict struct {
	Passed     bool     `json:"passed" yaml:"passed"`
	Results    []Result `json:"results" yaml:"results"`
	Violations []Result `json:"violations,omitempty" yaml:"violations,omitempty"`
}

// Err returns nil for a passing verdict, otherwise an error wrapping
// ErrAssertionFailed that lists every violation.
func (v Verdict) Err() error {
	if v.Passed {
		return nil
	}
	parts := make([]string, len(v.Violations))
	for i, r := range v.Violations {
		parts[i] = r.String()
	}
	return fmt.Errorf("%w: %s", ErrAssertionFailed, strings.Join(parts, "; "))
}

// Evaluate checks every rule against snap. It is pure: the same inputs always
// produce the same verdict. An empty rule set passes.
func Evaluate(rules []Rule, snap *metrics.Snapshot) Verdict {
	v := Verdict{Passed: true, Results: make([]Result, 0, len(rules))}
	if snap == nil {
		snap = &metrics.Snapshot{}
	}

	for _, rule := range rules {
		observed, ok := Observe(rule.Metric, snap)
		res := Result{Rule: rule, Observed: observed}
		res.Passed = ok && compare(observed, rule.Op, rule.Threshold)
		v.Results = append(v.Results, res)
		if !res.Passed {
			v.Passed = false
			v.Violations = append(v.Violations, res)
		}
	}
	return v
}

// Observe returns the snapshot's value for m; latencies are in milliseconds.
func Observe(m Metric, snap *metrics.Snapshot) (float64, bool) {
	metric, ok := aliases[strings.ToLower(string(m))]
	if !ok {
		return math.NaN(), false
	}

	switch metric {
	case MetricMin:
		return millis(snap.Latency.Min), true
	case MetricMax:
		return millis(snap.Latency.Max), true
	case MetricMean:
		return millis(snap.Latency.Mean), true
	case MetricStdDev:
		return millis(snap.Latency.StdDev), true
	case MetricP50:
		return millis(snap.Latency.P50), true
	case MetricP75:
		return millis(snap.Latency.P75), true
	case MetricP95:
		return millis(snap.Latency.P95), true
	case MetricP99:
		return millis(snap.Latency.P99), true
	case MetricSuccessPercent:
		return snap.SuccessPercent, true
	case MetricFailedPercent:
		return snap.FailedPercent(), true
	case MetricCount:
		return float64(snap.TotalRequests), true
	case MetricRPS:
		return snap.RPS, true
	}
	return math.NaN(), false
}

func compare(actual float64, op Op, threshold float64) bool {
	switch op {
	case OpLess:
		return actual < threshold
	case OpLessEqual:
		return actual <= threshold
	case OpGreater:
		return actual > threshold
	case OpGreaterEqual:
		return actual >= threshold
	case OpEqual:
		return actual == threshold
	case OpNotEqual:
		return actual != threshold
	default:
		return false
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
