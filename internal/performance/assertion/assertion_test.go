package assertion

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/apptload/internal/config"
	"github.com/wesleyorama2/apptload/internal/performance/metrics"
)

func snapshot() *metrics.Snapshot {
	return &metrics.Snapshot{
		TotalRequests:   200,
		SuccessRequests: 190,
		FailedRequests:  10,
		SuccessPercent:  95,
		RPS:             20,
		Latency: metrics.LatencyStats{
			Min:  10 * time.Millisecond,
			Max:  4 * time.Second,
			Mean: 2500 * time.Millisecond,
			P50:  400 * time.Millisecond,
			P95:  1500 * time.Millisecond,
			P99:  3 * time.Second,
		},
	}
}

func TestEvaluate_MeanViolation(t *testing.T) {
	v := Evaluate([]Rule{MeanBelow(2000 * time.Millisecond)}, snapshot())

	assert.False(t, v.Passed)
	require.Len(t, v.Results, 1)
	require.Len(t, v.Violations, 1)
	assert.Equal(t, 2500.0, v.Violations[0].Observed)
	assert.False(t, v.Results[0].Passed)

	err := v.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAssertionFailed))
	assert.Contains(t, err.Error(), "mean < 2000ms (actual 2500ms)")
}

func TestEvaluate_Mixed(t *testing.T) {
	rules := []Rule{
		MaxBelow(5 * time.Second),
		SuccessPercentAbove(95),
		{Metric: MetricCount, Op: OpGreaterEqual, Threshold: 200},
	}
	v := Evaluate(rules, snapshot())

	assert.False(t, v.Passed)
	require.Len(t, v.Results, 3)
	assert.True(t, v.Results[0].Passed)
	assert.Equal(t, 4000.0, v.Results[0].Observed)
	assert.False(t, v.Results[1].Passed, "95 is not strictly above 95")
	assert.True(t, v.Results[2].Passed)
	require.Len(t, v.Violations, 1)
	assert.Equal(t, MetricSuccessPercent, v.Violations[0].Rule.Metric)
}

func TestEvaluate_IsPure(t *testing.T) {
	rules := []Rule{MeanBelow(3 * time.Second), SuccessPercentAbove(90)}
	snap := snapshot()

	first := Evaluate(rules, snap)
	second := Evaluate(rules, snap)

	assert.Equal(t, first, second)
	assert.True(t, first.Passed)
	assert.NoError(t, first.Err())
}

func TestEvaluate_EmptyRulesPass(t *testing.T) {
	v := Evaluate(nil, snapshot())
	assert.True(t, v.Passed)
	assert.Empty(t, v.Results)
}

func TestEvaluate_EmptySnapshot(t *testing.T) {
	v := Evaluate([]Rule{SuccessPercentAbove(95)}, &metrics.Snapshot{})
	assert.False(t, v.Passed)
	assert.Equal(t, 0.0, v.Results[0].Observed)
}

func TestEvaluate_UnknownMetricFails(t *testing.T) {
	v := Evaluate([]Rule{{Metric: "apdex", Op: OpGreater, Threshold: 0.9}}, snapshot())
	assert.False(t, v.Passed)
}

func TestParse(t *testing.T) {
	tests := []struct {
		expr string
		want Rule
	}{
		{"mean < 2000ms", Rule{MetricMean, OpLess, 2000}},
		{"max < 5s", Rule{MetricMax, OpLess, 5000}},
		{"p95 <= 800ms", Rule{MetricP95, OpLessEqual, 800}},
		{"p99 < 1500", Rule{MetricP99, OpLess, 1500}},
		{"avg<1.5s", Rule{MetricMean, OpLess, 1500}},
		{"successPercent > 95", Rule{MetricSuccessPercent, OpGreater, 95}},
		{"failedPercent < 5%", Rule{MetricFailedPercent, OpLess, 5}},
		{"count >= 100", Rule{MetricCount, OpGreaterEqual, 100}},
		{"rps = 10", Rule{MetricRPS, OpEqual, 10}},
		{"  min != 0ms  ", Rule{MetricMin, OpNotEqual, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Parse(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, expr := range []string{"", "mean", "apdex > 0.9", "mean ~ 10ms", "mean < fast", "count > many"} {
		t.Run(expr, func(t *testing.T) {
			_, err := Parse(expr)
			require.Error(t, err)
			assert.True(t, errors.Is(err, config.ErrConfiguration))
		})
	}
}

func TestParseAll_CollectsErrors(t *testing.T) {
	_, err := ParseAll([]string{"mean < 1s", "bogus", "count > x"})
	require.Error(t, err)

	var verrs *config.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, []string{"assertions[1]", "assertions[2]"}, verrs.Fields())

	rules, err := ParseAll([]string{"mean < 1s", "successPercent > 95"})
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

func TestRule_String(t *testing.T) {
	assert.Equal(t, "mean < 2000ms", MeanBelow(2*time.Second).String())
	assert.Equal(t, "successPercent > 95", SuccessPercentAbove(95).String())

	r, err := Parse(MaxBelow(5 * time.Second).String())
	require.NoError(t, err)
	assert.Equal(t, MaxBelow(5*time.Second), r)
}
