package performance

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/apptload/internal/config"
	"github.com/wesleyorama2/apptload/internal/performance/metrics"
)

func collect(p *Profile) []Spawn {
	var out []Spawn
	for s := range p.Schedule() {
		out = append(out, s)
	}
	return out
}

func TestSchedule_RampMatchesIntegral(t *testing.T) {
	tests := []struct {
		name string
		seg  Segment
	}{
		{"ramp up 1 to 20 over 10s", Ramp(1, 20, 10*time.Second)},
		{"ramp up 0 to 7 over 3s", Ramp(0, 7, 3*time.Second)},
		{"ramp down 10 to 0 over 10s", Ramp(10, 0, 10*time.Second)},
		{"ramp 2.5 to 3.5 over 7s", Ramp(2.5, 3.5, 7*time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := MustProfile(tt.seg)
			spawns := collect(p)

			assert.InDelta(t, tt.seg.Expected(), float64(len(spawns)), 1.0)
			for _, s := range spawns {
				assert.GreaterOrEqual(t, s.At, time.Duration(0))
				assert.LessOrEqual(t, s.At, tt.seg.Duration)
			}
		})
	}
}

func TestSchedule_RampOneToTwentyCount(t *testing.T) {
	p := MustProfile(Ramp(1, 20, 10*time.Second))
	assert.Equal(t, 105, p.Count())
	assert.InDelta(t, 105.0, p.Expected(), 1e-9)
}

func TestSchedule_RampSpawnsAccelerate(t *testing.T) {
	spawns := collect(MustProfile(Ramp(1, 20, 10*time.Second)))
	require.Greater(t, len(spawns), 10)

	first := spawns[1].At - spawns[0].At
	last := spawns[len(spawns)-1].At - spawns[len(spawns)-2].At
	assert.Greater(t, first, last, "inter-arrival time must shrink as the rate grows")
}

func TestSchedule_ConstantSpacing(t *testing.T) {
	p := MustProfile(Constant(10, 10*time.Second))
	spawns := collect(p)

	require.Len(t, spawns, 100)
	for i, s := range spawns {
		assert.Equal(t, i+1, s.Index)
		assert.Equal(t, time.Duration(i+1)*100*time.Millisecond, s.At)
	}
}

func TestSchedule_ConstantCountIsFloor(t *testing.T) {
	p := MustProfile(Constant(3, 2500*time.Millisecond))
	assert.Equal(t, int(math.Floor(3*2.5)), p.Count())
}

func TestSchedule_ConcatenationIsContinuous(t *testing.T) {
	ramp := Ramp(1, 10, 10*time.Second)
	p := MustProfile(ramp, Constant(10, 10*time.Second))
	spawns := collect(p)

	require.Len(t, spawns, 155)

	var prev time.Duration
	for i, s := range spawns {
		assert.Equal(t, i+1, s.Index, "indices are contiguous")
		assert.GreaterOrEqual(t, s.At, prev, "offsets are non-decreasing")
		prev = s.At
	}

	firstConstant := spawns[55]
	assert.Equal(t, 1, firstConstant.Segment)
	assert.Equal(t, 10*time.Second+100*time.Millisecond, firstConstant.At)
	assert.Equal(t, 0, spawns[54].Segment)
}

func TestSchedule_FractionalCarryOver(t *testing.T) {
	split := collect(MustProfile(Constant(1.5, time.Second), Constant(1.5, time.Second)))
	whole := collect(MustProfile(Constant(1.5, 2*time.Second)))

	require.Len(t, split, len(whole))
	for i := range whole {
		assert.InDelta(t, float64(whole[i].At), float64(split[i].At), float64(time.Microsecond))
	}
}

func TestSchedule_AtOnceAndNothingFor(t *testing.T) {
	p := MustProfile(AtOnce(5), NothingFor(2*time.Second), Constant(1, 2*time.Second))
	spawns := collect(p)

	require.Len(t, spawns, 7)
	for _, s := range spawns[:5] {
		assert.Equal(t, time.Duration(0), s.At)
		assert.Equal(t, 0, s.Segment)
	}
	assert.Equal(t, 3*time.Second, spawns[5].At)
	assert.Equal(t, 4*time.Second, spawns[6].At)
	assert.Equal(t, 4*time.Second, p.Duration())
}

func TestSchedule_ZeroRateSpawnsNothing(t *testing.T) {
	assert.Equal(t, 0, MustProfile(Ramp(0, 0, 5*time.Second)).Count())
	assert.Equal(t, 0, MustProfile(Constant(0, 5*time.Second)).Count())
	assert.Equal(t, 0, MustProfile(Constant(10, 0)).Count())
}

func TestSchedule_StopsWhenConsumerStops(t *testing.T) {
	p := MustProfile(Constant(1000, time.Hour))
	n := 0
	for range p.Schedule() {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestNewProfile_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		segments []Segment
	}{
		{"no segments", nil},
		{"negative rate", []Segment{Constant(-1, time.Second)}},
		{"negative ramp target", []Segment{Ramp(1, -2, time.Second)}},
		{"negative duration", []Segment{Ramp(1, 2, -time.Second)}},
		{"NaN rate", []Segment{Constant(math.NaN(), time.Second)}},
		{"negative at once", []Segment{AtOnce(-1)}},
		{"unknown kind", []Segment{{Kind: "burst", Duration: time.Second}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProfile(tt.segments...)
			require.Error(t, err)
			assert.Nil(t, p)
			assert.True(t, errors.Is(err, config.ErrConfiguration))
		})
	}
}

func TestProfile_IsImmutable(t *testing.T) {
	segs := []Segment{Constant(1, time.Second)}
	p := MustProfile(segs...)
	segs[0].From = 100

	got := p.Segments()
	got[0].From = 50
	assert.Equal(t, 1.0, p.Segments()[0].From)
}

func TestSegment_Phase(t *testing.T) {
	assert.Equal(t, metrics.PhaseRampUp, Ramp(1, 5, time.Second).Phase())
	assert.Equal(t, metrics.PhaseRampDown, Ramp(5, 1, time.Second).Phase())
	assert.Equal(t, metrics.PhaseSteady, Constant(5, time.Second).Phase())
}

func TestProfile_String(t *testing.T) {
	p := MustProfile(Ramp(1, 10, 30*time.Second), Constant(10, time.Minute))
	assert.Equal(t, "ramp 1→10 users/s over 30s, then constant 10 users/s for 1m0s", p.String())
}
