// Package performance implements the open-workload load generation core:
// injection profiles, the spawn scheduler and the virtual user executor.
package performance

import (
	"fmt"
	"iter"
	"math"
	"strings"
	"time"

	"github.com/wesleyorama2/apptload/internal/config"
	"github.com/wesleyorama2/apptload/internal/performance/metrics"
)

// SegmentKind identifies the arrival-rate function of a segment.
type SegmentKind string

const (
	// SegmentRamp interpolates the arrival rate linearly from From to To.
	SegmentRamp SegmentKind = "ramp"

	// SegmentConstant holds the arrival rate at From.
	SegmentConstant SegmentKind = "constant"

	// SegmentNothing spawns no users for its duration.
	SegmentNothing SegmentKind = "nothing"

	// SegmentAtOnce spawns Users users at the segment start; it has no duration.
	SegmentAtOnce SegmentKind = "at-once"
)

// epsilon absorbs floating point error when comparing cumulative user counts.
const epsilon = 1e-9

// Segment is one piece of an injection profile.
//
// Rates are users per second.
type Segment struct {
	Kind     SegmentKind   `json:"kind" yaml:"kind"`
	From     float64       `json:"from,omitempty" yaml:"from,omitempty"`
	To       float64       `json:"to,omitempty" yaml:"to,omitempty"`
	Users    int           `json:"users,omitempty" yaml:"users,omitempty"`
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Ramp builds a segment whose rate moves linearly from `from` to `to` over d.
func Ramp(from, to float64, d time.Duration) Segment {
	return Segment{Kind: SegmentRamp, From: from, To: to, Duration: d}
}

// Constant builds a segment holding `rate` for d.
func Constant(rate float64, d time.Duration) Segment {
	return Segment{Kind: SegmentConstant, From: rate, To: rate, Duration: d}
}

// NothingFor builds a pause segment.
func NothingFor(d time.Duration) Segment {
	return Segment{Kind: SegmentNothing, Duration: d}
}

// AtOnce builds a segment spawning n users immediately.
func AtOnce(n int) Segment {
	return Segment{Kind: SegmentAtOnce, Users: n}
}

// Expected returns the number of users the segment's rate function integrates to.
func (s Segment) Expected() float64 {
	switch s.Kind {
	case SegmentRamp:
		return (s.From + s.To) / 2 * s.Duration.Seconds()
	case SegmentConstant:
		return s.From * s.Duration.Seconds()
	case SegmentAtOnce:
		return float64(s.Users)
	default:
		return 0
	}
}

// Phase maps the segment onto a metrics phase.
func (s Segment) Phase() metrics.Phase {
	switch {
	case s.Kind == SegmentRamp && s.To > s.From:
		return metrics.PhaseRampUp
	case s.Kind == SegmentRamp && s.To < s.From:
		return metrics.PhaseRampDown
	default:
		return metrics.PhaseSteady
	}
}

func (s Segment) String() string {
	switch s.Kind {
	case SegmentRamp:
		return fmt.Sprintf("ramp %g→%g users/s over %s", s.From, s.To, s.Duration)
	case SegmentConstant:
		return fmt.Sprintf("constant %g users/s for %s", s.From, s.Duration)
	case SegmentNothing:
		return fmt.Sprintf("nothing for %s", s.Duration)
	case SegmentAtOnce:
		return fmt.Sprintf("%d users at once", s.Users)
	default:
		return string(s.Kind)
	}
}

// Profile is an immutable, validated sequence of injection segments.
type Profile struct {
	segments []Segment
}

// NewProfile validates segments and builds a Profile.
//
// Negative rates, negative durations, unknown kinds and an empty segment list
// are configuration errors (errors.Is(err, config.ErrConfiguration)).
func NewProfile(segments ...Segment) (*Profile, error) {
	errs := &config.ValidationErrors{}
	if len(segments) == 0 {
		errs.Add("profile", "at least one segment is required")
	}

	for i, s := range segments {
		field := fmt.Sprintf("profile.segments[%d]", i)
		if s.Duration < 0 {
			errs.Add(field+".duration", "duration cannot be negative")
		}
		switch s.Kind {
		case SegmentRamp, SegmentConstant:
			if s.From < 0 || s.To < 0 || math.IsNaN(s.From) || math.IsNaN(s.To) ||
				math.IsInf(s.From, 0) || math.IsInf(s.To, 0) {
				errs.Add(field+".rate", "rate must be a finite non-negative number")
			}
			if s.Kind == SegmentConstant && s.To != s.From {
				errs.Add(field+".rate", "constant segment must have From == To")
			}
		case SegmentNothing:
		case SegmentAtOnce:
			if s.Users < 0 {
				errs.Add(field+".users", "users cannot be negative")
			}
			if s.Duration != 0 {
				errs.Add(field+".duration", "at-once segment has no duration")
			}
		default:
			errs.Add(field+".kind", fmt.Sprintf("unknown segment kind: %q", s.Kind))
		}
	}

	if err := errs.Err(); err != nil {
		return nil, err
	}

	cp := make([]Segment, len(segments))
	copy(cp, segments)
	return &Profile{segments: cp}, nil
}

// MustProfile is NewProfile that panics on error; for tests and fixed profiles.
func MustProfile(segments ...Segment) *Profile {
	p, err := NewProfile(segments...)
	if err != nil {
		panic(err)
	}
	return p
}

// Segments returns a copy of the profile's segments.
func (p *Profile) Segments() []Segment {
	out := make([]Segment, len(p.segments))
	copy(out, p.segments)
	return out
}

// Duration is the total scheduled length of the profile.
func (p *Profile) Duration() time.Duration {
	var total time.Duration
	for _, s := range p.segments {
		total += s.Duration
	}
	return total
}

// Expected is the total number of users the profile's rate functions integrate to.
func (p *Profile) Expected() float64 {
	var total float64
	for _, s := range p.segments {
		total += s.Expected()
	}
	return total
}

// Count returns how many spawns Schedule emits.
func (p *Profile) Count() int {
	n := 0
	for range p.Schedule() {
		n++
	}
	return n
}

func (p *Profile) String() string {
	parts := make([]string, len(p.segments))
	for i, s := range p.segments {
		parts[i] = s.String()
	}
	return strings.Join(parts, ", then ")
}

// Spawn is one scheduled user arrival.
type Spawn struct {
	// Index is the 1-based global user number
	Index int

	// At is the scheduled offset from the profile start
	At time.Duration

	// Segment is the index of the segment the user belongs to
	Segment int
}

// Schedule lazily yields spawn offsets in non-decreasing order.
//
// The n-th user is spawned at the instant the cumulative integral of the
// arrival rate, taken across all segments in order, reaches n. Fractional
// users carry over segment boundaries, so concatenation neither resets nor
// double counts. For a constant segment this spaces users exactly 1/r apart.
func (p *Profile) Schedule() iter.Seq[Spawn] {
	return func(yield func(Spawn) bool) {
		var (
			cumulative float64
			offset     time.Duration
			index      int
		)

		for si, s := range p.segments {
			switch s.Kind {
			case SegmentAtOnce:
				for i := 0; i < s.Users; i++ {
					index++
					if !yield(Spawn{Index: index, At: offset, Segment: si}) {
						return
					}
				}
				// Whole users only; the fractional carry is unaffected.
				cumulative += float64(s.Users)

			case SegmentRamp, SegmentConstant:
				total := s.Expected()
				for {
					need := float64(index+1) - cumulative
					if need > total+epsilon {
						break
					}
					t, ok := s.solve(need)
					if !ok {
						break
					}
					index++
					if !yield(Spawn{Index: index, At: offset + t, Segment: si}) {
						return
					}
				}
				cumulative += total
			}

			offset += s.Duration
		}
	}
}

// solve returns the offset within the segment at which the rate integral
// reaches m users.
//
// With r(t) = a + (b-a)·t/T the integral is a·t + k·t² where k = (b-a)/(2T);
// the root is computed as 2m / (a + √(a² + 4km)), which is stable for k = 0.
func (s Segment) solve(m float64) (time.Duration, bool) {
	T := s.Duration.Seconds()
	if T <= 0 {
		return 0, false
	}
	if m <= 0 {
		return 0, true
	}

	a := s.From
	k := (s.To - s.From) / (2 * T)
	disc := a*a + 4*k*m
	if disc < 0 {
		if disc > -epsilon {
			disc = 0
		} else {
			return 0, false
		}
	}
	denom := a + math.Sqrt(disc)
	if denom <= 0 {
		return 0, false
	}

	t := 2 * m / denom
	if t > T {
		t = T
	}
	return time.Duration(math.Round(t * float64(time.Second))), true
}
