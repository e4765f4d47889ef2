package performance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SessionFactory creates the session for a newly spawned user.
type SessionFactory func(spawn Spawn) (*Session, error)

// FeederSessions builds a SessionFactory that seeds each session with the
// feeder's next record. A nil feeder yields empty sessions.
func FeederSessions(f Feeder) SessionFactory {
	return func(spawn Spawn) (*Session, error) {
		if f == nil {
			return NewSession(spawn.Index, nil), nil
		}
		vars, err := f.Next()
		if err != nil {
			return nil, fmt.Errorf("feeder: %w", err)
		}
		return NewSession(spawn.Index, vars), nil
	}
}

// Hooks observe scheduler progress. Every field is optional. Hooks run on the
// scheduling goroutine and must not block.
type Hooks struct {
	// OnSegment fires when scheduled time enters a segment
	OnSegment func(index int, segment Segment, at time.Time)

	// OnFirstSpawn fires right after the first user is started
	OnFirstSpawn func(at time.Time)

	// OnDraining fires once the profile is exhausted
	OnDraining func(at time.Time)
}

// RunStats summarizes a scheduler run.
type RunStats struct {
	Spawned     int `json:"spawned" yaml:"spawned"`
	SpawnErrors int `json:"spawnErrors" yaml:"spawnErrors"`
	Completed   int `json:"completed" yaml:"completed"`
	Aborted     int `json:"aborted" yaml:"aborted"`
	Cancelled   int `json:"cancelled" yaml:"cancelled"`

	// Interrupted is set when the run context ended before the profile did
	Interrupted bool `json:"interrupted" yaml:"interrupted"`

	// GraceExpired is set when users were still running at the end of the grace period
	GraceExpired bool `json:"graceExpired" yaml:"graceExpired"`

	Start     time.Time `json:"start" yaml:"start"`
	LastSpawn time.Time `json:"lastSpawn" yaml:"lastSpawn"`
	End       time.Time `json:"end" yaml:"end"`
}

// Scheduler turns an injection profile into running virtual users.
//
// It is an open workload: users are started at their scheduled instant
// regardless of how many earlier users are still running, and the scheduler
// never waits for a user before starting the next.
type Scheduler struct {
	user  UserConfig
	grace time.Duration
	hooks Hooks
	log   *zap.Logger

	active  atomic.Int64
	spawned atomic.Int64
}

// NewScheduler creates a scheduler.
//
// grace bounds how long the scheduler waits for in-flight users after the last
// spawn; when it elapses they are cancelled and their requests recorded as
// timeouts. A grace of zero cancels immediately.
func NewScheduler(user UserConfig, grace time.Duration, hooks Hooks) *Scheduler {
	if user.Clock == nil {
		user.Clock = RealClock{}
	}
	if user.Logger == nil {
		user.Logger = zap.NewNop()
	}
	return &Scheduler{
		user:  user,
		grace: grace,
		hooks: hooks,
		log:   user.Logger,
	}
}

// Active returns the number of users currently running.
func (s *Scheduler) Active() int64 { return s.active.Load() }

// Spawned returns the number of users started so far.
func (s *Scheduler) Spawned() int64 { return s.spawned.Load() }

// Run executes profile with scenario and returns once every user has
// terminated.
//
// Cancelling ctx stops spawning and cancels running users.
func (s *Scheduler) Run(ctx context.Context, profile *Profile, scenario *Scenario, factory SessionFactory) (*RunStats, error) {
	if profile == nil || scenario == nil {
		return nil, errors.New("scheduler: profile and scenario are required")
	}
	if s.user.Exec == nil || s.user.Recorder == nil {
		return nil, errors.New("scheduler: request function and recorder are required")
	}
	if factory == nil {
		factory = FeederSessions(nil)
	}

	clock := s.user.Clock
	stats := &RunStats{Start: clock.Now()}
	var statsMu sync.Mutex

	userCtx, cancelUsers := context.WithCancel(ctx)
	defer cancelUsers()

	segments := profile.Segments()
	starts := make([]time.Duration, len(segments))
	var offset time.Duration
	for i, seg := range segments {
		starts[i] = offset
		offset += seg.Duration
	}
	nextSegment := 0
	enter := func(at time.Duration) {
		for nextSegment < len(segments) && starts[nextSegment] <= at {
			if s.hooks.OnSegment != nil {
				s.hooks.OnSegment(nextSegment, segments[nextSegment], stats.Start.Add(starts[nextSegment]))
			}
			nextSegment++
		}
	}

	wait := func(at time.Duration) error {
		d := stats.Start.Add(at).Sub(clock.Now())
		return Sleep(ctx, clock, d)
	}

	var wg sync.WaitGroup
	for spawn := range profile.Schedule() {
		enter(spawn.At)
		if err := wait(spawn.At); err != nil {
			stats.Interrupted = true
			break
		}

		session, err := factory(spawn)
		if err != nil {
			stats.SpawnErrors++
			s.log.Warn("failed to create session",
				zap.Int("user", spawn.Index),
				zap.Error(err))
			continue
		}

		vu := NewVirtualUser(spawn.Index, scenario, session, s.user)
		s.active.Add(1)
		s.spawned.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.active.Add(-1)

			state := vu.Run(userCtx)

			statsMu.Lock()
			switch state {
			case VUStateCompleted:
				stats.Completed++
			case VUStateAborted:
				stats.Aborted++
			default:
				stats.Cancelled++
			}
			statsMu.Unlock()
		}()

		stats.Spawned++
		stats.LastSpawn = clock.Now()
		if stats.Spawned == 1 && s.hooks.OnFirstSpawn != nil {
			s.hooks.OnFirstSpawn(stats.LastSpawn)
		}
	}

	// Trailing segments without spawns still take scheduled time.
	if !stats.Interrupted {
		enter(profile.Duration())
		if err := wait(profile.Duration()); err != nil {
			stats.Interrupted = true
		}
	}

	if s.hooks.OnDraining != nil {
		s.hooks.OnDraining(clock.Now())
	}
	s.log.Debug("draining",
		zap.Int("spawned", stats.Spawned),
		zap.Int64("active", s.active.Load()),
		zap.Duration("grace", s.grace))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var expired <-chan time.Time
	if s.grace > 0 {
		expired = clock.After(s.grace)
	} else {
		expired = closedTimeChan
	}

	select {
	case <-done:
	case <-ctx.Done():
		stats.Interrupted = true
		cancelUsers()
		<-done
	case <-expired:
		select {
		case <-done:
		default:
			stats.GraceExpired = true
			s.log.Warn("grace period expired, cancelling in-flight users",
				zap.Int64("active", s.active.Load()),
				zap.Duration("grace", s.grace))
			cancelUsers()
			<-done
		}
	}

	statsMu.Lock()
	defer statsMu.Unlock()
	stats.End = clock.Now()
	out := *stats
	return &out, nil
}

var closedTimeChan = func() <-chan time.Time {
	ch := make(chan time.Time)
	close(ch)
	return ch
}()
