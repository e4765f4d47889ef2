package performance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wesleyorama2/apptload/internal/performance/metrics"
)

func oneRequest(t *testing.T) *Scenario {
	t.Helper()
	s, err := NewScenario("one", getStep("a"))
	require.NoError(t, err)
	return s
}

func TestScheduler_SpawnsEveryUser(t *testing.T) {
	rec := &recorder{}
	sched := NewScheduler(UserConfig{
		Exec:     respond(200, 5*time.Millisecond),
		Recorder: rec,
		Clock:    NewScaledClock(100),
		Logger:   zaptest.NewLogger(t),
	}, time.Second, Hooks{})

	stats, err := sched.Run(context.Background(), MustProfile(Constant(100, time.Second)), oneRequest(t), nil)
	require.NoError(t, err)

	assert.Equal(t, 100, stats.Spawned)
	assert.Equal(t, 100, stats.Completed)
	assert.False(t, stats.Interrupted)
	assert.False(t, stats.GraceExpired)
	assert.Len(t, rec.all(), 100)
	assert.Equal(t, int64(0), sched.Active())
	assert.Equal(t, int64(100), sched.Spawned())
}

func TestScheduler_IsOpenWorkload(t *testing.T) {
	var inFlight, peak atomic.Int32
	exec := func(ctx context.Context, req *Request) (*Response, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
		}
		return &Response{Status: 200}, nil
	}

	rec := &recorder{}
	sched := NewScheduler(UserConfig{Exec: exec, Recorder: rec, Clock: NewScaledClock(20)}, 10*time.Second, Hooks{})

	// 40 arrivals spread over 100ms of wall time, each taking 100ms.
	stats, err := sched.Run(context.Background(), MustProfile(Constant(20, 2*time.Second)), oneRequest(t), nil)
	require.NoError(t, err)

	assert.Equal(t, 40, stats.Spawned)
	assert.Greater(t, peak.Load(), int32(5), "arrivals must not wait for earlier users")
}

func TestScheduler_GracePeriodCancelsInFlight(t *testing.T) {
	rec := &recorder{}
	sched := NewScheduler(UserConfig{Exec: blocking(), Recorder: rec, Clock: NewScaledClock(100)}, 2*time.Second, Hooks{})

	stats, err := sched.Run(context.Background(), MustProfile(AtOnce(10)), oneRequest(t), nil)
	require.NoError(t, err)

	assert.True(t, stats.GraceExpired)
	assert.Equal(t, 10, stats.Spawned)
	assert.Equal(t, 10, stats.Cancelled)

	outcomes := rec.all()
	require.Len(t, outcomes, 10)
	for _, o := range outcomes {
		assert.Equal(t, metrics.FailureTimeout, o.Failure)
	}
}

func TestScheduler_ZeroGraceCancelsImmediately(t *testing.T) {
	rec := &recorder{}
	sched := NewScheduler(UserConfig{Exec: blocking(), Recorder: rec}, 0, Hooks{})

	start := time.Now()
	stats, err := sched.Run(context.Background(), MustProfile(AtOnce(3)), oneRequest(t), nil)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, stats.GraceExpired)
	assert.Equal(t, 3, stats.Cancelled)

	outcomes := rec.all()
	require.Len(t, outcomes, stats.Spawned)
	for _, o := range outcomes {
		assert.Equal(t, metrics.FailureTimeout, o.Failure)
	}
}

func TestScheduler_ContextCancelStopsSpawning(t *testing.T) {
	rec := &recorder{}
	sched := NewScheduler(UserConfig{Exec: respond(200, time.Millisecond), Recorder: rec}, time.Second, Hooks{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	stats, err := sched.Run(ctx, MustProfile(Constant(10, time.Hour)), oneRequest(t), nil)
	require.NoError(t, err)

	assert.True(t, stats.Interrupted)
	assert.Less(t, stats.Spawned, 10)
}

func TestScheduler_Hooks(t *testing.T) {
	var (
		mu       sync.Mutex
		segments []int
		first    int
		draining int
	)
	hooks := Hooks{
		OnSegment: func(index int, _ Segment, _ time.Time) {
			mu.Lock()
			segments = append(segments, index)
			mu.Unlock()
		},
		OnFirstSpawn: func(time.Time) { first++ },
		OnDraining:   func(time.Time) { draining++ },
	}

	sched := NewScheduler(UserConfig{
		Exec:     respond(200, time.Millisecond),
		Recorder: &recorder{},
		Clock:    NewScaledClock(100),
	}, time.Second, hooks)

	profile := MustProfile(
		Ramp(1, 5, time.Second),
		Constant(5, time.Second),
		NothingFor(time.Second),
	)
	_, err := sched.Run(context.Background(), profile, oneRequest(t), nil)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, segments)
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, draining)
}

func TestScheduler_SessionFactoryErrors(t *testing.T) {
	rec := &recorder{}
	sched := NewScheduler(UserConfig{Exec: respond(200, time.Millisecond), Recorder: rec}, time.Second, Hooks{})

	factory := func(spawn Spawn) (*Session, error) {
		if spawn.Index%2 == 0 {
			return nil, errors.New("feeder exhausted")
		}
		return NewSession(spawn.Index, nil), nil
	}

	stats, err := sched.Run(context.Background(), MustProfile(AtOnce(6)), oneRequest(t), factory)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Spawned)
	assert.Equal(t, 3, stats.SpawnErrors)
	assert.Len(t, rec.all(), 3)
}

func TestScheduler_FeederSessions(t *testing.T) {
	var n atomic.Int32
	feeder := FeederFunc(func() (map[string]interface{}, error) {
		return map[string]interface{}{"n": n.Add(1)}, nil
	})

	var mu sync.Mutex
	var paths []string
	exec := func(ctx context.Context, req *Request) (*Response, error) {
		mu.Lock()
		paths = append(paths, req.Path)
		mu.Unlock()
		return &Response{Status: 200}, nil
	}

	s, err := NewScenario("fed", Exec(RequestStep{Method: "GET", Path: "/n/{{n}}"}))
	require.NoError(t, err)

	sched := NewScheduler(UserConfig{Exec: exec, Recorder: &recorder{}}, time.Second, Hooks{})
	_, err = sched.Run(context.Background(), MustProfile(AtOnce(3)), s, FeederSessions(feeder))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"/n/1", "/n/2", "/n/3"}, paths)
}

func TestScheduler_RequiresCollaborators(t *testing.T) {
	sched := NewScheduler(UserConfig{}, time.Second, Hooks{})
	_, err := sched.Run(context.Background(), MustProfile(AtOnce(1)), oneRequest(t), nil)
	assert.Error(t, err)

	sched = NewScheduler(UserConfig{Exec: respond(200, 0), Recorder: &recorder{}}, time.Second, Hooks{})
	_, err = sched.Run(context.Background(), nil, oneRequest(t), nil)
	assert.Error(t, err)
}
