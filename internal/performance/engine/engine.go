// Package engine runs one simulation through its lifecycle and produces the
// final report.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wesleyorama2/apptload/internal/config"
	"github.com/wesleyorama2/apptload/internal/performance"
	"github.com/wesleyorama2/apptload/internal/performance/assertion"
	"github.com/wesleyorama2/apptload/internal/performance/metrics"
)

// State is a run lifecycle state. States only move forward.
type State int32

const (
	// StateConfigured is a validated engine that has not run yet
	StateConfigured State = iota

	// StateScheduling is waiting for the first user to spawn
	StateScheduling

	// StateExecuting is spawning users along the profile
	StateExecuting

	// StateDraining is waiting for in-flight users after the profile ended
	StateDraining

	// StateEvaluated has assertions evaluated and the result ready
	StateEvaluated
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateScheduling:
		return "scheduling"
	case StateExecuting:
		return "executing"
	case StateDraining:
		return "draining"
	case StateEvaluated:
		return "evaluated"
	default:
		return "unknown"
	}
}

// Simulation binds an injection profile, a scenario, an optional feeder and
// the global assertions checked at the end of the run.
type Simulation struct {
	Name        string
	Description string
	Profile     *performance.Profile
	Scenario    *performance.Scenario
	Feeder      performance.Feeder
	Assertions  []assertion.Rule
}

// Options configures how a simulation is executed.
type Options struct {
	// Exec performs requests (required)
	Exec performance.RequestFunc

	// GracePeriod bounds the wait for in-flight users after the last spawn
	GracePeriod time.Duration

	// RequestTimeout bounds each request; zero disables it
	RequestTimeout time.Duration

	CheckPolicy performance.CheckPolicy

	// Clock defaults to the wall clock
	Clock performance.Clock

	Logger *zap.Logger

	Metrics metrics.Config
}

// OptionsFromSettings maps loaded engine settings onto Options.
func OptionsFromSettings(s config.EngineSettings, exec performance.RequestFunc, logger *zap.Logger) (Options, error) {
	config.ApplyDefaults(&s)
	if err := s.Validate(); err != nil {
		return Options{}, err
	}
	policy, err := performance.ParseCheckPolicy(s.CheckPolicy)
	if err != nil {
		return Options{}, err
	}

	var clock performance.Clock = performance.RealClock{}
	if s.TimeScale != 1 {
		clock = performance.NewScaledClock(s.TimeScale)
	}

	return Options{
		Exec:           exec,
		GracePeriod:    s.Grace(),
		RequestTimeout: s.Timeout(),
		CheckPolicy:    policy,
		Clock:          clock,
		Logger:         logger,
		Metrics:        metrics.DefaultConfig(),
	}, nil
}

// Result is the final report of a run.
type Result struct {
	RunID       string        `json:"runId" yaml:"runId"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Profile     string        `json:"profile" yaml:"profile"`
	StartTime   time.Time     `json:"startTime" yaml:"startTime"`
	EndTime     time.Time     `json:"endTime" yaml:"endTime"`
	Duration    time.Duration `json:"duration" yaml:"duration"`

	Metrics    *metrics.Snapshot     `json:"metrics" yaml:"metrics"`
	TimeSeries []metrics.TimeBucket  `json:"timeSeries,omitempty" yaml:"timeSeries,omitempty"`
	Phases     []metrics.PhaseChange `json:"phases,omitempty" yaml:"phases,omitempty"`
	Users      performance.RunStats  `json:"users" yaml:"users"`

	Verdict assertion.Verdict `json:"verdict" yaml:"verdict"`
	Passed  bool              `json:"passed" yaml:"passed"`
}

// Engine executes a Simulation exactly once.
//
// Example usage:
//
//	e, _ := engine.New(sim, engine.Options{Exec: client.Do})
//	result, err := e.Run(ctx)
//	if errors.Is(err, assertion.ErrAssertionFailed) { ... }
type Engine struct {
	sim   *Simulation
	opts  Options
	log   *zap.Logger
	runID string

	state atomic.Int32

	mu        sync.RWMutex
	agg       *metrics.Aggregator
	scheduler *performance.Scheduler
	start     time.Time
}

// New validates the simulation and options. Every problem is a configuration
// error; nothing is scheduled until Run.
func New(sim *Simulation, opts Options) (*Engine, error) {
	errs := &config.ValidationErrors{}
	if sim == nil {
		errs.Add("simulation", "simulation is required")
		return nil, errs
	}
	if sim.Name == "" {
		errs.Add("simulation.name", "name is required")
	}
	if sim.Profile == nil {
		errs.Add("simulation.profile", "injection profile is required")
	}
	if sim.Scenario == nil {
		errs.Add("simulation.scenario", "scenario is required")
	}
	for i, r := range sim.Assertions {
		if err := r.Validate(); err != nil {
			errs.Add(fmt.Sprintf("simulation.assertions[%d]", i), err.Error())
		}
	}
	if opts.Exec == nil {
		errs.Add("exec", "request function is required")
	}
	if opts.GracePeriod < 0 {
		errs.Add("gracePeriod", "grace period cannot be negative")
	}
	if opts.RequestTimeout < 0 {
		errs.Add("requestTimeout", "request timeout cannot be negative")
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	if opts.Clock == nil {
		opts.Clock = performance.RealClock{}
	}
	runID := uuid.NewString()
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("simulation", sim.Name), zap.String("run", runID))

	return &Engine{sim: sim, opts: opts, log: log, runID: runID}, nil
}

// RunID returns the unique identifier of this run.
func (e *Engine) RunID() string { return e.runID }

// State returns the current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// advance moves the state forward; backwards moves are ignored.
func (e *Engine) advance(to State) {
	for {
		cur := e.state.Load()
		if State(cur) >= to {
			return
		}
		if e.state.CompareAndSwap(cur, int32(to)) {
			e.log.Debug("state change", zap.Stringer("from", State(cur)), zap.Stringer("to", to))
			return
		}
	}
}

// Snapshot returns live metrics, or nil before Run.
func (e *Engine) Snapshot() *metrics.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.agg == nil {
		return nil
	}
	return e.agg.Snapshot()
}

// Elapsed returns scheduled time since Run started, or zero before Run.
func (e *Engine) Elapsed() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.agg == nil {
		return 0
	}
	return performance.Since(e.opts.Clock, e.start)
}

// Phase returns the current injection phase.
func (e *Engine) Phase() metrics.Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.agg == nil {
		return metrics.PhaseInit
	}
	return e.agg.Phase()
}

// ActiveUsers returns the number of users currently executing.
func (e *Engine) ActiveUsers() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.scheduler == nil {
		return 0
	}
	return e.scheduler.Active()
}

// Run executes the simulation and evaluates its assertions.
//
// The result is always returned once the run reached Evaluated. The error is
// nil, or wraps assertion.ErrAssertionFailed when a rule was violated.
// Cancelling ctx stops spawning and cuts off in-flight requests; the partial
// run is still evaluated.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.state.CompareAndSwap(int32(StateConfigured), int32(StateScheduling)) {
		return nil, errors.New("engine has already been run")
	}

	clock := e.opts.Clock
	start := clock.Now()
	agg := metrics.NewAggregatorWithConfig(start, e.opts.Metrics)

	hooks := performance.Hooks{
		OnSegment: func(_ int, seg performance.Segment, at time.Time) {
			agg.SetPhase(seg.Phase(), at)
		},
		OnFirstSpawn: func(time.Time) {
			e.advance(StateExecuting)
		},
		OnDraining: func(at time.Time) {
			e.advance(StateExecuting)
			e.advance(StateDraining)
			agg.SetPhase(metrics.PhaseDraining, at)
		},
	}

	scheduler := performance.NewScheduler(performance.UserConfig{
		Exec:           e.opts.Exec,
		Recorder:       agg,
		Clock:          clock,
		CheckPolicy:    e.opts.CheckPolicy,
		RequestTimeout: e.opts.RequestTimeout,
		Logger:         e.log,
	}, e.opts.GracePeriod, hooks)

	e.mu.Lock()
	e.agg = agg
	e.scheduler = scheduler
	e.start = start
	e.mu.Unlock()

	e.log.Info("starting simulation",
		zap.String("profile", e.sim.Profile.String()),
		zap.Float64("expectedUsers", e.sim.Profile.Expected()),
		zap.Duration("duration", e.sim.Profile.Duration()))

	stats, err := scheduler.Run(ctx, e.sim.Profile, e.sim.Scenario, performance.FeederSessions(e.sim.Feeder))
	if err != nil {
		return nil, err
	}

	end := clock.Now()
	agg.SetPhase(metrics.PhaseDone, end)

	snap := agg.Snapshot()
	verdict := assertion.Evaluate(e.sim.Assertions, snap)
	e.advance(StateEvaluated)

	result := &Result{
		RunID:       e.runID,
		Name:        e.sim.Name,
		Description: e.sim.Description,
		Profile:     e.sim.Profile.String(),
		StartTime:   start,
		EndTime:     end,
		Duration:    end.Sub(start),
		Metrics:     snap,
		TimeSeries:  agg.TimeSeries(),
		Phases:      agg.PhaseHistory(),
		Users:       *stats,
		Verdict:     verdict,
		Passed:      verdict.Passed,
	}

	fields := []zap.Field{
		zap.Int64("requests", snap.TotalRequests),
		zap.Float64("successPercent", snap.SuccessPercent),
		zap.Duration("mean", snap.Latency.Mean),
		zap.Int("users", stats.Spawned),
		zap.Bool("passed", verdict.Passed),
	}
	if stats.Interrupted {
		e.log.Warn("simulation interrupted", fields...)
	} else {
		e.log.Info("simulation finished", fields...)
	}

	return result, verdict.Err()
}
