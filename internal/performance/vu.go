package performance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/apptload/internal/performance/metrics"
	"github.com/wesleyorama2/apptload/pkg/jsonpath"
)

// Recorder receives request outcomes. *metrics.Aggregator implements it.
type Recorder interface {
	Record(metrics.Outcome)
}

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU has been created but not started.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is executing its scenario.
	VUStateRunning
	// VUStateAborted indicates a failed check terminated the VU early.
	VUStateAborted
	// VUStateCancelled indicates the run context ended before the scenario did.
	VUStateCancelled
	// VUStateCompleted indicates every step was executed.
	VUStateCompleted
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateAborted:
		return "aborted"
	case VUStateCancelled:
		return "cancelled"
	case VUStateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// UserConfig is shared by every virtual user of a run.
type UserConfig struct {
	Exec        RequestFunc
	Recorder    Recorder
	Clock       Clock
	CheckPolicy CheckPolicy

	// RequestTimeout bounds each request in wall time; zero means no bound
	RequestTimeout time.Duration

	Logger *zap.Logger
}

// VirtualUser executes one pass of a scenario for one session.
//
// Steps run strictly in order; the next step starts only after the previous
// request's outcome has been recorded. A VU is not reused.
type VirtualUser struct {
	// ID is the spawn index of this user
	ID int

	scenario *Scenario
	session  *Session
	cfg      UserConfig

	state atomic.Int32
}

// NewVirtualUser creates a virtual user bound to a session.
func NewVirtualUser(id int, scenario *Scenario, session *Session, cfg UserConfig) *VirtualUser {
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &VirtualUser{
		ID:       id,
		scenario: scenario,
		session:  session,
		cfg:      cfg,
	}
}

// State returns the current VU state.
func (vu *VirtualUser) State() VUState {
	return VUState(vu.state.Load())
}

// Session returns the user's session.
func (vu *VirtualUser) Session() *Session {
	return vu.session
}

// Run executes the scenario once and returns the terminal state.
//
// Transport failures, timeouts and failed checks are recorded as outcomes and
// never returned as errors. Cancelling ctx interrupts an in-flight request
// (recorded as a timeout) or a pause, after which the VU stops.
func (vu *VirtualUser) Run(ctx context.Context) VUState {
	vu.state.Store(int32(VUStateRunning))

	for i := 0; i < vu.scenario.Len(); i++ {
		step := vu.scenario.Step(i)
		if ctx.Err() != nil {
			if step.Kind == StepRequest {
				vu.cfg.Recorder.Record(vu.cancelled(ctx, step.Request))
			}
			return vu.finish(VUStateCancelled)
		}

		switch step.Kind {
		case StepPause:
			if err := Sleep(ctx, vu.cfg.Clock, step.Pause); err != nil {
				return vu.finish(VUStateCancelled)
			}

		case StepRequest:
			outcome := vu.execute(ctx, step.Request)
			vu.cfg.Recorder.Record(outcome)

			switch outcome.Failure {
			case metrics.FailureTimeout:
				if ctx.Err() != nil {
					return vu.finish(VUStateCancelled)
				}
			case metrics.FailureCheck:
				if vu.cfg.CheckPolicy == CheckAbortUser {
					vu.cfg.Logger.Debug("check failed, aborting user",
						zap.Int("user", vu.ID),
						zap.String("request", outcome.Name),
						zap.String("reason", outcome.Message))
					return vu.finish(VUStateAborted)
				}
			}
		}
	}

	return vu.finish(VUStateCompleted)
}

func (vu *VirtualUser) finish(s VUState) VUState {
	vu.state.Store(int32(s))
	return s
}

// cancelled is the outcome of a request step the user never started because
// ctx was already done.
func (vu *VirtualUser) cancelled(ctx context.Context, step *RequestStep) metrics.Outcome {
	return metrics.Outcome{
		Name:      step.Name,
		Timestamp: vu.cfg.Clock.Now(),
		Failure:   metrics.FailureTimeout,
		Message:   ctx.Err().Error(),
	}
}

// execute renders the template, performs the request and evaluates checks.
func (vu *VirtualUser) execute(ctx context.Context, step *RequestStep) metrics.Outcome {
	req, err := vu.buildRequest(step)
	outcome := metrics.Outcome{Name: step.Name, Timestamp: vu.cfg.Clock.Now()}
	if err != nil {
		outcome.Failure = metrics.FailureTransport
		outcome.Message = fmt.Sprintf("failed to build request: %v", err)
		return outcome
	}

	reqCtx := ctx
	timeout := step.Timeout
	if timeout == 0 {
		timeout = vu.cfg.RequestTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Latency is wall time even on a scaled clock, matching resp.Latency.
	start := time.Now()
	resp, err := vu.cfg.Exec(reqCtx, req)
	measured := time.Since(start)

	if err != nil {
		outcome.Latency = measured
		outcome.Message = err.Error()
		if reqCtx.Err() != nil || isTimeout(err) {
			outcome.Failure = metrics.FailureTimeout
		} else {
			outcome.Failure = metrics.FailureTransport
		}
		return outcome
	}
	if resp == nil {
		outcome.Latency = measured
		outcome.Failure = metrics.FailureTransport
		outcome.Message = "no response"
		return outcome
	}

	outcome.Status = resp.Status
	outcome.Bytes = int64(len(resp.Body))
	outcome.Latency = resp.Latency
	if outcome.Latency <= 0 {
		outcome.Latency = measured
	}

	if msg := vu.check(step, resp.Status, outcome.Latency, resp.Body); msg != "" {
		outcome.Failure = metrics.FailureCheck
		outcome.Message = msg
		return outcome
	}

	vu.extract(step, resp.Body)
	return outcome
}

// check returns the first failed check's message, or "" when all pass.
func (vu *VirtualUser) check(step *RequestStep, status int, latency time.Duration, body []byte) string {
	hasStatus := false
	for _, c := range step.Checks {
		if c.isStatusCheck() {
			hasStatus = true
		}
		if err := c.Evaluate(status, latency, body); err != nil {
			return err.Error()
		}
	}
	if !hasStatus {
		if err := defaultStatusOK(status); err != nil {
			return err.Error()
		}
	}
	return ""
}

func (vu *VirtualUser) extract(step *RequestStep, body []byte) {
	for _, e := range step.Extract {
		if r, ok := jsonpath.Lookup(body, e.Path); ok {
			vu.session.Set(e.Name, r.Value())
		}
	}
}

func (vu *VirtualUser) buildRequest(step *RequestStep) (*Request, error) {
	req := &Request{
		Name:   step.Name,
		Method: step.Method,
		Path:   vu.session.Render(step.Path),
	}

	if len(step.Headers) > 0 {
		req.Headers = make(map[string]string, len(step.Headers))
		for k, v := range step.Headers {
			req.Headers[k] = vu.session.Render(v)
		}
	}

	switch {
	case step.BodyFunc != nil:
		body, err := step.BodyFunc(vu.session)
		if err != nil {
			return nil, err
		}
		req.Body = body
	case step.Body != "":
		req.Body = []byte(vu.session.Render(step.Body))
	}
	return req, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
