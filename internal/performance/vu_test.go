package performance

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/apptload/internal/performance/metrics"
)

func runUser(t *testing.T, scenario *Scenario, session *Session, cfg UserConfig) (VUState, []metrics.Outcome) {
	t.Helper()
	rec := &recorder{}
	cfg.Recorder = rec
	if session == nil {
		session = NewSession(1, nil)
	}
	state := NewVirtualUser(1, scenario, session, cfg).Run(context.Background())
	return state, rec.all()
}

func TestVirtualUser_Success(t *testing.T) {
	s, err := NewScenario("ok", getStep("a", StatusIs(200)), getStep("b"))
	require.NoError(t, err)

	state, outcomes := runUser(t, s, nil, UserConfig{Exec: respond(200, 50*time.Millisecond)})

	assert.Equal(t, VUStateCompleted, state)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "a", outcomes[0].Name)
	assert.Equal(t, "b", outcomes[1].Name)
	for _, o := range outcomes {
		assert.True(t, o.Succeeded())
		assert.Equal(t, 200, o.Status)
		assert.Equal(t, 50*time.Millisecond, o.Latency)
		assert.Equal(t, int64(len(`{"ok":true}`)), o.Bytes)
	}
	assert.False(t, outcomes[1].Timestamp.Before(outcomes[0].Timestamp))
}

func TestVirtualUser_ImplicitStatusCheck(t *testing.T) {
	s, err := NewScenario("implicit", getStep("a"))
	require.NoError(t, err)

	for status, ok := range map[int]bool{200: true, 204: true, 304: true, 302: false, 404: false, 503: false} {
		_, outcomes := runUser(t, s, nil, UserConfig{Exec: respond(status, time.Millisecond)})
		require.Len(t, outcomes, 1)
		assert.Equal(t, ok, outcomes[0].Succeeded(), "status %d", status)
		if !ok {
			assert.Equal(t, metrics.FailureCheck, outcomes[0].Failure)
		}
	}
}

func TestVirtualUser_ExplicitStatusCheckReplacesDefault(t *testing.T) {
	s, err := NewScenario("explicit", getStep("a", StatusIs(404)))
	require.NoError(t, err)

	_, outcomes := runUser(t, s, nil, UserConfig{Exec: respond(404, time.Millisecond)})
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Succeeded())
}

func TestVirtualUser_TransportFailureContinues(t *testing.T) {
	s, err := NewScenario("transport", getStep("a"), getStep("b"))
	require.NoError(t, err)

	var calls atomic.Int32
	exec := func(ctx context.Context, req *Request) (*Response, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return &Response{Status: 200, Latency: time.Millisecond}, nil
	}

	state, outcomes := runUser(t, s, nil, UserConfig{Exec: exec})

	assert.Equal(t, VUStateCompleted, state)
	require.Len(t, outcomes, 2)
	assert.Equal(t, metrics.FailureTransport, outcomes[0].Failure)
	assert.Equal(t, 0, outcomes[0].Status)
	assert.Equal(t, "connection refused", outcomes[0].Message)
	assert.True(t, outcomes[1].Succeeded())
}

func TestVirtualUser_CheckPolicy(t *testing.T) {
	s, err := NewScenario("checks",
		getStep("a", LatencyUnder(10*time.Millisecond)),
		getStep("b"),
	)
	require.NoError(t, err)
	exec := respond(200, 20*time.Millisecond)

	t.Run("continue", func(t *testing.T) {
		state, outcomes := runUser(t, s, nil, UserConfig{Exec: exec, CheckPolicy: CheckContinue})
		assert.Equal(t, VUStateCompleted, state)
		require.Len(t, outcomes, 2)
		assert.Equal(t, metrics.FailureCheck, outcomes[0].Failure)
		assert.Contains(t, outcomes[0].Message, "response time")
		assert.True(t, outcomes[1].Succeeded())
	})

	t.Run("abort user", func(t *testing.T) {
		state, outcomes := runUser(t, s, nil, UserConfig{Exec: exec, CheckPolicy: CheckAbortUser})
		assert.Equal(t, VUStateAborted, state)
		require.Len(t, outcomes, 1)
		assert.Equal(t, metrics.FailureCheck, outcomes[0].Failure)
	})
}

func TestVirtualUser_RequestTimeout(t *testing.T) {
	s, err := NewScenario("slow", getStep("a"), getStep("b"))
	require.NoError(t, err)

	state, outcomes := runUser(t, s, nil, UserConfig{Exec: blocking(), RequestTimeout: 20 * time.Millisecond})

	assert.Equal(t, VUStateCompleted, state)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, metrics.FailureTimeout, o.Failure)
		assert.GreaterOrEqual(t, o.Latency, 20*time.Millisecond)
	}
}

func TestVirtualUser_CancelInFlight(t *testing.T) {
	s, err := NewScenario("cancel", getStep("a"), getStep("b"))
	require.NoError(t, err)

	rec := &recorder{}
	vu := NewVirtualUser(1, s, NewSession(1, nil), UserConfig{Exec: blocking(), Recorder: rec})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	assert.Equal(t, VUStateCancelled, vu.Run(ctx))
	assert.Equal(t, VUStateCancelled, vu.State())

	outcomes := rec.all()
	require.Len(t, outcomes, 1)
	assert.Equal(t, metrics.FailureTimeout, outcomes[0].Failure)
}

func TestVirtualUser_CancelledBeforeRequestRecordsTimeout(t *testing.T) {
	s, err := NewScenario("late", getStep("a"), getStep("b"))
	require.NoError(t, err)

	rec := &recorder{}
	var calls atomic.Int32
	exec := func(ctx context.Context, req *Request) (*Response, error) {
		calls.Add(1)
		return &Response{Status: 200}, nil
	}
	vu := NewVirtualUser(1, s, NewSession(1, nil), UserConfig{Exec: exec, Recorder: rec})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, VUStateCancelled, vu.Run(ctx))
	assert.Zero(t, calls.Load())

	outcomes := rec.all()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "a", outcomes[0].Name)
	assert.Equal(t, metrics.FailureTimeout, outcomes[0].Failure)
	assert.Equal(t, context.Canceled.Error(), outcomes[0].Message)
	assert.False(t, outcomes[0].Timestamp.IsZero())
}

func TestVirtualUser_TimeoutLatencyIsWallTimeOnScaledClock(t *testing.T) {
	s, err := NewScenario("scaled-timeout", getStep("a"))
	require.NoError(t, err)

	_, outcomes := runUser(t, s, nil, UserConfig{
		Exec:           blocking(),
		Clock:          NewScaledClock(1000),
		RequestTimeout: 20 * time.Millisecond,
	})

	require.Len(t, outcomes, 1)
	assert.Equal(t, metrics.FailureTimeout, outcomes[0].Failure)
	assert.GreaterOrEqual(t, outcomes[0].Latency, 20*time.Millisecond)
	assert.Less(t, outcomes[0].Latency, 2*time.Second)
}

func TestVirtualUser_PauseIsCancellable(t *testing.T) {
	s, err := NewScenario("pause", getStep("a"), Pause(time.Hour), getStep("b"))
	require.NoError(t, err)

	rec := &recorder{}
	vu := NewVirtualUser(1, s, NewSession(1, nil), UserConfig{Exec: respond(200, time.Millisecond), Recorder: rec})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	assert.Equal(t, VUStateCancelled, vu.Run(ctx))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Len(t, rec.all(), 1)
}

func TestVirtualUser_PauseUsesClock(t *testing.T) {
	s, err := NewScenario("scaled", Pause(10*time.Second), getStep("a"))
	require.NoError(t, err)

	start := time.Now()
	state, outcomes := runUser(t, s, nil, UserConfig{
		Exec:  respond(200, time.Millisecond),
		Clock: NewScaledClock(1000),
	})

	assert.Equal(t, VUStateCompleted, state)
	assert.Len(t, outcomes, 1)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestVirtualUser_MeasuresLatencyWhenNotReported(t *testing.T) {
	s, err := NewScenario("measured", getStep("a"))
	require.NoError(t, err)

	exec := func(ctx context.Context, req *Request) (*Response, error) {
		time.Sleep(15 * time.Millisecond)
		return &Response{Status: 200}, nil
	}
	_, outcomes := runUser(t, s, nil, UserConfig{Exec: exec})

	require.Len(t, outcomes, 1)
	assert.GreaterOrEqual(t, outcomes[0].Latency, 15*time.Millisecond)
}

func TestVirtualUser_RendersTemplates(t *testing.T) {
	s, err := NewScenario("render",
		Exec(RequestStep{
			Name:    "create",
			Method:  "POST",
			Path:    "/clients/{{client_id}}",
			Headers: map[string]string{"X-Patient": "{{item.patient_name}}"},
			Body:    `{"notes":"{{item.notes}}"}`,
		}),
		Exec(RequestStep{
			Name:   "custom",
			Method: "POST",
			Path:   "/custom",
			BodyFunc: func(s *Session) ([]byte, error) {
				return json.Marshal(map[string]string{"client": s.String("client_id")})
			},
		}),
	)
	require.NoError(t, err)

	var got []*Request
	exec := func(ctx context.Context, req *Request) (*Response, error) {
		got = append(got, req)
		return &Response{Status: 201}, nil
	}
	session := NewSession(1, map[string]interface{}{
		"client_id":         "c-9",
		"item.patient_name": "Ann",
		"item.notes":        "first visit",
	})

	_, outcomes := runUser(t, s, session, UserConfig{Exec: exec})

	require.Len(t, outcomes, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "/clients/c-9", got[0].Path)
	assert.Equal(t, "Ann", got[0].Headers["X-Patient"])
	assert.JSONEq(t, `{"notes":"first visit"}`, string(got[0].Body))
	assert.JSONEq(t, `{"client":"c-9"}`, string(got[1].Body))
}

func TestVirtualUser_BodyFuncErrorIsFailure(t *testing.T) {
	s, err := NewScenario("broken", Exec(RequestStep{
		Method:   "POST",
		Path:     "/x",
		BodyFunc: func(*Session) ([]byte, error) { return nil, errors.New("boom") },
	}))
	require.NoError(t, err)

	_, outcomes := runUser(t, s, nil, UserConfig{Exec: respond(200, time.Millisecond)})
	require.Len(t, outcomes, 1)
	assert.Equal(t, metrics.FailureTransport, outcomes[0].Failure)
	assert.Contains(t, outcomes[0].Message, "boom")
}

func TestVirtualUser_Extract(t *testing.T) {
	s, err := NewScenario("extract",
		Exec(RequestStep{
			Name:    "create",
			Method:  "POST",
			Path:    "/appointments",
			Extract: []Extract{{Name: "appointmentId", Path: "id"}},
		}),
		Exec(RequestStep{Name: "get", Method: "GET", Path: "/appointments/{{appointmentId}}"}),
	)
	require.NoError(t, err)

	var paths []string
	exec := func(ctx context.Context, req *Request) (*Response, error) {
		paths = append(paths, req.Path)
		return &Response{Status: 200, Body: []byte(`{"id":"a-42"}`)}, nil
	}
	session := NewSession(1, nil)
	runUser(t, s, session, UserConfig{Exec: exec})

	assert.Equal(t, []string{"/appointments", "/appointments/a-42"}, paths)
	assert.Equal(t, "a-42", session.String("appointmentId"))
}
