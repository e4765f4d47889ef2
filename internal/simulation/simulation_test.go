package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wesleyorama2/apptload/internal/config"
	apphttp "github.com/wesleyorama2/apptload/internal/http"
	"github.com/wesleyorama2/apptload/internal/performance"
	"github.com/wesleyorama2/apptload/internal/performance/assertion"
	"github.com/wesleyorama2/apptload/internal/performance/engine"
)

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg, err := config.FromOptions(map[string]string{
		config.KeyBaseURL:           baseURL,
		config.KeyUsersCreate:       "4",
		config.KeyUsersCreateStatic: "2",
		config.KeyUsersQuery:        "6",
		config.KeyRampDuration:      "2",
		config.KeyConstantDuration:  "3",
	})
	require.NoError(t, err)
	return cfg
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"create", "create-static", "query"}, Names())

	d, ok := Lookup("query")
	require.True(t, ok)
	assert.Equal(t, "query", d.Name)
	assert.NotEmpty(t, d.Description)

	_, ok = Lookup("delete")
	assert.False(t, ok)
}

func TestBuild_UnknownSimulation(t *testing.T) {
	_, err := Build("delete", testConfig(t, "http://localhost:3000"), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrConfiguration))
}

func TestCreate(t *testing.T) {
	sim, err := Build(NameCreate, testConfig(t, "http://localhost:3000"), Options{Seed: 1})
	require.NoError(t, err)

	assert.Equal(t, []performance.Segment{
		performance.Ramp(1, 4, 2*time.Second),
		performance.Constant(4, 3*time.Second),
	}, sim.Profile.Segments())
	assert.Equal(t, []assertion.Rule{
		assertion.MeanBelow(2 * time.Second),
		assertion.SuccessPercentAbove(95),
	}, sim.Assertions)
	require.NotNil(t, sim.Feeder)

	require.Equal(t, 2, sim.Scenario.Len())
	step := sim.Scenario.Step(0).Request
	assert.Equal(t, "POST", step.Method)
	assert.Equal(t, PathCreate, step.Path)
	assert.Equal(t, ThinkTime, sim.Scenario.Step(1).Pause)
}

func TestCreateStatic(t *testing.T) {
	sim, err := Build(NameCreateStatic, testConfig(t, "http://localhost:3000"), Options{})
	require.NoError(t, err)

	assert.Equal(t, []performance.Segment{
		performance.Ramp(1, 2, 2*time.Second),
		performance.Constant(2, time.Second),
	}, sim.Profile.Segments(), "constant phase is half of constantDuration in whole seconds")
	assert.Empty(t, sim.Assertions)
	assert.Nil(t, sim.Feeder)

	var body AppointmentRequest
	require.NoError(t, json.Unmarshal([]byte(sim.Scenario.Step(0).Request.Body), &body))
	assert.NotEmpty(t, body.ClientID)
	assert.NotEmpty(t, body.Item.PatientName)
}

func TestQuery(t *testing.T) {
	sim, err := Build(NameQuery, testConfig(t, "http://localhost:3000"), Options{})
	require.NoError(t, err)

	assert.Equal(t, 6.0, sim.Profile.Segments()[1].From)
	assert.Equal(t, []assertion.Rule{
		assertion.MaxBelow(5 * time.Second),
		assertion.SuccessPercentAbove(95),
	}, sim.Assertions)

	step := sim.Scenario.Step(0).Request
	assert.Equal(t, "GET", step.Method)
	assert.Equal(t, PathQuery, step.Path)
	assert.Len(t, step.Checks, 2)
}

func TestMissingUsersCreateNeverSchedules(t *testing.T) {
	_, err := config.FromOptions(map[string]string{
		config.KeyBaseURL:           "http://localhost:3000",
		config.KeyUsersCreateStatic: "2",
		config.KeyUsersQuery:        "6",
		config.KeyRampDuration:      "2",
		config.KeyConstantDuration:  "3",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrConfiguration))
	assert.Contains(t, err.Error(), config.KeyUsersCreate)
}

func TestAppointmentBody(t *testing.T) {
	s := performance.NewSession(1, map[string]interface{}{
		"client_id":            "client-009",
		"item.scheduled_start": "2025-03-03T08:00:00Z",
		"item.scheduled_end":   "2025-03-03T08:30:00Z",
		"item.patient_name":    "Ava Thompson",
		"item.notes":           nil,
	})

	body, err := appointmentBody(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"client_id": "client-009",
		"item": {
			"scheduled_start": "2025-03-03T08:00:00Z",
			"scheduled_end": "2025-03-03T08:30:00Z",
			"patient_name": "Ava Thompson",
			"notes": null
		}
	}`, string(body))

	s.Set("item.notes", "Annual check-up")
	body, err = appointmentBody(s)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"notes":"Annual check-up"`)
}

// fakeAPI serves the appointment endpoints and keeps every created body.
type fakeAPI struct {
	mu      sync.Mutex
	created []AppointmentRequest
	queries atomic.Int64
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == PathCreate:
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		if errs := appointmentSchema.Validate(raw); len(errs) > 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req AppointmentRequest
		_ = json.Unmarshal(raw, &req)
		f.mu.Lock()
		f.created = append(f.created, req)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Appointment{ID: "a-1", PatientName: req.Item.PatientName})
	case r.Method == http.MethodGet && r.URL.Path == PathQuery:
		f.queries.Add(1)
		_ = json.NewEncoder(w).Encode([]Appointment{{ID: "a-1", PatientName: "Ava Thompson"}})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func runSimulation(t *testing.T, name string) (*engine.Result, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	cfg := testConfig(t, server.URL)
	sim, err := Build(name, cfg, Options{Seed: 3})
	require.NoError(t, err)

	client := apphttp.NewClient(apphttp.DefaultConfig(), apphttp.WithBaseURL(cfg.BaseURL))
	e, err := engine.New(sim, engine.Options{
		Exec:        client.RequestFunc(),
		GracePeriod: 10 * time.Second,
		Clock:       performance.NewScaledClock(20),
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	result, err := e.Run(context.Background())
	require.NoError(t, err)
	return result, api
}

func TestCreate_EndToEnd(t *testing.T) {
	result, api := runSimulation(t, NameCreate)

	assert.True(t, result.Passed)
	assert.Equal(t, 100.0, result.Metrics.SuccessPercent)
	// ramp 1->4 over 2s (5 users) then 4/s for 3s (12 users)
	assert.Equal(t, int64(17), result.Metrics.TotalRequests)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.created, 17)
	for _, req := range api.created {
		assert.NotEmpty(t, req.ClientID)
		assert.NotEmpty(t, req.Item.PatientName)
	}
}

func TestCreateStatic_EndToEnd(t *testing.T) {
	result, api := runSimulation(t, NameCreateStatic)

	assert.True(t, result.Passed)
	assert.Empty(t, result.Verdict.Results)
	// ramp 1->2 over 2s (3 users) then 2/s for 1s (2 users)
	assert.Equal(t, int64(5), result.Metrics.TotalRequests)

	api.mu.Lock()
	defer api.mu.Unlock()
	for _, req := range api.created {
		assert.Equal(t, "Static Patient", req.Item.PatientName)
	}
}

func TestQuery_EndToEnd(t *testing.T) {
	result, api := runSimulation(t, NameQuery)

	assert.True(t, result.Passed)
	// ramp 1->6 over 2s (7 users) then 6/s for 3s (18 users)
	assert.Equal(t, int64(25), result.Metrics.TotalRequests)
	assert.Equal(t, int64(25), api.queries.Load())
	assert.Equal(t, int64(25), result.Metrics.StatusCodes[http.StatusOK])
}
