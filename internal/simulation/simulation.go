// Package simulation defines the built-in appointment API simulations.
package simulation

import (
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/wesleyorama2/apptload/internal/config"
	"github.com/wesleyorama2/apptload/internal/feeder"
	"github.com/wesleyorama2/apptload/internal/performance"
	"github.com/wesleyorama2/apptload/internal/performance/assertion"
	"github.com/wesleyorama2/apptload/internal/performance/engine"
	"github.com/wesleyorama2/apptload/pkg/jsonschema"
)

// Simulation names.
const (
	NameCreate       = "create"
	NameCreateStatic = "create-static"
	NameQuery        = "query"
)

const (
	descCreate       = "POST appointments built from the appointments.json feeder"
	descCreateStatic = "POST a fixed appointment payload"
	descQuery        = "GET the appointment list"
)

// Endpoints of the appointment API.
const (
	PathCreate = "/v1/appointments/create"
	PathQuery  = "/v1/appointments/query"
)

// ThinkTime is the pause after every request.
const ThinkTime = time.Second

//go:embed data
var data embed.FS

var appointmentSchema = func() *jsonschema.Schema {
	raw, err := data.ReadFile("data/appointment.schema.json")
	if err != nil {
		panic(err)
	}
	return jsonschema.MustCompile("appointment.schema.json", string(raw))
}()

// ValidateAppointment checks body against the AppointmentRequest schema.
func ValidateAppointment(body []byte) error {
	if errs := appointmentSchema.Validate(body); len(errs) > 0 {
		return errs
	}
	return nil
}

// Options tune how simulations are built.
type Options struct {
	// Seed for the appointment feeder; 0 uses the current time
	Seed int64
}

// Definition describes a built-in simulation.
type Definition struct {
	Name        string
	Description string
	Build       func(cfg *config.Config, opts Options) (*engine.Simulation, error)
}

var registry = map[string]Definition{
	NameCreate: {
		Name:        NameCreate,
		Description: descCreate,
		Build:       Create,
	},
	NameCreateStatic: {
		Name:        NameCreateStatic,
		Description: descCreateStatic,
		Build:       CreateStatic,
	},
	NameQuery: {
		Name:        NameQuery,
		Description: descQuery,
		Build:       Query,
	},
}

// All returns every definition sorted by name.
func All() []Definition {
	out := make([]Definition, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted simulation names.
func Names() []string {
	defs := All()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// Lookup finds a definition by name.
func Lookup(name string) (Definition, bool) {
	d, ok := registry[name]
	return d, ok
}

// Build builds the named simulation.
func Build(name string, cfg *config.Config, opts Options) (*engine.Simulation, error) {
	d, ok := Lookup(name)
	if !ok {
		return nil, &config.ValidationError{
			Field:   "simulation",
			Message: fmt.Sprintf("unknown simulation %q (available: %v)", name, Names()),
		}
	}
	return d.Build(cfg, opts)
}

// profile ramps the arrival rate from 1 to users over ramp, then holds it.
func profile(users int, ramp, constant time.Duration) (*performance.Profile, error) {
	return performance.NewProfile(
		performance.Ramp(1, float64(users), ramp),
		performance.Constant(float64(users), constant),
	)
}

func createChecks() []performance.Check {
	return []performance.Check{
		performance.StatusIn(200, 201),
		performance.LatencyUnder(3000 * time.Millisecond),
	}
}

// Create posts one appointment per user, with the body built from a random
// appointments.json record.
func Create(cfg *config.Config, opts Options) (*engine.Simulation, error) {
	raw, err := data.ReadFile("data/appointments.json")
	if err != nil {
		return nil, err
	}
	feed, err := feeder.FromJSON("appointments.json", raw, feeder.Options{
		Strategy: feeder.Random,
		Seed:     opts.Seed,
		Schema:   appointmentSchema,
	})
	if err != nil {
		return nil, err
	}

	prof, err := profile(cfg.UsersCreate, cfg.RampDuration, cfg.ConstantDuration)
	if err != nil {
		return nil, err
	}

	scenario, err := performance.NewScenario("Create Appointments Dynamic",
		performance.Exec(performance.RequestStep{
			Name:     "Create Appointment",
			Method:   "POST",
			Path:     PathCreate,
			BodyFunc: appointmentBody,
			Checks:   createChecks(),
		}),
		performance.Pause(ThinkTime),
	)
	if err != nil {
		return nil, err
	}

	return &engine.Simulation{
		Name:        NameCreate,
		Description: descCreate,
		Profile:     prof,
		Scenario:    scenario,
		Feeder:      feed,
		Assertions: []assertion.Rule{
			assertion.MeanBelow(2000 * time.Millisecond),
			assertion.SuccessPercentAbove(95),
		},
	}, nil
}

// appointmentBody serializes the session's feeder record as an AppointmentRequest.
func appointmentBody(s *performance.Session) ([]byte, error) {
	req := AppointmentRequest{
		ClientID: s.String("client_id"),
		Item: AppointmentItem{
			ScheduledStart: s.String("item.scheduled_start"),
			ScheduledEnd:   s.String("item.scheduled_end"),
			PatientName:    s.String("item.patient_name"),
		},
	}
	if v, ok := s.Get("item.notes"); ok && v != nil {
		notes := s.String("item.notes")
		req.Item.Notes = &notes
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize appointment request: %w", err)
	}
	return body, nil
}

// CreateStatic posts create_appointment.json for every user. Its constant
// phase lasts half of constantDuration, in whole seconds, and it has no
// assertions.
func CreateStatic(cfg *config.Config, _ Options) (*engine.Simulation, error) {
	body, err := data.ReadFile("data/create_appointment.json")
	if err != nil {
		return nil, err
	}
	if errs := appointmentSchema.Validate(body); len(errs) > 0 {
		return nil, &config.ValidationError{Field: "create_appointment.json", Message: errs.Error()}
	}

	prof, err := profile(cfg.UsersCreateStatic, cfg.RampDuration, (cfg.ConstantDuration / 2).Truncate(time.Second))
	if err != nil {
		return nil, err
	}

	scenario, err := performance.NewScenario("Create Appointments Static",
		performance.Exec(performance.RequestStep{
			Name:   "Create Appointment Static",
			Method: "POST",
			Path:   PathCreate,
			Body:   string(body),
			Checks: createChecks(),
		}),
		performance.Pause(ThinkTime),
	)
	if err != nil {
		return nil, err
	}

	return &engine.Simulation{
		Name:        NameCreateStatic,
		Description: descCreateStatic,
		Profile:     prof,
		Scenario:    scenario,
	}, nil
}

// Query fetches the appointment list.
func Query(cfg *config.Config, _ Options) (*engine.Simulation, error) {
	prof, err := profile(cfg.UsersQuery, cfg.RampDuration, cfg.ConstantDuration)
	if err != nil {
		return nil, err
	}

	scenario, err := performance.NewScenario("Query Appointments",
		performance.Exec(performance.RequestStep{
			Name:   "Get Appointments",
			Method: "GET",
			Path:   PathQuery,
			Checks: []performance.Check{
				performance.StatusIs(200),
				performance.LatencyUnder(2000 * time.Millisecond),
			},
		}),
		performance.Pause(ThinkTime),
	)
	if err != nil {
		return nil, err
	}

	return &engine.Simulation{
		Name:        NameQuery,
		Description: descQuery,
		Profile:     prof,
		Scenario:    scenario,
		Assertions: []assertion.Rule{
			assertion.MaxBelow(5000 * time.Millisecond),
			assertion.SuccessPercentAbove(95),
		},
	}, nil
}
