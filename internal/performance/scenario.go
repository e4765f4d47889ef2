package performance

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wesleyorama2/apptload/internal/config"
	"github.com/wesleyorama2/apptload/pkg/jsonpath"
)

// Request is what a virtual user hands to the request-execution function.
type Request struct {
	Name    string
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
}

// Response is what the request-execution function returns.
type Response struct {
	Status int

	// Latency as measured by the transport; zero lets the user measure it
	Latency time.Duration

	Body []byte
}

// RequestFunc executes one request.
//
// A non-nil error means no response was obtained (a transport failure); it is
// recorded as a failed outcome and never aborts the run. Implementations must
// return promptly once ctx is done.
type RequestFunc func(ctx context.Context, req *Request) (*Response, error)

// Feeder supplies per-user input values. Next must be safe for concurrent use.
type Feeder interface {
	Next() (map[string]interface{}, error)
}

// FeederFunc adapts a function to Feeder.
type FeederFunc func() (map[string]interface{}, error)

// Next calls f.
func (f FeederFunc) Next() (map[string]interface{}, error) { return f() }

// CheckPolicy decides what a failed check does to the rest of the scenario.
type CheckPolicy int

const (
	// CheckContinue records the failure and keeps executing steps.
	CheckContinue CheckPolicy = iota

	// CheckAbortUser records the failure and terminates the user.
	CheckAbortUser
)

// ParseCheckPolicy maps configuration names onto a CheckPolicy.
func ParseCheckPolicy(s string) (CheckPolicy, error) {
	switch s {
	case "", config.CheckPolicyContinue:
		return CheckContinue, nil
	case config.CheckPolicyAbortUser:
		return CheckAbortUser, nil
	default:
		return CheckContinue, &config.ValidationError{
			Field:   "checkPolicy",
			Message: fmt.Sprintf("unknown policy %q", s),
		}
	}
}

func (p CheckPolicy) String() string {
	if p == CheckAbortUser {
		return config.CheckPolicyAbortUser
	}
	return config.CheckPolicyContinue
}

// CheckKind identifies a per-response check.
type CheckKind string

const (
	// CheckStatusIn passes when the status is one of Statuses
	CheckStatusIn CheckKind = "status-in"

	// CheckStatusIs passes when the status equals the single expected code
	CheckStatusIs CheckKind = "status-is"

	// CheckLatencyUnder passes when the latency is below Max
	CheckLatencyUnder CheckKind = "latency-under"

	// CheckJSONPath passes when Path exists in the body, and renders as Equals if set
	CheckJSONPath CheckKind = "json-path"
)

// Check is a per-response assertion evaluated while the user runs.
type Check struct {
	Kind CheckKind

	// Statuses for status-in / status-is
	Statuses []int

	// Max latency for latency-under (exclusive)
	Max time.Duration

	// Path for json-path checks ($.a.b or a.b); Equals, when set, must match its string value
	Path   string
	Equals string
}

// StatusIn passes when the status is one of codes.
func StatusIn(codes ...int) Check { return Check{Kind: CheckStatusIn, Statuses: codes} }

// StatusIs passes when the status equals code.
func StatusIs(code int) Check { return Check{Kind: CheckStatusIs, Statuses: []int{code}} }

// LatencyUnder passes when the latency is strictly below max.
func LatencyUnder(max time.Duration) Check { return Check{Kind: CheckLatencyUnder, Max: max} }

// JSONPathExists passes when the response body has a value at path.
func JSONPathExists(path string) Check { return Check{Kind: CheckJSONPath, Path: path} }

// JSONPathEquals passes when the value at path renders as want.
func JSONPathEquals(path, want string) Check {
	return Check{Kind: CheckJSONPath, Path: path, Equals: want}
}

// isStatusCheck reports whether c constrains the status code.
func (c Check) isStatusCheck() bool {
	return c.Kind == CheckStatusIn || c.Kind == CheckStatusIs
}

// Evaluate returns nil when the response satisfies the check.
func (c Check) Evaluate(status int, latency time.Duration, body []byte) error {
	switch c.Kind {
	case CheckStatusIn, CheckStatusIs:
		for _, s := range c.Statuses {
			if s == status {
				return nil
			}
		}
		if len(c.Statuses) == 1 {
			return fmt.Errorf("status %d, expected %d", status, c.Statuses[0])
		}
		return fmt.Errorf("status %d, expected one of %v", status, c.Statuses)

	case CheckLatencyUnder:
		if latency < c.Max {
			return nil
		}
		return fmt.Errorf("response time %s, expected < %s", latency, c.Max)

	case CheckJSONPath:
		result, ok := jsonpath.Lookup(body, c.Path)
		if !ok {
			return fmt.Errorf("json path %q not found", c.Path)
		}
		if c.Equals != "" && result.String() != c.Equals {
			return fmt.Errorf("json path %q is %q, expected %q", c.Path, result.String(), c.Equals)
		}
		return nil

	default:
		return fmt.Errorf("unknown check kind %q", c.Kind)
	}
}

func (c Check) String() string {
	switch c.Kind {
	case CheckStatusIn:
		return fmt.Sprintf("status in %v", c.Statuses)
	case CheckStatusIs:
		return fmt.Sprintf("status is %v", c.Statuses)
	case CheckLatencyUnder:
		return fmt.Sprintf("response time < %s", c.Max)
	case CheckJSONPath:
		if c.Equals != "" {
			return fmt.Sprintf("jsonPath(%s) == %q", c.Path, c.Equals)
		}
		return fmt.Sprintf("jsonPath(%s) exists", c.Path)
	default:
		return string(c.Kind)
	}
}

// defaultStatusOK is applied when a request declares no status check:
// any 2xx or 304 succeeds.
func defaultStatusOK(status int) error {
	if (status >= 200 && status < 300) || status == 304 {
		return nil
	}
	return fmt.Errorf("status %d, expected 2xx or 304", status)
}

// Extract saves a value from a JSON response body into the session.
type Extract struct {
	// Name of the session variable
	Name string

	// Path into the response body ($.a.b or a.b)
	Path string
}

// StepKind tags a scenario step.
type StepKind string

const (
	// StepRequest sends one HTTP request
	StepRequest StepKind = "request"

	// StepPause waits on the run clock
	StepPause StepKind = "pause"
)

// Step is one element of a scenario: a request or a pause.
type Step struct {
	Kind    StepKind
	Request *RequestStep
	Pause   time.Duration
}

// Exec wraps a request template as a step.
func Exec(r RequestStep) Step {
	return Step{Kind: StepRequest, Request: &r}
}

// Pause builds a think-time step.
func Pause(d time.Duration) Step {
	return Step{Kind: StepPause, Pause: d}
}

// RequestStep is a request template rendered against a user's session.
//
// Path, header values and Body may reference session variables as {{name}};
// {{uuid}} renders a fresh random UUID. BodyFunc, when set, replaces Body.
type RequestStep struct {
	Name     string
	Method   string
	Path     string
	Headers  map[string]string
	Body     string
	BodyFunc func(*Session) ([]byte, error)
	Checks   []Check
	Extract  []Extract

	// Timeout overrides the user's default request timeout
	Timeout time.Duration
}

// Scenario is an immutable, ordered list of steps shared by every user.
type Scenario struct {
	name  string
	steps []Step
}

// NewScenario validates steps and builds a Scenario.
func NewScenario(name string, steps ...Step) (*Scenario, error) {
	errs := &config.ValidationErrors{}
	if name == "" {
		errs.Add("scenario.name", "name is required")
	}
	if len(steps) == 0 {
		errs.Add("scenario.steps", "at least one step is required")
	}

	cp := make([]Step, len(steps))
	for i, s := range steps {
		field := fmt.Sprintf("scenario.steps[%d]", i)
		switch s.Kind {
		case StepRequest:
			if s.Request == nil {
				errs.Add(field, "request step without request")
				continue
			}
			r := *s.Request
			if r.Method == "" {
				errs.Add(field+".method", "method is required")
			}
			if r.Path == "" {
				errs.Add(field+".path", "path is required")
			}
			if r.Timeout < 0 {
				errs.Add(field+".timeout", "timeout cannot be negative")
			}
			if r.Name == "" {
				r.Name = fmt.Sprintf("%s %s", r.Method, r.Path)
			}
			r.Checks = append([]Check(nil), r.Checks...)
			r.Extract = append([]Extract(nil), r.Extract...)
			if r.Headers != nil {
				h := make(map[string]string, len(r.Headers))
				for k, v := range r.Headers {
					h[k] = v
				}
				r.Headers = h
			}
			cp[i] = Step{Kind: StepRequest, Request: &r}
		case StepPause:
			if s.Pause < 0 {
				errs.Add(field+".pause", "pause cannot be negative")
			}
			cp[i] = s
		default:
			errs.Add(field+".kind", fmt.Sprintf("unknown step kind %q", s.Kind))
		}
	}

	if err := errs.Err(); err != nil {
		return nil, err
	}
	return &Scenario{name: name, steps: cp}, nil
}

// Name returns the scenario name.
func (s *Scenario) Name() string { return s.name }

// Len returns the number of steps.
func (s *Scenario) Len() int { return len(s.steps) }

// Step returns the i-th step. The returned request template must not be modified.
func (s *Scenario) Step(i int) Step { return s.steps[i] }

// Requests returns the names of the request steps in order.
func (s *Scenario) Requests() []string {
	var names []string
	for _, step := range s.steps {
		if step.Kind == StepRequest {
			names = append(names, step.Request.Name)
		}
	}
	return names
}

// Session is one virtual user's variable scope. It is owned by a single user
// and is not safe for concurrent use.
type Session struct {
	ID        string
	UserIndex int
	vars      map[string]interface{}
}

// NewSession creates a session seeded with vars.
func NewSession(userIndex int, vars map[string]interface{}) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		UserIndex: userIndex,
		vars:      make(map[string]interface{}, len(vars)),
	}
	for k, v := range vars {
		s.vars[k] = v
	}
	return s
}

// Get returns a variable.
func (s *Session) Get(key string) (interface{}, bool) {
	v, ok := s.vars[key]
	return v, ok
}

// String returns a variable rendered as a string, or "" when unset.
func (s *Session) String(key string) string {
	v, ok := s.vars[key]
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// Set stores a variable.
func (s *Session) Set(key string, value interface{}) {
	s.vars[key] = value
}

// Len returns the number of variables.
func (s *Session) Len() int { return len(s.vars) }

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render replaces {{name}} placeholders with session values.
// Unknown names are left as-is.
func (s *Session) Render(input string) string {
	if !strings.Contains(input, "{{") {
		return input
	}
	return placeholder.ReplaceAllStringFunc(input, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		switch name {
		case "uuid":
			return uuid.NewString()
		case "sessionId":
			return s.ID
		case "userIndex":
			return fmt.Sprint(s.UserIndex)
		}
		if _, ok := s.vars[name]; ok {
			return s.String(name)
		}
		return m
	})
}
