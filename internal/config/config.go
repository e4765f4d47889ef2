// Package config holds the run configuration record for apptload and the
// loader that populates it from files, the environment and CLI overrides.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Option names accepted by FromOptions.
const (
	KeyBaseURL           = "baseUrl"
	KeyUsersCreate       = "usersCreate"
	KeyUsersCreateStatic = "usersCreateStatic"
	KeyUsersQuery        = "usersQuery"
	KeyRampDuration      = "rampDuration"
	KeyConstantDuration  = "constantDuration"
)

// RequiredKeys lists every option FromOptions insists on, in report order.
var RequiredKeys = []string{
	KeyBaseURL,
	KeyUsersCreate,
	KeyUsersCreateStatic,
	KeyUsersQuery,
	KeyRampDuration,
	KeyConstantDuration,
}

// Check failure policies.
const (
	CheckPolicyContinue  = "continue"
	CheckPolicyAbortUser = "abort-user"
)

// Config is the immutable record every simulation is built from.
//
// It is populated once at startup and never consults the environment itself.
type Config struct {
	// BaseURL of the appointment API under test
	BaseURL string `json:"baseUrl" yaml:"baseUrl"`

	// Target arrival rates (users per second) per simulation
	UsersCreate       int `json:"usersCreate" yaml:"usersCreate"`
	UsersCreateStatic int `json:"usersCreateStatic" yaml:"usersCreateStatic"`
	UsersQuery        int `json:"usersQuery" yaml:"usersQuery"`

	// RampDuration is the length of the linear ramp phase
	RampDuration time.Duration `json:"rampDuration" yaml:"rampDuration"`

	// ConstantDuration is the length of the constant-rate phase
	ConstantDuration time.Duration `json:"constantDuration" yaml:"constantDuration"`

	// Engine tuning
	Engine EngineSettings `json:"engine" yaml:"engine"`
}

// EngineSettings tunes how runs are executed rather than what they do.
type EngineSettings struct {
	// GracePeriod bounds the draining phase before in-flight users are
	// cancelled; nil means unset, zero cancels them at the profile end
	GracePeriod *Duration `json:"gracePeriod,omitempty" yaml:"gracePeriod,omitempty"`

	// RequestTimeout is the per-request HTTP timeout; nil means unset, zero
	// disables it
	RequestTimeout *Duration `json:"requestTimeout,omitempty" yaml:"requestTimeout,omitempty"`

	// CheckPolicy is "continue" or "abort-user"
	CheckPolicy string `json:"checkPolicy,omitempty" yaml:"checkPolicy,omitempty"`

	// TimeScale runs scheduled time this many times faster than wall time
	TimeScale float64 `json:"timeScale,omitempty" yaml:"timeScale,omitempty"`

	// Seed for feeder shuffling; 0 picks a time-based seed
	Seed int64 `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// DefaultEngineSettings returns the settings used when none are configured.
func DefaultEngineSettings() EngineSettings {
	return EngineSettings{
		GracePeriod:    DurationOf(30 * time.Second),
		RequestTimeout: DurationOf(30 * time.Second),
		CheckPolicy:    CheckPolicyContinue,
		TimeScale:      1,
	}
}

// ApplyDefaults fills unset engine settings. Durations set to zero are kept.
func ApplyDefaults(s *EngineSettings) {
	def := DefaultEngineSettings()
	if s.GracePeriod == nil {
		s.GracePeriod = def.GracePeriod
	}
	if s.RequestTimeout == nil {
		s.RequestTimeout = def.RequestTimeout
	}
	if s.CheckPolicy == "" {
		s.CheckPolicy = def.CheckPolicy
	}
	if s.TimeScale == 0 {
		s.TimeScale = def.TimeScale
	}
}

// Grace returns the grace period, or zero when unset.
func (s EngineSettings) Grace() time.Duration {
	if s.GracePeriod == nil {
		return 0
	}
	return s.GracePeriod.Std()
}

// Timeout returns the request timeout, or zero when unset.
func (s EngineSettings) Timeout() time.Duration {
	if s.RequestTimeout == nil {
		return 0
	}
	return s.RequestTimeout.Std()
}

// FromOptions builds a Config from a flat option map.
//
// Every key in RequiredKeys must be present; there are no silent defaults here.
// Durations accept integer seconds ("60") or Go durations ("1m").
func FromOptions(opts map[string]string) (*Config, error) {
	errs := &ValidationErrors{}
	cfg := &Config{Engine: DefaultEngineSettings()}

	for _, key := range RequiredKeys {
		if strings.TrimSpace(opts[key]) == "" {
			errs.Add(key, "required option is missing")
		}
	}

	if raw := strings.TrimSpace(opts[KeyBaseURL]); raw != "" {
		if err := validateBaseURL(raw); err != nil {
			errs.Add(KeyBaseURL, err.Error())
		}
		cfg.BaseURL = strings.TrimRight(raw, "/")
	}

	cfg.UsersCreate = positiveInt(opts, KeyUsersCreate, errs)
	cfg.UsersCreateStatic = positiveInt(opts, KeyUsersCreateStatic, errs)
	cfg.UsersQuery = positiveInt(opts, KeyUsersQuery, errs)
	cfg.RampDuration = positiveDuration(opts, KeyRampDuration, errs)
	cfg.ConstantDuration = positiveDuration(opts, KeyConstantDuration, errs)

	if err := errs.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks engine settings.
func (s EngineSettings) Validate() error {
	errs := &ValidationErrors{}
	if s.Grace() < 0 {
		errs.Add("engine.gracePeriod", "cannot be negative")
	}
	if s.Timeout() < 0 {
		errs.Add("engine.requestTimeout", "cannot be negative")
	}
	if s.TimeScale < 0 {
		errs.Add("engine.timeScale", "cannot be negative")
	}
	switch s.CheckPolicy {
	case "", CheckPolicyContinue, CheckPolicyAbortUser:
	default:
		errs.Add("engine.checkPolicy", fmt.Sprintf("unknown policy %q (want %q or %q)",
			s.CheckPolicy, CheckPolicyContinue, CheckPolicyAbortUser))
	}
	return errs.Err()
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func positiveInt(opts map[string]string, key string, errs *ValidationErrors) int {
	raw := strings.TrimSpace(opts[key])
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		errs.Add(key, fmt.Sprintf("must be an integer, got %q", raw))
		return 0
	}
	if n <= 0 {
		errs.Add(key, "must be greater than 0")
	}
	return n
}

func positiveDuration(opts map[string]string, key string, errs *ValidationErrors) time.Duration {
	raw := strings.TrimSpace(opts[key])
	if raw == "" {
		return 0
	}
	d, err := ParseDurationString(raw)
	if err != nil {
		errs.Add(key, err.Error())
		return 0
	}
	if d <= 0 {
		errs.Add(key, "must be greater than 0")
	}
	return d
}
