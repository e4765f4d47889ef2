package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultBaseURL is used when no layer supplies baseUrl.
const DefaultBaseURL = "http://localhost:3000"

// EnvUserCount fills every users* option still unset after the file and
// the specific environment variables have been applied.
const EnvUserCount = "USER_COUNT"

// EnvVars maps environment variables onto option names.
var EnvVars = map[string]string{
	"BASE_URL":            KeyBaseURL,
	"USERS_CREATE":        KeyUsersCreate,
	"USERS_CREATE_STATIC": KeyUsersCreateStatic,
	"USERS_QUERY":         KeyUsersQuery,
	"RAMP_DURATION":       KeyRampDuration,
	"CONSTANT_DURATION":   KeyConstantDuration,
}

// File is the on-disk layout of a configuration file.
//
// Example YAML:
//
//	options:
//	  baseUrl: "http://localhost:3000"
//	  usersCreate: 10
//	  usersCreateStatic: 5
//	  usersQuery: 20
//	  rampDuration: 30
//	  constantDuration: 60
//	engine:
//	  gracePeriod: 10s
//	  checkPolicy: continue
type File struct {
	Options map[string]interface{} `json:"options" yaml:"options"`
	Engine  EngineSettings         `json:"engine,omitempty" yaml:"engine,omitempty"`
}

// Sources lists the layers a Config is assembled from, lowest precedence first.
type Sources struct {
	// Path to a .yaml, .yml, .json or .properties file; empty to skip
	Path string

	// LookupEnv reads the environment; nil skips the environment layer
	LookupEnv func(string) (string, bool)

	// Overrides are applied last (e.g. --set key=value)
	Overrides map[string]string
}

// Load assembles options from every layer and builds the Config.
func Load(src Sources) (*Config, error) {
	opts, engine, err := LoadOptions(src)
	if err != nil {
		return nil, err
	}

	cfg, err := FromOptions(opts)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(&engine)
	if err := engine.Validate(); err != nil {
		return nil, err
	}
	cfg.Engine = engine
	return cfg, nil
}

// LoadOptions merges the configured layers into a flat option map.
func LoadOptions(src Sources) (map[string]string, EngineSettings, error) {
	opts := make(map[string]string)
	var engine EngineSettings

	if src.Path != "" {
		file, err := LoadFile(src.Path)
		if err != nil {
			return nil, engine, err
		}
		for k, v := range file.Options {
			opts[k] = stringify(v)
		}
		engine = file.Engine
	}

	if src.LookupEnv != nil {
		for env, key := range EnvVars {
			if v, ok := src.LookupEnv(env); ok && v != "" {
				opts[key] = v
			}
		}
		if v, ok := src.LookupEnv(EnvUserCount); ok && v != "" {
			for _, key := range []string{KeyUsersCreate, KeyUsersCreateStatic, KeyUsersQuery} {
				if opts[key] == "" {
					opts[key] = v
				}
			}
		}
	}

	for k, v := range src.Overrides {
		opts[k] = v
	}

	if opts[KeyBaseURL] == "" {
		opts[KeyBaseURL] = DefaultBaseURL
	}

	return opts, engine, nil
}

// LoadFile reads and parses a configuration file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseFile(data, path)
}

// ParseFile parses configuration data.
//
// The format is determined by the extension in path; unknown or empty
// extensions are parsed as YAML.
func ParseFile(data []byte, path string) (*File, error) {
	var file File

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".properties":
		opts, err := parseProperties(data)
		if err != nil {
			return nil, err
		}
		file.Options = opts
	default:
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	return &file, nil
}

// parseProperties reads key=value lines; '#' and '!' start comments.
func parseProperties(data []byte) (map[string]interface{}, error) {
	opts := make(map[string]interface{})
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || line[0] == '!' {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			key, value, ok = strings.Cut(line, ":")
		}
		if !ok {
			return nil, fmt.Errorf("failed to parse properties config: line %d has no separator", lineNo)
		}
		opts[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse properties config: %w", err)
	}
	return opts, nil
}

// ParseOverrides turns "key=value" pairs into an override map.
func ParseOverrides(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, &ValidationError{Field: pair, Message: "override must look like key=value"}
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// JSON numbers
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}
