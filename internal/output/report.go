package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/apptload/internal/performance/engine"
)

// Format is a machine-readable report encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the report format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported report extension %q (want .json, .yaml or .yml)", filepath.Ext(path))
	}
}

// Report groups the results of one invocation.
type Report struct {
	GeneratedAt time.Time        `json:"generatedAt" yaml:"generatedAt"`
	Passed      bool             `json:"passed" yaml:"passed"`
	Simulations []*engine.Result `json:"simulations" yaml:"simulations"`
}

// NewReport builds a report; it passes only when every result passed.
// Nil results are skipped.
func NewReport(generatedAt time.Time, results ...*engine.Result) *Report {
	r := &Report{GeneratedAt: generatedAt, Passed: true, Simulations: make([]*engine.Result, 0, len(results))}
	for _, res := range results {
		if res == nil {
			continue
		}
		r.Simulations = append(r.Simulations, res)
		if !res.Passed {
			r.Passed = false
		}
	}
	return r
}

// WriteJSON writes the report as indented JSON.
func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode JSON report: %w", err)
	}
	return nil
}

// WriteYAML writes the report as YAML.
func WriteYAML(w io.Writer, r *Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode YAML report: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode YAML report: %w", err)
	}
	return nil
}

// Write encodes the report in the given format.
func Write(w io.Writer, format Format, r *Report) error {
	switch format {
	case FormatJSON:
		return WriteJSON(w, r)
	case FormatYAML:
		return WriteYAML(w, r)
	default:
		return fmt.Errorf("unsupported report format %q", format)
	}
}

// WriteFile writes the report to path, choosing the format from its
// extension and creating parent directories as needed.
func WriteFile(path string, r *Report) (err error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close report file: %w", cerr)
		}
	}()
	return Write(f, format, r)
}
