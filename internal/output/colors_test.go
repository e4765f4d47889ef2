package output

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestColorSchemes(t *testing.T) {
	for name, scheme := range map[string]*ColorScheme{
		"default": DefaultColorScheme(),
		"none":    NoColorScheme(),
		"forced":  ForcedColorScheme(),
	} {
		t.Run(name, func(t *testing.T) {
			for i, c := range scheme.all() {
				assert.NotNil(t, c, "color %d", i)
			}
		})
	}
}

func TestNoColorScheme_Plain(t *testing.T) {
	s := NoColorScheme()
	assert.Equal(t, "✓", s.SuccessIcon())
	assert.Equal(t, "✗", s.ErrorIcon())
	assert.Equal(t, "42", s.Value.Sprint(42))
}

func TestForcedColorScheme_EmitsANSI(t *testing.T) {
	s := ForcedColorScheme()
	assert.Contains(t, s.SuccessIcon(), "\x1b[")
	assert.Contains(t, s.SuccessIcon(), "✓")
}

func TestColorScheme_Rate(t *testing.T) {
	s := NoColorScheme()
	assert.Same(t, s.Success, s.Rate(100))
	assert.Same(t, s.Success, s.Rate(99))
	assert.Same(t, s.Warn, s.Rate(97.5))
	assert.Same(t, s.Error, s.Rate(94.9))
	assert.Same(t, s.Error, s.Rate(0))
}

func TestSupportsColors(t *testing.T) {
	env := func(vars map[string]string) func(string) string {
		return func(k string) string { return vars[k] }
	}
	assert.False(t, supportsColors(env(map[string]string{"NO_COLOR": "1", "TERM": "xterm"})))
	assert.True(t, supportsColors(env(map[string]string{"FORCE_COLOR": "1"})))
	assert.True(t, supportsColors(env(map[string]string{"TERM": "xterm-256color"})))
}
