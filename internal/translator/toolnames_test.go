package translator

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormaliseValidNameUntouched(t *testing.T) {
	m := NewToolNameMapper()
	assert.Equal(t, "my.tool-v2", m.Normalise("my.tool-v2"))
	assert.Equal(t, "get_weather", m.Normalise("get_weather"))
	assert.Equal(t, "_private", m.Normalise("_private"))
}

func TestNormaliseInvalidNameGetsHashSuffix(t *testing.T) {
	m := NewToolNameMapper()
	got := m.Normalise("my fn!")
	require.True(t, strings.HasPrefix(got, "my_fn_"), "got %q", got)
	// suffix is 8 hex chars of the lowercase-original digest
	suffix := strings.TrimPrefix(got, "my_fn_")
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}$`), suffix)
}

func TestNormaliseShape(t *testing.T) {
	shape := regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)
	inputs := []string{
		"simple",
		"with space",
		"9starts-with-digit",
		".leading-dot",
		"-leading-dash",
		"trailing_underscores___",
		"__double__underscores__",
		"日本語の関数",
		"mixed 日本語 and ascii!",
		strings.Repeat("x", 200),
		"a",
	}
	m := NewToolNameMapper()
	for _, in := range inputs {
		got := m.Normalise(in)
		assert.LessOrEqual(t, len(got), 64, "input %q", in)
		assert.Regexp(t, shape, got, "input %q", in)
	}
}

func TestNormaliseDistinctOriginalsStayDistinct(t *testing.T) {
	m := NewToolNameMapper()
	a := m.Normalise("my fn!")
	b := m.Normalise("my fn?")
	assert.NotEqual(t, a, b)
}

func TestDenormaliseRoundTrip(t *testing.T) {
	names := []string{"my.tool-v2", "my fn!", "get_weather", "日本語の関数"}
	m := NewToolNameMapper()
	for _, n := range names {
		wire := m.Normalise(n)
		assert.Equal(t, n, m.Denormalise(wire), "wire %q", wire)
	}
}

func TestDenormaliseUnknownPassesThrough(t *testing.T) {
	m := NewToolNameMapper()
	assert.Equal(t, "never_seen", m.Denormalise("never_seen"))
	var nilMapper *ToolNameMapper
	assert.Equal(t, "x", nilMapper.Denormalise("x"))
}

func TestNormaliseStableWithinRequest(t *testing.T) {
	m := NewToolNameMapper()
	first := m.Normalise("my fn!")
	second := m.Normalise("my fn!")
	assert.Equal(t, first, second)
}
