package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseModelMap_ExactAndPatterns(t *testing.T) {
	raw := []byte(`{
		"gpt-4o": "gpt-4o-2024-11-20",
		"claude-*": "claude-sonnet-4",
		"gpt-4o": "duplicate-ignored",
		"^o[13](-mini)?$": "o-series"
	}`)

	mm, err := ParseModelMap(raw)
	require.NoError(t, err)

	// Exact wins and first declaration of a duplicate key sticks.
	target, ok := mm.Resolve("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-2024-11-20", target)

	// Wildcard.
	target, ok = mm.Resolve("claude-haiku")
	require.True(t, ok)
	assert.Equal(t, "claude-sonnet-4", target)

	// Regex, anchored.
	target, ok = mm.Resolve("o1-mini")
	require.True(t, ok)
	assert.Equal(t, "o-series", target)
	_, ok = mm.Resolve("o1-mini-extra")
	assert.False(t, ok)

	_, ok = mm.Resolve("unrelated")
	assert.False(t, ok)
}

func TestParseModelMap_PatternOrder(t *testing.T) {
	mm, err := ParseModelMap([]byte(`{"claude-3-*": "first", "claude-*": "second"}`))
	require.NoError(t, err)

	target, ok := mm.Resolve("claude-3-opus")
	require.True(t, ok)
	assert.Equal(t, "first", target)

	target, ok = mm.Resolve("claude-4-opus")
	require.True(t, ok)
	assert.Equal(t, "second", target)
}

func TestParseModelMap_ExactBeatsEarlierPattern(t *testing.T) {
	mm, err := ParseModelMap([]byte(`{"gpt-*": "pattern", "gpt-4o": "exact"}`))
	require.NoError(t, err)

	target, ok := mm.Resolve("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, "exact", target)
}

func TestParseModelMap_Empty(t *testing.T) {
	for _, raw := range []string{"", "  ", "{}"} {
		mm, err := ParseModelMap([]byte(raw))
		require.NoError(t, err)
		assert.False(t, mm.Matches("anything"))
		assert.Empty(t, mm.ExactModels())
	}
}

func TestParseModelMap_Invalid(t *testing.T) {
	_, err := ParseModelMap([]byte(`["not","an","object"]`))
	assert.Error(t, err)

	_, err = ParseModelMap([]byte(`{"bad[regex": "x"}`))
	assert.Error(t, err)
}

func TestModelMap_ExactModels(t *testing.T) {
	mm, err := ParseModelMap([]byte(`{"b": "1", "a": "2", "c-*": "3"}`))
	require.NoError(t, err)
	// Declaration order, patterns excluded.
	assert.Equal(t, []string{"b", "a"}, mm.ExactModels())
}

func TestClassifyPattern(t *testing.T) {
	assert.Equal(t, kindLiteral, classifyPattern("gpt-4o"))
	assert.Equal(t, kindWildcard, classifyPattern("claude-*"))
	assert.Equal(t, kindWildcard, classifyPattern("gpt-?"))
	assert.Equal(t, kindRegex, classifyPattern("^o1$"))
	assert.Equal(t, kindRegex, classifyPattern("gpt-4.1"))
}

func TestParseModelPatterns(t *testing.T) {
	mp, err := ParseModelPatterns([]byte(`["gpt-4o", "claude-*"]`))
	require.NoError(t, err)

	assert.False(t, mp.AllowsAll())
	assert.True(t, mp.Allows("gpt-4o"))
	assert.True(t, mp.Allows("claude-opus-4"))
	assert.False(t, mp.Allows("gemini-pro"))
}

func TestParseModelPatterns_EmptyAllowsAll(t *testing.T) {
	for _, raw := range []string{"", "[]"} {
		mp, err := ParseModelPatterns([]byte(raw))
		require.NoError(t, err)
		assert.True(t, mp.AllowsAll())
		assert.True(t, mp.Allows("anything"))
	}
}

// Literal keys must always resolve to their own target, no matter what other
// entries surround them.
func TestModelMap_LiteralResolutionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[a-z][a-z0-9-]{0,20}`).Draw(t, "name")
		target := rapid.StringMatching(`[a-z][a-z0-9-]{0,20}`).Draw(t, "target")

		mm := &ModelMap{exact: map[string]string{name: target}}
		got, ok := mm.Resolve(name)
		if !ok || got != target {
			t.Fatalf("literal %q did not resolve to %q (got %q, %v)", name, target, got, ok)
		}
	})
}

// A wildcard key must match exactly the strings its glob describes.
func TestWildcardToRegexProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		prefix := rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "prefix")
		suffix := rapid.StringMatching(`[a-z0-9.]{0,8}`).Draw(t, "suffix")

		cp, err := compilePattern(prefix+"-*", "target")
		if err != nil {
			t.Fatalf("compile: %v", err)
		}
		if !cp.re.MatchString(prefix + "-" + suffix) {
			t.Fatalf("%q-* should match %q", prefix, prefix+"-"+suffix)
		}
		if cp.re.MatchString("x" + prefix + "-" + suffix) {
			t.Fatalf("%q-* should be anchored at the start", prefix)
		}
	})
}
