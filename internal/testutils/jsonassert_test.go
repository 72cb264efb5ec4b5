package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONAsserter_DefaultOptions(t *testing.T) {
	opts := NewJSONAsserter(t).Options()
	assert.True(t, opts.IgnoreExtraKeys, "IgnoreExtraKeys should default to true")
	assert.True(t, opts.AllowPresencePlaceholder, "AllowPresencePlaceholder should default to true")
	assert.Empty(t, opts.IgnoredFields)

	opts = NewJSONAsserter(t).WithOptions(WithIgnoreExtraKeys(false)).Options()
	assert.False(t, opts.IgnoreExtraKeys)
	assert.True(t, opts.AllowPresencePlaceholder, "other options MUST keep their defaults")
}

func TestJSONAsserter_Diff(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		actual   string
		expected string
		match    bool
	}{
		{
			name:     "equal objects",
			actual:   `{"kind":"queued","target":"AA:BB:CC:DD:EE:01"}`,
			expected: `{"target":"AA:BB:CC:DD:EE:01","kind":"queued"}`,
			match:    true,
		},
		{
			name:     "extra keys ignored",
			actual:   `{"kind":"progress","progress":{"percent":50,"speed":11000}}`,
			expected: `{"kind":"progress","progress":{"percent":50}}`,
			match:    true,
		},
		{
			name:     "extra keys reported when strict",
			opts:     []Option{WithIgnoreExtraKeys(false)},
			actual:   `{"kind":"progress","progress":{"percent":50,"speed":11000}}`,
			expected: `{"kind":"progress","progress":{"percent":50}}`,
		},
		{
			name:     "value mismatch",
			actual:   `{"state":"aborted"}`,
			expected: `{"state":"completed"}`,
		},
		{
			name:     "presence placeholder",
			actual:   `{"error":{"kind":"busy","message":"DFU already in progress"}}`,
			expected: `{"error":{"kind":"busy","message":"<<PRESENCE>>"}}`,
			match:    true,
		},
		{
			name:     "placeholder requires the key",
			actual:   `{"error":{"kind":"busy"}}`,
			expected: `{"error":{"kind":"busy","message":"<<PRESENCE>>"}}`,
		},
		{
			name:     "ignored fields",
			opts:     []Option{WithIgnoredFields("speed", "averageSpeed"), WithIgnoreExtraKeys(false)},
			actual:   `{"percent":50,"speed":11000,"averageSpeed":10000}`,
			expected: `{"percent":50,"speed":1}`,
			match:    true,
		},
		{
			name:     "arrays compared by position",
			actual:   `[{"kind":"queued"},{"kind":"finished"}]`,
			expected: `[{"kind":"finished"},{"kind":"queued"}]`,
		},
		{
			name:     "array length mismatch",
			actual:   `[{"kind":"queued"},{"kind":"finished"}]`,
			expected: `[{"kind":"queued"}]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := NewJSONAsserter(t).WithOptions(tt.opts...).Diff(tt.actual, tt.expected)
			if tt.match {
				assert.Empty(t, diff)
			} else {
				assert.NotEmpty(t, diff)
			}
		})
	}
}

func TestJSONAsserter_InvalidInput(t *testing.T) {
	ja := NewJSONAsserter(t)
	assert.Contains(t, ja.Diff(`{`, `{}`), "invalid actual JSON")
	assert.Contains(t, ja.Diff(`{}`, `nope`), "invalid expected JSON")
}

func TestLinesToJSONArray(t *testing.T) {
	out, err := LinesToJSONArray("{\"a\":1}\n\n{\"b\":2}\n")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"a":1},{"b":2}]`, out)

	out, err = LinesToJSONArray("")
	require.NoError(t, err)
	assert.Equal(t, "[]", out)

	_, err = LinesToJSONArray("{\"a\":1}\nprogress 50\n")
	assert.ErrorContains(t, err, "line 2 is not JSON")
}
