package testutils

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/dfuq/internal/dfu"
)

type recordingT struct {
	errors []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestTranscriptAsserter_DefaultOptions(t *testing.T) {
	opts := NewTranscriptAsserter(t).Options()
	assert.False(t, opts.IgnoreProgress)
	assert.True(t, opts.TrimSpace)
	assert.False(t, opts.EnableColors)
}

func TestTranscriptAsserter_Assert(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected string
		opts     []TranscriptOption
		match    bool
	}{
		{
			name:     "identical",
			actual:   "T1 state connecting\nT1 state completed",
			expected: "T1 state connecting\nT1 state completed",
			match:    true,
		},
		{
			name:     "indentation and blank lines are ignored",
			actual:   "T1 state connecting\nT1 state completed\n",
			expected: "\n\t\tT1 state connecting\n\t\tT1 state completed\n\t",
			match:    true,
		},
		{
			name:     "progress ignored on request",
			actual:   "T1 state uploading\nT1 progress 50\nT1 state completed",
			expected: "T1 state uploading\nT1 state completed",
			opts:     []TranscriptOption{WithIgnoreProgress(true)},
			match:    true,
		},
		{
			name:     "order matters",
			actual:   "T1 state completed\nT1 state connecting",
			expected: "T1 state connecting\nT1 state completed",
			match:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &recordingT{}
			ok := NewTranscriptAsserter(rt, tt.opts...).AssertText(tt.actual, tt.expected)
			assert.Equal(t, tt.match, ok)
			if tt.match {
				assert.Empty(t, rt.errors)
			} else {
				require.Len(t, rt.errors, 1)
				assert.Contains(t, rt.errors[0], "--- expected")
				assert.Contains(t, rt.errors[0], "+++ actual")
			}
		})
	}
}

func TestTranscriptAsserter_ColoredDiff(t *testing.T) {
	diff := NewTranscriptAsserter(t, WithEnableColors(true)).Diff("a\nc", "a\nb")
	assert.Contains(t, diff, "\x1b[31m-b")
	assert.Contains(t, diff, "\x1b[32m+c")
}

func TestRecorder(t *testing.T) {
	t1 := dfu.AddressTarget(0xA1)
	rec := NewRecorder().Label(t1, "T1")
	l := rec.Listener()

	l.OnState(dfu.StateEvent{Target: t1, State: dfu.StateConnecting})
	l.OnProgress(dfu.ProgressEvent{Target: t1, Progress: dfu.Progress{Percent: 40}})
	l.OnState(dfu.StateEvent{Target: t1.Bootloader(), State: dfu.StateUploading})

	assert.Equal(t, []string{
		"T1 state connecting",
		"T1 progress 40",
		"00:00:00:00:00:A2 state uploading",
	}, rec.Lines())

	t.Run("WaitFor", func(t *testing.T) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			rec.Record("late line")
		}()
		assert.True(t, rec.WaitFor("late line", time.Second))
		assert.False(t, rec.WaitFor("never", 20*time.Millisecond))
		assert.True(t, strings.HasSuffix(rec.String(), "late line"))
	})
}
