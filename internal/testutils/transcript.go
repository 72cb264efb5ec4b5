package testutils

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"

	"github.com/srg/dfuq/internal/dfu"
)

// TestingT is an interface that matches the methods we need from testing.T
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// Recorder collects DFU events as transcript lines:
//
//	T1 state connecting
//	T1 progress 50
//
// Targets print by label when one was assigned, by String() otherwise.
type Recorder struct {
	mu      sync.Mutex
	lines   []string
	labels  map[dfu.TargetID]string
	changed chan struct{}
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		labels:  make(map[dfu.TargetID]string),
		changed: make(chan struct{}),
	}
}

// Label makes target print as name.
func (r *Recorder) Label(target dfu.TargetID, name string) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labels[target] = name
	return r
}

// Listener returns callbacks recording state and progress events.
func (r *Recorder) Listener() dfu.Listener {
	return dfu.Listener{
		OnState: func(ev dfu.StateEvent) {
			r.Record("%s state %s", r.name(ev.Target), ev.State)
		},
		OnProgress: func(ev dfu.ProgressEvent) {
			r.Record("%s progress %d", r.name(ev.Target), ev.Percent)
		},
	}
}

// Record appends a free-form line.
func (r *Recorder) Record(format string, args ...interface{}) {
	r.mu.Lock()
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}

// Lines returns a copy of the recorded lines.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// String joins the recorded lines.
func (r *Recorder) String() string {
	return strings.Join(r.Lines(), "\n")
}

// WaitFor blocks until line was recorded or timeout elapsed.
func (r *Recorder) WaitFor(line string, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		r.mu.Lock()
		for _, l := range r.lines {
			if l == line {
				r.mu.Unlock()
				return true
			}
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-deadline.C:
			return false
		}
	}
}

func (r *Recorder) name(target dfu.TargetID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := r.labels[target]; ok {
		return name
	}
	return target.String()
}

type TranscriptOptions struct {
	IgnoreProgress bool `default:"false"`
	TrimSpace      bool `default:"true"`
	EnableColors   bool `default:"false"`
}

// TranscriptOption is a functional option for configuring TranscriptAsserter
type TranscriptOption func(*TranscriptOptions)

// TranscriptAsserter compares transcripts and reports a unified diff.
type TranscriptAsserter struct {
	t       TestingT
	options TranscriptOptions
}

// NewTranscriptAsserter creates a TranscriptAsserter with default options.
func NewTranscriptAsserter(t TestingT, opts ...TranscriptOption) *TranscriptAsserter {
	o := TranscriptOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &TranscriptAsserter{t: t, options: o}
}

// WithIgnoreProgress drops progress lines before comparing.
func WithIgnoreProgress(ignore bool) TranscriptOption {
	return func(o *TranscriptOptions) { o.IgnoreProgress = ignore }
}

// WithTrimSpace trims every line and drops blank ones.
func WithTrimSpace(trim bool) TranscriptOption {
	return func(o *TranscriptOptions) { o.TrimSpace = trim }
}

// WithEnableColors colors the diff output.
func WithEnableColors(enable bool) TranscriptOption {
	return func(o *TranscriptOptions) { o.EnableColors = enable }
}

// Options returns the effective options.
func (ta *TranscriptAsserter) Options() TranscriptOptions {
	return ta.options
}

// Assert compares the recorder's transcript against expected. It returns
// true when they match.
func (ta *TranscriptAsserter) Assert(rec *Recorder, expected string) bool {
	return ta.AssertText(rec.String(), expected)
}

// AssertText compares two transcripts.
func (ta *TranscriptAsserter) AssertText(actual, expected string) bool {
	diff := ta.Diff(actual, expected)
	if diff == "" {
		return true
	}
	ta.t.Errorf("Transcript mismatch - unified diff:\n%s", diff)
	return false
}

// Diff returns the unified diff between the normalized transcripts, "" when
// they match.
func (ta *TranscriptAsserter) Diff(actual, expected string) string {
	a, e := ta.normalize(actual), ta.normalize(expected)
	if a == e {
		return ""
	}
	edits := myers.ComputeEdits("", e, a)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", e, edits))
	if !ta.options.EnableColors {
		return unified
	}
	return colorize(unified)
}

func (ta *TranscriptAsserter) normalize(text string) string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if ta.options.TrimSpace {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
		}
		if ta.options.IgnoreProgress && strings.Contains(line, " progress ") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n") + "\n"
}

func colorize(diff string) string {
	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---") || strings.HasPrefix(line, "+++"):
		case strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(line)
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(line)
		}
	}
	return strings.Join(lines, "\n")
}
