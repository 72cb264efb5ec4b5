package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/srg/dfuq/internal/dfu"
	"github.com/srg/dfuq/internal/orchestrator"
)

const (
	clearLineSequence = "\r\033[K"
	// progressStep is the percent between progress lines when not on a terminal
	progressStep = 10
)

var (
	okColor     = color.New(color.FgGreen, color.Bold)
	failColor   = color.New(color.FgRed, color.Bold)
	cancelColor = color.New(color.FgYellow)
	stateColor  = color.New(color.FgCyan)
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ProgressRenderer prints the orchestrator's update stream.
//
// On a terminal the active target's state and progress are redrawn in place;
// otherwise every state and every progressStep percent get their own line.
// Final outcomes always get their own line.
type ProgressRenderer struct {
	out     io.Writer
	inPlace bool

	mu       sync.Mutex
	lineOpen bool
	lastPct  map[dfu.TargetID]int
}

// NewProgressRenderer creates a renderer writing to out.
func NewProgressRenderer(out io.Writer, inPlace bool) *ProgressRenderer {
	return &ProgressRenderer{
		out:     out,
		inPlace: inPlace,
		lastPct: make(map[dfu.TargetID]int),
	}
}

// Run renders updates until the channel is closed.
func (r *ProgressRenderer) Run(updates <-chan orchestrator.Update) {
	defer func() {
		if rec := recover(); rec != nil {
			fmt.Fprintf(r.out, "\nprogress renderer panic: %v\n", rec)
		}
	}()

	for u := range updates {
		r.Render(u)
	}
	r.mu.Lock()
	r.closeLine()
	r.mu.Unlock()
}

// Render prints one update.
func (r *ProgressRenderer) Render(u orchestrator.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch u.Kind {
	case orchestrator.UpdateQueued:
		r.println("%s queued", u.Target)

	case orchestrator.UpdateDequeued:
		r.println("%s %s", u.Target, cancelColor.Sprint("cancelled before start"))

	case orchestrator.UpdateState:
		delete(r.lastPct, u.Target)
		r.status("%s %s", u.Target, stateColor.Sprint(u.State))

	case orchestrator.UpdateProgress:
		if u.Progress == nil {
			return
		}
		p := *u.Progress
		if r.inPlace {
			r.status("%s %s", u.Target, formatProgress(p))
			return
		}
		last, seen := r.lastPct[u.Target]
		if seen && p.Percent < 100 && p.Percent-last < progressStep {
			return
		}
		r.lastPct[u.Target] = p.Percent
		r.println("%s %s", u.Target, formatProgress(p))

	case orchestrator.UpdateFinished:
		delete(r.lastPct, u.Target)
		switch {
		case u.Err != nil:
			r.println("%s %s", u.Target, failColor.Sprintf("failed: %s", formatDfuError(u.Err)))
		case u.State == dfu.StateCompleted:
			r.println("%s %s", u.Target, okColor.Sprint("completed"))
		default:
			r.println("%s %s", u.Target, cancelColor.Sprint("cancelled"))
		}
	}
}

func formatProgress(p dfu.Progress) string {
	s := fmt.Sprintf("uploading %3d%%", p.Percent)
	if p.PartsTotal > 1 {
		s += fmt.Sprintf(" part %d/%d", p.Part, p.PartsTotal)
	}
	switch {
	case p.AverageSpeed >= 1000:
		s += fmt.Sprintf(" %.1f kB/s", p.AverageSpeed/1000)
	case p.AverageSpeed > 0:
		s += fmt.Sprintf(" %.0f B/s", p.AverageSpeed)
	}
	return s
}

// status prints a transient line, redrawn in place on a terminal.
func (r *ProgressRenderer) status(format string, args ...any) {
	if !r.inPlace {
		r.println(format, args...)
		return
	}
	fmt.Fprint(r.out, clearLineSequence)
	fmt.Fprintf(r.out, format, args...)
	r.lineOpen = true
}

func (r *ProgressRenderer) println(format string, args ...any) {
	r.closeLine()
	fmt.Fprintf(r.out, format+"\n", args...)
}

func (r *ProgressRenderer) closeLine() {
	if r.lineOpen {
		fmt.Fprint(r.out, clearLineSequence)
		r.lineOpen = false
	}
}
